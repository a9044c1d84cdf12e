// Package watch feeds PDFs dropped into an inbox directory to ingestion.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kalambet/techdocs/internal/ingest"
	"github.com/kalambet/techdocs/internal/pipeline"
)

// Submitter queues an upload for ingestion.
type Submitter interface {
	Submit(ctx context.Context, u ingest.Upload) (*ingest.Submission, error)
}

// DefaultSettle is how long a file's size must stay unchanged before it is
// picked up.
const DefaultSettle = 2 * time.Second

// rejectedSuffix is appended to files that failed validation so they are
// not picked up again.
const rejectedSuffix = ".rejected"

type pendingFile struct {
	size  int64
	since time.Time
}

// Inbox watches a directory. A PDF is submitted once its size has been
// stable for the settle period, then removed from the inbox.
type Inbox struct {
	dir    string
	submit Submitter
	settle time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]pendingFile
}

func New(dir string, submit Submitter, settle time.Duration, logger *slog.Logger) *Inbox {
	if settle <= 0 {
		settle = DefaultSettle
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Inbox{
		dir:     dir,
		submit:  submit,
		settle:  settle,
		logger:  logger.With("inbox", dir),
		pending: make(map[string]pendingFile),
	}
}

// Run watches the inbox until ctx is cancelled. Files already present
// when Run starts are picked up too.
func (in *Inbox) Run(ctx context.Context) error {
	if err := os.MkdirAll(in.dir, 0o755); err != nil {
		return fmt.Errorf("creating inbox: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(in.dir); err != nil {
		return fmt.Errorf("watching %s: %w", in.dir, err)
	}
	if err := in.scan(); err != nil {
		return err
	}
	in.logger.Info("watching inbox")

	tick := time.NewTicker(in.settle / 4)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			in.handleEvent(ev)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			in.logger.Warn("watcher error", "error", err)
		case now := <-tick.C:
			in.flush(ctx, now)
		}
	}
}

func (in *Inbox) scan() error {
	entries, err := os.ReadDir(in.dir)
	if err != nil {
		return fmt.Errorf("reading inbox: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			in.track(filepath.Join(in.dir, e.Name()))
		}
	}
	return nil
}

// handleEvent updates the pending set and reports whether the event was
// relevant.
func (in *Inbox) handleEvent(ev fsnotify.Event) bool {
	switch {
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		in.mu.Lock()
		_, ok := in.pending[ev.Name]
		delete(in.pending, ev.Name)
		in.mu.Unlock()
		return ok
	case ev.Op.Has(fsnotify.Create), ev.Op.Has(fsnotify.Write):
		return in.track(ev.Name)
	}
	return false
}

func (in *Inbox) track(path string) bool {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || !strings.EqualFold(filepath.Ext(name), ".pdf") {
		return false
	}
	st, err := os.Stat(path)
	if err != nil || !st.Mode().IsRegular() {
		return false
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if p, ok := in.pending[path]; !ok || p.size != st.Size() {
		in.pending[path] = pendingFile{size: st.Size(), since: time.Now()}
	}
	return true
}

// flush submits every pending file whose size has not changed for the
// settle period.
func (in *Inbox) flush(ctx context.Context, now time.Time) {
	var ready []string
	in.mu.Lock()
	for path, p := range in.pending {
		st, err := os.Stat(path)
		if err != nil {
			delete(in.pending, path)
			continue
		}
		if st.Size() != p.size {
			in.pending[path] = pendingFile{size: st.Size(), since: now}
			continue
		}
		if now.Sub(p.since) >= in.settle {
			ready = append(ready, path)
			delete(in.pending, path)
		}
	}
	in.mu.Unlock()

	for _, path := range ready {
		if err := in.ingest(ctx, path); err != nil {
			in.logger.Error("submitting inbox file", "file", filepath.Base(path), "error", err)
		}
	}
}

func (in *Inbox) ingest(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	sub, err := in.submit.Submit(ctx, ingest.Upload{Filename: filepath.Base(path), Size: st.Size(), Body: f})
	f.Close()

	if errors.Is(err, pipeline.ErrValidation) {
		in.logger.Warn("inbox file rejected", "file", filepath.Base(path), "error", err)
		return os.Rename(path, path+rejectedSuffix)
	}
	if err != nil {
		// Picked up again on the next write or restart.
		return err
	}
	in.logger.Info("inbox file queued", "file", filepath.Base(path), "doc_id", sub.Document.ID, "task_id", sub.Task.ID)
	return os.Remove(path)
}
