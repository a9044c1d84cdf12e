package watch

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kalambet/techdocs/internal/ingest"
	"github.com/kalambet/techdocs/internal/pipeline"
	"github.com/kalambet/techdocs/internal/storage"
)

type mockSubmitter struct {
	mu       sync.Mutex
	names    []string
	bodies   []string
	submitFn func(u ingest.Upload) error
}

func (m *mockSubmitter) Submit(_ context.Context, u ingest.Upload) (*ingest.Submission, error) {
	data, err := io.ReadAll(u.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.names = append(m.names, u.Filename)
	m.bodies = append(m.bodies, string(data))
	fn := m.submitFn
	m.mu.Unlock()
	if fn != nil {
		if err := fn(u); err != nil {
			return nil, err
		}
	}
	return &ingest.Submission{Document: storage.Document{ID: "d1"}, Task: storage.Task{ID: "t1"}}, nil
}

func (m *mockSubmitter) submitted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.names...)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestHandleEvent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "manual.pdf"), "%PDF-1.4")
	writeFile(t, filepath.Join(dir, "MANUAL2.PDF"), "%PDF-1.4")
	writeFile(t, filepath.Join(dir, "notes.txt"), "hello")
	writeFile(t, filepath.Join(dir, ".hidden.pdf"), "%PDF-1.4")
	if err := os.Mkdir(filepath.Join(dir, "sub.pdf"), 0o755); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		file string
		op   fsnotify.Op
		want bool
	}{
		{"create pdf", "manual.pdf", fsnotify.Create, true},
		{"write upper-case pdf", "MANUAL2.PDF", fsnotify.Write, true},
		{"write and chmod", "manual.pdf", fsnotify.Write | fsnotify.Chmod, true},
		{"chmod only", "manual.pdf", fsnotify.Chmod, false},
		{"not a pdf", "notes.txt", fsnotify.Create, false},
		{"hidden file", ".hidden.pdf", fsnotify.Create, false},
		{"directory", "sub.pdf", fsnotify.Create, false},
		{"missing file", "gone.pdf", fsnotify.Create, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := New(dir, &mockSubmitter{}, time.Second, nil)
			got := in.handleEvent(fsnotify.Event{Name: filepath.Join(dir, tt.file), Op: tt.op})
			if got != tt.want {
				t.Errorf("handleEvent = %v, want %v", got, tt.want)
			}
		})
	}

	t.Run("remove forgets pending file", func(t *testing.T) {
		in := New(dir, &mockSubmitter{}, time.Second, nil)
		path := filepath.Join(dir, "manual.pdf")
		in.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Create})
		if !in.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Remove}) {
			t.Error("remove of pending file not reported")
		}
		if len(in.pending) != 0 {
			t.Errorf("pending = %v, want empty", in.pending)
		}
	})
}

func TestFlush_WaitsForStableSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manual.pdf")
	writeFile(t, path, "%PDF-1.4 part")

	sub := &mockSubmitter{}
	in := New(dir, sub, time.Second, nil)
	in.track(path)
	start := in.pending[path].since
	ctx := context.Background()

	in.flush(ctx, start.Add(500*time.Millisecond))
	if len(sub.submitted()) != 0 {
		t.Fatal("submitted before settle period")
	}

	// Still growing: the settle period restarts.
	writeFile(t, path, "%PDF-1.4 part and the rest")
	in.flush(ctx, start.Add(1500*time.Millisecond))
	if len(sub.submitted()) != 0 {
		t.Fatal("submitted while the file was still changing")
	}

	in.flush(ctx, start.Add(2600*time.Millisecond))
	if got := sub.submitted(); len(got) != 1 || got[0] != "manual.pdf" {
		t.Fatalf("submitted = %v, want [manual.pdf]", got)
	}
	if sub.bodies[0] != "%PDF-1.4 part and the rest" {
		t.Errorf("body = %q", sub.bodies[0])
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Error("inbox file not removed after submit")
	}
}

func TestFlush_RejectedFileIsRenamed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.pdf")
	writeFile(t, path, "not a pdf")

	sub := &mockSubmitter{submitFn: func(ingest.Upload) error {
		return pipeline.NewValidationError("file", "not a PDF")
	}}
	in := New(dir, sub, time.Second, nil)
	in.track(path)
	in.flush(context.Background(), time.Now().Add(time.Hour))

	if _, err := os.Stat(path + rejectedSuffix); err != nil {
		t.Errorf("rejected file not renamed: %v", err)
	}
	if in.track(path + rejectedSuffix) {
		t.Error("rejected file would be tracked again")
	}
}

func TestFlush_TransientErrorKeepsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manual.pdf")
	writeFile(t, path, "%PDF-1.4")

	sub := &mockSubmitter{submitFn: func(ingest.Upload) error { return errors.New("disk full") }}
	in := New(dir, sub, time.Second, nil)
	in.track(path)
	in.flush(context.Background(), time.Now().Add(time.Hour))

	if _, err := os.Stat(path); err != nil {
		t.Errorf("file removed after failed submit: %v", err)
	}
}

func TestRun_PicksUpExistingAndNewFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "before.pdf"), "%PDF-1.4 a")

	sub := &mockSubmitter{}
	in := New(dir, sub, 40*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- in.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	writeFile(t, filepath.Join(dir, "after.pdf"), "%PDF-1.4 b")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && len(sub.submitted()) < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("Run: %v", err)
	}
	if got := sub.submitted(); len(got) != 2 {
		t.Errorf("submitted = %v, want both files", got)
	}
}
