package ingest

import (
	"bytes"
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode"

	"github.com/kalambet/techdocs/internal/embedding"
	"github.com/kalambet/techdocs/internal/retry"
	"github.com/kalambet/techdocs/internal/storage"
	"github.com/kalambet/techdocs/internal/vectorstore"
	"github.com/kalambet/techdocs/internal/testutil"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// vocab are the dimensions of bagOfWords; everything else lands in a last,
// down-weighted dimension.
var vocab = []string{"exhaust", "system", "caution", "hot", "engine", "oil", "brake", "contents"}

var testDim = len(vocab) + 1

func bagOfWords(text string) []float32 {
	v := make([]float32, testDim)
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool { return !unicode.IsLetter(r) }) {
		known := false
		for i, term := range vocab {
			if w == term {
				v[i]++
				known = true
				break
			}
		}
		if !known {
			v[len(vocab)] += 0.05
		}
	}
	return v
}

// bagProvider embeds texts with bagOfWords. hook, when set, runs before
// each call and may fail it.
type bagProvider struct {
	mu    sync.Mutex
	calls int
	hook  func(call int, texts []string) error
}

func (p *bagProvider) Name() string { return "bag" }

func (p *bagProvider) Embed(_ context.Context, texts []string, _ embedding.InputType) ([][]float32, error) {
	p.mu.Lock()
	p.calls++
	call, hook := p.calls, p.hook
	p.mu.Unlock()

	if hook != nil {
		if err := hook(call, texts); err != nil {
			return nil, err
		}
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = bagOfWords(t)
	}
	return out, nil
}

func (p *bagProvider) setHook(h func(call int, texts []string) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hook = h
}

func (p *bagProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type harness struct {
	store    *storage.Store
	uploads  *LocalFiles
	vectors  vectorstore.Store
	provider *bagProvider
	embedder *embedding.Client
	orch     *Orchestrator
	svc      *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	st := openTestStore(t)
	uploads, err := NewLocalFiles(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalFiles: %v", err)
	}
	vs := vectorstore.NewSQLiteStore(st.DB(), "test")
	if err := vs.EnsureCollection(ctx, vectorstore.DefaultCollection(testDim)); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}

	prov := &bagProvider{}
	emb := embedding.NewClient(prov, embedding.Options{
		BatchSize:   1,
		Concurrency: 1,
		Dimension:   testDim,
		Policy:      retry.Policy{MaxAttempts: 1},
	})
	orch := NewOrchestrator(Deps{
		State:    st,
		Progress: NewStoreReporter(st, nil),
		Files:    uploads,
		Embedder: emb,
		Vectors:  vs,
	}, Options{
		FailureRatio:  0.10,
		PageTimeout:   5 * time.Second,
		GreenInterval: time.Millisecond,
		GreenTimeout:  time.Second,
	})
	return &harness{
		store:    st,
		uploads:  uploads,
		vectors:  vs,
		provider: prov,
		embedder: emb,
		orch:     orch,
		svc:      NewService(st, uploads, vs, 150<<20, nil),
	}
}

func (h *harness) submit(t *testing.T, pages []string) *Submission {
	t.Helper()
	data := testutil.BuildPDF(t, pages)
	sub, err := h.svc.Submit(context.Background(), Upload{Filename: "manual.pdf", Size: int64(len(data)), Body: bytes.NewReader(data)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return sub
}

func (h *harness) points(t *testing.T, docID string) int {
	t.Helper()
	n, err := h.vectors.CountByDocument(context.Background(), docID)
	if err != nil {
		t.Fatalf("CountByDocument: %v", err)
	}
	return n
}

func (h *harness) task(t *testing.T, id string) storage.Task {
	t.Helper()
	task, err := h.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	return task
}

func (h *harness) uploadCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(h.uploads.Dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	return len(entries)
}

// fillerPages returns n pages of about 300 characters without vocabulary
// words, each starting with its own marker.
func fillerPages(n int, marker func(page int) string) []string {
	pages := make([]string, n)
	for i := range pages {
		pages[i] = marker(i+1) + " " + strings.Repeat("Keep the work area clean and well lit at all times. ", 6)
	}
	return pages
}
