package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/kalambet/techdocs/internal/pipeline"
	"github.com/kalambet/techdocs/internal/retry"
	"github.com/kalambet/techdocs/internal/storage"
)

const testDim = 4

func openSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	s := NewSQLiteStore(st.DB(), "test")
	if err := s.EnsureCollection(context.Background(), DefaultCollection(testDim)); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}
	return s
}

func openChromemStore(t *testing.T) *ChromemStore {
	t.Helper()
	s, err := NewChromemStore("", "test")
	if err != nil {
		t.Fatalf("NewChromemStore: %v", err)
	}
	if err := s.EnsureCollection(context.Background(), DefaultCollection(testDim)); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}
	return s
}

// angled returns a unit vector in the x/y plane at deg degrees from the x axis,
// so its cosine with (1,0,0,0) is cos(deg).
func angled(deg float64) []float32 {
	r := deg * math.Pi / 180
	return []float32{float32(math.Cos(r)), float32(math.Sin(r)), 0, 0}
}

func point(doc string, idx int, vec []float32) Point {
	return Point{
		ID:     PointID(doc, idx),
		Vector: vec,
		Payload: Payload{
			DocumentID: doc,
			Filename:   doc + ".pdf",
			Page:       idx + 1,
			Pages:      []int{idx + 1},
			ChunkIndex: idx,
			Text:       fmt.Sprintf("%s chunk %d", doc, idx),
			Tokens:     10,
			Provider:   "mock",
		},
	}
}

// runContract exercises the behaviour every backend must share.
func runContract(t *testing.T, s Store) {
	ctx := context.Background()
	query := angled(0)

	// Cosines: 1.0, 0.94, 0.77, 0.5, 0.0
	points := []Point{
		point("a", 0, angled(0)),
		point("a", 1, angled(20)),
		point("a", 2, angled(40)),
		point("b", 0, angled(60)),
		point("b", 1, angled(90)),
	}
	if err := s.Upsert(ctx, points); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	t.Run("count", func(t *testing.T) {
		n, err := s.Count(ctx)
		if err != nil || n != 5 {
			t.Fatalf("Count = %d, %v; want 5", n, err)
		}
		n, err = s.CountByDocument(ctx, "a")
		if err != nil || n != 3 {
			t.Fatalf("CountByDocument(a) = %d, %v; want 3", n, err)
		}
	})

	t.Run("upsert is idempotent", func(t *testing.T) {
		if err := s.Upsert(ctx, points[:2]); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		n, _ := s.Count(ctx)
		if n != 5 {
			t.Errorf("Count after re-upsert = %d, want 5", n)
		}
	})

	t.Run("threshold and order", func(t *testing.T) {
		hits, err := s.Search(ctx, query, SearchOptions{TopK: 10, ScoreThreshold: 0.7})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(hits) != 3 {
			t.Fatalf("got %d hits, want 3: %+v", len(hits), hits)
		}
		for i, h := range hits {
			if h.Score < 0.7 {
				t.Errorf("hit %d score %f below threshold", i, h.Score)
			}
			if i > 0 && h.Score > hits[i-1].Score {
				t.Errorf("hits not sorted descending at %d", i)
			}
		}
		if hits[0].Payload.ChunkIndex != 0 || hits[0].Payload.DocumentID != "a" {
			t.Errorf("top hit payload = %+v", hits[0].Payload)
		}
		if hits[0].Payload.Filename != "a.pdf" || len(hits[0].Payload.Pages) != 1 {
			t.Errorf("payload not round-tripped: %+v", hits[0].Payload)
		}
	})

	t.Run("top k", func(t *testing.T) {
		hits, err := s.Search(ctx, query, SearchOptions{TopK: 2})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(hits) != 2 {
			t.Errorf("got %d hits, want 2", len(hits))
		}
	})

	t.Run("filter", func(t *testing.T) {
		hits, err := s.Search(ctx, query, SearchOptions{TopK: 10, Filter: &Filter{DocumentIDs: []string{"b"}}})
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		for _, h := range hits {
			if h.Payload.DocumentID != "b" {
				t.Errorf("filter leaked document %q", h.Payload.DocumentID)
			}
		}
		if len(hits) != 2 {
			t.Errorf("got %d hits for b, want 2", len(hits))
		}
	})

	t.Run("delete by document", func(t *testing.T) {
		if err := s.DeleteByDocument(ctx, "a"); err != nil {
			t.Fatalf("DeleteByDocument: %v", err)
		}
		n, _ := s.CountByDocument(ctx, "a")
		if n != 0 {
			t.Errorf("CountByDocument(a) after delete = %d", n)
		}
		n, _ = s.Count(ctx)
		if n != 2 {
			t.Errorf("Count after delete = %d, want 2", n)
		}
	})

	t.Run("status", func(t *testing.T) {
		st, err := s.Status(ctx)
		if err != nil || st != StatusGreen {
			t.Errorf("Status = %s, %v", st, err)
		}
	})
}

func TestSQLiteStore_Contract(t *testing.T) {
	runContract(t, openSQLiteStore(t))
}

func TestChromemStore_Contract(t *testing.T) {
	runContract(t, openChromemStore(t))
}

func TestSQLiteStore_EmptyCollection(t *testing.T) {
	s := openSQLiteStore(t)
	hits, err := s.Search(context.Background(), angled(0), SearchOptions{TopK: 4})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("got %d hits on empty collection", len(hits))
	}
}

func TestSQLiteStore_ZeroQuery(t *testing.T) {
	s := openSQLiteStore(t)
	s.Upsert(context.Background(), []Point{point("a", 0, angled(0))})
	hits, err := s.Search(context.Background(), make([]float32, testDim), SearchOptions{TopK: 4})
	if err != nil || hits != nil {
		t.Errorf("Search(zero) = %v, %v; want nil, nil", hits, err)
	}
}

func TestSQLiteStore_RejectsWrongDimension(t *testing.T) {
	s := openSQLiteStore(t)
	err := s.Upsert(context.Background(), []Point{point("a", 0, []float32{1, 0})})
	if err == nil {
		t.Fatal("expected dimension error")
	}
}

func TestSQLiteStore_EnsureCollectionDimensionConflict(t *testing.T) {
	s := openSQLiteStore(t)
	if err := s.EnsureCollection(context.Background(), DefaultCollection(testDim)); err != nil {
		t.Fatalf("second EnsureCollection: %v", err)
	}
	if err := s.EnsureCollection(context.Background(), DefaultCollection(8)); err == nil {
		t.Error("expected error for conflicting dimension")
	}
}

func TestChromemStore_EmptySearch(t *testing.T) {
	s := openChromemStore(t)
	hits, err := s.Search(context.Background(), angled(0), SearchOptions{TopK: 4})
	if err != nil || len(hits) != 0 {
		t.Errorf("Search on empty = %v, %v", hits, err)
	}
}

func TestPointID_Deterministic(t *testing.T) {
	a := PointID("doc-1", 3)
	if a != PointID("doc-1", 3) {
		t.Error("PointID not stable")
	}
	if a == PointID("doc-1", 4) || a == PointID("doc-2", 3) {
		t.Error("PointID collision")
	}
	// "doc-1"+"#"+"23" must differ from "doc-12"+"#"+"3".
	if PointID("doc-1", 23) == PointID("doc-12", 3) {
		t.Error("PointID ambiguous separator")
	}
}

func TestFinalize(t *testing.T) {
	hits := []Hit{{ID: "a", Score: 0.5}, {ID: "b", Score: 0.9}, {ID: "c", Score: 0.8}, {ID: "d", Score: 0.75}}
	got := finalize(hits, SearchOptions{TopK: 2, ScoreThreshold: 0.7})
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "c" {
		t.Errorf("finalize = %+v", got)
	}
}

// flakyStore fails the first n calls with err.
type flakyStore struct {
	Store
	n     int
	err   error
	calls int
}

func (f *flakyStore) Upsert(ctx context.Context, points []Point) error {
	f.calls++
	if f.calls <= f.n {
		return f.err
	}
	return nil
}

func TestWithRetry_NotReady(t *testing.T) {
	f := &flakyStore{n: 2, err: fmt.Errorf("optimizing: %w", pipeline.ErrNotReady)}
	p := retry.VectorStore.WithAttempts(3)
	p.InitialBackoff, p.MaxBackoff = time.Millisecond, time.Millisecond
	s := WithRetry(f, p, nil)

	if err := s.Upsert(context.Background(), nil); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if f.calls != 3 {
		t.Errorf("calls = %d, want 3", f.calls)
	}
}

func TestWithRetry_PermanentNotRetried(t *testing.T) {
	perm := errors.New("bad request")
	f := &flakyStore{n: 5, err: perm}
	s := WithRetry(f, retry.VectorStore, nil)

	if err := s.Upsert(context.Background(), nil); !errors.Is(err, perm) {
		t.Fatalf("err = %v, want %v", err, perm)
	}
	if f.calls != 1 {
		t.Errorf("calls = %d, want 1", f.calls)
	}
}

// statusSeq returns the listed statuses in order, then green.
type statusSeq struct {
	Store
	seq []Status
}

func (s *statusSeq) Status(context.Context) (Status, error) {
	if len(s.seq) == 0 {
		return StatusGreen, nil
	}
	st := s.seq[0]
	s.seq = s.seq[1:]
	return st, nil
}

func TestWaitGreen(t *testing.T) {
	s := &statusSeq{seq: []Status{StatusYellow, StatusYellow}}
	if err := WaitGreen(context.Background(), s, time.Millisecond, time.Second); err != nil {
		t.Fatalf("WaitGreen: %v", err)
	}

	stuck := &statusSeq{seq: make([]Status, 1000)}
	for i := range stuck.seq {
		stuck.seq[i] = StatusYellow
	}
	if err := WaitGreen(context.Background(), stuck, time.Millisecond, 20*time.Millisecond); err == nil {
		t.Error("expected timeout while yellow")
	}
}
