package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/philippgille/chromem-go"
)

var _ Store = (*ChromemStore)(nil)

// ChromemStore is an embedded vector store backed by chromem-go. With a
// path it persists to disk, otherwise it lives in memory.
type ChromemStore struct {
	db   *chromem.DB
	name string

	mu         sync.RWMutex
	collection *chromem.Collection
	dim        int
}

// NewChromemStore opens (or creates) a chromem database at path. An empty
// path gives an in-memory store.
func NewChromemStore(path, collection string) (*ChromemStore, error) {
	var db *chromem.DB
	if path == "" {
		db = chromem.NewDB()
	} else {
		var err error
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("opening chromem db: %w", err)
		}
	}
	return &ChromemStore{db: db, name: collection}, nil
}

// precomputed rejects texts without an embedding; every point carries one.
func precomputed(context.Context, string) ([]float32, error) {
	return nil, errors.New("chromem: embeddings must be supplied by the caller")
}

func (c *ChromemStore) EnsureCollection(_ context.Context, cfg CollectionConfig) error {
	meta := map[string]string{
		"hnsw:space": "cosine",
		"dimension":  strconv.Itoa(cfg.Dimension),
	}
	col, err := c.db.GetOrCreateCollection(c.name, meta, precomputed)
	if err != nil {
		return fmt.Errorf("creating chromem collection: %w", err)
	}
	c.mu.Lock()
	c.collection = col
	c.dim = cfg.Dimension
	c.mu.Unlock()
	return nil
}

func (c *ChromemStore) col() (*chromem.Collection, int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.collection == nil {
		return nil, 0, fmt.Errorf("chromem collection %s not initialised", c.name)
	}
	return c.collection, c.dim, nil
}

func (c *ChromemStore) Upsert(ctx context.Context, points []Point) error {
	col, dim, err := c.col()
	if err != nil {
		return err
	}
	if err := checkDimension(points, dim); err != nil {
		return err
	}
	docs := make([]chromem.Document, len(points))
	for i, p := range points {
		// chromem normalises vectors in place.
		vec := make([]float32, len(p.Vector))
		copy(vec, p.Vector)
		docs[i] = chromem.Document{
			ID:        p.ID,
			Metadata:  toMetadata(p.Payload),
			Embedding: vec,
			Content:   p.Payload.Text,
		}
	}
	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("adding chromem documents: %w", err)
	}
	return nil
}

func (c *ChromemStore) Search(ctx context.Context, vector []float32, opts SearchOptions) ([]Hit, error) {
	opts = opts.withDefaults()
	col, _, err := c.col()
	if err != nil {
		return nil, err
	}
	total := col.Count()
	if total == 0 {
		return nil, nil
	}

	wheres := []map[string]string{nil}
	if !opts.Filter.empty() {
		wheres = wheres[:0]
		for _, id := range opts.Filter.DocumentIDs {
			wheres = append(wheres, map[string]string{"document_id": id})
		}
	}

	var hits []Hit
	for _, where := range wheres {
		q := make([]float32, len(vector))
		copy(q, vector)
		n := min(opts.TopK, total)
		results, err := col.QueryEmbedding(ctx, q, n, where, nil)
		if err != nil {
			return nil, fmt.Errorf("querying chromem: %w", err)
		}
		for _, r := range results {
			hits = append(hits, Hit{ID: r.ID, Score: r.Similarity, Payload: fromMetadata(r.Metadata, r.Content)})
		}
	}
	return finalize(hits, opts), nil
}

func (c *ChromemStore) DeleteByDocument(ctx context.Context, documentID string) error {
	col, _, err := c.col()
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, map[string]string{"document_id": documentID}, nil); err != nil {
		return fmt.Errorf("deleting chromem documents: %w", err)
	}
	return nil
}

// CountByDocument has no direct chromem equivalent, so it runs a filtered
// query for every point of the collection and counts the matches.
func (c *ChromemStore) CountByDocument(ctx context.Context, documentID string) (int, error) {
	col, dim, err := c.col()
	if err != nil {
		return 0, err
	}
	return c.countWhere(ctx, col, map[string]string{"document_id": documentID}, dim)
}

func (c *ChromemStore) countWhere(ctx context.Context, col *chromem.Collection, where map[string]string, dim int) (int, error) {
	total := col.Count()
	if total == 0 || dim <= 0 {
		return 0, nil
	}
	probe := make([]float32, dim)
	probe[0] = 1
	results, err := col.QueryEmbedding(ctx, probe, total, where, nil)
	if err != nil {
		return 0, fmt.Errorf("counting chromem documents: %w", err)
	}
	return len(results), nil
}

func (c *ChromemStore) Count(context.Context) (int, error) {
	col, _, err := c.col()
	if err != nil {
		return 0, err
	}
	return col.Count(), nil
}

func (c *ChromemStore) Status(context.Context) (Status, error) {
	if _, _, err := c.col(); err != nil {
		return StatusRed, nil
	}
	return StatusGreen, nil
}

// Close is a no-op; the persistent DB writes through on every change.
func (c *ChromemStore) Close() error { return nil }

func toMetadata(p Payload) map[string]string {
	pages := make([]string, len(p.Pages))
	for i, n := range p.Pages {
		pages[i] = strconv.Itoa(n)
	}
	return map[string]string{
		"document_id": p.DocumentID,
		"source":      p.Filename,
		"page":        strconv.Itoa(p.Page),
		"pages":       strings.Join(pages, ","),
		"chunk_index": strconv.Itoa(p.ChunkIndex),
		"tokens":      strconv.Itoa(p.Tokens),
		"provider":    p.Provider,
	}
}

func fromMetadata(m map[string]string, text string) Payload {
	p := Payload{
		DocumentID: m["document_id"],
		Filename:   m["source"],
		Provider:   m["provider"],
		Text:       text,
	}
	p.Page, _ = strconv.Atoi(m["page"])
	p.ChunkIndex, _ = strconv.Atoi(m["chunk_index"])
	p.Tokens, _ = strconv.Atoi(m["tokens"])
	if s := m["pages"]; s != "" {
		for _, part := range strings.Split(s, ",") {
			if n, err := strconv.Atoi(part); err == nil {
				p.Pages = append(p.Pages, n)
			}
		}
	}
	return p
}
