// Package vectorstore stores chunk vectors with their payload and answers
// cosine similarity queries. Several backends share one interface.
package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"
)

// Store is a vector collection. Implementations must be safe for
// concurrent use.
type Store interface {
	// EnsureCollection creates the collection if it does not exist. Idempotent.
	EnsureCollection(ctx context.Context, cfg CollectionConfig) error

	// Upsert writes points, replacing any point with the same ID.
	Upsert(ctx context.Context, points []Point) error

	// Search returns at most opts.TopK hits with score >= opts.ScoreThreshold,
	// best first.
	Search(ctx context.Context, vector []float32, opts SearchOptions) ([]Hit, error)

	// DeleteByDocument removes every point of a document.
	DeleteByDocument(ctx context.Context, documentID string) error

	CountByDocument(ctx context.Context, documentID string) (int, error)
	Count(ctx context.Context) (int, error)

	// Status reports collection health.
	Status(ctx context.Context) (Status, error)

	Close() error
}

// Status mirrors Qdrant's collection states.
type Status string

const (
	StatusGreen  Status = "green"
	StatusYellow Status = "yellow"
	StatusRed    Status = "red"
)

// CollectionConfig describes the vector space of a collection.
type CollectionConfig struct {
	Dimension       int
	Metric          string // only "cosine" is supported
	HNSWM           int
	HNSWEfConstruct int
	OnDiskPayload   bool
}

// DefaultCollection returns the collection layout used by ingestion.
func DefaultCollection(dim int) CollectionConfig {
	return CollectionConfig{Dimension: dim, Metric: "cosine", HNSWM: 16, HNSWEfConstruct: 100, OnDiskPayload: true}
}

// Payload is stored next to every vector.
type Payload struct {
	DocumentID string `json:"document_id"`
	Filename   string `json:"source"`
	Page       int    `json:"page"`
	Pages      []int  `json:"pages"`
	ChunkIndex int    `json:"chunk_index"`
	Text       string `json:"text"`
	Tokens     int    `json:"tokens"`
	Provider   string `json:"provider"`
}

// Point is a vector with its payload.
type Point struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// Hit is a search result.
type Hit struct {
	ID      string
	Score   float32
	Payload Payload
}

// Filter restricts a search to some documents. Empty means no restriction.
type Filter struct {
	DocumentIDs []string
}

func (f *Filter) empty() bool {
	return f == nil || len(f.DocumentIDs) == 0
}

func (f *Filter) allows(docID string) bool {
	if f.empty() {
		return true
	}
	for _, id := range f.DocumentIDs {
		if id == docID {
			return true
		}
	}
	return false
}

// SearchOptions controls a similarity query.
type SearchOptions struct {
	TopK           int
	ScoreThreshold float32
	Filter         *Filter
}

const (
	DefaultTopK           = 4
	DefaultScoreThreshold = 0.7
)

func (o SearchOptions) withDefaults() SearchOptions {
	if o.TopK <= 0 {
		o.TopK = DefaultTopK
	}
	return o
}

// pointNamespace seeds the deterministic point IDs.
var pointNamespace = uuid.MustParse("6f1c9a52-3e0b-5d7a-9c41-8b2e7d0f4a16")

// PointID derives a stable UUIDv5 from a document ID and chunk index, so
// re-ingesting a document overwrites its points instead of duplicating them.
func PointID(documentID string, chunkIndex int) string {
	return uuid.NewSHA1(pointNamespace, []byte(documentID+"#"+strconv.Itoa(chunkIndex))).String()
}

// finalize sorts hits by score descending, drops those under the
// threshold and caps the result at TopK. Every backend runs its results
// through it.
func finalize(hits []Hit, opts SearchOptions) []Hit {
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	out := hits[:0]
	for _, h := range hits {
		if h.Score < opts.ScoreThreshold {
			continue
		}
		out = append(out, h)
		if len(out) == opts.TopK {
			break
		}
	}
	return out
}

func checkDimension(points []Point, dim int) error {
	if dim <= 0 {
		return nil
	}
	for _, p := range points {
		if len(p.Vector) != dim {
			return fmt.Errorf("point %s: vector has %d dimensions, collection has %d", p.ID, len(p.Vector), dim)
		}
	}
	return nil
}
