package vectorstore

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

var _ Store = (*SQLiteStore)(nil)

// SQLiteStore keeps vectors in the vector_points table of the main
// database and searches them by brute-force cosine similarity.
//
// It is the zero-setup default. Past roughly 100K points query latency
// becomes noticeable and an ANN backend (qdrant, pgvector) is the better fit.
type SQLiteStore struct {
	db         *sql.DB
	collection string

	mu  sync.RWMutex
	dim int
}

// NewSQLiteStore wraps an existing *sql.DB. The vector tables must already
// exist (created by storage migrations).
func NewSQLiteStore(db *sql.DB, collection string) *SQLiteStore {
	return &SQLiteStore{db: db, collection: collection}
}

func (s *SQLiteStore) EnsureCollection(ctx context.Context, cfg CollectionConfig) error {
	if cfg.Metric != "" && cfg.Metric != "cosine" {
		return fmt.Errorf("unsupported metric %q", cfg.Metric)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vector_collections (name, dimension, metric, created_at)
		VALUES (?, ?, 'cosine', ?)
		ON CONFLICT(name) DO NOTHING`,
		s.collection, cfg.Dimension, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", s.collection, err)
	}

	var dim int
	if err := s.db.QueryRowContext(ctx, `SELECT dimension FROM vector_collections WHERE name = ?`, s.collection).Scan(&dim); err != nil {
		return fmt.Errorf("reading collection %s: %w", s.collection, err)
	}
	if cfg.Dimension > 0 && dim != cfg.Dimension {
		return fmt.Errorf("collection %s has dimension %d, want %d", s.collection, dim, cfg.Dimension)
	}
	s.mu.Lock()
	s.dim = dim
	s.mu.Unlock()
	return nil
}

func (s *SQLiteStore) dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dim
}

// Upsert writes points in one transaction.
func (s *SQLiteStore) Upsert(ctx context.Context, points []Point) error {
	if err := checkDimension(points, s.dimension()); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO vector_points (id, collection, document_id, chunk_index, embedding, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			document_id = excluded.document_id,
			chunk_index = excluded.chunk_index,
			embedding = excluded.embedding,
			payload_json = excluded.payload_json`)
	if err != nil {
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, p := range points {
		payload, err := json.Marshal(p.Payload)
		if err != nil {
			return fmt.Errorf("encoding payload of %s: %w", p.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, p.ID, s.collection, p.Payload.DocumentID, p.Payload.ChunkIndex,
			encodeFloat32s(p.Vector), string(payload), now); err != nil {
			return fmt.Errorf("upserting point %s: %w", p.ID, err)
		}
	}
	return tx.Commit()
}

// idScore holds only the ID and score during the scan phase of Search.
type idScore struct {
	ID    string
	Score float32
}

// Search scans id + embedding of every candidate, keeps the top-K above
// the threshold in a min-heap and then loads payloads for the winners.
func (s *SQLiteStore) Search(ctx context.Context, vector []float32, opts SearchOptions) ([]Hit, error) {
	opts = opts.withDefaults()
	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	query := `SELECT id, embedding FROM vector_points WHERE collection = ?`
	args := []any{s.collection}
	if !opts.Filter.empty() {
		query += ` AND document_id IN (?` + strings.Repeat(",?", len(opts.Filter.DocumentIDs)-1) + `)`
		for _, id := range opts.Filter.DocumentIDs {
			args = append(args, id)
		}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	var buf []float32
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := cosine(vector, buf, queryNorm)
		if score < opts.ScoreThreshold {
			continue
		}
		if h.Len() < opts.TopK {
			heap.Push(h, idScore{ID: id, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = idScore{ID: id, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	if h.Len() == 0 {
		return nil, nil
	}

	ids := make([]any, 0, h.Len())
	scores := make(map[string]float32, h.Len())
	for h.Len() > 0 {
		item := heap.Pop(h).(idScore)
		ids = append(ids, item.ID)
		scores[item.ID] = item.Score
	}

	fullRows, err := s.db.QueryContext(ctx,
		`SELECT id, payload_json FROM vector_points WHERE collection = ? AND id IN (?`+strings.Repeat(",?", len(ids)-1)+`)`,
		append([]any{s.collection}, ids...)...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K payloads: %w", err)
	}
	defer fullRows.Close()

	hits := make([]Hit, 0, len(ids))
	for fullRows.Next() {
		var hit Hit
		var payload string
		if err := fullRows.Scan(&hit.ID, &payload); err != nil {
			return nil, fmt.Errorf("scanning payload: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &hit.Payload); err != nil {
			return nil, fmt.Errorf("decoding payload of %s: %w", hit.ID, err)
		}
		hit.Score = scores[hit.ID]
		hits = append(hits, hit)
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating payloads: %w", err)
	}
	return finalize(hits, opts), nil
}

func (s *SQLiteStore) DeleteByDocument(ctx context.Context, documentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM vector_points WHERE collection = ? AND document_id = ?`, s.collection, documentID)
	if err != nil {
		return fmt.Errorf("deleting points of %s: %w", documentID, err)
	}
	return nil
}

func (s *SQLiteStore) CountByDocument(ctx context.Context, documentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vector_points WHERE collection = ? AND document_id = ?`, s.collection, documentID).Scan(&n)
	return n, err
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vector_points WHERE collection = ?`, s.collection).Scan(&n)
	return n, err
}

// Status is green once the collection row exists; there is no background
// optimisation in this backend.
func (s *SQLiteStore) Status(ctx context.Context) (Status, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT name FROM vector_collections WHERE name = ?`, s.collection).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return StatusRed, nil
	}
	if err != nil {
		return StatusRed, err
	}
	return StatusGreen, nil
}

// Close is a no-op; the database handle belongs to storage.Store.
func (s *SQLiteStore) Close() error { return nil }

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into buf, reusing it to
// avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * |b|). aNorm is precomputed.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore ordered by Score.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
