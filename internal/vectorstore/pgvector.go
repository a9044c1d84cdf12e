package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/kalambet/techdocs/internal/pipeline"
)

var _ Store = (*PGVectorStore)(nil)

// PGVectorStore keeps points in a Postgres table with a pgvector HNSW index.
type PGVectorStore struct {
	pool  *pgxpool.Pool
	table string // sanitized identifier

	mu  sync.RWMutex
	dim int
}

// NewPGVectorStore connects to Postgres and verifies the connection.
func NewPGVectorStore(ctx context.Context, connString, collection string) (*PGVectorStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("creating pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PGVectorStore{
		pool:  pool,
		table: pgx.Identifier{collection + "_points"}.Sanitize(),
	}, nil
}

func (p *PGVectorStore) EnsureCollection(ctx context.Context, cfg CollectionConfig) error {
	if cfg.Dimension <= 0 {
		return errors.New("pgvector: dimension is required")
	}
	m, ef := cfg.HNSWM, cfg.HNSWEfConstruct
	if m <= 0 {
		m = 16
	}
	if ef <= 0 {
		ef = 100
	}
	indexName := pgx.Identifier{"idx_" + unquote(p.table) + "_embedding"}.Sanitize()
	docIndex := pgx.Identifier{"idx_" + unquote(p.table) + "_document"}.Sanitize()
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id          UUID PRIMARY KEY,
			document_id TEXT NOT NULL,
			chunk_index INT NOT NULL,
			embedding   vector(%d) NOT NULL,
			payload     JSONB NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, p.table, cfg.Dimension),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding vector_cosine_ops) WITH (m = %d, ef_construction = %d)`,
			indexName, p.table, m, ef),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (document_id)`, docIndex, p.table),
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return classifyPG(fmt.Errorf("pgvector setup: %w", err))
		}
	}
	p.mu.Lock()
	p.dim = cfg.Dimension
	p.mu.Unlock()
	return nil
}

func (p *PGVectorStore) Upsert(ctx context.Context, points []Point) error {
	p.mu.RLock()
	dim := p.dim
	p.mu.RUnlock()
	if err := checkDimension(points, dim); err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, document_id, chunk_index, embedding, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			document_id = EXCLUDED.document_id,
			chunk_index = EXCLUDED.chunk_index,
			embedding = EXCLUDED.embedding,
			payload = EXCLUDED.payload`, p.table)

	batch := &pgx.Batch{}
	for _, pt := range points {
		payload, err := json.Marshal(pt.Payload)
		if err != nil {
			return fmt.Errorf("encoding payload of %s: %w", pt.ID, err)
		}
		batch.Queue(query, pt.ID, pt.Payload.DocumentID, pt.Payload.ChunkIndex, pgvector.NewVector(pt.Vector), payload)
	}
	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return classifyPG(fmt.Errorf("upserting points: %w", err))
	}
	return nil
}

func (p *PGVectorStore) Search(ctx context.Context, vector []float32, opts SearchOptions) ([]Hit, error) {
	opts = opts.withDefaults()
	var docs []string
	if !opts.Filter.empty() {
		docs = opts.Filter.DocumentIDs
	}
	query := fmt.Sprintf(`
		SELECT id::text, payload, 1 - (embedding <=> $1) AS score
		FROM %s
		WHERE ($3::text[] IS NULL OR document_id = ANY($3))
		  AND 1 - (embedding <=> $1) >= $4
		ORDER BY embedding <=> $1
		LIMIT $2`, p.table)

	rows, err := p.pool.Query(ctx, query, pgvector.NewVector(vector), opts.TopK, docs, opts.ScoreThreshold)
	if err != nil {
		return nil, classifyPG(fmt.Errorf("searching points: %w", err))
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var payload []byte
		var score float64
		if err := rows.Scan(&h.ID, &payload, &score); err != nil {
			return nil, fmt.Errorf("scanning hit: %w", err)
		}
		if err := json.Unmarshal(payload, &h.Payload); err != nil {
			return nil, fmt.Errorf("decoding payload of %s: %w", h.ID, err)
		}
		h.Score = float32(score)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPG(err)
	}
	return finalize(hits, opts), nil
}

func (p *PGVectorStore) DeleteByDocument(ctx context.Context, documentID string) error {
	_, err := p.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE document_id = $1`, p.table), documentID)
	if err != nil {
		return classifyPG(fmt.Errorf("deleting points of %s: %w", documentID, err))
	}
	return nil
}

func (p *PGVectorStore) CountByDocument(ctx context.Context, documentID string) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE document_id = $1`, p.table), documentID).Scan(&n)
	return n, classifyPG(err)
}

func (p *PGVectorStore) Count(ctx context.Context) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, p.table)).Scan(&n)
	return n, classifyPG(err)
}

// Status is green when Postgres answers a ping.
func (p *PGVectorStore) Status(ctx context.Context) (Status, error) {
	if err := p.pool.Ping(ctx); err != nil {
		return StatusRed, err
	}
	return StatusGreen, nil
}

func (p *PGVectorStore) Close() error {
	p.pool.Close()
	return nil
}

// classifyPG marks connection failures and server shutdown as transient.
func classifyPG(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "57P01", "57P03", "53300", "40001", "40P01":
			return &pipeline.TransientError{Op: "pgvector", Err: err}
		}
		return err
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return &pipeline.TransientError{Op: "pgvector", Err: err}
	}
	return err
}

func unquote(ident string) string {
	if len(ident) >= 2 && ident[0] == '"' && ident[len(ident)-1] == '"' {
		return ident[1 : len(ident)-1]
	}
	return ident
}
