package vectorstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/kalambet/techdocs/internal/config"
	"github.com/kalambet/techdocs/internal/retry"
)

// Open builds the configured backend, ensures its collection exists and
// wraps it with the vector store retry policy. db is the main SQLite
// handle, used by the sqlite backend.
func Open(ctx context.Context, cfg config.StoreConfig, dataDir string, db *sql.DB, dim int, logger *slog.Logger) (Store, error) {
	var s Store
	switch cfg.Backend {
	case "", "sqlite":
		s = NewSQLiteStore(db, cfg.Collection)
	case "qdrant":
		s = NewQdrantStore(QdrantConfig{URL: cfg.URL, APIKey: cfg.APIKey, Collection: cfg.Collection})
	case "pgvector":
		pg, err := NewPGVectorStore(ctx, cfg.URL, cfg.Collection)
		if err != nil {
			return nil, err
		}
		s = pg
	case "chromem":
		path := cfg.URL
		if path == "" {
			path = filepath.Join(dataDir, "chromem")
		}
		cs, err := NewChromemStore(path, cfg.Collection)
		if err != nil {
			return nil, err
		}
		s = cs
	default:
		return nil, fmt.Errorf("unknown vector store backend %q", cfg.Backend)
	}

	s = WithRetry(s, retry.VectorStore, logger)
	coll := CollectionConfig{
		Dimension:       dim,
		Metric:          "cosine",
		HNSWM:           cfg.HNSWM,
		HNSWEfConstruct: cfg.HNSWEfConstruct,
		OnDiskPayload:   cfg.OnDiskPayload,
	}
	if err := s.EnsureCollection(ctx, coll); err != nil {
		s.Close()
		return nil, fmt.Errorf("ensuring collection %s: %w", cfg.Collection, err)
	}
	return s, nil
}

// WaitGreen polls Status until the store reports green, ctx ends or
// timeout passes.
func WaitGreen(ctx context.Context, s Store, interval, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		st, err := s.Status(ctx)
		if err == nil && st == StatusGreen {
			return nil
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("waiting for vector store: %w", err)
			}
			return fmt.Errorf("vector store status %s: %w", st, ctx.Err())
		case <-time.After(interval):
		}
	}
}
