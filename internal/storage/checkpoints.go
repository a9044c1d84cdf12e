package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SaveCheckpoint inserts or replaces the checkpoint of a document.
func (s *Store) SaveCheckpoint(ctx context.Context, c Checkpoint) error {
	done := c.DoneBatches
	if done == nil {
		done = []int{}
	}
	batches, err := json.Marshal(done)
	if err != nil {
		return fmt.Errorf("encoding done batches: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (document_id, stage, chunks_json, done_batches, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET
			stage = excluded.stage,
			chunks_json = excluded.chunks_json,
			done_batches = excluded.done_batches,
			updated_at = excluded.updated_at`,
		c.DocumentID, c.Stage, c.ChunksJSON, string(batches), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("saving checkpoint for %s: %w", c.DocumentID, err)
	}
	return nil
}

func (s *Store) GetCheckpoint(ctx context.Context, docID string) (Checkpoint, error) {
	var c Checkpoint
	var batches, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT document_id, stage, chunks_json, done_batches, updated_at
		FROM checkpoints WHERE document_id = ?`, docID,
	).Scan(&c.DocumentID, &c.Stage, &c.ChunksJSON, &batches, &updatedAt)
	if err == sql.ErrNoRows {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, err
	}
	if err := json.Unmarshal([]byte(batches), &c.DoneBatches); err != nil {
		return Checkpoint{}, fmt.Errorf("decoding done batches: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Checkpoint{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return c, nil
}

func (s *Store) DeleteCheckpoint(ctx context.Context, docID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE document_id = ?`, docID)
	return err
}
