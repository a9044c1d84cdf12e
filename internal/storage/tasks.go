package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const taskColumns = `id, document_id, status, progress, stage_label, error, attempts, cancel_requested, started_at, completed_at, updated_at`

func scanTask(r rowScanner) (Task, error) {
	var t Task
	var startedAt, completedAt sql.NullString
	var updatedAt string
	if err := r.Scan(&t.ID, &t.DocumentID, &t.Status, &t.Progress, &t.StageLabel, &t.Error, &t.Attempts,
		&t.CancelRequested, &startedAt, &completedAt, &updatedAt); err != nil {
		return Task{}, err
	}
	var err error
	if t.StartedAt, err = parseNullTime(startedAt); err != nil {
		return Task{}, fmt.Errorf("parsing started_at: %w", err)
	}
	if t.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return Task{}, fmt.Errorf("parsing completed_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Task{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return t, nil
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func (s *Store) CreateTask(ctx context.Context, t Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ingestion_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.DocumentID, t.Status, t.Progress, t.StageLabel, t.Error, t.Attempts, t.CancelRequested,
		nullTime(t.StartedAt), nullTime(t.CompletedAt), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("inserting task %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM ingestion_tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Task{}, ErrNotFound
	}
	return t, err
}

// LatestTaskForDocument returns the most recently updated task of a document.
func (s *Store) LatestTaskForDocument(ctx context.Context, docID string) (Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM ingestion_tasks
		WHERE document_id = ? ORDER BY updated_at DESC LIMIT 1`, docID))
	if err == sql.ErrNoRows {
		return Task{}, ErrNotFound
	}
	return t, err
}

// CountTasksByStatus returns the number of tasks currently in each status.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM ingestion_tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// TaskUpdate is a partial update written after each stage transition and
// batch. Zero Progress is a valid value, so every field is always written.
type TaskUpdate struct {
	TaskID     string
	Status     string
	Progress   int
	StageLabel string
	Error      string
	Attempts   int
	Terminal   bool
}

func (s *Store) UpdateTask(ctx context.Context, u TaskUpdate) error {
	now := time.Now()
	var completed sql.NullString
	if u.Terminal {
		completed = nullTime(now)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE ingestion_tasks
		SET status = ?, progress = ?, stage_label = ?, error = ?, attempts = ?,
		    started_at = COALESCE(started_at, ?), completed_at = ?, updated_at = ?
		WHERE id = ?`,
		u.Status, u.Progress, u.StageLabel, u.Error, u.Attempts,
		formatTime(now), completed, formatTime(now), u.TaskID,
	)
	if err != nil {
		return fmt.Errorf("updating task %s: %w", u.TaskID, err)
	}
	return expectOneRow(res)
}

// RequestCancel flags a task for cancellation. The orchestrator observes the
// flag before each page read and embedding batch.
func (s *Store) RequestCancel(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE ingestion_tasks SET cancel_requested = 1, updated_at = ? WHERE id = ?`,
		formatTime(time.Now()), taskID)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (s *Store) CancelRequested(ctx context.Context, taskID string) (bool, error) {
	var flag bool
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM ingestion_tasks WHERE id = ?`, taskID).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	return flag, err
}
