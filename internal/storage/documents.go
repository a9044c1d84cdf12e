package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const documentColumns = `id, filename, size_bytes, page_count, status, error, storage_path, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(r rowScanner) (Document, error) {
	var d Document
	var createdAt, updatedAt string
	if err := r.Scan(&d.ID, &d.Filename, &d.SizeBytes, &d.PageCount, &d.Status, &d.Error, &d.StoragePath, &createdAt, &updatedAt); err != nil {
		return Document{}, err
	}
	var err error
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return Document{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Document{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return d, nil
}

func (s *Store) CreateDocument(ctx context.Context, d Document) error {
	now := time.Now()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.Status == "" {
		d.Status = "uploaded"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Filename, d.SizeBytes, d.PageCount, d.Status, d.Error, d.StoragePath,
		formatTime(d.CreatedAt), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("inserting document %s: %w", d.ID, err)
	}
	return nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (Document, error) {
	d, err := scanDocument(s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	return d, err
}

// ListDocuments returns documents newest first. A limit <= 0 returns all.
func (s *Store) ListDocuments(ctx context.Context, limit int) ([]Document, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// UpdateDocumentStatus sets status and error message. errMsg is cleared
// when empty.
func (s *Store) UpdateDocumentStatus(ctx context.Context, id, status, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE documents SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, errMsg, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (s *Store) SetDocumentPageCount(ctx context.Context, id string, pages int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE documents SET page_count = ?, updated_at = ? WHERE id = ?`,
		pages, formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// ClearDocumentPath forgets the temp file path once the file is removed.
func (s *Store) ClearDocumentPath(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE documents SET storage_path = '', updated_at = ? WHERE id = ?`,
		formatTime(time.Now()), id)
	return err
}

// DeleteDocument removes the document row along with its tasks and
// checkpoint.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting document %s: %w", id, err)
	}
	return expectOneRow(res)
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
