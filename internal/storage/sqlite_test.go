package storage

import (
	"context"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) != 3 {
		t.Fatalf("applied %v, want 3 migrations", versions)
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_documents_status", "idx_tasks_document", "idx_jobs_status_run_after", "idx_turns_session", "idx_vector_points_document"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestParseMigrationVersion(t *testing.T) {
	v, err := parseMigrationVersion("002_conversation_turns.sql")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 2 {
		t.Errorf("version = %d, want 2", v)
	}
	if _, err := parseMigrationVersion("initial.sql"); err == nil {
		t.Error("expected error for unnumbered migration")
	}
}

func TestForeignKeysCascade(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateDocument(ctx, Document{ID: "d1", Filename: "a.pdf"}); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	if err := s.CreateTask(ctx, Task{ID: "t1", DocumentID: "d1", Status: "uploaded"}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.SaveCheckpoint(ctx, Checkpoint{DocumentID: "d1", Stage: "chunking"}); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	if err := s.DeleteDocument(ctx, "d1"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	if _, err := s.GetTask(ctx, "t1"); err != ErrNotFound {
		t.Errorf("GetTask after delete err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetCheckpoint(ctx, "d1"); err != ErrNotFound {
		t.Errorf("GetCheckpoint after delete err = %v, want ErrNotFound", err)
	}
}

func TestTaskRequiresDocument(t *testing.T) {
	s := openTestStore(t)

	err := s.CreateTask(context.Background(), Task{ID: "orphan", DocumentID: "missing", Status: "uploaded"})
	if err == nil {
		t.Fatal("expected foreign key error for task without document")
	}
}
