package storage

import (
	"context"
	"testing"
	"time"
)

func TestDocumentLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	doc := Document{ID: "doc-1", Filename: "manual.pdf", SizeBytes: 2048, StoragePath: "/tmp/doc-1.pdf"}
	if err := s.CreateDocument(ctx, doc); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}

	got, err := s.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Status != "uploaded" {
		t.Errorf("Status = %q, want uploaded", got.Status)
	}
	if got.Filename != "manual.pdf" || got.SizeBytes != 2048 {
		t.Errorf("document = %+v", got)
	}

	if err := s.SetDocumentPageCount(ctx, "doc-1", 4); err != nil {
		t.Fatalf("SetDocumentPageCount: %v", err)
	}
	if err := s.UpdateDocumentStatus(ctx, "doc-1", "failed", "boom"); err != nil {
		t.Fatalf("UpdateDocumentStatus: %v", err)
	}
	if err := s.ClearDocumentPath(ctx, "doc-1"); err != nil {
		t.Fatalf("ClearDocumentPath: %v", err)
	}

	got, _ = s.GetDocument(ctx, "doc-1")
	if got.PageCount != 4 || got.Status != "failed" || got.Error != "boom" || got.StoragePath != "" {
		t.Errorf("document after updates = %+v", got)
	}

	if err := s.UpdateDocumentStatus(ctx, "missing", "failed", ""); err != ErrNotFound {
		t.Errorf("UpdateDocumentStatus(missing) = %v, want ErrNotFound", err)
	}
	if _, err := s.GetDocument(ctx, "missing"); err != ErrNotFound {
		t.Errorf("GetDocument(missing) = %v, want ErrNotFound", err)
	}
}

func TestListDocumentsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"old", "mid", "new"} {
		d := Document{ID: id, Filename: id + ".pdf", CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := s.CreateDocument(ctx, d); err != nil {
			t.Fatalf("CreateDocument: %v", err)
		}
	}

	docs, err := s.ListDocuments(ctx, 2)
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 2 || docs[0].ID != "new" || docs[1].ID != "mid" {
		t.Errorf("ListDocuments = %+v", docs)
	}
}

func TestTaskUpdatesAndCancel(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateDocument(ctx, Document{ID: "d", Filename: "d.pdf"}); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	if err := s.CreateTask(ctx, Task{ID: "t", DocumentID: "d", Status: "uploaded"}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	err := s.UpdateTask(ctx, TaskUpdate{TaskID: "t", Status: "embedding", Progress: 40, StageLabel: "embedding batch 1/3", Attempts: 1})
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	got, err := s.GetTask(ctx, "t")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != "embedding" || got.Progress != 40 || got.StageLabel != "embedding batch 1/3" {
		t.Errorf("task = %+v", got)
	}
	if got.StartedAt.IsZero() {
		t.Error("StartedAt not set after first update")
	}
	if !got.CompletedAt.IsZero() {
		t.Error("CompletedAt set before terminal update")
	}

	requested, err := s.CancelRequested(ctx, "t")
	if err != nil || requested {
		t.Fatalf("CancelRequested = %v, %v; want false", requested, err)
	}
	if err := s.RequestCancel(ctx, "t"); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	if requested, _ := s.CancelRequested(ctx, "t"); !requested {
		t.Error("CancelRequested = false after RequestCancel")
	}

	if err := s.UpdateTask(ctx, TaskUpdate{TaskID: "t", Status: "cancelled", Progress: 40, Attempts: 1, Terminal: true}); err != nil {
		t.Fatalf("UpdateTask terminal: %v", err)
	}
	got, _ = s.GetTask(ctx, "t")
	if got.CompletedAt.IsZero() {
		t.Error("CompletedAt not set on terminal update")
	}

	latest, err := s.LatestTaskForDocument(ctx, "d")
	if err != nil || latest.ID != "t" {
		t.Errorf("LatestTaskForDocument = %+v, %v", latest, err)
	}

	counts, err := s.CountTasksByStatus(ctx)
	if err != nil {
		t.Fatalf("CountTasksByStatus: %v", err)
	}
	if counts["cancelled"] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestCheckpointUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateDocument(ctx, Document{ID: "d", Filename: "d.pdf"}); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	if err := s.SaveCheckpoint(ctx, Checkpoint{DocumentID: "d", Stage: "chunking", ChunksJSON: `[{"index":0}]`}); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if err := s.SaveCheckpoint(ctx, Checkpoint{DocumentID: "d", Stage: "embedding", ChunksJSON: `[{"index":0}]`, DoneBatches: []int{0, 1}}); err != nil {
		t.Fatalf("SaveCheckpoint update: %v", err)
	}

	got, err := s.GetCheckpoint(ctx, "d")
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if got.Stage != "embedding" || len(got.DoneBatches) != 2 || got.DoneBatches[1] != 1 {
		t.Errorf("checkpoint = %+v", got)
	}

	if err := s.DeleteCheckpoint(ctx, "d"); err != nil {
		t.Fatalf("DeleteCheckpoint: %v", err)
	}
	if _, err := s.GetCheckpoint(ctx, "d"); err != ErrNotFound {
		t.Errorf("GetCheckpoint after delete = %v, want ErrNotFound", err)
	}
}

func TestRecentTurnsOldestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, q := range []string{"first question", "second question", "third question"} {
		turn := Turn{ID: q, SessionID: "s1", Question: q, Mode: "documentation", Answer: "a", NoContext: i == 2}
		if err := s.AppendTurn(ctx, turn); err != nil {
			t.Fatalf("AppendTurn: %v", err)
		}
	}
	if err := s.AppendTurn(ctx, Turn{ID: "other", SessionID: "s2", Question: "q", Mode: "hybrid", Answer: "a"}); err != nil {
		t.Fatalf("AppendTurn: %v", err)
	}

	turns, err := s.RecentTurns(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("RecentTurns: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("len = %d, want 2", len(turns))
	}
	if turns[0].Question != "second question" || turns[1].Question != "third question" {
		t.Errorf("turns = %q, %q", turns[0].Question, turns[1].Question)
	}
	if !turns[1].NoContext {
		t.Error("NoContext not persisted")
	}
	if turns[0].SourcesJSON != "[]" {
		t.Errorf("SourcesJSON default = %q, want []", turns[0].SourcesJSON)
	}

	all, _ := s.RecentTurns(ctx, "s1", 0)
	if len(all) != 3 {
		t.Errorf("all turns = %d, want 3", len(all))
	}
}
