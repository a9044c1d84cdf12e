package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/kalambet/techdocs/internal/extract"
	"github.com/kalambet/techdocs/internal/pipeline"
	"github.com/kalambet/techdocs/internal/storage"
	"github.com/kalambet/techdocs/internal/vectorstore"
)

var (
	// ErrTaskFinished is returned when cancelling a task in a terminal state.
	ErrTaskFinished = errors.New("task already finished")
	// ErrDocumentBusy is returned when deleting a document that is still
	// being ingested.
	ErrDocumentBusy = errors.New("document is being ingested; cancel its task first")
)

// Uploads is where submitted files are kept until ingestion ends.
type Uploads interface {
	FileSource
	Save(ctx context.Context, ref string, r io.Reader, limit int64) (int64, error)
}

// Service accepts uploads and manages documents on behalf of the HTTP API,
// the CLI and the inbox watcher.
type Service struct {
	store    *storage.Store
	uploads  Uploads
	vectors  vectorstore.Store
	maxBytes int64
	validate func(r io.ReaderAt, size int64) (int, error)
	logger   *slog.Logger
}

func NewService(store *storage.Store, uploads Uploads, vectors vectorstore.Store, maxBytes int64, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		uploads:  uploads,
		vectors:  vectors,
		maxBytes: maxBytes,
		validate: extract.Validate,
		logger:   logger,
	}
}

// Upload is a file offered for ingestion. Size is -1 when unknown.
type Upload struct {
	Filename string
	Size     int64
	Body     io.Reader
}

// Submission is the document and task created for an accepted upload.
type Submission struct {
	Document storage.Document
	Task     storage.Task
}

type jobPayload struct {
	TaskID string `json:"task_id"`
}

// Submit validates an upload, stores it and queues it for ingestion. Any
// rejection is a *pipeline.ValidationError and leaves no document or task
// behind.
func (s *Service) Submit(ctx context.Context, u Upload) (*Submission, error) {
	name := filepath.Base(strings.TrimSpace(u.Filename))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return nil, pipeline.NewValidationError("filename", "is required")
	}
	if !strings.EqualFold(filepath.Ext(name), ".pdf") {
		return nil, pipeline.NewValidationError("filename", "%s is not a PDF", name)
	}
	if u.Size == 0 {
		return nil, pipeline.NewValidationError("file", "is empty")
	}
	if u.Size > s.maxBytes {
		return nil, s.tooLarge(u.Size)
	}

	docID := uuid.NewString()
	ref := docID + ".pdf"
	n, err := s.uploads.Save(ctx, ref, u.Body, s.maxBytes)
	if err != nil {
		return nil, fmt.Errorf("storing upload: %w", err)
	}
	pages, verr := s.check(ctx, ref, n)
	if verr != nil {
		if err := s.uploads.Remove(ctx, ref); err != nil {
			s.logger.Error("removing rejected upload", "ref", ref, "error", err)
		}
		return nil, verr
	}

	doc := storage.Document{
		ID:          docID,
		Filename:    name,
		SizeBytes:   n,
		PageCount:   pages,
		Status:      string(pipeline.StageUploaded),
		StoragePath: ref,
	}
	task := storage.Task{ID: uuid.NewString(), DocumentID: docID, Status: string(pipeline.StageUploaded)}
	if err := s.enqueue(ctx, doc, task); err != nil {
		if rmErr := s.uploads.Remove(ctx, ref); rmErr != nil {
			s.logger.Error("removing upload", "ref", ref, "error", rmErr)
		}
		return nil, err
	}
	s.logger.Info("document queued", "doc_id", docID, "task_id", task.ID, "filename", name, "pages", pages, "bytes", n)

	if doc, err = s.store.GetDocument(ctx, docID); err != nil {
		return nil, err
	}
	if task, err = s.store.GetTask(ctx, task.ID); err != nil {
		return nil, err
	}
	return &Submission{Document: doc, Task: task}, nil
}

func (s *Service) tooLarge(size int64) error {
	return pipeline.NewValidationError("file", "%d bytes exceeds the %d MB limit", size, s.maxBytes>>20)
}

// check validates the stored bytes and returns the page count.
func (s *Service) check(ctx context.Context, ref string, n int64) (int, error) {
	if n > s.maxBytes {
		return 0, s.tooLarge(n)
	}
	if n == 0 {
		return 0, pipeline.NewValidationError("file", "is empty")
	}
	f, err := s.uploads.Open(ctx, ref)
	if err != nil {
		return 0, fmt.Errorf("reopening upload: %w", err)
	}
	defer f.Close()
	pages, err := s.validate(f, f.Size())
	if err != nil {
		return 0, pipeline.NewValidationError("file", "%v", err)
	}
	return pages, nil
}

func (s *Service) enqueue(ctx context.Context, doc storage.Document, task storage.Task) error {
	if err := s.store.CreateDocument(ctx, doc); err != nil {
		return err
	}
	payload, err := json.Marshal(jobPayload{TaskID: task.ID})
	if err != nil {
		return err
	}
	err = s.store.CreateTask(ctx, task)
	if err == nil {
		err = s.store.EnqueueJob(ctx, storage.Job{ID: uuid.NewString(), Type: storage.JobTypeIngest, PayloadJSON: string(payload)})
	}
	if err != nil {
		if delErr := s.store.DeleteDocument(ctx, doc.ID); delErr != nil {
			s.logger.Error("removing document after failed enqueue", "doc_id", doc.ID, "error", delErr)
		}
		return fmt.Errorf("queueing document %s: %w", doc.ID, err)
	}
	return nil
}

// Cancel asks the orchestrator to stop a task at its next checkpoint.
func (s *Service) Cancel(ctx context.Context, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if pipeline.Stage(task.Status).Terminal() {
		return ErrTaskFinished
	}
	return s.store.RequestCancel(ctx, taskID)
}

// Delete removes a document with its points, file, tasks and checkpoint.
func (s *Service) Delete(ctx context.Context, docID string) error {
	doc, err := s.store.GetDocument(ctx, docID)
	if err != nil {
		return err
	}
	if !pipeline.Stage(doc.Status).Terminal() {
		return ErrDocumentBusy
	}
	if err := s.vectors.DeleteByDocument(ctx, docID); err != nil {
		return fmt.Errorf("deleting points: %w", err)
	}
	if doc.StoragePath != "" {
		if err := s.uploads.Remove(ctx, doc.StoragePath); err != nil {
			return fmt.Errorf("removing file: %w", err)
		}
	}
	if err := s.store.DeleteDocument(ctx, docID); err != nil {
		return err
	}
	s.logger.Info("document deleted", "doc_id", docID)
	return nil
}

// DocumentStats pairs a document with the number of points it has.
type DocumentStats struct {
	storage.Document
	Points int `json:"points"`
}

// Stats is computed from the vector store on every call.
type Stats struct {
	Points    int             `json:"points"`
	Documents []DocumentStats `json:"documents"`
	Tasks     map[string]int  `json:"tasks"`
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	total, err := s.vectors.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting points: %w", err)
	}
	docs, err := s.store.ListDocuments(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	tasks, err := s.store.CountTasksByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("counting tasks: %w", err)
	}
	st := &Stats{Points: total, Tasks: tasks, Documents: make([]DocumentStats, 0, len(docs))}
	for _, d := range docs {
		n, err := s.vectors.CountByDocument(ctx, d.ID)
		if err != nil {
			return nil, fmt.Errorf("counting points of %s: %w", d.ID, err)
		}
		st.Documents = append(st.Documents, DocumentStats{Document: d, Points: n})
	}
	return st, nil
}
