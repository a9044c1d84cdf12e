// Package ingest drives documents through extraction, chunking, embedding
// and indexing, and runs the worker pool that feeds on the job queue.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/kalambet/techdocs/internal/chunker"
	"github.com/kalambet/techdocs/internal/embedding"
	"github.com/kalambet/techdocs/internal/extract"
	"github.com/kalambet/techdocs/internal/pipeline"
	"github.com/kalambet/techdocs/internal/retry"
	"github.com/kalambet/techdocs/internal/storage"
	"github.com/kalambet/techdocs/internal/vectorstore"
)

// StateStore abstracts the document, task and checkpoint records.
type StateStore interface {
	GetTask(ctx context.Context, id string) (storage.Task, error)
	GetDocument(ctx context.Context, id string) (storage.Document, error)
	UpdateDocumentStatus(ctx context.Context, id, status, errMsg string) error
	SetDocumentPageCount(ctx context.Context, id string, pages int) error
	ClearDocumentPath(ctx context.Context, id string) error
	CancelRequested(ctx context.Context, taskID string) (bool, error)
	SaveCheckpoint(ctx context.Context, c storage.Checkpoint) error
	GetCheckpoint(ctx context.Context, docID string) (storage.Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, docID string) error
}

// Embedder turns chunk texts into vectors batch by batch.
type Embedder interface {
	Provider() string
	NumBatches(n int) int
	EmbedBatches(ctx context.Context, texts []string, input embedding.InputType, skip func(batch int) bool, onBatch func(ctx context.Context, b embedding.Batch) error) (*embedding.Result, error)
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	State     StateStore
	Progress  ProgressReporter
	Files     FileSource
	Extractor *extract.Extractor
	Chunker   *chunker.Chunker
	Embedder  Embedder
	Vectors   vectorstore.Store
}

type Options struct {
	// FailureRatio is the largest tolerated fraction of failed chunks or
	// corrupt pages. Defaults to 0.10.
	FailureRatio  float64
	PageTimeout   time.Duration
	GreenInterval time.Duration
	GreenTimeout  time.Duration
	Logger        *slog.Logger
}

const DefaultFailureRatio = 0.10

// Orchestrator owns a document's lifecycle from uploaded to a terminal
// state. Documents are processed sequentially; run several through a Pool
// for concurrency.
type Orchestrator struct {
	Deps
	opts     Options
	pageRead retry.Policy
	logger   *slog.Logger
}

func NewOrchestrator(deps Deps, opts Options) *Orchestrator {
	if opts.FailureRatio <= 0 {
		opts.FailureRatio = DefaultFailureRatio
	}
	if opts.GreenInterval <= 0 {
		opts.GreenInterval = 200 * time.Millisecond
	}
	if opts.GreenTimeout <= 0 {
		opts.GreenTimeout = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if deps.Extractor == nil {
		deps.Extractor = &extract.Extractor{PageTimeout: opts.PageTimeout, Logger: opts.Logger}
	}
	if deps.Chunker == nil {
		deps.Chunker = chunker.New(chunker.DefaultOptions())
	}
	return &Orchestrator{
		Deps:     deps,
		opts:     opts,
		pageRead: retry.PageRead.WithTimeout(opts.PageTimeout),
		logger:   opts.Logger,
	}
}

// Run ingests the document behind a task. It returns nil once the task is
// completed or empty, pipeline.ErrCancelled when the task was cancelled and
// a *pipeline.IngestionFailedError when it failed. If ctx ends first the
// task is left in its current stage with its checkpoint so a later Run
// resumes it.
func (o *Orchestrator) Run(ctx context.Context, taskID string) error {
	task, err := o.State.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("loading task %s: %w", taskID, err)
	}
	if pipeline.Stage(task.Status).Terminal() {
		return nil
	}
	doc, err := o.State.GetDocument(ctx, task.DocumentID)
	if err != nil {
		return fmt.Errorf("loading document %s: %w", task.DocumentID, err)
	}

	r := &run{
		o:        o,
		doc:      doc,
		task:     task,
		attempts: task.Attempts + 1,
		stage:    pipeline.StageUploaded,
		log:      o.logger.With("doc_id", doc.ID, "task_id", task.ID),
	}
	err = r.execute(ctx)
	failedAt := r.stage
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pipeline.ErrCancelled):
		r.log.Info("ingestion cancelled", "stage", failedAt)
		r.finish(ctx, pipeline.StageCancelled, err)
		return pipeline.ErrCancelled
	case ctx.Err() != nil:
		r.log.Warn("ingestion interrupted", "stage", failedAt, "error", err)
		return err
	}
	r.log.Error("ingestion failed", "stage", failedAt, "attempts", r.attempts, "error", err)
	r.finish(ctx, pipeline.StageFailed, err)
	return &pipeline.IngestionFailedError{DocumentID: doc.ID, Stage: failedAt, Attempts: r.attempts, Err: err}
}

// run is the state of one Run call.
type run struct {
	o        *Orchestrator
	doc      storage.Document
	task     storage.Task
	attempts int
	stage    pipeline.Stage
	progress int
	chunks   string // checkpointed chunk sequence
	log      *slog.Logger
}

func (r *run) execute(ctx context.Context) error {
	cp, err := r.o.State.GetCheckpoint(ctx, r.doc.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("loading checkpoint: %w", err)
	}
	resume := err == nil && cp.ChunksJSON != ""
	if !resume {
		// Points from an earlier attempt without chunks to match them cannot be trusted.
		if err := r.o.Vectors.DeleteByDocument(ctx, r.doc.ID); err != nil {
			return fmt.Errorf("purging previous points: %w", err)
		}
	}

	var chunks []chunker.Chunk
	done := make(map[int]bool)
	if resume {
		if err := json.Unmarshal([]byte(cp.ChunksJSON), &chunks); err != nil {
			return fmt.Errorf("decoding checkpointed chunks: %w", err)
		}
		for _, b := range cp.DoneBatches {
			done[b] = true
		}
		r.chunks = cp.ChunksJSON
		r.stage = pipeline.StageChunking
		r.log.Info("resuming from checkpoint", "chunks", len(chunks), "done_batches", len(done))
	} else {
		pages, err := r.extract(ctx)
		if err != nil {
			return err
		}
		if len(pages) == 0 {
			return r.empty(ctx)
		}
		if chunks, err = r.chunk(ctx, pages); err != nil {
			return err
		}
		if len(chunks) == 0 {
			return r.empty(ctx)
		}
	}

	embedded, err := r.embed(ctx, chunks, done)
	if err != nil {
		return err
	}
	if err := r.index(ctx, embedded); err != nil {
		return err
	}
	if err := r.advance(ctx, pipeline.StageCompleted, pipeline.ProgressDone, fmt.Sprintf("%d chunks indexed", embedded)); err != nil {
		return err
	}
	r.log.Info("document indexed", "chunks", len(chunks), "points", embedded)
	r.cleanup(ctx)
	return nil
}

// advance moves to the next stage and reports it.
func (r *run) advance(ctx context.Context, to pipeline.Stage, progress int, label string) error {
	if !pipeline.CanTransition(r.stage, to) {
		return fmt.Errorf("illegal transition %s -> %s", r.stage, to)
	}
	r.stage = to
	if err := r.o.State.UpdateDocumentStatus(ctx, r.doc.ID, string(to), ""); err != nil {
		return fmt.Errorf("updating document status: %w", err)
	}
	return r.report(ctx, progress, label, "")
}

func (r *run) report(ctx context.Context, progress int, label, errMsg string) error {
	r.progress = progress
	err := r.o.Progress.Update(ctx, storage.TaskUpdate{
		TaskID:     r.task.ID,
		Status:     string(r.stage),
		Progress:   progress,
		StageLabel: label,
		Error:      errMsg,
		Attempts:   r.attempts,
		Terminal:   r.stage.Terminal(),
	})
	if err != nil {
		return fmt.Errorf("reporting progress: %w", err)
	}
	return nil
}

func (r *run) checkCancel(ctx context.Context) error {
	cancelled, err := r.o.State.CancelRequested(ctx, r.task.ID)
	if err != nil {
		return fmt.Errorf("checking cancellation: %w", err)
	}
	if cancelled {
		return pipeline.ErrCancelled
	}
	return nil
}

func (r *run) extract(ctx context.Context) ([]chunker.PageText, error) {
	if err := r.advance(ctx, pipeline.StageExtracting, pipeline.ProgressExtractStart, "opening document"); err != nil {
		return nil, err
	}
	f, err := r.o.Files.Open(ctx, r.doc.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", r.doc.Filename, err)
	}
	defer f.Close()

	it, err := r.o.Extractor.Open(r.doc.ID, f, f.Size(), extract.PageRange{})
	if err != nil {
		return nil, err
	}
	total := it.Total()
	if total != r.doc.PageCount {
		if err := r.o.State.SetDocumentPageCount(ctx, r.doc.ID, total); err != nil {
			return nil, fmt.Errorf("recording page count: %w", err)
		}
	}

	var pages []chunker.PageText
	for done := 1; ; done++ {
		if err := r.checkCancel(ctx); err != nil {
			return nil, err
		}
		var page extract.Page
		_, err := r.o.pageRead.Do(ctx, func(ctx context.Context) error {
			var err error
			page, err = it.Next(ctx)
			return err
		})
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading page %d: %w", done, err)
		}
		if page.Text != "" {
			pages = append(pages, chunker.PageText{Number: page.Number, Text: page.Text})
		}
		label := fmt.Sprintf("page %d/%d", done, total)
		if err := r.report(ctx, pipeline.Scale(done, total, pipeline.ProgressExtractStart, pipeline.ProgressExtractEnd), label, ""); err != nil {
			return nil, err
		}
	}

	if st := it.Stats(); st.Corrupt > 0 {
		if st.CorruptRatio() > r.o.opts.FailureRatio {
			return nil, &pipeline.PartialFailureError{Stage: pipeline.StageExtracting, Failed: st.Corrupt, Total: st.Pages}
		}
		r.log.Warn("skipped corrupt pages", "corrupt", st.Corrupt, "pages", st.Pages)
	}
	return pages, nil
}

func (r *run) chunk(ctx context.Context, pages []chunker.PageText) ([]chunker.Chunk, error) {
	if err := r.advance(ctx, pipeline.StageChunking, pipeline.ProgressExtractEnd, fmt.Sprintf("chunking %d pages", len(pages))); err != nil {
		return nil, err
	}
	chunks := r.o.Chunker.Split(r.doc.ID, pages)
	if len(chunks) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(chunks)
	if err != nil {
		return nil, fmt.Errorf("encoding chunks: %w", err)
	}
	r.chunks = string(data)
	if err := r.checkpoint(ctx, nil); err != nil {
		return nil, err
	}
	return chunks, r.report(ctx, pipeline.ProgressChunkEnd, fmt.Sprintf("%d chunks", len(chunks)), "")
}

func (r *run) checkpoint(ctx context.Context, doneBatches []int) error {
	err := r.o.State.SaveCheckpoint(ctx, storage.Checkpoint{
		DocumentID:  r.doc.ID,
		Stage:       string(pipeline.StageChunking),
		ChunksJSON:  r.chunks,
		DoneBatches: doneBatches,
	})
	if err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	return nil
}

// embed sends every batch not yet done and upserts the vectors of each
// batch as soon as it finishes. It returns the number of chunks that have a
// point in the store.
func (r *run) embed(ctx context.Context, chunks []chunker.Chunk, done map[int]bool) (int, error) {
	total := r.o.Embedder.NumBatches(len(chunks))
	finished := len(done)
	if err := r.advance(ctx, pipeline.StageEmbedding, r.embedProgress(finished, total), fmt.Sprintf("batch %d/%d", finished, total)); err != nil {
		return 0, err
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	doneBatches := make([]int, 0, total)
	for b := range done {
		doneBatches = append(doneBatches, b)
	}
	sort.Ints(doneBatches)

	embedCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)

	// skip runs on the dispatching goroutine and only reads done.
	skip := func(batch int) bool {
		if done[batch] {
			return true
		}
		if err := r.checkCancel(embedCtx); err != nil {
			stop(err)
			return true
		}
		return false
	}

	failed := 0
	maxFailed := r.o.opts.FailureRatio * float64(len(chunks))
	onBatch := func(ctx context.Context, b embedding.Batch) error {
		points := make([]vectorstore.Point, 0, b.Len())
		for i := range b.Len() {
			if b.Errs[i] != nil {
				failed++
				continue
			}
			points = append(points, r.point(chunks[b.Start+i], b.Vectors[i]))
		}
		if float64(failed) > maxFailed {
			return &pipeline.PartialFailureError{Stage: pipeline.StageEmbedding, Failed: failed, Total: len(chunks)}
		}
		if len(points) > 0 {
			if err := r.o.Vectors.Upsert(ctx, points); err != nil {
				return fmt.Errorf("upserting batch %d: %w", b.Index, err)
			}
		}
		finished++
		if len(points) == b.Len() {
			doneBatches = append(doneBatches, b.Index)
			if err := r.checkpoint(ctx, doneBatches); err != nil {
				return err
			}
		}
		return r.report(ctx, r.embedProgress(finished, total), fmt.Sprintf("batch %d/%d", finished, total), "")
	}

	res, err := r.o.Embedder.EmbedBatches(embedCtx, texts, embedding.InputDocument, skip, onBatch)
	if err != nil {
		if cause := context.Cause(embedCtx); ctx.Err() == nil && cause != nil && !errors.Is(cause, context.Canceled) {
			return 0, cause
		}
		return 0, err
	}
	if res.Failed > 0 {
		if float64(res.Failed) > maxFailed {
			return 0, &pipeline.PartialFailureError{Stage: pipeline.StageEmbedding, Failed: res.Failed, Total: len(chunks)}
		}
		r.log.Warn("some chunks were not embedded", "failed", res.Failed, "chunks", len(chunks))
	}
	return len(chunks) - res.Failed, nil
}

func (r *run) embedProgress(done, total int) int {
	return pipeline.Scale(done, total, pipeline.ProgressChunkEnd, pipeline.ProgressEmbedEnd)
}

func (r *run) point(c chunker.Chunk, vec []float32) vectorstore.Point {
	return vectorstore.Point{
		ID:     vectorstore.PointID(r.doc.ID, c.Index),
		Vector: vec,
		Payload: vectorstore.Payload{
			DocumentID: r.doc.ID,
			Filename:   r.doc.Filename,
			Page:       c.Page(),
			Pages:      c.Pages,
			ChunkIndex: c.Index,
			Text:       c.Text,
			Tokens:     c.Tokens,
			Provider:   r.o.Embedder.Provider(),
		},
	}
}

// index waits for the store to settle and checks that every embedded chunk
// has a point.
func (r *run) index(ctx context.Context, want int) error {
	if err := r.advance(ctx, pipeline.StageIndexing, pipeline.ProgressEmbedEnd, "waiting for vector store"); err != nil {
		return err
	}
	if err := vectorstore.WaitGreen(ctx, r.o.Vectors, r.o.opts.GreenInterval, r.o.opts.GreenTimeout); err != nil {
		return err
	}
	got, err := r.o.Vectors.CountByDocument(ctx, r.doc.ID)
	if err != nil {
		return fmt.Errorf("counting points: %w", err)
	}
	if got != want {
		return fmt.Errorf("vector store holds %d points, want %d", got, want)
	}
	return nil
}

func (r *run) empty(ctx context.Context) error {
	if err := r.advance(ctx, pipeline.StageEmpty, pipeline.ProgressDone, pipeline.ErrNoExtractableText.Error()); err != nil {
		return err
	}
	r.log.Warn("document has no extractable text")
	r.cleanup(ctx)
	return nil
}

// finish records a failed or cancelled terminal state and rolls back any
// points written for the document.
func (r *run) finish(ctx context.Context, to pipeline.Stage, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := r.o.Vectors.DeleteByDocument(ctx, r.doc.ID); err != nil {
		r.log.Error("rolling back points", "error", err)
	}
	from := r.stage
	r.stage = to
	msg := cause.Error()
	if err := r.o.State.UpdateDocumentStatus(ctx, r.doc.ID, string(to), msg); err != nil {
		r.log.Error("recording document status", "status", to, "error", err)
	}
	if err := r.report(ctx, r.progress, fmt.Sprintf("%s during %s", to, from), msg); err != nil {
		r.log.Error("recording task status", "status", to, "error", err)
	}
	r.cleanup(ctx)
}

// cleanup drops the checkpoint and the uploaded file of a document in a
// terminal state.
func (r *run) cleanup(ctx context.Context) {
	if err := r.o.State.DeleteCheckpoint(ctx, r.doc.ID); err != nil {
		r.log.Error("deleting checkpoint", "error", err)
	}
	if r.doc.StoragePath == "" {
		return
	}
	if err := r.o.Files.Remove(ctx, r.doc.StoragePath); err != nil {
		r.log.Error("removing uploaded file", "path", r.doc.StoragePath, "error", err)
		return
	}
	if err := r.o.State.ClearDocumentPath(ctx, r.doc.ID); err != nil {
		r.log.Error("clearing document path", "error", err)
	}
}
