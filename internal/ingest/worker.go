package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/techdocs/internal/pipeline"
	"github.com/kalambet/techdocs/internal/storage"
)

// JobQueue abstracts the job queue operations.
type JobQueue interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	AbandonJob(ctx context.Context, id string, errMsg string) error
	RequeueRunningJobs(ctx context.Context) (int, error)
}

// Runner ingests the document behind a task.
type Runner interface {
	Run(ctx context.Context, taskID string) error
}

// Pool runs ingest_document jobs from the SQLite queue on a fixed number of
// workers.
type Pool struct {
	queue   JobQueue
	runner  Runner
	workers int
	poll    time.Duration
	logger  *slog.Logger
}

// NewPool creates a Pool. workers <= 0 means 2; pollInterval <= 0 means
// 500ms.
func NewPool(queue JobQueue, runner Runner, workers int, pollInterval time.Duration, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 2
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		queue:   queue,
		runner:  runner,
		workers: workers,
		poll:    pollInterval,
		logger:  logger,
	}
}

// Run requeues jobs left running by a previous process and then polls for
// jobs on every worker until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	n, err := p.queue.RequeueRunningJobs(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		p.logger.Info("resuming interrupted ingestions", "jobs", n)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i := range p.workers {
		g.Go(func() error {
			p.loop(ctx, p.logger.With("worker", i))
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, log *slog.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := p.RunOnce(ctx)
		if err != nil {
			log.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.poll):
		}
	}
}

// RunOnce claims and processes a single job. It returns true if a job was
// claimed, whatever its outcome.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.queue.ClaimNextJob(ctx, []string{storage.JobTypeIngest})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	var payload jobPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil || payload.TaskID == "" {
		if err == nil {
			err = errors.New("missing task_id")
		}
		return true, p.queue.AbandonJob(ctx, job.ID, fmt.Sprintf("parsing payload: %v", err))
	}

	err = p.runner.Run(ctx, payload.TaskID)
	var failed *pipeline.IngestionFailedError
	switch {
	case err == nil, errors.Is(err, pipeline.ErrCancelled):
		if err := p.queue.CompleteJob(ctx, job.ID); err != nil {
			return true, fmt.Errorf("completing job %s: %w", job.ID, err)
		}
	case ctx.Err() != nil:
		// Left running; RequeueRunningJobs picks it up on the next start.
	case errors.As(err, &failed), errors.Is(err, storage.ErrNotFound):
		if err := p.queue.AbandonJob(ctx, job.ID, err.Error()); err != nil {
			return true, fmt.Errorf("abandoning job %s: %w", job.ID, err)
		}
	default:
		p.logger.Warn("job failed, will retry", "job_id", job.ID, "task_id", payload.TaskID, "error", err)
		if err := p.queue.FailJob(ctx, job.ID, err.Error()); err != nil {
			return true, fmt.Errorf("failing job %s: %w", job.ID, err)
		}
	}
	return true, nil
}
