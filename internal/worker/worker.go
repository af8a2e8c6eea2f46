// Package worker consumes the task queues and drives the pipeline runner.
// The general pool runs full pipeline tasks; the caption pool is sized to
// one worker so captioning-bound work is serialized end to end.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/adscribe/adscribe/internal/models"
	"github.com/adscribe/adscribe/internal/pipeline/core"
	"github.com/adscribe/adscribe/internal/queue"
	"github.com/adscribe/adscribe/internal/repository"
)

// Runner is the subset of the stage runner a worker pool drives.
type Runner interface {
	Run(ctx context.Context, job *models.Job) error
	RunOnly(ctx context.Context, job *models.Job, stageIDs ...string) error
	ArtifactDir(job *models.Job) string
}

// Config tunes a worker pool.
type Config struct {
	// Workers is the number of concurrent consumers on this queue.
	Workers int

	// PollInterval is how long an idle worker waits before polling again.
	PollInterval time.Duration

	// CleanupOnFailure removes a job's scratch directory once its task fails
	// terminally. Invariant violations keep the artifacts either way.
	CleanupOnFailure bool
}

// Pool consumes one queue with a fixed number of workers.
type Pool struct {
	queue  queue.Queue
	jobs   repository.JobRepository
	runner Runner
	cfg    Config
	logger *slog.Logger
}

// New creates a worker pool over a queue.
func New(q queue.Queue, jobs repository.JobRepository, runner Runner, cfg Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Pool{queue: q, jobs: jobs, runner: runner, cfg: cfg, logger: logger}
}

// Run blocks consuming the queue until the context is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-%s", p.queue.Name(), uuid.NewString()[:8])
		g.Go(func() error { return p.work(gctx, workerID) })
	}
	return g.Wait()
}

func (p *Pool) work(ctx context.Context, workerID string) error {
	log := p.logger.With(slog.String("worker", workerID))
	log.Info("worker started", slog.String("queue", p.queue.Name()))

	for {
		if err := ctx.Err(); err != nil {
			log.Info("worker stopping")
			return nil
		}

		task, err := p.queue.Dequeue(ctx, workerID)
		if err != nil {
			log.Error("dequeue failed", slog.String("error", err.Error()))
			if err := sleep(ctx, p.cfg.PollInterval); err != nil {
				return nil
			}
			continue
		}
		if task == nil {
			if err := sleep(ctx, p.cfg.PollInterval); err != nil {
				return nil
			}
			continue
		}

		p.handle(ctx, log, task)
	}
}

// handle runs one delivered task to an ack or a nack.
func (p *Pool) handle(ctx context.Context, log *slog.Logger, task *models.Task) {
	log = log.With(
		slog.String("task", task.ID.String()),
		slog.String("type", string(task.Type)),
		slog.String("job", task.Key().String()),
	)

	job, err := p.jobs.Get(ctx, task.Key())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			err = fmt.Errorf("task references missing job %s: %w", task.Key(), err)
		}
		p.nack(ctx, log, task, nil, err)
		return
	}

	start := time.Now()
	switch task.Type {
	case models.TaskTypeUploadOnly:
		// Only the final composition is re-run; the stored outputs of the
		// completed run feed it.
		err = p.runner.RunOnly(ctx, job, core.StageUploadToYdx)
	default:
		err = p.runner.Run(ctx, job)
	}

	if err == nil {
		if err := p.queue.Ack(ctx, task); err != nil {
			log.Error("ack failed", slog.String("error", err.Error()))
			return
		}
		log.Info("task completed", slog.Duration("duration", time.Since(start)))
		return
	}

	if errors.Is(err, core.ErrJobAlreadyRunning) {
		// Another worker holds the job; redeliver later.
		log.Warn("job busy, requeueing task")
	}
	p.nack(ctx, log, task, job, err)
}

func (p *Pool) nack(ctx context.Context, log *slog.Logger, task *models.Task, job *models.Job, cause error) {
	log.Error("task failed",
		slog.Int("attempt", task.AttemptCount),
		slog.String("error", cause.Error()),
	)
	if err := p.queue.Nack(ctx, task, cause); err != nil {
		log.Error("nack failed", slog.String("error", err.Error()))
		return
	}
	if task.Status == models.TaskStatusFailed && job != nil {
		p.cleanupArtifacts(log, job, cause)
	}
}

// cleanupArtifacts removes the scratch directory after a terminal failure.
// Invariant violations keep the directory so the broken state can be
// inspected.
func (p *Pool) cleanupArtifacts(log *slog.Logger, job *models.Job, cause error) {
	if !p.cfg.CleanupOnFailure {
		return
	}
	if core.IsInvariant(cause) {
		log.Warn("keeping artifacts for inspection after invariant violation")
		return
	}

	dir := p.runner.ArtifactDir(job)
	if err := os.RemoveAll(dir); err != nil {
		log.Error("removing artifact dir failed",
			slog.String("dir", dir), slog.String("error", err.Error()))
		return
	}
	log.Info("artifact dir removed", slog.String("dir", dir))
}

// Janitor periodically releases tasks whose worker died mid-flight, so the
// visibility timeout holds even across process crashes.
type Janitor struct {
	tasks      repository.TaskRepository
	visibility time.Duration
	interval   time.Duration
	logger     *slog.Logger
}

// NewJanitor creates a Janitor. interval <= 0 defaults to a quarter of the
// visibility timeout.
func NewJanitor(tasks repository.TaskRepository, visibility, interval time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = visibility / 4
	}
	return &Janitor{tasks: tasks, visibility: visibility, interval: interval, logger: logger}
}

// Run blocks releasing stale locks until the context is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			released, err := j.tasks.ReleaseStale(ctx, j.visibility)
			if err != nil {
				j.logger.Error("releasing stale tasks failed", slog.String("error", err.Error()))
				continue
			}
			if released > 0 {
				j.logger.Warn("released stale tasks", slog.Int64("count", released))
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
