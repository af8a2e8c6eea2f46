package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/adscribe/adscribe/internal/models"
	"github.com/adscribe/adscribe/internal/repository"
)

// activeJobs tracks which jobs are executing in this process.
var (
	activeJobs   = make(map[models.JobKey]bool)
	activeJobsMu sync.Mutex
)

// RunnerConfig tunes retry behaviour.
type RunnerConfig struct {
	// MaxRetries is how many times a failed stage is retried after its
	// first attempt.
	MaxRetries int
	// RetryDelay is the base delay; retry n waits n times this long.
	RetryDelay time.Duration
}

// Runner executes a job's stages in dependency waves against durable state.
// Stages that consume none of each other's outputs run concurrently; stages
// already marked done are skipped, which is what makes a crashed run
// resumable: on redelivery the runner picks up at the first unfinished stage.
type Runner struct {
	registry      *Registry
	jobs          repository.JobRepository
	stages        repository.StageRepository
	artifactsRoot string
	cfg           RunnerConfig
	logger        *slog.Logger

	// sleep is swapped out by tests to observe the retry schedule.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRunner creates a Runner.
func NewRunner(registry *Registry, jobs repository.JobRepository, stages repository.StageRepository,
	artifactsRoot string, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Runner{
		registry:      registry,
		jobs:          jobs,
		stages:        stages,
		artifactsRoot: artifactsRoot,
		cfg:           cfg,
		logger:        logger,
		sleep:         sleepContext,
	}
}

// ArtifactDir returns the working directory for a job.
func (r *Runner) ArtifactDir(job *models.Job) string {
	return filepath.Join(r.artifactsRoot, job.ArtifactDirName())
}

// Run executes all stages for the job, skipping those already done. The job
// ends in status done or failed.
func (r *Runner) Run(ctx context.Context, job *models.Job) error {
	key := job.Key()
	if !acquireJob(key) {
		return fmt.Errorf("%w: %s", ErrJobAlreadyRunning, key)
	}
	defer releaseJob(key)

	// A job that already finished stays finished. A redelivered task for a
	// done or failed job is an ack, not a rerun; retries come back through
	// intake, which resets the job to pending first.
	status, err := r.jobs.GetStatus(ctx, key)
	if err != nil {
		return fmt.Errorf("reading job status: %w", err)
	}
	if status == models.JobStatusDone || status == models.JobStatusFailed {
		r.logger.InfoContext(ctx, "job already finished, skipping run",
			slog.String("job", key.String()),
			slog.String("status", string(status)),
		)
		return nil
	}

	if err := r.jobs.SetStatus(ctx, key, models.JobStatusInProgress); err != nil {
		return fmt.Errorf("marking job in progress: %w", err)
	}

	state, err := r.newState(job)
	if err != nil {
		r.failJob(ctx, key, err)
		return err
	}

	log := r.logger.With(
		slog.String("video_id", key.VideoID),
		slog.String("ai_user_id", key.AIUserID),
	)
	log.InfoContext(ctx, "starting pipeline run", slog.Int("stage_count", r.registry.Len()))

	// Stages in the same wave share no outputs, so they run concurrently
	// (audio and frame work overlap, then the per-frame analyses).
	for _, wave := range r.registry.Waves() {
		if len(wave) == 1 {
			if err := r.runStage(ctx, state, wave[0], false); err != nil {
				r.failJob(ctx, key, err)
				return err
			}
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, stage := range wave {
			stage := stage
			g.Go(func() error {
				return r.runStage(gctx, state, stage, false)
			})
		}
		if err := g.Wait(); err != nil {
			r.failJob(ctx, key, err)
			return err
		}
	}

	if err := r.jobs.SetStatus(ctx, key, models.JobStatusDone); err != nil {
		return fmt.Errorf("marking job done: %w", err)
	}

	log.InfoContext(ctx, "pipeline run completed", slog.Duration("duration", state.Duration()))
	return nil
}

// RunOnly executes the named stages unconditionally, even when marked done.
// Used for upload-only tasks where a late subscriber needs the final
// composition re-posted from existing outputs.
func (r *Runner) RunOnly(ctx context.Context, job *models.Job, stageIDs ...string) error {
	key := job.Key()
	if !acquireJob(key) {
		return fmt.Errorf("%w: %s", ErrJobAlreadyRunning, key)
	}
	defer releaseJob(key)

	state, err := r.newState(job)
	if err != nil {
		return err
	}

	for _, id := range stageIDs {
		stage, err := r.registry.Get(id)
		if err != nil {
			return err
		}
		if err := r.runStage(ctx, state, stage, true); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) newState(job *models.Job) (*State, error) {
	dir := r.ArtifactDir(job)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact dir: %w", err)
	}

	key := job.Key()
	loader := func(ctx context.Context, stage string) ([]byte, error) {
		return r.stages.GetOutput(ctx, key, stage)
	}
	checkpoints := &checkpointStore{repo: r.stages, key: key}

	log := r.logger.With(
		slog.String("video_id", key.VideoID),
		slog.String("ai_user_id", key.AIUserID),
	)
	return NewState(job, dir, loader, checkpoints, log), nil
}

// runStage executes one stage with the retry schedule. force bypasses the
// done-skip for re-runs.
func (r *Runner) runStage(ctx context.Context, state *State, stage Stage, force bool) error {
	key := state.Key()
	log := state.Logger.With(slog.String("stage", stage.ID()))

	if !force {
		status, err := r.stages.GetStatus(ctx, key, stage.ID())
		if err != nil {
			return err
		}
		if status == models.StageDone {
			log.InfoContext(ctx, "stage already done, skipping")
			return nil
		}
	}

	if err := r.stages.SetStatus(ctx, key, stage.ID(), models.StageInProgress); err != nil {
		return err
	}

	defer func() {
		if err := stage.Cleanup(ctx); err != nil {
			log.Warn("stage cleanup failed", slog.String("error", err.Error()))
		}
	}()

	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * r.cfg.RetryDelay
			log.WarnContext(ctx, "retrying stage",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", lastErr.Error()),
			)
			if err := r.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}

		attempts++
		start := time.Now()
		output, err := stage.Execute(ctx, state)
		if err == nil {
			if err := r.stages.Complete(ctx, key, stage.ID(), output); err != nil {
				return err
			}
			log.InfoContext(ctx, "stage completed",
				slog.Duration("duration", time.Since(start)),
				slog.Int("attempts", attempts),
			)
			return nil
		}

		lastErr = err
		log.ErrorContext(ctx, "stage attempt failed",
			slog.Int("attempt", attempts),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()),
		)
		if IsFatal(err) {
			break
		}
	}

	if err := r.stages.SetStatus(ctx, key, stage.ID(), models.StageFailed); err != nil {
		log.Warn("failed to record stage failure", slog.String("error", err.Error()))
	}
	return NewStageError(stage.ID(), stage.Name(), attempts, lastErr)
}

func (r *Runner) failJob(ctx context.Context, key models.JobKey, cause error) {
	if err := r.jobs.SetStatus(ctx, key, models.JobStatusFailed); err != nil {
		r.logger.Warn("failed to mark job failed",
			slog.String("job", key.String()),
			slog.String("error", err.Error()),
		)
	}
	r.logger.ErrorContext(ctx, "pipeline run failed",
		slog.String("job", key.String()),
		slog.String("error", cause.Error()),
	)
}

// checkpointStore binds the stage repository's checkpoint operations to one
// job key.
type checkpointStore struct {
	repo repository.StageRepository
	key  models.JobKey
}

func (c *checkpointStore) SaveCheckpoint(ctx context.Context, stage string, checkpoint []byte) error {
	return c.repo.SaveCheckpoint(ctx, c.key, stage, checkpoint)
}

func (c *checkpointStore) LoadCheckpoint(ctx context.Context, stage string) ([]byte, error) {
	return c.repo.GetCheckpoint(ctx, c.key, stage)
}

var _ CheckpointStore = (*checkpointStore)(nil)

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func acquireJob(key models.JobKey) bool {
	activeJobsMu.Lock()
	defer activeJobsMu.Unlock()
	if activeJobs[key] {
		return false
	}
	activeJobs[key] = true
	return true
}

func releaseJob(key models.JobKey) {
	activeJobsMu.Lock()
	defer activeJobsMu.Unlock()
	delete(activeJobs, key)
}
