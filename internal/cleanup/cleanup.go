// Package cleanup purges abandoned job state and scratch artifacts on a cron
// schedule. Jobs that never reached done and have not been touched within the
// retention window are deleted together with their artifact directories;
// finished queue tasks are pruned on the same pass.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/adscribe/adscribe/internal/models"
	"github.com/adscribe/adscribe/internal/repository"
)

// Config tunes the supervisor.
type Config struct {
	// Schedule is a cron expression for the periodic purge.
	Schedule string

	// MaxAge is how long non-done job state may sit untouched before it is
	// purged.
	MaxAge time.Duration
}

// Supervisor owns the scheduled purge.
type Supervisor struct {
	jobs          repository.JobRepository
	tasks         repository.TaskRepository
	artifactsRoot string
	cfg           Config
	cron          *cron.Cron
	logger        *slog.Logger
}

// New creates a Supervisor.
func New(jobs repository.JobRepository, tasks repository.TaskRepository,
	artifactsRoot string, cfg Config, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		jobs:          jobs,
		tasks:         tasks,
		artifactsRoot: artifactsRoot,
		cfg:           cfg,
		cron:          cron.New(),
		logger:        logger,
	}
}

// Start registers the schedule and starts the cron loop.
func (s *Supervisor) Start() error {
	_, err := s.cron.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.RunOnce(context.Background()); err != nil {
			s.logger.Error("cleanup pass failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("registering cleanup schedule %q: %w", s.cfg.Schedule, err)
	}
	s.cron.Start()
	s.logger.Info("cleanup supervisor started",
		slog.String("schedule", s.cfg.Schedule),
		slog.Duration("max_age", s.cfg.MaxAge))
	return nil
}

// Stop halts the cron loop, waiting for a running pass to finish.
func (s *Supervisor) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce performs a single purge pass and returns how many jobs were purged.
func (s *Supervisor) RunOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.cfg.MaxAge)

	keys, err := s.jobs.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging stale jobs: %w", err)
	}
	for _, key := range keys {
		s.removeArtifacts(key)
	}

	pruned, err := s.tasks.DeleteFinished(ctx, cutoff)
	if err != nil {
		return len(keys), fmt.Errorf("pruning finished tasks: %w", err)
	}

	if len(keys) > 0 || pruned > 0 {
		s.logger.Info("cleanup pass finished",
			slog.Int("jobs_purged", len(keys)),
			slog.Int64("tasks_pruned", pruned))
	}
	return len(keys), nil
}

// removeArtifacts deletes every scratch directory belonging to the key. The
// glob covers both the plain and the trim-window directory naming.
func (s *Supervisor) removeArtifacts(key models.JobKey) {
	pattern := filepath.Join(s.artifactsRoot, fmt.Sprintf("%s_files*_%s", key.VideoID, key.AIUserID))
	dirs, err := filepath.Glob(pattern)
	if err != nil {
		s.logger.Warn("artifact glob failed",
			slog.String("pattern", pattern), slog.String("error", err.Error()))
		return
	}

	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("removing artifact dir failed",
				slog.String("dir", dir), slog.String("error", err.Error()))
			continue
		}
		s.logger.Info("removed artifact dir", slog.String("dir", dir))
	}
}
