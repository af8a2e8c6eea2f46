// Package repository provides typed data access over the adscribe models.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/adscribe/adscribe/internal/models"
)

// Sentinel errors returned by repositories.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrOutputMissing indicates no ModuleOutput row exists for the stage.
	ErrOutputMissing = errors.New("module output missing")
)

// JobRepository manages job rows keyed by (video_id, ai_user_id).
type JobRepository interface {
	// Upsert creates the job or, if a row for the key exists, refreshes its
	// metadata and status. Exactly one row per key.
	Upsert(ctx context.Context, job *models.Job) error

	// Get retrieves a job by key. Returns ErrNotFound when absent.
	Get(ctx context.Context, key models.JobKey) (*models.Job, error)

	// GetStatus returns the job status, or ErrNotFound when absent.
	GetStatus(ctx context.Context, key models.JobKey) (models.JobStatus, error)

	// SetStatus atomically transitions the job status. done and failed are
	// only reachable from in_progress; violations return
	// models.ErrInvalidStatusTransition.
	SetStatus(ctx context.Context, key models.JobKey, status models.JobStatus) error

	// Delete removes the job row and its dependent stage, output, and
	// subscriber rows.
	Delete(ctx context.Context, key models.JobKey) error

	// PurgeOlderThan removes jobs (and dependent rows) whose updated_at is
	// before the cutoff and whose status is not done. Returns the purged
	// job keys so callers can remove scratch directories.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) ([]models.JobKey, error)
}

// StageRepository manages per-stage status, outputs, and checkpoints.
type StageRepository interface {
	// GetStatus returns the stage status, or StageNotStarted when no row exists.
	GetStatus(ctx context.Context, key models.JobKey, stage string) (models.StageStatus, error)

	// SetStatus upserts the stage status row.
	SetStatus(ctx context.Context, key models.JobKey, stage string, status models.StageStatus) error

	// Complete writes the ModuleOutput blob and marks the stage done in a
	// single transaction. This pairing is the resume correctness foundation:
	// a reader never observes done without the output row.
	Complete(ctx context.Context, key models.JobKey, stage string, output []byte) error

	// GetOutput returns the ModuleOutput blob, or ErrOutputMissing.
	GetOutput(ctx context.Context, key models.JobKey, stage string) ([]byte, error)

	// SaveCheckpoint stores a stage-private resume record.
	SaveCheckpoint(ctx context.Context, key models.JobKey, stage string, checkpoint []byte) error

	// GetCheckpoint returns the stage-private resume record, or nil when absent.
	GetCheckpoint(ctx context.Context, key models.JobKey, stage string) ([]byte, error)

	// ListStatuses returns all stage rows for a job.
	ListStatuses(ctx context.Context, key models.JobKey) ([]*models.StageRecord, error)
}

// SubscriberRepository manages job subscribers.
type SubscriberRepository interface {
	// Add records a subscriber. Idempotent by (key, user_id); re-adding an
	// existing subscriber is a no-op.
	Add(ctx context.Context, sub *models.Subscriber) error

	// List returns all subscribers for a job in insertion order.
	List(ctx context.Context, key models.JobKey) ([]*models.Subscriber, error)

	// Get returns one subscriber row by its ULID.
	Get(ctx context.Context, id models.ULID) (*models.Subscriber, error)
}

// TaskRepository is the durable backing of the task queues.
type TaskRepository interface {
	// Create enqueues a task.
	Create(ctx context.Context, task *models.Task) error

	// Acquire atomically locks and returns the oldest pending task of one
	// of the given types, or nil when none is available.
	Acquire(ctx context.Context, workerID string, types []models.TaskType) (*models.Task, error)

	// Update persists task bookkeeping changes.
	Update(ctx context.Context, task *models.Task) error

	// CountPending returns the number of pending tasks of the given types.
	CountPending(ctx context.Context, types []models.TaskType) (int64, error)

	// FindActive returns a pending or running task for the key and type,
	// or nil. Used by intake deduplication.
	FindActive(ctx context.Context, key models.JobKey, taskType models.TaskType) (*models.Task, error)

	// ReleaseStale returns tasks locked longer than the timeout to pending
	// so they are redelivered. Safe because the stage runner is idempotent
	// over completed stages.
	ReleaseStale(ctx context.Context, lockTimeout time.Duration) (int64, error)

	// DeleteFinished removes done and failed tasks older than the cutoff.
	DeleteFinished(ctx context.Context, cutoff time.Time) (int64, error)
}
