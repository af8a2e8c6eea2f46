package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/adscribe/adscribe/internal/models"
)

// taskRepo implements TaskRepository using GORM.
type taskRepo struct {
	db *gorm.DB
}

// NewTaskRepository creates a new TaskRepository.
func NewTaskRepository(db *gorm.DB) TaskRepository {
	return &taskRepo{db: db}
}

// Create enqueues a task.
func (r *taskRepo) Create(ctx context.Context, task *models.Task) error {
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("creating task for %s: %w", task.Key(), err)
	}
	return nil
}

// Acquire atomically locks and returns the oldest pending task of the given
// types. Uses SELECT FOR UPDATE with SKIP LOCKED for safe concurrent access;
// the pure-Go SQLite driver degrades this to a plain transactional select,
// which is still correct under its single-writer model.
func (r *taskRepo) Acquire(ctx context.Context, workerID string, types []models.TaskType) (*models.Task, error) {
	var task models.Task

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", models.TaskStatusPending).
			Where("type IN ?", types).
			Order("created_at ASC, id ASC").
			Limit(1)

		if err := query.First(&task).Error; err != nil {
			return err
		}

		task.MarkRunning(workerID)
		if err := tx.Save(&task).Error; err != nil {
			return fmt.Errorf("locking task %s: %w", task.ID, err)
		}
		return nil
	})

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("acquiring task: %w", err)
	}
	return &task, nil
}

// Update persists task bookkeeping changes.
func (r *taskRepo) Update(ctx context.Context, task *models.Task) error {
	if err := r.db.WithContext(ctx).Save(task).Error; err != nil {
		return fmt.Errorf("updating task %s: %w", task.ID, err)
	}
	return nil
}

// CountPending returns the number of pending tasks of the given types.
func (r *taskRepo) CountPending(ctx context.Context, types []models.TaskType) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Task{}).
		Where("status = ? AND type IN ?", models.TaskStatusPending, types).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("counting pending tasks: %w", err)
	}
	return count, nil
}

// FindActive returns a pending or running task for the key and type, or nil.
func (r *taskRepo) FindActive(ctx context.Context, key models.JobKey, taskType models.TaskType) (*models.Task, error) {
	var task models.Task
	err := r.db.WithContext(ctx).
		Where("video_id = ? AND ai_user_id = ? AND type = ?", key.VideoID, key.AIUserID, taskType).
		Where("status IN ?", []models.TaskStatus{models.TaskStatusPending, models.TaskStatusRunning}).
		First(&task).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding active task %s: %w", key, err)
	}
	return &task, nil
}

// ReleaseStale requeues tasks locked longer than the timeout.
func (r *taskRepo) ReleaseStale(ctx context.Context, lockTimeout time.Duration) (int64, error) {
	cutoff := time.Now().Add(-lockTimeout)
	result := r.db.WithContext(ctx).Model(&models.Task{}).
		Where("status = ? AND locked_at < ?", models.TaskStatusRunning, cutoff).
		Updates(map[string]interface{}{
			"status":    models.TaskStatusPending,
			"locked_by": "",
			"locked_at": nil,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("releasing stale tasks: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteFinished removes done and failed tasks older than the cutoff.
func (r *taskRepo) DeleteFinished(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?",
			[]models.TaskStatus{models.TaskStatusDone, models.TaskStatusFailed}, cutoff).
		Delete(&models.Task{})
	if result.Error != nil {
		return 0, fmt.Errorf("deleting finished tasks: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Ensure taskRepo implements TaskRepository at compile time.
var _ TaskRepository = (*taskRepo)(nil)
