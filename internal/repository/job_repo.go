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

// jobRepo implements JobRepository using GORM.
type jobRepo struct {
	db *gorm.DB
}

// NewJobRepository creates a new JobRepository.
func NewJobRepository(db *gorm.DB) JobRepository {
	return &jobRepo{db: db}
}

// Upsert creates or refreshes the single job row for the key.
func (r *jobRepo) Upsert(ctx context.Context, job *models.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "video_id"}, {Name: "ai_user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"user_id", "ydx_server", "ydx_app_host",
				"start_time", "end_time", "status", "updated_at",
			}),
		}).
		Create(job).Error
	if err != nil {
		return fmt.Errorf("upserting job %s: %w", job.Key(), err)
	}
	return nil
}

// Get retrieves a job by key.
func (r *jobRepo) Get(ctx context.Context, key models.JobKey) (*models.Job, error) {
	var job models.Job
	err := r.db.WithContext(ctx).
		Where("video_id = ? AND ai_user_id = ?", key.VideoID, key.AIUserID).
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting job %s: %w", key, err)
	}
	return &job, nil
}

// GetStatus returns the current job status.
func (r *jobRepo) GetStatus(ctx context.Context, key models.JobKey) (models.JobStatus, error) {
	job, err := r.Get(ctx, key)
	if err != nil {
		return "", err
	}
	return job.Status, nil
}

// SetStatus atomically transitions the job status.
// done and failed are only reachable from in_progress.
func (r *jobRepo) SetStatus(ctx context.Context, key models.JobKey, status models.JobStatus) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.Job
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("video_id = ? AND ai_user_id = ?", key.VideoID, key.AIUserID).
			First(&job).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("locking job %s: %w", key, err)
		}

		if status.IsTerminal() && job.Status != models.JobStatusInProgress {
			return fmt.Errorf("%w: %s -> %s", models.ErrInvalidStatusTransition, job.Status, status)
		}

		err = tx.Model(&models.Job{}).
			Where("video_id = ? AND ai_user_id = ?", key.VideoID, key.AIUserID).
			Updates(map[string]interface{}{"status": status, "updated_at": time.Now()}).Error
		if err != nil {
			return fmt.Errorf("updating job status %s: %w", key, err)
		}
		return nil
	})
}

// Delete removes the job and all dependent rows.
func (r *jobRepo) Delete(ctx context.Context, key models.JobKey) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteJobRows(tx, key)
	})
}

// deleteJobRows removes a job's rows from all four tables inside tx.
func deleteJobRows(tx *gorm.DB, key models.JobKey) error {
	where := "video_id = ? AND ai_user_id = ?"
	for _, model := range []interface{}{
		&models.ModuleOutput{},
		&models.StageRecord{},
		&models.Subscriber{},
		&models.Job{},
	} {
		if err := tx.Where(where, key.VideoID, key.AIUserID).Delete(model).Error; err != nil {
			return fmt.Errorf("deleting rows for %s: %w", key, err)
		}
	}
	return nil
}

// PurgeOlderThan removes aged non-done jobs and their dependent rows.
func (r *jobRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time) ([]models.JobKey, error) {
	var purged []models.JobKey

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var jobs []models.Job
		err := tx.Where("updated_at < ? AND status <> ?", cutoff, models.JobStatusDone).
			Find(&jobs).Error
		if err != nil {
			return fmt.Errorf("finding aged jobs: %w", err)
		}

		for i := range jobs {
			key := jobs[i].Key()
			if err := deleteJobRows(tx, key); err != nil {
				return err
			}
			purged = append(purged, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return purged, nil
}

// Ensure jobRepo implements JobRepository at compile time.
var _ JobRepository = (*jobRepo)(nil)
