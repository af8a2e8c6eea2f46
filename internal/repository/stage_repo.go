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

// stageRepo implements StageRepository using GORM.
type stageRepo struct {
	db *gorm.DB
}

// NewStageRepository creates a new StageRepository.
func NewStageRepository(db *gorm.DB) StageRepository {
	return &stageRepo{db: db}
}

// GetStatus returns the stage status; a missing row reads as not_started.
func (r *stageRepo) GetStatus(ctx context.Context, key models.JobKey, stage string) (models.StageStatus, error) {
	var record models.StageRecord
	err := r.db.WithContext(ctx).
		Where("video_id = ? AND ai_user_id = ? AND stage = ?", key.VideoID, key.AIUserID, stage).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.StageNotStarted, nil
		}
		return "", fmt.Errorf("getting stage status %s/%s: %w", key, stage, err)
	}
	return record.Status, nil
}

// SetStatus upserts the stage status row.
func (r *stageRepo) SetStatus(ctx context.Context, key models.JobKey, stage string, status models.StageStatus) error {
	return setStageStatus(r.db.WithContext(ctx), key, stage, status)
}

// setStageStatus upserts a stage row inside the given handle (plain or tx).
func setStageStatus(db *gorm.DB, key models.JobKey, stage string, status models.StageStatus) error {
	record := models.StageRecord{
		VideoID:  key.VideoID,
		AIUserID: key.AIUserID,
		Stage:    stage,
		Status:   status,
	}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "video_id"}, {Name: "ai_user_id"}, {Name: "stage"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("setting stage status %s/%s=%s: %w", key, stage, status, err)
	}
	return nil
}

// Complete writes the output blob and marks the stage done in one transaction.
// A reader never observes stage done without the output row, which is what
// makes crash-resume skip logic sound.
func (r *stageRepo) Complete(ctx context.Context, key models.JobKey, stage string, output []byte) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := models.ModuleOutput{
			VideoID:  key.VideoID,
			AIUserID: key.AIUserID,
			Stage:    stage,
			Output:   output,
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "video_id"}, {Name: "ai_user_id"}, {Name: "stage"}},
			DoUpdates: clause.AssignmentColumns([]string{"output", "updated_at"}),
		}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("storing module output %s/%s: %w", key, stage, err)
		}

		return setStageStatus(tx, key, stage, models.StageDone)
	})
}

// GetOutput returns the ModuleOutput blob for a completed stage.
func (r *stageRepo) GetOutput(ctx context.Context, key models.JobKey, stage string) ([]byte, error) {
	var row models.ModuleOutput
	err := r.db.WithContext(ctx).
		Where("video_id = ? AND ai_user_id = ? AND stage = ?", key.VideoID, key.AIUserID, stage).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOutputMissing
		}
		return nil, fmt.Errorf("getting module output %s/%s: %w", key, stage, err)
	}
	return row.Output, nil
}

// SaveCheckpoint stores a stage-private resume record on the stage row.
func (r *stageRepo) SaveCheckpoint(ctx context.Context, key models.JobKey, stage string, checkpoint []byte) error {
	record := models.StageRecord{
		VideoID:    key.VideoID,
		AIUserID:   key.AIUserID,
		Stage:      stage,
		Status:     models.StageInProgress,
		Checkpoint: checkpoint,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "video_id"}, {Name: "ai_user_id"}, {Name: "stage"}},
		DoUpdates: clause.AssignmentColumns([]string{"checkpoint", "updated_at"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("saving checkpoint %s/%s: %w", key, stage, err)
	}
	return nil
}

// GetCheckpoint returns the stage-private resume record, or nil when absent.
func (r *stageRepo) GetCheckpoint(ctx context.Context, key models.JobKey, stage string) ([]byte, error) {
	var record models.StageRecord
	err := r.db.WithContext(ctx).
		Where("video_id = ? AND ai_user_id = ? AND stage = ?", key.VideoID, key.AIUserID, stage).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting checkpoint %s/%s: %w", key, stage, err)
	}
	return record.Checkpoint, nil
}

// ListStatuses returns all stage rows for a job ordered by creation time.
func (r *stageRepo) ListStatuses(ctx context.Context, key models.JobKey) ([]*models.StageRecord, error) {
	var records []*models.StageRecord
	err := r.db.WithContext(ctx).
		Where("video_id = ? AND ai_user_id = ?", key.VideoID, key.AIUserID).
		Order("created_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("listing stage statuses %s: %w", key, err)
	}
	return records, nil
}

// touchUpdatedAt is a shared helper used by purge tests to age rows.
// Kept unexported; production code never rewinds timestamps.
func touchUpdatedAt(db *gorm.DB, table string, key models.JobKey, at time.Time) error {
	return db.Table(table).
		Where("video_id = ? AND ai_user_id = ?", key.VideoID, key.AIUserID).
		Update("updated_at", at).Error
}

// Ensure stageRepo implements StageRepository at compile time.
var _ StageRepository = (*stageRepo)(nil)
