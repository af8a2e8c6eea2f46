package models

import (
	"time"

	"gorm.io/gorm"
)

// TaskType routes a task to a queue: image_captioning and upload_only go to
// the caption queue, everything else to the general queue.
type TaskType string

const (
	// TaskTypePipeline drives a full stage-runner pass over a job.
	TaskTypePipeline TaskType = "pipeline"
	// TaskTypeImageCaptioning is captioning work handed off to the
	// dedicated single-worker caption pool.
	TaskTypeImageCaptioning TaskType = "image_captioning"
	// TaskTypeUploadOnly re-runs only the final upload composition, used
	// for subscribers arriving after a job is already done.
	TaskTypeUploadOnly TaskType = "upload_only"
)

// TaskStatus represents the queue-visible state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting for a worker.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusRunning indicates a worker holds the task lock.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusDone indicates the task was acknowledged.
	TaskStatusDone TaskStatus = "done"
	// TaskStatusFailed indicates the task exhausted its attempts.
	TaskStatusFailed TaskStatus = "failed"
)

// Task is a durable queue entry referencing a job by composite key.
// Full job state lives in the jobs table; the task carries only the reference
// and queue bookkeeping.
type Task struct {
	BaseModel

	VideoID  string   `gorm:"size:64;index:idx_tasks_key" json:"video_id"`
	AIUserID string   `gorm:"size:64;index:idx_tasks_key" json:"ai_user_id"`
	Type     TaskType `gorm:"not null;size:30;index" json:"type"`

	// SubscriberID narrows an upload_only task to one late subscriber.
	SubscriberID ULID `gorm:"type:varchar(26)" json:"subscriber_id,omitempty"`

	Status TaskStatus `gorm:"not null;default:'pending';size:20;index" json:"status"`

	// LockedBy is the worker holding this task; LockedAt drives the
	// visibility timeout.
	LockedBy string     `gorm:"size:100;index" json:"locked_by,omitempty"`
	LockedAt *time.Time `json:"locked_at,omitempty"`

	AttemptCount int `gorm:"default:0" json:"attempt_count"`
	MaxAttempts  int `gorm:"default:3" json:"max_attempts"`

	LastError string `gorm:"size:4096" json:"last_error,omitempty"`
}

// TableName returns the table name for Task.
func (Task) TableName() string {
	return "tasks"
}

// Key returns the composite job key this task references.
func (t *Task) Key() JobKey {
	return JobKey{VideoID: t.VideoID, AIUserID: t.AIUserID}
}

// MarkRunning marks the task as locked by the given worker.
func (t *Task) MarkRunning(workerID string) {
	now := Now()
	t.Status = TaskStatusRunning
	t.LockedBy = workerID
	t.LockedAt = &now
	t.AttemptCount++
}

// MarkDone marks the task as acknowledged.
func (t *Task) MarkDone() {
	t.Status = TaskStatusDone
	t.LockedBy = ""
	t.LockedAt = nil
}

// MarkFailed records the error and either re-queues the task for another
// attempt or marks it terminally failed.
func (t *Task) MarkFailed(err error) {
	if err != nil {
		t.LastError = err.Error()
	}
	t.LockedBy = ""
	t.LockedAt = nil
	if t.AttemptCount < t.MaxAttempts {
		t.Status = TaskStatusPending
		return
	}
	t.Status = TaskStatusFailed
}

// Validate performs basic validation on the task.
func (t *Task) Validate() error {
	if t.VideoID == "" {
		return ErrVideoIDRequired
	}
	if t.AIUserID == "" {
		return ErrAIUserIDRequired
	}
	if t.Type == "" {
		return ErrTaskTypeRequired
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the task and generates its ULID.
func (t *Task) BeforeCreate(tx *gorm.DB) error {
	if err := t.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return t.Validate()
}
