package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// JobKey is the composite business key for a processing job.
// At most one active job exists per key.
type JobKey struct {
	VideoID  string `json:"video_id"`
	AIUserID string `json:"ai_user_id"`
}

// String returns "videoID/aiUserID" for logging.
func (k JobKey) String() string {
	return k.VideoID + "/" + k.AIUserID
}

// JobStatus represents the overall status of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job is queued and waiting for a worker.
	JobStatusPending JobStatus = "pending"
	// JobStatusInProgress indicates a stage runner is driving the job.
	JobStatusInProgress JobStatus = "in_progress"
	// JobStatusDone indicates the artifact was produced and uploaded.
	JobStatusDone JobStatus = "done"
	// JobStatusFailed indicates the job failed terminally.
	JobStatusFailed JobStatus = "failed"
)

// IsTerminal returns true for done and failed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

// Job represents one (video_id, ai_user_id) processing request.
type Job struct {
	VideoID  string `gorm:"primaryKey;size:64" json:"video_id"`
	AIUserID string `gorm:"primaryKey;size:64" json:"ai_user_id"`

	// UserID is the human user that first requested this job.
	UserID string `gorm:"size:64" json:"user_id"`

	// YdxServer and YdxAppHost are the destination recorded at submission.
	// Per-subscriber destinations live in the subscribers table.
	YdxServer  string `gorm:"size:255" json:"ydx_server"`
	YdxAppHost string `gorm:"size:255" json:"ydx_app_host"`

	// StartTime and EndTime bound an optional trim window, in seconds.
	StartTime *float64 `json:"start_time,omitempty"`
	EndTime   *float64 `json:"end_time,omitempty"`

	Status JobStatus `gorm:"not null;default:'pending';size:20;index" json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for Job.
func (Job) TableName() string {
	return "jobs"
}

// Key returns the composite key for this job.
func (j *Job) Key() JobKey {
	return JobKey{VideoID: j.VideoID, AIUserID: j.AIUserID}
}

// IsActive returns true while the job can still accept subscribers without
// requiring a fresh run.
func (j *Job) IsActive() bool {
	return j.Status == JobStatusPending || j.Status == JobStatusInProgress
}

// ArtifactDirName returns the name of the job's scratch directory under the
// artifacts root: <video_id>_files[_<start>_<end>]_<ai_user_id>.
func (j *Job) ArtifactDirName() string {
	if j.StartTime != nil && j.EndTime != nil {
		return fmt.Sprintf("%s_files_%g_%g_%s", j.VideoID, *j.StartTime, *j.EndTime, j.AIUserID)
	}
	return fmt.Sprintf("%s_files_%s", j.VideoID, j.AIUserID)
}

// Validate performs basic validation on the job.
func (j *Job) Validate() error {
	if j.VideoID == "" {
		return ErrVideoIDRequired
	}
	if j.AIUserID == "" {
		return ErrAIUserIDRequired
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the job.
func (j *Job) BeforeCreate(tx *gorm.DB) error {
	return j.Validate()
}
