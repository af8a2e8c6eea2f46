package models

import "time"

// StageStatus represents the per-stage progress of a job.
type StageStatus string

const (
	// StageNotStarted indicates the stage has not begun. Absence of a row
	// is equivalent to this status.
	StageNotStarted StageStatus = "not_started"
	// StageInProgress indicates the stage adapter is (or was) executing.
	StageInProgress StageStatus = "in_progress"
	// StageDone indicates the stage completed and its ModuleOutput row exists.
	StageDone StageStatus = "done"
	// StageFailed indicates the stage failed; the runner may reset it to
	// not_started on retry.
	StageFailed StageStatus = "failed"
)

// StageRecord is one (job, stage) status row.
type StageRecord struct {
	VideoID  string      `gorm:"primaryKey;size:64" json:"video_id"`
	AIUserID string      `gorm:"primaryKey;size:64" json:"ai_user_id"`
	Stage    string      `gorm:"primaryKey;size:40" json:"stage"`
	Status   StageStatus `gorm:"not null;default:'not_started';size:20" json:"status"`

	// Checkpoint holds an optional stage-private resume record, for example
	// the last captioned frame index. Schema is owned by the stage adapter.
	Checkpoint []byte `gorm:"type:blob" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for StageRecord.
func (StageRecord) TableName() string {
	return "stage_status"
}

// ModuleOutput is the persisted, typed result of a completed stage.
// A stage's done status implies its ModuleOutput row exists and is well-formed;
// downstream stages read only from here, never from upstream scratch files.
type ModuleOutput struct {
	VideoID  string `gorm:"primaryKey;size:64" json:"video_id"`
	AIUserID string `gorm:"primaryKey;size:64" json:"ai_user_id"`
	Stage    string `gorm:"primaryKey;size:40" json:"stage"`

	// Output is the JSON-encoded stage output blob.
	Output []byte `gorm:"type:blob;not null" json:"output"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the table name for ModuleOutput.
func (ModuleOutput) TableName() string {
	return "module_outputs"
}
