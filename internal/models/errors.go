package models

import "errors"

// Validation errors.
var (
	// ErrVideoIDRequired indicates a missing video ID.
	ErrVideoIDRequired = errors.New("video_id is required")

	// ErrAIUserIDRequired indicates a missing AI user ID.
	ErrAIUserIDRequired = errors.New("ai_user_id is required")

	// ErrTaskTypeRequired indicates a task without a type.
	ErrTaskTypeRequired = errors.New("task type is required")

	// ErrInvalidStatusTransition indicates a job status change that
	// violates the pending -> in_progress -> done|failed lifecycle.
	ErrInvalidStatusTransition = errors.New("invalid job status transition")
)
