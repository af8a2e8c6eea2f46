// Package handlers provides the intake API handlers for adscribe.
package handlers

import (
	"context"
	"errors"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"

	"github.com/adscribe/adscribe/internal/models"
	"github.com/adscribe/adscribe/internal/pipeline/core"
	"github.com/adscribe/adscribe/internal/queue"
	"github.com/adscribe/adscribe/internal/repository"
)

// Intake request statuses returned to callers.
const (
	// StatusQueued means a fresh pipeline run was enqueued.
	StatusQueued = "queued"
	// StatusQueuedSubscribed means an active run already exists and the
	// caller was attached to it.
	StatusQueuedSubscribed = "queued-subscribed"
	// StatusQueuedUpload means the artifact already exists and only the
	// upload composition was enqueued for the caller.
	StatusQueuedUpload = "queued-upload"
)

// CaptionHandler handles description requests, status, and cancellation.
type CaptionHandler struct {
	jobs        repository.JobRepository
	stages      repository.StageRepository
	subscribers repository.SubscriberRepository
	router      *queue.Router
	logger      *slog.Logger
}

// NewCaptionHandler creates a CaptionHandler.
func NewCaptionHandler(jobs repository.JobRepository, stages repository.StageRepository,
	subscribers repository.SubscriberRepository, router *queue.Router, logger *slog.Logger) *CaptionHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CaptionHandler{
		jobs:        jobs,
		stages:      stages,
		subscribers: subscribers,
		router:      router,
		logger:      logger,
	}
}

// Register registers the caption routes with the API.
func (h *CaptionHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "generateAICaption",
		Method:      "POST",
		Path:        "/generate_ai_caption",
		Summary:     "Request an AI audio description",
		Description: "Queues a description pipeline run, or attaches the caller to an existing one.",
		Tags:        []string{"Captions"},
	}, h.Generate)

	huma.Register(api, huma.Operation{
		OperationID: "getAIDescriptionStatus",
		Method:      "GET",
		Path:        "/ai_description_status",
		Summary:     "Job and per-stage status",
		Tags:        []string{"Captions"},
	}, h.Status)

	huma.Register(api, huma.Operation{
		OperationID: "cancelAICaption",
		Method:      "POST",
		Path:        "/cancel_ai_caption",
		Summary:     "Cancel a description request",
		Tags:        []string{"Captions"},
	}, h.Cancel)
}

// GenerateRequest is the intake request body. The field casing follows the
// original client contract.
type GenerateRequest struct {
	YoutubeID      string   `json:"youtube_id" required:"true" doc:"YouTube video ID"`
	UserID         string   `json:"user_id" required:"true" doc:"Requesting human user"`
	AIUserID       string   `json:"AI_USER_ID" required:"true" doc:"AI user identity for this description"`
	YdxServer      string   `json:"ydx_server" required:"true" doc:"YDX backend base URL"`
	YdxAppHost     string   `json:"ydx_app_host" required:"true" doc:"YDX web app host for user links"`
	VideoStartTime *float64 `json:"video_start_time,omitempty" doc:"Optional trim window start in seconds"`
	VideoEndTime   *float64 `json:"video_end_time,omitempty" doc:"Optional trim window end in seconds"`
}

// GenerateInput is the input for the generate endpoint.
type GenerateInput struct {
	Body GenerateRequest
}

// GenerateOutput is the output for the generate endpoint.
type GenerateOutput struct {
	Body struct {
		Status   string `json:"status"`
		VideoID  string `json:"video_id"`
		AIUserID string `json:"ai_user_id"`
	}
}

// Generate queues work for a description request. An identical active job
// only gains a subscriber; a finished job triggers an upload-only task; a
// full queue surfaces as 503 so callers can back off.
func (h *CaptionHandler) Generate(ctx context.Context, input *GenerateInput) (*GenerateOutput, error) {
	req := input.Body
	if req.VideoStartTime != nil && req.VideoEndTime != nil && *req.VideoEndTime <= *req.VideoStartTime {
		return nil, huma.Error422UnprocessableEntity("video_end_time must be after video_start_time")
	}

	key := models.JobKey{VideoID: req.YoutubeID, AIUserID: req.AIUserID}
	log := h.logger.With(slog.String("job", key.String()), slog.String("user_id", req.UserID))

	sub := &models.Subscriber{
		VideoID:    req.YoutubeID,
		AIUserID:   req.AIUserID,
		UserID:     req.UserID,
		YdxServer:  req.YdxServer,
		YdxAppHost: req.YdxAppHost,
	}

	status, err := h.admit(ctx, key, req, sub)
	if err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			log.Warn("intake rejected, queue full")
			return nil, huma.Error503ServiceUnavailable("queue is full, retry later")
		}
		log.Error("intake failed", slog.String("error", err.Error()))
		return nil, huma.Error500InternalServerError("failed to queue request")
	}

	log.Info("description request admitted", slog.String("status", status))

	out := &GenerateOutput{}
	out.Body.Status = status
	out.Body.VideoID = key.VideoID
	out.Body.AIUserID = key.AIUserID
	return out, nil
}

// admit decides what work a request produces and records the subscriber.
func (h *CaptionHandler) admit(ctx context.Context, key models.JobKey,
	req GenerateRequest, sub *models.Subscriber) (string, error) {

	job, err := h.jobs.Get(ctx, key)
	switch {
	case err == nil && job.IsActive():
		// The running pipeline will notify every subscriber when it
		// finishes; nothing new to enqueue.
		if err := h.subscribers.Add(ctx, sub); err != nil {
			return "", err
		}
		return StatusQueuedSubscribed, nil

	case err == nil && job.Status == models.JobStatusDone:
		if err := h.subscribers.Add(ctx, sub); err != nil {
			return "", err
		}
		task := &models.Task{
			VideoID:  key.VideoID,
			AIUserID: key.AIUserID,
			Type:     models.TaskTypeUploadOnly,
		}
		if err := h.router.Enqueue(ctx, task); err != nil {
			return "", err
		}
		return StatusQueuedUpload, nil

	case err == nil || errors.Is(err, repository.ErrNotFound):
		// New request, or a failed job being retried. A retry that already
		// holds keyframes is GPU-bound captioning work from here on, so it
		// queues with the other caption-queue tasks instead of the general
		// pipeline queue. The run itself resumes past the done stages.
		taskType := models.TaskTypePipeline
		if err == nil && job.Status == models.JobStatusFailed {
			st, serr := h.stages.GetStatus(ctx, key, core.StageKeyframeSelection)
			if serr == nil && st == models.StageDone {
				taskType = models.TaskTypeImageCaptioning
			}
		}

		job := &models.Job{
			VideoID:    key.VideoID,
			AIUserID:   key.AIUserID,
			UserID:     req.UserID,
			YdxServer:  req.YdxServer,
			YdxAppHost: req.YdxAppHost,
			StartTime:  req.VideoStartTime,
			EndTime:    req.VideoEndTime,
			Status:     models.JobStatusPending,
		}
		if err := h.jobs.Upsert(ctx, job); err != nil {
			return "", err
		}
		if err := h.subscribers.Add(ctx, sub); err != nil {
			return "", err
		}
		task := &models.Task{
			VideoID:  key.VideoID,
			AIUserID: key.AIUserID,
			Type:     taskType,
		}
		if err := h.router.Enqueue(ctx, task); err != nil {
			return "", err
		}
		return StatusQueued, nil

	default:
		return "", err
	}
}

// StatusInput is the input for the status endpoint.
type StatusInput struct {
	YoutubeID string `query:"youtube_id" required:"true"`
	AIUserID  string `query:"ai_user_id" required:"true"`
}

// StageProgress is one stage's status in the status response.
type StageProgress struct {
	Stage  string `json:"stage"`
	Status string `json:"status"`
}

// StatusOutput is the output for the status endpoint.
type StatusOutput struct {
	Body struct {
		VideoID  string          `json:"video_id"`
		AIUserID string          `json:"ai_user_id"`
		Status   string          `json:"status"`
		Stages   []StageProgress `json:"stages"`
	}
}

// Status reports the job status and per-stage progress.
func (h *CaptionHandler) Status(ctx context.Context, input *StatusInput) (*StatusOutput, error) {
	key := models.JobKey{VideoID: input.YoutubeID, AIUserID: input.AIUserID}

	status, err := h.jobs.GetStatus(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, huma.Error404NotFound("no job for " + key.String())
		}
		return nil, huma.Error500InternalServerError("failed to read job status")
	}

	records, err := h.stages.ListStatuses(ctx, key)
	if err != nil {
		return nil, huma.Error500InternalServerError("failed to read stage status")
	}

	out := &StatusOutput{}
	out.Body.VideoID = key.VideoID
	out.Body.AIUserID = key.AIUserID
	out.Body.Status = string(status)
	out.Body.Stages = make([]StageProgress, 0, len(records))
	for _, r := range records {
		out.Body.Stages = append(out.Body.Stages, StageProgress{
			Stage:  r.Stage,
			Status: string(r.Status),
		})
	}
	return out, nil
}

// CancelInput is the input for the cancel endpoint.
type CancelInput struct {
	Body struct {
		YoutubeID string `json:"youtube_id" required:"true"`
		AIUserID  string `json:"ai_user_id" required:"true"`
	}
}

// CancelOutput is the output for the cancel endpoint.
type CancelOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// Cancel withdraws a description request. The job row and its dependent
// state are deleted; a worker holding the job finishes its current stage and
// fails the run when the row is gone.
func (h *CaptionHandler) Cancel(ctx context.Context, input *CancelInput) (*CancelOutput, error) {
	key := models.JobKey{VideoID: input.Body.YoutubeID, AIUserID: input.Body.AIUserID}

	if _, err := h.jobs.Get(ctx, key); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, huma.Error404NotFound("no job for " + key.String())
		}
		return nil, huma.Error500InternalServerError("failed to read job")
	}

	if err := h.jobs.Delete(ctx, key); err != nil {
		return nil, huma.Error500InternalServerError("failed to cancel job")
	}

	h.logger.Info("job cancelled", slog.String("job", key.String()))

	out := &CancelOutput{}
	out.Body.Status = "cancelled"
	return out, nil
}
