package queue

import (
	"context"
	"fmt"

	"github.com/adscribe/adscribe/internal/models"
)

// Router dispatches tasks to the queue that serves their type. Full pipeline
// runs go to the general queue; captioning and upload-only work goes to the
// caption queue so it is throttled by the single captioning slot.
type Router struct {
	general Queue
	caption Queue
}

// NewRouter creates a Router over the two runtime queues.
func NewRouter(general, caption Queue) *Router {
	return &Router{general: general, caption: caption}
}

// General returns the general queue.
func (r *Router) General() Queue { return r.general }

// Caption returns the caption queue.
func (r *Router) Caption() Queue { return r.caption }

// For returns the queue serving the given task type.
func (r *Router) For(taskType models.TaskType) (Queue, error) {
	switch taskType {
	case models.TaskTypePipeline:
		return r.general, nil
	case models.TaskTypeImageCaptioning, models.TaskTypeUploadOnly:
		return r.caption, nil
	default:
		return nil, fmt.Errorf("no queue for task type %q", taskType)
	}
}

// Enqueue routes the task by type and enqueues it.
func (r *Router) Enqueue(ctx context.Context, task *models.Task) error {
	q, err := r.For(task.Type)
	if err != nil {
		return err
	}
	return q.Enqueue(ctx, task)
}
