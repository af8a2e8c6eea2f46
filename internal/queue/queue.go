// Package queue provides durable task queues backed by the database.
// Two queues exist at runtime: a general queue for full pipeline runs and a
// caption queue for captioning and upload-only work. Tasks survive process
// restarts; a visibility timeout requeues work whose worker died mid-flight.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/adscribe/adscribe/internal/models"
	"github.com/adscribe/adscribe/internal/repository"
)

// ErrQueueFull is returned by Enqueue when the queue is at its high-water
// mark. Callers surface this as backpressure rather than dropping work.
var ErrQueueFull = errors.New("queue is at capacity")

// ErrWrongQueue is returned when a task's type does not belong to the queue.
var ErrWrongQueue = errors.New("task type not served by this queue")

// Queue is a durable FIFO work queue with at-least-once delivery.
type Queue interface {
	// Name identifies the queue in logs.
	Name() string

	// Enqueue persists a pending task. Returns ErrQueueFull at the
	// high-water mark and ErrWrongQueue for foreign task types.
	Enqueue(ctx context.Context, task *models.Task) error

	// Dequeue locks and returns the oldest pending task, or nil when the
	// queue is empty.
	Dequeue(ctx context.Context, workerID string) (*models.Task, error)

	// Ack marks a delivered task done.
	Ack(ctx context.Context, task *models.Task) error

	// Nack records a delivery failure. The task is requeued while attempts
	// remain and marked failed once they are exhausted.
	Nack(ctx context.Context, task *models.Task, cause error) error

	// Depth returns the number of pending tasks.
	Depth(ctx context.Context) (int64, error)
}

// GormQueue implements Queue on top of the task repository.
type GormQueue struct {
	name      string
	tasks     repository.TaskRepository
	types     []models.TaskType
	highWater int
}

// NewGormQueue creates a queue serving the given task types. highWater <= 0
// disables the capacity check.
func NewGormQueue(name string, tasks repository.TaskRepository, types []models.TaskType, highWater int) *GormQueue {
	return &GormQueue{name: name, tasks: tasks, types: types, highWater: highWater}
}

// NewGeneral creates the queue for full pipeline tasks.
func NewGeneral(tasks repository.TaskRepository, highWater int) *GormQueue {
	return NewGormQueue("general", tasks, []models.TaskType{models.TaskTypePipeline}, highWater)
}

// NewCaption creates the queue for captioning and upload-only tasks.
func NewCaption(tasks repository.TaskRepository, highWater int) *GormQueue {
	return NewGormQueue("caption", tasks,
		[]models.TaskType{models.TaskTypeImageCaptioning, models.TaskTypeUploadOnly}, highWater)
}

// Name implements Queue.
func (q *GormQueue) Name() string { return q.name }

// serves reports whether the queue delivers tasks of the given type.
func (q *GormQueue) serves(taskType models.TaskType) bool {
	for _, t := range q.types {
		if t == taskType {
			return true
		}
	}
	return false
}

// Enqueue implements Queue.
func (q *GormQueue) Enqueue(ctx context.Context, task *models.Task) error {
	if !q.serves(task.Type) {
		return fmt.Errorf("%w: %s on %s", ErrWrongQueue, task.Type, q.name)
	}

	if q.highWater > 0 {
		depth, err := q.Depth(ctx)
		if err != nil {
			return err
		}
		if depth >= int64(q.highWater) {
			return fmt.Errorf("%w: %s at %d", ErrQueueFull, q.name, depth)
		}
	}

	return q.tasks.Create(ctx, task)
}

// Dequeue implements Queue.
func (q *GormQueue) Dequeue(ctx context.Context, workerID string) (*models.Task, error) {
	return q.tasks.Acquire(ctx, workerID, q.types)
}

// Ack implements Queue.
func (q *GormQueue) Ack(ctx context.Context, task *models.Task) error {
	task.MarkDone()
	return q.tasks.Update(ctx, task)
}

// Nack implements Queue.
func (q *GormQueue) Nack(ctx context.Context, task *models.Task, cause error) error {
	task.MarkFailed(cause)
	return q.tasks.Update(ctx, task)
}

// Depth implements Queue.
func (q *GormQueue) Depth(ctx context.Context) (int64, error) {
	return q.tasks.CountPending(ctx, q.types)
}

var _ Queue = (*GormQueue)(nil)
