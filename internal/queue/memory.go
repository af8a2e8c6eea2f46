package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/adscribe/adscribe/internal/models"
)

// MemoryQueue is an in-process Queue used by tests and the embedded
// development mode. Delivery semantics match GormQueue; durability does not.
type MemoryQueue struct {
	mu        sync.Mutex
	name      string
	types     []models.TaskType
	highWater int
	pending   []*models.Task
}

// NewMemoryQueue creates an in-process queue serving the given task types.
func NewMemoryQueue(name string, types []models.TaskType, highWater int) *MemoryQueue {
	return &MemoryQueue{name: name, types: types, highWater: highWater}
}

// Name implements Queue.
func (q *MemoryQueue) Name() string { return q.name }

func (q *MemoryQueue) serves(taskType models.TaskType) bool {
	for _, t := range q.types {
		if t == taskType {
			return true
		}
	}
	return false
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(_ context.Context, task *models.Task) error {
	if !q.serves(task.Type) {
		return fmt.Errorf("%w: %s on %s", ErrWrongQueue, task.Type, q.name)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.highWater > 0 && len(q.pending) >= q.highWater {
		return fmt.Errorf("%w: %s at %d", ErrQueueFull, q.name, len(q.pending))
	}

	if task.ID.IsZero() {
		task.ID = models.NewULID()
	}
	task.Status = models.TaskStatusPending
	q.pending = append(q.pending, task)
	return nil
}

// Dequeue implements Queue.
func (q *MemoryQueue) Dequeue(_ context.Context, workerID string) (*models.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil, nil
	}
	task := q.pending[0]
	q.pending = q.pending[1:]
	task.MarkRunning(workerID)
	return task, nil
}

// Ack implements Queue.
func (q *MemoryQueue) Ack(_ context.Context, task *models.Task) error {
	task.MarkDone()
	return nil
}

// Nack implements Queue.
func (q *MemoryQueue) Nack(_ context.Context, task *models.Task, cause error) error {
	task.MarkFailed(cause)
	if task.Status == models.TaskStatusPending {
		q.mu.Lock()
		q.pending = append(q.pending, task)
		q.mu.Unlock()
	}
	return nil
}

// Depth implements Queue.
func (q *MemoryQueue) Depth(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.pending)), nil
}

var _ Queue = (*MemoryQueue)(nil)
