package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adscribe/adscribe/internal/config"
	"github.com/adscribe/adscribe/internal/database"
	"github.com/adscribe/adscribe/internal/database/migrations"
	"github.com/adscribe/adscribe/internal/models"
	"github.com/adscribe/adscribe/internal/repository"
)

var testDBSeq atomic.Int64

func testTaskRepo(t *testing.T) repository.TaskRepository {
	t.Helper()

	dsn := fmt.Sprintf("file:queuetest%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := database.New(config.DatabaseConfig{
		Driver:   "sqlite",
		DSN:      dsn,
		LogLevel: "silent",
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	migrator := migrations.NewMigrator(db.DB, nil)
	migrator.RegisterAll(migrations.AllMigrations())
	require.NoError(t, migrator.Up(context.Background()))

	return repository.NewTaskRepository(db.DB)
}

func pipelineTask(aiUserID string) *models.Task {
	return &models.Task{
		VideoID: "vid1", AIUserID: aiUserID,
		Type: models.TaskTypePipeline, MaxAttempts: 3,
	}
}

func TestGormQueue_Lifecycle(t *testing.T) {
	q := NewGeneral(testTaskRepo(t), 0)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, pipelineTask("u1")))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	task, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, models.TaskStatusRunning, task.Status)

	require.NoError(t, q.Ack(ctx, task))
	assert.Equal(t, models.TaskStatusDone, task.Status)

	empty, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestGormQueue_NackRequeuesUntilExhausted(t *testing.T) {
	q := NewGeneral(testTaskRepo(t), 0)
	ctx := context.Background()

	task := pipelineTask("u1")
	task.MaxAttempts = 2
	require.NoError(t, q.Enqueue(ctx, task))

	cause := errors.New("service unreachable")

	got, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NoError(t, q.Nack(ctx, got, cause))
	assert.Equal(t, models.TaskStatusPending, got.Status)

	got, err = q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NoError(t, q.Nack(ctx, got, cause))
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Contains(t, got.LastError, "service unreachable")

	empty, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestGormQueue_HighWater(t *testing.T) {
	q := NewGeneral(testTaskRepo(t), 2)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, pipelineTask("u1")))
	require.NoError(t, q.Enqueue(ctx, pipelineTask("u2")))

	err := q.Enqueue(ctx, pipelineTask("u3"))
	assert.ErrorIs(t, err, ErrQueueFull)

	// Draining one makes room again.
	task, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, task)
	require.NoError(t, q.Ack(ctx, task))

	assert.NoError(t, q.Enqueue(ctx, pipelineTask("u3")))
}

func TestGormQueue_RejectsForeignTypes(t *testing.T) {
	q := NewGeneral(testTaskRepo(t), 0)
	err := q.Enqueue(context.Background(), &models.Task{
		VideoID: "vid1", AIUserID: "u1",
		Type: models.TaskTypeImageCaptioning, MaxAttempts: 3,
	})
	assert.ErrorIs(t, err, ErrWrongQueue)
}

func TestRouter_RoutesByType(t *testing.T) {
	repo := testTaskRepo(t)
	router := NewRouter(NewGeneral(repo, 0), NewCaption(repo, 0))
	ctx := context.Background()

	for _, tt := range []struct {
		taskType models.TaskType
		queue    string
	}{
		{models.TaskTypePipeline, "general"},
		{models.TaskTypeImageCaptioning, "caption"},
		{models.TaskTypeUploadOnly, "caption"},
	} {
		q, err := router.For(tt.taskType)
		require.NoError(t, err)
		assert.Equal(t, tt.queue, q.Name(), "type %s", tt.taskType)
	}

	_, err := router.For(models.TaskType("bogus"))
	assert.Error(t, err)

	require.NoError(t, router.Enqueue(ctx, &models.Task{
		VideoID: "vid1", AIUserID: "u1",
		Type: models.TaskTypeUploadOnly, MaxAttempts: 3,
	}))

	depth, err := router.Caption().Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestMemoryQueue_MatchesDurableSemantics(t *testing.T) {
	q := NewMemoryQueue("caption", []models.TaskType{models.TaskTypeImageCaptioning}, 1)
	ctx := context.Background()

	task := &models.Task{
		VideoID: "vid1", AIUserID: "u1",
		Type: models.TaskTypeImageCaptioning, MaxAttempts: 2,
	}
	require.NoError(t, q.Enqueue(ctx, task))
	assert.ErrorIs(t, q.Enqueue(ctx, &models.Task{
		VideoID: "vid1", AIUserID: "u2",
		Type: models.TaskTypeImageCaptioning, MaxAttempts: 2,
	}), ErrQueueFull)

	got, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, got)

	// First failure requeues.
	require.NoError(t, q.Nack(ctx, got, errors.New("boom")))
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	got, err = q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NoError(t, q.Nack(ctx, got, errors.New("boom")))
	assert.Equal(t, models.TaskStatusFailed, got.Status)

	empty, err := q.Dequeue(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, empty)
}
