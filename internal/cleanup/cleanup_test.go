package cleanup

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adscribe/adscribe/internal/models"
)

type fakeJobs struct {
	purged []models.JobKey
	cutoff time.Time
}

func (f *fakeJobs) Upsert(ctx context.Context, job *models.Job) error { return nil }
func (f *fakeJobs) Get(ctx context.Context, key models.JobKey) (*models.Job, error) {
	return nil, nil
}
func (f *fakeJobs) GetStatus(ctx context.Context, key models.JobKey) (models.JobStatus, error) {
	return "", nil
}
func (f *fakeJobs) SetStatus(ctx context.Context, key models.JobKey, status models.JobStatus) error {
	return nil
}
func (f *fakeJobs) Delete(ctx context.Context, key models.JobKey) error { return nil }

func (f *fakeJobs) PurgeOlderThan(ctx context.Context, cutoff time.Time) ([]models.JobKey, error) {
	f.cutoff = cutoff
	return f.purged, nil
}

type fakeTasks struct {
	deleted int64
	cutoff  time.Time
}

func (f *fakeTasks) Create(ctx context.Context, task *models.Task) error { return nil }
func (f *fakeTasks) Acquire(ctx context.Context, workerID string, types []models.TaskType) (*models.Task, error) {
	return nil, nil
}
func (f *fakeTasks) Update(ctx context.Context, task *models.Task) error { return nil }
func (f *fakeTasks) CountPending(ctx context.Context, types []models.TaskType) (int64, error) {
	return 0, nil
}
func (f *fakeTasks) FindActive(ctx context.Context, key models.JobKey, taskType models.TaskType) (*models.Task, error) {
	return nil, nil
}
func (f *fakeTasks) ReleaseStale(ctx context.Context, lockTimeout time.Duration) (int64, error) {
	return 0, nil
}

func (f *fakeTasks) DeleteFinished(ctx context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return f.deleted, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRunOnce_RemovesArtifactDirsForPurgedJobs(t *testing.T) {
	root := t.TempDir()
	plain := filepath.Join(root, "vid1_files_ai-1")
	trimmed := filepath.Join(root, "vid1_files_30_60_ai-1")
	other := filepath.Join(root, "vid2_files_ai-1")
	for _, dir := range []string{plain, trimmed, other} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}

	jobs := &fakeJobs{purged: []models.JobKey{{VideoID: "vid1", AIUserID: "ai-1"}}}
	tasks := &fakeTasks{deleted: 2}
	s := New(jobs, tasks, root, Config{Schedule: "@hourly", MaxAge: 24 * time.Hour}, testLogger())

	purged, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	// Both directory shapes for the purged key are gone; other jobs stay.
	for _, dir := range []string{plain, trimmed} {
		_, err := os.Stat(dir)
		assert.True(t, os.IsNotExist(err), dir)
	}
	_, err = os.Stat(other)
	assert.NoError(t, err)
}

func TestRunOnce_CutoffHonorsMaxAge(t *testing.T) {
	jobs := &fakeJobs{}
	tasks := &fakeTasks{}
	s := New(jobs, tasks, t.TempDir(), Config{Schedule: "@hourly", MaxAge: 24 * time.Hour}, testLogger())

	before := time.Now().Add(-24 * time.Hour)
	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)

	assert.WithinDuration(t, before, jobs.cutoff, time.Minute)
	assert.Equal(t, jobs.cutoff, tasks.cutoff)
}

func TestStart_RejectsBadSchedule(t *testing.T) {
	s := New(&fakeJobs{}, &fakeTasks{}, t.TempDir(), Config{Schedule: "not a cron expr"}, testLogger())
	assert.Error(t, s.Start())
}
