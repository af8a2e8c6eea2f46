package frameextraction

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adscribe/adscribe/internal/media"
	"github.com/adscribe/adscribe/internal/models"
	"github.com/adscribe/adscribe/internal/pipeline/core"
	"github.com/adscribe/adscribe/internal/pipeline/stages/importvideo"
)

type fakeSampler struct {
	got    media.FrameRequest
	frames []string
	err    error
}

func (f *fakeSampler) ExtractFrames(ctx context.Context, req media.FrameRequest) ([]string, error) {
	f.got = req
	return f.frames, f.err
}

func testState(t *testing.T, job *models.Job, imported importvideo.Output) *core.State {
	t.Helper()
	blob, err := json.Marshal(imported)
	require.NoError(t, err)
	loader := func(ctx context.Context, stage string) ([]byte, error) {
		if stage != core.StageImportVideo {
			return nil, fmt.Errorf("unexpected stage %s", stage)
		}
		return blob, nil
	}
	return core.NewState(job, t.TempDir(), loader, nil, nil)
}

func frameNames(n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("frame_%d.jpg", i+1)
	}
	return names
}

func TestExecute_AdaptiveRateAndStep(t *testing.T) {
	sampler := &fakeSampler{frames: frameNames(120)}
	job := &models.Job{VideoID: "vid123", AIUserID: "ai-1"}
	state := testState(t, job, importvideo.Output{Duration: 120, FrameRate: 29.97})

	blob, err := New(sampler, 3).Execute(context.Background(), state)
	require.NoError(t, err)

	var out Output
	require.NoError(t, json.Unmarshal(blob, &out))
	// 120s falls in the (60, 300] band: rate steps down from 3 to 2.
	assert.Equal(t, 2, out.FPS)
	assert.Equal(t, 2, sampler.got.Rate)
	assert.Equal(t, 15, out.Step) // round(29.97 / 2)
	assert.Equal(t, 120, out.NumFrames)
	assert.Equal(t, state.FramesDir(), out.FramesDir)
	assert.Nil(t, sampler.got.StartSeconds)
}

func TestExecute_WindowedJobSamplesWholeTrimmedFile(t *testing.T) {
	sampler := &fakeSampler{frames: frameNames(90)}
	start, end := 10.0, 40.0
	job := &models.Job{VideoID: "vid123", AIUserID: "ai-1", StartTime: &start, EndTime: &end}
	// import_video already cut the file to the 30s window, so the imported
	// duration is the window's, and no seek bounds are applied again.
	state := testState(t, job, importvideo.Output{Duration: 30, FrameRate: 30})

	blob, err := New(sampler, 3).Execute(context.Background(), state)
	require.NoError(t, err)

	var out Output
	require.NoError(t, json.Unmarshal(blob, &out))
	assert.Equal(t, 3, out.FPS)
	assert.Nil(t, sampler.got.StartSeconds)
	assert.Nil(t, sampler.got.EndSeconds)
}

func TestExecute_LongVideoRate(t *testing.T) {
	sampler := &fakeSampler{frames: frameNames(10)}
	job := &models.Job{VideoID: "vid123", AIUserID: "ai-1"}
	state := testState(t, job, importvideo.Output{Duration: 1500, FrameRate: 30})

	blob, err := New(sampler, 3).Execute(context.Background(), state)
	require.NoError(t, err)

	var out Output
	require.NoError(t, json.Unmarshal(blob, &out))
	assert.Equal(t, 5, out.FPS) // 1500 / 300
}

func TestExecute_NoFramesIsFatal(t *testing.T) {
	job := &models.Job{VideoID: "vid123", AIUserID: "ai-1"}
	state := testState(t, job, importvideo.Output{Duration: 30, FrameRate: 30})

	_, err := New(&fakeSampler{}, 3).Execute(context.Background(), state)
	require.Error(t, err)
	assert.True(t, core.IsFatal(err))
}

func TestSourceStep(t *testing.T) {
	assert.Equal(t, 10, sourceStep(30, 3))
	assert.Equal(t, 15, sourceStep(29.97, 2))
	assert.Equal(t, 1, sourceStep(0, 3))
	assert.Equal(t, 1, sourceStep(2, 3))
}
