package ocrextraction

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adscribe/adscribe/internal/models"
	"github.com/adscribe/adscribe/internal/pipeline/core"
	"github.com/adscribe/adscribe/internal/pipeline/stages/frameextraction"
)

// fakeDetector serves scripted lines keyed by frame path.
type fakeDetector struct {
	mu    sync.Mutex
	lines map[string][]string
	calls int
}

func (f *fakeDetector) DetectText(ctx context.Context, imagePath string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.lines[imagePath], nil
}

func testState(t *testing.T, numFrames, fps int) *core.State {
	t.Helper()
	blob, err := json.Marshal(frameextraction.Output{FPS: fps, NumFrames: numFrames})
	require.NoError(t, err)
	loader := func(ctx context.Context, stage string) ([]byte, error) { return blob, nil }
	job := &models.Job{VideoID: "vid123", AIUserID: "ai-1"}
	return core.NewState(job, t.TempDir(), loader, nil, nil)
}

func run(t *testing.T, state *core.State, det *fakeDetector) Output {
	t.Helper()
	blob, err := New(det).Execute(context.Background(), state)
	require.NoError(t, err)
	var out Output
	require.NoError(t, json.Unmarshal(blob, &out))
	return out
}

func TestExecute_WatermarkRemoved(t *testing.T) {
	state := testState(t, 5, 1)
	det := &fakeDetector{lines: map[string][]string{
		// "NewsChannel 5" is on 4 of 5 frames (80% > 60%).
		state.FramePath(1): {"NewsChannel 5", "BREAKING: storm ahead"},
		state.FramePath(2): {"NewsChannel 5"},
		state.FramePath(3): {"NewsChannel 5", "Traffic update"},
		state.FramePath(4): {"NewsChannel 5"},
		state.FramePath(5): {"Goodbye"},
	}}

	out := run(t, state, det)

	assert.Equal(t, []string{"newschannel 5"}, out.Watermarks)
	texts := make([]string, len(out.FilteredOCR))
	for i, l := range out.FilteredOCR {
		texts[i] = l.Text
	}
	assert.Equal(t, []string{"BREAKING: storm ahead", "Traffic update", "Goodbye"}, texts)
}

func TestExecute_WatermarkCountedAcrossCasings(t *testing.T) {
	state := testState(t, 4, 1)
	det := &fakeDetector{lines: map[string][]string{
		// The OCR flips casing frame to frame; it is still one watermark
		// on 3 of 4 frames.
		state.FramePath(1): {"NewsChannel 5"},
		state.FramePath(2): {"NEWSCHANNEL 5"},
		state.FramePath(3): {"newschannel 5"},
		state.FramePath(4): {"Final scores"},
	}}

	out := run(t, state, det)

	assert.Equal(t, []string{"newschannel 5"}, out.Watermarks)
	require.Len(t, out.FilteredOCR, 1)
	// Kept lines preserve the casing the OCR reported.
	assert.Equal(t, "Final scores", out.FilteredOCR[0].Text)
}

func TestExecute_NearDuplicatesCollapse(t *testing.T) {
	state := testState(t, 3, 1)
	det := &fakeDetector{lines: map[string][]string{
		// OCR jitter produces near-identical readings of the same title.
		state.FramePath(1): {"CHAPTER ONE"},
		state.FramePath(2): {"CHAPTER 0NE"},
		state.FramePath(3): {"THE END"},
	}}

	out := run(t, state, det)

	require.Len(t, out.FilteredOCR, 2)
	assert.Equal(t, "CHAPTER ONE", out.FilteredOCR[0].Text)
	assert.Equal(t, "THE END", out.FilteredOCR[1].Text)
}

func TestExecute_TimestampsUseSamplingRate(t *testing.T) {
	state := testState(t, 4, 2)
	det := &fakeDetector{lines: map[string][]string{
		state.FramePath(3): {"Hello"},
	}}

	out := run(t, state, det)

	require.Len(t, out.FilteredOCR, 1)
	assert.Equal(t, 3, out.FilteredOCR[0].FrameIdx)
	assert.InDelta(t, 1.0, out.FilteredOCR[0].TsS, 1e-9) // (3-1)/2
}

func TestExecute_TrimWindowOffsetsTimestamps(t *testing.T) {
	start := 30.0
	blob, err := json.Marshal(frameextraction.Output{FPS: 1, NumFrames: 2})
	require.NoError(t, err)
	loader := func(ctx context.Context, stage string) ([]byte, error) { return blob, nil }
	job := &models.Job{VideoID: "vid123", AIUserID: "ai-1", StartTime: &start}
	state := core.NewState(job, t.TempDir(), loader, nil, nil)

	det := &fakeDetector{lines: map[string][]string{
		state.FramePath(2): {"Hi"},
	}}
	out := run(t, state, det)

	require.Len(t, out.FilteredOCR, 1)
	assert.InDelta(t, 31.0, out.FilteredOCR[0].TsS, 1e-9)
}

func TestExecute_NoTextAnywhere(t *testing.T) {
	state := testState(t, 3, 1)
	out := run(t, state, &fakeDetector{lines: map[string][]string{}})

	assert.Empty(t, out.FilteredOCR)
	assert.Empty(t, out.Watermarks)
}

func TestExecute_ZeroFramesIsInvariant(t *testing.T) {
	state := testState(t, 0, 1)
	_, err := New(&fakeDetector{}).Execute(context.Background(), state)
	require.Error(t, err)
	assert.True(t, core.IsInvariant(err))
}
