package captionrating

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adscribe/adscribe/internal/models"
	"github.com/adscribe/adscribe/internal/pipeline/core"
	"github.com/adscribe/adscribe/internal/pipeline/stages/imagecaptioning"
)

type fakeRater struct {
	scores map[string]float64 // keyed by caption
	err    error
	images []string
}

func (f *fakeRater) Rate(ctx context.Context, imageURL, caption string) (float64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.images = append(f.images, imageURL)
	return f.scores[caption], nil
}

func testState(t *testing.T, captions []imagecaptioning.Caption) *core.State {
	t.Helper()
	blob, err := json.Marshal(imagecaptioning.Output{Captions: captions})
	require.NoError(t, err)
	loader := func(ctx context.Context, stage string) ([]byte, error) { return blob, nil }
	job := &models.Job{VideoID: "vid123", AIUserID: "ai-1"}
	return core.NewState(job, t.TempDir(), loader, nil, nil)
}

func TestExecute_KeepsCaptionsAboveThreshold(t *testing.T) {
	rater := &fakeRater{scores: map[string]float64{
		"a dog runs":   0.9,
		"blurry shape": 0.2,
		"a cat naps":   0.5, // exactly at threshold stays
	}}
	state := testState(t, []imagecaptioning.Caption{
		{FrameIdx: 1, TsS: 0, Caption: "a dog runs"},
		{FrameIdx: 5, TsS: 4, Caption: "blurry shape"},
		{FrameIdx: 9, TsS: 8, Caption: "a cat naps"},
	})

	blob, err := New(rater, 0.5).Execute(context.Background(), state)
	require.NoError(t, err)

	var out Output
	require.NoError(t, json.Unmarshal(blob, &out))
	require.Len(t, out.Rated, 3)
	require.Len(t, out.Kept, 2)
	assert.Equal(t, "a dog runs", out.Kept[0].Caption)
	assert.InDelta(t, 0.9, out.Kept[0].Rating, 1e-9)
	assert.Equal(t, "a cat naps", out.Kept[1].Caption)

	// Each rating call points at the caption's own frame.
	assert.Equal(t, []string{
		state.FramePath(1), state.FramePath(5), state.FramePath(9),
	}, rater.images)
}

func TestExecute_NoCaptionsYieldsEmptyOutput(t *testing.T) {
	blob, err := New(&fakeRater{}, 0.5).Execute(context.Background(), testState(t, nil))
	require.NoError(t, err)

	var out Output
	require.NoError(t, json.Unmarshal(blob, &out))
	assert.Empty(t, out.Rated)
	assert.Empty(t, out.Kept)
}

func TestExecute_RaterErrorIsTransient(t *testing.T) {
	rater := &fakeRater{err: errors.New("rating service unreachable")}
	state := testState(t, []imagecaptioning.Caption{{FrameIdx: 1, Caption: "x"}})

	_, err := New(rater, 0.5).Execute(context.Background(), state)
	require.Error(t, err)
	assert.False(t, core.IsFatal(err))
}
