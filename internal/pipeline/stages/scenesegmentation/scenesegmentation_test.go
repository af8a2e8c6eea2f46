package scenesegmentation

import (
	"context"
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adscribe/adscribe/internal/models"
	"github.com/adscribe/adscribe/internal/pipeline/core"
	"github.com/adscribe/adscribe/internal/pipeline/stages/captionrating"
	"github.com/adscribe/adscribe/internal/pipeline/stages/frameextraction"
	"github.com/adscribe/adscribe/internal/pipeline/stages/importvideo"
	"github.com/adscribe/adscribe/internal/pipeline/stages/objectdetection"
)

// detFrames builds a detection table at 1 fps where each frame shows the
// given object with full confidence; an empty name means no detections.
func detFrames(names ...string) objectdetection.Output {
	out := objectdetection.Output{}
	labelSet := map[string]bool{}
	for i, name := range names {
		frame := objectdetection.Frame{FrameIdx: i + 1, TsS: float64(i), Objects: []objectdetection.Object{}}
		if name != "" {
			frame.Objects = append(frame.Objects, objectdetection.Object{Name: name, Confidence: 0.9})
			labelSet[name] = true
		}
		out.Frames = append(out.Frames, frame)
	}
	for label := range labelSet {
		out.Labels = append(out.Labels, label)
	}
	return out
}

func testState(t *testing.T, det objectdetection.Output, kept []captionrating.Rated, duration float64) *core.State {
	t.Helper()
	outputs := map[string][]byte{}
	for stage, v := range map[string]any{
		core.StageObjectDetection: det,
		core.StageCaptionRating:   captionrating.Output{Kept: kept},
		core.StageFrameExtraction: frameextraction.Output{FPS: 1, NumFrames: len(det.Frames)},
		core.StageImportVideo:     importvideo.Output{Duration: duration},
	} {
		blob, err := json.Marshal(v)
		require.NoError(t, err)
		outputs[stage] = blob
	}
	loader := func(ctx context.Context, stage string) ([]byte, error) { return outputs[stage], nil }
	job := &models.Job{VideoID: "vid123", AIUserID: "ai-1"}
	return core.NewState(job, t.TempDir(), loader, nil, nil)
}

func run(t *testing.T, state *core.State) Output {
	t.Helper()
	blob, err := New().Execute(context.Background(), state)
	require.NoError(t, err)
	var out Output
	require.NoError(t, json.Unmarshal(blob, &out))
	return out
}

func TestExecute_HardCutSplitsScenes(t *testing.T) {
	// 20s of dogs, then 20s of cars.
	names := make([]string, 40)
	for i := 0; i < 20; i++ {
		names[i] = "dog"
	}
	for i := 20; i < 40; i++ {
		names[i] = "car"
	}
	kept := []captionrating.Rated{
		{TsS: 5, Caption: "a dog runs"},
		{TsS: 12, Caption: "a dog jumps"},
		{TsS: 30, Caption: "a car parks"},
	}

	out := run(t, testState(t, detFrames(names...), kept, 40))

	require.Len(t, out.Scenes, 2)
	assert.InDelta(t, 0, out.Scenes[0].StartS, 1e-9)
	assert.InDelta(t, 20, out.Scenes[0].EndS, 1e-9)
	assert.Equal(t, "a dog runs a dog jumps", out.Scenes[0].Description)
	assert.InDelta(t, 20, out.Scenes[1].StartS, 1e-9)
	assert.InDelta(t, 40, out.Scenes[1].EndS, 1e-9)
	assert.Equal(t, "a car parks", out.Scenes[1].Description)
}

func TestExecute_SingleNoisyFrameIsNotABoundary(t *testing.T) {
	names := make([]string, 40)
	for i := range names {
		names[i] = "dog"
	}
	names[20] = "car" // one-frame glitch

	out := run(t, testState(t, detFrames(names...), nil, 40))
	require.Len(t, out.Scenes, 1)
}

func TestExecute_BoundariesRespectMinimumSpacing(t *testing.T) {
	// Cuts at 8s and 16s; only every other one can open a scene.
	names := make([]string, 24)
	for i := range names {
		switch {
		case i < 8:
			names[i] = "dog"
		case i < 16:
			names[i] = "car"
		default:
			names[i] = "boat"
		}
	}

	out := run(t, testState(t, detFrames(names...), nil, 24))

	// The 8s cut is too close to the start; the 16s cut lands.
	require.Len(t, out.Scenes, 2)
	assert.InDelta(t, 16, out.Scenes[0].EndS, 1e-9)
}

func TestExecute_LongMissingRunForcesBoundary(t *testing.T) {
	// 10 frames of dogs, 12 frames with no detections, then dogs again.
	names := make([]string, 34)
	for i := range names {
		names[i] = "dog"
	}
	for i := 10; i < 22; i++ {
		names[i] = ""
	}

	out := run(t, testState(t, detFrames(names...), nil, 34))

	require.Len(t, out.Scenes, 2)
	// The boundary lands where detections return.
	assert.InDelta(t, 22, out.Scenes[1].StartS, 1e-9)
}

func TestExecute_NoDetectionsAtAllYieldsOneScene(t *testing.T) {
	out := run(t, testState(t, detFrames("", "", "", ""), nil, 4))

	require.Len(t, out.Scenes, 1)
	assert.InDelta(t, 0, out.Scenes[0].StartS, 1e-9)
	assert.InDelta(t, 4, out.Scenes[0].EndS, 1e-9)
}

func TestFeatureVectors_MissingFramesAreNil(t *testing.T) {
	det := detFrames("dog", "", "dog")
	vectors := featureVectors(det)

	require.Len(t, vectors, 3)
	assert.NotNil(t, vectors[0])
	assert.Nil(t, vectors[1])
	assert.InDelta(t, 0.9, vectors[0][0], 1e-9)
}

func TestSurroundingSimilarity_AllMissingIsNaN(t *testing.T) {
	vectors := [][]float64{nil, {1}, {1}, nil}
	assert.True(t, math.IsNaN(surroundingSimilarity(vectors, 1)))
}

func TestBuildScenes_LastSceneIncludesItsEnd(t *testing.T) {
	kept := []captionrating.Rated{{TsS: 40, Caption: "the end"}}
	scenes := buildScenes([]float64{20}, 0, 40, kept)

	require.Len(t, scenes, 2)
	assert.Equal(t, "the end", scenes[1].Description)
}
