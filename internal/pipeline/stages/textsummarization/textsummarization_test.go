package textsummarization

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adscribe/adscribe/internal/models"
	"github.com/adscribe/adscribe/internal/pipeline/core"
	"github.com/adscribe/adscribe/internal/pipeline/stages/captionrating"
	"github.com/adscribe/adscribe/internal/pipeline/stages/importvideo"
	"github.com/adscribe/adscribe/internal/pipeline/stages/scenesegmentation"
)

func testState(t *testing.T, scenes []scenesegmentation.Scene, kept []captionrating.Rated, duration float64) *core.State {
	t.Helper()
	outputs := map[string][]byte{}
	for stage, v := range map[string]any{
		core.StageSceneSegmentation: scenesegmentation.Output{Scenes: scenes},
		core.StageCaptionRating:     captionrating.Output{Kept: kept},
		core.StageImportVideo:       importvideo.Output{Duration: duration},
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

func TestExecute_NearDuplicateCaptionsCollapse(t *testing.T) {
	scenes := []scenesegmentation.Scene{{StartS: 0, EndS: 30}}
	kept := []captionrating.Rated{
		{TsS: 2, Caption: "a dog runs across the field", Rating: 0.8},
		{TsS: 5, Caption: "a dog runs across the grass", Rating: 0.7},
		{TsS: 9, Caption: "a dog runs across the field quickly", Rating: 0.6},
		{TsS: 20, Caption: "sailboats drift in the harbor at dusk", Rating: 0.9},
	}

	out := run(t, testState(t, scenes, kept, 30))

	require.Len(t, out.Summarized, 1)
	s := out.Summarized[0]
	assert.Equal(t, 1, s.SceneNumber)
	// The dog cluster contributes exactly one representative.
	assert.Contains(t, s.Text, "a dog runs across the field")
	assert.Contains(t, s.Text, "sailboats drift in the harbor at dusk")
	assert.NotContains(t, s.Text, "grass")
}

func TestExecute_TopThreeGroupsOnly(t *testing.T) {
	scenes := []scenesegmentation.Scene{{StartS: 0, EndS: 100}}
	kept := []captionrating.Rated{
		// Four unrelated captions; the two-member group plus the two
		// earliest singles survive.
		{TsS: 1, Caption: "a red fox jumps over a log"},
		{TsS: 2, Caption: "a red fox jumps over a fallen log"},
		{TsS: 10, Caption: "children play chess in the park"},
		{TsS: 20, Caption: "waves crash against tall white cliffs"},
		{TsS: 30, Caption: "a chef plates pasta in a busy kitchen"},
	}

	out := run(t, testState(t, scenes, kept, 100))

	require.Len(t, out.Summarized, 1)
	text := out.Summarized[0].Text
	assert.Contains(t, text, "red fox")
	assert.Contains(t, text, "chess")
	assert.Contains(t, text, "cliffs")
	assert.NotContains(t, text, "pasta")
}

func TestExecute_EmptyScenesSkipped(t *testing.T) {
	scenes := []scenesegmentation.Scene{
		{StartS: 0, EndS: 20},
		{StartS: 20, EndS: 40},
	}
	kept := []captionrating.Rated{{TsS: 25, Caption: "a train leaves the station"}}

	out := run(t, testState(t, scenes, kept, 40))

	require.Len(t, out.Summarized, 1)
	assert.Equal(t, 2, out.Summarized[0].SceneNumber)
	assert.InDelta(t, 20, out.Summarized[0].StartS, 1e-9)
}

func TestExecute_QuartileFallback(t *testing.T) {
	// One scene with no captions inside it triggers the fallback.
	scenes := []scenesegmentation.Scene{{StartS: 0, EndS: 100}}
	kept := []captionrating.Rated{
		{TsS: 110, Caption: "outside the scene", Rating: 0.9},
	}
	// Captions exist but none inside the scene window, so scene summaries
	// come up empty and the quartile split takes over.
	state := testState(t, scenes, kept, 100)

	out := run(t, state)

	// Only the quartile containing ts=110 would match, but 110 > 100 means
	// no quartile holds it either; the output stays empty.
	assert.Empty(t, out.Summarized)
}

func TestExecute_QuartileFallbackPicksHighestRated(t *testing.T) {
	// Scenes exist but carry no captions in range; the kept captions all
	// sit inside the video span.
	scenes := []scenesegmentation.Scene{}
	kept := []captionrating.Rated{
		{TsS: 5, Caption: "early low", Rating: 0.5},
		{TsS: 8, Caption: "early high", Rating: 0.9},
		{TsS: 60, Caption: "late", Rating: 0.6},
	}

	out := run(t, testState(t, scenes, kept, 80))

	require.Len(t, out.Summarized, 2)
	assert.Equal(t, "early high", out.Summarized[0].Text)
	assert.InDelta(t, 0, out.Summarized[0].StartS, 1e-9)
	assert.InDelta(t, 20, out.Summarized[0].EndS, 1e-9)
	assert.Equal(t, "late", out.Summarized[1].Text)
	assert.Equal(t, 4, out.Summarized[1].SceneNumber)
}

func TestOrderGroups_SizeTiesBreakOnCohesion(t *testing.T) {
	loose := []captionrating.Rated{
		{TsS: 1, Caption: "a dog runs across the green field"},
		{TsS: 2, Caption: "a dog runs across the field quickly today"},
	}
	tight := []captionrating.Rated{
		{TsS: 10, Caption: "a cat sleeps on the warm windowsill"},
		{TsS: 11, Caption: "a cat sleeps on the warm windowsill"},
	}
	big := []captionrating.Rated{
		{TsS: 20, Caption: "waves crash against tall white cliffs"},
		{TsS: 21, Caption: "waves crash against the white cliffs"},
		{TsS: 22, Caption: "waves crash against tall cliffs below"},
	}

	ordered := orderGroups([][]captionrating.Rated{loose, tight, big})

	// Size dominates; between the equal-size groups the identical pair is
	// more cohesive and wins even though the loose one is earlier.
	require.Len(t, ordered, 3)
	assert.InDelta(t, 20, ordered[0][0].TsS, 1e-9)
	assert.InDelta(t, 10, ordered[1][0].TsS, 1e-9)
	assert.InDelta(t, 1, ordered[2][0].TsS, 1e-9)
}

func TestGroupCohesion(t *testing.T) {
	identical := groupCohesion([]captionrating.Rated{
		{Caption: "a cat sleeps on the warm windowsill"},
		{Caption: "a cat sleeps on the warm windowsill"},
	})
	partial := groupCohesion([]captionrating.Rated{
		{Caption: "a dog runs across the green field"},
		{Caption: "a dog runs across the field quickly today"},
	})
	assert.InDelta(t, 1.0, identical, 1e-9)
	assert.Less(t, partial, identical)
	assert.Zero(t, groupCohesion([]captionrating.Rated{{Caption: "single"}}))
}

func TestRepresentative_PicksMostCentralCaption(t *testing.T) {
	group := []captionrating.Rated{
		{Caption: "a dog runs across the field"},
		{Caption: "a dog runs across the green field"},
		{Caption: "a dog runs across the field today"},
	}
	rep := representative(group)
	assert.Equal(t, "a dog runs across the field", rep.Caption)
}

func TestQuartileFallback_NoCaptions(t *testing.T) {
	assert.Empty(t, quartileFallback(0, 100, nil))
	assert.Empty(t, quartileFallback(50, 50, []captionrating.Rated{{TsS: 10}}))
}
