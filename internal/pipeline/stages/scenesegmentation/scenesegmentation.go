// Package scenesegmentation splits the video into scenes by watching the
// per-frame object detection vectors change over time.
package scenesegmentation

import (
	"context"
	"math"
	"strings"

	"github.com/adscribe/adscribe/internal/pipeline/core"
	"github.com/adscribe/adscribe/internal/pipeline/shared"
	"github.com/adscribe/adscribe/internal/pipeline/stages/captionrating"
	"github.com/adscribe/adscribe/internal/pipeline/stages/frameextraction"
	"github.com/adscribe/adscribe/internal/pipeline/stages/importvideo"
	"github.com/adscribe/adscribe/internal/pipeline/stages/objectdetection"
	"github.com/adscribe/adscribe/internal/textmetric"
)

const (
	// boundaryThreshold is the similarity under which adjacent frames may
	// belong to different scenes.
	boundaryThreshold = 0.5

	// minSceneSeconds is the minimum spacing between scene boundaries.
	minSceneSeconds = 10.0
)

// Scene is one segment of the video.
type Scene struct {
	StartS      float64 `json:"start_s"`
	EndS        float64 `json:"end_s"`
	Description string  `json:"description"`
}

// Output is the scene_segmentation stage output.
type Output struct {
	Scenes []Scene `json:"scenes"`
}

// Stage implements scene_segmentation.
type Stage struct {
	shared.BaseStage
}

// New creates the scene_segmentation stage.
func New() *Stage {
	return &Stage{
		BaseStage: shared.NewBaseStage(core.StageSceneSegmentation, "Scene Segmentation",
			core.StageCaptionRating, core.StageObjectDetection,
			core.StageFrameExtraction, core.StageImportVideo),
	}
}

// Execute builds per-frame feature vectors from the detection table, finds
// boundaries where similarity collapses, and attaches the kept captions
// falling inside each scene.
func (s *Stage) Execute(ctx context.Context, state *core.State) ([]byte, error) {
	detections, err := core.DecodeOutput[objectdetection.Output](ctx, state, core.StageObjectDetection)
	if err != nil {
		return nil, err
	}
	ratings, err := core.DecodeOutput[captionrating.Output](ctx, state, core.StageCaptionRating)
	if err != nil {
		return nil, err
	}
	frames, err := core.DecodeOutput[frameextraction.Output](ctx, state, core.StageFrameExtraction)
	if err != nil {
		return nil, err
	}
	imported, err := core.DecodeOutput[importvideo.Output](ctx, state, core.StageImportVideo)
	if err != nil {
		return nil, err
	}

	videoStart := 0.0
	videoEnd := imported.Duration
	if state.Job.StartTime != nil {
		videoStart = *state.Job.StartTime
	}
	if state.Job.EndTime != nil {
		videoEnd = *state.Job.EndTime
	}

	vectors := featureVectors(detections)
	boundaries := findBoundaries(vectors, detections.Frames, frames.FPS, videoStart)
	scenes := buildScenes(boundaries, videoStart, videoEnd, ratings.Kept)

	state.Logger.Info("scenes segmented",
		"frames", len(vectors), "boundaries", len(boundaries), "scenes", len(scenes))
	return core.EncodeOutput(Output{Scenes: scenes})
}

// featureVectors turns the detection table into one vector per frame: the
// max confidence per label, in the table's label order. Frames with no
// detections at all become nil and are treated as missing samples.
func featureVectors(det objectdetection.Output) [][]float64 {
	col := make(map[string]int, len(det.Labels))
	for i, label := range det.Labels {
		col[label] = i
	}

	vectors := make([][]float64, len(det.Frames))
	for i, frame := range det.Frames {
		if len(frame.Objects) == 0 {
			continue
		}
		v := make([]float64, len(det.Labels))
		for _, o := range frame.Objects {
			if idx, ok := col[o.Name]; ok && o.Confidence > v[idx] {
				v[idx] = o.Confidence
			}
		}
		vectors[i] = v
	}
	return vectors
}

// findBoundaries returns scene boundary timestamps. A boundary opens where
// adjacent similarity drops below the threshold and the surrounding
// similarities agree, at least minSceneSeconds after the previous one. A
// stretch of missing samples at least minSceneSeconds long forces a
// boundary when the detections come back.
func findBoundaries(vectors [][]float64, frames []objectdetection.Frame, rate int, videoStart float64) []float64 {
	var boundaries []float64
	lastBoundary := videoStart
	missingRun := 0

	for i := 0; i < len(vectors); i++ {
		if vectors[i] == nil {
			missingRun++
			continue
		}

		if missingRun > 0 {
			runSeconds := float64(missingRun) / float64(rate)
			if runSeconds >= minSceneSeconds {
				boundaries = append(boundaries, frames[i].TsS)
				lastBoundary = frames[i].TsS
			}
			missingRun = 0
			continue
		}

		if i+1 >= len(vectors) {
			break
		}
		ts := frames[i+1].TsS
		if ts-lastBoundary < minSceneSeconds {
			continue
		}
		sim := similarity(vectors, i, i+1)
		if math.IsNaN(sim) || sim >= boundaryThreshold {
			continue
		}
		if surrounding := surroundingSimilarity(vectors, i); !math.IsNaN(surrounding) && surrounding >= boundaryThreshold {
			continue
		}

		boundaries = append(boundaries, ts)
		lastBoundary = ts
	}
	return boundaries
}

// similarity is the cosine similarity between two frame vectors, NaN when
// either sample is missing.
func similarity(vectors [][]float64, i, j int) float64 {
	if i < 0 || j >= len(vectors) || vectors[i] == nil || vectors[j] == nil {
		return math.NaN()
	}
	return textmetric.CosineSimilarity(vectors[i], vectors[j])
}

// surroundingSimilarity averages the lag-2 similarities spanning a
// candidate cut at (i, i+1). A real scene change collapses both; a single
// noisy frame leaves one of them high.
func surroundingSimilarity(vectors [][]float64, i int) float64 {
	var sum float64
	var n int
	for _, pair := range [][2]int{{i - 1, i + 1}, {i, i + 2}} {
		sim := similarity(vectors, pair[0], pair[1])
		if !math.IsNaN(sim) {
			sum += sim
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

// buildScenes slices the video at the boundaries and pools the kept
// captions whose timestamps fall inside each scene.
func buildScenes(boundaries []float64, videoStart, videoEnd float64, kept []captionrating.Rated) []Scene {
	edges := append([]float64{videoStart}, boundaries...)
	edges = append(edges, videoEnd)

	var scenes []Scene
	for i := 0; i+1 < len(edges); i++ {
		start, end := edges[i], edges[i+1]
		if end <= start {
			continue
		}

		var texts []string
		for _, c := range kept {
			last := i+2 == len(edges)
			if c.TsS >= start && (c.TsS < end || (last && c.TsS <= end)) {
				texts = append(texts, c.Caption)
			}
		}
		scenes = append(scenes, Scene{
			StartS:      start,
			EndS:        end,
			Description: strings.Join(texts, " "),
		})
	}

	// Degenerate inputs still yield one scene so the pipeline can finish.
	if len(scenes) == 0 {
		scenes = []Scene{{StartS: videoStart, EndS: videoEnd}}
	}
	return scenes
}
