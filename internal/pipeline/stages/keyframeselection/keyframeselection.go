// Package keyframeselection picks the visually distinctive frames that are
// worth the cost of a captioning call. A frame is a keyframe when its
// grayscale histogram diverges enough from the previous frame's, or when the
// detected object set turns over completely between consecutive frames.
package keyframeselection

import (
	"context"
	"sort"

	"github.com/adscribe/adscribe/internal/pipeline/core"
	"github.com/adscribe/adscribe/internal/pipeline/shared"
	"github.com/adscribe/adscribe/internal/pipeline/stages/frameextraction"
	"github.com/adscribe/adscribe/internal/pipeline/stages/objectdetection"
	"github.com/adscribe/adscribe/internal/textmetric"
)

const (
	// changeThreshold is the cosine distance between adjacent histograms
	// above which a frame starts a new shot.
	changeThreshold = 0.5

	// edgeBand is the share of the video at each end where the threshold
	// is relaxed, so openings and endings still yield keyframes.
	edgeBand = 0.1

	// edgeScale relaxes the threshold inside the edge bands.
	edgeScale = 0.9
)

// Keyframe is one selected frame.
type Keyframe struct {
	FrameIdx int     `json:"frame_idx"`
	TsS      float64 `json:"ts_s"`
}

// Output is the keyframe_selection stage output.
type Output struct {
	Keyframes []Keyframe `json:"keyframes"`
}

// Stage implements keyframe_selection.
type Stage struct {
	shared.BaseStage
	histogram func(path string) ([]float64, error)
}

// New creates the keyframe_selection stage.
func New() *Stage {
	return &Stage{
		BaseStage: shared.NewBaseStage(core.StageKeyframeSelection, "Keyframe Selection",
			core.StageFrameExtraction, core.StageObjectDetection),
		histogram: frameHistogram,
	}
}

// Execute walks the sampled frames in order, comparing adjacent histograms,
// folds in the detection-derived scene changes, and always emits at least
// one keyframe.
func (s *Stage) Execute(ctx context.Context, state *core.State) ([]byte, error) {
	frames, err := core.DecodeOutput[frameextraction.Output](ctx, state, core.StageFrameExtraction)
	if err != nil {
		return nil, err
	}
	if frames.NumFrames == 0 {
		return nil, core.Invariantf("frame_extraction is done but reports zero frames")
	}
	detections, err := core.DecodeOutput[objectdetection.Output](ctx, state, core.StageObjectDetection)
	if err != nil {
		return nil, err
	}

	selected := map[int]bool{}
	var prev []float64
	for i := 1; i <= frames.NumFrames; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		hist, err := s.histogram(state.FramePath(i))
		if err != nil {
			return nil, err
		}

		if prev != nil {
			distance := textmetric.CosineDistance(prev, hist)
			if distance > frameThreshold(i, frames.NumFrames) {
				selected[i] = true
			}
		}
		prev = hist
	}

	for _, idx := range sceneChangeFrames(detections) {
		if idx >= 1 && idx <= frames.NumFrames {
			selected[idx] = true
		}
	}

	// A static video still needs something to caption.
	if len(selected) == 0 {
		middle := (frames.NumFrames + 1) / 2
		selected[middle] = true
		state.Logger.Info("no shot changes found, keeping middle frame", "frame_idx", middle)
	}

	idxs := make([]int, 0, len(selected))
	for idx := range selected {
		idxs = append(idxs, idx)
	}
	sort.Ints(idxs)

	keyframes := make([]Keyframe, len(idxs))
	for i, idx := range idxs {
		keyframes[i] = Keyframe{
			FrameIdx: idx,
			TsS:      shared.Timestamp(idx, frames.FPS, state.Job.StartTime),
		}
	}

	state.Logger.Info("keyframes selected",
		"frames", frames.NumFrames, "keyframes", len(keyframes))
	return core.EncodeOutput(Output{Keyframes: keyframes})
}

// frameThreshold relaxes the change threshold near the ends of the video.
func frameThreshold(idx, numFrames int) float64 {
	band := int(float64(numFrames) * edgeBand)
	if idx <= band || idx > numFrames-band {
		return changeThreshold * edgeScale
	}
	return changeThreshold
}

// sceneChangeFrames returns the frames whose detected label set shares no
// label with the previous detected frame's. Frames without detections are
// skipped rather than treated as changes.
func sceneChangeFrames(det objectdetection.Output) []int {
	var changes []int
	var prev map[string]bool
	for _, frame := range det.Frames {
		if len(frame.Objects) == 0 {
			continue
		}
		labels := make(map[string]bool, len(frame.Objects))
		for _, o := range frame.Objects {
			labels[o.Name] = true
		}
		if prev != nil && disjoint(prev, labels) {
			changes = append(changes, frame.FrameIdx)
		}
		prev = labels
	}
	return changes
}

func disjoint(a, b map[string]bool) bool {
	for label := range b {
		if a[label] {
			return false
		}
	}
	return true
}
