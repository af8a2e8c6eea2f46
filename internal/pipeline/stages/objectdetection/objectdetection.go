// Package objectdetection runs the detection service over every sampled
// frame in fixed-size batches and records the per-frame object table the
// scene segmenter builds its feature vectors from.
package objectdetection

import (
	"context"
	"sort"

	"github.com/adscribe/adscribe/internal/pipeline/core"
	"github.com/adscribe/adscribe/internal/pipeline/shared"
	"github.com/adscribe/adscribe/internal/pipeline/stages/frameextraction"
	"github.com/adscribe/adscribe/internal/services"
)

// batchSize is how many frames go into one detection request.
const batchSize = 100

// Detector runs object detection over a batch of frame files.
type Detector interface {
	DetectBatch(ctx context.Context, filePaths []string, threshold float64) ([]services.FrameDetections, error)
}

// Object is one detected object on one frame.
type Object struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// Frame holds the detections for one sampled frame.
type Frame struct {
	FrameIdx int      `json:"frame_idx"`
	TsS      float64  `json:"ts_s"`
	Objects  []Object `json:"objects"`
}

// Output is the object_detection stage output. Labels is the sorted union
// of every object name seen, fixing the column order of the per-frame table.
type Output struct {
	Labels    []string `json:"labels"`
	Frames    []Frame  `json:"frames"`
	Threshold float64  `json:"threshold"`
}

// Stage implements object_detection.
type Stage struct {
	shared.BaseStage
	detector  Detector
	threshold float64
}

// New creates the object_detection stage. threshold is the confidence floor
// passed through to the detection service.
func New(detector Detector, threshold float64) *Stage {
	return &Stage{
		BaseStage: shared.NewBaseStage(core.StageObjectDetection, "Object Detection", core.StageFrameExtraction),
		detector:  detector,
		threshold: threshold,
	}
}

// Execute detects objects on every sampled frame, batching requests so one
// giant video cannot produce an unbounded request body.
func (s *Stage) Execute(ctx context.Context, state *core.State) ([]byte, error) {
	frames, err := core.DecodeOutput[frameextraction.Output](ctx, state, core.StageFrameExtraction)
	if err != nil {
		return nil, err
	}

	byIdx := make(map[int][]Object, frames.NumFrames)
	for start := 1; start <= frames.NumFrames; start += batchSize {
		end := start + batchSize - 1
		if end > frames.NumFrames {
			end = frames.NumFrames
		}

		paths := make([]string, 0, end-start+1)
		for i := start; i <= end; i++ {
			paths = append(paths, state.FramePath(i))
		}

		results, err := s.detector.DetectBatch(ctx, paths, s.threshold)
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			// The service numbers frames within the batch starting at 1.
			idx := start + r.FrameNumber - 1
			objects := make([]Object, 0, len(r.Confidences))
			for _, c := range r.Confidences {
				objects = append(objects, Object{Name: c.Name, Confidence: c.Confidence})
			}
			byIdx[idx] = objects
		}
	}

	labelSet := make(map[string]bool)
	out := Output{Frames: make([]Frame, 0, frames.NumFrames), Threshold: s.threshold}
	for i := 1; i <= frames.NumFrames; i++ {
		objects := byIdx[i]
		if objects == nil {
			objects = []Object{}
		}
		for _, o := range objects {
			labelSet[o.Name] = true
		}
		out.Frames = append(out.Frames, Frame{
			FrameIdx: i,
			TsS:      shared.Timestamp(i, frames.FPS, state.Job.StartTime),
			Objects:  objects,
		})
	}

	out.Labels = make([]string, 0, len(labelSet))
	for label := range labelSet {
		out.Labels = append(out.Labels, label)
	}
	sort.Strings(out.Labels)

	state.Logger.Info("object detection finished",
		"frames", frames.NumFrames, "labels", len(out.Labels))
	return core.EncodeOutput(out)
}
