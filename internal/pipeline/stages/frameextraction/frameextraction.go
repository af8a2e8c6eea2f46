// Package frameextraction samples frames from the video at an adaptive
// rate, bounding the downstream inference workload for long videos.
package frameextraction

import (
	"context"
	"fmt"
	"math"

	"github.com/adscribe/adscribe/internal/media"
	"github.com/adscribe/adscribe/internal/pipeline/core"
	"github.com/adscribe/adscribe/internal/pipeline/shared"
	"github.com/adscribe/adscribe/internal/pipeline/stages/importvideo"
)

// Sampler extracts frames from a video file.
type Sampler interface {
	ExtractFrames(ctx context.Context, req media.FrameRequest) ([]string, error)
}

// Output is the frame_extraction stage output.
type Output struct {
	// FPS is the sampling rate actually used, frames per second of video.
	FPS int `json:"fps"`
	// Step is how many source frames sit between two samples.
	Step      int    `json:"step"`
	NumFrames int    `json:"num_frames"`
	FramesDir string `json:"frames_dir"`
}

// Stage implements frame_extraction.
type Stage struct {
	shared.BaseStage
	sampler     Sampler
	defaultRate int
}

// New creates the frame_extraction stage. defaultRate is the configured
// sampling rate before adaptation.
func New(sampler Sampler, defaultRate int) *Stage {
	return &Stage{
		BaseStage:   shared.NewBaseStage(core.StageFrameExtraction, "Frame Extraction", core.StageImportVideo),
		sampler:     sampler,
		defaultRate: defaultRate,
	}
}

// Execute samples frames into the frames dir at the adaptive rate. The
// video on disk is already trimmed to the job's window by import_video, so
// sampling always covers the whole file.
func (s *Stage) Execute(ctx context.Context, state *core.State) ([]byte, error) {
	imported, err := core.DecodeOutput[importvideo.Output](ctx, state, core.StageImportVideo)
	if err != nil {
		return nil, err
	}

	duration := imported.Duration
	rate := media.AdaptiveFrameRate(duration, s.defaultRate)
	state.Logger.Info("sampling frames",
		"duration_s", duration, "rate", rate, "default_rate", s.defaultRate)

	frames, err := s.sampler.ExtractFrames(ctx, media.FrameRequest{
		VideoPath: state.VideoPath(),
		OutputDir: state.FramesDir(),
		Rate:      rate,
	})
	if err != nil {
		return nil, fmt.Errorf("extracting frames: %w", err)
	}
	if len(frames) == 0 {
		return nil, core.Fatalf("no frames sampled from %s", state.VideoPath())
	}

	return core.EncodeOutput(Output{
		FPS:       rate,
		Step:      sourceStep(imported.FrameRate, rate),
		NumFrames: len(frames),
		FramesDir: state.FramesDir(),
	})
}

// sourceStep is the distance, in source frames, between two samples.
func sourceStep(videoFPS float64, rate int) int {
	if videoFPS <= 0 || rate <= 0 {
		return 1
	}
	step := int(math.Round(videoFPS / float64(rate)))
	if step < 1 {
		step = 1
	}
	return step
}
