// Package captionrating scores every generated caption and keeps the ones
// that clear the quality threshold.
package captionrating

import (
	"context"
	"fmt"

	"github.com/adscribe/adscribe/internal/pipeline/core"
	"github.com/adscribe/adscribe/internal/pipeline/shared"
	"github.com/adscribe/adscribe/internal/pipeline/stages/imagecaptioning"
)

// Rater scores one caption against its frame image.
type Rater interface {
	Rate(ctx context.Context, imageURL, caption string) (float64, error)
}

// Rated is one caption with its quality score.
type Rated struct {
	FrameIdx int     `json:"frame_idx"`
	TsS      float64 `json:"ts_s"`
	Caption  string  `json:"caption"`
	Rating   float64 `json:"rating"`
}

// Output is the caption_rating stage output. Rated carries every score for
// inspection; Kept is the subset downstream stages consume.
type Output struct {
	Rated []Rated `json:"rated"`
	Kept  []Rated `json:"kept"`
}

// Stage implements caption_rating.
type Stage struct {
	shared.BaseStage
	rater     Rater
	threshold float64
}

// New creates the caption_rating stage. Captions scoring below threshold
// are dropped.
func New(rater Rater, threshold float64) *Stage {
	return &Stage{
		BaseStage: shared.NewBaseStage(core.StageCaptionRating, "Caption Rating",
			core.StageImageCaptioning, core.StageObjectDetection),
		rater:     rater,
		threshold: threshold,
	}
}

// Execute scores each caption in keyframe order and filters by threshold.
func (s *Stage) Execute(ctx context.Context, state *core.State) ([]byte, error) {
	captioned, err := core.DecodeOutput[imagecaptioning.Output](ctx, state, core.StageImageCaptioning)
	if err != nil {
		return nil, err
	}

	out := Output{Rated: []Rated{}, Kept: []Rated{}}
	for _, c := range captioned.Captions {
		score, err := s.rater.Rate(ctx, state.FramePath(c.FrameIdx), c.Caption)
		if err != nil {
			return nil, fmt.Errorf("rating caption for frame %d: %w", c.FrameIdx, err)
		}

		rated := Rated{FrameIdx: c.FrameIdx, TsS: c.TsS, Caption: c.Caption, Rating: score}
		out.Rated = append(out.Rated, rated)
		if score >= s.threshold {
			out.Kept = append(out.Kept, rated)
		}
	}

	state.Logger.Info("captions rated",
		"rated", len(out.Rated), "kept", len(out.Kept), "threshold", s.threshold)
	return core.EncodeOutput(out)
}
