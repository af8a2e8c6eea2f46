// Package imagecaptioning generates a caption for every keyframe. Inference
// calls are the most expensive part of the pipeline, so progress is
// checkpointed per keyframe and a restarted run resumes where it left off.
package imagecaptioning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/adscribe/adscribe/internal/pipeline/core"
	"github.com/adscribe/adscribe/internal/pipeline/shared"
	"github.com/adscribe/adscribe/internal/pipeline/stages/keyframeselection"
)

// unknownToken marks a caption the model could not ground; such captions
// are dropped rather than rated.
const unknownToken = "<unk>"

// Captioner generates a caption for one frame image. Implementations hold
// the captioning service's single request slot for the duration of the call.
type Captioner interface {
	Caption(ctx context.Context, imagePath string) (string, error)
}

// Caption is one generated keyframe caption.
type Caption struct {
	FrameIdx int     `json:"frame_idx"`
	TsS      float64 `json:"ts_s"`
	Caption  string  `json:"caption"`
}

// Output is the image_captioning stage output.
type Output struct {
	Captions []Caption `json:"captions"`
}

// checkpoint is the stage-private resume record: how many keyframes are
// finished and what they produced.
type checkpoint struct {
	NextPos  int       `json:"next_pos"`
	Captions []Caption `json:"captions"`
}

// Stage implements image_captioning.
type Stage struct {
	shared.BaseStage
	captioner Captioner
}

// New creates the image_captioning stage.
func New(captioner Captioner) *Stage {
	return &Stage{
		BaseStage: shared.NewBaseStage(core.StageImageCaptioning, "Image Captioning", core.StageKeyframeSelection),
		captioner: captioner,
	}
}

// Execute captions each keyframe in order, saving a checkpoint after every
// call so completed inference is never repeated across restarts.
func (s *Stage) Execute(ctx context.Context, state *core.State) ([]byte, error) {
	selected, err := core.DecodeOutput[keyframeselection.Output](ctx, state, core.StageKeyframeSelection)
	if err != nil {
		return nil, err
	}
	if len(selected.Keyframes) == 0 {
		return nil, core.Invariantf("keyframe_selection is done but selected no keyframes")
	}

	cp, err := s.loadCheckpoint(ctx, state)
	if err != nil {
		return nil, err
	}
	if cp.NextPos > 0 {
		state.Logger.Info("resuming captioning from checkpoint",
			"done", cp.NextPos, "total", len(selected.Keyframes))
	}

	for pos := cp.NextPos; pos < len(selected.Keyframes); pos++ {
		kf := selected.Keyframes[pos]

		text, err := s.captioner.Caption(ctx, state.FramePath(kf.FrameIdx))
		if err != nil {
			return nil, fmt.Errorf("captioning frame %d: %w", kf.FrameIdx, err)
		}

		if strings.Contains(text, unknownToken) {
			state.Logger.Debug("dropping ungrounded caption", "frame_idx", kf.FrameIdx)
		} else {
			cp.Captions = append(cp.Captions, Caption{
				FrameIdx: kf.FrameIdx,
				TsS:      kf.TsS,
				Caption:  text,
			})
		}

		cp.NextPos = pos + 1
		if err := s.saveCheckpoint(ctx, state, cp); err != nil {
			return nil, err
		}
	}

	state.Logger.Info("captioning finished",
		"keyframes", len(selected.Keyframes), "captions", len(cp.Captions))
	return core.EncodeOutput(Output{Captions: cp.Captions})
}

func (s *Stage) loadCheckpoint(ctx context.Context, state *core.State) (checkpoint, error) {
	var cp checkpoint
	if state.Checkpoints == nil {
		return cp, nil
	}
	blob, err := state.Checkpoints.LoadCheckpoint(ctx, s.ID())
	if err != nil {
		return cp, fmt.Errorf("loading captioning checkpoint: %w", err)
	}
	if len(blob) == 0 {
		return cp, nil
	}
	if err := json.Unmarshal(blob, &cp); err != nil {
		// A corrupt checkpoint only costs redone inference.
		state.Logger.Warn("discarding unreadable captioning checkpoint", "error", err)
		return checkpoint{}, nil
	}
	return cp, nil
}

func (s *Stage) saveCheckpoint(ctx context.Context, state *core.State, cp checkpoint) error {
	if state.Checkpoints == nil {
		return nil
	}
	blob, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encoding captioning checkpoint: %w", err)
	}
	if err := state.Checkpoints.SaveCheckpoint(ctx, s.ID(), blob); err != nil {
		return fmt.Errorf("saving captioning checkpoint: %w", err)
	}
	return nil
}
