// Package extractaudio strips the audio track into the stereo 48 kHz FLAC
// file the speech recognizer expects.
package extractaudio

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/adscribe/adscribe/internal/pipeline/core"
	"github.com/adscribe/adscribe/internal/pipeline/shared"
)

// Audio output format constants, mirrored in the speech recognizer config.
const (
	sampleRateHz = 48000
	channelCount = 2
)

// Extractor transcodes the audio track of a video file.
type Extractor interface {
	ExtractAudio(ctx context.Context, videoPath, audioPath string) error
}

// Output is the extract_audio stage output.
type Output struct {
	AudioPath  string `json:"audio_path"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	SizeBytes  int64  `json:"size_bytes"`
}

// Stage implements extract_audio.
type Stage struct {
	shared.BaseStage
	extractor Extractor
	timeout   time.Duration
}

// New creates the extract_audio stage. timeout bounds one ffmpeg run; zero
// means no bound beyond the run context.
func New(extractor Extractor, timeout time.Duration) *Stage {
	return &Stage{
		BaseStage: shared.NewBaseStage(core.StageExtractAudio, "Extract Audio", core.StageImportVideo),
		extractor: extractor,
		timeout:   timeout,
	}
}

// Execute transcodes the job's video into audio.flac inside the artifact dir.
// A hung ffmpeg is killed at the wall-clock timeout and surfaces as a
// transient failure for the retry schedule.
func (s *Stage) Execute(ctx context.Context, state *core.State) ([]byte, error) {
	if _, err := os.Stat(state.VideoPath()); err != nil {
		return nil, core.Invariantf("import_video is done but %s is missing: %v", state.VideoPath(), err)
	}

	runCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	audioPath := state.AudioPath()
	if err := s.extractor.ExtractAudio(runCtx, state.VideoPath(), audioPath); err != nil {
		if runCtx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("audio extraction timed out after %s: %w", s.timeout, err)
		}
		return nil, fmt.Errorf("extracting audio: %w", err)
	}

	info, err := os.Stat(audioPath)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", audioPath, err)
	}
	if info.Size() == 0 {
		return nil, core.Fatalf("extracted audio %s is empty", audioPath)
	}

	return core.EncodeOutput(Output{
		AudioPath:  audioPath,
		SampleRate: sampleRateHz,
		Channels:   channelCount,
		SizeBytes:  info.Size(),
	})
}
