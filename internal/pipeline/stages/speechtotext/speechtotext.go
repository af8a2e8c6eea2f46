// Package speechtotext transcribes the audio track and derives dialogue
// timestamps so generated descriptions can avoid speaking over the video.
package speechtotext

import (
	"context"
	"fmt"
	"strings"

	"github.com/adscribe/adscribe/internal/gcloud"
	"github.com/adscribe/adscribe/internal/pipeline/core"
	"github.com/adscribe/adscribe/internal/pipeline/shared"
)

// utteranceGap is the silence, in seconds, that splits two words into
// separate dialogue segments.
const utteranceGap = 1.0

// BlobStore stages the audio file where the recognizer can read it.
type BlobStore interface {
	Upload(ctx context.Context, localPath, objectName string) (string, error)
	Delete(ctx context.Context, objectName string) error
}

// Recognizer transcribes an uploaded audio object into timed words.
type Recognizer interface {
	RecognizeURI(ctx context.Context, uri string) ([]gcloud.Word, error)
}

// Dialogue is one contiguous spoken segment.
type Dialogue struct {
	SequenceNum int     `json:"sequence_num"`
	StartTime   float64 `json:"start_time"`
	EndTime     float64 `json:"end_time"`
	Duration    float64 `json:"duration"`
	Text        string  `json:"text"`
}

// Output is the speech_to_text stage output.
type Output struct {
	DialogueTimestamps []Dialogue `json:"dialogue_timestamps"`
	Transcript         string     `json:"transcript"`
}

// Stage implements speech_to_text.
type Stage struct {
	shared.BaseStage
	blobs      BlobStore
	recognizer Recognizer
}

// New creates the speech_to_text stage.
func New(blobs BlobStore, recognizer Recognizer) *Stage {
	return &Stage{
		BaseStage:  shared.NewBaseStage(core.StageSpeechToText, "Speech To Text", core.StageExtractAudio),
		blobs:      blobs,
		recognizer: recognizer,
	}
}

// Execute uploads the audio, runs long-running recognition, and groups the
// timed words into dialogue segments. The uploaded object is deleted once
// recognition finishes; it only exists to give the recognizer a URI.
func (s *Stage) Execute(ctx context.Context, state *core.State) ([]byte, error) {
	objectName := fmt.Sprintf("%s/audio.flac", state.Job.ArtifactDirName())

	uri, err := s.blobs.Upload(ctx, state.AudioPath(), objectName)
	if err != nil {
		return nil, fmt.Errorf("uploading audio: %w", err)
	}
	defer func() {
		if err := s.blobs.Delete(context.WithoutCancel(ctx), objectName); err != nil {
			state.Logger.Warn("deleting staged audio failed", "object", objectName, "error", err)
		}
	}()

	words, err := s.recognizer.RecognizeURI(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("recognizing speech: %w", err)
	}

	// Recognition times are relative to the trimmed audio; shift them back
	// onto the source video's clock, matching the frame timestamps.
	offset := 0.0
	if state.Job.StartTime != nil {
		offset = *state.Job.StartTime
	}

	segments := groupWords(words, offset)
	state.Logger.Info("speech recognized",
		"words", len(words), "dialogue_segments", len(segments))

	return core.EncodeOutput(Output{
		DialogueTimestamps: segments,
		Transcript:         transcript(words),
	})
}

// groupWords merges consecutive words into dialogue segments, splitting
// where the gap between words exceeds utteranceGap. offset shifts every
// timestamp by the job's trim window start.
func groupWords(words []gcloud.Word, offset float64) []Dialogue {
	segments := []Dialogue{}
	var texts []string

	for _, w := range words {
		last := len(segments) - 1
		if last >= 0 && offset+w.StartSeconds-segments[last].EndTime < utteranceGap {
			segments[last].EndTime = offset + w.EndSeconds
			texts = append(texts, w.Word)
			segments[last].Text = strings.Join(texts, " ")
			continue
		}
		texts = []string{w.Word}
		segments = append(segments, Dialogue{
			SequenceNum: len(segments),
			StartTime:   offset + w.StartSeconds,
			EndTime:     offset + w.EndSeconds,
			Text:        w.Word,
		})
	}

	for i := range segments {
		segments[i].Duration = segments[i].EndTime - segments[i].StartTime
	}
	return segments
}

func transcript(words []gcloud.Word) string {
	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = w.Word
	}
	return strings.Join(parts, " ")
}
