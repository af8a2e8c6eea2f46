// Package uploadydx assembles the final audio description payload and
// delivers it to every subscriber's YDX server.
package uploadydx

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/adscribe/adscribe/internal/models"
	"github.com/adscribe/adscribe/internal/pipeline/core"
	"github.com/adscribe/adscribe/internal/pipeline/shared"
	"github.com/adscribe/adscribe/internal/pipeline/stages/importvideo"
	"github.com/adscribe/adscribe/internal/pipeline/stages/ocrextraction"
	"github.com/adscribe/adscribe/internal/pipeline/stages/speechtotext"
	"github.com/adscribe/adscribe/internal/pipeline/stages/textsummarization"
	"github.com/adscribe/adscribe/internal/ydx"
)

const (
	// preRollShift moves non-dialogue clips forward so the spoken
	// description starts just before what it describes.
	preRollShift = 1.0

	// mergeWindow collapses on-screen text clips closer together than
	// this many seconds.
	mergeWindow = 5.0
)

// Uploader delivers descriptions and user links to a YDX server.
type Uploader interface {
	PostDescription(ctx context.Context, server string, desc *ydx.Description) error
	GenerateUserLinks(ctx context.Context, server string, req ydx.UserLinkRequest) error
}

// SubscriberLister returns the subscribers waiting on a job.
type SubscriberLister interface {
	List(ctx context.Context, key models.JobKey) ([]*models.Subscriber, error)
}

// Output is the upload_to_ydx stage output: the payload that was sent and
// where it went.
type Output struct {
	Description *ydx.Description `json:"description"`
	UploadedTo  []string         `json:"uploaded_to"`
	Notified    []string         `json:"notified"`
}

// Stage implements upload_to_ydx.
type Stage struct {
	shared.BaseStage
	uploader    Uploader
	subscribers SubscriberLister
}

// New creates the upload_to_ydx stage.
func New(uploader Uploader, subscribers SubscriberLister) *Stage {
	return &Stage{
		BaseStage: shared.NewBaseStage(core.StageUploadToYdx, "Upload To YDX",
			core.StageTextSummarization, core.StageSpeechToText,
			core.StageOCRExtraction, core.StageImportVideo),
		uploader:    uploader,
		subscribers: subscribers,
	}
}

// Execute builds the description payload and posts it to each subscriber's
// server, then asks each server to notify its user.
func (s *Stage) Execute(ctx context.Context, state *core.State) ([]byte, error) {
	imported, err := core.DecodeOutput[importvideo.Output](ctx, state, core.StageImportVideo)
	if err != nil {
		return nil, err
	}
	summaries, err := core.DecodeOutput[textsummarization.Output](ctx, state, core.StageTextSummarization)
	if err != nil {
		return nil, err
	}
	speech, err := core.DecodeOutput[speechtotext.Output](ctx, state, core.StageSpeechToText)
	if err != nil {
		return nil, err
	}
	ocr, err := core.DecodeOutput[ocrextraction.Output](ctx, state, core.StageOCRExtraction)
	if err != nil {
		return nil, err
	}

	desc := buildDescription(state.Job, imported, summaries, speech, ocr)
	if len(desc.AudioClips) == 0 {
		return nil, core.Fatalf("no audio clips to upload for %s", state.Job.Key())
	}

	subs, err := s.subscribers.List(ctx, state.Key())
	if err != nil {
		return nil, fmt.Errorf("listing subscribers: %w", err)
	}
	if len(subs) == 0 {
		return nil, core.Invariantf("job %s reached upload with no subscribers", state.Job.Key())
	}

	out := Output{Description: desc}
	posted := map[string]bool{}
	for _, sub := range subs {
		// Several subscribers may share one server; post the payload once.
		if !posted[sub.YdxServer] {
			if err := s.uploader.PostDescription(ctx, sub.YdxServer, desc); err != nil {
				return nil, err
			}
			posted[sub.YdxServer] = true
			out.UploadedTo = append(out.UploadedTo, sub.YdxServer)
		}

		err := s.uploader.GenerateUserLinks(ctx, sub.YdxServer, ydx.UserLinkRequest{
			UserID:         sub.UserID,
			YoutubeVideoID: state.Job.VideoID,
			YdxAppHost:     sub.YdxAppHost,
			AIUserID:       state.Job.AIUserID,
		})
		if err != nil {
			return nil, err
		}
		out.Notified = append(out.Notified, sub.UserID)
	}

	state.Logger.Info("description uploaded",
		"servers", len(out.UploadedTo), "subscribers", len(out.Notified),
		"audio_clips", len(desc.AudioClips))
	return core.EncodeOutput(out)
}

// buildDescription merges scene summaries and on-screen text into the
// timeline payload the YDX backend expects.
func buildDescription(job *models.Job, imported importvideo.Output,
	summaries textsummarization.Output, speech speechtotext.Output,
	ocr ocrextraction.Output) *ydx.Description {

	var clips []ydx.AudioClip
	for _, s := range summaries.Summarized {
		if strings.TrimSpace(s.Text) == "" {
			continue
		}
		clips = append(clips, ydx.AudioClip{
			StartTime: shiftedStart(s.StartS),
			Text:      s.Text,
			Type:      ydx.ClipTypeVisual,
		})
	}
	clips = append(clips, mergeTextClips(ocr.FilteredOCR)...)

	sort.SliceStable(clips, func(i, j int) bool {
		return clips[i].StartTime < clips[j].StartTime
	})

	timestamps := make([]ydx.DialogueTimestamp, len(speech.DialogueTimestamps))
	for i, d := range speech.DialogueTimestamps {
		timestamps[i] = ydx.DialogueTimestamp{
			SequenceNum: d.SequenceNum,
			StartTime:   d.StartTime,
			EndTime:     d.EndTime,
			Duration:    d.Duration,
		}
	}

	return &ydx.Description{
		YoutubeID:          job.VideoID,
		AudioClips:         clips,
		VideoLength:        imported.Duration,
		VideoName:          imported.Title,
		DialogueTimestamps: timestamps,
		AIUserID:           job.AIUserID,
	}
}

// mergeTextClips turns OCR lines into Text on Screen clips, concatenating
// lines that appear within mergeWindow of each other.
func mergeTextClips(lines []ocrextraction.Line) []ydx.AudioClip {
	var clips []ydx.AudioClip
	for _, line := range lines {
		start := shiftedStart(line.TsS)
		last := len(clips) - 1
		if last >= 0 && start-clips[last].StartTime < mergeWindow {
			clips[last].Text += " " + line.Text
			continue
		}
		clips = append(clips, ydx.AudioClip{
			StartTime: start,
			Text:      line.Text,
			Type:      ydx.ClipTypeTextOnScreen,
		})
	}
	return clips
}

// shiftedStart applies the pre-roll shift to a non-dialogue clip.
func shiftedStart(ts float64) float64 {
	return ts + preRollShift
}
