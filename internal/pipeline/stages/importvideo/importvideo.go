// Package importvideo downloads the source video, applies the job's trim
// window, and records the resulting metadata.
package importvideo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/adscribe/adscribe/internal/media"
	"github.com/adscribe/adscribe/internal/pipeline/core"
	"github.com/adscribe/adscribe/internal/pipeline/shared"
)

// Downloader fetches videos and their metadata from YouTube.
type Downloader interface {
	Download(ctx context.Context, videoID, outputPath string) error
	Metadata(ctx context.Context, videoID string) (*media.VideoMetadata, error)
}

// Prober reads container metadata from a downloaded file.
type Prober interface {
	Probe(ctx context.Context, path string) (*media.MediaInfo, error)
}

// Trimmer transcodes a trim window of a video into a new file.
type Trimmer interface {
	Trim(ctx context.Context, videoPath, outPath string, start, end *float64) error
}

// Output is the import_video stage output. Keys are normalized to lower
// case on write so downstream stages never guess at casing.
type Output struct {
	Duration  float64 `json:"duration"`
	Title     string  `json:"title"`
	FilePath  string  `json:"file_path"`
	FrameRate float64 `json:"fps"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
}

// Stage implements import_video.
type Stage struct {
	shared.BaseStage
	downloader      Downloader
	prober          Prober
	trimmer         Trimmer
	downloadTimeout time.Duration
}

// New creates the import_video stage. downloadTimeout bounds the yt-dlp
// run; zero means no bound beyond the run context.
func New(downloader Downloader, prober Prober, trimmer Trimmer, downloadTimeout time.Duration) *Stage {
	return &Stage{
		BaseStage:       shared.NewBaseStage(core.StageImportVideo, "Import Video"),
		downloader:      downloader,
		prober:          prober,
		trimmer:         trimmer,
		downloadTimeout: downloadTimeout,
	}
}

// Execute downloads the video (skipping the fetch when a previous attempt
// already left the file in place), trims it to the job's window, and probes
// the result. Every downstream stage then sees only the requested window.
func (s *Stage) Execute(ctx context.Context, state *core.State) ([]byte, error) {
	videoPath := state.VideoPath()

	if _, err := os.Stat(videoPath); os.IsNotExist(err) {
		if err := s.fetch(ctx, state, videoPath); err != nil {
			return nil, err
		}
	} else {
		state.Logger.Info("video already downloaded, skipping fetch", "path", videoPath)
	}

	info, err := s.prober.Probe(ctx, videoPath)
	if err != nil {
		return nil, fmt.Errorf("probing %s: %w", videoPath, err)
	}
	if info.DurationSeconds <= 0 {
		return nil, core.Fatalf("video %s has no playable duration", state.Job.VideoID)
	}

	title := info.Title
	if title == "" {
		meta, err := s.downloader.Metadata(ctx, state.Job.VideoID)
		if err != nil {
			state.Logger.Warn("metadata lookup failed, using video id as title", "error", err)
			title = state.Job.VideoID
		} else {
			title = meta.Title
		}
	}

	return core.EncodeOutput(Output{
		Duration:  info.DurationSeconds,
		Title:     title,
		FilePath:  videoPath,
		FrameRate: info.FrameRate,
		Width:     info.Width,
		Height:    info.Height,
	})
}

// fetch downloads into a staging file and moves the final cut to videoPath.
// videoPath only ever holds the trimmed video, so a crash between download
// and trim restarts cleanly instead of resuming with the wrong file.
func (s *Stage) fetch(ctx context.Context, state *core.State, videoPath string) error {
	job := state.Job
	staging := videoPath + ".download"

	dlCtx := ctx
	if s.downloadTimeout > 0 {
		var cancel context.CancelFunc
		dlCtx, cancel = context.WithTimeout(ctx, s.downloadTimeout)
		defer cancel()
	}

	state.Logger.Info("downloading video", "video_id", job.VideoID)
	if err := s.downloader.Download(dlCtx, job.VideoID, staging); err != nil {
		if errors.Is(err, media.ErrVideoUnavailable) {
			return core.Fatal(err)
		}
		return fmt.Errorf("downloading %s: %w", job.VideoID, err)
	}
	defer os.Remove(staging)

	if job.StartTime == nil && job.EndTime == nil {
		if err := os.Rename(staging, videoPath); err != nil {
			return fmt.Errorf("placing %s: %w", videoPath, err)
		}
		return nil
	}

	state.Logger.Info("trimming video to requested window", "video_id", job.VideoID)
	if err := s.trimmer.Trim(ctx, staging, videoPath, job.StartTime, job.EndTime); err != nil {
		return fmt.Errorf("trimming %s: %w", job.VideoID, err)
	}
	return nil
}
