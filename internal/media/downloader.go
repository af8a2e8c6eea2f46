package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// ErrVideoUnavailable marks a video yt-dlp can never fetch: deleted,
// private, or region locked. No retry schedule will make it appear.
var ErrVideoUnavailable = errors.New("video unavailable")

// unavailableMarkers are yt-dlp stderr fragments that identify a
// permanently unfetchable video.
var unavailableMarkers = []string{
	"Video unavailable",
	"This video is unavailable",
	"This video is private",
	"Private video",
	"has been removed",
	"account associated with this video has been terminated",
}

// classifyDownloadFailure maps known-permanent yt-dlp failures onto
// ErrVideoUnavailable; anything unrecognized stays nil and keeps the
// original error.
func classifyDownloadFailure(stderr string) error {
	for _, marker := range unavailableMarkers {
		if strings.Contains(stderr, marker) {
			return ErrVideoUnavailable
		}
	}
	return nil
}

// VideoMetadata is the subset of yt-dlp's metadata dump the pipeline uses.
type VideoMetadata struct {
	ID              string  `json:"id"`
	Title           string  `json:"title"`
	DurationSeconds float64 `json:"duration"`
	Uploader        string  `json:"uploader,omitempty"`
}

// Downloader fetches source videos with yt-dlp.
type Downloader struct {
	tools  *Tools
	logger *slog.Logger
}

// NewDownloader creates a Downloader over detected tools.
func NewDownloader(tools *Tools, logger *slog.Logger) *Downloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Downloader{tools: tools, logger: logger}
}

// watchURL builds the canonical watch URL for a video ID.
func watchURL(videoID string) string {
	return "https://www.youtube.com/watch?v=" + videoID
}

// Download fetches the video as MP4 to outPath.
func (d *Downloader) Download(ctx context.Context, videoID, outPath string) error {
	args := []string{
		"--no-playlist",
		"--no-progress",
		"-f", "mp4",
		"-o", outPath,
		watchURL(videoID),
	}

	cmd := exec.CommandContext(ctx, d.tools.YtdlpPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	d.logger.Info("downloading video", slog.String("video_id", videoID))

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting yt-dlp: %w", err)
	}

	monitor := NewProcessMonitor(cmd.Process.Pid, "download", d.logger)
	monitor.Start()
	defer monitor.Stop()

	if err := cmd.Wait(); err != nil {
		if cause := classifyDownloadFailure(stderr.String()); cause != nil {
			return fmt.Errorf("downloading %s: %w: %s", videoID, cause, stderrTail(stderr.String()))
		}
		return fmt.Errorf("downloading %s: %w: %s", videoID, err, stderrTail(stderr.String()))
	}
	return nil
}

// Metadata fetches video metadata without downloading the media.
func (d *Downloader) Metadata(ctx context.Context, videoID string) (*VideoMetadata, error) {
	cmd := exec.CommandContext(ctx, d.tools.YtdlpPath,
		"--no-playlist",
		"--dump-json",
		"--skip-download",
		watchURL(videoID),
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	output, err := cmd.Output()
	if err != nil {
		if cause := classifyDownloadFailure(stderr.String()); cause != nil {
			err = cause
		}
		return nil, fmt.Errorf("fetching metadata for %s: %w: %s",
			videoID, err, stderrTail(stderr.String()))
	}

	var meta VideoMetadata
	if err := json.Unmarshal(bytes.TrimSpace(output), &meta); err != nil {
		return nil, fmt.Errorf("parsing metadata for %s: %w", videoID, err)
	}
	if meta.Title == "" && meta.DurationSeconds == 0 {
		return nil, fmt.Errorf("empty metadata for %s", videoID)
	}
	meta.Title = strings.TrimSpace(meta.Title)
	return &meta, nil
}
