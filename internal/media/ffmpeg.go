package media

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// FramePattern is the file name pattern for sampled frames; ffmpeg numbers
// them starting at 1.
const FramePattern = "frame_%d.jpg"

// FFmpeg runs audio and frame extraction through the ffmpeg binary.
type FFmpeg struct {
	tools  *Tools
	logger *slog.Logger
}

// NewFFmpeg creates an FFmpeg wrapper over detected tools.
func NewFFmpeg(tools *Tools, logger *slog.Logger) *FFmpeg {
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpeg{tools: tools, logger: logger}
}

// AdaptiveFrameRate picks the sampling rate for a video. Short videos keep
// the configured rate; mid-length videos step down to bound the frame count.
func AdaptiveFrameRate(durationSeconds float64, defaultRate int) int {
	if defaultRate < 1 {
		defaultRate = 1
	}
	switch {
	case durationSeconds <= 60:
		return defaultRate
	case durationSeconds <= 300:
		return maxInt(1, defaultRate-1)
	case durationSeconds <= 900:
		return maxInt(1, defaultRate-2)
	default:
		return maxInt(1, int(durationSeconds/300))
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ExtractAudio transcodes the video's audio track to stereo 48 kHz FLAC,
// the shape the speech recognizer is configured for.
func (f *FFmpeg) ExtractAudio(ctx context.Context, videoPath, audioPath string) error {
	args := []string{
		"-y",
		"-i", videoPath,
		"-vn",
		"-acodec", "flac",
		"-ar", "48000",
		"-ac", "2",
		audioPath,
	}
	return f.run(ctx, "extract_audio", args)
}

// Trim transcodes the window [start, end] of a video into outPath. Seeking
// happens after the input so the cut lands on exact timestamps rather than
// the nearest keyframe.
func (f *FFmpeg) Trim(ctx context.Context, videoPath, outPath string, start, end *float64) error {
	return f.run(ctx, "trim", buildTrimArgs(videoPath, outPath, start, end))
}

// buildTrimArgs constructs the ffmpeg argument list for a trim transcode.
func buildTrimArgs(videoPath, outPath string, start, end *float64) []string {
	args := []string{"-y", "-i", videoPath}
	if start != nil {
		args = append(args, "-ss", formatSeconds(*start))
	}
	if end != nil {
		args = append(args, "-to", formatSeconds(*end))
	}
	return append(args, "-c:v", "libx264", "-c:a", "aac", outPath)
}

// FrameRequest describes one frame sampling pass.
type FrameRequest struct {
	VideoPath string
	OutputDir string
	// Rate is frames sampled per second of video.
	Rate int
	// StartSeconds and EndSeconds bound sampling to a trim window.
	StartSeconds *float64
	EndSeconds   *float64
}

// buildFrameArgs constructs the ffmpeg argument list for a FrameRequest.
func buildFrameArgs(req FrameRequest) []string {
	args := []string{"-y"}
	if req.StartSeconds != nil {
		args = append(args, "-ss", formatSeconds(*req.StartSeconds))
	}
	if req.EndSeconds != nil {
		args = append(args, "-to", formatSeconds(*req.EndSeconds))
	}
	args = append(args,
		"-i", req.VideoPath,
		"-vf", fmt.Sprintf("fps=%d", req.Rate),
		"-qscale:v", "2",
		filepath.Join(req.OutputDir, FramePattern),
	)
	return args
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', -1, 64)
}

// ExtractFrames samples frames into req.OutputDir and returns the sampled
// frame file names in index order.
func (f *FFmpeg) ExtractFrames(ctx context.Context, req FrameRequest) ([]string, error) {
	if req.Rate < 1 {
		return nil, fmt.Errorf("frame rate must be positive, got %d", req.Rate)
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating frames dir: %w", err)
	}

	if err := f.run(ctx, "extract_frames", buildFrameArgs(req)); err != nil {
		return nil, err
	}
	return listFrames(req.OutputDir)
}

// listFrames returns frame files sorted by frame index.
func listFrames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading frames dir: %w", err)
	}

	type indexed struct {
		name string
		idx  int
	}
	var frames []indexed
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		idx, ok := frameIndex(entry.Name())
		if !ok {
			continue
		}
		frames = append(frames, indexed{name: entry.Name(), idx: idx})
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i].idx < frames[j].idx })

	names := make([]string, len(frames))
	for i, fr := range frames {
		names[i] = fr.name
	}
	return names, nil
}

// frameIndex parses the numeric index out of a frame file name.
func frameIndex(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, "frame_")
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, ".jpg")
	if !ok {
		return 0, false
	}
	idx, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return idx, true
}

// run executes ffmpeg with a process monitor attached, keeping the stderr
// tail for error reporting.
func (f *FFmpeg) run(ctx context.Context, operation string, args []string) error {
	cmd := exec.CommandContext(ctx, f.tools.FFmpegPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	f.logger.Debug("running ffmpeg",
		slog.String("operation", operation),
		slog.String("args", strings.Join(args, " ")),
	)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting ffmpeg %s: %w", operation, err)
	}

	monitor := NewProcessMonitor(cmd.Process.Pid, operation, f.logger)
	monitor.Start()
	defer monitor.Stop()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg %s failed: %w: %s", operation, err, stderrTail(stderr.String()))
	}
	return nil
}

// stderrTail keeps the last few lines of tool output for error messages.
func stderrTail(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > 5 {
		lines = lines[len(lines)-5:]
	}
	return strings.Join(lines, "; ")
}
