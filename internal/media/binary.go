// Package media wraps the external tools the pipeline shells out to:
// ffmpeg and ffprobe for audio and frame extraction, yt-dlp for downloading
// source videos. All invocations are context-bound and report resource usage
// through a process monitor.
package media

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Environment variables overriding binary discovery.
const (
	EnvFFmpegBinary  = "ADSCRIBE_FFMPEG_BINARY"
	EnvFFprobeBinary = "ADSCRIBE_FFPROBE_BINARY"
	EnvYtdlpBinary   = "ADSCRIBE_YTDLP_BINARY"
)

// Tools holds resolved paths for the external binaries.
type Tools struct {
	FFmpegPath  string `json:"ffmpeg_path"`
	FFprobePath string `json:"ffprobe_path"`
	YtdlpPath   string `json:"ytdlp_path"`

	FFmpegVersion string `json:"ffmpeg_version"`
	MajorVersion  int    `json:"major_version"`
	MinorVersion  int    `json:"minor_version"`
}

// Detector locates the external binaries and caches the result.
type Detector struct {
	mu           sync.RWMutex
	tools        *Tools
	lastDetected time.Time
	cacheTTL     time.Duration
}

// NewDetector creates a binary detector.
func NewDetector() *Detector {
	return &Detector{cacheTTL: 5 * time.Minute}
}

// WithCacheTTL sets the cache TTL for binary detection.
func (d *Detector) WithCacheTTL(ttl time.Duration) *Detector {
	d.cacheTTL = ttl
	return d
}

// Detect resolves the tool paths. ffmpeg, ffprobe, and yt-dlp are all
// required; the pipeline cannot run without any of them.
func (d *Detector) Detect(ctx context.Context) (*Tools, error) {
	d.mu.RLock()
	if d.tools != nil && time.Since(d.lastDetected) < d.cacheTTL {
		tools := d.tools
		d.mu.RUnlock()
		return tools, nil
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.tools != nil && time.Since(d.lastDetected) < d.cacheTTL {
		return d.tools, nil
	}

	tools, err := detect(ctx)
	if err != nil {
		return nil, err
	}

	d.tools = tools
	d.lastDetected = time.Now()
	return tools, nil
}

// Clear drops the cached tool paths.
func (d *Detector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tools = nil
}

func detect(ctx context.Context) (*Tools, error) {
	tools := &Tools{}

	ffmpegPath, err := findBinary("ffmpeg", EnvFFmpegBinary)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	tools.FFmpegPath = ffmpegPath

	ffprobePath, err := findBinary("ffprobe", EnvFFprobeBinary)
	if err != nil {
		return nil, fmt.Errorf("ffprobe not found: %w", err)
	}
	tools.FFprobePath = ffprobePath

	ytdlpPath, err := findBinary("yt-dlp", EnvYtdlpBinary)
	if err != nil {
		return nil, fmt.Errorf("yt-dlp not found: %w", err)
	}
	tools.YtdlpPath = ytdlpPath

	version, major, minor, err := ffmpegVersion(ctx, ffmpegPath)
	if err != nil {
		return nil, fmt.Errorf("getting ffmpeg version: %w", err)
	}
	tools.FFmpegVersion = version
	tools.MajorVersion = major
	tools.MinorVersion = minor

	return tools, nil
}

var versionRegex = regexp.MustCompile(`^n?(\d+)\.(\d+)`)

// ffmpegVersion parses "ffmpeg version 6.0 ..." from ffmpeg -version.
func ffmpegVersion(ctx context.Context, ffmpegPath string) (string, int, int, error) {
	cmd := exec.CommandContext(ctx, ffmpegPath, "-version")
	output, err := cmd.Output()
	if err != nil {
		return "", 0, 0, err
	}

	for _, line := range strings.Split(string(output), "\n") {
		if !strings.HasPrefix(line, "ffmpeg version") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 3 {
			break
		}
		full := parts[2]
		var major, minor int
		if matches := versionRegex.FindStringSubmatch(full); len(matches) >= 3 {
			major, _ = strconv.Atoi(matches[1])
			minor, _ = strconv.Atoi(matches[2])
		}
		return full, major, minor, nil
	}
	return "", 0, 0, fmt.Errorf("failed to parse ffmpeg version")
}

// findBinary resolves a binary: env override, then ./name, then PATH.
func findBinary(name, envVar string) (string, error) {
	if envVar != "" {
		if envPath := os.Getenv(envVar); envPath != "" {
			if isExecutable(envPath) {
				return envPath, nil
			}
		}
	}

	localPath := "./" + name
	if isExecutable(localPath) {
		return localPath, nil
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}
	return "", fmt.Errorf("binary %s not found", name)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0111 != 0
}
