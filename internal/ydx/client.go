// Package ydx talks to the YouDescribeX backend that receives finished
// descriptions and notifies the requesting users.
package ydx

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/adscribe/adscribe/internal/httpclient"
)

// Clip types accepted by the backend.
const (
	ClipTypeVisual       = "Visual"
	ClipTypeTextOnScreen = "Text on Screen"
)

// AudioClip is one description segment placed on the video timeline.
type AudioClip struct {
	StartTime float64 `json:"start_time"`
	Text      string  `json:"text"`
	Type      string  `json:"type"`
}

// DialogueTimestamp marks one spoken segment so the player can avoid
// speaking over the original audio.
type DialogueTimestamp struct {
	SequenceNum int     `json:"sequence_num"`
	StartTime   float64 `json:"start_time"`
	EndTime     float64 `json:"end_time"`
	Duration    float64 `json:"duration"`
}

// Description is the finished audio description for one video.
type Description struct {
	YoutubeID          string              `json:"youtube_id"`
	AudioClips         []AudioClip         `json:"audio_clips"`
	VideoLength        float64             `json:"video_length"`
	VideoName          string              `json:"video_name"`
	DialogueTimestamps []DialogueTimestamp `json:"dialogue_timestamps"`
	AIUserID           string              `json:"aiUserId"`
}

// UserLinkRequest asks the backend to generate the user-facing link for a
// finished description.
type UserLinkRequest struct {
	UserID         string `json:"userId"`
	YoutubeVideoID string `json:"youtubeVideoId"`
	YdxAppHost     string `json:"ydx_app_host"`
	AIUserID       string `json:"aiUserId"`
}

// Client posts finished descriptions to YDX servers. The server URL is a
// per-call argument because every subscriber may point at a different
// deployment.
type Client struct {
	http   *httpclient.Client
	logger *slog.Logger
}

// New creates a YDX client.
func New(http *httpclient.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{http: http, logger: logger}
}

// PostDescription uploads a finished description to one YDX server.
func (c *Client) PostDescription(ctx context.Context, server string, desc *Description) error {
	url := strings.TrimRight(server, "/") + "/api/audio-descriptions/newaidescription/"

	c.logger.Info("uploading description",
		slog.String("youtube_id", desc.YoutubeID),
		slog.String("server", server),
		slog.Int("audio_clips", len(desc.AudioClips)),
	)
	if err := c.http.PostJSON(ctx, url, "", desc, nil); err != nil {
		return fmt.Errorf("posting description to %s: %w", server, err)
	}
	return nil
}

// GenerateUserLinks asks one YDX server to build the notification link for
// the user who requested the description.
func (c *Client) GenerateUserLinks(ctx context.Context, server string, req UserLinkRequest) error {
	url := strings.TrimRight(server, "/") + "/api/create-user-links/generate-audio-desc-gpu"

	if err := c.http.PostJSON(ctx, url, "", req, nil); err != nil {
		return fmt.Errorf("generating user links on %s: %w", server, err)
	}
	return nil
}
