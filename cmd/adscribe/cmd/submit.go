package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/adscribe/adscribe/internal/httpclient"
)

var submitFlags struct {
	server     string
	videoID    string
	userID     string
	aiUserID   string
	ydxServer  string
	ydxAppHost string
	startTime  float64
	endTime    float64
	timeout    time.Duration
}

// submitCmd queues a description request against a running server.
var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue a video for description",
	Long: `Submit a description request to a running adscribe server.

The request is queued and processed asynchronously; use the server's
/ai_description_status endpoint to follow progress.`,
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)

	submitCmd.Flags().StringVar(&submitFlags.server, "server", "http://localhost:8086", "adscribe server base URL")
	submitCmd.Flags().StringVar(&submitFlags.videoID, "video-id", "", "YouTube video ID (required)")
	submitCmd.Flags().StringVar(&submitFlags.userID, "user-id", "", "requesting user ID (required)")
	submitCmd.Flags().StringVar(&submitFlags.aiUserID, "ai-user-id", "", "AI user identity (required)")
	submitCmd.Flags().StringVar(&submitFlags.ydxServer, "upload-to-server", "", "YDX backend base URL the description is uploaded to (required)")
	submitCmd.Flags().StringVar(&submitFlags.ydxAppHost, "ydx-app-host", "", "YDX web app host (required)")
	submitCmd.Flags().Float64Var(&submitFlags.startTime, "start-time", -1, "optional trim window start in seconds")
	submitCmd.Flags().Float64Var(&submitFlags.endTime, "end-time", -1, "optional trim window end in seconds")
	submitCmd.Flags().DurationVar(&submitFlags.timeout, "timeout", 30*time.Second, "request timeout")

	_ = submitCmd.MarkFlagRequired("video-id")
	_ = submitCmd.MarkFlagRequired("user-id")
	_ = submitCmd.MarkFlagRequired("ai-user-id")
	_ = submitCmd.MarkFlagRequired("upload-to-server")
	_ = submitCmd.MarkFlagRequired("ydx-app-host")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	body := map[string]any{
		"youtube_id":   submitFlags.videoID,
		"user_id":      submitFlags.userID,
		"AI_USER_ID":   submitFlags.aiUserID,
		"ydx_server":   submitFlags.ydxServer,
		"ydx_app_host": submitFlags.ydxAppHost,
	}
	if submitFlags.startTime >= 0 {
		body["video_start_time"] = submitFlags.startTime
	}
	if submitFlags.endTime >= 0 {
		body["video_end_time"] = submitFlags.endTime
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), submitFlags.timeout)
	defer cancel()

	client := httpclient.NewWithDefaults()
	var resp struct {
		Status   string `json:"status"`
		VideoID  string `json:"video_id"`
		AIUserID string `json:"ai_user_id"`
	}
	if err := client.PostJSON(ctx, submitFlags.server+"/generate_ai_caption", "", body, &resp); err != nil {
		return fmt.Errorf("submitting request: %w", err)
	}

	fmt.Printf("%s: %s for AI user %s\n", resp.Status, resp.VideoID, resp.AIUserID)
	return nil
}
