// Package services implements the HTTP contracts of the three inference
// services. Every call acquires a slot from the service pool first, so the
// captioning single-flight policy is enforced here and cannot be bypassed
// by a stage.
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/adscribe/adscribe/internal/httpclient"
	"github.com/adscribe/adscribe/internal/pipeline/core"
	"github.com/adscribe/adscribe/internal/pool"
)

// classifyStatus marks 4xx responses non-retryable. A request the service
// rejects as malformed or unauthorized will be rejected again on every
// retry; only server-side failures stay transient.
func classifyStatus(err error) error {
	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) &&
		statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 {
		return core.Fatal(err)
	}
	return err
}

// CaptionClient posts a frame to the captioning service and returns the
// generated caption.
type CaptionClient struct {
	pool   *pool.Pool
	client *httpclient.Client
}

// NewCaptionClient creates a CaptionClient.
func NewCaptionClient(p *pool.Pool, c *httpclient.Client) *CaptionClient {
	return &CaptionClient{pool: p, client: c}
}

// Caption generates a caption for one frame image. The call holds the single
// caption slot for its full duration.
func (c *CaptionClient) Caption(ctx context.Context, imagePath string) (string, error) {
	lease, err := c.pool.Acquire(ctx, pool.ServiceCaption)
	if err != nil {
		return "", err
	}
	defer lease.Release()

	body, contentType, err := multipartImage(imagePath, lease.Token())
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(lease.URL(), "/")+"/upload", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating caption request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling caption service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", classifyStatus(&httpclient.StatusError{StatusCode: resp.StatusCode, Body: readSnippet(resp.Body)})
	}

	var out struct {
		Caption string `json:"caption"`
	}
	if err := decodeJSON(resp.Body, &out); err != nil {
		return "", fmt.Errorf("decoding caption response: %w", err)
	}
	return strings.TrimSpace(out.Caption), nil
}

// multipartImage builds a multipart body with the image file and token.
func multipartImage(imagePath, token string) ([]byte, string, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, "", fmt.Errorf("opening %s: %w", imagePath, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("image", imagePath)
	if err != nil {
		return nil, "", fmt.Errorf("building multipart body: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("copying image: %w", err)
	}
	if token != "" {
		if err := w.WriteField("token", token); err != nil {
			return nil, "", fmt.Errorf("writing token field: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("closing multipart body: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

// RatingClient scores a caption against its frame.
type RatingClient struct {
	pool   *pool.Pool
	client *httpclient.Client
}

// NewRatingClient creates a RatingClient.
func NewRatingClient(p *pool.Pool, c *httpclient.Client) *RatingClient {
	return &RatingClient{pool: p, client: c}
}

// Rate scores a caption; the service answers with the bare number as text.
func (r *RatingClient) Rate(ctx context.Context, imageURL, caption string) (float64, error) {
	lease, err := r.pool.Acquire(ctx, pool.ServiceRating)
	if err != nil {
		return 0, err
	}
	defer lease.Release()

	form := url.Values{}
	form.Set("img_url", imageURL)
	form.Set("caption", caption)
	if lease.Token() != "" {
		form.Set("token", lease.Token())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(lease.URL(), "/")+"/api", strings.NewReader(form.Encode()))
	if err != nil {
		return 0, fmt.Errorf("creating rating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("calling rating service: %w", err)
	}
	defer resp.Body.Close()

	body := readSnippet(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, classifyStatus(&httpclient.StatusError{StatusCode: resp.StatusCode, Body: body})
	}

	score, err := strconv.ParseFloat(strings.TrimSpace(body), 64)
	if err != nil {
		return 0, fmt.Errorf("parsing rating %q: %w", body, err)
	}
	return score, nil
}

// FrameConfidence is one detected object on one frame.
type FrameConfidence struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// FrameDetections holds the detections for one frame.
type FrameDetections struct {
	FrameNumber int               `json:"frame_number"`
	Confidences []FrameConfidence `json:"confidences"`
}

// DetectClient runs object detection over batches of frame files.
type DetectClient struct {
	pool   *pool.Pool
	client *httpclient.Client
}

// NewDetectClient creates a DetectClient.
func NewDetectClient(p *pool.Pool, c *httpclient.Client) *DetectClient {
	return &DetectClient{pool: p, client: c}
}

// DetectBatch detects objects in a batch of frame files.
func (d *DetectClient) DetectBatch(ctx context.Context, filePaths []string, threshold float64) ([]FrameDetections, error) {
	lease, err := d.pool.Acquire(ctx, pool.ServiceDetect)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	var out struct {
		Results []FrameDetections `json:"results"`
	}
	err = d.client.PostJSON(ctx,
		strings.TrimRight(lease.URL(), "/")+"/detect_multiple_files",
		lease.Token(),
		map[string]any{"files_path": filePaths, "threshold": threshold},
		&out,
	)
	if err != nil {
		return nil, fmt.Errorf("calling detect service: %w", classifyStatus(err))
	}
	return out.Results, nil
}

func readSnippet(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, 512))
	return strings.TrimSpace(string(body))
}

func decodeJSON(r io.Reader, out any) error {
	data, err := io.ReadAll(io.LimitReader(r, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
