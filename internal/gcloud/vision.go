package gcloud

import (
	"context"
	"fmt"
	"os"
	"strings"

	vision "cloud.google.com/go/vision/apiv1"
)

// maxTextResults bounds how many text annotations are requested per frame.
const maxTextResults = 20

// VisionClient runs OCR over sampled frames.
type VisionClient struct {
	client *vision.ImageAnnotatorClient
}

// NewVisionClient creates a Vision client.
func NewVisionClient(ctx context.Context, credentialsFile string) (*VisionClient, error) {
	client, err := vision.NewImageAnnotatorClient(ctx, clientOptions(credentialsFile)...)
	if err != nil {
		return nil, fmt.Errorf("creating vision client: %w", err)
	}
	return &VisionClient{client: client}, nil
}

// Close releases the underlying connection.
func (v *VisionClient) Close() error {
	return v.client.Close()
}

// DetectText returns the text lines found in one frame image.
func (v *VisionClient) DetectText(ctx context.Context, imagePath string) ([]string, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", imagePath, err)
	}
	defer f.Close()

	img, err := vision.NewImageFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", imagePath, err)
	}

	annotations, err := v.client.DetectTexts(ctx, img, nil, maxTextResults)
	if err != nil {
		return nil, fmt.Errorf("detecting text in %s: %w", imagePath, err)
	}
	if len(annotations) == 0 {
		return nil, nil
	}

	// The first annotation holds the full detected block; split it into
	// lines rather than using the per-word annotations that follow.
	var lines []string
	for _, line := range strings.Split(annotations[0].GetDescription(), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}
