package keyframeselection

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"

	"golang.org/x/image/draw"
)

const (
	// thumbSize is the side of the downscaled square the histogram reads;
	// full frames carry no extra signal for shot-change detection.
	thumbSize = 64

	// histogramBins buckets the grayscale range.
	histogramBins = 64
)

// frameHistogram loads a frame image and returns its normalized grayscale
// histogram.
func frameHistogram(path string) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening frame %s: %w", path, err)
	}
	defer f.Close()

	img, err := jpeg.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding frame %s: %w", path, err)
	}

	thumb := image.NewGray(image.Rect(0, 0, thumbSize, thumbSize))
	draw.ApproxBiLinear.Scale(thumb, thumb.Bounds(), img, img.Bounds(), draw.Src, nil)

	hist := make([]float64, histogramBins)
	for _, px := range thumb.Pix {
		hist[int(px)*histogramBins/256]++
	}
	total := float64(len(thumb.Pix))
	for i := range hist {
		hist[i] /= total
	}
	return hist, nil
}
