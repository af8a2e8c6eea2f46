// Package ocrextraction OCRs the sampled frames, strips watermark text
// that persists across the video, and collapses near-duplicate lines.
package ocrextraction

import (
	"context"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"

	"github.com/adscribe/adscribe/internal/pipeline/core"
	"github.com/adscribe/adscribe/internal/pipeline/shared"
	"github.com/adscribe/adscribe/internal/pipeline/stages/frameextraction"
	"github.com/adscribe/adscribe/internal/textmetric"
)

const (
	// watermarkRatio marks text as a watermark when it shows up on more
	// than this share of frames.
	watermarkRatio = 0.6

	// dedupeSimilarity collapses a line into the previous kept line when
	// their edit similarity reaches this threshold.
	dedupeSimilarity = 0.8

	// ocrConcurrency bounds parallel OCR calls per job.
	ocrConcurrency = 4
)

// Detector reads the text lines visible in one frame image.
type Detector interface {
	DetectText(ctx context.Context, imagePath string) ([]string, error)
}

// Line is one surviving on-screen text occurrence.
type Line struct {
	FrameIdx int     `json:"frame_idx"`
	TsS      float64 `json:"ts_s"`
	Text     string  `json:"text"`
}

// Output is the ocr_extraction stage output.
type Output struct {
	FilteredOCR []Line   `json:"filtered_ocr"`
	Watermarks  []string `json:"watermarks"`
}

// Stage implements ocr_extraction.
type Stage struct {
	shared.BaseStage
	detector Detector
}

// New creates the ocr_extraction stage.
func New(detector Detector) *Stage {
	return &Stage{
		BaseStage: shared.NewBaseStage(core.StageOCRExtraction, "OCR Extraction", core.StageFrameExtraction),
		detector:  detector,
	}
}

// Execute OCRs every sampled frame, then filters watermarks and
// near-duplicates from the time-ordered line stream.
func (s *Stage) Execute(ctx context.Context, state *core.State) ([]byte, error) {
	frames, err := core.DecodeOutput[frameextraction.Output](ctx, state, core.StageFrameExtraction)
	if err != nil {
		return nil, err
	}
	if frames.NumFrames == 0 {
		return nil, core.Invariantf("frame_extraction is done but reports zero frames")
	}

	perFrame := make([][]string, frames.NumFrames)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ocrConcurrency)
	for i := 1; i <= frames.NumFrames; i++ {
		g.Go(func() error {
			lines, err := s.detector.DetectText(gctx, state.FramePath(i))
			if err != nil {
				return err
			}
			mu.Lock()
			perFrame[i-1] = lines
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	watermarks := findWatermarks(perFrame)
	filtered := filterLines(perFrame, watermarks, frames.FPS, state.Job.StartTime)

	state.Logger.Info("ocr finished",
		"frames", frames.NumFrames,
		"watermarks", len(watermarks),
		"kept_lines", len(filtered))

	return core.EncodeOutput(Output{FilteredOCR: filtered, Watermarks: watermarks})
}

// findWatermarks returns the case-folded texts present on more than
// watermarkRatio of all frames, sorted for stable output. Folding keeps a
// channel bug counted as one watermark even when the OCR flips its casing
// between frames.
func findWatermarks(perFrame [][]string) []string {
	fold := cases.Fold()
	frameCount := make(map[string]int)
	for _, lines := range perFrame {
		seen := make(map[string]bool, len(lines))
		for _, line := range lines {
			text := fold.String(normalize(line))
			if text == "" || seen[text] {
				continue
			}
			seen[text] = true
			frameCount[text]++
		}
	}

	var watermarks []string
	for text, count := range frameCount {
		if float64(count)/float64(len(perFrame)) > watermarkRatio {
			watermarks = append(watermarks, text)
		}
	}
	sort.Strings(watermarks)
	return watermarks
}

// filterLines walks lines in time order, dropping watermarks and any line
// nearly identical to the previously kept one. Comparisons run on the
// case-folded text; the kept line preserves the original casing.
func filterLines(perFrame [][]string, watermarks []string, rate int, startSeconds *float64) []Line {
	fold := cases.Fold()
	isWatermark := make(map[string]bool, len(watermarks))
	for _, w := range watermarks {
		isWatermark[w] = true
	}

	kept := []Line{}
	lastKey := ""
	for i, lines := range perFrame {
		frameIdx := i + 1
		for _, line := range lines {
			text := normalize(line)
			key := fold.String(text)
			if key == "" || isWatermark[key] {
				continue
			}
			if lastKey != "" && textmetric.EditSimilarity(lastKey, key) >= dedupeSimilarity {
				continue
			}
			kept = append(kept, Line{
				FrameIdx: frameIdx,
				TsS:      shared.Timestamp(frameIdx, rate, startSeconds),
				Text:     text,
			})
			lastKey = key
		}
	}
	return kept
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
