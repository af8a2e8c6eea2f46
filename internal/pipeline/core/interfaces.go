// Package core provides the pipeline orchestration framework: the stage
// contract, the ordered stage registry, and the resumable runner that
// executes a job stage by stage against durable state.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/adscribe/adscribe/internal/models"
	"github.com/adscribe/adscribe/internal/repository"
)

// Stage identifiers, in canonical execution order.
const (
	StageImportVideo       = "import_video"
	StageExtractAudio      = "extract_audio"
	StageSpeechToText      = "speech_to_text"
	StageFrameExtraction   = "frame_extraction"
	StageOCRExtraction     = "ocr_extraction"
	StageObjectDetection   = "object_detection"
	StageKeyframeSelection = "keyframe_selection"
	StageImageCaptioning   = "image_captioning"
	StageCaptionRating     = "caption_rating"
	StageSceneSegmentation = "scene_segmentation"
	StageTextSummarization = "text_summarization"
	StageUploadToYdx       = "upload_to_ydx"
)

// StageOrder is the canonical execution order of the twelve stages.
var StageOrder = []string{
	StageImportVideo,
	StageExtractAudio,
	StageSpeechToText,
	StageFrameExtraction,
	StageOCRExtraction,
	StageObjectDetection,
	StageKeyframeSelection,
	StageImageCaptioning,
	StageCaptionRating,
	StageSceneSegmentation,
	StageTextSummarization,
	StageUploadToYdx,
}

// Stage is a single step in the description pipeline. A stage reads the
// persisted outputs of the stages it consumes and returns its own output as
// a JSON blob; the runner persists it together with the done status in one
// transaction.
type Stage interface {
	// ID returns the stage identifier (e.g. "frame_extraction").
	ID() string

	// Name returns a human-readable name (e.g. "Frame Extraction").
	Name() string

	// Consumes lists the IDs of upstream stages whose outputs this stage
	// reads. The registry validates they run earlier.
	Consumes() []string

	// Execute performs the stage's work and returns its output blob.
	Execute(ctx context.Context, state *State) ([]byte, error)

	// Cleanup releases per-run resources. Called after Execute regardless
	// of outcome.
	Cleanup(ctx context.Context) error
}

// OutputLoader reads a completed stage's persisted output.
type OutputLoader func(ctx context.Context, stage string) ([]byte, error)

// CheckpointStore lets a stage persist fine-grained resume state mid-run.
// The captioning stage records progress per keyframe so a restart does not
// redo completed inference calls.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, stage string, checkpoint []byte) error
	LoadCheckpoint(ctx context.Context, stage string) ([]byte, error)
}

// State is the per-run context handed to every stage.
type State struct {
	// Job is the job being processed.
	Job *models.Job

	// ArtifactDir is the on-disk working directory for this job.
	ArtifactDir string

	// Checkpoints persists stage-private resume records.
	Checkpoints CheckpointStore

	Logger    *slog.Logger
	StartTime time.Time

	loadOutput OutputLoader

	mu    sync.Mutex
	cache map[string][]byte
}

// NewState creates a State for one job run.
func NewState(job *models.Job, artifactDir string, loader OutputLoader, checkpoints CheckpointStore, logger *slog.Logger) *State {
	if logger == nil {
		logger = slog.Default()
	}
	return &State{
		Job:         job,
		ArtifactDir: artifactDir,
		Checkpoints: checkpoints,
		Logger:      logger,
		StartTime:   time.Now(),
		loadOutput:  loader,
		cache:       make(map[string][]byte),
	}
}

// Key returns the job's composite key.
func (s *State) Key() models.JobKey {
	return s.Job.Key()
}

// Output returns the persisted output blob of an upstream stage.
func (s *State) Output(ctx context.Context, stage string) ([]byte, error) {
	s.mu.Lock()
	if blob, ok := s.cache[stage]; ok {
		s.mu.Unlock()
		return blob, nil
	}
	s.mu.Unlock()

	blob, err := s.loadOutput(ctx, stage)
	if err != nil {
		// A consumed stage with no persisted output means completion was
		// not atomic somewhere. Retrying cannot repair the store.
		if errors.Is(err, repository.ErrOutputMissing) {
			return nil, Invariantf("%s is consumed but its output is missing: %v", stage, err)
		}
		return nil, fmt.Errorf("loading %s output: %w", stage, err)
	}

	s.mu.Lock()
	s.cache[stage] = blob
	s.mu.Unlock()
	return blob, nil
}

// Duration returns the elapsed time since the run started.
func (s *State) Duration() time.Duration {
	return time.Since(s.StartTime)
}

// Conventional artifact file locations inside ArtifactDir.
const (
	videoFileName = "video.mp4"
	audioFileName = "audio.flac"
	framesDirName = "frames"
)

// VideoPath is the downloaded source video location.
func (s *State) VideoPath() string {
	return filepath.Join(s.ArtifactDir, videoFileName)
}

// AudioPath is the extracted audio track location.
func (s *State) AudioPath() string {
	return filepath.Join(s.ArtifactDir, audioFileName)
}

// FramesDir is the sampled frames directory.
func (s *State) FramesDir() string {
	return filepath.Join(s.ArtifactDir, framesDirName)
}

// FramePath returns the path of one sampled frame by index.
func (s *State) FramePath(idx int) string {
	return filepath.Join(s.FramesDir(), fmt.Sprintf("frame_%d.jpg", idx))
}

// DecodeOutput loads and unmarshals an upstream stage's output.
func DecodeOutput[T any](ctx context.Context, s *State, stage string) (T, error) {
	var out T
	blob, err := s.Output(ctx, stage)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(blob, &out); err != nil {
		return out, fmt.Errorf("decoding %s output: %w", stage, err)
	}
	return out, nil
}

// EncodeOutput marshals a stage output for persistence.
func EncodeOutput(v any) ([]byte, error) {
	blob, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding stage output: %w", err)
	}
	return blob, nil
}
