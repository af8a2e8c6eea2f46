package importvideo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adscribe/adscribe/internal/media"
	"github.com/adscribe/adscribe/internal/models"
	"github.com/adscribe/adscribe/internal/pipeline/core"
)

type fakeDownloader struct {
	downloads   int
	downloadErr error
	metaCalls   int
	metaErr     error
}

func (f *fakeDownloader) Download(ctx context.Context, videoID, outputPath string) error {
	f.downloads++
	if f.downloadErr != nil {
		return f.downloadErr
	}
	return os.WriteFile(outputPath, []byte("mp4"), 0o644)
}

func (f *fakeDownloader) Metadata(ctx context.Context, videoID string) (*media.VideoMetadata, error) {
	f.metaCalls++
	if f.metaErr != nil {
		return nil, f.metaErr
	}
	return &media.VideoMetadata{ID: videoID, Title: "Fallback Title"}, nil
}

type fakeProber struct {
	info media.MediaInfo
	err  error
}

func (f *fakeProber) Probe(ctx context.Context, path string) (*media.MediaInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &f.info, nil
}

type fakeTrimmer struct {
	trims      int
	inPath     string
	outPath    string
	start, end *float64
}

func (f *fakeTrimmer) Trim(ctx context.Context, videoPath, outPath string, start, end *float64) error {
	f.trims++
	f.inPath, f.outPath = videoPath, outPath
	f.start, f.end = start, end
	return os.WriteFile(outPath, []byte("trimmed"), 0o644)
}

func testState(t *testing.T) *core.State {
	t.Helper()
	job := &models.Job{VideoID: "vid123", AIUserID: "ai-1"}
	return core.NewState(job, t.TempDir(), nil, nil, nil)
}

func newStage(dl Downloader, probe Prober, trim Trimmer) *Stage {
	return New(dl, probe, trim, 0)
}

func TestExecute_DownloadAndProbe(t *testing.T) {
	dl := &fakeDownloader{}
	probe := &fakeProber{info: media.MediaInfo{
		DurationSeconds: 212.5, Title: "A Video", FrameRate: 29.97, Width: 1920, Height: 1080,
	}}
	state := testState(t)

	blob, err := newStage(dl, probe, &fakeTrimmer{}).Execute(context.Background(), state)
	require.NoError(t, err)

	var out Output
	require.NoError(t, json.Unmarshal(blob, &out))
	assert.Equal(t, 1, dl.downloads)
	assert.Equal(t, 0, dl.metaCalls)
	assert.Equal(t, "A Video", out.Title)
	assert.InDelta(t, 212.5, out.Duration, 1e-9)
	assert.InDelta(t, 29.97, out.FrameRate, 1e-9)
	assert.Equal(t, state.VideoPath(), out.FilePath)

	// Without a window the download lands at the video path untouched.
	data, err := os.ReadFile(state.VideoPath())
	require.NoError(t, err)
	assert.Equal(t, "mp4", string(data))
}

func TestExecute_TrimsToRequestedWindow(t *testing.T) {
	dl := &fakeDownloader{}
	trim := &fakeTrimmer{}
	probe := &fakeProber{info: media.MediaInfo{DurationSeconds: 30, Title: "T", FrameRate: 30}}

	state := testState(t)
	start, end := 10.0, 40.0
	state.Job.StartTime, state.Job.EndTime = &start, &end

	blob, err := newStage(dl, probe, trim).Execute(context.Background(), state)
	require.NoError(t, err)

	require.Equal(t, 1, trim.trims)
	assert.Equal(t, state.VideoPath()+".download", trim.inPath)
	assert.Equal(t, state.VideoPath(), trim.outPath)
	require.NotNil(t, trim.start)
	require.NotNil(t, trim.end)
	assert.InDelta(t, 10.0, *trim.start, 1e-9)
	assert.InDelta(t, 40.0, *trim.end, 1e-9)

	// The staging download is gone and the video path holds the cut.
	_, err = os.Stat(trim.inPath)
	assert.True(t, os.IsNotExist(err))
	data, err := os.ReadFile(state.VideoPath())
	require.NoError(t, err)
	assert.Equal(t, "trimmed", string(data))

	// The emitted duration is the trimmed file's, not the source's.
	var out Output
	require.NoError(t, json.Unmarshal(blob, &out))
	assert.InDelta(t, 30, out.Duration, 1e-9)
}

func TestExecute_SkipsDownloadWhenFileExists(t *testing.T) {
	dl := &fakeDownloader{}
	trim := &fakeTrimmer{}
	probe := &fakeProber{info: media.MediaInfo{DurationSeconds: 10, Title: "T", FrameRate: 30}}
	state := testState(t)
	require.NoError(t, os.WriteFile(state.VideoPath(), []byte("mp4"), 0o644))

	_, err := newStage(dl, probe, trim).Execute(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, 0, dl.downloads)
	assert.Equal(t, 0, trim.trims)
}

func TestExecute_UnavailableVideoIsFatal(t *testing.T) {
	dl := &fakeDownloader{
		downloadErr: fmt.Errorf("downloading vid123: %w: ERROR: Video unavailable", media.ErrVideoUnavailable),
	}
	probe := &fakeProber{info: media.MediaInfo{DurationSeconds: 10, FrameRate: 30}}

	_, err := newStage(dl, probe, &fakeTrimmer{}).Execute(context.Background(), testState(t))
	require.Error(t, err)
	assert.True(t, core.IsFatal(err))
	assert.ErrorIs(t, err, media.ErrVideoUnavailable)
}

func TestExecute_TransientDownloadFailureStaysRetryable(t *testing.T) {
	dl := &fakeDownloader{downloadErr: errors.New("connection reset by peer")}
	probe := &fakeProber{info: media.MediaInfo{DurationSeconds: 10, FrameRate: 30}}

	_, err := newStage(dl, probe, &fakeTrimmer{}).Execute(context.Background(), testState(t))
	require.Error(t, err)
	assert.False(t, core.IsFatal(err))
}

func TestExecute_TitleFallsBackToMetadata(t *testing.T) {
	dl := &fakeDownloader{}
	probe := &fakeProber{info: media.MediaInfo{DurationSeconds: 10, FrameRate: 30}}

	blob, err := newStage(dl, probe, &fakeTrimmer{}).Execute(context.Background(), testState(t))
	require.NoError(t, err)

	var out Output
	require.NoError(t, json.Unmarshal(blob, &out))
	assert.Equal(t, 1, dl.metaCalls)
	assert.Equal(t, "Fallback Title", out.Title)
}

func TestExecute_TitleFallsBackToVideoID(t *testing.T) {
	dl := &fakeDownloader{metaErr: errors.New("quota exceeded")}
	probe := &fakeProber{info: media.MediaInfo{DurationSeconds: 10, FrameRate: 30}}

	blob, err := newStage(dl, probe, &fakeTrimmer{}).Execute(context.Background(), testState(t))
	require.NoError(t, err)

	var out Output
	require.NoError(t, json.Unmarshal(blob, &out))
	assert.Equal(t, "vid123", out.Title)
}

func TestExecute_ZeroDurationIsFatal(t *testing.T) {
	dl := &fakeDownloader{}
	probe := &fakeProber{info: media.MediaInfo{DurationSeconds: 0}}

	_, err := newStage(dl, probe, &fakeTrimmer{}).Execute(context.Background(), testState(t))
	require.Error(t, err)
	assert.True(t, core.IsFatal(err))
}
