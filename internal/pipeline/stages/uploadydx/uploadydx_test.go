package uploadydx

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adscribe/adscribe/internal/models"
	"github.com/adscribe/adscribe/internal/pipeline/core"
	"github.com/adscribe/adscribe/internal/pipeline/stages/importvideo"
	"github.com/adscribe/adscribe/internal/pipeline/stages/ocrextraction"
	"github.com/adscribe/adscribe/internal/pipeline/stages/speechtotext"
	"github.com/adscribe/adscribe/internal/pipeline/stages/textsummarization"
	"github.com/adscribe/adscribe/internal/ydx"
)

type fakeUploader struct {
	descs map[string]*ydx.Description
	links []ydx.UserLinkRequest
	err   error
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{descs: map[string]*ydx.Description{}}
}

func (f *fakeUploader) PostDescription(ctx context.Context, server string, desc *ydx.Description) error {
	if f.err != nil {
		return f.err
	}
	f.descs[server] = desc
	return nil
}

func (f *fakeUploader) GenerateUserLinks(ctx context.Context, server string, req ydx.UserLinkRequest) error {
	f.links = append(f.links, req)
	return nil
}

type fakeSubscribers struct {
	subs []*models.Subscriber
	err  error
}

func (f *fakeSubscribers) List(ctx context.Context, key models.JobKey) ([]*models.Subscriber, error) {
	return f.subs, f.err
}

type inputs struct {
	imported  importvideo.Output
	summaries textsummarization.Output
	speech    speechtotext.Output
	ocr       ocrextraction.Output
}

func defaultInputs() inputs {
	return inputs{
		imported: importvideo.Output{Duration: 120, Title: "A Video"},
		summaries: textsummarization.Output{Summarized: []textsummarization.Summary{
			{SceneNumber: 1, StartS: 0, EndS: 60, Text: "a dog runs"},
			{SceneNumber: 2, StartS: 60, EndS: 120, Text: "the dog sleeps"},
		}},
		speech: speechtotext.Output{DialogueTimestamps: []speechtotext.Dialogue{
			{SequenceNum: 0, StartTime: 10, EndTime: 12, Duration: 2, Text: "hello"},
		}},
		ocr: ocrextraction.Output{FilteredOCR: []ocrextraction.Line{}},
	}
}

func testState(t *testing.T, in inputs) *core.State {
	t.Helper()
	outputs := map[string][]byte{}
	for stage, v := range map[string]any{
		core.StageImportVideo:       in.imported,
		core.StageTextSummarization: in.summaries,
		core.StageSpeechToText:      in.speech,
		core.StageOCRExtraction:     in.ocr,
	} {
		blob, err := json.Marshal(v)
		require.NoError(t, err)
		outputs[stage] = blob
	}
	loader := func(ctx context.Context, stage string) ([]byte, error) { return outputs[stage], nil }
	job := &models.Job{VideoID: "vid123", AIUserID: "ai-1"}
	return core.NewState(job, t.TempDir(), loader, nil, nil)
}

func subscriber(user, server, host string) *models.Subscriber {
	return &models.Subscriber{
		VideoID: "vid123", AIUserID: "ai-1",
		UserID: user, YdxServer: server, YdxAppHost: host,
	}
}

func TestExecute_UploadsAndNotifiesEachSubscriber(t *testing.T) {
	up := newFakeUploader()
	subs := &fakeSubscribers{subs: []*models.Subscriber{
		subscriber("user-1", "https://ydx-a.example", "https://app-a.example"),
		subscriber("user-2", "https://ydx-b.example", "https://app-b.example"),
	}}

	blob, err := New(up, subs).Execute(context.Background(), testState(t, defaultInputs()))
	require.NoError(t, err)

	var out Output
	require.NoError(t, json.Unmarshal(blob, &out))
	assert.ElementsMatch(t, []string{"https://ydx-a.example", "https://ydx-b.example"}, out.UploadedTo)
	assert.Equal(t, []string{"user-1", "user-2"}, out.Notified)

	desc := up.descs["https://ydx-a.example"]
	require.NotNil(t, desc)
	assert.Equal(t, "vid123", desc.YoutubeID)
	assert.Equal(t, "ai-1", desc.AIUserID)
	assert.Equal(t, "A Video", desc.VideoName)
	assert.InDelta(t, 120, desc.VideoLength, 1e-9)
	require.Len(t, desc.DialogueTimestamps, 1)

	require.Len(t, up.links, 2)
	assert.Equal(t, "user-1", up.links[0].UserID)
	assert.Equal(t, "https://app-a.example", up.links[0].YdxAppHost)
	assert.Equal(t, "vid123", up.links[0].YoutubeVideoID)
}

func TestExecute_SharedServerPostsPayloadOnce(t *testing.T) {
	up := newFakeUploader()
	subs := &fakeSubscribers{subs: []*models.Subscriber{
		subscriber("user-1", "https://ydx.example", "https://app.example"),
		subscriber("user-2", "https://ydx.example", "https://app.example"),
	}}

	blob, err := New(up, subs).Execute(context.Background(), testState(t, defaultInputs()))
	require.NoError(t, err)

	var out Output
	require.NoError(t, json.Unmarshal(blob, &out))
	assert.Equal(t, []string{"https://ydx.example"}, out.UploadedTo)
	assert.Len(t, up.links, 2)
}

func TestBuildDescription_ClipOrderingAndShift(t *testing.T) {
	in := defaultInputs()
	in.ocr.FilteredOCR = []ocrextraction.Line{
		{FrameIdx: 30, TsS: 29, Text: "CHAPTER ONE"},
	}
	job := &models.Job{VideoID: "vid123", AIUserID: "ai-1"}

	desc := buildDescription(job, in.imported, in.summaries, in.speech, in.ocr)

	require.Len(t, desc.AudioClips, 3)
	// All non-dialogue clips get the pre-roll shift.
	assert.InDelta(t, 1.0, desc.AudioClips[0].StartTime, 1e-9)
	assert.Equal(t, ydx.ClipTypeVisual, desc.AudioClips[0].Type)
	assert.InDelta(t, 30.0, desc.AudioClips[1].StartTime, 1e-9)
	assert.Equal(t, ydx.ClipTypeTextOnScreen, desc.AudioClips[1].Type)
	assert.InDelta(t, 61.0, desc.AudioClips[2].StartTime, 1e-9)
}

func TestMergeTextClips_NearbyLinesConcatenate(t *testing.T) {
	lines := []ocrextraction.Line{
		{TsS: 10, Text: "FIRST"},
		{TsS: 13, Text: "SECOND"},  // within 5s of previous
		{TsS: 14.5, Text: "THIRD"}, // chains onto the merged clip
		{TsS: 25, Text: "FOURTH"},
	}

	clips := mergeTextClips(lines)

	require.Len(t, clips, 2)
	assert.Equal(t, "FIRST SECOND THIRD", clips[0].Text)
	assert.InDelta(t, 11.0, clips[0].StartTime, 1e-9)
	assert.Equal(t, "FOURTH", clips[1].Text)
}

func TestBuildDescription_SkipsBlankSummaries(t *testing.T) {
	in := defaultInputs()
	in.summaries.Summarized = []textsummarization.Summary{
		{SceneNumber: 1, StartS: 0, EndS: 60, Text: "  "},
		{SceneNumber: 2, StartS: 60, EndS: 120, Text: "the dog sleeps"},
	}
	job := &models.Job{VideoID: "vid123", AIUserID: "ai-1"}

	desc := buildDescription(job, in.imported, in.summaries, in.speech, in.ocr)
	require.Len(t, desc.AudioClips, 1)
	assert.Equal(t, "the dog sleeps", desc.AudioClips[0].Text)
}

func TestExecute_NoClipsIsFatal(t *testing.T) {
	in := defaultInputs()
	in.summaries.Summarized = nil

	_, err := New(newFakeUploader(), &fakeSubscribers{}).Execute(context.Background(), testState(t, in))
	require.Error(t, err)
	assert.True(t, core.IsFatal(err))
}

func TestExecute_NoSubscribersIsInvariant(t *testing.T) {
	up := newFakeUploader()
	_, err := New(up, &fakeSubscribers{}).Execute(context.Background(), testState(t, defaultInputs()))
	require.Error(t, err)
	assert.True(t, core.IsInvariant(err))
	assert.Empty(t, up.descs)
}

func TestExecute_UploadErrorIsTransient(t *testing.T) {
	up := newFakeUploader()
	up.err = errors.New("ydx unreachable")
	subs := &fakeSubscribers{subs: []*models.Subscriber{
		subscriber("user-1", "https://ydx.example", "https://app.example"),
	}}

	_, err := New(up, subs).Execute(context.Background(), testState(t, defaultInputs()))
	require.Error(t, err)
	assert.False(t, core.IsFatal(err))
}
