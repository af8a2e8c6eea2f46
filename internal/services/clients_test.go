package services

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adscribe/adscribe/internal/httpclient"
	"github.com/adscribe/adscribe/internal/pipeline/core"
	"github.com/adscribe/adscribe/internal/pool"
)

func testClient(t *testing.T) *httpclient.Client {
	t.Helper()
	cfg := httpclient.DefaultConfig()
	cfg.RetryAttempts = 0
	cfg.RetryDelay = time.Millisecond
	return httpclient.New(cfg)
}

func testPool(t *testing.T, name, url string, limit int64) *pool.Pool {
	t.Helper()
	p, err := pool.New([]pool.Endpoint{{Name: name, URL: url, Token: "tok", Limit: limit}}, http.DefaultClient, nil)
	require.NoError(t, err)
	return p
}

func writeFrame(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "frame_1.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpegdata"), 0o644))
	return path
}

func TestCaptionClient_MultipartUpload(t *testing.T) {
	var gotImage, gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/upload", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))

		file, _, err := r.FormFile("image")
		require.NoError(t, err)
		data, err := io.ReadAll(file)
		require.NoError(t, err)
		gotImage = string(data)
		gotToken = r.FormValue("token")

		json.NewEncoder(w).Encode(map[string]string{"caption": " a dog runs across a field "})
	}))
	defer srv.Close()

	c := NewCaptionClient(testPool(t, pool.ServiceCaption, srv.URL, 1), testClient(t))
	caption, err := c.Caption(context.Background(), writeFrame(t))
	require.NoError(t, err)

	assert.Equal(t, "a dog runs across a field", caption)
	assert.Equal(t, "jpegdata", gotImage)
	assert.Equal(t, "tok", gotToken)
}

func TestCaptionClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model crashed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewCaptionClient(testPool(t, pool.ServiceCaption, srv.URL, 1), testClient(t))
	_, err := c.Caption(context.Background(), writeFrame(t))

	var statusErr *httpclient.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	// A server-side failure is worth retrying.
	assert.False(t, core.IsFatal(err))
}

func TestCaptionClient_ClientErrorIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewCaptionClient(testPool(t, pool.ServiceCaption, srv.URL, 1), testClient(t))
	_, err := c.Caption(context.Background(), writeFrame(t))

	var statusErr *httpclient.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	assert.True(t, core.IsFatal(err))
}

func TestRatingClient_ClientErrorIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "missing img_url", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewRatingClient(testPool(t, pool.ServiceRating, srv.URL, 1), testClient(t))
	_, err := c.Rate(context.Background(), "img", "cap")
	require.Error(t, err)
	assert.True(t, core.IsFatal(err))
}

func TestDetectClient_ClientErrorIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unprocessable", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewDetectClient(testPool(t, pool.ServiceDetect, srv.URL, 1), testClient(t))
	_, err := c.DetectBatch(context.Background(), []string{"f1.jpg"}, 0.25)
	require.Error(t, err)
	assert.True(t, core.IsFatal(err))
}

func TestCaptionClient_ReleasesSlotOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := testPool(t, pool.ServiceCaption, srv.URL, 1)
	c := NewCaptionClient(p, testClient(t))
	frame := writeFrame(t)

	_, err := c.Caption(context.Background(), frame)
	require.Error(t, err)

	// The single slot must be free again.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	lease, err := p.Acquire(ctx, pool.ServiceCaption)
	require.NoError(t, err)
	lease.Release()
}

func TestRatingClient_ParsesScoreText(t *testing.T) {
	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api", r.URL.Path)
		require.NoError(t, r.ParseForm())
		gotForm = map[string]string{
			"img_url": r.PostFormValue("img_url"),
			"caption": r.PostFormValue("caption"),
			"token":   r.PostFormValue("token"),
		}
		io.WriteString(w, "0.73\n")
	}))
	defer srv.Close()

	c := NewRatingClient(testPool(t, pool.ServiceRating, srv.URL, 2), testClient(t))
	score, err := c.Rate(context.Background(), "/frames/frame_3.jpg", "a dog")
	require.NoError(t, err)

	assert.InDelta(t, 0.73, score, 1e-9)
	assert.Equal(t, "/frames/frame_3.jpg", gotForm["img_url"])
	assert.Equal(t, "a dog", gotForm["caption"])
	assert.Equal(t, "tok", gotForm["token"])
}

func TestRatingClient_BadScoreText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "not-a-number")
	}))
	defer srv.Close()

	c := NewRatingClient(testPool(t, pool.ServiceRating, srv.URL, 1), testClient(t))
	_, err := c.Rate(context.Background(), "img", "cap")
	assert.ErrorContains(t, err, "parsing rating")
}

func TestDetectClient_BatchRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/detect_multiple_files", r.URL.Path)

		var body struct {
			FilesPath []string `json:"files_path"`
			Threshold float64  `json:"threshold"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"f1.jpg", "f2.jpg"}, body.FilesPath)
		assert.InDelta(t, 0.25, body.Threshold, 1e-9)

		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"frame_number": 1, "confidences": []map[string]any{
					{"name": "person", "confidence": 0.91},
				}},
				{"frame_number": 2, "confidences": []map[string]any{}},
			},
		})
	}))
	defer srv.Close()

	c := NewDetectClient(testPool(t, pool.ServiceDetect, srv.URL, 2), testClient(t))
	results, err := c.DetectBatch(context.Background(), []string{"f1.jpg", "f2.jpg"}, 0.25)
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, 1, results[0].FrameNumber)
	require.Len(t, results[0].Confidences, 1)
	assert.Equal(t, "person", results[0].Confidences[0].Name)
	assert.InDelta(t, 0.91, results[0].Confidences[0].Confidence, 1e-9)
	assert.Empty(t, results[1].Confidences)
}
