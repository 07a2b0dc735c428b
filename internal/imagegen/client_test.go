package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/deckforge/internal/config"
	"github.com/digkill/deckforge/internal/imagequeue"
	"github.com/digkill/deckforge/pkg/logger"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c := NewClient(config.Config{
		APIFrameAPIKey:    "af-key",
		APIFrameBaseURL:   srv.URL,
		IdeogramAPIKey:    "ig-key",
		IdeogramBaseURL:   srv.URL,
		OpenAIAPIKey:      "oa-key",
		OpenAIBaseURL:     srv.URL,
		GoogleProjectID:   "proj",
		GoogleLocation:    "us-central1",
		GoogleAccessToken: "g-token",
		RequestTimeout:    5 * time.Second,
	}, logger.Discard())
	c.google.baseURL = srv.URL
	c.pollInterval = time.Millisecond
	c.maxPolls = 5
	return c
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	return body
}

func TestGenerate_APIFramePollsUntilFinished(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "af-key", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/imagine":
			body := decodeBody(t, r)
			assert.Equal(t, "16:9", body["aspect_ratio"])
			_, _ = w.Write([]byte(`{"task_id":"t-1"}`))
		case "/fetch":
			body := decodeBody(t, r)
			assert.Equal(t, "t-1", body["task_id"])
			if polls.Add(1) < 3 {
				_, _ = w.Write([]byte(`{"task_id":"t-1","status":"processing"}`))
				return
			}
			_, _ = w.Write([]byte(`{"task_id":"t-1","status":"finished","image_urls":["https://cdn/mj.png"]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	url, err := newTestClient(t, srv).Generate(context.Background(), "midjourney", "castle", "1920x1080")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/mj.png", url)
	assert.Equal(t, int32(3), polls.Load())
}

func TestGenerate_APIFrameTaskFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/flux-imagine":
			body := decodeBody(t, r)
			assert.Equal(t, "flux-pro", body["model"])
			_, _ = w.Write([]byte(`{"task_id":"t-2"}`))
		case "/fetch":
			_, _ = w.Write([]byte(`{"task_id":"t-2","status":"failed","message":"banned prompt"}`))
		}
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Generate(context.Background(), "flux-pro", "x", "1:1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "banned prompt")
}

func TestGenerate_IdeogramConvertsRatio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generate", r.URL.Path)
		assert.Equal(t, "ig-key", r.Header.Get("Api-Key"))
		req := decodeBody(t, r)["image_request"].(map[string]any)
		assert.Equal(t, "ASPECT_9_16", req["aspect_ratio"])
		assert.Equal(t, "V_2_TURBO", req["model"])
		_, _ = w.Write([]byte(`{"data":[{"url":"https://ideogram/img.png"}]}`))
	}))
	defer srv.Close()

	url, err := newTestClient(t, srv).Generate(context.Background(), "ideogram-v2-turbo", "tree", "portrait")
	require.NoError(t, err)
	assert.Equal(t, "https://ideogram/img.png", url)
}

func TestGenerate_GoogleReturnsDataURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/projects/proj/locations/us-central1/publishers/google/models/imagen-3.0-fast-generate-001:predict", r.URL.Path)
		assert.Equal(t, "Bearer g-token", r.Header.Get("Authorization"))
		params := decodeBody(t, r)["parameters"].(map[string]any)
		assert.Equal(t, "4:3", params["aspectRatio"])
		_, _ = w.Write([]byte(`{"predictions":[{"bytesBase64Encoded":"aGVsbG8=","mimeType":"image/png"}]}`))
	}))
	defer srv.Close()

	url, err := newTestClient(t, srv).Generate(context.Background(), "google-imagen-3-fast", "hill", "4:3")
	require.NoError(t, err)
	assert.Equal(t, "data:image/png;base64,aGVsbG8=", url)
}

func TestGenerate_OpenAIStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/images/generations", r.URL.Path)
		assert.Equal(t, "1792x1024", decodeBody(t, r)["size"])
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Generate(context.Background(), "dall-e-3", "sea", "16:9")
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)
	assert.Contains(t, statusErr.Body, "slow down")
}

func TestGenerate_NotConfigured(t *testing.T) {
	c := NewClient(config.Config{}, logger.Discard())
	_, err := c.Generate(context.Background(), "ideogram-v2", "p", "1:1")
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.False(t, c.Configured("midjourney"))
}

func TestExecute_UsesRequestFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"url":"https://openai/x.png"}]}`))
	}))
	defer srv.Close()

	url, err := newTestClient(t, srv).Execute(context.Background(), imagequeue.Request{Model: "dall-e-3", Prompt: "p", AspectRatio: "1:1"})
	require.NoError(t, err)
	assert.Equal(t, "https://openai/x.png", url)
}

func TestTruncateBody(t *testing.T) {
	long := make([]byte, 600)
	for i := range long {
		long[i] = 'a'
	}
	assert.Len(t, []rune(truncateBody(long)), 513)
	assert.Equal(t, "short", truncateBody([]byte("  short ")))

	// 511 ASCII bytes then a 3-byte rune straddling the limit.
	mixed := append(bytes.Repeat([]byte("a"), 511), []byte("日本")...)
	out := truncateBody(mixed)
	assert.True(t, utf8.ValidString(out))
	assert.Equal(t, strings.Repeat("a", 511)+"…", out)
}
