package provider

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/TGVideoBot/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestVeo3SubmitSuccess(t *testing.T) {
	var gotPath, gotKey string
	var gotBody veoSubmitRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-goog-api-key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]string{"name": "models/veo-3.0-generate-001/operations/op-123"})
	}))
	defer server.Close()

	client := NewVeo3Client("test-key", testLogger(), WithVeo3BaseURL(server.URL))
	handle, err := client.Submit(context.Background(), Request{
		Prompt:         "a cat surfing",
		NegativePrompt: "blurry",
		AspectRatio:    "16:9",
		Resolution:     "1080p",
		Mode:           models.ModeQuality,
	})

	require.NoError(t, err)
	assert.Equal(t, "models/veo-3.0-generate-001/operations/op-123", handle)
	assert.Equal(t, "/v1beta/models/veo-3.0-generate-001:predictLongRunning", gotPath)
	assert.Equal(t, "test-key", gotKey)
	require.Len(t, gotBody.Instances, 1)
	assert.Equal(t, "a cat surfing", gotBody.Instances[0].Prompt)
	assert.Equal(t, "blurry", gotBody.Parameters.NegativePrompt)
	assert.Equal(t, "1080p", gotBody.Parameters.Resolution)
}

func TestVeo3SubmitFastMode(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(map[string]string{"name": "operations/op-fast"})
	}))
	defer server.Close()

	client := NewVeo3Client("test-key", testLogger(), WithVeo3BaseURL(server.URL))
	_, err := client.Submit(context.Background(), Request{Prompt: "p", Mode: models.ModeFast})

	require.NoError(t, err)
	assert.Equal(t, "/v1beta/models/veo-3.0-fast-generate-001:predictLongRunning", gotPath)
}

func TestVeo3SubmitQuotaFallsBackToFastModel(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if len(paths) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"status":"RESOURCE_EXHAUSTED"}}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"name": "operations/op-fallback"})
	}))
	defer server.Close()

	client := NewVeo3Client("test-key", testLogger(), WithVeo3BaseURL(server.URL))
	handle, err := client.Submit(context.Background(), Request{Prompt: "p", Mode: models.ModeQuality})

	require.NoError(t, err)
	assert.Equal(t, "operations/op-fallback", handle)
	require.Len(t, paths, 2)
	assert.Contains(t, paths[0], Veo3QualityModel)
	assert.Contains(t, paths[1], Veo3FastModel)
}

func TestVeo3SubmitQuotaOnFastModelRejects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewVeo3Client("test-key", testLogger(), WithVeo3BaseURL(server.URL))
	_, err := client.Submit(context.Background(), Request{Prompt: "p", Mode: models.ModeFast})

	var rejected *SubmissionRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Contains(t, rejected.Reason, "quota exhausted")
}

func TestVeo3SubmitBadRequestRejects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"prompt violates policy"}}`))
	}))
	defer server.Close()

	client := NewVeo3Client("test-key", testLogger(), WithVeo3BaseURL(server.URL))
	_, err := client.Submit(context.Background(), Request{Prompt: "p"})

	var rejected *SubmissionRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.False(t, IsTransient(err))
}

func TestVeo3SubmitServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewVeo3Client("test-key", testLogger(), WithVeo3BaseURL(server.URL))
	_, err := client.Submit(context.Background(), Request{Prompt: "p"})

	assert.True(t, IsTransient(err))
}

func TestVeo3PollStates(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     PollResult
	}{
		{
			name:     "still running",
			response: `{"name":"operations/op","done":false}`,
			want:     PollResult{State: StateRunning},
		},
		{
			name:     "failed with error",
			response: `{"name":"operations/op","done":true,"error":{"code":3,"message":"invalid prompt"}}`,
			want:     PollResult{State: StateFailed, Reason: "invalid prompt"},
		},
		{
			name: "succeeded",
			response: `{"name":"operations/op","done":true,"response":{"generateVideoResponse":` +
				`{"generatedSamples":[{"video":{"uri":"https://files.example/video.mp4"}}]}}}`,
			want: PollResult{State: StateSucceeded, VideoURL: "https://files.example/video.mp4"},
		},
		{
			name: "filtered by safety",
			response: `{"name":"operations/op","done":true,"response":{"generateVideoResponse":` +
				`{"generatedSamples":[],"raiMediaFilteredReasons":["violence"]}}}`,
			want: PollResult{State: StateFailed, Reason: "violence"},
		},
		{
			name:     "done without response",
			response: `{"name":"operations/op","done":true}`,
			want:     PollResult{State: StateFailed, Reason: "operation finished without a video response"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1beta/operations/op", r.URL.Path)
				w.Write([]byte(tt.response))
			}))
			defer server.Close()

			client := NewVeo3Client("test-key", testLogger(), WithVeo3BaseURL(server.URL))
			got, err := client.Poll(context.Background(), "operations/op")

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVeo3PollServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewVeo3Client("test-key", testLogger(), WithVeo3BaseURL(server.URL))
	_, err := client.Poll(context.Background(), "operations/op")

	assert.True(t, IsTransient(err))
}

func TestVeo3DownloadWritesFileWithAPIKey(t *testing.T) {
	var gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-goog-api-key")
		w.Write([]byte("video-bytes"))
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "out.mp4")
	client := NewVeo3Client("test-key", testLogger(), WithVeo3BaseURL(server.URL))
	require.NoError(t, client.Download(context.Background(), server.URL+"/file.mp4", dest))

	assert.Equal(t, "test-key", gotKey)
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "video-bytes", string(data))
}
