package aiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatHandler(t *testing.T, content string, calls *atomic.Int32, failFirst int) http.HandlerFunc {
	t.Helper()

	return func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)

		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))

		if int(n) <= failFirst {
			w.WriteHeader(http.StatusTooManyRequests)

			return
		}

		var req chatRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "json_object", req.ResponseFormat["type"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{
				map[string]any{"message": map[string]any{"content": content}},
			},
			"usage": map[string]any{"prompt_tokens": 100000, "completion_tokens": 50000},
		})
	}
}

func TestCompleteJSON(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(chatHandler(t, "```json\n{\"ok\":true}\n```", &calls, 2))
	defer server.Close()

	client := NewClient(Config{APIKey: "key", BaseURL: server.URL}, WithRetry(3, time.Millisecond, 5*time.Millisecond))

	completion, err := client.CompleteJSON(context.Background(), "system", "user")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 100000, completion.PromptTokens)
	// 0.1M * 15 + 0.05M * 60 = 1.5 + 3 = 4.5, rounded up.
	assert.Equal(t, int64(5), completion.CostCents)

	var parsed struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, DecodeJSON(completion.Content, &parsed))
	assert.True(t, parsed.OK)
}

func TestCompleteJSON_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		calls  int32
	}{
		{"client error is not retried", http.StatusUnauthorized, 1},
		{"server error is retried", http.StatusBadGateway, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope"}}`))
			}))
			defer server.Close()

			client := NewClient(Config{APIKey: "key", BaseURL: server.URL}, WithRetry(2, time.Millisecond, time.Millisecond))

			_, err := client.CompleteJSON(context.Background(), "system", "user")

			var statusErr *StatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, tt.status, statusErr.StatusCode)
			assert.Equal(t, tt.calls, calls.Load())
		})
	}

	_, err := NewClient(Config{}).CompleteJSON(context.Background(), "system", "user")
	require.ErrorIs(t, err, ErrAPIKeyRequired)
}

func TestTranscribe(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/media/lesson.mp3", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("fake-audio"))
	})
	mux.HandleFunc("/v1/audio/transcriptions", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))

		if file, header, err := r.FormFile("file"); assert.NoError(t, err) {
			assert.Equal(t, "lesson.mp3", header.Filename)
			_ = file.Close()
		}

		_ = json.NewEncoder(w).Encode(map[string]any{"text": " Hello class ", "language": "en", "duration": 600.0})
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	client := NewClient(Config{APIKey: "key", BaseURL: server.URL + "/v1"})

	transcription, err := client.Transcribe(context.Background(), server.URL+"/media/lesson.mp3")
	require.NoError(t, err)
	assert.Equal(t, "Hello class", transcription.Text)
	assert.InDelta(t, 600.0, transcription.DurationSeconds, 0.001)
	assert.Equal(t, int64(6), transcription.CostCents)
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"plain", `{"value": 1}`, false},
		{"fenced", "```json\n{\"value\": 1}\n```", false},
		{"prose", "Here you go: {\"value\": 1} enjoy", false},
		{"empty", "  ", true},
		{"garbage", "no json here", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var target struct {
				Value int `json:"value"`
			}

			err := DecodeJSON(tt.content, &target)
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, 1, target.Value)
		})
	}
}
