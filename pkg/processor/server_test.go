package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dukex/lessonflow/pkg/jobstore"
	"github.com/dukex/lessonflow/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupServer(t *testing.T, opts ...Option) (*fiber.App, *Processor, *jobstore.MemoryStore) {
	t.Helper()

	p, store := newTestProcessor(t, opts...)
	p.Register("echo", HandlerFunc(func(_ context.Context, task *Task) (*Result, error) {
		return &Result{Output: task.Input, CostCents: 1}, nil
	}))

	app := fiber.New()
	NewServer(p, store, validator.New(validator.WithRequiredStructEnabled())).Register(app)

	return app, p, store
}

func doRequest(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, []byte) {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, raw
}

func TestServer_StartJob(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantType   string
	}{
		{
			name:       "accepted",
			path:       "/jobs/echo",
			body:       `{"resource_id":"lesson-1","input":{"x":1}}`,
			wantStatus: fiber.StatusAccepted,
		},
		{
			name:       "unknown step",
			path:       "/jobs/missing",
			body:       `{"resource_id":"lesson-1"}`,
			wantStatus: fiber.StatusNotFound,
			wantType:   "unknown_step",
		},
		{
			name:       "missing resource id",
			path:       "/jobs/echo",
			body:       `{"input":{}}`,
			wantStatus: fiber.StatusBadRequest,
			wantType:   "validation_error",
		},
		{
			name:       "invalid json",
			path:       "/jobs/echo",
			body:       `{`,
			wantStatus: fiber.StatusBadRequest,
			wantType:   "validation_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, _, store := setupServer(t)

			resp, raw := doRequest(t, app, http.MethodPost, tt.path, tt.body)
			require.Equal(t, tt.wantStatus, resp.StatusCode, string(raw))

			if tt.wantType != "" {
				var problem map[string]any
				require.NoError(t, json.Unmarshal(raw, &problem))
				assert.Equal(t, tt.wantType, problem["type"])

				return
			}

			var ack models.JobAcknowledgement
			require.NoError(t, json.Unmarshal(raw, &ack))
			assert.Equal(t, "job-1", ack.JobID)

			job, err := store.Get(context.Background(), ack.JobID)
			require.NoError(t, err)
			assert.Equal(t, models.JobStatusPending, job.Status)
		})
	}
}

func TestServer_QueueFull(t *testing.T) {
	app, _, _ := setupServer(t, WithQueueSize(1))

	resp, _ := doRequest(t, app, http.MethodPost, "/jobs/echo", `{"resource_id":"lesson-1"}`)
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)

	resp, _ = doRequest(t, app, http.MethodPost, "/jobs/echo", `{"resource_id":"lesson-1"}`)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_GetJob(t *testing.T) {
	app, p, store := setupServer(t)
	runProcessor(t, p)

	resp, raw := doRequest(t, app, http.MethodPost, "/jobs/echo", `{"resource_id":"lesson-1","input":{"x":"y"}}`)
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)

	var ack models.JobAcknowledgement
	require.NoError(t, json.Unmarshal(raw, &ack))

	waitForJob(t, store, ack.JobID, models.JobStatusCompleted)

	resp, raw = doRequest(t, app, http.MethodGet, "/jobs/"+ack.JobID, "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var job models.Job
	require.NoError(t, json.Unmarshal(raw, &job))
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, "y", job.OutputData["x"])

	resp, _ = doRequest(t, app, http.MethodGet, "/jobs/unknown", "")
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestServer_Health(t *testing.T) {
	app, _, _ := setupServer(t)

	resp, raw := doRequest(t, app, http.MethodGet, "/health", "")
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), `"echo"`)
}
