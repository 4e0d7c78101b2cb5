package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dukex/lessonflow/pkg/definition"
	"github.com/dukex/lessonflow/pkg/engine"
	"github.com/dukex/lessonflow/pkg/jobstore"
	"github.com/dukex/lessonflow/pkg/mocks"
	"github.com/dukex/lessonflow/pkg/models"
	"github.com/dukex/lessonflow/pkg/persistence/file"
	"github.com/dukex/lessonflow/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	app    *fiber.App
	engine *engine.Engine
	jobs   *mocks.MockJobClient
	store  *jobstore.MemoryStore
}

func setupTestApp(t *testing.T) *testEnv {
	t.Helper()

	persistence := file.NewPersistence(t.TempDir())
	registry := definition.NewBuiltinRegistry(slog.Default())
	jobs := &mocks.MockJobClient{}
	store := jobstore.NewMemoryStore()

	eng := engine.New(registry, jobs, persistence.InstanceRepository(), engine.WithJobStore(store))
	handlers := web.NewAPIHandlers(eng, registry, persistence, validator.New(validator.WithRequiredStructEnabled()))

	app := fiber.New()
	handlers.Register(app)

	return &testEnv{app: app, engine: eng, jobs: jobs, store: store}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, owner string) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader

	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		encoded, err := json.Marshal(b)
		require.NoError(t, err)

		reader = bytes.NewBuffer(encoded)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	if owner != "" {
		req.Header.Set(web.OwnerHeader, owner)
	}

	resp, err := e.app.Test(req)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, respBody
}

func (e *testEnv) createInstance(t *testing.T, workflowType, owner string) *models.WorkflowInstance {
	t.Helper()

	instance, err := e.engine.CreateInstance(context.Background(), engine.CreateInstanceRequest{
		ResourceID:   "lesson-1",
		WorkflowType: workflowType,
		OwnerID:      owner,
	})
	require.NoError(t, err)

	return instance
}

func decodeInstance(t *testing.T, body []byte) *models.WorkflowInstance {
	t.Helper()

	var instance models.WorkflowInstance
	require.NoError(t, json.Unmarshal(body, &instance))

	return &instance
}

func problemType(t *testing.T, body []byte) string {
	t.Helper()

	var problem struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(body, &problem))

	return problem.Type
}

func TestAPIHandlers_CreateWorkflow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		requestBody    any
		owner          string
		expectedStatus int
		expectedType   string
		validateResult func(t *testing.T, instance *models.WorkflowInstance)
	}{
		{
			name: "successful creation",
			requestBody: web.CreateWorkflowRequest{
				ResourceID:   "lesson-1",
				WorkflowType: definition.TypeFullProcessing,
			},
			owner:          "owner-1",
			expectedStatus: http.StatusCreated,
			validateResult: func(t *testing.T, instance *models.WorkflowInstance) {
				t.Helper()
				assert.NotEmpty(t, instance.ID)
				assert.Equal(t, "lesson-1", instance.ResourceID)
				assert.Equal(t, "owner-1", instance.OwnerID, "owner defaults to the header")
				assert.Equal(t, models.WorkflowStatusPending, instance.Status)
				assert.Len(t, instance.Steps, 5)
			},
		},
		{
			name: "unknown workflow type",
			requestBody: web.CreateWorkflowRequest{
				ResourceID:   "lesson-1",
				WorkflowType: "podcast",
			},
			expectedStatus: http.StatusBadRequest,
			expectedType:   "unknown_workflow_type",
		},
		{
			name:           "validation error - missing resource",
			requestBody:    web.CreateWorkflowRequest{WorkflowType: definition.TypeCardsOnly},
			expectedStatus: http.StatusBadRequest,
			expectedType:   "validation_error",
		},
		{
			name:           "invalid JSON",
			requestBody:    "invalid-json",
			expectedStatus: http.StatusBadRequest,
			expectedType:   "validation_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := setupTestApp(t)

			resp, body := env.do(t, http.MethodPost, "/workflows", tt.requestBody, tt.owner)
			assert.Equal(t, tt.expectedStatus, resp.StatusCode)

			if tt.validateResult != nil {
				tt.validateResult(t, decodeInstance(t, body))
			}

			if tt.expectedType != "" {
				assert.Equal(t, tt.expectedType, problemType(t, body))
			}
		})
	}
}

func TestAPIHandlers_StartAndNotify(t *testing.T) {
	t.Parallel()

	env := setupTestApp(t)
	instance := env.createInstance(t, definition.TypeCardsOnly, "")

	env.jobs.On("StartStep", mock.Anything, definition.StepFlashcardGeneration, "lesson-1", mock.Anything).
		Return(mocks.Acknowledge("job-cards"), nil).Once()

	resp, body := env.do(t, http.MethodPost, "/workflows/"+instance.ID+"/start", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	started := decodeInstance(t, body)
	assert.Equal(t, models.WorkflowStatusProcessing, started.Status)

	resp, body = env.do(t, http.MethodPost, "/workflows/"+instance.ID+"/start", nil, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "already_started", problemType(t, body))

	_, err := env.engine.OnJobStatusChanged(context.Background(), instance.ID, &models.Job{
		ID:         "job-cards",
		ResourceID: "lesson-1",
		StepName:   definition.StepFlashcardGeneration,
		Status:     models.JobStatusCompleted,
		CostCents:  12,
	})
	require.NoError(t, err)

	resp, body = env.do(t, http.MethodGet, "/workflows/"+instance.ID, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	done := decodeInstance(t, body)
	assert.Equal(t, models.WorkflowStatusCompleted, done.Status)
	assert.Equal(t, int64(12), done.TotalCostCents)

	resp, body = env.do(t, http.MethodPost, "/workflows/"+instance.ID+"/cancel", nil, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "instance_completed", problemType(t, body))

	env.jobs.AssertExpectations(t)
}

func TestAPIHandlers_StepActions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		path           string
		expectedStatus int
		expectedType   string
	}{
		{"retry pending step", "/steps/transcription/retry", http.StatusConflict, "step_not_retryable"},
		{"skip non skippable step", "/steps/transcription/skip", http.StatusConflict, "step_not_skippable"},
		{"run before start", "/steps/review/run", http.StatusConflict, "step_not_runnable"},
		{"unknown step", "/steps/mixing/skip", http.StatusNotFound, "step_not_found"},
		{"skip review", "/steps/review/skip", http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := setupTestApp(t)
			instance := env.createInstance(t, definition.TypeFullProcessing, "")

			resp, body := env.do(t, http.MethodPost, "/workflows/"+instance.ID+tt.path, nil, "")
			assert.Equal(t, tt.expectedStatus, resp.StatusCode)

			if tt.expectedType != "" {
				assert.Equal(t, tt.expectedType, problemType(t, body))

				return
			}

			updated := decodeInstance(t, body)
			review, ok := updated.Step(definition.StepReview)
			require.True(t, ok)
			assert.Equal(t, models.StepStatusSkipped, review.Status)
		})
	}
}

func TestAPIHandlers_Ownership(t *testing.T) {
	t.Parallel()

	env := setupTestApp(t)
	instance := env.createInstance(t, definition.TypeCardsOnly, "owner-1")

	resp, body := env.do(t, http.MethodPost, "/workflows/"+instance.ID+"/cancel", nil, "owner-2")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", problemType(t, body))

	resp, _ = env.do(t, http.MethodGet, "/workflows/"+instance.ID, nil, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/workflows/"+instance.ID, nil, "owner-2")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", problemType(t, body))

	resp, body = env.do(t, http.MethodGet, "/workflows/"+instance.ID, nil, "owner-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, instance.ID, decodeInstance(t, body).ID)

	resp, body = env.do(t, http.MethodGet, "/workflows?resource_id=lesson-1", nil, "owner-2")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list web.ListWorkflowsResponse
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Zero(t, list.TotalCount)

	resp, body = env.do(t, http.MethodPost, "/workflows/"+instance.ID+"/cancel", nil, "owner-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.WorkflowStatusCancelled, decodeInstance(t, body).Status)
}

func TestAPIHandlers_GetWorkflow_NotFound(t *testing.T) {
	t.Parallel()

	env := setupTestApp(t)

	resp, body := env.do(t, http.MethodGet, "/workflows/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "workflow_not_found", problemType(t, body))

	resp, _ = env.do(t, http.MethodPost, "/workflows/missing/start", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIHandlers_ListWorkflows(t *testing.T) {
	t.Parallel()

	env := setupTestApp(t)
	env.createInstance(t, definition.TypeCardsOnly, "")
	env.createInstance(t, definition.TypeLessonSummary, "")

	resp, _ := env.do(t, http.MethodGet, "/workflows", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := env.do(t, http.MethodGet, "/workflows?resource_id=lesson-1", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list web.ListWorkflowsResponse
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 2, list.TotalCount)
	assert.Equal(t, definition.TypeCardsOnly, list.Workflows[0].WorkflowType)
}

func TestAPIHandlers_WorkflowTypesAndHealth(t *testing.T) {
	t.Parallel()

	env := setupTestApp(t)

	resp, body := env.do(t, http.MethodGet, "/workflow-types", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var types []web.WorkflowTypeResponse
	require.NoError(t, json.Unmarshal(body, &types))
	require.Len(t, types, 4)
	assert.Equal(t, definition.TypeCardsOnly, types[0].Type)

	resp, body = env.do(t, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]any
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "healthy", health["status"])
}
