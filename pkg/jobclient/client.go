// Package jobclient starts external processing jobs for workflow steps.
package jobclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dukex/lessonflow/pkg/models"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxErrorBodyBytes  = 4096
)

// Client requests that an external processor start working on a step.
// A successful call only acknowledges acceptance of the job.
type Client interface {
	StartStep(ctx context.Context, stepName, resourceID string, input map[string]any) (*models.JobAcknowledgement, error)
}

// StartRequest is the body posted to a processor.
type StartRequest struct {
	ResourceID string         `json:"resource_id"`
	Input      map[string]any `json:"input,omitempty"`
}

// HTTPClient routes each step to a processor endpoint and issues exactly one POST per call.
type HTTPClient struct {
	routes     map[string]string
	httpClient *http.Client
	headers    map[string]string
	logger     *slog.Logger
}

// Option customizes the client.
type Option func(*HTTPClient)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *HTTPClient) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithHeader adds a header to every processor request, e.g. an API key.
func WithHeader(key, value string) Option {
	return func(c *HTTPClient) {
		c.headers[key] = value
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *HTTPClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewHTTPClient builds a client from a step name to endpoint URL routing table.
func NewHTTPClient(routes map[string]string, opts ...Option) *HTTPClient {
	client := &HTTPClient{
		routes:     make(map[string]string, len(routes)),
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		headers:    make(map[string]string),
		logger:     slog.Default(),
	}

	for step, endpoint := range routes {
		client.routes[step] = endpoint
	}

	for _, opt := range opts {
		opt(client)
	}

	client.logger = client.logger.With("module", "job_client")

	return client
}

// RoutesFor maps every step to baseURL/jobs/<step>, the layout served by the processor.
func RoutesFor(baseURL string, steps []string) (map[string]string, error) {
	routes := make(map[string]string, len(steps))

	for _, step := range steps {
		endpoint, err := url.JoinPath(strings.TrimSpace(baseURL), "jobs", step)
		if err != nil {
			return nil, fmt.Errorf("failed to build route for step %s: %w", step, err)
		}

		routes[step] = endpoint
	}

	return routes, nil
}

func (c *HTTPClient) StartStep(
	ctx context.Context,
	stepName, resourceID string,
	input map[string]any,
) (*models.JobAcknowledgement, error) {
	endpoint, ok := c.routes[stepName]
	if !ok {
		return nil, &StartError{Kind: ErrUnknownStepName, StepName: stepName}
	}

	body, err := json.Marshal(StartRequest{ResourceID: resourceID, Input: input})
	if err != nil {
		return nil, &StartError{Kind: ErrTransportFailure, StepName: stepName, Message: "encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &StartError{Kind: ErrTransportFailure, StepName: stepName, Message: "build request", Err: err}
	}

	req.Header.Set("Content-Type", "application/json")

	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &StartError{Kind: ErrTransportFailure, StepName: stepName, Err: err}
	}

	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.ErrorContext(ctx, "failed to close response body", "error", cerr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

		return nil, &StartError{
			Kind:       ErrRejectedByProcessor,
			StepName:   stepName,
			StatusCode: resp.StatusCode,
			Message:    processorMessage(raw),
		}
	}

	var ack models.JobAcknowledgement
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return nil, &StartError{Kind: ErrRejectedByProcessor, StepName: stepName, StatusCode: resp.StatusCode, Message: "invalid acknowledgement", Err: err}
	}

	if ack.JobID == "" {
		return nil, &StartError{Kind: ErrRejectedByProcessor, StepName: stepName, StatusCode: resp.StatusCode, Message: "acknowledgement without job id"}
	}

	c.logger.DebugContext(ctx, "Processor accepted step", "step", stepName, "resource_id", resourceID, "job_id", ack.JobID)

	return &ack, nil
}

// processorMessage extracts a readable message from problem+json or plain bodies.
func processorMessage(raw []byte) string {
	var problem struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}

	if err := json.Unmarshal(raw, &problem); err == nil {
		switch {
		case problem.Detail != "":
			return problem.Detail
		case problem.Error != "":
			return problem.Error
		case problem.Title != "":
			return problem.Title
		}
	}

	return strings.TrimSpace(string(raw))
}
