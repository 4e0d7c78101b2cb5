// Package aiclient talks to an OpenAI-compatible API for chat completions and
// speech transcription, and prices every call in cents.
package aiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL            = "https://api.openai.com/v1"
	defaultChatModel          = "gpt-4o-mini"
	defaultTranscriptionModel = "whisper-1"
	defaultHTTPTimeout        = 120 * time.Second
	defaultRetryAttempts      = 3
	defaultRetryBaseDelay     = time.Second
	defaultRetryMaxDelay      = 10 * time.Second
	maxAudioBytes             = 25 << 20
)

// ErrAPIKeyRequired is returned by every call made without credentials.
var ErrAPIKeyRequired = errors.New("ai api key required")

// Pricing converts usage into cents.
type Pricing struct {
	PromptCentsPerMillion       float64
	CompletionCentsPerMillion   float64
	TranscriptionCentsPerMinute float64
}

// DefaultPricing matches the default models.
var DefaultPricing = Pricing{
	PromptCentsPerMillion:       15,
	CompletionCentsPerMillion:   60,
	TranscriptionCentsPerMinute: 0.6,
}

// Config captures the settings required to talk to the API.
type Config struct {
	APIKey             string
	BaseURL            string
	ChatModel          string
	TranscriptionModel string
	Pricing            Pricing
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger

	retryMaxAttempts int
	retryBaseDelay   time.Duration
	retryMaxDelay    time.Duration
	sleep            func(ctx context.Context, d time.Duration) error
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRetry overrides the attempt count and backoff delays.
func WithRetry(attempts int, baseDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.retryMaxAttempts = attempts
		c.retryBaseDelay = baseDelay
		c.retryMaxDelay = maxDelay
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewClient(cfg Config, opts ...Option) *Client {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	cfg.BaseURL = strings.TrimSpace(cfg.BaseURL)

	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}

	if cfg.ChatModel == "" {
		cfg.ChatModel = defaultChatModel
	}

	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = defaultTranscriptionModel
	}

	if cfg.Pricing == (Pricing{}) {
		cfg.Pricing = DefaultPricing
	}

	client := &Client{
		cfg:              cfg,
		httpClient:       &http.Client{Timeout: defaultHTTPTimeout},
		logger:           slog.Default(),
		retryMaxAttempts: defaultRetryAttempts,
		retryBaseDelay:   defaultRetryBaseDelay,
		retryMaxDelay:    defaultRetryMaxDelay,
		sleep:            sleepContext,
	}

	for _, opt := range opts {
		opt(client)
	}

	client.logger = client.logger.With("module", "aiclient")

	return client
}

// Completion is the JSON content produced by the model and what it cost.
type Completion struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	CostCents        int64
}

// Transcription is the text of an audio file and what it cost.
type Transcription struct {
	Text            string
	Language        string
	DurationSeconds float64
	CostCents       int64
}

// StatusError is returned for non-2xx API responses.
type StatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ai request: http %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) retryable() bool {
	return e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= http.StatusInternalServerError
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// CompleteJSON issues a JSON-only chat completion.
func (c *Client) CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (*Completion, error) {
	if c.cfg.APIKey == "" {
		return nil, ErrAPIKeyRequired
	}

	if strings.TrimSpace(systemPrompt) == "" || strings.TrimSpace(userPrompt) == "" {
		return nil, errors.New("ai complete: system and user prompts are required")
	}

	payload, err := json.Marshal(chatRequest{
		Model: c.cfg.ChatModel,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature:    0.2,
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("ai complete: encode body: %w", err)
	}

	var response chatResponse

	err = c.withRetry(ctx, "ai complete", func() error {
		body, contentType := bytes.NewReader(payload), "application/json"

		return c.do(ctx, "chat/completions", body, contentType, &response)
	})
	if err != nil {
		return nil, err
	}

	if len(response.Choices) == 0 || strings.TrimSpace(response.Choices[0].Message.Content) == "" {
		refusal := ""
		if len(response.Choices) > 0 {
			refusal = response.Choices[0].Message.Refusal
		}

		return nil, fmt.Errorf("ai complete: empty content (refusal=%q)", refusal)
	}

	pricing := c.cfg.Pricing
	cost := float64(response.Usage.PromptTokens)*pricing.PromptCentsPerMillion/1e6 +
		float64(response.Usage.CompletionTokens)*pricing.CompletionCentsPerMillion/1e6

	return &Completion{
		Content:          response.Choices[0].Message.Content,
		PromptTokens:     response.Usage.PromptTokens,
		CompletionTokens: response.Usage.CompletionTokens,
		CostCents:        toCents(cost),
	}, nil
}

type transcriptionResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
}

// Transcribe downloads the audio at audioURL and sends it for transcription.
func (c *Client) Transcribe(ctx context.Context, audioURL string) (*Transcription, error) {
	if c.cfg.APIKey == "" {
		return nil, ErrAPIKeyRequired
	}

	audio, err := c.download(ctx, audioURL)
	if err != nil {
		return nil, err
	}

	filename := path.Base(audioURL)
	if parsed, err := url.Parse(audioURL); err == nil && parsed.Path != "" {
		filename = path.Base(parsed.Path)
	}

	var response transcriptionResponse

	err = c.withRetry(ctx, "ai transcribe", func() error {
		body, contentType, err := transcriptionForm(c.cfg.TranscriptionModel, filename, audio)
		if err != nil {
			return err
		}

		return c.do(ctx, "audio/transcriptions", body, contentType, &response)
	})
	if err != nil {
		return nil, err
	}

	return &Transcription{
		Text:            strings.TrimSpace(response.Text),
		Language:        response.Language,
		DurationSeconds: response.Duration,
		CostCents:       toCents(response.Duration / 60 * c.cfg.Pricing.TranscriptionCentsPerMinute),
	}, nil
}

func transcriptionForm(model, filename string, audio []byte) (io.Reader, string, error) {
	var buf bytes.Buffer

	writer := multipart.NewWriter(&buf)

	if err := writer.WriteField("model", model); err != nil {
		return nil, "", err
	}

	if err := writer.WriteField("response_format", "verbose_json"); err != nil {
		return nil, "", err
	}

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", err
	}

	if _, err := part.Write(audio); err != nil {
		return nil, "", err
	}

	if err := writer.Close(); err != nil {
		return nil, "", err
	}

	return &buf, writer.FormDataContentType(), nil
}

func (c *Client) download(ctx context.Context, audioURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		return nil, fmt.Errorf("ai transcribe: invalid audio url: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ai transcribe: download audio: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("ai transcribe: download audio: http %d", resp.StatusCode)
	}

	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes+1))
	if err != nil {
		return nil, fmt.Errorf("ai transcribe: read audio: %w", err)
	}

	if len(audio) > maxAudioBytes {
		return nil, fmt.Errorf("ai transcribe: audio larger than %d bytes", maxAudioBytes)
	}

	return audio, nil
}

func (c *Client) do(ctx context.Context, endpoint string, body io.Reader, contentType string, target any) error {
	endpoint, err := url.JoinPath(c.cfg.BaseURL, endpoint)
	if err != nil {
		return fmt.Errorf("ai request: build url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("ai request: new request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ai request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("ai request: read body: %w", err)
	}

	if resp.StatusCode >= http.StatusMultipleChoices {
		return &StatusError{
			StatusCode: resp.StatusCode,
			Body:       snippet(string(data)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("ai request: decode response: %w", err)
	}

	return nil
}

// withRetry retries timeouts, rate limits and server errors with exponential backoff.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	attempts := max(c.retryMaxAttempts, 1)

	var err error

	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		delay, retry := c.retryDelay(ctx, err, attempt)
		if !retry || attempt == attempts {
			break
		}

		c.logger.WarnContext(ctx, "Retrying AI request", "op", op, "attempt", attempt, "delay", delay, "error", err)

		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}

	return fmt.Errorf("%s: %w", op, err)
}

func (c *Client) retryDelay(ctx context.Context, err error, attempt int) (time.Duration, bool) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 0, false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if !statusErr.retryable() {
			return 0, false
		}

		if statusErr.RetryAfter > 0 {
			return min(statusErr.RetryAfter, c.retryMaxDelay), true
		}

		return c.backoff(attempt), true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return c.backoff(attempt), true
	}

	return 0, false
}

// backoff doubles the base delay per attempt, capped at the max delay.
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.retryBaseDelay
	for i := 1; i < attempt && delay < c.retryMaxDelay; i++ {
		delay *= 2
	}

	return min(delay, c.retryMaxDelay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func parseRetryAfter(value string) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || seconds < 0 {
		return 0
	}

	return time.Duration(seconds) * time.Second
}

// toCents rounds a fractional cost up so any paid call costs at least one cent.
func toCents(cents float64) int64 {
	if cents <= 0 {
		return 0
	}

	return int64(math.Ceil(cents))
}

func snippet(body string) string {
	body = strings.Join(strings.Fields(body), " ")

	const limit = 200
	if runes := []rune(body); len(runes) > limit {
		return string(runes[:limit]) + "..."
	}

	return body
}
