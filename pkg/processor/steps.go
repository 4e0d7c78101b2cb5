package processor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/dukex/lessonflow/pkg/aiclient"
	"github.com/dukex/lessonflow/pkg/definition"
	"github.com/dukex/lessonflow/pkg/eventbus"
	"github.com/dukex/lessonflow/pkg/events"
)

const (
	DefaultAutoApproveThreshold = 0.7
	defaultCardCount            = 10
	maxCardCount                = 50
)

// ErrNoFlashcards is returned by deployment when nothing upstream produced approved cards.
var ErrNoFlashcards = errors.New("no flashcards to deploy")

// AI is the subset of the AI client used by the lesson steps.
type AI interface {
	CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (*aiclient.Completion, error)
	Transcribe(ctx context.Context, audioURL string) (*aiclient.Transcription, error)
}

// StepConfig holds processor-wide defaults that step input may override.
type StepConfig struct {
	AutoApproveThreshold float64
	// ApproveWhen is an optional expr rule replacing the mean score comparison,
	// e.g. "mean_quality_score >= threshold && rejected_count <= 2".
	ApproveWhen string
}

type lessonSteps struct {
	ai        AI
	publisher eventbus.EventPublisher
	cfg       StepConfig
	rules     approvalRules
}

// RegisterLessonSteps binds every builtin lesson step to p.
func RegisterLessonSteps(p *Processor, ai AI, publisher eventbus.EventPublisher, cfg StepConfig) {
	if publisher == nil {
		publisher = eventbus.NopPublisher{}
	}

	if cfg.AutoApproveThreshold <= 0 || cfg.AutoApproveThreshold > 1 {
		cfg.AutoApproveThreshold = DefaultAutoApproveThreshold
	}

	steps := &lessonSteps{ai: ai, publisher: publisher, cfg: cfg}

	p.Register(definition.StepTranscription, HandlerFunc(steps.transcription))
	p.Register(definition.StepContentAnalysis, HandlerFunc(steps.contentAnalysis))
	p.Register(definition.StepSummarization, HandlerFunc(steps.summarization))
	p.Register(definition.StepFlashcardGeneration, HandlerFunc(steps.flashcardGeneration))
	p.Register(definition.StepReview, HandlerFunc(steps.review))
	p.Register(definition.StepDeployment, HandlerFunc(steps.deployment))
}

func (s *lessonSteps) transcription(ctx context.Context, task *Task) (*Result, error) {
	audioURL, _ := task.Input["audio_url"].(string)
	if strings.TrimSpace(audioURL) == "" {
		return nil, fmt.Errorf("%w: audio_url is required", ErrInvalidInput)
	}

	task.Progress(ctx, 10)

	transcript, err := s.ai.Transcribe(ctx, audioURL)
	if err != nil {
		return nil, err
	}

	if transcript.Text == "" {
		return nil, errors.New("transcription returned no text")
	}

	return &Result{
		Output: map[string]any{
			"transcript":       transcript.Text,
			"language":         transcript.Language,
			"duration_seconds": transcript.DurationSeconds,
		},
		CostCents: transcript.CostCents,
	}, nil
}

type analysis struct {
	Summary     string   `json:"summary"`
	KeyConcepts []string `json:"key_concepts"`
	Difficulty  string   `json:"difficulty"`
}

func (s *lessonSteps) contentAnalysis(ctx context.Context, task *Task) (*Result, error) {
	data, err := promptData(task)
	if err != nil {
		return nil, err
	}

	prompt, err := renderPrompt(task, analysisUserPrompt, data)
	if err != nil {
		return nil, err
	}

	task.Progress(ctx, 20)

	completion, err := s.ai.CompleteJSON(ctx, analysisSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	var out analysis
	if err := aiclient.DecodeJSON(completion.Content, &out); err != nil {
		return nil, fmt.Errorf("content analysis: %w", err)
	}

	return &Result{
		Output: map[string]any{
			"summary":      out.Summary,
			"key_concepts": toAny(out.KeyConcepts),
			"difficulty":   out.Difficulty,
		},
		CostCents: completion.CostCents,
	}, nil
}

type summary struct {
	Summary    string   `json:"summary"`
	Highlights []string `json:"highlights"`
}

func (s *lessonSteps) summarization(ctx context.Context, task *Task) (*Result, error) {
	data, err := promptData(task)
	if err != nil {
		return nil, err
	}

	prompt, err := renderPrompt(task, summaryUserPrompt, data)
	if err != nil {
		return nil, err
	}

	task.Progress(ctx, 20)

	completion, err := s.ai.CompleteJSON(ctx, summarySystemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	var out summary
	if err := aiclient.DecodeJSON(completion.Content, &out); err != nil {
		return nil, fmt.Errorf("summarization: %w", err)
	}

	if strings.TrimSpace(out.Summary) == "" {
		return nil, errors.New("summarization returned an empty summary")
	}

	return &Result{
		Output: map[string]any{
			"summary":    out.Summary,
			"highlights": toAny(out.Highlights),
		},
		CostCents: completion.CostCents,
	}, nil
}

func (s *lessonSteps) flashcardGeneration(ctx context.Context, task *Task) (*Result, error) {
	data, err := promptData(task)
	if err != nil {
		return nil, err
	}

	count := defaultCardCount
	if n, ok := number(task.Input["card_count"]); ok && n >= 1 {
		count = min(int(n), maxCardCount)
	}

	data["card_count"] = count

	if analysisOut, ok := task.Input[definition.StepContentAnalysis].(map[string]any); ok {
		if concepts, ok := analysisOut["key_concepts"]; ok {
			data["key_concepts"] = toAny(concepts)
		}
	}

	prompt, err := renderPrompt(task, flashcardUserPrompt, data)
	if err != nil {
		return nil, err
	}

	task.Progress(ctx, 20)

	completion, err := s.ai.CompleteJSON(ctx, flashcardSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}

	cards, err := parseFlashcards(completion.Content)
	if err != nil {
		return nil, err
	}

	return &Result{
		Output: map[string]any{
			"flashcards": flashcardMaps(cards),
			"count":      len(cards),
		},
		CostCents: completion.CostCents,
	}, nil
}

func (s *lessonSteps) review(_ context.Context, task *Task) (*Result, error) {
	generated, _ := task.Input[definition.StepFlashcardGeneration].(map[string]any)

	cards, err := flashcardsFrom(generated["flashcards"])
	if err != nil {
		return nil, err
	}

	if len(cards) == 0 {
		return nil, fmt.Errorf("%w: review needs generated flashcards", ErrInvalidInput)
	}

	threshold := s.cfg.AutoApproveThreshold
	if value, ok := number(task.Input["auto_approve_threshold"]); ok {
		if value < 0 || value > 1 {
			return nil, fmt.Errorf("%w: auto_approve_threshold must be between 0 and 1", ErrInvalidInput)
		}

		threshold = value
	}

	var (
		total    float64
		lowest   = cards[0].QualityScore
		approved []Flashcard
	)

	for _, card := range cards {
		total += card.QualityScore
		lowest = min(lowest, card.QualityScore)

		if card.QualityScore >= threshold {
			approved = append(approved, card)
		}
	}

	mean := total / float64(len(cards))
	accepted := mean >= threshold

	rule := s.cfg.ApproveWhen
	if value, ok := task.Input["approve_when"].(string); ok && value != "" {
		rule = value
	}

	if rule != "" {
		accepted, err = s.rules.evaluate(rule, reviewStats{
			MeanQualityScore: mean,
			MinQualityScore:  lowest,
			Threshold:        threshold,
			Total:            len(cards),
			ApprovedCount:    len(approved),
			RejectedCount:    len(cards) - len(approved),
		})
		if err != nil {
			return nil, err
		}
	}

	return &Result{
		Output: map[string]any{
			"approved":            accepted,
			"mean_quality_score":  math.Round(mean*1000) / 1000,
			"threshold":           threshold,
			"approved_flashcards": flashcardMaps(approved),
			"rejected_count":      len(cards) - len(approved),
		},
	}, nil
}

// deployment publishes the reviewed cards, or the generated ones when review was skipped.
func (s *lessonSteps) deployment(ctx context.Context, task *Task) (*Result, error) {
	var (
		cards []Flashcard
		err   error
	)

	if reviewed, ok := task.Input[definition.StepReview].(map[string]any); ok {
		if approved, _ := reviewed["approved"].(bool); !approved {
			return nil, fmt.Errorf("%w: review did not approve the flashcards", ErrNoFlashcards)
		}

		cards, err = flashcardsFrom(reviewed["approved_flashcards"])
	} else if generated, ok := task.Input[definition.StepFlashcardGeneration].(map[string]any); ok {
		cards, err = flashcardsFrom(generated["flashcards"])
	}

	if err != nil {
		return nil, err
	}

	if len(cards) == 0 {
		return nil, ErrNoFlashcards
	}

	event := events.FlashcardsDeployed{
		BaseEvent:  events.NewBaseEvent(events.FlashcardsDeployedEvent),
		ResourceID: task.ResourceID,
		JobID:      task.JobID,
		Flashcards: flashcardMaps(cards),
	}

	if err := s.publisher.Publish(ctx, task.ResourceID, event); err != nil {
		return nil, fmt.Errorf("failed to publish deployed flashcards: %w", err)
	}

	return &Result{
		Output: map[string]any{
			"deployed_count": len(cards),
			"event_id":       event.ID,
		},
	}, nil
}

// promptData collects the lesson text: an explicit "content" input wins, then the
// transcript produced by an upstream transcription step.
func promptData(task *Task) (map[string]any, error) {
	data := make(map[string]any, len(task.Input)+1)
	for k, v := range task.Input {
		data[k] = v
	}

	content, _ := task.Input["content"].(string)

	if transcription, ok := task.Input[definition.StepTranscription].(map[string]any); ok {
		if content == "" {
			content, _ = transcription["transcript"].(string)
		}

		if language, ok := transcription["language"].(string); ok && language != "" {
			data["language"] = language
		}
	}

	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: lesson content or transcript is required", ErrInvalidInput)
	}

	data["content"] = content

	return data, nil
}

func number(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func toAny(value any) []any {
	switch v := value.(type) {
	case []any:
		return v
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}

		return out
	default:
		return nil
	}
}
