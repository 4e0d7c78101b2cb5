package processor

import (
	"context"
	"errors"
	"testing"

	"github.com/dukex/lessonflow/pkg/aiclient"
	"github.com/dukex/lessonflow/pkg/definition"
	"github.com/dukex/lessonflow/pkg/eventbus"
	"github.com/dukex/lessonflow/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAI struct {
	content    string
	cost       int64
	transcript *aiclient.Transcription
	err        error

	prompts []string
}

func (f *fakeAI) CompleteJSON(_ context.Context, _, userPrompt string) (*aiclient.Completion, error) {
	f.prompts = append(f.prompts, userPrompt)

	if f.err != nil {
		return nil, f.err
	}

	return &aiclient.Completion{Content: f.content, CostCents: f.cost}, nil
}

func (f *fakeAI) Transcribe(context.Context, string) (*aiclient.Transcription, error) {
	if f.err != nil {
		return nil, f.err
	}

	return f.transcript, nil
}

type capturingPublisher struct {
	keys   []string
	events []eventbus.Event
	err    error
}

func (c *capturingPublisher) Publish(_ context.Context, key string, event eventbus.Event) error {
	if c.err != nil {
		return c.err
	}

	c.keys = append(c.keys, key)
	c.events = append(c.events, event)

	return nil
}

func newSteps(ai *fakeAI, publisher eventbus.EventPublisher) *lessonSteps {
	return &lessonSteps{ai: ai, publisher: publisher, cfg: StepConfig{AutoApproveThreshold: 0.7}}
}

func newTask(step string, input map[string]any) *Task {
	return &Task{JobID: "job-1", StepName: step, ResourceID: "lesson-1", Input: input}
}

func generatedCards(scores ...float64) map[string]any {
	cards := make([]any, 0, len(scores))
	for i, score := range scores {
		cards = append(cards, map[string]any{
			"question":      "Q" + string(rune('A'+i)),
			"answer":        "A",
			"quality_score": score,
		})
	}

	return map[string]any{"flashcards": cards}
}

func TestRegisterLessonSteps(t *testing.T) {
	p, _ := newTestProcessor(t)
	RegisterLessonSteps(p, &fakeAI{}, nil, StepConfig{})

	assert.Equal(t, []string{
		definition.StepContentAnalysis,
		definition.StepDeployment,
		definition.StepFlashcardGeneration,
		definition.StepReview,
		definition.StepSummarization,
		definition.StepTranscription,
	}, p.Steps())
}

func TestTranscription(t *testing.T) {
	ai := &fakeAI{transcript: &aiclient.Transcription{Text: "hello class", Language: "en", DurationSeconds: 90, CostCents: 1}}
	steps := newSteps(ai, nil)

	result, err := steps.transcription(context.Background(), newTask(definition.StepTranscription, map[string]any{
		"audio_url": "https://cdn.example.com/lesson.mp3",
	}))
	require.NoError(t, err)
	assert.Equal(t, "hello class", result.Output["transcript"])
	assert.Equal(t, "en", result.Output["language"])
	assert.Equal(t, int64(1), result.CostCents)

	_, err = steps.transcription(context.Background(), newTask(definition.StepTranscription, nil))
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestContentAnalysis(t *testing.T) {
	ai := &fakeAI{
		content: "```json\n{\"summary\":\"Cells\",\"key_concepts\":[\"mitosis\",\"dna\"],\"difficulty\":\"beginner\"}\n```",
		cost:    3,
	}
	steps := newSteps(ai, nil)

	result, err := steps.contentAnalysis(context.Background(), newTask(definition.StepContentAnalysis, map[string]any{
		definition.StepTranscription: map[string]any{"transcript": "Cells divide by mitosis.", "language": "en"},
	}))
	require.NoError(t, err)
	assert.Equal(t, "Cells", result.Output["summary"])
	assert.Equal(t, []any{"mitosis", "dna"}, result.Output["key_concepts"])
	assert.Equal(t, int64(3), result.CostCents)

	require.Len(t, ai.prompts, 1)
	assert.Contains(t, ai.prompts[0], "Cells divide by mitosis.")
	assert.Contains(t, ai.prompts[0], "The lesson language is en.")
}

func TestSummarization(t *testing.T) {
	tests := []struct {
		name    string
		content string
		input   map[string]any
		wantErr bool
	}{
		{
			name:    "summarizes explicit content",
			content: `{"summary":"Short","highlights":["a"]}`,
			input:   map[string]any{"content": "Long lesson text", "max_words": 50},
		},
		{
			name:    "empty summary",
			content: `{"summary":"","highlights":[]}`,
			input:   map[string]any{"content": "Long lesson text"},
			wantErr: true,
		},
		{
			name:    "no content",
			content: `{"summary":"Short"}`,
			input:   map[string]any{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ai := &fakeAI{content: tt.content}

			result, err := newSteps(ai, nil).summarization(context.Background(), newTask(definition.StepSummarization, tt.input))
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, "Short", result.Output["summary"])
			assert.Contains(t, ai.prompts[0], "at most 50 words")
		})
	}
}

func TestFlashcardGeneration(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		input     map[string]any
		wantErr   error
		wantCount int
	}{
		{
			name:      "valid cards",
			content:   `{"flashcards":[{"question":"What is DNA?","answer":"A molecule","quality_score":0.9,"tags":["bio"]}]}`,
			input:     map[string]any{"content": "DNA lesson", "card_count": 1.0},
			wantCount: 1,
		},
		{
			name:    "score out of range",
			content: `{"flashcards":[{"question":"Q","answer":"A","quality_score":3}]}`,
			input:   map[string]any{"content": "DNA lesson"},
			wantErr: ErrInvalidFlashcards,
		},
		{
			name:    "missing answer",
			content: `{"flashcards":[{"question":"Q","quality_score":0.5}]}`,
			input:   map[string]any{"content": "DNA lesson"},
			wantErr: ErrInvalidFlashcards,
		},
		{
			name:    "no cards",
			content: `{"flashcards":[]}`,
			input:   map[string]any{"content": "DNA lesson"},
			wantErr: ErrInvalidFlashcards,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ai := &fakeAI{content: tt.content, cost: 4}

			result, err := newSteps(ai, nil).flashcardGeneration(context.Background(), newTask(definition.StepFlashcardGeneration, tt.input))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantCount, result.Output["count"])
			assert.Equal(t, int64(4), result.CostCents)
		})
	}
}

func TestFlashcardGeneration_UsesAnalysisAndCustomPrompt(t *testing.T) {
	ai := &fakeAI{content: `{"flashcards":[{"question":"Q","answer":"A","quality_score":0.5}]}`}
	steps := newSteps(ai, nil)

	_, err := steps.flashcardGeneration(context.Background(), newTask(definition.StepFlashcardGeneration, map[string]any{
		definition.StepTranscription:   map[string]any{"transcript": "Photosynthesis lesson"},
		definition.StepContentAnalysis: map[string]any{"key_concepts": []string{"light", "chlorophyll"}},
	}))
	require.NoError(t, err)
	assert.Contains(t, ai.prompts[0], "Write 10 flashcards")
	assert.Contains(t, ai.prompts[0], "light, chlorophyll")

	_, err = steps.flashcardGeneration(context.Background(), newTask(definition.StepFlashcardGeneration, map[string]any{
		"content": "Photosynthesis lesson",
		"prompt":  "Make {{.card_count}} cards about {{.content}}",
	}))
	require.NoError(t, err)
	assert.Equal(t, "Make 10 cards about Photosynthesis lesson", ai.prompts[1])
}

func TestReview(t *testing.T) {
	tests := []struct {
		name         string
		input        map[string]any
		wantApproved bool
		wantKept     int
		wantErr      error
	}{
		{
			name:         "approves above configured threshold",
			input:        map[string]any{definition.StepFlashcardGeneration: generatedCards(0.9, 0.8, 0.6)},
			wantApproved: true,
			wantKept:     2,
		},
		{
			name:     "rejects below threshold",
			input:    map[string]any{definition.StepFlashcardGeneration: generatedCards(0.5, 0.6)},
			wantKept: 0,
		},
		{
			name: "input threshold overrides config",
			input: map[string]any{
				definition.StepFlashcardGeneration: generatedCards(0.5, 0.6),
				"auto_approve_threshold":           0.5,
			},
			wantApproved: true,
			wantKept:     2,
		},
		{
			name: "invalid threshold",
			input: map[string]any{
				definition.StepFlashcardGeneration: generatedCards(0.5),
				"auto_approve_threshold":           1.5,
			},
			wantErr: ErrInvalidInput,
		},
		{
			name:    "no generated cards",
			input:   map[string]any{},
			wantErr: ErrInvalidInput,
		},
		{
			name: "approve_when rule rejects a weak card",
			input: map[string]any{
				definition.StepFlashcardGeneration: generatedCards(0.95, 0.9, 0.3),
				"approve_when":                     "min_quality_score >= 0.5",
			},
			wantApproved: false,
			wantKept:     2,
		},
		{
			name: "approve_when rule accepts partial approval",
			input: map[string]any{
				definition.StepFlashcardGeneration: generatedCards(0.9, 0.2, 0.1),
				"approve_when":                     "approved_count >= 1 && total == 3",
			},
			wantApproved: true,
			wantKept:     1,
		},
		{
			name: "approve_when must be boolean",
			input: map[string]any{
				definition.StepFlashcardGeneration: generatedCards(0.9),
				"approve_when":                     "mean_quality_score * 2",
			},
			wantErr: ErrInvalidInput,
		},
		{
			name: "approve_when syntax error",
			input: map[string]any{
				definition.StepFlashcardGeneration: generatedCards(0.9),
				"approve_when":                     "mean_quality_score >=",
			},
			wantErr: ErrInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := newSteps(&fakeAI{}, nil).review(context.Background(), newTask(definition.StepReview, tt.input))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantApproved, result.Output["approved"])
			assert.Len(t, result.Output["approved_flashcards"], tt.wantKept)
			assert.Zero(t, result.CostCents)
		})
	}
}

func TestReview_ConfiguredRule(t *testing.T) {
	steps := newSteps(&fakeAI{}, nil)
	steps.cfg.ApproveWhen = "rejected_count == 0"

	result, err := steps.review(context.Background(), newTask(definition.StepReview, map[string]any{
		definition.StepFlashcardGeneration: generatedCards(0.95, 0.65),
	}))
	require.NoError(t, err)
	assert.Equal(t, false, result.Output["approved"])

	result, err = steps.review(context.Background(), newTask(definition.StepReview, map[string]any{
		definition.StepFlashcardGeneration: generatedCards(0.95, 0.85),
	}))
	require.NoError(t, err)
	assert.Equal(t, true, result.Output["approved"])
}

func TestDeployment(t *testing.T) {
	reviewed := map[string]any{
		"approved": true,
		"approved_flashcards": []any{
			map[string]any{"question": "Q", "answer": "A", "quality_score": 0.9},
		},
	}

	tests := []struct {
		name      string
		input     map[string]any
		wantCount int
		wantErr   error
	}{
		{
			name:      "deploys reviewed cards",
			input:     map[string]any{definition.StepReview: reviewed, definition.StepFlashcardGeneration: generatedCards(0.9, 0.1)},
			wantCount: 1,
		},
		{
			name:      "deploys generated cards when review was skipped",
			input:     map[string]any{definition.StepFlashcardGeneration: generatedCards(0.9, 0.1)},
			wantCount: 2,
		},
		{
			name:    "review rejected",
			input:   map[string]any{definition.StepReview: map[string]any{"approved": false}},
			wantErr: ErrNoFlashcards,
		},
		{
			name:    "nothing upstream",
			input:   map[string]any{},
			wantErr: ErrNoFlashcards,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			publisher := &capturingPublisher{}

			result, err := newSteps(&fakeAI{}, publisher).deployment(context.Background(), newTask(definition.StepDeployment, tt.input))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, publisher.events)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantCount, result.Output["deployed_count"])
			require.Len(t, publisher.events, 1)
			assert.Equal(t, []string{"lesson-1"}, publisher.keys)

			event, ok := publisher.events[0].(events.FlashcardsDeployed)
			require.True(t, ok)
			assert.Equal(t, "job-1", event.JobID)
			assert.Len(t, event.Flashcards, tt.wantCount)
		})
	}
}

func TestDeployment_PublishFailure(t *testing.T) {
	publisher := &capturingPublisher{err: errors.New("broker down")}

	_, err := newSteps(&fakeAI{}, publisher).deployment(context.Background(), newTask(definition.StepDeployment, map[string]any{
		definition.StepFlashcardGeneration: generatedCards(0.9),
	}))
	require.ErrorContains(t, err, "broker down")
}
