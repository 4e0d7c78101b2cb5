package definition

import (
	"log/slog"

	"github.com/dukex/lessonflow/pkg/models"
)

// Step names understood by the reference processors.
const (
	StepTranscription       = "transcription"
	StepContentAnalysis     = "content_analysis"
	StepSummarization       = "summarization"
	StepFlashcardGeneration = "flashcard_generation"
	StepReview              = "review"
	StepDeployment          = "deployment"
)

// Workflow types registered by default.
const (
	TypeCardsOnly         = "cards_only"
	TypeTranscriptionOnly = "transcription_only"
	TypeLessonSummary     = "lesson_summary"
	TypeFullProcessing    = "full_processing"
)

// Builtin returns the workflow types every deployment ships with.
func Builtin() []models.WorkflowDefinition {
	return []models.WorkflowDefinition{
		{
			Type:        TypeCardsOnly,
			Description: "Generate flashcards from existing lesson content",
			Steps: []models.StepTemplate{
				{Name: StepFlashcardGeneration, DisplayName: "Flashcard generation", CanRetry: true},
			},
		},
		{
			Type:        TypeTranscriptionOnly,
			Description: "Transcribe the lesson recording",
			Steps: []models.StepTemplate{
				{Name: StepTranscription, DisplayName: "Transcription", CanRetry: true},
			},
		},
		{
			Type:        TypeLessonSummary,
			Description: "Transcribe and summarize the lesson",
			Steps: []models.StepTemplate{
				{Name: StepTranscription, DisplayName: "Transcription", CanRetry: true},
				{Name: StepSummarization, DisplayName: "Summarization", DependsOn: []string{StepTranscription}, CanRetry: true},
			},
		},
		{
			Type:        TypeFullProcessing,
			Description: "Transcribe, analyze, generate flashcards, review and deploy",
			Steps: []models.StepTemplate{
				{Name: StepTranscription, DisplayName: "Transcription", CanRetry: true},
				{Name: StepContentAnalysis, DisplayName: "Content analysis", DependsOn: []string{StepTranscription}, CanRetry: true},
				{
					Name:        StepFlashcardGeneration,
					DisplayName: "Flashcard generation",
					DependsOn:   []string{StepTranscription, StepContentAnalysis},
					CanRetry:    true,
				},
				{
					Name:        StepReview,
					DisplayName: "Review",
					DependsOn:   []string{StepFlashcardGeneration},
					CanSkip:     true,
					CanRetry:    true,
					Manual:      true,
				},
				{Name: StepDeployment, DisplayName: "Deployment", DependsOn: []string{StepReview}, CanRetry: true},
			},
		},
	}
}

// NewBuiltinRegistry returns a registry preloaded with Builtin definitions.
func NewBuiltinRegistry(logger *slog.Logger) *Registry {
	registry := NewRegistry(logger)
	registry.MustRegister(Builtin()...)

	return registry
}
