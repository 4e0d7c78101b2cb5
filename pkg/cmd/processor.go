package cmd

import (
	"log/slog"

	"github.com/dukex/lessonflow/pkg/aiclient"
	"github.com/dukex/lessonflow/pkg/eventbus"
	"github.com/dukex/lessonflow/pkg/jobstore"
	"github.com/dukex/lessonflow/pkg/processor"
	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"
)

// ProcessorFlags are shared by the standalone processor and the API's embedded one.
func ProcessorFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "ai-api-key",
			Usage:   "API key for the OpenAI-compatible AI provider",
			Sources: cli.EnvVars("AI_API_KEY"),
		},
		&cli.StringFlag{
			Name:    "ai-base-url",
			Usage:   "Base URL of the OpenAI-compatible API",
			Sources: cli.EnvVars("AI_BASE_URL"),
		},
		&cli.StringFlag{
			Name:    "ai-chat-model",
			Usage:   "Chat model used for analysis, summaries and flashcards",
			Sources: cli.EnvVars("AI_CHAT_MODEL"),
		},
		&cli.StringFlag{
			Name:    "ai-transcription-model",
			Usage:   "Speech-to-text model",
			Sources: cli.EnvVars("AI_TRANSCRIPTION_MODEL"),
		},
		&cli.FloatFlag{
			Name:    "auto-approve-threshold",
			Usage:   "Mean flashcard quality score needed for automatic approval (0..1)",
			Value:   processor.DefaultAutoApproveThreshold,
			Sources: cli.EnvVars("AUTO_APPROVE_THRESHOLD"),
		},
		&cli.StringFlag{
			Name:    "approve-when",
			Usage:   "Optional expr rule deciding flashcard approval, e.g. \"min_quality_score >= 0.5\"",
			Sources: cli.EnvVars("APPROVE_WHEN"),
		},
		&cli.IntFlag{
			Name:    "processor-workers",
			Usage:   "Number of concurrent step workers",
			Value:   4,
			Sources: cli.EnvVars("PROCESSOR_WORKERS"),
		},
	}
}

// NewProcessor builds a processor with every lesson step registered from the flags above.
func NewProcessor(
	command *cli.Command,
	jobs jobstore.Recorder,
	publisher eventbus.EventPublisher,
	tracer trace.Tracer,
	logger *slog.Logger,
) *processor.Processor {
	ai := aiclient.NewClient(aiclient.Config{
		APIKey:             command.String("ai-api-key"),
		BaseURL:            command.String("ai-base-url"),
		ChatModel:          command.String("ai-chat-model"),
		TranscriptionModel: command.String("ai-transcription-model"),
		Pricing:            aiclient.DefaultPricing,
	}, aiclient.WithLogger(logger))

	p := processor.New(jobs,
		processor.WithWorkers(int(command.Int("processor-workers"))),
		processor.WithTracer(tracer),
		processor.WithLogger(logger),
	)

	processor.RegisterLessonSteps(p, ai, publisher, processor.StepConfig{
		AutoApproveThreshold: command.Float("auto-approve-threshold"),
		ApproveWhen:          command.String("approve-when"),
	})

	return p
}
