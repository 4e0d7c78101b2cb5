package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/dukex/lessonflow/pkg/cmd"
	"github.com/dukex/lessonflow/pkg/engine"
	"github.com/dukex/lessonflow/pkg/jobclient"
	"github.com/dukex/lessonflow/pkg/log"
	"github.com/dukex/lessonflow/pkg/otelhelper"
	"github.com/dukex/lessonflow/pkg/processor"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	cli "github.com/urfave/cli/v3"
)

const (
	defaultPort       = 9091
	embeddedProcessor = "/processor"
)

func main() {
	command := &cli.Command{
		Name:                  "lessonflow-api",
		Usage:                 "Create, start and track lesson processing workflows",
		EnableShellCompletion: true,
		Flags: slices.Concat([]cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence (file://dir or postgres://...)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "job-store",
				Usage:   "Job status store (memory, bus, redis://...)",
				Value:   "memory",
				Sources: cli.EnvVars("JOB_STORE"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "processor-url",
				Usage:   "Base URL of the step processor; empty runs the processor inside the API",
				Sources: cli.EnvVars("PROCESSOR_URL"),
			},
			&cli.StringFlag{
				Name:    "definitions-file",
				Usage:   "JSON file with extra workflow definitions",
				Sources: cli.EnvVars("DEFINITIONS_FILE"),
			},
			&cli.StringFlag{
				Name:    "reconcile-schedule",
				Usage:   "Cron schedule for replaying missed job notifications",
				Value:   engine.DefaultReconcileSchedule,
				Sources: cli.EnvVars("RECONCILE_SCHEDULE"),
			},
			&cli.BoolFlag{
				Name:    "otel-enabled",
				Usage:   "Export traces over OTLP/HTTP",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		}, cmd.ProcessorFlags()),
		Action: run,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := command.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	logger := log.WithModule("api")
	logger.InfoContext(ctx, "Initializing Lessonflow API")

	tracer, shutdownTracer, err := otelhelper.Setup(ctx, "lessonflow-api", command.Bool("otel-enabled"))
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}

	defer func() {
		if err := shutdownTracer(context.WithoutCancel(ctx)); err != nil {
			logger.ErrorContext(ctx, "Failed to shutdown tracer", "error", err)
		}
	}()

	registry, err := cmd.NewDefinitions(logger, command.String("definitions-file"))
	if err != nil {
		return err
	}

	persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		if err := persistence.Close(context.WithoutCancel(ctx)); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	eventBus, err := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), "lessonflow-api", logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	store, err := cmd.NewJobStore(ctx, command.String("job-store"), persistence, eventBus, eventBus, logger)
	if err != nil {
		return err
	}

	port := int(command.Int("port"))

	processorURL := command.String("processor-url")

	var embedded *processor.Processor
	if processorURL == "" {
		embedded = cmd.NewProcessor(command, store, eventBus, tracer, logger)
		processorURL = fmt.Sprintf("http://127.0.0.1:%d%s", port, embeddedProcessor)

		logger.InfoContext(ctx, "Running embedded processor", "steps", embedded.Steps())
	}

	routes, err := jobclient.RoutesFor(processorURL, registry.StepNames())
	if err != nil {
		return err
	}

	eng := engine.New(
		registry,
		jobclient.NewHTTPClient(routes, jobclient.WithLogger(logger)),
		persistence.InstanceRepository(),
		engine.WithJobStore(store),
		engine.WithPublisher(eventBus),
		engine.WithTracer(tracer),
		engine.WithLogger(logger),
	)

	watcher := engine.NewWatcher(ctx, eng, store, persistence.InstanceRepository(), logger)
	defer func() {
		if err := watcher.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close watcher", "error", err)
		}
	}()

	if err := eventBus.Subscribe(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to event bus: %w", err)
	}

	if err := watcher.Resume(ctx); err != nil {
		logger.ErrorContext(ctx, "Failed to resume active workflows", "error", err)
	}

	reconciler, err := engine.NewReconciler(watcher, command.String("reconcile-schedule"), logger)
	if err != nil {
		return err
	}

	if err := reconciler.Start(ctx); err != nil {
		return err
	}

	defer reconciler.Stop()

	api := NewAPI(logger, persistence, registry, eng)

	if embedded != nil {
		server := processor.NewServer(embedded, store, validator.New(validator.WithRequiredStructEnabled()))
		api.Mount(embeddedProcessor, func(router fiber.Router) { server.Register(router) })

		go func() {
			if err := embedded.Run(ctx); err != nil {
				logger.ErrorContext(ctx, "Embedded processor stopped", "error", err)
			}
		}()
	}

	return api.Start(ctx, port)
}
