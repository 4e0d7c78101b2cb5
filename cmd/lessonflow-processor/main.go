// Package main runs the lesson step processor as a standalone service.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"syscall"

	"github.com/dukex/lessonflow/pkg/cmd"
	"github.com/dukex/lessonflow/pkg/log"
	"github.com/dukex/lessonflow/pkg/otelhelper"
	"github.com/dukex/lessonflow/pkg/persistence"
	"github.com/dukex/lessonflow/pkg/processor"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
	cli "github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

const defaultPort = 9092

// ErrSharedStoreRequired is returned when the processor would write jobs nobody can read.
var ErrSharedStoreRequired = errors.New("standalone processor needs a shared job store (bus or redis://...)")

func main() {
	command := &cli.Command{
		Name:  "lessonflow-processor",
		Usage: "Run lesson processing steps and report their job status",
		Flags: slices.Concat([]cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the processor on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL, required by the bus job store",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "job-store",
				Usage:    "Job status store (bus, redis://...)",
				Required: true,
				Sources:  cli.EnvVars("JOB_STORE"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "kafka",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
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

	logger := log.WithModule("processor")
	logger.InfoContext(ctx, "Initializing Lessonflow processor")

	jobStore := command.String("job-store")
	if jobStore == "memory" {
		return ErrSharedStoreRequired
	}

	tracer, shutdownTracer, err := otelhelper.Setup(ctx, "lessonflow-processor", command.Bool("otel-enabled"))
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}

	defer func() {
		if err := shutdownTracer(context.WithoutCancel(ctx)); err != nil {
			logger.ErrorContext(ctx, "Failed to shutdown tracer", "error", err)
		}
	}()

	var db persistence.Persistence

	if url := command.String("database-url"); url != "" {
		db, err = cmd.NewPersistence(ctx, logger, url)
		if err != nil {
			return err
		}

		defer func() {
			if err := db.Close(context.WithoutCancel(ctx)); err != nil {
				logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
			}
		}()
	} else if jobStore == "bus" {
		return fmt.Errorf("%w: --database-url is required", ErrSharedStoreRequired)
	}

	eventBus, err := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), "lessonflow-processor", logger)
	if err != nil {
		return err
	}

	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	store, err := cmd.NewJobStore(ctx, jobStore, db, eventBus, nil, logger)
	if err != nil {
		return err
	}

	p := cmd.NewProcessor(command, store, eventBus, tracer, logger)

	app := fiber.New()
	app.Use(fiberlogger.New(fiberlogger.Config{DisableColors: true}))
	processor.NewServer(p, store, validator.New(validator.WithRequiredStructEnabled())).Register(app)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return p.Run(groupCtx)
	})

	group.Go(func() error {
		return app.Listen(":"+strconv.Itoa(int(command.Int("port"))), fiber.ListenConfig{DisableStartupMessage: true})
	})

	group.Go(func() error {
		<-groupCtx.Done()

		return app.ShutdownWithContext(context.WithoutCancel(ctx))
	})

	return group.Wait()
}
