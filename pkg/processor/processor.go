// Package processor runs lesson steps asynchronously and records their job status.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dukex/lessonflow/pkg/jobstore"
	"github.com/dukex/lessonflow/pkg/models"
	"github.com/dukex/lessonflow/pkg/otelhelper"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 64
)

var (
	ErrUnknownStep  = errors.New("unknown step")
	ErrQueueFull    = errors.New("processor queue is full")
	ErrInvalidInput = errors.New("invalid step input")
	ErrStopped      = errors.New("processor stopped")
)

// Task is one accepted job handed to a step handler.
type Task struct {
	JobID      string
	StepName   string
	ResourceID string
	Input      map[string]any

	createdAt time.Time
	progress  func(ctx context.Context, pct int)
}

// Progress records an intermediate progress percentage for the job. Values are clamped to 0..99.
func (t *Task) Progress(ctx context.Context, pct int) {
	if t.progress != nil {
		t.progress(ctx, min(max(pct, 0), 99))
	}
}

// Result is the output of a successful step.
type Result struct {
	Output    map[string]any
	CostCents int64
}

// Handler executes a single step.
type Handler interface {
	Handle(ctx context.Context, task *Task) (*Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task *Task) (*Result, error)

func (f HandlerFunc) Handle(ctx context.Context, task *Task) (*Result, error) {
	return f(ctx, task)
}

// Processor accepts jobs, queues them and runs them on a bounded pool of workers.
type Processor struct {
	jobs   jobstore.Recorder
	logger *slog.Logger
	tracer trace.Tracer
	newID  func() string
	now    func() time.Time

	workers int
	queue   chan *Task

	mu       sync.RWMutex
	handlers map[string]Handler
	stopped  bool
}

// Option customizes the processor.
type Option func(*Processor)

func WithWorkers(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.queue = make(chan *Task, n)
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(p *Processor) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

// WithIDGenerator overrides uuid job ids, mainly for tests.
func WithIDGenerator(newID func() string) Option {
	return func(p *Processor) {
		if newID != nil {
			p.newID = newID
		}
	}
}

func New(jobs jobstore.Recorder, opts ...Option) *Processor {
	p := &Processor{
		jobs:     jobs,
		logger:   slog.Default(),
		tracer:   otel.Tracer("lessonflow-processor"),
		newID:    func() string { return uuid.New().String() },
		now:      func() time.Time { return time.Now().UTC() },
		workers:  defaultWorkers,
		queue:    make(chan *Task, defaultQueueSize),
		handlers: make(map[string]Handler),
	}

	for _, opt := range opts {
		opt(p)
	}

	p.logger = p.logger.With("module", "processor")

	return p
}

// Register binds a handler to a step name, replacing any previous one.
func (p *Processor) Register(stepName string, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.handlers[stepName] = handler
}

// Steps lists the registered step names in order.
func (p *Processor) Steps() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	steps := make([]string, 0, len(p.handlers))
	for name := range p.handlers {
		steps = append(steps, name)
	}

	slices.Sort(steps)

	return steps
}

func (p *Processor) handler(stepName string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	handler, ok := p.handlers[stepName]

	return handler, ok
}

// Submit records a pending job and queues it. It never blocks: a full queue records the
// job as failed and returns ErrQueueFull.
func (p *Processor) Submit(ctx context.Context, stepName, resourceID string, input map[string]any) (*models.JobAcknowledgement, error) {
	if _, ok := p.handler(stepName); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStep, stepName)
	}

	if resourceID == "" {
		return nil, fmt.Errorf("%w: resource_id is required", ErrInvalidInput)
	}

	task := &Task{
		JobID:      p.newID(),
		StepName:   stepName,
		ResourceID: resourceID,
		Input:      input,
		createdAt:  p.now(),
	}

	err := p.record(ctx, task, func(job *models.Job) {
		job.Status = models.JobStatusPending
	})
	if err != nil {
		return nil, err
	}

	if err := p.enqueue(task); err != nil {
		p.fail(ctx, task, err)

		return nil, err
	}

	p.logger.InfoContext(ctx, "Job accepted", "job_id", task.JobID, "step", stepName, "resource_id", resourceID)

	return &models.JobAcknowledgement{JobID: task.JobID}, nil
}

// Run drives the workers until ctx is cancelled. Tasks still queued at shutdown are
// recorded as failed so the engine can offer a retry.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "Starting processor", "workers", p.workers, "steps", p.Steps())

	group, groupCtx := errgroup.WithContext(ctx)

	for range p.workers {
		group.Go(func() error {
			for {
				select {
				case <-groupCtx.Done():
					return nil
				case task := <-p.queue:
					p.process(groupCtx, task)
				}
			}
		})
	}

	err := group.Wait()

	// Holding the write lock while draining waits out any Submit that is mid-enqueue.
	p.mu.Lock()
	p.stopped = true
	p.drain(context.WithoutCancel(ctx))
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "Processor stopped")

	return err
}

// enqueue hands task to the workers without blocking. The stopped check and the send
// happen under one read lock, so Run cannot drain in between.
func (p *Processor) enqueue(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrStopped
	}

	select {
	case p.queue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Processor) drain(ctx context.Context) {
	for {
		select {
		case task := <-p.queue:
			p.fail(ctx, task, ErrStopped)
		default:
			return
		}
	}
}

func (p *Processor) process(ctx context.Context, task *Task) {
	ctx, span := otelhelper.StartSpan(ctx, p.tracer, "processor.process",
		attribute.String(otelhelper.JobIDKey, task.JobID),
		attribute.String(otelhelper.StepNameKey, task.StepName),
		attribute.String(otelhelper.ResourceIDKey, task.ResourceID),
	)
	defer span.End()

	logger := p.logger.With("job_id", task.JobID, "step", task.StepName, "resource_id", task.ResourceID)
	started := p.now()

	task.progress = func(ctx context.Context, pct int) {
		_ = p.record(ctx, task, func(job *models.Job) {
			job.Status = models.JobStatusProcessing
			job.ProgressPercentage = pct
		})
	}

	task.Progress(ctx, 0)

	handler, ok := p.handler(task.StepName)
	if !ok {
		p.fail(ctx, task, fmt.Errorf("%w: %s", ErrUnknownStep, task.StepName))

		return
	}

	result, err := invoke(ctx, handler, task)
	if err != nil {
		otelhelper.SetError(span, err)
		logger.WarnContext(ctx, "Step failed", "error", err)
		p.fail(ctx, task, err)

		return
	}

	if result == nil {
		result = &Result{}
	}

	err = p.record(ctx, task, func(job *models.Job) {
		job.Status = models.JobStatusCompleted
		job.ProgressPercentage = 100
		job.OutputData = result.Output
		job.CostCents = result.CostCents
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return
	}

	span.SetAttributes(attribute.String(otelhelper.JobStatusKey, string(models.JobStatusCompleted)))
	logger.InfoContext(ctx, "Step completed", "cost_cents", result.CostCents, "duration", time.Since(started))
}

func invoke(ctx context.Context, handler Handler, task *Task) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panicked: %v", r)
		}
	}()

	return handler.Handle(ctx, task)
}

func (p *Processor) fail(ctx context.Context, task *Task, cause error) {
	_ = p.record(ctx, task, func(job *models.Job) {
		job.Status = models.JobStatusFailed
		job.ErrorMessage = cause.Error()
	})
}

func (p *Processor) record(ctx context.Context, task *Task, apply func(job *models.Job)) error {
	job := &models.Job{
		ID:         task.JobID,
		ResourceID: task.ResourceID,
		StepName:   task.StepName,
		CreatedAt:  task.createdAt,
		UpdatedAt:  p.now(),
	}

	apply(job)

	// Terminal states must land even when the worker is shutting down.
	if err := p.jobs.Record(context.WithoutCancel(ctx), job); err != nil {
		p.logger.ErrorContext(ctx, "Failed to record job",
			"job_id", job.ID,
			"status", job.Status,
			"error", err,
		)

		return fmt.Errorf("failed to record job %s: %w", job.ID, err)
	}

	return nil
}
