// Package engine coordinates dependency-gated workflow instances over external jobs.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/lessonflow/pkg/definition"
	"github.com/dukex/lessonflow/pkg/eventbus"
	"github.com/dukex/lessonflow/pkg/jobclient"
	"github.com/dukex/lessonflow/pkg/jobstore"
	"github.com/dukex/lessonflow/pkg/models"
	"github.com/dukex/lessonflow/pkg/otelhelper"
	"github.com/dukex/lessonflow/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultStartConcurrency = 4
	defaultSaveRetries      = 3
	defaultSaveInterval     = 100 * time.Millisecond
)

// ActivationHook is called before an instance issues jobs, so the caller can make sure
// job notifications for the resource are being received.
type ActivationHook func(ctx context.Context, resourceID string) error

// CreateInstanceRequest asks for a new instance of a workflow type against a resource.
type CreateInstanceRequest struct {
	ResourceID   string `json:"resource_id"         validate:"required,max=255"`
	WorkflowType string `json:"workflow_type"       validate:"required,max=64"`
	OwnerID      string `json:"owner_id,omitempty"  validate:"max=255"`
}

type Engine struct {
	definitions      definition.Source
	jobs             jobclient.Client
	instances        persistence.InstanceRepository
	store            jobstore.Store
	publisher        eventbus.EventPublisher
	tracer           trace.Tracer
	logger           *slog.Logger
	validate         *validator.Validate
	locks            *keyedMutex
	now              func() time.Time
	newID            func() string
	startConcurrency int
	activate         ActivationHook
	unsaved          *unsavedInstances
	saveRetries      uint64
	saveInterval     time.Duration
}

// Option customizes the engine.
type Option func(*Engine)

// WithJobStore lets steps receive the output of their completed dependencies.
func WithJobStore(store jobstore.Store) Option {
	return func(e *Engine) {
		e.store = store
	}
}

// WithPublisher emits instance and step events for realtime consumers.
func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(e *Engine) {
		if publisher != nil {
			e.publisher = publisher
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithIDGenerator overrides how instance and step ids are generated.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) {
		e.newID = newID
	}
}

// WithStartConcurrency bounds the concurrent job client calls issued by one cascade.
func WithStartConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.startConcurrency = n
		}
	}
}

// WithSaveRetry sets how often a failed instance save is retried and the first backoff interval.
func WithSaveRetry(retries int, interval time.Duration) Option {
	return func(e *Engine) {
		if retries >= 0 {
			e.saveRetries = uint64(retries)
		}

		if interval > 0 {
			e.saveInterval = interval
		}
	}
}

func New(
	definitions definition.Source,
	jobs jobclient.Client,
	instances persistence.InstanceRepository,
	opts ...Option,
) *Engine {
	engine := &Engine{
		definitions:      definitions,
		jobs:             jobs,
		instances:        instances,
		publisher:        eventbus.NopPublisher{},
		tracer:           otel.Tracer("lessonflow/engine"),
		logger:           slog.Default(),
		validate:         validator.New(validator.WithRequiredStructEnabled()),
		locks:            newKeyedMutex(),
		now:              func() time.Time { return time.Now().UTC() },
		newID:            uuid.NewString,
		startConcurrency: defaultStartConcurrency,
		unsaved:          newUnsavedInstances(),
		saveRetries:      defaultSaveRetries,
		saveInterval:     defaultSaveInterval,
	}

	for _, opt := range opts {
		opt(engine)
	}

	engine.logger = engine.logger.With("module", "engine")

	return engine
}

// SetActivationHook registers the hook called by Start and Retry. It must be set before use.
func (e *Engine) SetActivationHook(hook ActivationHook) {
	e.activate = hook
}

// CreateInstance materializes every step of the workflow type as pending.
func (e *Engine) CreateInstance(ctx context.Context, req CreateInstanceRequest) (*models.WorkflowInstance, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.create_instance",
		attribute.String(otelhelper.ResourceIDKey, req.ResourceID),
		attribute.String(otelhelper.WorkflowTypeKey, req.WorkflowType),
	)
	defer span.End()

	if err := e.validate.Struct(req); err != nil {
		err = opError("CreateInstance", "", "", fmt.Errorf("%w: %w", ErrInvalidRequest, err))
		otelhelper.SetError(span, err)

		return nil, err
	}

	templates, err := e.definitions.StepsFor(req.WorkflowType)
	if err != nil {
		err = opError("CreateInstance", "", "", err)
		otelhelper.SetError(span, err)

		return nil, err
	}

	if _, err := definition.TopologicalOrder(req.WorkflowType, templates); err != nil {
		err = opError("CreateInstance", "", "", err)
		otelhelper.SetError(span, err)

		return nil, err
	}

	now := e.now()
	instance := &models.WorkflowInstance{
		ID:            e.newID(),
		ResourceID:    req.ResourceID,
		WorkflowType:  req.WorkflowType,
		OwnerID:       req.OwnerID,
		Status:        models.WorkflowStatusPending,
		Steps:         make([]*models.WorkflowStep, 0, len(templates)),
		CountedJobIDs: []string{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	idsByName := make(map[string]string, len(templates))
	for _, tmpl := range templates {
		idsByName[tmpl.Name] = e.newID()
	}

	for _, tmpl := range templates {
		deps := make([]string, 0, len(tmpl.DependsOn))
		for _, depName := range tmpl.DependsOn {
			deps = append(deps, idsByName[depName])
		}

		instance.Steps = append(instance.Steps, &models.WorkflowStep{
			ID:           idsByName[tmpl.Name],
			Name:         tmpl.Name,
			Status:       models.StepStatusPending,
			Dependencies: deps,
			CanRetry:     tmpl.CanRetry,
			CanSkip:      tmpl.CanSkip,
			Manual:       tmpl.Manual,
			Input:        tmpl.Input,
		})
	}

	span.SetAttributes(attribute.String(otelhelper.InstanceIDKey, instance.ID))

	if err := e.instances.Save(ctx, instance); err != nil {
		err = opError("CreateInstance", instance.ID, "", err)
		otelhelper.SetError(span, err)

		return nil, err
	}

	e.logger.InfoContext(ctx, "Workflow instance created",
		"instance_id", instance.ID,
		"resource_id", instance.ResourceID,
		"workflow_type", instance.WorkflowType,
		"steps", len(instance.Steps),
	)

	e.publishChanges(ctx, nil, instance)

	return instance.Clone(), nil
}

// Start issues every dependency-free step. A step whose job could not be started is
// marked failed while its siblings proceed.
func (e *Engine) Start(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.start", attribute.String(otelhelper.InstanceIDKey, id))
	defer span.End()

	return e.mutate(ctx, span, "Start", id, func(ctx context.Context, instance *models.WorkflowInstance) error {
		switch {
		case instance.Status == models.WorkflowStatusCancelled:
			return ErrInstanceCancelled
		case instance.StartedAt != nil:
			return ErrAlreadyStarted
		}

		if err := e.activateResource(ctx, instance.ResourceID); err != nil {
			return err
		}

		startedAt := e.now()
		instance.StartedAt = &startedAt

		e.advance(ctx, instance)

		return nil
	})
}

// OnJobStatusChanged applies a job snapshot to the step it backs. Jobs that are not the
// active job of any step, duplicates, and calls on cancelled or completed instances are no-ops.
func (e *Engine) OnJobStatusChanged(ctx context.Context, id string, job *models.Job) (*models.WorkflowInstance, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.on_job_status_changed",
		attribute.String(otelhelper.InstanceIDKey, id),
		attribute.String(otelhelper.JobIDKey, job.ID),
		attribute.String(otelhelper.JobStatusKey, string(job.Status)),
	)
	defer span.End()

	return e.mutate(ctx, span, "OnJobStatusChanged", id, func(ctx context.Context, instance *models.WorkflowInstance) error {
		if instance.IsTerminal() {
			return errNoChange
		}

		step, ok := instance.StepByJobID(job.ID)
		if !ok {
			return errNoChange
		}

		if !e.applyJob(instance, step, job) {
			return errNoChange
		}

		e.logger.DebugContext(ctx, "Applied job status",
			"instance_id", instance.ID,
			"step", step.Name,
			"job_id", job.ID,
			"job_status", job.Status,
			"step_status", step.Status,
		)

		e.advance(ctx, instance)

		return nil
	})
}

// Retry replaces the job of a failed, retryable step with a new one.
func (e *Engine) Retry(ctx context.Context, id, stepName string) (*models.WorkflowInstance, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.retry",
		attribute.String(otelhelper.InstanceIDKey, id),
		attribute.String(otelhelper.StepNameKey, stepName),
	)
	defer span.End()

	return e.mutateStep(ctx, span, "Retry", id, stepName, func(ctx context.Context, instance *models.WorkflowInstance, step *models.WorkflowStep) error {
		if instance.Status == models.WorkflowStatusCancelled {
			return ErrInstanceCancelled
		}

		if step.Status != models.StepStatusFailed || !step.CanRetry {
			return ErrStepNotRetryable
		}

		if err := e.activateResource(ctx, instance.ResourceID); err != nil {
			return err
		}

		if step.JobID != "" {
			step.PreviousJobIDs = append(step.PreviousJobIDs, step.JobID)
		}

		step.JobID = ""
		step.Status = models.StepStatusPending
		step.ProgressPercentage = 0
		step.ErrorMessage = ""
		step.CompletedAt = nil

		e.logger.InfoContext(ctx, "Retrying step", "instance_id", instance.ID, "step", step.Name, "attempts", step.Attempts)

		e.startSteps(ctx, instance, []*models.WorkflowStep{step})
		e.advance(ctx, instance)

		return nil
	})
}

// Skip marks a pending, skippable step as skipped and unblocks its dependents.
func (e *Engine) Skip(ctx context.Context, id, stepName string) (*models.WorkflowInstance, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.skip",
		attribute.String(otelhelper.InstanceIDKey, id),
		attribute.String(otelhelper.StepNameKey, stepName),
	)
	defer span.End()

	return e.mutateStep(ctx, span, "Skip", id, stepName, func(ctx context.Context, instance *models.WorkflowInstance, step *models.WorkflowStep) error {
		if instance.Status == models.WorkflowStatusCancelled {
			return ErrInstanceCancelled
		}

		if step.Status != models.StepStatusPending || !step.CanSkip {
			return ErrStepNotSkippable
		}

		now := e.now()
		step.Status = models.StepStatusSkipped
		step.ProgressPercentage = 100
		step.CompletedAt = &now

		e.logger.InfoContext(ctx, "Skipped step", "instance_id", instance.ID, "step", step.Name)

		if instance.StartedAt != nil {
			e.advance(ctx, instance)
		}

		return nil
	})
}

// Run starts a manual step once the instance is running and its dependencies are satisfied.
func (e *Engine) Run(ctx context.Context, id, stepName string) (*models.WorkflowInstance, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.run",
		attribute.String(otelhelper.InstanceIDKey, id),
		attribute.String(otelhelper.StepNameKey, stepName),
	)
	defer span.End()

	return e.mutateStep(ctx, span, "Run", id, stepName, func(ctx context.Context, instance *models.WorkflowInstance, step *models.WorkflowStep) error {
		if instance.Status == models.WorkflowStatusCancelled {
			return ErrInstanceCancelled
		}

		if instance.StartedAt == nil ||
			step.Status != models.StepStatusPending ||
			!step.Manual ||
			!dependenciesSatisfied(instance, step) {
			return ErrStepNotRunnable
		}

		if err := e.activateResource(ctx, instance.ResourceID); err != nil {
			return err
		}

		e.logger.InfoContext(ctx, "Running manual step", "instance_id", instance.ID, "step", step.Name)

		e.startSteps(ctx, instance, []*models.WorkflowStep{step})
		e.advance(ctx, instance)

		return nil
	})
}

// Cancel stops the instance from reacting to further job notifications.
// Jobs already running are left to finish on the processor side.
func (e *Engine) Cancel(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.cancel", attribute.String(otelhelper.InstanceIDKey, id))
	defer span.End()

	return e.mutate(ctx, span, "Cancel", id, func(ctx context.Context, instance *models.WorkflowInstance) error {
		switch instance.Status {
		case models.WorkflowStatusCancelled:
			return errNoChange
		case models.WorkflowStatusCompleted:
			return ErrInstanceCompleted
		}

		instance.Status = models.WorkflowStatusCancelled

		e.logger.InfoContext(ctx, "Workflow instance cancelled", "instance_id", instance.ID)

		return nil
	})
}

func (e *Engine) Get(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	instance, err := e.load(ctx, id)
	if err != nil {
		return nil, opError("Get", id, "", err)
	}

	return instance, nil
}

func (e *Engine) ListByResource(ctx context.Context, resourceID string) ([]*models.WorkflowInstance, error) {
	instances, err := e.instances.ListByResource(ctx, resourceID)
	if err != nil {
		return nil, opError("ListByResource", "", "", err)
	}

	for i, instance := range instances {
		if held, ok := e.unsaved.get(instance.ID); ok {
			instances[i] = held
		}
	}

	return instances, nil
}

func (e *Engine) activateResource(ctx context.Context, resourceID string) error {
	if e.activate == nil {
		return nil
	}

	if err := e.activate(ctx, resourceID); err != nil {
		return fmt.Errorf("failed to watch job notifications for resource %s: %w", resourceID, err)
	}

	return nil
}
