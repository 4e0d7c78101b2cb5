package engine

import (
	"context"
	"errors"

	"github.com/dukex/lessonflow/pkg/models"
	"github.com/dukex/lessonflow/pkg/otelhelper"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// errNoChange lets a mutation report that nothing needs saving.
var errNoChange = errors.New("no change")

type mutation func(ctx context.Context, instance *models.WorkflowInstance) error

type stepMutation func(ctx context.Context, instance *models.WorkflowInstance, step *models.WorkflowStep) error

// mutate runs fn under the instance lock on a fresh copy, then recomputes, persists
// and publishes the result. The stored instance is untouched when fn fails. A copy that
// issued jobs but cannot be saved is held in memory and becomes the base of the next
// mutation, so the caller's error never hides an acknowledged job.
func (e *Engine) mutate(ctx context.Context, span trace.Span, op, id string, fn mutation) (*models.WorkflowInstance, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	current, err := e.load(ctx, id)
	if err != nil {
		err = opError(op, id, "", err)
		otelhelper.SetError(span, err)

		return nil, err
	}

	span.SetAttributes(
		attribute.String(otelhelper.ResourceIDKey, current.ResourceID),
		attribute.String(otelhelper.WorkflowTypeKey, current.WorkflowType),
	)

	next := current.Clone()

	err = fn(ctx, next)
	if errors.Is(err, errNoChange) {
		return current, nil
	}

	if err != nil {
		var opErr *OperationError
		if !errors.As(err, &opErr) {
			err = opError(op, id, "", err)
		}

		otelhelper.SetError(span, err)

		return nil, err
	}

	now := e.now()
	recompute(next, now)
	next.UpdatedAt = now

	issued := issuedJobs(current, next)

	if err := e.save(ctx, next, issued); err != nil {
		if issued {
			e.unsaved.hold(next)

			e.logger.ErrorContext(ctx, "Failed to persist instance with issued jobs, holding it until the next save",
				"instance_id", id,
				"error", err,
			)
		}

		err = opError(op, id, "", err)
		otelhelper.SetError(span, err)

		return nil, err
	}

	e.unsaved.release(id)

	e.publishChanges(ctx, current, next)

	return next.Clone(), nil
}

func (e *Engine) mutateStep(ctx context.Context, span trace.Span, op, id, stepName string, fn stepMutation) (*models.WorkflowInstance, error) {
	return e.mutate(ctx, span, op, id, func(ctx context.Context, instance *models.WorkflowInstance) error {
		step, ok := instance.Step(stepName)
		if !ok {
			return opError(op, id, stepName, ErrStepNotFound)
		}

		span.SetAttributes(attribute.String(otelhelper.StepIDKey, step.ID))

		if err := fn(ctx, instance, step); err != nil {
			if errors.Is(err, errNoChange) {
				return err
			}

			return opError(op, id, stepName, err)
		}

		return nil
	})
}
