package web

import (
	"errors"

	"github.com/dukex/lessonflow/pkg/engine"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func forbidden(c fiber.Ctx) error {
	problem := problems.NewStatusProblem(403).
		WithInstance(c.Path()).
		WithType("forbidden").
		WithDetail("workflow instance belongs to another owner")

	return c.Status(fiber.StatusForbidden).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

func problem(c fiber.Ctx, status int, problemType string, err error) error {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(err.Error())

	return c.Status(status).JSON(p)
}

// stateProblemTypes names the conflict reported for each state error.
var stateProblemTypes = []struct {
	err         error
	problemType string
}{
	{engine.ErrAlreadyStarted, "already_started"},
	{engine.ErrStepNotRetryable, "step_not_retryable"},
	{engine.ErrStepNotSkippable, "step_not_skippable"},
	{engine.ErrStepNotRunnable, "step_not_runnable"},
	{engine.ErrInstanceCancelled, "instance_cancelled"},
	{engine.ErrInstanceCompleted, "instance_completed"},
}

// handleEngineError provides typed error handling for engine errors.
func handleEngineError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, engine.ErrUnknownWorkflowType):
		return problem(c, fiber.StatusBadRequest, "unknown_workflow_type", err)

	case errors.Is(err, engine.ErrInvalidWorkflowDefinition):
		return problem(c, fiber.StatusUnprocessableEntity, "invalid_workflow_definition", err)

	case errors.Is(err, engine.ErrInvalidRequest):
		return problem(c, fiber.StatusBadRequest, "validation_error", err)

	case errors.Is(err, engine.ErrInstanceNotFound):
		return problem(c, fiber.StatusNotFound, "workflow_not_found", err)

	case errors.Is(err, engine.ErrStepNotFound):
		return problem(c, fiber.StatusNotFound, "step_not_found", err)

	case engine.IsStateError(err):
		for _, state := range stateProblemTypes {
			if errors.Is(err, state.err) {
				return problem(c, fiber.StatusConflict, state.problemType, err)
			}
		}

		return problem(c, fiber.StatusConflict, "conflict", err)

	default:
		return internalError(c, err)
	}
}
