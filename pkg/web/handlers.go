// Package web provides HTTP handlers and REST API endpoints for workflow instances.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/dukex/lessonflow/pkg/definition"
	"github.com/dukex/lessonflow/pkg/engine"
	"github.com/dukex/lessonflow/pkg/models"
	"github.com/dukex/lessonflow/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

type APIHandlers struct {
	engine      *engine.Engine
	registry    *definition.Registry
	persistence persistence.Persistence
	validator   *validator.Validate
}

func NewAPIHandlers(
	engine *engine.Engine,
	registry *definition.Registry,
	persistence persistence.Persistence,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		engine:      engine,
		registry:    registry,
		persistence: persistence,
		validator:   validator,
	}
}

// Register mounts every workflow route on the router.
func (h *APIHandlers) Register(router fiber.Router) {
	w := router.Group("/workflows")
	w.Get("/", h.ListWorkflows)
	w.Post("/", h.CreateWorkflow)
	w.Get("/:id", h.GetWorkflow)
	w.Post("/:id/start", h.StartWorkflow)
	w.Post("/:id/cancel", h.CancelWorkflow)
	w.Post("/:id/steps/:stepName/retry", h.RetryStep)
	w.Post("/:id/steps/:stepName/skip", h.SkipStep)
	w.Post("/:id/steps/:stepName/run", h.RunStep)

	router.Get("/workflow-types", h.GetWorkflowTypes)
	router.Get("/health", h.HealthCheck)
}

func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	var req CreateWorkflowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if req.OwnerID == "" {
		req.OwnerID = c.Get(OwnerHeader)
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	instance, err := h.engine.CreateInstance(c.Context(), engine.CreateInstanceRequest{
		ResourceID:   req.ResourceID,
		WorkflowType: req.WorkflowType,
		OwnerID:      req.OwnerID,
	})
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(instance)
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	instance, err := h.engine.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	if !ownedBy(c, instance) {
		return forbidden(c)
	}

	return c.JSON(instance)
}

func (h *APIHandlers) ListWorkflows(c fiber.Ctx) error {
	resourceID := c.Query("resource_id")
	if resourceID == "" {
		return badRequest(c, "resource_id query parameter is required")
	}

	instances, err := h.engine.ListByResource(c.Context(), resourceID)
	if err != nil {
		return handleEngineError(c, err)
	}

	visible := make([]*models.WorkflowInstance, 0, len(instances))
	for _, instance := range instances {
		if ownedBy(c, instance) {
			visible = append(visible, instance)
		}
	}

	return c.JSON(ListWorkflowsResponse{
		Workflows:  visible,
		TotalCount: len(visible),
	})
}

func (h *APIHandlers) StartWorkflow(c fiber.Ctx) error {
	return h.mutate(c, h.engine.Start)
}

func (h *APIHandlers) CancelWorkflow(c fiber.Ctx) error {
	return h.mutate(c, h.engine.Cancel)
}

func (h *APIHandlers) RetryStep(c fiber.Ctx) error {
	return h.mutateStep(c, h.engine.Retry)
}

func (h *APIHandlers) SkipStep(c fiber.Ctx) error {
	return h.mutateStep(c, h.engine.Skip)
}

func (h *APIHandlers) RunStep(c fiber.Ctx) error {
	return h.mutateStep(c, h.engine.Run)
}

func (h *APIHandlers) GetWorkflowTypes(c fiber.Ctx) error {
	types := h.registry.Types()
	response := make([]WorkflowTypeResponse, 0, len(types))

	for _, workflowType := range types {
		steps, err := h.registry.StepsFor(workflowType)
		if err != nil {
			return internalError(c, err)
		}

		response = append(response, WorkflowTypeResponse{Type: workflowType, Steps: steps})
	}

	return c.JSON(response)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	message := "Lessonflow API is healthy"
	httpStatus := http.StatusOK
	repositoryCheck := "ok"

	if err := h.persistence.HealthCheck(c.Context()); err != nil {
		status = "unhealthy"
		message = "Lessonflow API is unhealthy"
		httpStatus = http.StatusInternalServerError
		repositoryCheck = err.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"registry":   len(h.registry.Types()),
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

type instanceOp func(ctx context.Context, id string) (*models.WorkflowInstance, error)

type stepOp func(ctx context.Context, id, stepName string) (*models.WorkflowInstance, error)

// mutate checks ownership and applies op to the instance in the path.
func (h *APIHandlers) mutate(c fiber.Ctx, op instanceOp) error {
	id := c.Params("id")

	current, err := h.engine.Get(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	if !ownedBy(c, current) {
		return forbidden(c)
	}

	instance, err := op(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(instance)
}

func (h *APIHandlers) mutateStep(c fiber.Ctx, op stepOp) error {
	return h.mutate(c, func(ctx context.Context, id string) (*models.WorkflowInstance, error) {
		return op(ctx, id, c.Params("stepName"))
	})
}

// ownedBy reports whether the caller may see and change the instance.
// Instances without an owner are open to everyone.
func ownedBy(c fiber.Ctx, instance *models.WorkflowInstance) bool {
	return instance.OwnerID == "" || instance.OwnerID == c.Get(OwnerHeader)
}
