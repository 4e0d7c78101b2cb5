package processor

import (
	"errors"

	"github.com/dukex/lessonflow/pkg/jobstore"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

// StartJobRequest is the body the job client posts to /jobs/:step.
type StartJobRequest struct {
	ResourceID string         `json:"resource_id" validate:"required"`
	Input      map[string]any `json:"input"`
}

// Server exposes the processor over HTTP.
type Server struct {
	processor *Processor
	jobs      jobstore.Store
	validator *validator.Validate
}

func NewServer(processor *Processor, jobs jobstore.Store, validator *validator.Validate) *Server {
	return &Server{processor: processor, jobs: jobs, validator: validator}
}

// Register mounts the job routes on the router.
func (s *Server) Register(router fiber.Router) {
	router.Post("/jobs/:step", s.StartJob)
	router.Get("/jobs/:id", s.GetJob)
	router.Get("/health", s.HealthCheck)
}

func (s *Server) StartJob(c fiber.Ctx) error {
	var req StartJobRequest
	if err := c.Bind().JSON(&req); err != nil {
		return problem(c, fiber.StatusBadRequest, "validation_error", "Invalid JSON format")
	}

	if err := s.validator.Struct(req); err != nil {
		return problem(c, fiber.StatusBadRequest, "validation_error", err.Error())
	}

	ack, err := s.processor.Submit(c.Context(), c.Params("step"), req.ResourceID, req.Input)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownStep):
			return problem(c, fiber.StatusNotFound, "unknown_step", err.Error())
		case errors.Is(err, ErrInvalidInput):
			return problem(c, fiber.StatusBadRequest, "validation_error", err.Error())
		case errors.Is(err, ErrQueueFull), errors.Is(err, ErrStopped):
			return problem(c, fiber.StatusServiceUnavailable, "unavailable", err.Error())
		default:
			return problem(c, fiber.StatusInternalServerError, "internal_error", err.Error())
		}
	}

	return c.Status(fiber.StatusAccepted).JSON(ack)
}

func (s *Server) GetJob(c fiber.Ctx) error {
	job, err := s.jobs.Get(c.Context(), c.Params("id"))
	if err != nil {
		if errors.Is(err, jobstore.ErrJobNotFound) {
			return problem(c, fiber.StatusNotFound, "job_not_found", "job not found")
		}

		return problem(c, fiber.StatusInternalServerError, "internal_error", err.Error())
	}

	return c.JSON(job)
}

func (s *Server) HealthCheck(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "healthy",
		"steps":  s.processor.Steps(),
	})
}

func problem(c fiber.Ctx, status int, problemType, detail string) error {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(detail)

	return c.Status(status).JSON(p)
}
