package engine

import (
	"time"

	"github.com/dukex/lessonflow/pkg/models"
)

// deriveStatus computes the instance status from its step snapshot.
// A failed step that blocks the remaining work freezes the instance in failed
// until a retry moves it back to processing.
func deriveStatus(instance *models.WorkflowInstance) models.WorkflowStatus {
	if instance.Status == models.WorkflowStatusCancelled {
		return models.WorkflowStatusCancelled
	}

	if instance.StartedAt == nil {
		return models.WorkflowStatusPending
	}

	allDone := true
	anyProcessing := false
	anyFailed := false

	for _, step := range instance.Steps {
		switch step.Status {
		case models.StepStatusCompleted, models.StepStatusSkipped:
		case models.StepStatusProcessing:
			allDone = false
			anyProcessing = true
		case models.StepStatusFailed:
			allDone = false
			anyFailed = true
		default:
			allDone = false
		}
	}

	switch {
	case allDone:
		return models.WorkflowStatusCompleted
	case anyProcessing:
		return models.WorkflowStatusProcessing
	case anyFailed:
		return models.WorkflowStatusFailed
	default:
		return models.WorkflowStatusProcessing
	}
}

// progress is the mean step progress, with completed and skipped steps counting as 100.
func progress(instance *models.WorkflowInstance) int {
	if len(instance.Steps) == 0 {
		return 0
	}

	total := 0

	for _, step := range instance.Steps {
		if step.Status.IsTerminalSuccess() {
			total += 100
		} else {
			total += step.ProgressPercentage
		}
	}

	return total / len(instance.Steps)
}

// recompute refreshes the derived fields of the instance.
func recompute(instance *models.WorkflowInstance, now time.Time) {
	instance.Status = deriveStatus(instance)
	instance.ProgressPercentage = progress(instance)

	switch instance.Status {
	case models.WorkflowStatusCompleted, models.WorkflowStatusFailed, models.WorkflowStatusCancelled:
		if instance.CompletedAt == nil {
			completedAt := now
			instance.CompletedAt = &completedAt
		}
	default:
		instance.CompletedAt = nil
	}
}

// dependenciesSatisfied reports whether every dependency is completed or skipped.
func dependenciesSatisfied(instance *models.WorkflowInstance, step *models.WorkflowStep) bool {
	for _, depID := range step.Dependencies {
		dep, ok := instance.Step(depID)
		if !ok || !dep.Status.IsTerminalSuccess() {
			return false
		}
	}

	return true
}

// readySteps returns pending steps whose dependencies are satisfied, in definition order.
// Manual steps are never ready on their own.
func readySteps(instance *models.WorkflowInstance) []*models.WorkflowStep {
	var ready []*models.WorkflowStep

	for _, step := range instance.Steps {
		if step.Status == models.StepStatusPending && !step.Manual && dependenciesSatisfied(instance, step) {
			ready = append(ready, step)
		}
	}

	return ready
}
