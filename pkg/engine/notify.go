package engine

import (
	"context"

	"github.com/dukex/lessonflow/pkg/events"
	"github.com/dukex/lessonflow/pkg/models"
)

// publishChanges emits step and instance events for everything that differs between
// before and after. Publishing failures are logged; the instance is already persisted.
func (e *Engine) publishChanges(ctx context.Context, before, after *models.WorkflowInstance) {
	if before != nil {
		for _, step := range after.Steps {
			previous, ok := before.Step(step.ID)
			if !ok ||
				previous.Status == step.Status &&
					previous.ProgressPercentage == step.ProgressPercentage &&
					previous.JobID == step.JobID {
				continue
			}

			event := &events.StepStatusChanged{
				BaseEvent:          events.NewBaseEvent(events.StepStatusChangedEvent),
				InstanceID:         after.ID,
				ResourceID:         after.ResourceID,
				StepID:             step.ID,
				StepName:           step.Name,
				PreviousStatus:     previous.Status,
				Status:             step.Status,
				ProgressPercentage: step.ProgressPercentage,
				JobID:              step.JobID,
				ErrorMessage:       step.ErrorMessage,
			}

			if err := e.publisher.Publish(ctx, after.ID, event); err != nil {
				e.logger.ErrorContext(ctx, "Failed to publish step event", "instance_id", after.ID, "step", step.Name, "error", err)
			}
		}
	}

	if before != nil &&
		before.Status == after.Status &&
		before.ProgressPercentage == after.ProgressPercentage &&
		before.TotalCostCents == after.TotalCostCents {
		return
	}

	event := &events.InstanceStatusChanged{
		BaseEvent:          events.NewBaseEvent(events.InstanceStatusChangedEvent),
		InstanceID:         after.ID,
		ResourceID:         after.ResourceID,
		WorkflowType:       after.WorkflowType,
		Status:             after.Status,
		ProgressPercentage: after.ProgressPercentage,
		TotalCostCents:     after.TotalCostCents,
	}

	if before != nil {
		event.PreviousStatus = before.Status
	}

	if err := e.publisher.Publish(ctx, after.ID, event); err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish instance event", "instance_id", after.ID, "error", err)
	}
}
