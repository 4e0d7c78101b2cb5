package engine

import (
	"context"
	"maps"

	"github.com/dukex/lessonflow/pkg/models"
	"golang.org/x/sync/errgroup"
)

// advance starts every pending step whose dependencies are satisfied, repeating until
// no step becomes ready. Newly started steps never complete synchronously, so this
// usually settles after one pass.
func (e *Engine) advance(ctx context.Context, instance *models.WorkflowInstance) {
	for {
		ready := readySteps(instance)
		if len(ready) == 0 {
			return
		}

		e.startSteps(ctx, instance, ready)
	}
}

type startResult struct {
	jobID string
	err   error
}

// startSteps calls the job client for every step concurrently and applies the results in
// definition order. A failed call marks only its own step failed.
func (e *Engine) startSteps(ctx context.Context, instance *models.WorkflowInstance, steps []*models.WorkflowStep) {
	inputs := make([]map[string]any, len(steps))
	for i, step := range steps {
		inputs[i] = e.stepInput(ctx, instance, step)
	}

	results := make([]startResult, len(steps))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.startConcurrency)

	for i, step := range steps {
		group.Go(func() error {
			ack, err := e.jobs.StartStep(groupCtx, step.Name, instance.ResourceID, inputs[i])
			if err != nil {
				results[i] = startResult{err: err}

				return nil
			}

			results[i] = startResult{jobID: ack.JobID}

			return nil
		})
	}

	_ = group.Wait()

	now := e.now()

	for i, step := range steps {
		step.Attempts++
		step.StartedAt = &now

		if err := results[i].err; err != nil {
			step.Status = models.StepStatusFailed
			step.ErrorMessage = err.Error()
			step.CompletedAt = &now

			e.logger.WarnContext(ctx, "Failed to start step",
				"instance_id", instance.ID,
				"step", step.Name,
				"error", err,
			)

			continue
		}

		step.Status = models.StepStatusProcessing
		step.JobID = results[i].jobID
		step.ProgressPercentage = 0
		step.ErrorMessage = ""
		step.CompletedAt = nil

		e.logger.InfoContext(ctx, "Step started",
			"instance_id", instance.ID,
			"step", step.Name,
			"job_id", step.JobID,
		)
	}
}

// applyJob maps a job snapshot onto its step and reports whether anything changed.
// Transitions only leave processing, so replays and out-of-order snapshots are harmless.
func (e *Engine) applyJob(instance *models.WorkflowInstance, step *models.WorkflowStep, job *models.Job) bool {
	if step.Status != models.StepStatusProcessing {
		return false
	}

	switch job.Status {
	case models.JobStatusPending, models.JobStatusProcessing:
		progress := min(max(job.ProgressPercentage, 0), 99)
		if progress <= step.ProgressPercentage {
			return false
		}

		step.ProgressPercentage = progress

		return true

	case models.JobStatusCompleted:
		now := e.now()
		step.Status = models.StepStatusCompleted
		step.ProgressPercentage = 100
		step.ErrorMessage = ""
		step.CompletedAt = &now

		if !instance.HasCountedJob(job.ID) {
			step.CostCents += job.CostCents
			instance.TotalCostCents += job.CostCents
			instance.CountedJobIDs = append(instance.CountedJobIDs, job.ID)
		}

		return true

	case models.JobStatusFailed:
		now := e.now()
		step.Status = models.StepStatusFailed
		step.ErrorMessage = job.ErrorMessage

		if step.ErrorMessage == "" {
			step.ErrorMessage = "job failed"
		}

		step.CompletedAt = &now

		return true
	}

	return false
}

// stepInput merges the static template input with the resource id and the output of
// every completed ancestor, keyed by step name. Ancestors are visited nearest first.
func (e *Engine) stepInput(ctx context.Context, instance *models.WorkflowInstance, step *models.WorkflowStep) map[string]any {
	input := make(map[string]any, len(step.Input)+len(step.Dependencies)+1)
	maps.Copy(input, step.Input)
	input["resource_id"] = instance.ResourceID

	if e.store == nil {
		return input
	}

	for _, ancestor := range ancestors(instance, step) {
		if ancestor.Status != models.StepStatusCompleted || ancestor.JobID == "" {
			continue
		}

		if _, exists := input[ancestor.Name]; exists {
			continue
		}

		job, err := e.store.Get(ctx, ancestor.JobID)
		if err != nil {
			e.logger.WarnContext(ctx, "Could not load dependency output",
				"instance_id", instance.ID,
				"step", step.Name,
				"dependency", ancestor.Name,
				"job_id", ancestor.JobID,
				"error", err,
			)

			continue
		}

		if job.OutputData != nil {
			input[ancestor.Name] = job.OutputData
		}
	}

	return input
}

// ancestors returns every direct and transitive dependency of step, breadth first.
func ancestors(instance *models.WorkflowInstance, step *models.WorkflowStep) []*models.WorkflowStep {
	var result []*models.WorkflowStep

	seen := make(map[string]bool)
	queue := append([]string(nil), step.Dependencies...)

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		if seen[id] {
			continue
		}

		seen[id] = true

		dep, ok := instance.Step(id)
		if !ok {
			continue
		}

		result = append(result, dep)
		queue = append(queue, dep.Dependencies...)
	}

	return result
}
