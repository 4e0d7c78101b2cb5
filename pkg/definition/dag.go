package definition

import (
	"github.com/dukex/lessonflow/pkg/models"
)

// TopologicalOrder validates the step graph and returns step names in an order
// where every step follows its dependencies. Ties keep definition order.
func TopologicalOrder(workflowType string, steps []models.StepTemplate) ([]string, error) {
	if len(steps) == 0 {
		return nil, invalid(workflowType, "workflow has no steps")
	}

	index := make(map[string]int, len(steps))

	for i, step := range steps {
		if step.Name == "" {
			return nil, invalid(workflowType, "step at index %d has empty name", i)
		}

		if _, exists := index[step.Name]; exists {
			return nil, invalid(workflowType, "duplicate step name %q", step.Name)
		}

		index[step.Name] = i
	}

	inDegree := make([]int, len(steps))
	dependents := make([][]int, len(steps))

	for i, step := range steps {
		seen := make(map[string]bool, len(step.DependsOn))

		for _, dep := range step.DependsOn {
			if dep == step.Name {
				return nil, invalid(workflowType, "step %q depends on itself", step.Name)
			}

			if seen[dep] {
				return nil, invalid(workflowType, "step %q lists dependency %q twice", step.Name, dep)
			}

			seen[dep] = true

			j, ok := index[dep]
			if !ok {
				return nil, invalid(workflowType, "step %q depends on unknown step %q", step.Name, dep)
			}

			inDegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	// Kahn's algorithm; the queue is kept in definition order for deterministic output.
	queue := make([]int, 0, len(steps))

	for i := range steps {
		if inDegree[i] == 0 {
			queue = append(queue, i)
		}
	}

	order := make([]string, 0, len(steps))

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, steps[current].Name)

		for _, dependent := range dependents[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = insertSorted(queue, dependent)
			}
		}
	}

	if len(order) != len(steps) {
		return nil, invalid(workflowType, "dependency cycle detected")
	}

	return order, nil
}

func insertSorted(queue []int, value int) []int {
	pos := len(queue)

	for i, v := range queue {
		if v > value {
			pos = i

			break
		}
	}

	queue = append(queue, 0)
	copy(queue[pos+1:], queue[pos:])
	queue[pos] = value

	return queue
}
