// Package definition maps workflow types to their declarative step graphs.
package definition

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/dukex/lessonflow/pkg/models"
	"github.com/go-playground/validator/v10"
)

// Source resolves the ordered step templates of a workflow type.
type Source interface {
	StepsFor(workflowType string) ([]models.StepTemplate, error)
}

// Table is an unvalidated lookup table, mostly useful in tests.
type Table map[string][]models.StepTemplate

func (t Table) StepsFor(workflowType string) ([]models.StepTemplate, error) {
	steps, ok := t[workflowType]
	if !ok {
		return nil, &DefinitionError{WorkflowType: workflowType, Err: ErrUnknownWorkflowType}
	}

	return cloneTemplates(steps), nil
}

// Registry holds definitions that were validated when registered.
type Registry struct {
	logger      *slog.Logger
	validate    *validator.Validate
	mu          sync.RWMutex
	definitions map[string]models.WorkflowDefinition
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:      logger.With("module", "definition_registry"),
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		definitions: make(map[string]models.WorkflowDefinition),
	}
}

// Register validates and stores a definition, replacing any previous one of the same type.
func (r *Registry) Register(def models.WorkflowDefinition) error {
	if err := r.validate.Struct(def); err != nil {
		return &DefinitionError{WorkflowType: def.Type, Message: err.Error(), Err: ErrInvalidWorkflowDefinition}
	}

	order, err := TopologicalOrder(def.Type, def.Steps)
	if err != nil {
		return err
	}

	def.Steps = cloneTemplates(def.Steps)

	r.mu.Lock()
	r.definitions[def.Type] = def
	r.mu.Unlock()

	r.logger.Debug("Registered workflow definition", "workflow_type", def.Type, "execution_order", order)

	return nil
}

// MustRegister is Register for static definitions known at compile time.
func (r *Registry) MustRegister(defs ...models.WorkflowDefinition) {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(fmt.Errorf("failed to register workflow definition: %w", err))
		}
	}
}

func (r *Registry) StepsFor(workflowType string) ([]models.StepTemplate, error) {
	r.mu.RLock()
	def, ok := r.definitions[workflowType]
	r.mu.RUnlock()

	if !ok {
		return nil, &DefinitionError{WorkflowType: workflowType, Err: ErrUnknownWorkflowType}
	}

	return cloneTemplates(def.Steps), nil
}

// Types returns the registered workflow types sorted by name.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.definitions))
	for t := range r.definitions {
		types = append(types, t)
	}

	sort.Strings(types)

	return types
}

// StepNames returns every step name used by any registered definition.
func (r *Registry) StepNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string

	for _, def := range r.definitions {
		for _, step := range def.Steps {
			if !slices.Contains(names, step.Name) {
				names = append(names, step.Name)
			}
		}
	}

	sort.Strings(names)

	return names
}

func cloneTemplates(steps []models.StepTemplate) []models.StepTemplate {
	out := make([]models.StepTemplate, len(steps))

	for i, step := range steps {
		out[i] = step
		out[i].DependsOn = append([]string(nil), step.DependsOn...)

		if step.Input != nil {
			out[i].Input = make(map[string]any, len(step.Input))
			for k, v := range step.Input {
				out[i].Input[k] = v
			}
		}
	}

	return out
}
