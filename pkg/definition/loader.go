package definition

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dukex/lessonflow/pkg/models"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var definitionsSchema []byte

type definitionsFile struct {
	Definitions []models.WorkflowDefinition `json:"definitions"`
}

// Parse validates raw JSON against the definitions schema and decodes it.
func Parse(data []byte) ([]models.WorkflowDefinition, error) {
	schemaLoader := gojsonschema.NewBytesLoader(definitionsSchema)
	dataLoader := gojsonschema.NewBytesLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWorkflowDefinition, err)
	}

	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}

		return nil, fmt.Errorf("%w: %s", ErrInvalidWorkflowDefinition, strings.Join(errs, "; "))
	}

	var file definitionsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWorkflowDefinition, err)
	}

	return file.Definitions, nil
}

// LoadFile parses a definitions file and registers every definition it contains.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read definitions file %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yamlToJSON(data)
		if err != nil {
			return fmt.Errorf("definitions file %s: %w", path, err)
		}
	}

	defs, err := Parse(data)
	if err != nil {
		return fmt.Errorf("definitions file %s: %w", path, err)
	}

	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return fmt.Errorf("definitions file %s: %w", path, err)
		}
	}

	r.logger.Info("Loaded workflow definitions", "path", path, "count", len(defs))

	return nil
}

// yamlToJSON lets YAML files go through the same schema validation as JSON ones.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWorkflowDefinition, err)
	}

	encoded, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidWorkflowDefinition, err)
	}

	return encoded, nil
}
