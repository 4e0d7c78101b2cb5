// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"log/slog"

	"github.com/dukex/lessonflow/pkg/definition"
)

// NewDefinitions returns the builtin workflow types plus any loaded from path.
func NewDefinitions(logger *slog.Logger, path string) (*definition.Registry, error) {
	registry := definition.NewBuiltinRegistry(logger)

	if path == "" {
		return registry, nil
	}

	if err := registry.LoadFile(path); err != nil {
		return nil, err
	}

	return registry, nil
}
