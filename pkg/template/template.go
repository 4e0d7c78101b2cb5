// Package template renders the prompts sent to the AI processors.
package template

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"
)

var funcs = template.FuncMap{
	"now": func() string {
		return time.Now().UTC().Format(time.RFC3339)
	},
	"json": func(v any) (string, error) {
		encoded, err := json.Marshal(v)

		return string(encoded), err
	},
	"join": func(values any, sep string) string {
		items, ok := values.([]any)
		if !ok {
			return fmt.Sprint(values)
		}

		parts := make([]string, 0, len(items))
		for _, item := range items {
			parts = append(parts, fmt.Sprint(item))
		}

		return strings.Join(parts, sep)
	},
	"truncate": func(limit int, s string) string {
		if runes := []rune(s); len(runes) > limit {
			return string(runes[:limit])
		}

		return s
	},
	"default": func(fallback, value any) any {
		if value == nil || value == "" {
			return fallback
		}

		return value
	},
}

// Render executes templateStr against data. Missing keys render empty.
func Render(templateStr string, data any) (string, error) {
	tmpl, err := template.New("prompt").Funcs(funcs).Parse(templateStr)
	if err != nil {
		return "", fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	return strings.TrimSpace(strings.ReplaceAll(buf.String(), "<no value>", "")), nil
}
