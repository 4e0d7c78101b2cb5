package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name     string
		template string
		data     map[string]any
		expected string
	}{
		{
			name:     "simple field",
			template: "Lesson {{.resource_id}}",
			data:     map[string]any{"resource_id": "lesson-1"},
			expected: "Lesson lesson-1",
		},
		{
			name:     "nested output",
			template: "{{.transcription.transcript}}",
			data:     map[string]any{"transcription": map[string]any{"transcript": "hello class"}},
			expected: "hello class",
		},
		{
			name:     "join and default",
			template: `{{join .key_concepts ", "}} / {{default "en" .language}}`,
			data:     map[string]any{"key_concepts": []any{"cells", "mitosis"}},
			expected: "cells, mitosis / en",
		},
		{
			name:     "missing key",
			template: "[{{.missing}}]",
			data:     map[string]any{},
			expected: "[]",
		},
		{
			name:     "truncate",
			template: "{{truncate 5 .text}}",
			data:     map[string]any{"text": "photosynthesis"},
			expected: "photo",
		},
		{
			name:     "json",
			template: "{{json .cards}}",
			data:     map[string]any{"cards": []any{map[string]any{"q": "a"}}},
			expected: `[{"q":"a"}]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Render(tt.template, tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestRender_ErrorHandling(t *testing.T) {
	_, err := Render("{{.unclosed", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse template")
}
