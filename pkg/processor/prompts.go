package processor

import (
	"fmt"

	"github.com/dukex/lessonflow/pkg/template"
)

// Prompt templates are rendered with the step input merged with the lesson source text
// under "content". A step input "prompt" replaces the user template.
const (
	analysisSystemPrompt = `You are an instructional designer. Answer with a single JSON object.`

	analysisUserPrompt = `Analyze the lesson below.
Return {"summary": string, "key_concepts": [string], "difficulty": "beginner"|"intermediate"|"advanced"}.
{{- with .language}}
The lesson language is {{.}}.
{{- end}}

Lesson:
{{truncate 60000 .content}}`

	summarySystemPrompt = `You summarize lessons for students. Answer with a single JSON object.`

	summaryUserPrompt = `Summarize the lesson below in at most {{default 200 .max_words}} words.
Return {"summary": string, "highlights": [string]}.

Lesson:
{{truncate 60000 .content}}`

	flashcardSystemPrompt = `You write study flashcards. Answer with a single JSON object.`

	flashcardUserPrompt = `Write {{.card_count}} flashcards for the lesson below.
Return {"flashcards": [{"question": string, "answer": string, "quality_score": number between 0 and 1, "tags": [string]}]}.
Rate quality_score honestly: how well the card tests an important idea.
{{- with .key_concepts}}
Cover these concepts first: {{join . ", "}}.
{{- end}}

Lesson:
{{truncate 60000 .content}}`
)

func renderPrompt(task *Task, fallback string, data map[string]any) (string, error) {
	source := fallback
	if custom, ok := task.Input["prompt"].(string); ok && custom != "" {
		source = custom
	}

	prompt, err := template.Render(source, data)
	if err != nil {
		return "", fmt.Errorf("%w: prompt: %w", ErrInvalidInput, err)
	}

	if prompt == "" {
		return "", fmt.Errorf("%w: prompt rendered empty", ErrInvalidInput)
	}

	return prompt, nil
}
