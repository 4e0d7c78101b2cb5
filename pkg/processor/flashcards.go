package processor

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dukex/lessonflow/pkg/aiclient"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed flashcards.schema.json
var flashcardsSchema []byte

// ErrInvalidFlashcards is returned when generated cards do not match the flashcard schema.
var ErrInvalidFlashcards = errors.New("invalid flashcards")

// Flashcard is a single generated study card.
type Flashcard struct {
	Question     string   `json:"question"`
	Answer       string   `json:"answer"`
	QualityScore float64  `json:"quality_score"`
	Tags         []string `json:"tags,omitempty"`
}

type flashcardSet struct {
	Flashcards []Flashcard `json:"flashcards"`
}

// parseFlashcards validates model output against the flashcard schema and decodes it.
func parseFlashcards(content string) ([]Flashcard, error) {
	var raw map[string]any
	if err := aiclient.DecodeJSON(content, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFlashcards, err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(flashcardsSchema),
		gojsonschema.NewGoLoader(raw),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFlashcards, err)
	}

	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}

		return nil, fmt.Errorf("%w: %s", ErrInvalidFlashcards, strings.Join(errs, "; "))
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFlashcards, err)
	}

	var set flashcardSet
	if err := json.Unmarshal(encoded, &set); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFlashcards, err)
	}

	return set.Flashcards, nil
}

// flashcardsFrom reads cards out of a step output, whatever shape JSON decoding left them in.
func flashcardsFrom(value any) ([]Flashcard, error) {
	if value == nil {
		return nil, nil
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFlashcards, err)
	}

	var cards []Flashcard
	if err := json.Unmarshal(encoded, &cards); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFlashcards, err)
	}

	return cards, nil
}

func flashcardMaps(cards []Flashcard) []map[string]any {
	result := make([]map[string]any, 0, len(cards))

	for _, card := range cards {
		entry := map[string]any{
			"question":      card.Question,
			"answer":        card.Answer,
			"quality_score": card.QualityScore,
		}

		if len(card.Tags) > 0 {
			entry["tags"] = card.Tags
		}

		result = append(result, entry)
	}

	return result
}
