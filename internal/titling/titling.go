// Package titling names a conversation from its first user message.
package titling

import (
	"context"
	"fmt"
	"strings"

	"github.com/aixgo-dev/finrag/internal/llm/provider"
	pkgobs "github.com/aixgo-dev/finrag/pkg/observability"
	"github.com/rs/zerolog"
)

// MaxWords is the longest title kept.
const MaxWords = 4

const promptTemplate = "Create a concise title, four words maximum, for a conversation starting with this user query: '%s'. " +
	"The title should capture the main topic. Do not use quotes. Provide only the title text."

// Titler asks a model for a short conversation title.
type Titler struct {
	provider    provider.Provider
	model       string
	temperature float64
	maxTokens   int
	logger      zerolog.Logger
}

// New creates a Titler. Defaults: temperature 0.3, at most 20 output tokens.
func New(p provider.Provider, model string, logger zerolog.Logger) *Titler {
	return &Titler{provider: p, model: model, temperature: 0.3, maxTokens: 20, logger: logger}
}

// Title returns a title of at most MaxWords words, or "" on any failure.
func (t *Titler) Title(ctx context.Context, query string) string {
	resp, err := t.provider.CreateCompletion(ctx, provider.CompletionRequest{
		Messages:    []provider.Message{{Role: "user", Content: fmt.Sprintf(promptTemplate, query)}},
		Model:       t.model,
		Temperature: t.temperature,
		MaxTokens:   t.maxTokens,
	})
	if err != nil {
		pkgobs.RecordFallback("titler")
		t.logger.Warn().Err(err).Msg("title generation failed")
		return ""
	}

	title := Clean(resp.Content)
	if title == "" {
		t.logger.Warn().Msg("model returned an empty title")
	}
	return title
}

// Clean strips surrounding quotes and keeps the first MaxWords words.
func Clean(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, `"`)
	s = strings.Trim(s, `'`)
	words := strings.Fields(s)
	if len(words) > MaxWords {
		words = words[:MaxWords]
	}
	return strings.Join(words, " ")
}
