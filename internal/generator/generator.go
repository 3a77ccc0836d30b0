// Package generator produces the grounded answer from reranked passages.
package generator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aixgo-dev/finrag/internal/llm/provider"
	pkgobs "github.com/aixgo-dev/finrag/pkg/observability"
	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog"
)

// Fixed user-facing answers for failed generations.
const (
	ErrorApology = "I apologize, but I encountered an error while generating a response."
	EmptyApology = "I apologize, but I was unable to generate a response for this query."
)

// NoContext is the context block used when no passage was retrieved.
const NoContext = "No relevant documents were found."

// DefaultMaxTokens bounds the answer length.
const DefaultMaxTokens = 512

const systemPrompt = "You are an expert financial analyst. Answer the user's question based only on the provided context. " +
	"Write in a clear, professional register. Do not mention the context, the documents or how the information was provided."

// ErrEmptyAnswer is reported when the model returns only whitespace.
var ErrEmptyAnswer = errors.New("generator: empty answer")

// Result is the outcome of Generate. When OK is false, Answer holds an
// apology that must not be cached.
type Result struct {
	Answer string
	OK     bool
	Err    error
}

// Tokenizer counts and truncates context text.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
}

type tiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTiktoken returns a Tokenizer for a tiktoken encoding such as "cl100k_base".
func NewTiktoken(encoding string) (Tokenizer, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %q: %w", encoding, err)
	}
	return tiktokenTokenizer{enc: enc}, nil
}

func (t tiktokenTokenizer) Encode(text string) []int   { return t.enc.Encode(text, nil, nil) }
func (t tiktokenTokenizer) Decode(tokens []int) string { return t.enc.Decode(tokens) }

// Generator answers questions from passages with a chat model.
type Generator struct {
	provider         provider.Provider
	model            string
	temperature      float64
	maxTokens        int
	maxContextTokens int
	tokenizer        Tokenizer
	logger           zerolog.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(g *Generator) {
		g.temperature = t
	}
}

// WithMaxTokens bounds the answer length.
func WithMaxTokens(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.maxTokens = n
		}
	}
}

// WithContextLimit truncates the context block to max tokens of tok. A max
// of 0 disables the limit.
func WithContextLimit(max int, tok Tokenizer) Option {
	return func(g *Generator) {
		g.maxContextTokens = max
		g.tokenizer = tok
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(g *Generator) {
		g.logger = l
	}
}

// New creates a Generator. Wrap local models in provider.Serialized before
// passing them here.
func New(p provider.Provider, model string, opts ...Option) *Generator {
	g := &Generator{
		provider:  p,
		model:     model,
		maxTokens: DefaultMaxTokens,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate answers question from passages. It never returns an error
// directly: failures produce an apology with OK false.
func (g *Generator) Generate(ctx context.Context, question string, passages []string) Result {
	resp, err := g.provider.CreateCompletion(ctx, provider.CompletionRequest{
		Messages: []provider.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: fmt.Sprintf("Context: %s\n\nQuestion: %s", g.BuildContext(passages), question)},
		},
		Model:       g.model,
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	})
	if err != nil {
		pkgobs.RecordFallback("generator")
		g.logger.Error().Err(err).Msg("answer generation failed")
		return Result{Answer: ErrorApology, Err: fmt.Errorf("generate answer: %w", err)}
	}

	answer := strings.TrimSpace(resp.Content)
	if answer == "" {
		pkgobs.RecordFallback("generator")
		g.logger.Warn().Str("finish_reason", resp.FinishReason).Msg("model returned an empty answer")
		return Result{Answer: EmptyApology, Err: ErrEmptyAnswer}
	}
	return Result{Answer: answer, OK: true}
}

// BuildContext joins passages with a blank line and applies the token limit.
func (g *Generator) BuildContext(passages []string) string {
	if len(passages) == 0 {
		return NoContext
	}
	ctx := strings.Join(passages, "\n\n")
	if g.maxContextTokens <= 0 || g.tokenizer == nil {
		return ctx
	}
	tokens := g.tokenizer.Encode(ctx)
	if len(tokens) <= g.maxContextTokens {
		return ctx
	}
	g.logger.Debug().
		Int("tokens", len(tokens)).
		Int("limit", g.maxContextTokens).
		Msg("context truncated")
	return g.tokenizer.Decode(tokens[:g.maxContextTokens])
}
