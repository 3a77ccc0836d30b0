// Package refiner turns the latest user message into a self-contained search
// query plus a metadata filter.
package refiner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aixgo-dev/finrag/internal/conversation"
	"github.com/aixgo-dev/finrag/internal/llm/provider"
	pkgobs "github.com/aixgo-dev/finrag/pkg/observability"
	"github.com/rs/zerolog"
)

// FirstTurnContext is the context given to the model when there is no prior exchange.
const FirstTurnContext = "This is the first question from the user."

// ContextTurns is the number of prior turns rendered into the context.
const ContextTurns = 2

const systemPrompt = "You are an expert at query analysis for a financial RAG system. " +
	"Your task is to analyze the user's latest query in the context of the recent conversation history. " +
	"You must produce two outputs in a structured format: 'filter' and 'refined_query'. " +
	"The 'filter' should extract company tickers (AAPL, MSFT, GOOG, AMZN, META) and categories " +
	"('risks', 'management_dis') from the user's latest query only. If not mentioned, set the value to null. " +
	"The 'refined_query' should be a rewritten, self-contained question optimized for a vector database search, " +
	"using the 'Conversation Context' to resolve pronouns or follow-up questions."

// Schema is the JSON schema the model must answer with.
const Schema = `{
  "type": "object",
  "properties": {
    "filter": {
      "type": "object",
      "properties": {
        "company": {"type": ["string", "null"], "enum": ["AAPL", "MSFT", "GOOG", "AMZN", "META", null]},
        "category": {"type": ["string", "null"], "enum": ["risks", "management_dis", null]}
      },
      "required": ["company", "category"],
      "additionalProperties": false
    },
    "refined_query": {"type": "string"}
  },
  "required": ["filter", "refined_query"],
  "additionalProperties": false
}`

// ErrEmptyQuery is returned when there is no user text to refine.
var ErrEmptyQuery = errors.New("refiner: empty query")

// Result is the outcome of Refine. Query is always usable: on fallback it
// carries an unset filter and the verbatim user text.
type Result struct {
	Query    conversation.StructuredQuery
	Fallback bool
	Err      error
}

// Refiner calls a model to produce a StructuredQuery.
type Refiner struct {
	provider    provider.Provider
	model       string
	temperature float64
	maxTokens   int
	logger      zerolog.Logger
}

// Option configures a Refiner.
type Option func(*Refiner)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Refiner) {
		r.logger = l
	}
}

// WithTemperature overrides the default temperature of 0.
func WithTemperature(t float64) Option {
	return func(r *Refiner) {
		r.temperature = t
	}
}

// WithMaxTokens caps the model output.
func WithMaxTokens(n int) Option {
	return func(r *Refiner) {
		r.maxTokens = n
	}
}

// New creates a Refiner backed by p.
func New(p provider.Provider, model string, opts ...Option) *Refiner {
	r := &Refiner{
		provider: p,
		model:    model,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type modelOutput struct {
	Filter struct {
		Company  *string `json:"company"`
		Category *string `json:"category"`
	} `json:"filter"`
	RefinedQuery string `json:"refined_query"`
}

// Refine analyses userText in the light of prior turns. It never fails the
// turn: any problem yields the fallback query with Fallback set.
func (r *Refiner) Refine(ctx context.Context, userText string, prior []conversation.Turn) Result {
	if strings.TrimSpace(userText) == "" {
		return r.fallback(userText, ErrEmptyQuery)
	}

	req := provider.StructuredRequest{
		CompletionRequest: provider.CompletionRequest{
			Messages: []provider.Message{
				{Role: "system", Content: systemPrompt},
				{Role: "user", Content: fmt.Sprintf("Conversation Context:\n%s\n\nUser Query: %s", RenderContext(prior), userText)},
			},
			Model:       r.model,
			Temperature: r.temperature,
			MaxTokens:   r.maxTokens,
		},
		ResponseSchema: json.RawMessage(Schema),
		SchemaName:     "refined_query",
		StrictSchema:   true,
	}

	resp, err := r.provider.CreateStructured(ctx, req)
	if err != nil {
		return r.fallback(userText, fmt.Errorf("refine query: %w", err))
	}

	query, err := parse(resp.Data, userText)
	if err != nil {
		return r.fallback(userText, err)
	}

	r.logger.Debug().
		Str("refined_query", query.RefinedQuery).
		Interface("filter", query.Filter.Fields()).
		Msg("query refined")
	return Result{Query: query}
}

func (r *Refiner) fallback(userText string, err error) Result {
	pkgobs.RecordFallback("refiner")
	r.logger.Warn().Err(err).Msg("query refinement failed, using the raw user text")
	return Result{
		Query:    conversation.StructuredQuery{RefinedQuery: userText},
		Fallback: true,
		Err:      err,
	}
}

func parse(data []byte, userText string) (conversation.StructuredQuery, error) {
	var out modelOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return conversation.StructuredQuery{}, fmt.Errorf("decode refiner output: %w", err)
	}

	var q conversation.StructuredQuery
	if out.Filter.Company != nil && *out.Filter.Company != "" {
		c, err := conversation.ParseCompany(*out.Filter.Company)
		if err != nil {
			return q, err
		}
		q.Filter.Company = &c
	}
	if out.Filter.Category != nil && *out.Filter.Category != "" {
		c, err := conversation.ParseCategory(*out.Filter.Category)
		if err != nil {
			return q, err
		}
		q.Filter.Category = &c
	}

	q.RefinedQuery = strings.TrimSpace(out.RefinedQuery)
	if q.RefinedQuery == "" {
		q.RefinedQuery = userText
	}
	return q, nil
}

// RenderContext renders prior turns as "User: ..." and "Assistant: ..." lines.
// Only the last ContextTurns turns are used.
func RenderContext(prior []conversation.Turn) string {
	if len(prior) == 0 {
		return FirstTurnContext
	}
	if len(prior) > ContextTurns {
		prior = prior[len(prior)-ContextTurns:]
	}
	lines := make([]string, 0, len(prior))
	for _, t := range prior {
		speaker := "User"
		if t.Role == conversation.RoleAssistant {
			speaker = "Assistant"
		}
		lines = append(lines, speaker+": "+t.Content)
	}
	return strings.Join(lines, "\n")
}
