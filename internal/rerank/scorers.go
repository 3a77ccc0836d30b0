package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/aixgo-dev/finrag/internal/llm/provider"
)

// TEIScorer calls the /rerank endpoint of a HuggingFace
// text-embeddings-inference server hosting a cross-encoder.
type TEIScorer struct {
	endpoint string
	client   *http.Client
}

// NewTEIScorer validates endpoint (the server base URL).
func NewTEIScorer(endpoint string, client *http.Client) (*TEIScorer, error) {
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid rerank endpoint %q", endpoint)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &TEIScorer{endpoint: strings.TrimRight(endpoint, "/"), client: client}, nil
}

type teiRerankRequest struct {
	Query     string   `json:"query"`
	Texts     []string `json:"texts"`
	RawScores bool     `json:"raw_scores"`
	Truncate  bool     `json:"truncate"`
}

type teiRank struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Score implements Scorer.
func (s *TEIScorer) Score(ctx context.Context, query string, docs []string) ([]float64, error) {
	body, err := json.Marshal(teiRerankRequest{Query: query, Texts: docs, Truncate: true})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("rerank status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var ranks []teiRank
	if err := json.NewDecoder(resp.Body).Decode(&ranks); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}

	scores := make([]float64, len(docs))
	seen := make([]bool, len(docs))
	for _, r := range ranks {
		if r.Index < 0 || r.Index >= len(docs) || seen[r.Index] {
			return nil, fmt.Errorf("rerank response has invalid index %d", r.Index)
		}
		scores[r.Index] = r.Score
		seen[r.Index] = true
	}
	if len(ranks) != len(docs) {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrScoreCount, len(ranks), len(docs))
	}
	return scores, nil
}

const llmSystemPrompt = `You are an expert at evaluating document relevance for search queries.
Your task is to rate documents on a scale from 0 to 10 based on how well they answer the given query.

Guidelines:
- Score 0-2: Document is completely irrelevant
- Score 3-5: Document has some relevant information but doesn't directly answer the query
- Score 6-8: Document is relevant and partially answers the query
- Score 9-10: Document is highly relevant and directly answers the query

You MUST respond with ONLY a single integer score between 0 and 10. Do not include ANY other text.`

var scorePattern = regexp.MustCompile(`\b(10|[0-9])\b`)

// ErrUnparsableScore is returned when the model reply holds no 0-10 integer.
var ErrUnparsableScore = errors.New("rerank: model reply has no score")

// LLMScorer asks a chat model for a 0-10 relevance score per document and
// scales it to 0..1.
type LLMScorer struct {
	provider provider.Provider
	model    string
}

// NewLLMScorer creates an LLMScorer.
func NewLLMScorer(p provider.Provider, model string) *LLMScorer {
	return &LLMScorer{provider: p, model: model}
}

// Score implements Scorer. The first failing document fails the batch.
func (s *LLMScorer) Score(ctx context.Context, query string, docs []string) ([]float64, error) {
	scores := make([]float64, len(docs))
	for i, doc := range docs {
		resp, err := s.provider.CreateCompletion(ctx, provider.CompletionRequest{
			Messages: []provider.Message{
				{Role: "system", Content: llmSystemPrompt},
				{Role: "user", Content: fmt.Sprintf("Query: %s\nDocument:\n%s\n\nRate this document's relevance to the query on a scale from 0 to 10:", query, doc)},
			},
			Model:     s.model,
			MaxTokens: 4,
		})
		if err != nil {
			return nil, fmt.Errorf("score document %d: %w", i, err)
		}
		v, err := parseScore(resp.Content)
		if err != nil {
			return nil, fmt.Errorf("score document %d: %w", i, err)
		}
		scores[i] = v / 10
	}
	return scores, nil
}

func parseScore(reply string) (float64, error) {
	m := scorePattern.FindStringSubmatch(strings.TrimSpace(reply))
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrUnparsableScore, reply)
	}
	return strconv.ParseFloat(m[1], 64)
}
