// Package rerank orders retrieval candidates by cross-encoder relevance and
// keeps the best few.
package rerank

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aixgo-dev/finrag/internal/retrieval"
	pkgobs "github.com/aixgo-dev/finrag/pkg/observability"
	"github.com/rs/zerolog"
)

const (
	// DefaultTopM is the number of candidates kept.
	DefaultTopM = 2

	// NeutralScore is assigned to every candidate when scoring fails.
	NeutralScore = 0.5
)

// ErrScoreCount is returned when a scorer answers with the wrong number of scores.
var ErrScoreCount = errors.New("rerank: score count does not match candidates")

// Scorer scores the relevance of each doc to query. The result has one score
// per doc, in order.
type Scorer interface {
	Score(ctx context.Context, query string, docs []string) ([]float64, error)
}

// Result is the outcome of Rerank. On Fallback, Err holds the scoring error
// and every candidate carries NeutralScore.
type Result struct {
	Candidates []retrieval.Candidate
	Fallback   bool
	Err        error
}

// Reranker applies a Scorer.
type Reranker struct {
	scorer Scorer
	topM   int
	logger zerolog.Logger
}

// Option configures a Reranker.
type Option func(*Reranker)

// WithTopM sets the default number of candidates kept.
func WithTopM(m int) Option {
	return func(r *Reranker) {
		r.topM = m
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Reranker) {
		r.logger = l
	}
}

// New creates a Reranker. A nil scorer keeps retrieval order.
func New(scorer Scorer, opts ...Option) *Reranker {
	r := &Reranker{scorer: scorer, topM: DefaultTopM, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TopM returns the default number of candidates kept.
func (r *Reranker) TopM() int { return r.topM }

// Rerank scores candidates, sorts them by descending score (stable) and keeps
// the first topM. topM <= 0 uses the configured default. The input slice is
// not modified.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []retrieval.Candidate, topM int) Result {
	if topM <= 0 {
		topM = r.topM
	}
	if len(candidates) == 0 {
		return Result{Candidates: []retrieval.Candidate{}}
	}

	out := make([]retrieval.Candidate, len(candidates))
	copy(out, candidates)

	if r.scorer == nil {
		return Result{Candidates: truncate(out, topM)}
	}

	scores, err := r.scorer.Score(ctx, query, retrieval.Contents(out))
	if err == nil && len(scores) != len(out) {
		err = fmt.Errorf("%w: got %d, want %d", ErrScoreCount, len(scores), len(out))
	}
	if err != nil {
		pkgobs.RecordFallback("rerank")
		r.logger.Warn().Err(err).Int("candidates", len(out)).Msg("rerank failed, using neutral scores")
		for i := range out {
			out[i].Score = NeutralScore
			out[i].Scored = true
		}
		return Result{Candidates: truncate(out, topM), Fallback: true, Err: err}
	}

	for i := range out {
		out[i].Score = scores[i]
		out[i].Scored = true
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return Result{Candidates: truncate(out, topM)}
}

func truncate(cs []retrieval.Candidate, m int) []retrieval.Candidate {
	if len(cs) > m {
		return cs[:m]
	}
	return cs
}

// SerializedScorer lets one Score call run at a time. It wraps local models
// that cannot score concurrently.
type SerializedScorer struct {
	mu    chan struct{}
	inner Scorer
}

// Serialized wraps s with a lock that honours context cancellation.
func Serialized(s Scorer) *SerializedScorer {
	return &SerializedScorer{mu: make(chan struct{}, 1), inner: s}
}

// Score implements Scorer.
func (s *SerializedScorer) Score(ctx context.Context, query string, docs []string) ([]float64, error) {
	select {
	case s.mu <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-s.mu }()
	return s.inner.Score(ctx, query, docs)
}

// FuncScorer adapts a function to Scorer.
type FuncScorer func(ctx context.Context, query string, docs []string) ([]float64, error)

// Score implements Scorer.
func (f FuncScorer) Score(ctx context.Context, query string, docs []string) ([]float64, error) {
	return f(ctx, query, docs)
}
