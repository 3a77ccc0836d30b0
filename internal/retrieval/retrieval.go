// Package retrieval runs the hybrid semantic and keyword search over the
// filing corpus.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aixgo-dev/finrag/internal/conversation"
	"github.com/aixgo-dev/finrag/pkg/embeddings"
	pkgobs "github.com/aixgo-dev/finrag/pkg/observability"
	"github.com/aixgo-dev/finrag/pkg/vectorstore"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrRetrievalUnavailable is returned when every retrieval source failed.
var ErrRetrievalUnavailable = errors.New("retrieval: all sources unavailable")

// Source names the branch that produced a candidate.
type Source string

const (
	SourceSemantic Source = "semantic"
	SourceKeyword  Source = "keyword"
)

// Candidate is a retrieved passage. Two candidates are the same passage iff
// their Content is equal.
type Candidate struct {
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Score    float64           `json:"score"`
	Scored   bool              `json:"scored"`
	Source   Source            `json:"source"`
}

// Result is the outcome of Search. A failed branch empties Candidates and
// sets Degraded.
type Result struct {
	Candidates  []Candidate
	Degraded    bool
	SemanticErr error
	KeywordErr  error
}

// KeywordIndex is a read-only lexical index. filter holds metadata equality
// conditions; nil or empty means no restriction.
type KeywordIndex interface {
	Search(ctx context.Context, text string, k int, filter map[string]string) ([]Candidate, error)
}

// Retriever combines a vector store and a keyword index.
type Retriever struct {
	embedder      embeddings.EmbeddingService
	vectors       vectorstore.VectorStore
	keyword       KeywordIndex
	semanticK     int
	keywordK      int
	filterKeyword bool
	timeout       time.Duration
	logger        zerolog.Logger
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithK sets the per-branch result counts.
func WithK(semantic, keyword int) Option {
	return func(r *Retriever) {
		r.semanticK = semantic
		r.keywordK = keyword
	}
}

// WithKeywordFilter controls whether the metadata filter also restricts the
// keyword branch.
func WithKeywordFilter(enabled bool) Option {
	return func(r *Retriever) {
		r.filterKeyword = enabled
	}
}

// WithBranchTimeout bounds each branch separately.
func WithBranchTimeout(d time.Duration) Option {
	return func(r *Retriever) {
		r.timeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Retriever) {
		r.logger = l
	}
}

// New creates a Retriever. keyword may be nil to disable the keyword branch.
func New(embedder embeddings.EmbeddingService, vectors vectorstore.VectorStore, keyword KeywordIndex, opts ...Option) *Retriever {
	r := &Retriever{
		embedder:      embedder,
		vectors:       vectors,
		keyword:       keyword,
		semanticK:     3,
		keywordK:      3,
		filterKeyword: true,
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Search runs both branches concurrently and merges their results with
// semantic candidates first. If either branch fails the result is empty and
// Degraded; if both fail the error wraps ErrRetrievalUnavailable.
func (r *Retriever) Search(ctx context.Context, query string, filter conversation.Metadata) (Result, error) {
	var (
		g                  errgroup.Group
		semantic, keyword  []Candidate
		semErr, keywordErr error
	)

	g.Go(func() error {
		semantic, semErr = r.semanticSearch(ctx, query, filter)
		return nil
	})
	g.Go(func() error {
		keyword, keywordErr = r.keywordSearch(ctx, query, filter)
		return nil
	})
	_ = g.Wait()

	res := Result{SemanticErr: semErr, KeywordErr: keywordErr}
	if semErr != nil || keywordErr != nil {
		res.Degraded = true
		pkgobs.RecordFallback("retrieval")
		r.logger.Warn().
			AnErr("semantic_error", semErr).
			AnErr("keyword_error", keywordErr).
			Msg("retrieval branch failed, continuing without passages")

		if semErr != nil && keywordErr != nil {
			return res, fmt.Errorf("%w: semantic: %v; keyword: %v", ErrRetrievalUnavailable, semErr, keywordErr)
		}
		return res, nil
	}

	res.Candidates = Deduplicate(append(semantic, keyword...))
	pkgobs.RecordRetrievalCandidates(len(res.Candidates))
	r.logger.Debug().
		Int("semantic", len(semantic)).
		Int("keyword", len(keyword)).
		Int("candidates", len(res.Candidates)).
		Msg("retrieval complete")
	return res, nil
}

func (r *Retriever) branchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout > 0 {
		return context.WithTimeout(ctx, r.timeout)
	}
	return context.WithCancel(ctx)
}

func (r *Retriever) semanticSearch(ctx context.Context, query string, filter conversation.Metadata) ([]Candidate, error) {
	ctx, cancel := r.branchContext(ctx)
	defer cancel()

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	sq := vectorstore.SearchQuery{Embedding: vec, TopK: r.semanticK}
	if !filter.IsEmpty() {
		must := make(map[string]interface{}, 2)
		for k, v := range filter.Fields() {
			must[k] = v
		}
		sq.Filter = &vectorstore.MetadataFilter{Must: must}
	}

	results, err := r.vectors.Search(ctx, sq)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	out := make([]Candidate, 0, len(results))
	for _, res := range results {
		out = append(out, Candidate{
			Content:  res.Document.Content,
			Metadata: stringMetadata(res.Document.Metadata),
			Source:   SourceSemantic,
		})
	}
	return out, nil
}

func (r *Retriever) keywordSearch(ctx context.Context, query string, filter conversation.Metadata) ([]Candidate, error) {
	if r.keyword == nil {
		return nil, nil
	}
	ctx, cancel := r.branchContext(ctx)
	defer cancel()

	var fields map[string]string
	if r.filterKeyword && !filter.IsEmpty() {
		fields = filter.Fields()
	}
	out, err := r.keyword.Search(ctx, query, r.keywordK, fields)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	for i := range out {
		out[i].Source = SourceKeyword
		out[i].Score = 0
		out[i].Scored = false
	}
	return out, nil
}

// Deduplicate keeps the first candidate for each distinct Content, preserving
// order. It does not modify its input.
func Deduplicate(in []Candidate) []Candidate {
	seen := make(map[string]struct{}, len(in))
	out := make([]Candidate, 0, len(in))
	for _, c := range in {
		if _, dup := seen[c.Content]; dup {
			continue
		}
		seen[c.Content] = struct{}{}
		out = append(out, c)
	}
	return out
}

// Contents returns the passage texts of cs.
func Contents(cs []Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Content
	}
	return out
}

func stringMetadata(md map[string]interface{}) map[string]string {
	if len(md) == 0 {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}
