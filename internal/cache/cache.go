// Package cache implements the semantic response cache: answers keyed by the
// embedding of the refined query and matched by cosine similarity.
package cache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/aixgo-dev/finrag/pkg/embeddings"
	pkgobs "github.com/aixgo-dev/finrag/pkg/observability"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// DefaultThreshold is the minimum similarity for a hit.
	DefaultThreshold = 0.90

	// DefaultTTL is how long an entry stays eligible.
	DefaultTTL = 24 * time.Hour
)

var (
	// ErrEmptyAnswer is returned by Store for blank answers.
	ErrEmptyAnswer = errors.New("cache: empty answer")

	// ErrClosed is returned by stores after Close.
	ErrClosed = errors.New("cache: store is closed")
)

// Entry is a cached answer.
type Entry struct {
	ID        string    `json:"id"`
	Query     string    `json:"query"`
	Answer    string    `json:"answer"`
	Embedding []float32 `json:"embedding"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the entry is no longer eligible at now.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Match is the nearest entry and its similarity (1 - cosine distance).
type Match struct {
	Entry      Entry
	Similarity float64
}

// Store persists entries and finds the nearest live one.
type Store interface {
	// Nearest returns the most similar non-expired entry, or nil when there is none.
	// Ties go to the entry stored first.
	Nearest(ctx context.Context, vec []float32) (*Match, error)

	// Add inserts e. The store drops it once e.ExpiresAt passes.
	Add(ctx context.Context, e Entry) error

	// PurgeExpired physically removes expired entries and returns how many went.
	PurgeExpired(ctx context.Context) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// LookupResult is the outcome of Lookup. Answer is set only on a hit.
type LookupResult struct {
	Hit        bool
	Answer     string
	Similarity float64
	EntryID    string
}

// Cache ties an embedding service to a Store.
type Cache struct {
	embedder  embeddings.EmbeddingService
	store     Store
	threshold float64
	ttl       time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithThreshold sets the hit threshold.
func WithThreshold(t float64) Option {
	return func(c *Cache) {
		c.threshold = t
	}
}

// WithTTL sets the entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Cache) {
		c.logger = l
	}
}

// New creates a Cache.
func New(embedder embeddings.EmbeddingService, store Store, opts ...Option) *Cache {
	c := &Cache{
		embedder:  embedder,
		store:     store,
		threshold: DefaultThreshold,
		ttl:       DefaultTTL,
		now:       time.Now,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Threshold returns the configured hit threshold.
func (c *Cache) Threshold() float64 { return c.threshold }

// Lookup embeds query and reports a hit when the nearest live entry has a
// similarity of at least the threshold.
func (c *Cache) Lookup(ctx context.Context, query string) (LookupResult, error) {
	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		pkgobs.RecordCacheLookup("error")
		return LookupResult{}, fmt.Errorf("embed cache query: %w", err)
	}

	m, err := c.store.Nearest(ctx, vec)
	if err != nil {
		pkgobs.RecordCacheLookup("error")
		return LookupResult{}, fmt.Errorf("cache nearest: %w", err)
	}
	if m == nil || m.Entry.Expired(c.now()) {
		pkgobs.RecordCacheLookup("miss")
		return LookupResult{}, nil
	}

	res := LookupResult{Similarity: m.Similarity, EntryID: m.Entry.ID}
	if m.Similarity >= c.threshold {
		res.Hit = true
		res.Answer = m.Entry.Answer
		pkgobs.RecordCacheLookup("hit")
	} else {
		pkgobs.RecordCacheLookup("miss")
	}

	c.logger.Debug().
		Bool("hit", res.Hit).
		Float64("similarity", m.Similarity).
		Float64("threshold", c.threshold).
		Msg("cache lookup")
	return res, nil
}

// Store embeds query and inserts a new entry. Existing entries are never
// replaced, so the same query may be stored more than once.
func (c *Cache) Store(ctx context.Context, query, answer string) error {
	if strings.TrimSpace(answer) == "" {
		return ErrEmptyAnswer
	}

	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		return fmt.Errorf("embed cache entry: %w", err)
	}

	now := c.now().UTC()
	e := Entry{
		ID:        uuid.NewString(),
		Query:     query,
		Answer:    answer,
		Embedding: vec,
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	}
	if err := c.store.Add(ctx, e); err != nil {
		return fmt.Errorf("cache add: %w", err)
	}
	return nil
}

// Purge removes expired entries from the store.
func (c *Cache) Purge(ctx context.Context) (int, error) {
	return c.store.PurgeExpired(ctx)
}

// Ping checks the store.
func (c *Cache) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// Close closes the store.
func (c *Cache) Close() error {
	return c.store.Close()
}

// CosineSimilarity returns the cosine similarity of a and b in float64.
// Mismatched lengths and zero vectors give 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
