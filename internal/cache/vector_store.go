package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aixgo-dev/finrag/pkg/vectorstore"
)

const answerKey = "answer"

// VectorStore keeps entries in a pkg/vectorstore collection. The query is the
// document content and the answer travels in metadata.
type VectorStore struct {
	store  vectorstore.VectorStore
	now    func() time.Time
	mu     sync.RWMutex
	closed bool
}

// NewVectorStore wraps a vector store dedicated to the cache.
func NewVectorStore(store vectorstore.VectorStore) *VectorStore {
	return &VectorStore{store: store, now: time.Now}
}

// Add implements Store.
func (s *VectorStore) Add(ctx context.Context, e Entry) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	expires := e.ExpiresAt
	doc := vectorstore.Document{
		ID:        e.ID,
		Content:   e.Query,
		Embedding: e.Embedding,
		Metadata:  map[string]interface{}{answerKey: e.Answer},
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.CreatedAt,
		ExpiresAt: &expires,
	}
	if err := s.store.Upsert(ctx, []vectorstore.Document{doc}); err != nil {
		return fmt.Errorf("vectorstore add entry: %w", err)
	}
	return nil
}

// Nearest implements Store.
func (s *VectorStore) Nearest(ctx context.Context, vec []float32) (*Match, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	results, err := s.store.Search(ctx, vectorstore.SearchQuery{
		Embedding:      vec,
		TopK:           1,
		DistanceMetric: vectorstore.DistanceMetricCosine,
	})
	if err != nil {
		return nil, fmt.Errorf("vectorstore nearest: %w", err)
	}

	now := s.now()
	for _, r := range results {
		doc := r.Document
		if doc.IsExpired(now) {
			continue
		}
		answer, _ := doc.Metadata[answerKey].(string)
		e := Entry{
			ID:        doc.ID,
			Query:     doc.Content,
			Answer:    answer,
			Embedding: doc.Embedding,
			CreatedAt: doc.CreatedAt,
		}
		if doc.ExpiresAt != nil {
			e.ExpiresAt = *doc.ExpiresAt
		} else {
			e.ExpiresAt = now.Add(DefaultTTL)
		}
		return &Match{Entry: e, Similarity: float64(r.Score)}, nil
	}
	return nil, nil
}

// PurgeExpired implements Store. Stores without physical purge report 0.
func (s *VectorStore) PurgeExpired(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	p, ok := s.store.(vectorstore.Purger)
	if !ok {
		return 0, nil
	}
	return p.PurgeExpired(ctx, s.now())
}

// Ping implements Store.
func (s *VectorStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.store.Get(ctx, nil); err != nil {
		return fmt.Errorf("vectorstore ping: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *VectorStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.store.Close()
}

func (s *VectorStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}
