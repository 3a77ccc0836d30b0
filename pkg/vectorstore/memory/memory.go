package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aixgo-dev/finrag/pkg/vectorstore"
)

// MemoryVectorStore is a brute-force in-memory vector store. It keeps
// insertion order so that equal scores come back in store order.
type MemoryVectorStore struct {
	documents     map[string]vectorstore.Document
	order         []string
	maxDocuments  int
	defaultTopK   int
	defaultMetric string
	embeddingDims int
	now           func() time.Time
	closed        bool
	mu            sync.RWMutex
}

func init() {
	vectorstore.Register("memory", func(ctx context.Context, config vectorstore.Config) (vectorstore.VectorStore, error) {
		store, err := New(config)
		if err != nil {
			return nil, err
		}
		if config.Memory != nil && config.Memory.SeedFile != "" {
			if _, err := vectorstore.LoadJSONL(ctx, store, config.Memory.SeedFile); err != nil {
				return nil, fmt.Errorf("seed memory store: %w", err)
			}
		}
		return store, nil
	})
}

// New creates a new MemoryVectorStore from the provided configuration.
func New(config vectorstore.Config) (*MemoryVectorStore, error) {
	if config.EmbeddingDimensions <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be greater than 0, got %d", config.EmbeddingDimensions)
	}

	maxDocs := 10000
	if config.Memory != nil && config.Memory.MaxDocuments > 0 {
		maxDocs = config.Memory.MaxDocuments
	}
	topK := config.DefaultTopK
	if topK <= 0 {
		topK = 10
	}

	return &MemoryVectorStore{
		documents:     make(map[string]vectorstore.Document),
		maxDocuments:  maxDocs,
		defaultTopK:   topK,
		defaultMetric: config.DefaultDistanceMetric,
		embeddingDims: config.EmbeddingDimensions,
		now:           time.Now,
	}, nil
}

// SetClock replaces the time source used for expiry checks.
func (m *MemoryVectorStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Upsert inserts or updates documents with embeddings.
func (m *MemoryVectorStore) Upsert(ctx context.Context, documents []vectorstore.Document) error {
	if len(documents) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return vectorstore.ErrStoreClosed
	}

	for i := range documents {
		if err := vectorstore.ValidateDocument(&documents[i]); err != nil {
			return fmt.Errorf("invalid document at index %d: %w", i, err)
		}
		if len(documents[i].Embedding) != m.embeddingDims {
			return fmt.Errorf("document %s embedding dimension mismatch: expected %d, got %d",
				documents[i].ID, m.embeddingDims, len(documents[i].Embedding))
		}
	}

	newDocsCount := 0
	for _, doc := range documents {
		if _, exists := m.documents[doc.ID]; !exists {
			newDocsCount++
		}
	}
	if len(m.documents)+newDocsCount > m.maxDocuments {
		return fmt.Errorf("would exceed max documents limit: %d (current: %d, adding: %d)",
			m.maxDocuments, len(m.documents), newDocsCount)
	}

	now := m.now()
	for _, doc := range documents {
		docCopy := deepCopyDocument(doc)
		if existing, exists := m.documents[doc.ID]; exists {
			docCopy.CreatedAt = existing.CreatedAt
		} else {
			m.order = append(m.order, doc.ID)
			if docCopy.CreatedAt.IsZero() {
				docCopy.CreatedAt = now
			}
		}
		docCopy.UpdatedAt = now
		m.documents[doc.ID] = docCopy
	}

	return nil
}

// Search performs brute-force similarity search. Expired documents are skipped.
func (m *MemoryVectorStore) Search(ctx context.Context, query vectorstore.SearchQuery) ([]vectorstore.SearchResult, error) {
	if query.TopK == 0 {
		query.TopK = m.defaultTopK
	}
	if query.DistanceMetric == "" {
		query.DistanceMetric = vectorstore.DistanceMetric(m.defaultMetric)
	}

	if err := vectorstore.ValidateSearchQuery(&query); err != nil {
		return nil, fmt.Errorf("invalid search query: %w", err)
	}

	if len(query.Embedding) != m.embeddingDims {
		return nil, fmt.Errorf("query embedding dimension mismatch: expected %d, got %d",
			m.embeddingDims, len(query.Embedding))
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, vectorstore.ErrStoreClosed
	}

	now := m.now()
	var candidates []vectorstore.SearchResult

	for _, id := range m.order {
		doc := m.documents[id]
		if doc.IsExpired(now) {
			continue
		}
		if !vectorstore.MatchesFilter(doc.Metadata, query.Filter) {
			continue
		}

		score, distance := vectorstore.Similarity(query.Embedding, doc.Embedding, query.DistanceMetric)
		if query.MinScore > 0 && score < query.MinScore {
			continue
		}

		candidates = append(candidates, vectorstore.SearchResult{
			Document: deepCopyDocument(doc),
			Score:    score,
			Distance: distance,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	if len(candidates) > query.TopK {
		candidates = candidates[:query.TopK]
	}

	return candidates, nil
}

// Delete removes documents by their IDs.
func (m *MemoryVectorStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		delete(m.documents, id)
	}
	m.compactOrder()

	return nil
}

// Get retrieves live documents by their IDs. Missing and expired IDs are skipped.
func (m *MemoryVectorStore) Get(ctx context.Context, ids []string) ([]vectorstore.Document, error) {
	if len(ids) == 0 {
		return []vectorstore.Document{}, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	documents := make([]vectorstore.Document, 0, len(ids))
	for _, id := range ids {
		if doc, exists := m.documents[id]; exists && !doc.IsExpired(now) {
			documents = append(documents, deepCopyDocument(doc))
		}
	}

	return documents, nil
}

// PurgeExpired drops every document whose expiry is at or before now.
func (m *MemoryVectorStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, doc := range m.documents {
		if doc.IsExpired(now) {
			delete(m.documents, id)
			removed++
		}
	}
	if removed > 0 {
		m.compactOrder()
	}
	return removed, nil
}

// Close marks the store closed.
func (m *MemoryVectorStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Count returns the number of documents physically stored, expired or not.
func (m *MemoryVectorStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.documents)
}

// compactOrder drops IDs that are no longer present. Callers hold the write lock.
func (m *MemoryVectorStore) compactOrder() {
	kept := m.order[:0]
	for _, id := range m.order {
		if _, ok := m.documents[id]; ok {
			kept = append(kept, id)
		}
	}
	m.order = kept
}

func deepCopyDocument(doc vectorstore.Document) vectorstore.Document {
	embeddingCopy := make([]float32, len(doc.Embedding))
	copy(embeddingCopy, doc.Embedding)

	var metadataCopy map[string]interface{}
	if doc.Metadata != nil {
		metadataCopy = make(map[string]interface{}, len(doc.Metadata))
		for k, v := range doc.Metadata {
			metadataCopy[k] = v
		}
	}

	var expires *time.Time
	if doc.ExpiresAt != nil {
		t := *doc.ExpiresAt
		expires = &t
	}

	return vectorstore.Document{
		ID:        doc.ID,
		Content:   doc.Content,
		Embedding: embeddingCopy,
		Metadata:  metadataCopy,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
		ExpiresAt: expires,
	}
}
