package memory

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aixgo-dev/finrag/pkg/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T, dims int) *MemoryVectorStore {
	t.Helper()
	store, err := New(vectorstore.Config{
		Provider:              "memory",
		EmbeddingDimensions:   dims,
		DefaultTopK:           10,
		DefaultDistanceMetric: "cosine",
	})
	require.NoError(t, err)
	return store
}

func filingDocs() []vectorstore.Document {
	return []vectorstore.Document{
		{ID: "aapl-risk", Content: "Apple supply chain risk", Embedding: []float32{1.0, 0.0, 0.0},
			Metadata: map[string]interface{}{"company": "AAPL", "category": "risks"}},
		{ID: "msft-risk", Content: "Microsoft cloud competition risk", Embedding: []float32{0.9, 0.1, 0.0},
			Metadata: map[string]interface{}{"company": "MSFT", "category": "risks"}},
		{ID: "aapl-mda", Content: "Apple revenue discussion", Embedding: []float32{0.8, 0.2, 0.0},
			Metadata: map[string]interface{}{"company": "AAPL", "category": "management_dis"}},
		{ID: "goog-mda", Content: "Alphabet ads revenue", Embedding: []float32{0.0, 1.0, 0.0},
			Metadata: map[string]interface{}{"company": "GOOG", "category": "management_dis"}},
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  vectorstore.Config
		wantErr bool
		maxDocs int
	}{
		{
			name:    "defaults",
			config:  vectorstore.Config{Provider: "memory", EmbeddingDimensions: 384},
			maxDocs: 10000,
		},
		{
			name: "explicit max documents",
			config: vectorstore.Config{Provider: "memory", EmbeddingDimensions: 384,
				Memory: &vectorstore.MemoryConfig{MaxDocuments: 5}},
			maxDocs: 5,
		},
		{
			name:    "zero dimensions",
			config:  vectorstore.Config{Provider: "memory"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := New(tt.config)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.maxDocs, store.maxDocuments)
			assert.Equal(t, 10, store.defaultTopK)
		})
	}
}

func TestUpsert(t *testing.T) {
	ctx := context.Background()

	t.Run("insert then update keeps created time", func(t *testing.T) {
		store := newStore(t, 3)
		created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		store.SetClock(func() time.Time { return created })
		require.NoError(t, store.Upsert(ctx, filingDocs()[:1]))

		store.SetClock(func() time.Time { return created.Add(time.Hour) })
		updated := filingDocs()[0]
		updated.Content = "Apple supply chain concentration risk"
		require.NoError(t, store.Upsert(ctx, []vectorstore.Document{updated}))

		docs, err := store.Get(ctx, []string{"aapl-risk"})
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "Apple supply chain concentration risk", docs[0].Content)
		assert.Equal(t, created, docs[0].CreatedAt)
		assert.Equal(t, created.Add(time.Hour), docs[0].UpdatedAt)
		assert.Equal(t, 1, store.Count())
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		store := newStore(t, 4)
		err := store.Upsert(ctx, filingDocs())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dimension mismatch")
	})

	t.Run("invalid document", func(t *testing.T) {
		store := newStore(t, 3)
		err := store.Upsert(ctx, []vectorstore.Document{{ID: "x", Embedding: []float32{1, 0, 0}}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "content cannot be empty")
	})

	t.Run("max documents", func(t *testing.T) {
		store, err := New(vectorstore.Config{Provider: "memory", EmbeddingDimensions: 3,
			Memory: &vectorstore.MemoryConfig{MaxDocuments: 2}})
		require.NoError(t, err)
		err = store.Upsert(ctx, filingDocs())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max documents")
	})

	t.Run("closed store", func(t *testing.T) {
		store := newStore(t, 3)
		require.NoError(t, store.Close())
		assert.ErrorIs(t, store.Upsert(ctx, filingDocs()), vectorstore.ErrStoreClosed)
	})
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, 3)
	require.NoError(t, store.Upsert(ctx, filingDocs()))

	t.Run("basic search", func(t *testing.T) {
		results, err := store.Search(ctx, vectorstore.SearchQuery{Embedding: []float32{1, 0, 0}, TopK: 2})
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "aapl-risk", results[0].Document.ID)
		assert.Equal(t, "msft-risk", results[1].Document.ID)
		assert.InDelta(t, 1.0, results[0].Score, 1e-6)
		assert.InDelta(t, 0.0, results[0].Distance, 1e-6)
	})

	t.Run("and filter over company and category", func(t *testing.T) {
		results, err := store.Search(ctx, vectorstore.SearchQuery{
			Embedding: []float32{1, 0, 0},
			TopK:      3,
			Filter: &vectorstore.MetadataFilter{Must: map[string]interface{}{
				"company":  "AAPL",
				"category": "management_dis",
			}},
		})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "aapl-mda", results[0].Document.ID)
	})

	t.Run("empty filter applies no restriction", func(t *testing.T) {
		results, err := store.Search(ctx, vectorstore.SearchQuery{
			Embedding: []float32{1, 0, 0},
			TopK:      10,
			Filter:    &vectorstore.MetadataFilter{},
		})
		require.NoError(t, err)
		assert.Len(t, results, 4)
	})

	t.Run("ties keep insertion order", func(t *testing.T) {
		tied := newStore(t, 2)
		for i := 0; i < 5; i++ {
			require.NoError(t, tied.Upsert(ctx, []vectorstore.Document{{
				ID: fmt.Sprintf("d%d", i), Content: fmt.Sprintf("c%d", i), Embedding: []float32{1, 1},
			}}))
		}
		results, err := tied.Search(ctx, vectorstore.SearchQuery{Embedding: []float32{1, 1}, TopK: 5})
		require.NoError(t, err)
		for i, r := range results {
			assert.Equal(t, fmt.Sprintf("d%d", i), r.Document.ID)
		}
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		_, err := store.Search(ctx, vectorstore.SearchQuery{Embedding: []float32{1, 0}, TopK: 1})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dimension mismatch")
	})

	t.Run("results are detached copies", func(t *testing.T) {
		results, err := store.Search(ctx, vectorstore.SearchQuery{Embedding: []float32{1, 0, 0}, TopK: 1})
		require.NoError(t, err)
		results[0].Document.Metadata["company"] = "META"

		again, err := store.Search(ctx, vectorstore.SearchQuery{Embedding: []float32{1, 0, 0}, TopK: 1})
		require.NoError(t, err)
		assert.Equal(t, "AAPL", again[0].Document.Metadata["company"])
	})
}

func TestExpiry(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, 2)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.SetClock(func() time.Time { return base })

	expires := base.Add(time.Minute)
	require.NoError(t, store.Upsert(ctx, []vectorstore.Document{
		{ID: "short", Content: "short lived", Embedding: []float32{1, 0}, ExpiresAt: &expires},
		{ID: "forever", Content: "no expiry", Embedding: []float32{0, 1}},
	}))

	results, err := store.Search(ctx, vectorstore.SearchQuery{Embedding: []float32{1, 0}, TopK: 2})
	require.NoError(t, err)
	assert.Len(t, results, 2)

	store.SetClock(func() time.Time { return expires })

	results, err = store.Search(ctx, vectorstore.SearchQuery{Embedding: []float32{1, 0}, TopK: 2})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "forever", results[0].Document.ID)

	docs, err := store.Get(ctx, []string{"short", "forever"})
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	// Still physically present until purged.
	assert.Equal(t, 2, store.Count())
	removed, err := store.PurgeExpired(ctx, expires)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, store.Count())
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, 3)
	require.NoError(t, store.Upsert(ctx, filingDocs()))

	require.NoError(t, store.Delete(ctx, []string{"aapl-risk", "missing"}))
	assert.Equal(t, 3, store.Count())

	results, err := store.Search(ctx, vectorstore.SearchQuery{Embedding: []float32{1, 0, 0}, TopK: 10})
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "aapl-risk", r.Document.ID)
	}
}

func TestRegistryLoadsSeedFile(t *testing.T) {
	seed := strings.Join([]string{
		`{"id":"a","content":"Apple risk","embedding":[1,0],"metadata":{"company":"AAPL"}}`,
		``,
		`{"id":"b","content":"Meta risk","embedding":[0,1],"metadata":{"company":"META"}}`,
	}, "\n")
	path := t.TempDir() + "/seed.jsonl"
	require.NoError(t, writeFile(path, seed))

	store, err := vectorstore.New(context.Background(), vectorstore.Config{
		Provider:            "memory",
		EmbeddingDimensions: 2,
		Memory:              &vectorstore.MemoryConfig{SeedFile: path},
	})
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	docs, err := store.Get(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestConcurrency(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, 3)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = store.Upsert(ctx, []vectorstore.Document{{
				ID: fmt.Sprintf("doc%d", i), Content: "c", Embedding: []float32{float32(i), 1, 0},
			}})
		}(i)
		go func() {
			defer wg.Done()
			_, _ = store.Search(ctx, vectorstore.SearchQuery{Embedding: []float32{1, 0, 0}, TopK: 5})
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, store.Count())
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o600)
}
