package milvus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aixgo-dev/finrag/pkg/vectorstore"
	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	upserted   []entity.Column
	searchExpr string
	metric     entity.MetricType
	topK       int
	queryExpr  string
	deleteExpr string
	results    []client.SearchResult
	queryRS    client.ResultSet
	err        error
	closed     bool
}

func (f *fakeClient) Upsert(_ context.Context, _ string, _ string, columns ...entity.Column) (entity.Column, error) {
	f.upserted = columns
	return nil, f.err
}

func (f *fakeClient) Search(_ context.Context, _ string, _ []string, expr string, _ []string,
	_ []entity.Vector, _ string, metricType entity.MetricType, topK int,
	_ entity.SearchParam, _ ...client.SearchQueryOptionFunc) ([]client.SearchResult, error) {
	f.searchExpr = expr
	f.metric = metricType
	f.topK = topK
	return f.results, f.err
}

func (f *fakeClient) Query(_ context.Context, _ string, _ []string, expr string,
	_ []string, _ ...client.SearchQueryOptionFunc) (client.ResultSet, error) {
	f.queryExpr = expr
	return f.queryRS, f.err
}

func (f *fakeClient) Delete(_ context.Context, _ string, _ string, expr string) error {
	f.deleteExpr = expr
	return f.err
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func newTestStore(t *testing.T, fc *fakeClient, expiresField string) *MilvusVectorStore {
	t.Helper()
	cfg := vectorstore.Config{
		Provider:            "milvus",
		EmbeddingDimensions: 2,
		Milvus:              &vectorstore.MilvusConfig{Address: "localhost:19530", Collection: "filings", ExpiresField: expiresField},
	}
	require.NoError(t, cfg.Validate())
	return newWithClient(fc, cfg)
}

func TestFilterExpr(t *testing.T) {
	store := newTestStore(t, &fakeClient{}, "")

	assert.Equal(t, "", store.filterExpr(nil, time.Now()))
	assert.Equal(t, "", store.filterExpr(&vectorstore.MetadataFilter{}, time.Now()))

	expr := store.filterExpr(&vectorstore.MetadataFilter{
		Must:    map[string]interface{}{"company": "AAPL", "category": "risks"},
		Should:  map[string]interface{}{"year": "2023"},
		MustNot: map[string]interface{}{"section": `1"A`},
	}, time.Now())
	assert.Equal(t, `category == "risks" && company == "AAPL" && (year == "2023") && section != "1\"A"`, expr)
}

func TestFilterExprWithExpiry(t *testing.T) {
	store := newTestStore(t, &fakeClient{}, "expires_at")
	now := time.Unix(1700000000, 0)

	expr := store.filterExpr(&vectorstore.MetadataFilter{Must: map[string]interface{}{"company": "MSFT"}}, now)
	assert.Equal(t, `company == "MSFT" && (expires_at == 0 || expires_at > 1700000000)`, expr)
}

func TestUpsertColumns(t *testing.T) {
	fc := &fakeClient{}
	store := newTestStore(t, fc, "")

	err := store.Upsert(context.Background(), []vectorstore.Document{
		{ID: "a", Content: "Apple", Embedding: []float32{1, 0}, Metadata: map[string]interface{}{"company": "AAPL", "category": "risks"}},
		{ID: "b", Content: "Amazon", Embedding: []float32{0, 1}, Metadata: map[string]interface{}{"company": "AMZN"}},
	})
	require.NoError(t, err)
	require.Len(t, fc.upserted, 5)

	names := make([]string, len(fc.upserted))
	for i, col := range fc.upserted {
		names[i] = col.Name()
	}
	assert.Equal(t, []string{"id", "content", "embedding", "company", "category"}, names)

	category, err := fc.upserted[4].GetAsString(1)
	require.NoError(t, err)
	assert.Equal(t, "", category)
}

func TestUpsertRejectsExpiryWithoutField(t *testing.T) {
	store := newTestStore(t, &fakeClient{}, "")
	exp := time.Now().Add(time.Hour)
	err := store.Upsert(context.Background(), []vectorstore.Document{
		{ID: "a", Content: "x", Embedding: []float32{1, 0}, ExpiresAt: &exp},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expires_field")
}

func TestSearch(t *testing.T) {
	fc := &fakeClient{
		results: []client.SearchResult{{
			ResultCount: 2,
			IDs:         entity.NewColumnVarChar("id", []string{"goog-1", "goog-2"}),
			Fields: client.ResultSet{
				entity.NewColumnVarChar("content", []string{"search ads", "cloud"}),
				entity.NewColumnVarChar("company", []string{"GOOG", "GOOG"}),
				entity.NewColumnVarChar("category", []string{"management_dis", ""}),
			},
			Scores: []float32{0.92, 0.41},
		}},
	}
	store := newTestStore(t, fc, "")

	results, err := store.Search(context.Background(), vectorstore.SearchQuery{
		Embedding: []float32{1, 0},
		TopK:      3,
		Filter:    &vectorstore.MetadataFilter{Must: map[string]interface{}{"company": "GOOG"}},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, `company == "GOOG"`, fc.searchExpr)
	assert.Equal(t, entity.COSINE, fc.metric)
	assert.Equal(t, 3, fc.topK)

	assert.Equal(t, "goog-1", results[0].Document.ID)
	assert.Equal(t, "search ads", results[0].Document.Content)
	assert.Equal(t, "management_dis", results[0].Document.Metadata["category"])
	assert.InDelta(t, 0.92, results[0].Score, 1e-6)
	assert.InDelta(t, 0.08, results[0].Distance, 1e-6)

	_, hasCategory := results[1].Document.Metadata["category"]
	assert.False(t, hasCategory)
}

func TestSearchError(t *testing.T) {
	store := newTestStore(t, &fakeClient{err: errors.New("unavailable")}, "")
	_, err := store.Search(context.Background(), vectorstore.SearchQuery{Embedding: []float32{1, 0}, TopK: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unavailable")
}

func TestDeleteAndGet(t *testing.T) {
	fc := &fakeClient{
		queryRS: client.ResultSet{
			entity.NewColumnVarChar("id", []string{"a"}),
			entity.NewColumnVarChar("content", []string{"Apple"}),
			entity.NewColumnFloatVector("embedding", 2, [][]float32{{1, 0}}),
		},
	}
	store := newTestStore(t, fc, "")

	require.NoError(t, store.Delete(context.Background(), []string{"a", `b"c`}))
	assert.Equal(t, `id in ["a", "b\"c"]`, fc.deleteExpr)

	docs, err := store.Get(context.Background(), []string{"a"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, `id in ["a"]`, fc.queryExpr)
	assert.Equal(t, []float32{1, 0}, docs[0].Embedding)
}

func TestPurgeExpired(t *testing.T) {
	fc := &fakeClient{queryRS: client.ResultSet{entity.NewColumnVarChar("id", []string{"x", "y"})}}
	store := newTestStore(t, fc, "expires_at")

	n, err := store.PurgeExpired(context.Background(), time.Unix(100, 0))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "expires_at > 0 && expires_at <= 100", fc.deleteExpr)

	noExpiry := newTestStore(t, &fakeClient{}, "")
	n, err = noExpiry.PurgeExpired(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestClose(t *testing.T) {
	fc := &fakeClient{}
	store := newTestStore(t, fc, "")
	require.NoError(t, store.Close())
	assert.True(t, fc.closed)
	assert.ErrorIs(t, store.Delete(context.Background(), []string{"a"}), vectorstore.ErrStoreClosed)
}

func TestNormalizeScore(t *testing.T) {
	s, d := normalizeScore(3, vectorstore.DistanceMetricEuclidean)
	assert.InDelta(t, 0.25, s, 1e-6)
	assert.InDelta(t, 3, d, 1e-6)

	s, _ = normalizeScore(4, vectorstore.DistanceMetricDotProduct)
	assert.InDelta(t, 4, s, 1e-6)

	assert.Equal(t, entity.L2, metricType(vectorstore.DistanceMetricEuclidean))
	assert.Equal(t, entity.IP, metricType(vectorstore.DistanceMetricDotProduct))
}
