// Package milvus backs the VectorStore interface with a Milvus collection.
// The collection schema is managed outside this package: a VarChar primary key,
// a VarChar content field, a FloatVector field and one VarChar field per
// filterable metadata key.
package milvus

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aixgo-dev/finrag/pkg/vectorstore"
	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
)

// milvusClient is the part of client.Client the store uses.
type milvusClient interface {
	Upsert(ctx context.Context, collName string, partitionName string, columns ...entity.Column) (entity.Column, error)
	Search(ctx context.Context, collName string, partitions []string, expr string, outputFields []string,
		vectors []entity.Vector, vectorField string, metricType entity.MetricType, topK int,
		sp entity.SearchParam, opts ...client.SearchQueryOptionFunc) ([]client.SearchResult, error)
	Query(ctx context.Context, collectionName string, partitionNames []string, expr string,
		outputFields []string, opts ...client.SearchQueryOptionFunc) (client.ResultSet, error)
	Delete(ctx context.Context, collName string, partitionName string, expr string) error
	Close() error
}

// MilvusVectorStore is a VectorStore over a single Milvus collection.
type MilvusVectorStore struct {
	client        milvusClient
	cfg           vectorstore.MilvusConfig
	defaultTopK   int
	defaultMetric vectorstore.DistanceMetric
	embeddingDims int
	now           func() time.Time
	closed        bool
	mu            sync.RWMutex
}

func init() {
	vectorstore.Register("milvus", func(ctx context.Context, config vectorstore.Config) (vectorstore.VectorStore, error) {
		return New(ctx, config)
	})
}

// New dials Milvus and returns a store bound to the configured collection.
func New(ctx context.Context, config vectorstore.Config) (*MilvusVectorStore, error) {
	if config.Milvus == nil {
		return nil, fmt.Errorf("milvus configuration is required")
	}
	if err := config.Milvus.Validate(); err != nil {
		return nil, err
	}

	c, err := client.NewClient(ctx, client.Config{
		Address:  config.Milvus.Address,
		Username: config.Milvus.Username,
		Password: config.Milvus.Password,
		DBName:   config.Milvus.DBName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to milvus at %s: %w", config.Milvus.Address, err)
	}

	return newWithClient(c, config), nil
}

func newWithClient(c milvusClient, config vectorstore.Config) *MilvusVectorStore {
	topK := config.DefaultTopK
	if topK <= 0 {
		topK = 10
	}
	return &MilvusVectorStore{
		client:        c,
		cfg:           *config.Milvus,
		defaultTopK:   topK,
		defaultMetric: vectorstore.DistanceMetric(config.DefaultDistanceMetric),
		embeddingDims: config.EmbeddingDimensions,
		now:           time.Now,
	}
}

// Upsert writes documents column-wise. Metadata values outside the configured
// metadata fields are dropped, and present ones are stored as strings.
func (m *MilvusVectorStore) Upsert(ctx context.Context, documents []vectorstore.Document) error {
	if len(documents) == 0 {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return vectorstore.ErrStoreClosed
	}

	ids := make([]string, len(documents))
	contents := make([]string, len(documents))
	vectors := make([][]float32, len(documents))
	meta := make(map[string][]string, len(m.cfg.MetadataFields))
	var expires []int64
	if m.cfg.ExpiresField != "" {
		expires = make([]int64, len(documents))
	}

	for i := range documents {
		doc := &documents[i]
		if err := vectorstore.ValidateDocument(doc); err != nil {
			return fmt.Errorf("invalid document at index %d: %w", i, err)
		}
		if len(doc.Embedding) != m.embeddingDims {
			return fmt.Errorf("document %s embedding dimension mismatch: expected %d, got %d",
				doc.ID, m.embeddingDims, len(doc.Embedding))
		}
		if doc.ExpiresAt != nil && m.cfg.ExpiresField == "" {
			return fmt.Errorf("document %s has an expiry but no expires_field is configured", doc.ID)
		}

		ids[i] = doc.ID
		contents[i] = doc.Content
		vectors[i] = doc.Embedding
		for _, field := range m.cfg.MetadataFields {
			value := ""
			if v, ok := doc.Metadata[field]; ok && v != nil {
				value = fmt.Sprint(v)
			}
			meta[field] = append(meta[field], value)
		}
		if expires != nil && doc.ExpiresAt != nil {
			expires[i] = doc.ExpiresAt.Unix()
		}
	}

	columns := []entity.Column{
		entity.NewColumnVarChar(m.cfg.IDField, ids),
		entity.NewColumnVarChar(m.cfg.ContentField, contents),
		entity.NewColumnFloatVector(m.cfg.VectorField, m.embeddingDims, vectors),
	}
	for _, field := range m.cfg.MetadataFields {
		columns = append(columns, entity.NewColumnVarChar(field, meta[field]))
	}
	if expires != nil {
		columns = append(columns, entity.NewColumnInt64(m.cfg.ExpiresField, expires))
	}

	if _, err := m.client.Upsert(ctx, m.cfg.Collection, "", columns...); err != nil {
		return fmt.Errorf("milvus upsert into %s: %w", m.cfg.Collection, err)
	}
	return nil
}

// Search runs an ANN query with the metadata filter pushed into a boolean expression.
func (m *MilvusVectorStore) Search(ctx context.Context, query vectorstore.SearchQuery) ([]vectorstore.SearchResult, error) {
	if query.TopK == 0 {
		query.TopK = m.defaultTopK
	}
	if query.DistanceMetric == "" {
		query.DistanceMetric = m.defaultMetric
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

	sp, err := entity.NewIndexFlatSearchParam()
	if err != nil {
		return nil, fmt.Errorf("build search params: %w", err)
	}

	results, err := m.client.Search(ctx, m.cfg.Collection, nil,
		m.filterExpr(query.Filter, m.now()),
		m.outputFields(false),
		[]entity.Vector{entity.FloatVector(query.Embedding)},
		m.cfg.VectorField,
		metricType(query.DistanceMetric),
		query.TopK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("milvus search in %s: %w", m.cfg.Collection, err)
	}
	if len(results) == 0 {
		return []vectorstore.SearchResult{}, nil
	}

	res := results[0]
	if res.Err != nil {
		return nil, fmt.Errorf("milvus search in %s: %w", m.cfg.Collection, res.Err)
	}

	docs, err := m.readDocuments(res.IDs, res.Fields, res.ResultCount)
	if err != nil {
		return nil, err
	}

	out := make([]vectorstore.SearchResult, 0, len(docs))
	for i, doc := range docs {
		var raw float32
		if i < len(res.Scores) {
			raw = res.Scores[i]
		}
		score, distance := normalizeScore(raw, query.DistanceMetric)
		if query.MinScore > 0 && score < query.MinScore {
			continue
		}
		doc.Embedding = nil
		out = append(out, vectorstore.SearchResult{Document: doc, Score: score, Distance: distance})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// Delete removes documents by primary key.
func (m *MilvusVectorStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return vectorstore.ErrStoreClosed
	}

	if err := m.client.Delete(ctx, m.cfg.Collection, "", m.idInExpr(ids)); err != nil {
		return fmt.Errorf("milvus delete from %s: %w", m.cfg.Collection, err)
	}
	return nil
}

// Get fetches live documents by primary key, embeddings included.
func (m *MilvusVectorStore) Get(ctx context.Context, ids []string) ([]vectorstore.Document, error) {
	if len(ids) == 0 {
		return []vectorstore.Document{}, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, vectorstore.ErrStoreClosed
	}

	expr := m.idInExpr(ids)
	if live := m.liveExpr(m.now()); live != "" {
		expr = expr + " && " + live
	}

	rs, err := m.client.Query(ctx, m.cfg.Collection, nil, expr, m.outputFields(true))
	if err != nil {
		return nil, fmt.Errorf("milvus query in %s: %w", m.cfg.Collection, err)
	}

	idCol := rs.GetColumn(m.cfg.IDField)
	if idCol == nil {
		return []vectorstore.Document{}, nil
	}
	return m.readDocuments(idCol, rs, idCol.Len())
}

// PurgeExpired deletes rows whose expiry has passed. It is a no-op without an
// expires field.
func (m *MilvusVectorStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	if m.cfg.ExpiresField == "" {
		return 0, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, vectorstore.ErrStoreClosed
	}

	expr := fmt.Sprintf("%s > 0 && %s <= %d", m.cfg.ExpiresField, m.cfg.ExpiresField, now.Unix())
	rs, err := m.client.Query(ctx, m.cfg.Collection, nil, expr, []string{m.cfg.IDField})
	if err != nil {
		return 0, fmt.Errorf("milvus query expired in %s: %w", m.cfg.Collection, err)
	}
	idCol := rs.GetColumn(m.cfg.IDField)
	if idCol == nil || idCol.Len() == 0 {
		return 0, nil
	}
	if err := m.client.Delete(ctx, m.cfg.Collection, "", expr); err != nil {
		return 0, fmt.Errorf("milvus delete expired from %s: %w", m.cfg.Collection, err)
	}
	return idCol.Len(), nil
}

// Close closes the Milvus connection.
func (m *MilvusVectorStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.client.Close()
}

func (m *MilvusVectorStore) outputFields(withVector bool) []string {
	fields := []string{m.cfg.ContentField}
	fields = append(fields, m.cfg.MetadataFields...)
	if m.cfg.ExpiresField != "" {
		fields = append(fields, m.cfg.ExpiresField)
	}
	if withVector {
		fields = append(fields, m.cfg.VectorField)
	}
	return fields
}

func (m *MilvusVectorStore) readDocuments(ids entity.Column, fields client.ResultSet, n int) ([]vectorstore.Document, error) {
	docs := make([]vectorstore.Document, 0, n)
	for i := 0; i < n; i++ {
		id, err := ids.GetAsString(i)
		if err != nil {
			return nil, fmt.Errorf("read id at %d: %w", i, err)
		}
		doc := vectorstore.Document{ID: id}

		if col := fields.GetColumn(m.cfg.ContentField); col != nil {
			if doc.Content, err = col.GetAsString(i); err != nil {
				return nil, fmt.Errorf("read content of %s: %w", id, err)
			}
		}

		for _, field := range m.cfg.MetadataFields {
			col := fields.GetColumn(field)
			if col == nil {
				continue
			}
			v, err := col.GetAsString(i)
			if err != nil {
				return nil, fmt.Errorf("read %s of %s: %w", field, id, err)
			}
			if v == "" {
				continue
			}
			if doc.Metadata == nil {
				doc.Metadata = make(map[string]interface{}, len(m.cfg.MetadataFields))
			}
			doc.Metadata[field] = v
		}

		if m.cfg.ExpiresField != "" {
			if col := fields.GetColumn(m.cfg.ExpiresField); col != nil {
				unix, err := col.GetAsInt64(i)
				if err != nil {
					return nil, fmt.Errorf("read expiry of %s: %w", id, err)
				}
				if unix > 0 {
					t := time.Unix(unix, 0).UTC()
					doc.ExpiresAt = &t
				}
			}
		}

		if col, ok := fields.GetColumn(m.cfg.VectorField).(*entity.ColumnFloatVector); ok && i < len(col.Data()) {
			doc.Embedding = append([]float32(nil), col.Data()[i]...)
		}

		docs = append(docs, doc)
	}
	return docs, nil
}

// filterExpr renders Must as AND, Should as a parenthesized OR and MustNot as
// negated equalities, plus the liveness clause when expiry is tracked.
func (m *MilvusVectorStore) filterExpr(filter *vectorstore.MetadataFilter, now time.Time) string {
	var clauses []string

	if !filter.IsEmpty() {
		for _, key := range sortedKeys(filter.Must) {
			clauses = append(clauses, fmt.Sprintf("%s == %s", key, quote(filter.Must[key])))
		}
		if len(filter.Should) > 0 {
			var ors []string
			for _, key := range sortedKeys(filter.Should) {
				ors = append(ors, fmt.Sprintf("%s == %s", key, quote(filter.Should[key])))
			}
			clauses = append(clauses, "("+strings.Join(ors, " || ")+")")
		}
		for _, key := range sortedKeys(filter.MustNot) {
			clauses = append(clauses, fmt.Sprintf("%s != %s", key, quote(filter.MustNot[key])))
		}
	}

	if live := m.liveExpr(now); live != "" {
		clauses = append(clauses, live)
	}
	return strings.Join(clauses, " && ")
}

func (m *MilvusVectorStore) liveExpr(now time.Time) string {
	if m.cfg.ExpiresField == "" {
		return ""
	}
	return fmt.Sprintf("(%s == 0 || %s > %d)", m.cfg.ExpiresField, m.cfg.ExpiresField, now.Unix())
}

func (m *MilvusVectorStore) idInExpr(ids []string) string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = quote(id)
	}
	return fmt.Sprintf("%s in [%s]", m.cfg.IDField, strings.Join(quoted, ", "))
}

func quote(v interface{}) string {
	s := fmt.Sprint(v)
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

func metricType(metric vectorstore.DistanceMetric) entity.MetricType {
	switch metric {
	case vectorstore.DistanceMetricEuclidean:
		return entity.L2
	case vectorstore.DistanceMetricDotProduct:
		return entity.IP
	default:
		return entity.COSINE
	}
}

// normalizeScore maps a raw Milvus score onto the package's score/distance pair.
// L2 scores are squared distances.
func normalizeScore(raw float32, metric vectorstore.DistanceMetric) (score float32, distance float32) {
	switch metric {
	case vectorstore.DistanceMetricEuclidean:
		return 1.0 / (1.0 + raw), raw
	case vectorstore.DistanceMetricDotProduct:
		return raw, -raw
	default:
		return raw, 1 - raw
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
