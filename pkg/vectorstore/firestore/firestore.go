package firestore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/aixgo-dev/finrag/pkg/vectorstore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreVectorStore stores filing chunks or cache entries in a single
// Firestore collection.
//
// Metadata filters are pushed down as equality Where clauses on
// metadata.<key>; similarity is computed client-side over the filtered set.
// Expired documents are skipped on read, and a TTL policy on expires_at can be
// configured in Firestore to remove them physically.
//
// Important Notes:
//   - Firestore has a 500 operations per batch limit, BulkWriter handles chunking
//   - Composite indexes must exist for the metadata fields used in filters
type FirestoreVectorStore struct {
	client        *firestore.Client
	collRef       *firestore.CollectionRef
	defaultTopK   int
	defaultMetric vectorstore.DistanceMetric
	embeddingDims int
	now           func() time.Time
	closed        bool
	mu            sync.RWMutex
}

type firestoreDocument struct {
	ID        string                 `firestore:"id"`
	Content   string                 `firestore:"content"`
	Embedding firestore.Vector32     `firestore:"embedding"`
	Metadata  map[string]interface{} `firestore:"metadata,omitempty"`
	CreatedAt time.Time              `firestore:"created_at"`
	UpdatedAt time.Time              `firestore:"updated_at"`
	ExpiresAt *time.Time             `firestore:"expires_at,omitempty"`
}

func init() {
	vectorstore.Register("firestore", func(ctx context.Context, config vectorstore.Config) (vectorstore.VectorStore, error) {
		return New(ctx, config)
	})
}

// New connects to Firestore. Application Default Credentials are used unless
// a credentials file is configured.
func New(ctx context.Context, config vectorstore.Config) (*FirestoreVectorStore, error) {
	if config.Firestore == nil {
		return nil, fmt.Errorf("firestore configuration is required")
	}
	if err := config.Firestore.Validate(); err != nil {
		return nil, err
	}

	var clientOpts []option.ClientOption
	if config.Firestore.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(config.Firestore.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, config.Firestore.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}

	topK := config.DefaultTopK
	if topK <= 0 {
		topK = 10
	}

	return &FirestoreVectorStore{
		client:        client,
		collRef:       client.Collection(config.Firestore.Collection),
		defaultTopK:   topK,
		defaultMetric: vectorstore.DistanceMetric(config.DefaultDistanceMetric),
		embeddingDims: config.EmbeddingDimensions,
		now:           time.Now,
	}, nil
}

// Upsert writes documents through a BulkWriter, keeping the original
// created_at of documents that already exist.
func (f *FirestoreVectorStore) Upsert(ctx context.Context, documents []vectorstore.Document) error {
	if len(documents) == 0 {
		return nil
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return vectorstore.ErrStoreClosed
	}

	for i := range documents {
		if err := vectorstore.ValidateDocument(&documents[i]); err != nil {
			return fmt.Errorf("invalid document at index %d: %w", i, err)
		}
		if f.embeddingDims > 0 && len(documents[i].Embedding) != f.embeddingDims {
			return fmt.Errorf("document %s embedding dimension mismatch: expected %d, got %d",
				documents[i].ID, f.embeddingDims, len(documents[i].Embedding))
		}
	}

	now := f.now()
	bulkWriter := f.client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(documents))

	for _, doc := range documents {
		docRef := f.collRef.Doc(doc.ID)

		createdAt := doc.CreatedAt
		if existing, err := docRef.Get(ctx); err == nil {
			var prev firestoreDocument
			if err := existing.DataTo(&prev); err == nil {
				createdAt = prev.CreatedAt
			}
		} else if status.Code(err) != codes.NotFound {
			bulkWriter.End()
			return fmt.Errorf("failed to read document %s: %w", doc.ID, err)
		}
		if createdAt.IsZero() {
			createdAt = now
		}

		fsDoc := toFirestoreDoc(doc)
		fsDoc.CreatedAt = createdAt
		fsDoc.UpdatedAt = now

		job, err := bulkWriter.Set(docRef, fsDoc)
		if err != nil {
			bulkWriter.End()
			return fmt.Errorf("failed to queue document %s: %w", doc.ID, err)
		}
		jobs = append(jobs, job)
	}

	bulkWriter.End()

	for i, job := range jobs {
		if _, err := job.Results(); err != nil {
			return fmt.Errorf("failed to write document %s: %w", documents[i].ID, err)
		}
	}
	return nil
}

// Search filters server-side and ranks client-side.
func (f *FirestoreVectorStore) Search(ctx context.Context, query vectorstore.SearchQuery) ([]vectorstore.SearchResult, error) {
	if query.TopK == 0 {
		query.TopK = f.defaultTopK
	}
	if query.DistanceMetric == "" {
		query.DistanceMetric = f.defaultMetric
	}
	if err := vectorstore.ValidateSearchQuery(&query); err != nil {
		return nil, fmt.Errorf("invalid search query: %w", err)
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, vectorstore.ErrStoreClosed
	}

	fsQuery := f.collRef.Query
	if query.Filter != nil {
		for _, field := range sortedKeys(query.Filter.Must) {
			fsQuery = fsQuery.Where(metadataPath(field), "==", query.Filter.Must[field])
		}
	}

	now := f.now()
	var candidates []vectorstore.SearchResult

	iter := fsQuery.Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate documents: %w", err)
		}

		var fsDoc firestoreDocument
		if err := snap.DataTo(&fsDoc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal document: %w", err)
		}
		doc := fromFirestoreDoc(&fsDoc)
		if doc.IsExpired(now) {
			continue
		}
		// Should and MustNot cannot be expressed as plain equality Where clauses.
		if !vectorstore.MatchesFilter(doc.Metadata, query.Filter) {
			continue
		}

		score, distance := vectorstore.Similarity(query.Embedding, doc.Embedding, query.DistanceMetric)
		if query.MinScore > 0 && score < query.MinScore {
			continue
		}
		candidates = append(candidates, vectorstore.SearchResult{Document: doc, Score: score, Distance: distance})
	}

	rankResults(candidates)
	if len(candidates) > query.TopK {
		candidates = candidates[:query.TopK]
	}
	return candidates, nil
}

// Delete removes documents by ID. Missing documents are ignored.
func (f *FirestoreVectorStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return vectorstore.ErrStoreClosed
	}

	bulkWriter := f.client.BulkWriter(ctx)
	for _, id := range ids {
		if _, err := bulkWriter.Delete(f.collRef.Doc(id)); err != nil {
			bulkWriter.End()
			return fmt.Errorf("failed to queue delete for %s: %w", id, err)
		}
	}
	bulkWriter.End()
	return nil
}

// Get fetches live documents by ID. Missing and expired IDs are skipped.
func (f *FirestoreVectorStore) Get(ctx context.Context, ids []string) ([]vectorstore.Document, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, vectorstore.ErrStoreClosed
	}

	now := f.now()
	documents := make([]vectorstore.Document, 0, len(ids))
	for _, id := range ids {
		snap, err := f.collRef.Doc(id).Get(ctx)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				continue
			}
			return nil, fmt.Errorf("failed to get document %s: %w", id, err)
		}

		var fsDoc firestoreDocument
		if err := snap.DataTo(&fsDoc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal document %s: %w", id, err)
		}
		doc := fromFirestoreDoc(&fsDoc)
		if doc.IsExpired(now) {
			continue
		}
		documents = append(documents, doc)
	}
	return documents, nil
}

// PurgeExpired deletes documents whose expires_at is at or before now.
func (f *FirestoreVectorStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return 0, vectorstore.ErrStoreClosed
	}

	bulkWriter := f.client.BulkWriter(ctx)
	removed := 0

	iter := f.collRef.Where("expires_at", "<=", now).Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			bulkWriter.End()
			return removed, fmt.Errorf("failed to iterate expired documents: %w", err)
		}
		if _, err := bulkWriter.Delete(snap.Ref); err != nil {
			bulkWriter.End()
			return removed, fmt.Errorf("failed to queue delete: %w", err)
		}
		removed++
	}
	bulkWriter.End()
	return removed, nil
}

// Close releases the Firestore client.
func (f *FirestoreVectorStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	return f.client.Close()
}

func toFirestoreDoc(doc vectorstore.Document) *firestoreDocument {
	fsDoc := &firestoreDocument{
		ID:        doc.ID,
		Content:   doc.Content,
		Embedding: firestore.Vector32(append([]float32(nil), doc.Embedding...)),
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
		ExpiresAt: doc.ExpiresAt,
	}
	if len(doc.Metadata) > 0 {
		fsDoc.Metadata = make(map[string]interface{}, len(doc.Metadata))
		for k, v := range doc.Metadata {
			fsDoc.Metadata[k] = v
		}
	}
	return fsDoc
}

func fromFirestoreDoc(fsDoc *firestoreDocument) vectorstore.Document {
	return vectorstore.Document{
		ID:        fsDoc.ID,
		Content:   fsDoc.Content,
		Embedding: []float32(fsDoc.Embedding),
		Metadata:  fsDoc.Metadata,
		CreatedAt: fsDoc.CreatedAt,
		UpdatedAt: fsDoc.UpdatedAt,
		ExpiresAt: fsDoc.ExpiresAt,
	}
}

func metadataPath(key string) string {
	return "metadata." + key
}

// rankResults orders by descending score. Ties fall back to document ID since
// Firestore returns documents in ID order.
func rankResults(results []vectorstore.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Document.ID < results[j].Document.ID
	})
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
