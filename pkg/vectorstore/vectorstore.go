package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStoreClosed is returned by providers after Close has been called.
var ErrStoreClosed = errors.New("vectorstore: store is closed")

// VectorStore is the main interface for vector database operations.
// The filing index and the vectorstore-backed semantic cache both sit on it.
type VectorStore interface {
	// Upsert inserts or updates documents with embeddings
	Upsert(ctx context.Context, documents []Document) error

	// Search performs similarity search and returns the most similar documents
	Search(ctx context.Context, query SearchQuery) ([]SearchResult, error)

	// Delete removes documents by their IDs
	Delete(ctx context.Context, ids []string) error

	// Get retrieves documents by their IDs
	Get(ctx context.Context, ids []string) ([]Document, error)

	// Close closes the connection to the vector database
	Close() error
}

// Purger is implemented by stores that can physically drop expired documents.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// Document represents a document with embeddings and metadata.
type Document struct {
	// ID is the unique identifier for the document
	ID string `json:"id"`

	// Content is the text content of the document
	Content string `json:"content"`

	// Embedding is the vector representation of the content
	Embedding []float32 `json:"embedding"`

	// Metadata holds filterable attributes such as company and category.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// ExpiresAt is optional. Expired documents are never returned by Search or Get.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// IsExpired reports whether the document has an expiry at or before now.
func (d Document) IsExpired(now time.Time) bool {
	return d.ExpiresAt != nil && !now.Before(*d.ExpiresAt)
}

// SearchQuery defines the parameters for a similarity search.
type SearchQuery struct {
	// Embedding is the query vector to search for
	Embedding []float32

	// TopK is the number of results to return (default: 10)
	TopK int

	// Filter is optional metadata filtering
	Filter *MetadataFilter

	// MinScore is the minimum similarity score (0.0-1.0)
	MinScore float32

	// DistanceMetric specifies how to calculate similarity
	DistanceMetric DistanceMetric
}

// SearchResult represents a single search result with similarity score.
type SearchResult struct {
	Document Document

	// Score is the similarity score (higher is more similar)
	Score float32

	// Distance is the raw distance metric (optional)
	Distance float32
}

// MetadataFilter defines conditions for filtering documents by metadata.
type MetadataFilter struct {
	// Must contains equality conditions that all must be true (AND)
	Must map[string]interface{}

	// Should contains conditions where at least one must be true (OR)
	Should map[string]interface{}

	// MustNot contains conditions that must not be true (NOT)
	MustNot map[string]interface{}
}

// IsEmpty reports whether the filter imposes no restriction.
func (f *MetadataFilter) IsEmpty() bool {
	return f == nil || (len(f.Must) == 0 && len(f.Should) == 0 && len(f.MustNot) == 0)
}

// DistanceMetric represents the method for calculating vector similarity.
type DistanceMetric string

const (
	// DistanceMetricCosine calculates cosine similarity (default)
	DistanceMetricCosine DistanceMetric = "cosine"

	// DistanceMetricEuclidean calculates Euclidean (L2) distance
	DistanceMetricEuclidean DistanceMetric = "euclidean"

	// DistanceMetricDotProduct calculates dot product similarity
	DistanceMetricDotProduct DistanceMetric = "dot_product"
)

// ValidateDocument checks if a document is valid before storage.
func ValidateDocument(doc *Document) error {
	if err := ValidateDocumentID(doc.ID); err != nil {
		return fmt.Errorf("invalid document ID: %w", err)
	}
	if doc.Content == "" {
		return fmt.Errorf("document content cannot be empty")
	}
	if len(doc.Embedding) == 0 {
		return fmt.Errorf("document embedding cannot be empty")
	}
	for i, val := range doc.Embedding {
		if isNaN(val) || isInf(val) {
			return fmt.Errorf("embedding contains invalid value at index %d: %f", i, val)
		}
	}
	for key := range doc.Metadata {
		if err := ValidateMetadataKey(key); err != nil {
			return fmt.Errorf("invalid metadata key %q: %w", key, err)
		}
	}
	return nil
}

// ValidateSearchQuery checks if a search query is valid.
func ValidateSearchQuery(query *SearchQuery) error {
	if len(query.Embedding) == 0 {
		return fmt.Errorf("query embedding cannot be empty")
	}

	for i, val := range query.Embedding {
		if isNaN(val) || isInf(val) {
			return fmt.Errorf("query embedding contains invalid value at index %d: %f", i, val)
		}
	}

	if query.TopK < 1 {
		return fmt.Errorf("TopK must be at least 1, got %d", query.TopK)
	}
	if query.TopK > 1000 {
		return fmt.Errorf("TopK cannot exceed 1000, got %d", query.TopK)
	}

	if query.MinScore != 0 {
		switch query.DistanceMetric {
		case DistanceMetricDotProduct:
			if isNaN(query.MinScore) || isInf(query.MinScore) {
				return fmt.Errorf("MinScore contains invalid value: %f", query.MinScore)
			}
		default:
			// cosine and euclidean similarities are both mapped into 0..1
			if query.MinScore < 0 || query.MinScore > 1 {
				return fmt.Errorf("MinScore must be between 0 and 1, got %f", query.MinScore)
			}
		}
	}

	switch query.DistanceMetric {
	case "", DistanceMetricCosine, DistanceMetricEuclidean, DistanceMetricDotProduct:
	default:
		return fmt.Errorf("invalid distance metric: %s", query.DistanceMetric)
	}

	if query.Filter != nil {
		for _, m := range []map[string]interface{}{query.Filter.Must, query.Filter.Should, query.Filter.MustNot} {
			for key := range m {
				if err := ValidateMetadataKey(key); err != nil {
					return fmt.Errorf("invalid filter key %q: %w", key, err)
				}
			}
		}
	}

	return nil
}

// ValidateMetadataKey checks if a metadata key is safe to use.
// This prevents NoSQL injection attacks via metadata keys.
func ValidateMetadataKey(key string) error {
	if key == "" {
		return fmt.Errorf("metadata key cannot be empty")
	}
	if len(key) > 256 {
		return fmt.Errorf("metadata key too long: maximum 256 characters, got %d", len(key))
	}
	for i, r := range key {
		if r < 0x20 || r == 0x7F {
			return fmt.Errorf("metadata key contains control character at position %d", i)
		}
		if r == '$' || r == '.' {
			return fmt.Errorf("metadata key contains forbidden character '%c' at position %d (reserved for internal use)", r, i)
		}
	}
	return nil
}

// ValidateDocumentID checks if a document ID is safe to use.
func ValidateDocumentID(id string) error {
	if id == "" {
		return fmt.Errorf("document ID cannot be empty")
	}
	if len(id) > 512 {
		return fmt.Errorf("document ID too long: maximum 512 characters, got %d", len(id))
	}
	if id == "." || id == ".." {
		return fmt.Errorf("document ID cannot be '.' or '..'")
	}
	for i, r := range id {
		if r < 0x20 || r == 0x7F {
			return fmt.Errorf("document ID contains control character at position %d", i)
		}
		if r == '/' || r == '\\' {
			return fmt.Errorf("document ID contains path separator at position %d", i)
		}
	}
	return nil
}

func isNaN(f float32) bool {
	return f != f
}

func isInf(f float32) bool {
	return f > maxFloat32 || f < -maxFloat32
}

const maxFloat32 = 3.40282346638528859811704183484516925440e+38
