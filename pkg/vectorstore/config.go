package vectorstore

import "fmt"

// Config holds configuration for vector store providers.
type Config struct {
	// Provider specifies which vector store to use
	// Supported values: "memory", "firestore", "milvus"
	Provider string `yaml:"provider" json:"provider"`

	// EmbeddingDimensions is the size of the embedding vectors
	EmbeddingDimensions int `yaml:"embedding_dimensions" json:"embedding_dimensions"`

	DefaultTopK int `yaml:"default_top_k" json:"default_top_k"`

	// DefaultDistanceMetric is fixed for the lifetime of an index.
	// Values: "cosine", "euclidean", "dot_product"
	DefaultDistanceMetric string `yaml:"default_distance_metric" json:"default_distance_metric"`

	Firestore *FirestoreConfig `yaml:"firestore,omitempty" json:"firestore,omitempty"`
	Milvus    *MilvusConfig    `yaml:"milvus,omitempty" json:"milvus,omitempty"`
	Memory    *MemoryConfig    `yaml:"memory,omitempty" json:"memory,omitempty"`
}

// FirestoreConfig contains Firestore-specific settings.
type FirestoreConfig struct {
	ProjectID  string `yaml:"project_id" json:"project_id"`
	Collection string `yaml:"collection" json:"collection"`

	// CredentialsFile is optional: Application Default Credentials are used otherwise.
	CredentialsFile string `yaml:"credentials_file,omitempty" json:"credentials_file,omitempty"`
}

// MilvusConfig contains Milvus-specific settings.
type MilvusConfig struct {
	Address    string `yaml:"address" json:"address"`
	Username   string `yaml:"username,omitempty" json:"username,omitempty"`
	Password   string `yaml:"password,omitempty" json:"password,omitempty"`
	DBName     string `yaml:"db_name,omitempty" json:"db_name,omitempty"`
	Collection string `yaml:"collection" json:"collection"`

	// Field names in the collection schema.
	IDField        string   `yaml:"id_field,omitempty" json:"id_field,omitempty"`
	ContentField   string   `yaml:"content_field,omitempty" json:"content_field,omitempty"`
	VectorField    string   `yaml:"vector_field,omitempty" json:"vector_field,omitempty"`
	MetadataFields []string `yaml:"metadata_fields,omitempty" json:"metadata_fields,omitempty"`

	// ExpiresField is an optional Int64 unix-seconds column. Without it,
	// documents carrying an expiry are rejected.
	ExpiresField string `yaml:"expires_field,omitempty" json:"expires_field,omitempty"`
}

// MemoryConfig contains in-memory store settings.
type MemoryConfig struct {
	// MaxDocuments is the maximum number of documents to store (default: 10000)
	MaxDocuments int `yaml:"max_documents" json:"max_documents"`

	// SeedFile is an optional JSONL file of pre-embedded documents loaded at startup.
	SeedFile string `yaml:"seed_file,omitempty" json:"seed_file,omitempty"`
}

// Validate checks the configuration and fills in defaults.
func (c *Config) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("provider must be specified")
	}

	if c.EmbeddingDimensions < 1 || c.EmbeddingDimensions > 4096 {
		return fmt.Errorf("embedding_dimensions must be between 1 and 4096, got %d", c.EmbeddingDimensions)
	}

	if c.DefaultTopK == 0 {
		c.DefaultTopK = 10
	}
	if c.DefaultTopK < 1 || c.DefaultTopK > 1000 {
		return fmt.Errorf("default_top_k must be between 1 and 1000, got %d", c.DefaultTopK)
	}

	if c.DefaultDistanceMetric == "" {
		c.DefaultDistanceMetric = string(DistanceMetricCosine)
	}

	switch c.Provider {
	case "firestore":
		if c.Firestore == nil {
			return fmt.Errorf("firestore configuration is required when provider is 'firestore'")
		}
		return c.Firestore.Validate()
	case "milvus":
		if c.Milvus == nil {
			return fmt.Errorf("milvus configuration is required when provider is 'milvus'")
		}
		return c.Milvus.Validate()
	case "memory":
		if c.Memory == nil {
			c.Memory = &MemoryConfig{MaxDocuments: 10000}
		}
		return c.Memory.Validate()
	default:
		return fmt.Errorf("unsupported provider: %s", c.Provider)
	}
}

// Validate checks if Firestore configuration is valid.
func (fc *FirestoreConfig) Validate() error {
	if fc.ProjectID == "" {
		return fmt.Errorf("firestore project_id is required")
	}
	if fc.Collection == "" {
		return fmt.Errorf("firestore collection is required")
	}
	return nil
}

// Validate checks the Milvus configuration and fills in default field names.
func (mc *MilvusConfig) Validate() error {
	if mc.Address == "" {
		return fmt.Errorf("milvus address is required")
	}
	if mc.Collection == "" {
		return fmt.Errorf("milvus collection is required")
	}
	if mc.IDField == "" {
		mc.IDField = "id"
	}
	if mc.ContentField == "" {
		mc.ContentField = "content"
	}
	if mc.VectorField == "" {
		mc.VectorField = "embedding"
	}
	if len(mc.MetadataFields) == 0 {
		mc.MetadataFields = []string{"company", "category"}
	}
	return nil
}

// Validate checks if Memory configuration is valid.
func (mc *MemoryConfig) Validate() error {
	if mc.MaxDocuments < 1 {
		mc.MaxDocuments = 10000
	}
	return nil
}
