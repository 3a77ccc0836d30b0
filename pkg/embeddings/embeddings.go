package embeddings

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// EmbeddingService turns text into fixed-length vectors. The same service
// must be used for the filing index, the semantic cache and queries.
type EmbeddingService interface {
	// Embed generates embeddings for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimension size of the embeddings
	Dimensions() int

	// ModelName returns the name of the embedding model
	ModelName() string

	// Close closes any resources held by the service
	Close() error
}

// Config holds configuration for embedding providers.
type Config struct {
	// Provider specifies which embedding service to use
	// Supported values: "openai", "huggingface_tei", "gemini"
	Provider string `yaml:"provider" json:"provider"`

	OpenAI         *OpenAIConfig         `yaml:"openai,omitempty" json:"openai,omitempty"`
	HuggingFaceTEI *HuggingFaceTEIConfig `yaml:"huggingface_tei,omitempty" json:"huggingface_tei,omitempty"`
	Gemini         *GeminiConfig         `yaml:"gemini,omitempty" json:"gemini,omitempty"`

	// Cache memoizes embeddings of repeated texts. Disabled when nil.
	Cache *CacheConfig `yaml:"cache,omitempty" json:"cache,omitempty"`
}

// OpenAIConfig contains OpenAI-specific embedding settings.
type OpenAIConfig struct {
	APIKey string `yaml:"api_key" json:"api_key"`

	// Model specifies which OpenAI embedding model to use
	// Options: "text-embedding-3-small" (1536 dims), "text-embedding-3-large" (3072 dims)
	Model string `yaml:"model" json:"model"`

	// BaseURL is the API endpoint (default: https://api.openai.com/v1)
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`

	// Dimensions allows reducing embedding dimensions (only for text-embedding-3 models)
	Dimensions int `yaml:"dimensions,omitempty" json:"dimensions,omitempty"`
}

// HuggingFaceTEIConfig contains HuggingFace Text Embeddings Inference settings.
// TEI is the self-hosted server used to serve BAAI/bge-small-en-v1.5.
type HuggingFaceTEIConfig struct {
	// Endpoint is the TEI server URL (e.g., "http://localhost:8080")
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// Model name (informational, server determines actual model)
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	Normalize bool `yaml:"normalize" json:"normalize"`

	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// GeminiConfig contains Gemini embedding settings. Without an API key the
// Vertex AI backend is used with Application Default Credentials.
type GeminiConfig struct {
	APIKey     string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	ProjectID  string `yaml:"project_id,omitempty" json:"project_id,omitempty"`
	Location   string `yaml:"location,omitempty" json:"location,omitempty"`
	Model      string `yaml:"model" json:"model"`
	Dimensions int    `yaml:"dimensions,omitempty" json:"dimensions,omitempty"`
}

// CacheConfig bounds the embedding memo.
type CacheConfig struct {
	Size int           `yaml:"size" json:"size"`
	TTL  time.Duration `yaml:"ttl" json:"ttl"`
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("provider must be specified")
	}

	if c.Cache != nil && c.Cache.Size < 0 {
		return fmt.Errorf("embedding cache size cannot be negative")
	}

	switch c.Provider {
	case "openai":
		if c.OpenAI == nil {
			return fmt.Errorf("openai configuration is required when provider is 'openai'")
		}
		return c.OpenAI.Validate()
	case "huggingface_tei":
		if c.HuggingFaceTEI == nil {
			return fmt.Errorf("huggingface_tei configuration is required when provider is 'huggingface_tei'")
		}
		return c.HuggingFaceTEI.Validate()
	case "gemini":
		if c.Gemini == nil {
			return fmt.Errorf("gemini configuration is required when provider is 'gemini'")
		}
		return c.Gemini.Validate()
	default:
		return fmt.Errorf("unsupported provider: %s", c.Provider)
	}
}

// Validate checks if OpenAI configuration is valid.
func (oc *OpenAIConfig) Validate() error {
	if oc.APIKey == "" {
		return fmt.Errorf("openai api_key is required")
	}
	if oc.Model == "" {
		oc.Model = "text-embedding-3-small"
	}
	if oc.BaseURL == "" {
		oc.BaseURL = "https://api.openai.com/v1"
	}
	if oc.Dimensions > 0 && !isTextEmbedding3Model(oc.Model) {
		return fmt.Errorf("custom dimensions only supported for text-embedding-3 models, got model: %s", oc.Model)
	}
	return nil
}

// Validate checks if HuggingFaceTEI configuration is valid.
func (tc *HuggingFaceTEIConfig) Validate() error {
	if tc.Endpoint == "" {
		return fmt.Errorf("huggingface_tei endpoint is required")
	}
	if tc.Timeout <= 0 {
		tc.Timeout = 30 * time.Second
	}
	return nil
}

// Validate checks the Gemini configuration and fills in defaults.
func (gc *GeminiConfig) Validate() error {
	if gc.APIKey == "" && gc.ProjectID == "" {
		return fmt.Errorf("gemini requires either api_key or project_id")
	}
	if gc.Model == "" {
		gc.Model = "text-embedding-004"
	}
	if gc.ProjectID != "" && gc.Location == "" {
		gc.Location = "us-central1"
	}
	return nil
}

// ProviderFactory is a function that creates an EmbeddingService from a Config.
type ProviderFactory func(config Config) (EmbeddingService, error)

var (
	registry = make(map[string]ProviderFactory)
	mu       sync.RWMutex
)

// Register adds a new embedding provider to the registry.
func Register(name string, factory ProviderFactory) {
	mu.Lock()
	defer mu.Unlock()

	if factory == nil {
		panic("embeddings: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("embeddings: Register called twice for provider " + name)
	}
	registry[name] = factory
}

// New creates the configured EmbeddingService, wrapped in the memo when
// config.Cache is set.
func New(config Config) (EmbeddingService, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	mu.RLock()
	factory, ok := registry[config.Provider]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown embedding provider: %s (available: %v)", config.Provider, ListProviders())
	}

	svc, err := factory(config)
	if err != nil {
		return nil, err
	}
	if config.Cache != nil && config.Cache.Size > 0 {
		return NewCached(svc, config.Cache.Size, config.Cache.TTL), nil
	}
	return svc, nil
}

// ListProviders returns the registered providers in sorted order.
func ListProviders() []string {
	mu.RLock()
	defer mu.RUnlock()

	providers := make([]string, 0, len(registry))
	for name := range registry {
		providers = append(providers, name)
	}
	sort.Strings(providers)
	return providers
}

// IsRegistered checks if a provider is registered.
func IsRegistered(name string) bool {
	mu.RLock()
	defer mu.RUnlock()

	_, ok := registry[name]
	return ok
}
