// Package config loads the finrag service configuration from YAML, applies
// defaults and environment overrides, and validates the result.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aixgo-dev/finrag/internal/llm/provider"
	"github.com/aixgo-dev/finrag/internal/observability"
	"github.com/aixgo-dev/finrag/pkg/checkpoint"
	"github.com/aixgo-dev/finrag/pkg/embeddings"
	"github.com/aixgo-dev/finrag/pkg/logging"
	"github.com/aixgo-dev/finrag/pkg/security"
	"github.com/aixgo-dev/finrag/pkg/vectorstore"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server        ServerConfig         `yaml:"server"`
	Logging       logging.Config       `yaml:"logging"`
	Observability observability.Config `yaml:"observability"`

	Embeddings  embeddings.Config  `yaml:"embeddings"`
	VectorStore vectorstore.Config `yaml:"vectorstore"`
	Keyword     KeywordConfig      `yaml:"keyword"`
	Retrieval   RetrievalConfig    `yaml:"retrieval"`
	Rerank      RerankConfig       `yaml:"rerank"`
	LLM         LLMConfig          `yaml:"llm"`
	Generation  GenerationConfig   `yaml:"generation"`
	Cache       CacheConfig        `yaml:"cache"`
	Checkpoint  checkpoint.Config  `yaml:"checkpoint"`
	Redis       RedisConfig        `yaml:"redis"`
	Queue       QueueConfig        `yaml:"queue"`
	Timeouts    TimeoutsConfig     `yaml:"timeouts"`

	// MaxConcurrentRequests bounds in-flight turns across all threads.
	MaxConcurrentRequests int `yaml:"max_concurrent_requests"`
}

// ServerConfig configures the HTTP adapter.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// Debug puts gin in debug mode and includes sanitized error details in responses.
	Debug bool `yaml:"debug"`
	// RateLimit is requests per second per client IP (0 = unlimited).
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
	// ClientIdle is how long a client goes unseen before its limiter is
	// dropped. EvictSchedule is the cron spec that runs the eviction.
	ClientIdle    time.Duration `yaml:"client_idle"`
	EvictSchedule string        `yaml:"evict_schedule"`
	// MetricsAddr serves /health and /metrics for the worker process.
	MetricsAddr string `yaml:"metrics_addr"`
}

// KeywordConfig selects the keyword index.
type KeywordConfig struct {
	// Provider is "bm25", "elasticsearch" or "none".
	Provider string `yaml:"provider"`
	// CorpusPath is the JSONL corpus loaded by the bm25 index.
	CorpusPath string `yaml:"corpus_path,omitempty"`

	Endpoint string `yaml:"endpoint,omitempty"`
	Index    string `yaml:"index,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// RetrievalConfig configures the hybrid retriever.
type RetrievalConfig struct {
	SemanticK int `yaml:"semantic_k"`
	KeywordK  int `yaml:"keyword_k"`
	// FilterKeywordBranch applies the metadata filter to keyword search too.
	// Unset means true.
	FilterKeywordBranch *bool `yaml:"filter_keyword_branch,omitempty"`
}

// FilterKeyword reports the effective filter_keyword_branch setting.
func (r RetrievalConfig) FilterKeyword() bool {
	return r.FilterKeywordBranch == nil || *r.FilterKeywordBranch
}

// RerankConfig selects the scorer.
type RerankConfig struct {
	// Provider is "tei", "llm" or "none".
	Provider string `yaml:"provider"`
	Endpoint string `yaml:"endpoint,omitempty"`
	Model    string `yaml:"model,omitempty"`
	TopM     int    `yaml:"top_m"`
	// Local serializes scoring calls.
	Local bool `yaml:"local"`
	// LLM is the model binding for the llm scorer.
	LLM provider.Config `yaml:"llm,omitempty"`
}

// LLMConfig holds one model binding per role.
type LLMConfig struct {
	Refiner   provider.Config `yaml:"refiner"`
	Generator provider.Config `yaml:"generator"`
	// Titler names new conversations. It defaults to the refiner's model.
	Titler provider.Config `yaml:"titler,omitempty"`
}

// GenerationConfig configures the answer prompt.
type GenerationConfig struct {
	// MaxContextTokens clamps the context block (0 = unlimited).
	MaxContextTokens int    `yaml:"max_context_tokens"`
	Encoding         string `yaml:"encoding"`
}

// CacheConfig configures the semantic response cache.
type CacheConfig struct {
	// Backend is "redis" or "vectorstore".
	Backend   string        `yaml:"backend"`
	Threshold float64       `yaml:"threshold"`
	TTL       time.Duration `yaml:"ttl"`
	// PurgeSchedule is a cron spec for physically removing expired entries.
	PurgeSchedule string `yaml:"purge_schedule"`
	Prefix        string `yaml:"prefix,omitempty"`
	// VectorStore backs the "vectorstore" backend. It defaults to an
	// in-memory store sized like the document index.
	VectorStore *vectorstore.Config `yaml:"vectorstore,omitempty"`
}

// RedisConfig is the shared Redis connection used by the cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	PoolSize int    `yaml:"pool_size,omitempty"`
}

// QueueConfig configures async turn processing over AMQP.
type QueueConfig struct {
	URL         string `yaml:"url"`
	Queue       string `yaml:"queue"`
	Concurrency int    `yaml:"concurrency"`
}

// TimeoutsConfig holds per-step deadlines.
type TimeoutsConfig struct {
	Refine     time.Duration `yaml:"refine"`
	Cache      time.Duration `yaml:"cache"`
	Retrieve   time.Duration `yaml:"retrieve"`
	Rerank     time.Duration `yaml:"rerank"`
	Generate   time.Duration `yaml:"generate"`
	Checkpoint time.Duration `yaml:"checkpoint"`
	Title      time.Duration `yaml:"title"`
}

// Load reads the YAML file at path, applies defaults and environment
// overrides, and validates the result. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		f, err := os.Open(path) // #nosec G304 - operator-supplied config path
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		err = security.NewSafeYAMLParser(security.ConfigYAMLLimits()).UnmarshalReader(f, cfg)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.ApplyDefaults()
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8000"
	}
	setDuration(&c.Server.ReadTimeout, 30*time.Second)
	setDuration(&c.Server.WriteTimeout, 3*time.Minute)
	setDuration(&c.Server.ClientIdle, 10*time.Minute)
	if c.Server.EvictSchedule == "" {
		c.Server.EvictSchedule = "@every 1m"
	}
	if c.Server.MetricsAddr == "" {
		c.Server.MetricsAddr = ":9090"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = observability.DefaultServiceName
	}
	if c.Observability.ExporterType == "" {
		c.Observability.ExporterType = "none"
	}

	c.applyEmbeddingDefaults()

	if c.VectorStore.Provider == "" {
		c.VectorStore.Provider = "memory"
	}
	if c.VectorStore.EmbeddingDimensions == 0 {
		c.VectorStore.EmbeddingDimensions = 384
	}

	if c.Keyword.Provider == "" {
		c.Keyword.Provider = "bm25"
	}
	if c.Keyword.Index == "" {
		c.Keyword.Index = "filings"
	}

	if c.Retrieval.SemanticK == 0 {
		c.Retrieval.SemanticK = 3
	}
	if c.Retrieval.KeywordK == 0 {
		c.Retrieval.KeywordK = 3
	}

	if c.Rerank.Provider == "" {
		c.Rerank.Provider = "tei"
	}
	if c.Rerank.Endpoint == "" && c.Rerank.Provider == "tei" {
		c.Rerank.Endpoint = "http://localhost:8081"
	}
	if c.Rerank.Model == "" {
		c.Rerank.Model = "cross-encoder/ms-marco-MiniLM-L-6-v2"
	}
	if c.Rerank.TopM == 0 {
		c.Rerank.TopM = 2
	}

	if c.LLM.Refiner.Provider == "" {
		c.LLM.Refiner = provider.Config{Provider: "gemini", Model: "gemini-1.5-flash", Temperature: 0}
	}
	if c.LLM.Generator.Provider == "" {
		c.LLM.Generator = provider.Config{Provider: "ollama", Model: "phi3", Local: true, Required: true}
	}
	if c.LLM.Titler.Provider == "" {
		c.LLM.Titler = c.LLM.Refiner
		c.LLM.Titler.Temperature = 0.3
		c.LLM.Titler.MaxTokens = 20
	}

	if c.Generation.Encoding == "" {
		c.Generation.Encoding = "cl100k_base"
	}

	if c.Cache.Backend == "" {
		c.Cache.Backend = "vectorstore"
	}
	if c.Cache.Threshold == 0 {
		c.Cache.Threshold = 0.90
	}
	setDuration(&c.Cache.TTL, 24*time.Hour)
	if c.Cache.PurgeSchedule == "" {
		c.Cache.PurgeSchedule = "@every 1h"
	}
	if c.Cache.Prefix == "" {
		c.Cache.Prefix = "finrag:cache:"
	}
	if c.Cache.Backend == "vectorstore" && c.Cache.VectorStore == nil {
		c.Cache.VectorStore = &vectorstore.Config{
			Provider:            "memory",
			EmbeddingDimensions: c.VectorStore.EmbeddingDimensions,
		}
	}

	if c.Checkpoint.Backend == "" {
		c.Checkpoint.Backend = "memory"
	}
	if c.Checkpoint.Dir == "" {
		c.Checkpoint.Dir = "./data/checkpoints"
	}

	if c.Queue.Queue == "" {
		c.Queue.Queue = "finrag.turns"
	}

	setDuration(&c.Timeouts.Refine, 30*time.Second)
	setDuration(&c.Timeouts.Cache, 5*time.Second)
	setDuration(&c.Timeouts.Retrieve, 5*time.Second)
	setDuration(&c.Timeouts.Rerank, 20*time.Second)
	setDuration(&c.Timeouts.Generate, 2*time.Minute)
	setDuration(&c.Timeouts.Checkpoint, 5*time.Second)
	setDuration(&c.Timeouts.Title, 15*time.Second)

	if c.MaxConcurrentRequests == 0 {
		c.MaxConcurrentRequests = 3
	}
	if c.Queue.Concurrency == 0 {
		c.Queue.Concurrency = c.MaxConcurrentRequests
	}
}

func (c *Config) applyEmbeddingDefaults() {
	e := &c.Embeddings
	// "tei" is accepted as shorthand.
	if e.Provider == "" || e.Provider == "tei" {
		e.Provider = "huggingface_tei"
	}
	switch e.Provider {
	case "huggingface_tei":
		if e.HuggingFaceTEI == nil {
			e.HuggingFaceTEI = &embeddings.HuggingFaceTEIConfig{}
		}
		if e.HuggingFaceTEI.Endpoint == "" {
			e.HuggingFaceTEI.Endpoint = "http://localhost:8080"
		}
		if e.HuggingFaceTEI.Model == "" {
			e.HuggingFaceTEI.Model = "BAAI/bge-small-en-v1.5"
			e.HuggingFaceTEI.Normalize = true
		}
	case "openai":
		if e.OpenAI == nil {
			e.OpenAI = &embeddings.OpenAIConfig{}
		}
	case "gemini":
		if e.Gemini == nil {
			e.Gemini = &embeddings.GeminiConfig{}
		}
	}
}

// ApplyEnv overlays the supported environment variables.
func (c *Config) ApplyEnv() error {
	if level := os.Getenv("FINRAG_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if os.Getenv("OTEL_TRACES_EXPORTER") != "" {
		c.Observability = observability.ConfigFromEnv()
	}

	openaiKey := os.Getenv("OPENAI_API_KEY")
	googleKey := firstEnv("GOOGLE_API_KEY", "GEMINI_API_KEY")
	for _, m := range []*provider.Config{&c.LLM.Refiner, &c.LLM.Generator, &c.LLM.Titler, &c.Rerank.LLM} {
		if m.APIKey != "" {
			continue
		}
		switch m.Provider {
		case "openai":
			m.APIKey = openaiKey
		case "gemini":
			m.APIKey = googleKey
		}
	}
	if e := c.Embeddings.OpenAI; e != nil && e.APIKey == "" {
		e.APIKey = openaiKey
	}
	if e := c.Embeddings.Gemini; e != nil && e.APIKey == "" {
		e.APIKey = googleKey
	}

	if url := os.Getenv("REDIS_URL"); url != "" {
		opts, err := redis.ParseURL(url)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		c.Redis.Addr = opts.Addr
		c.Redis.Password = opts.Password
		c.Redis.DB = opts.DB
	} else if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if c.Checkpoint.Backend == "redis" && c.Checkpoint.Redis.Addr == "" {
		c.Checkpoint.Redis.Addr = c.Redis.Addr
		c.Checkpoint.Redis.Password = c.Redis.Password
		c.Checkpoint.Redis.DB = c.Redis.DB
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Checkpoint.DSN = dsn
		if c.Checkpoint.Driver == "" {
			c.Checkpoint.Driver = driverForDSN(dsn)
		}
	}

	if url := os.Getenv("AMQP_URL"); url != "" {
		c.Queue.URL = url
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.Embeddings.Validate(); err != nil {
		return fmt.Errorf("embeddings: %w", err)
	}
	if err := c.VectorStore.Validate(); err != nil {
		return fmt.Errorf("vectorstore: %w", err)
	}

	switch c.Keyword.Provider {
	case "bm25", "none":
	case "elasticsearch":
		if c.Keyword.Endpoint == "" {
			return fmt.Errorf("keyword: endpoint is required for elasticsearch")
		}
	default:
		return fmt.Errorf("keyword: unsupported provider %q", c.Keyword.Provider)
	}

	if c.Retrieval.SemanticK < 1 || c.Retrieval.KeywordK < 1 {
		return fmt.Errorf("retrieval: semantic_k and keyword_k must be positive")
	}

	switch c.Rerank.Provider {
	case "none":
	case "tei":
		if c.Rerank.Endpoint == "" {
			return fmt.Errorf("rerank: endpoint is required for tei")
		}
	case "llm":
		if err := validateModel("rerank.llm", c.Rerank.LLM); err != nil {
			return err
		}
	default:
		return fmt.Errorf("rerank: unsupported provider %q", c.Rerank.Provider)
	}
	if c.Rerank.TopM < 1 {
		return fmt.Errorf("rerank: top_m must be positive")
	}

	for name, m := range map[string]provider.Config{
		"llm.refiner":   c.LLM.Refiner,
		"llm.generator": c.LLM.Generator,
		"llm.titler":    c.LLM.Titler,
	} {
		if err := validateModel(name, m); err != nil {
			return err
		}
	}

	if c.Generation.MaxContextTokens < 0 {
		return fmt.Errorf("generation: max_context_tokens cannot be negative")
	}

	switch c.Cache.Backend {
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("cache: redis backend requires redis.addr")
		}
	case "vectorstore":
		if err := c.Cache.VectorStore.Validate(); err != nil {
			return fmt.Errorf("cache.vectorstore: %w", err)
		}
	default:
		return fmt.Errorf("cache: unsupported backend %q", c.Cache.Backend)
	}
	if c.Cache.Threshold <= 0 || c.Cache.Threshold > 1 {
		return fmt.Errorf("cache: threshold must be in (0, 1], got %v", c.Cache.Threshold)
	}

	switch c.Checkpoint.Backend {
	case "memory", "file":
	case "redis":
		if c.Checkpoint.Redis.Addr == "" {
			return fmt.Errorf("checkpoint: redis backend requires an address")
		}
	case "sql":
		if c.Checkpoint.Driver != "sqlite" && c.Checkpoint.DSN == "" {
			return fmt.Errorf("checkpoint: sql backend requires a dsn")
		}
	default:
		return fmt.Errorf("checkpoint: unsupported backend %q", c.Checkpoint.Backend)
	}

	if c.MaxConcurrentRequests < 1 {
		return fmt.Errorf("max_concurrent_requests must be positive")
	}
	return nil
}

func validateModel(name string, m provider.Config) error {
	if !provider.Has(m.Provider) {
		return fmt.Errorf("%s: unsupported provider %q (available: %v)", name, m.Provider, provider.List())
	}
	if m.Temperature < 0 || m.Temperature > 2 {
		return fmt.Errorf("%s: temperature must be between 0 and 2", name)
	}
	return nil
}

func driverForDSN(dsn string) string {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres"
	case strings.HasPrefix(dsn, "file:"), strings.HasSuffix(dsn, ".db"):
		return "sqlite"
	case strings.Contains(dsn, "@tcp("):
		return "mysql"
	default:
		return "postgres"
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}
