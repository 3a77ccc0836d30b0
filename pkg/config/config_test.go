package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "finrag.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to create test file: %v", err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"OPENAI_API_KEY", "GOOGLE_API_KEY", "GEMINI_API_KEY", "REDIS_URL", "REDIS_ADDR",
		"DATABASE_URL", "AMQP_URL", "FINRAG_LOG_LEVEL", "OTEL_TRACES_EXPORTER",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_FileSizeLimit(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, strings.Repeat("x: value\n", 200000)) // ~1.6MB

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for large file")
	}
	if !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected 'too large' error, got: %v", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Cache.Threshold != 0.90 || cfg.Cache.TTL != 24*time.Hour {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if cfg.Server.ClientIdle != 10*time.Minute || cfg.Server.EvictSchedule != "@every 1m" {
		t.Errorf("limiter eviction = %v %q", cfg.Server.ClientIdle, cfg.Server.EvictSchedule)
	}
	if cfg.Retrieval.SemanticK != 3 || cfg.Retrieval.KeywordK != 3 || !cfg.Retrieval.FilterKeyword() {
		t.Errorf("retrieval = %+v", cfg.Retrieval)
	}
	if cfg.Rerank.TopM != 2 {
		t.Errorf("top_m = %d", cfg.Rerank.TopM)
	}
	if cfg.MaxConcurrentRequests != 3 || cfg.Queue.Concurrency != 3 {
		t.Errorf("max_concurrent_requests = %d, queue concurrency = %d", cfg.MaxConcurrentRequests, cfg.Queue.Concurrency)
	}
	if cfg.LLM.Refiner.Model != "gemini-1.5-flash" || cfg.LLM.Refiner.Temperature != 0 {
		t.Errorf("refiner = %+v", cfg.LLM.Refiner)
	}
	if !cfg.LLM.Generator.Local {
		t.Error("default generator should be local")
	}
	if cfg.LLM.Titler.Temperature != 0.3 || cfg.LLM.Titler.MaxTokens != 20 {
		t.Errorf("titler = %+v", cfg.LLM.Titler)
	}
	if cfg.Embeddings.Provider != "huggingface_tei" {
		t.Errorf("embeddings provider = %q", cfg.Embeddings.Provider)
	}
	if cfg.Cache.VectorStore == nil || cfg.Cache.VectorStore.EmbeddingDimensions != 384 {
		t.Errorf("cache vectorstore = %+v", cfg.Cache.VectorStore)
	}
}

func TestLoad_ValidFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
server:
  addr: ":9000"
embeddings:
  provider: tei
  huggingface_tei:
    endpoint: http://tei:80
retrieval:
  filter_keyword_branch: false
llm:
  refiner:
    provider: openai
    model: gpt-4o-mini
  generator:
    provider: openai
    model: gpt-4o
    temperature: 0.2
cache:
  threshold: 0.95
  ttl: 1h
timeouts:
  generate: 45s
max_concurrent_requests: 8
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9000" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Embeddings.Provider != "huggingface_tei" || cfg.Embeddings.HuggingFaceTEI.Endpoint != "http://tei:80" {
		t.Errorf("embeddings = %+v", cfg.Embeddings)
	}
	if cfg.Retrieval.FilterKeyword() {
		t.Error("filter_keyword_branch: false was ignored")
	}
	if cfg.Cache.Threshold != 0.95 || cfg.Cache.TTL != time.Hour {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if cfg.Timeouts.Generate != 45*time.Second || cfg.Timeouts.Refine != 30*time.Second {
		t.Errorf("timeouts = %+v", cfg.Timeouts)
	}
	if cfg.MaxConcurrentRequests != 8 || cfg.Queue.Concurrency != 8 {
		t.Errorf("concurrency = %d/%d", cfg.MaxConcurrentRequests, cfg.Queue.Concurrency)
	}
	if cfg.LLM.Titler.Provider != "openai" || cfg.LLM.Titler.Model != "gpt-4o-mini" {
		t.Errorf("titler should default to the refiner model, got %+v", cfg.LLM.Titler)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("GEMINI_API_KEY", "g-test")
	t.Setenv("REDIS_URL", "redis://:secret@cache:6380/2")
	t.Setenv("DATABASE_URL", "postgres://finrag@db/finrag")
	t.Setenv("AMQP_URL", "amqp://guest:guest@mq:5672/")
	t.Setenv("FINRAG_LOG_LEVEL", "debug")

	path := writeConfig(t, `
llm:
  refiner:
    provider: gemini
  generator:
    provider: openai
cache:
  backend: redis
checkpoint:
  backend: sql
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Refiner.APIKey != "g-test" || cfg.LLM.Generator.APIKey != "sk-test" || cfg.LLM.Titler.APIKey != "g-test" {
		t.Errorf("api keys = %q/%q/%q", cfg.LLM.Refiner.APIKey, cfg.LLM.Generator.APIKey, cfg.LLM.Titler.APIKey)
	}
	if cfg.Redis.Addr != "cache:6380" || cfg.Redis.Password != "secret" || cfg.Redis.DB != 2 {
		t.Errorf("redis = %+v", cfg.Redis)
	}
	if cfg.Checkpoint.DSN != "postgres://finrag@db/finrag" || cfg.Checkpoint.Driver != "postgres" {
		t.Errorf("checkpoint = %+v", cfg.Checkpoint)
	}
	if cfg.Queue.URL != "amqp://guest:guest@mq:5672/" {
		t.Errorf("queue url = %q", cfg.Queue.URL)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name   string
		config string
		want   string
	}{
		{"unknown field", "cach:\n  ttl: 1h\n", "field cach not found"},
		{"bad threshold", "cache:\n  threshold: 1.5\n", "threshold"},
		{"bad cache backend", "cache:\n  backend: memcached\n", "unsupported backend"},
		{"redis cache without addr", "cache:\n  backend: redis\n", "redis.addr"},
		{"bad keyword provider", "keyword:\n  provider: solr\n", "unsupported provider"},
		{"elasticsearch without endpoint", "keyword:\n  provider: elasticsearch\n", "endpoint"},
		{"unknown llm provider", "llm:\n  refiner:\n    provider: anthropic\n", `unsupported provider "anthropic"`},
		{"bad checkpoint backend", "checkpoint:\n  backend: s3\n", "unsupported backend"},
		{"negative concurrency", "max_concurrent_requests: -1\n", "max_concurrent_requests"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := Load(writeConfig(t, tt.config))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.want)
			}
		})
	}
}

func TestLoad_NonexistentFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	clearEnv(t)
	if _, err := Load(writeConfig(t, "server:\n  addr: [[[\n")); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Server.Addr = ":7000"

	path := filepath.Join(t.TempDir(), "out.yaml")
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Server.Addr != ":7000" || loaded.Cache.Threshold != cfg.Cache.Threshold {
		t.Errorf("round trip lost values: %+v", loaded.Server)
	}
}

func TestDriverForDSN(t *testing.T) {
	tests := map[string]string{
		"postgres://u@h/db":           "postgres",
		"postgresql://u@h/db":         "postgres",
		"user:pw@tcp(db:3306)/finrag": "mysql",
		"file:checkpoints.db":         "sqlite",
		"host=db user=finrag":         "postgres",
	}
	for dsn, want := range tests {
		if got := driverForDSN(dsn); got != want {
			t.Errorf("driverForDSN(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestLoad_ExampleFile(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join("..", "..", "config", "finrag.example.yaml"))
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.Checkpoint.Backend != "sql" || cfg.Checkpoint.Driver != "sqlite" {
		t.Errorf("checkpoint = %+v", cfg.Checkpoint)
	}
	if !cfg.LLM.Generator.Local || !cfg.LLM.Generator.Required {
		t.Errorf("generator should be a required local model: %+v", cfg.LLM.Generator)
	}
	if cfg.Cache.Threshold != 0.90 || cfg.Rerank.TopM != 2 {
		t.Errorf("cache threshold %v, top_m %d", cfg.Cache.Threshold, cfg.Rerank.TopM)
	}
}
