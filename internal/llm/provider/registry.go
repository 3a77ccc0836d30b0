package provider

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Config describes one model binding (the refiner or the generator each get one).
type Config struct {
	// Provider is one of "openai", "gemini", "bedrock", "ollama".
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens,omitempty"`

	APIKey  string `yaml:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`

	// ProjectID and Location select the Vertex AI backend for gemini.
	ProjectID string `yaml:"project_id,omitempty"`
	Location  string `yaml:"location,omitempty"`

	// Region is the AWS region for bedrock.
	Region string `yaml:"region,omitempty"`

	// Local marks a model that must not serve concurrent requests.
	Local bool `yaml:"local,omitempty"`
	// Required makes startup fail when the model is not listed by its runtime.
	Required bool `yaml:"required,omitempty"`

	// RateLimit caps requests per second (0 = unlimited).
	RateLimit float64 `yaml:"rate_limit,omitempty"`
	Burst     int     `yaml:"burst,omitempty"`

	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Factory builds a provider from its configuration.
type Factory func(cfg Config) (Provider, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterFactory makes a provider available by name. It panics on duplicates.
func RegisterFactory(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()

	if factory == nil {
		panic("provider: RegisterFactory factory is nil")
	}
	if _, dup := factories[name]; dup {
		panic("provider: RegisterFactory called twice for " + name)
	}
	factories[name] = factory
}

// New builds the provider named in cfg and wraps it according to cfg:
// rate limiting for remote models, serialization for local ones, and
// instrumentation in every case.
func New(cfg Config) (Provider, error) {
	factoriesMu.RLock()
	factory, ok := factories[cfg.Provider]
	factoriesMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unsupported llm provider: %q (available: %v)", cfg.Provider, List())
	}

	p, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s provider: %w", cfg.Provider, err)
	}

	if cfg.RateLimit > 0 {
		p = RateLimited(p, cfg.RateLimit, cfg.Burst)
	}
	if cfg.Local {
		p = Serialized(p)
	}
	return Instrumented(p), nil
}

// List returns all registered provider names, sorted.
func List() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a provider name is registered.
func Has(name string) bool {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	_, ok := factories[name]
	return ok
}
