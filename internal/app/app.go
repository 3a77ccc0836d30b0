// Package app wires configuration into a running conversation service. Build
// initializes every component with fail-fast checks; Close releases them in
// reverse order.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aixgo-dev/finrag/internal/cache"
	"github.com/aixgo-dev/finrag/internal/generator"
	"github.com/aixgo-dev/finrag/internal/llm/provider"
	"github.com/aixgo-dev/finrag/internal/observability"
	"github.com/aixgo-dev/finrag/internal/orchestration"
	"github.com/aixgo-dev/finrag/internal/refiner"
	"github.com/aixgo-dev/finrag/internal/rerank"
	"github.com/aixgo-dev/finrag/internal/retrieval"
	"github.com/aixgo-dev/finrag/internal/titling"
	"github.com/aixgo-dev/finrag/pkg/checkpoint"
	"github.com/aixgo-dev/finrag/pkg/config"
	"github.com/aixgo-dev/finrag/pkg/embeddings"
	"github.com/aixgo-dev/finrag/pkg/logging"
	pkgobs "github.com/aixgo-dev/finrag/pkg/observability"
	"github.com/aixgo-dev/finrag/pkg/security"
	"github.com/aixgo-dev/finrag/pkg/vectorstore"
	"github.com/rs/zerolog"

	// Vector store providers register themselves.
	_ "github.com/aixgo-dev/finrag/pkg/vectorstore/firestore"
	_ "github.com/aixgo-dev/finrag/pkg/vectorstore/memory"
	_ "github.com/aixgo-dev/finrag/pkg/vectorstore/milvus"
)

// Model roles accepted by WithModel.
const (
	RoleRefiner   = "refiner"
	RoleGenerator = "generator"
	RoleTitler    = "titler"
	RoleRerank    = "rerank"
)

// App holds the initialized service and everything it owns.
type App struct {
	Config       *config.Config
	Logger       zerolog.Logger
	Orchestrator *orchestration.Orchestrator
	Cache        *cache.Cache
	Checkpoints  checkpoint.Store
	Health       *pkgobs.HealthChecker

	purger  *cache.Purger
	limiter *security.RateLimiter
	closers []namedCloser
}

type namedCloser struct {
	name string
	fn   func() error
}

// Option overrides a component Build would otherwise construct from config.
type Option func(*overrides)

type overrides struct {
	logger      *zerolog.Logger
	embedder    embeddings.EmbeddingService
	models      map[string]provider.Provider
	scorer      rerank.Scorer
	checkpoints checkpoint.Store
	noPurger    bool
	noTracing   bool
}

// WithLogger uses l instead of building one from cfg.Logging.
func WithLogger(l zerolog.Logger) Option {
	return func(o *overrides) { o.logger = &l }
}

// WithEmbedder uses e instead of cfg.Embeddings.
func WithEmbedder(e embeddings.EmbeddingService) Option {
	return func(o *overrides) { o.embedder = e }
}

// WithModel uses p for the given role instead of the configured binding.
func WithModel(role string, p provider.Provider) Option {
	return func(o *overrides) { o.models[role] = p }
}

// WithScorer uses s for reranking instead of cfg.Rerank.
func WithScorer(s rerank.Scorer) Option {
	return func(o *overrides) { o.scorer = s }
}

// WithCheckpoints uses s instead of cfg.Checkpoint.
func WithCheckpoints(s checkpoint.Store) Option {
	return func(o *overrides) { o.checkpoints = s }
}

// WithoutPurger skips scheduling the cache purge. One-shot CLI commands use it.
func WithoutPurger() Option {
	return func(o *overrides) { o.noPurger = true }
}

// WithoutTracing skips the OpenTelemetry setup.
func WithoutTracing() Option {
	return func(o *overrides) { o.noTracing = true }
}

// Build initializes the service. On error every component created so far is
// closed before returning.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (_ *App, err error) {
	ov := &overrides{models: make(map[string]provider.Provider)}
	for _, opt := range opts {
		opt(ov)
	}

	a := &App{Config: cfg, Health: pkgobs.NewHealthChecker()}
	if ov.logger != nil {
		a.Logger = *ov.logger
	} else {
		a.Logger = logging.New(cfg.Logging)
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	pkgobs.InitMetrics()
	if !ov.noTracing {
		if err := observability.Init(cfg.Observability); err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		a.onClose("tracing", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return observability.Shutdown(ctx)
		})
	}
	a.logConfig()

	embedder := ov.embedder
	if embedder == nil {
		if embedder, err = embeddings.New(cfg.Embeddings); err != nil {
			return nil, fmt.Errorf("embeddings: %w", err)
		}
		a.onClose("embeddings", embedder.Close)
	}

	docs, err := vectorstore.New(ctx, cfg.VectorStore)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: %w", err)
	}
	a.onClose("vectorstore", docs.Close)

	keyword, err := a.keywordIndex()
	if err != nil {
		return nil, err
	}

	scorer := ov.scorer
	if scorer == nil {
		if scorer, err = a.scorer(ctx, ov); err != nil {
			return nil, err
		}
	}

	refinerLLM, err := a.model(ctx, ov, RoleRefiner, cfg.LLM.Refiner)
	if err != nil {
		return nil, err
	}
	generatorLLM, err := a.model(ctx, ov, RoleGenerator, cfg.LLM.Generator)
	if err != nil {
		return nil, err
	}
	titlerLLM, err := a.model(ctx, ov, RoleTitler, cfg.LLM.Titler)
	if err != nil {
		return nil, err
	}

	genOpts := []generator.Option{
		generator.WithTemperature(cfg.LLM.Generator.Temperature),
		generator.WithLogger(logging.Component(a.Logger, "generator")),
	}
	if cfg.LLM.Generator.MaxTokens > 0 {
		genOpts = append(genOpts, generator.WithMaxTokens(cfg.LLM.Generator.MaxTokens))
	}
	if cfg.Generation.MaxContextTokens > 0 {
		tok, err := generator.NewTiktoken(cfg.Generation.Encoding)
		if err != nil {
			return nil, fmt.Errorf("generation: %w", err)
		}
		genOpts = append(genOpts, generator.WithContextLimit(cfg.Generation.MaxContextTokens, tok))
	}

	if a.Cache, err = a.responseCache(ctx, embedder); err != nil {
		return nil, err
	}
	a.onClose("cache", a.Cache.Close)
	if !ov.noPurger {
		if a.purger, err = cache.NewPurger(a.Cache, cfg.Cache.PurgeSchedule, logging.Component(a.Logger, "cache_purge")); err != nil {
			return nil, err
		}
		a.purger.Start()
		a.onClose("cache_purge", func() error { a.purger.Stop(); return nil })
	}

	if cfg.Server.RateLimit > 0 {
		a.limiter = security.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.Burst)
		evictor, err := security.NewEvictor(a.limiter, cfg.Server.EvictSchedule, cfg.Server.ClientIdle, logging.Component(a.Logger, "ratelimit"))
		if err != nil {
			return nil, fmt.Errorf("server: %w", err)
		}
		evictor.Start()
		a.onClose("ratelimit_evict", func() error { evictor.Stop(); return nil })
	}

	a.Checkpoints = ov.checkpoints
	if a.Checkpoints == nil {
		if a.Checkpoints, err = checkpoint.New(cfg.Checkpoint, logging.Component(a.Logger, "checkpoint")); err != nil {
			return nil, fmt.Errorf("checkpoint: %w", err)
		}
	}
	a.onClose("checkpoint", a.Checkpoints.Close)

	a.Health.RegisterCheck(pkgobs.CriticalCheck("checkpoint", a.Checkpoints.Ping))
	a.Health.RegisterCheck(pkgobs.ExternalServiceCheck("cache", a.Cache.Ping))

	refOpts := []refiner.Option{
		refiner.WithTemperature(cfg.LLM.Refiner.Temperature),
		refiner.WithLogger(logging.Component(a.Logger, "refiner")),
	}
	if cfg.LLM.Refiner.MaxTokens > 0 {
		refOpts = append(refOpts, refiner.WithMaxTokens(cfg.LLM.Refiner.MaxTokens))
	}

	retriever := retrieval.New(embedder, docs, keyword,
		retrieval.WithK(cfg.Retrieval.SemanticK, cfg.Retrieval.KeywordK),
		retrieval.WithKeywordFilter(cfg.Retrieval.FilterKeyword()),
		retrieval.WithBranchTimeout(cfg.Timeouts.Retrieve),
		retrieval.WithLogger(logging.Component(a.Logger, "retrieval")),
	)

	a.Orchestrator, err = orchestration.New(orchestration.Deps{
		Refiner:     refiner.New(refinerLLM, cfg.LLM.Refiner.Model, refOpts...),
		Cache:       a.Cache,
		Retriever:   retriever,
		Reranker:    rerank.New(scorer, rerank.WithTopM(cfg.Rerank.TopM), rerank.WithLogger(logging.Component(a.Logger, "rerank"))),
		Generator:   generator.New(generatorLLM, cfg.LLM.Generator.Model, genOpts...),
		Titler:      titling.New(titlerLLM, cfg.LLM.Titler.Model, logging.Component(a.Logger, "titling")),
		Checkpoints: a.Checkpoints,
	},
		orchestration.WithTimeouts(cfg.Timeouts),
		orchestration.WithMaxConcurrent(cfg.MaxConcurrentRequests),
		orchestration.WithLogger(logging.Component(a.Logger, "orchestration")),
	)
	if err != nil {
		return nil, err
	}

	a.Logger.Info().
		Str("vectorstore", cfg.VectorStore.Provider).
		Str("keyword", cfg.Keyword.Provider).
		Str("rerank", cfg.Rerank.Provider).
		Str("cache", cfg.Cache.Backend).
		Str("checkpoint", cfg.Checkpoint.Backend).
		Strs("health_checks", a.Health.Names()).
		Msg("service initialized")
	return a, nil
}

// Close releases every component in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.Logger.Warn().Err(err).Str("component", c.name).Msg("close failed")
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Limiter returns the per-client API rate limiter, or nil when disabled.
// Idle clients are evicted on server.evict_schedule until Close.
func (a *App) Limiter() *security.RateLimiter {
	return a.limiter
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, fn: fn})
}

// model builds the provider for role. Local and required models must be
// listed by their runtime before the first request.
func (a *App) model(ctx context.Context, ov *overrides, role string, cfg provider.Config) (provider.Provider, error) {
	if p, ok := ov.models[role]; ok {
		return p, nil
	}
	p, err := provider.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("llm.%s: %w", role, err)
	}
	if cfg.Required || cfg.Local {
		if err := provider.CheckModel(ctx, p, cfg.Model); err != nil {
			return nil, fmt.Errorf("llm.%s: model %q unavailable: %w", role, cfg.Model, err)
		}
	}
	return p, nil
}

func (a *App) keywordIndex() (retrieval.KeywordIndex, error) {
	kc := a.Config.Keyword
	switch kc.Provider {
	case "bm25":
		if kc.CorpusPath == "" {
			a.Logger.Warn().Msg("keyword.corpus_path is empty, keyword search disabled")
			return nil, nil
		}
		idx, err := retrieval.LoadBM25(kc.CorpusPath)
		if err != nil {
			return nil, fmt.Errorf("keyword: %w", err)
		}
		a.Logger.Info().Int("documents", idx.Len()).Msg("bm25 index loaded")
		return idx, nil
	case "elasticsearch":
		idx, err := retrieval.NewElasticsearchIndex(retrieval.ElasticsearchOptions{
			Endpoint: kc.Endpoint,
			Index:    kc.Index,
			Username: kc.Username,
			Password: kc.Password,
		})
		if err != nil {
			return nil, fmt.Errorf("keyword: %w", err)
		}
		return idx, nil
	default:
		return nil, nil
	}
}

func (a *App) scorer(ctx context.Context, ov *overrides) (rerank.Scorer, error) {
	rc := a.Config.Rerank
	var s rerank.Scorer
	switch rc.Provider {
	case "tei":
		tei, err := rerank.NewTEIScorer(rc.Endpoint, &http.Client{Timeout: a.Config.Timeouts.Rerank})
		if err != nil {
			return nil, fmt.Errorf("rerank: %w", err)
		}
		s = tei
	case "llm":
		p, err := a.model(ctx, ov, RoleRerank, rc.LLM)
		if err != nil {
			return nil, err
		}
		s = rerank.NewLLMScorer(p, rc.LLM.Model)
	default:
		return nil, nil
	}
	if rc.Local {
		s = rerank.Serialized(s)
	}
	return s, nil
}

func (a *App) responseCache(ctx context.Context, embedder embeddings.EmbeddingService) (*cache.Cache, error) {
	cc := a.Config.Cache
	var store cache.Store
	switch cc.Backend {
	case "redis":
		rs, err := cache.NewRedisStore(cache.RedisOptions{
			Addr:     a.Config.Redis.Addr,
			Password: a.Config.Redis.Password,
			DB:       a.Config.Redis.DB,
			PoolSize: a.Config.Redis.PoolSize,
			Prefix:   cc.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("cache: %w", err)
		}
		store = rs
	default:
		vs, err := vectorstore.New(ctx, *cc.VectorStore)
		if err != nil {
			return nil, fmt.Errorf("cache.vectorstore: %w", err)
		}
		store = cache.NewVectorStore(vs)
	}
	return cache.New(embedder, store,
		cache.WithThreshold(cc.Threshold),
		cache.WithTTL(cc.TTL),
		cache.WithLogger(logging.Component(a.Logger, "cache")),
	), nil
}

func (a *App) logConfig() {
	cfg := a.Config
	a.Logger.Debug().
		Str("addr", cfg.Server.Addr).
		Str("refiner", cfg.LLM.Refiner.Provider+"/"+cfg.LLM.Refiner.Model).
		Str("refiner_key", security.MaskSecret(cfg.LLM.Refiner.APIKey)).
		Str("generator", cfg.LLM.Generator.Provider+"/"+cfg.LLM.Generator.Model).
		Str("generator_key", security.MaskSecret(cfg.LLM.Generator.APIKey)).
		Str("redis", cfg.Redis.Addr).
		Str("redis_password", security.MaskSecret(cfg.Redis.Password)).
		Float64("cache_threshold", cfg.Cache.Threshold).
		Int("max_concurrent", cfg.MaxConcurrentRequests).
		Msg("configuration loaded")
}
