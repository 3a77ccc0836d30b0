package orchestration

import (
	"context"
	"time"

	"github.com/aixgo-dev/finrag/internal/conversation"
	"github.com/aixgo-dev/finrag/internal/generator"
	"github.com/aixgo-dev/finrag/internal/observability"
	"github.com/aixgo-dev/finrag/internal/retrieval"
	pkgobs "github.com/aixgo-dev/finrag/pkg/observability"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// turn is the working state of one Process call. Only state is persisted.
type turn struct {
	state    *conversation.State
	userText string
	log      zerolog.Logger

	candidates   []retrieval.Candidate
	degraded     bool
	retrievalErr error

	answer    string
	generated bool
}

// query is the refined query, or the raw text if refinement never ran.
func (t *turn) query() string {
	if q := t.state.StructuredQuery; q != nil && q.RefinedQuery != "" {
		return q.RefinedQuery
	}
	return t.userText
}

func (t *turn) filter() conversation.Metadata {
	if q := t.state.StructuredQuery; q != nil {
		return q.Filter
	}
	return conversation.Metadata{}
}

func (t *turn) outcome() string {
	switch {
	case t.state.CacheHit:
		return "cache_hit"
	case t.generated && !t.degraded:
		return "generated"
	default:
		return "fallback"
	}
}

type node func(ctx context.Context, t *turn) *turn

func (o *Orchestrator) run(ctx context.Context, t *turn) *turn {
	step := StepRefineQuery
	for step != StepDone {
		t = o.execute(ctx, step, t)
		next, err := Next(step, t.state)
		if err != nil {
			t.log.Error().Err(err).Str("step", string(step)).Msg("state machine stalled")
			break
		}
		step = next
	}
	if t.answer == "" {
		t.answer = generator.EmptyApology
	}
	return t
}

func (o *Orchestrator) execute(ctx context.Context, step Step, t *turn) *turn {
	ctx, span := observability.StartSpan(ctx, "orchestration."+string(step))
	ctx, cancel := o.withTimeout(ctx, o.stepTimeout(step))
	defer cancel()

	start := time.Now()
	t = o.nodes[step](ctx, t)
	elapsed := time.Since(start)

	pkgobs.RecordStep(string(step), elapsed)
	span.SetAttributes(attribute.Int64("step.duration_ms", elapsed.Milliseconds()))
	observability.EndSpan(span, nil)
	t.log.Debug().Str("step", string(step)).Dur("elapsed", elapsed).Msg("step finished")
	return t
}

func (o *Orchestrator) stepTimeout(step Step) time.Duration {
	switch step {
	case StepRefineQuery:
		return o.timeouts.Refine
	case StepCheckCache:
		return o.timeouts.Cache
	case StepRetrieve:
		return o.timeouts.Retrieve
	case StepRerank:
		return o.timeouts.Rerank
	case StepGenerate:
		return o.timeouts.Generate
	default:
		return 0
	}
}

func (o *Orchestrator) refineQuery(ctx context.Context, t *turn) *turn {
	res := o.deps.Refiner.Refine(ctx, t.userText, t.state.PriorTurns(2))
	q := res.Query
	t.state.StructuredQuery = &q
	if res.Fallback {
		t.log.Warn().Err(res.Err).Msg("query refinement fell back to raw text")
	}
	return t
}

func (o *Orchestrator) checkCache(ctx context.Context, t *turn) *turn {
	t.state.CacheHit = false
	if o.deps.Cache == nil {
		return t
	}
	res, err := o.deps.Cache.Lookup(ctx, t.query())
	if err != nil {
		pkgobs.RecordFallback("cache")
		t.log.Warn().Err(err).Msg("cache lookup failed, treating as miss")
		return t
	}
	if res.Hit {
		t.state.CacheHit = true
		t.answer = res.Answer
		t.log.Debug().Float64("similarity", res.Similarity).Str("entry", res.EntryID).Msg("cache hit")
	}
	return t
}

func (o *Orchestrator) retrieve(ctx context.Context, t *turn) *turn {
	res, err := o.deps.Retriever.Search(ctx, t.query(), t.filter())
	t.candidates = res.Candidates
	t.degraded = res.Degraded
	if err != nil {
		t.retrievalErr = err
		t.log.Error().Err(err).Msg("no retrieval source available")
	}
	return t
}

func (o *Orchestrator) rerank(ctx context.Context, t *turn) *turn {
	res := o.deps.Reranker.Rerank(ctx, t.query(), t.candidates, 0)
	t.candidates = res.Candidates
	t.state.SourceDocuments = retrieval.Contents(res.Candidates)
	return t
}

func (o *Orchestrator) generate(ctx context.Context, t *turn) *turn {
	res := o.deps.Generator.Generate(ctx, t.userText, t.state.SourceDocuments)
	t.answer = res.Answer
	t.generated = res.OK
	if !res.OK || t.degraded || o.deps.Cache == nil {
		return t
	}

	cctx, cancel := o.withTimeout(context.WithoutCancel(ctx), o.timeouts.Cache)
	defer cancel()
	if err := o.deps.Cache.Store(cctx, t.query(), res.Answer); err != nil {
		pkgobs.RecordFallback("cache")
		t.log.Warn().Err(err).Msg("cache write failed")
	}
	return t
}
