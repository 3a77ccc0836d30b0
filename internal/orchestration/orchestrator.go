// Package orchestration runs one conversation turn through the
// refine → cache → retrieve → rerank → generate state machine and persists
// the resulting state.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aixgo-dev/finrag/internal/cache"
	"github.com/aixgo-dev/finrag/internal/conversation"
	"github.com/aixgo-dev/finrag/internal/generator"
	"github.com/aixgo-dev/finrag/internal/observability"
	"github.com/aixgo-dev/finrag/internal/refiner"
	"github.com/aixgo-dev/finrag/internal/rerank"
	"github.com/aixgo-dev/finrag/internal/retrieval"
	"github.com/aixgo-dev/finrag/pkg/checkpoint"
	"github.com/aixgo-dev/finrag/pkg/config"
	"github.com/aixgo-dev/finrag/pkg/logging"
	pkgobs "github.com/aixgo-dev/finrag/pkg/observability"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxConcurrent bounds in-flight turns when no limit is configured.
const DefaultMaxConcurrent = 3

var (
	// ErrEmptyInput is returned for a blank thread ID or user text.
	ErrEmptyInput = errors.New("empty thread ID or user text")
	// ErrCheckpointWrite wraps a failed state write. The turn was still answered.
	ErrCheckpointWrite = errors.New("checkpoint write failed")
	// ErrCheckpointLoad wraps a failed state read. The turn was answered from a fresh state.
	ErrCheckpointLoad = errors.New("checkpoint load failed")
	// ErrRetrievalUnavailable is returned alongside the answer when every retrieval source failed.
	ErrRetrievalUnavailable = retrieval.ErrRetrievalUnavailable
)

// QueryRefiner turns the latest user text into a StructuredQuery.
type QueryRefiner interface {
	Refine(ctx context.Context, userText string, prior []conversation.Turn) refiner.Result
}

// ResponseCache looks up and stores answers by refined query.
type ResponseCache interface {
	Lookup(ctx context.Context, query string) (cache.LookupResult, error)
	Store(ctx context.Context, query, answer string) error
}

// Retriever returns candidate passages for a query.
type Retriever interface {
	Search(ctx context.Context, query string, filter conversation.Metadata) (retrieval.Result, error)
}

// Reranker orders candidates and keeps the best topM.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []retrieval.Candidate, topM int) rerank.Result
}

// AnswerGenerator writes the final answer.
type AnswerGenerator interface {
	Generate(ctx context.Context, question string, passages []string) generator.Result
}

// Titler names a conversation from its first question.
type Titler interface {
	Title(ctx context.Context, query string) string
}

// Deps are the components a turn runs through. Cache and Titler may be nil.
type Deps struct {
	Refiner     QueryRefiner
	Cache       ResponseCache
	Retriever   Retriever
	Reranker    Reranker
	Generator   AnswerGenerator
	Titler      Titler
	Checkpoints checkpoint.Store
}

// Orchestrator runs turns. It is safe for concurrent use.
type Orchestrator struct {
	deps     Deps
	timeouts config.TimeoutsConfig
	sem      *semaphore.Weighted
	locks    *threadLocks
	nodes    map[Step]node
	now      func() time.Time
	logger   zerolog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTimeouts sets per-step deadlines. A zero duration means no deadline.
func WithTimeouts(t config.TimeoutsConfig) Option {
	return func(o *Orchestrator) {
		o.timeouts = t
	}
}

// WithMaxConcurrent bounds in-flight turns across all threads.
func WithMaxConcurrent(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithClock overrides the turn timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// New creates an Orchestrator. Refiner, Retriever, Reranker, Generator and
// Checkpoints are required.
func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Refiner == nil:
		return nil, errors.New("orchestration: refiner is required")
	case deps.Retriever == nil:
		return nil, errors.New("orchestration: retriever is required")
	case deps.Reranker == nil:
		return nil, errors.New("orchestration: reranker is required")
	case deps.Generator == nil:
		return nil, errors.New("orchestration: generator is required")
	case deps.Checkpoints == nil:
		return nil, errors.New("orchestration: checkpoint store is required")
	}

	o := &Orchestrator{
		deps:   deps,
		sem:    semaphore.NewWeighted(DefaultMaxConcurrent),
		locks:  newThreadLocks(),
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.nodes = map[Step]node{
		StepRefineQuery: o.refineQuery,
		StepCheckCache:  o.checkCache,
		StepRetrieve:    o.retrieve,
		StepRerank:      o.rerank,
		StepGenerate:    o.generate,
	}
	return o, nil
}

// Process answers userText on threadID and returns the persisted state.
//
// The returned state is complete whenever it is non-nil, even if err is
// also set. err then wraps ErrCheckpointLoad, ErrCheckpointWrite or
// ErrRetrievalUnavailable, possibly joined.
func (o *Orchestrator) Process(ctx context.Context, threadID, userText string) (_ *conversation.State, err error) {
	if strings.TrimSpace(threadID) == "" || strings.TrimSpace(userText) == "" {
		return nil, ErrEmptyInput
	}
	if err := checkpoint.ValidateThreadID(threadID); err != nil {
		return nil, err
	}

	ctx, span := observability.StartSpan(ctx, "orchestration.turn", attribute.String("thread.id", threadID))
	defer func() { observability.EndSpan(span, err) }()

	unlock, err := o.locks.acquire(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("wait for thread %s: %w", threadID, err)
	}
	defer unlock()

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("wait for turn slot: %w", err)
	}
	defer o.sem.Release(1)

	log := logging.Thread(o.logger, threadID)
	var errs []error

	state, loadErr := o.load(ctx, threadID)
	if loadErr != nil {
		log.Error().Err(loadErr).Msg("answering from a fresh state")
		errs = append(errs, fmt.Errorf("%w: %v", ErrCheckpointLoad, loadErr))
		state = conversation.New(threadID)
	}
	prevStep := state.Step

	state.ResetTurnFields()
	state.Append(conversation.RoleUser, userText, o.now())

	var titleCh chan string
	if len(state.Turns) == 1 && o.deps.Titler != nil {
		titleCh = o.startTitle(ctx, userText)
	}

	t := o.run(ctx, &turn{state: state, userText: userText, log: log})
	if t.retrievalErr != nil {
		errs = append(errs, t.retrievalErr)
	}

	state.Append(conversation.RoleAssistant, t.answer, o.now())
	state.Step = prevStep + 1
	if titleCh != nil {
		state.Title = <-titleCh
	}

	if err := o.save(ctx, state); err != nil {
		log.Error().Err(err).Int64("step", state.Step).Msg("checkpoint write failed")
		errs = append(errs, fmt.Errorf("%w: %v", ErrCheckpointWrite, err))
	}

	pkgobs.RecordTurn(t.outcome())
	log.Info().
		Bool("cache_hit", state.CacheHit).
		Int("sources", len(state.SourceDocuments)).
		Int64("step", state.Step).
		Msg("turn complete")

	return state, errors.Join(errs...)
}

// History returns the turns of threadID. A thread with no checkpoint has
// no turns.
func (o *Orchestrator) History(ctx context.Context, threadID string) ([]conversation.Turn, error) {
	if err := checkpoint.ValidateThreadID(threadID); err != nil {
		return nil, err
	}
	state, err := o.load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if state.Turns == nil {
		return []conversation.Turn{}, nil
	}
	return state.Turns, nil
}

// Title returns the stored title of threadID, or "".
func (o *Orchestrator) Title(ctx context.Context, threadID string) (string, error) {
	if err := checkpoint.ValidateThreadID(threadID); err != nil {
		return "", err
	}
	state, err := o.load(ctx, threadID)
	if err != nil {
		return "", err
	}
	return state.Title, nil
}

// DeleteConversation removes every checkpoint of threadID.
func (o *Orchestrator) DeleteConversation(ctx context.Context, threadID string) error {
	if err := checkpoint.ValidateThreadID(threadID); err != nil {
		return err
	}
	unlock, err := o.locks.acquire(ctx, threadID)
	if err != nil {
		return fmt.Errorf("wait for thread %s: %w", threadID, err)
	}
	defer unlock()

	ctx, cancel := o.withTimeout(ctx, o.timeouts.Checkpoint)
	defer cancel()
	if err := o.deps.Checkpoints.Delete(ctx, threadID); err != nil {
		pkgobs.RecordCheckpointError("delete")
		return fmt.Errorf("delete conversation %s: %w", threadID, err)
	}
	logging.Thread(o.logger, threadID).Info().Msg("conversation deleted")
	return nil
}

// load returns the latest state of threadID, or a new one if none exists.
func (o *Orchestrator) load(ctx context.Context, threadID string) (*conversation.State, error) {
	ctx, cancel := o.withTimeout(ctx, o.timeouts.Checkpoint)
	defer cancel()

	rec, err := o.deps.Checkpoints.GetLatest(ctx, threadID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return conversation.New(threadID), nil
	}
	if err != nil {
		pkgobs.RecordCheckpointError("load")
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	state, err := conversation.Unmarshal(rec.Payload)
	if err != nil {
		pkgobs.RecordCheckpointError("load")
		return nil, err
	}
	state.ThreadID = threadID
	state.Step = rec.Step
	return state, nil
}

func (o *Orchestrator) save(ctx context.Context, state *conversation.State) error {
	payload, err := state.Marshal()
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	ctx, cancel := o.withTimeout(context.WithoutCancel(ctx), o.timeouts.Checkpoint)
	defer cancel()
	if _, err := o.deps.Checkpoints.Put(ctx, state.ThreadID, payload, state.Step); err != nil {
		pkgobs.RecordCheckpointError("save")
		return err
	}
	return nil
}

func (o *Orchestrator) startTitle(ctx context.Context, query string) chan string {
	ch := make(chan string, 1)
	go func() {
		ctx, cancel := o.withTimeout(ctx, o.timeouts.Title)
		defer cancel()
		ch <- o.deps.Titler.Title(ctx, query)
	}()
	return ch
}

func (o *Orchestrator) withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// threadLocks hands out one lock per thread ID and forgets it once unused.
type threadLocks struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

type threadLock struct {
	ch   chan struct{}
	refs int
}

func newThreadLocks() *threadLocks {
	return &threadLocks{locks: make(map[string]*threadLock)}
}

func (l *threadLocks) acquire(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	tl, ok := l.locks[id]
	if !ok {
		tl = &threadLock{ch: make(chan struct{}, 1)}
		l.locks[id] = tl
	}
	tl.refs++
	l.mu.Unlock()

	select {
	case tl.ch <- struct{}{}:
		return func() {
			<-tl.ch
			l.release(id, tl)
		}, nil
	case <-ctx.Done():
		l.release(id, tl)
		return nil, ctx.Err()
	}
}

func (l *threadLocks) release(id string, tl *threadLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl.refs--
	if tl.refs == 0 {
		delete(l.locks, id)
	}
}

func (l *threadLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
