package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/aixgo-dev/finrag/internal/conversation"
	"github.com/aixgo-dev/finrag/internal/orchestration"
	"github.com/aixgo-dev/finrag/pkg/checkpoint"
	pkgobs "github.com/aixgo-dev/finrag/pkg/observability"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// TurnProcessor answers one turn.
type TurnProcessor interface {
	Process(ctx context.Context, threadID, userText string) (*conversation.State, error)
}

// Worker consumes Jobs with a fixed pool of goroutines.
type Worker struct {
	processor   TurnProcessor
	concurrency int
	logger      zerolog.Logger
}

// NewWorker creates a Worker running concurrency turns at a time.
func NewWorker(p TurnProcessor, concurrency int, logger zerolog.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{processor: p, concurrency: concurrency, logger: logger}
}

// Consume declares the topology on conn, sets the prefetch to the pool size
// and processes deliveries until ctx ends.
func (w *Worker) Consume(ctx context.Context, conn *Connection, name string) error {
	return w.consume(ctx, conn.ch, name)
}

func (w *Worker) consume(ctx context.Context, ch channel, name string) error {
	t := TopologyFor(name)
	if err := declare(ch, t); err != nil {
		return err
	}
	if err := ch.Qos(w.concurrency, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	deliveries, err := ch.Consume(t.Main, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", t.Main, err)
	}
	w.logger.Info().Str("queue", t.Main).Int("concurrency", w.concurrency).Msg("worker started")
	return w.Run(ctx, deliveries)
}

// Run dispatches deliveries to the pool until ctx ends or deliveries is
// closed, then waits for in-flight turns. Each thread is pinned to one
// goroutine, so turns on a thread run in delivery order.
func (w *Worker) Run(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	shards := make([]chan amqp.Delivery, w.concurrency)

	var wg sync.WaitGroup
	wg.Add(w.concurrency)
	for i := range shards {
		shards[i] = make(chan amqp.Delivery, 1)
		go func(id int, jobs <-chan amqp.Delivery) {
			defer wg.Done()
			for d := range jobs {
				w.Handle(ctx, id, d)
			}
		}(i, shards[i])
	}

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("worker shutting down")
			break loop
		case d, ok := <-deliveries:
			if !ok {
				err = errors.New("delivery channel closed")
				break loop
			}
			select {
			case shards[shardFor(d.Body, len(shards))] <- d:
			case <-ctx.Done():
				// Left unacked; the broker redelivers it.
				w.logger.Info().Msg("worker shutting down")
				break loop
			}
		}
	}
	for _, s := range shards {
		close(s)
	}
	wg.Wait()
	return err
}

// shardFor picks the worker for a job body by hashing its thread ID.
// Undecodable bodies go to worker 0, which rejects them.
func shardFor(body []byte, n int) int {
	var j struct {
		ThreadID string `json:"thread_id"`
	}
	if err := json.Unmarshal(body, &j); err != nil || j.ThreadID == "" {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(j.ThreadID))
	return int(h.Sum32() % uint32(n))
}

// Handle processes one delivery. Undecodable or invalid jobs are rejected
// without requeue and land in the DLQ. Every processed turn is acked, even
// when the turn reported an error alongside its answer.
func (w *Worker) Handle(ctx context.Context, workerID int, d amqp.Delivery) {
	log := w.logger.With().Int("worker", workerID).Logger()

	job, err := DecodeJob(d.Body)
	if err != nil {
		log.Warn().Err(err).Msg("rejecting bad message")
		w.nack(log, d)
		return
	}
	log = log.With().Str("job_id", job.ID).Str("thread_id", job.ThreadID).Logger()

	start := time.Now()
	state, err := w.processor.Process(context.WithoutCancel(ctx), job.ThreadID, job.Query)
	switch {
	case state == nil && isInvalidInput(err):
		log.Warn().Err(err).Msg("rejecting invalid job")
		w.nack(log, d)
		return
	case state == nil:
		log.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("turn failed")
		w.nack(log, d)
		return
	case err != nil:
		log.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("turn answered with errors")
	default:
		log.Info().Dur("elapsed", time.Since(start)).Msg("turn processed")
	}

	if err := d.Ack(false); err != nil {
		log.Error().Err(err).Msg("ack failed")
		return
	}
	pkgobs.RecordJob("processed")
}

func (w *Worker) nack(log zerolog.Logger, d amqp.Delivery) {
	pkgobs.RecordJob("rejected")
	if err := d.Nack(false, false); err != nil {
		log.Error().Err(err).Msg("nack failed")
	}
}

func isInvalidInput(err error) bool {
	return errors.Is(err, orchestration.ErrEmptyInput) || errors.Is(err, checkpoint.ErrInvalidThreadID)
}
