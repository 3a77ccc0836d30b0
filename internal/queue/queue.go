// Package queue carries asynchronous turns over AMQP: the API publishes a
// Job and a worker pool consumes it through the orchestrator.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultQueue is the queue name when none is configured.
const DefaultQueue = "finrag.turns"

// ErrInvalidJob is returned when a message body is not a usable Job.
var ErrInvalidJob = errors.New("invalid job")

// Job is one queued turn.
type Job struct {
	ID          string    `json:"job_id"`
	ThreadID    string    `json:"thread_id"`
	Query       string    `json:"query"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// NewJob returns a Job with a fresh ULID.
func NewJob(threadID, query string, now time.Time) Job {
	return Job{
		ID:          ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		ThreadID:    threadID,
		Query:       query,
		SubmittedAt: now.UTC(),
	}
}

// DecodeJob parses a message body.
func DecodeJob(body []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(body, &j); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if j.ID == "" || strings.TrimSpace(j.ThreadID) == "" || strings.TrimSpace(j.Query) == "" {
		return Job{}, fmt.Errorf("%w: missing job_id, thread_id or query", ErrInvalidJob)
	}
	return j, nil
}

// Topology names the queues declared for name: the main queue dead-letters
// rejected messages to name+".dlq".
type Topology struct {
	Main string
	DLQ  string
}

// TopologyFor returns the queue names for name.
func TopologyFor(name string) Topology {
	if name == "" {
		name = DefaultQueue
	}
	return Topology{Main: name, DLQ: name + ".dlq"}
}

// channel is the subset of *amqp.Channel used here.
type channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// declare creates the DLQ and the main queue. Both are durable.
func declare(ch channel, t Topology) error {
	if _, err := ch.QueueDeclare(t.DLQ, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", t.DLQ, err)
	}
	if _, err := ch.QueueDeclare(t.Main, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": t.DLQ,
	}); err != nil {
		return fmt.Errorf("declare %s: %w", t.Main, err)
	}
	return nil
}

// Connection is a dialed AMQP connection with one channel.
type Connection struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Dial connects to url and opens a channel.
func Dial(url string) (*Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	return &Connection{conn: conn, ch: ch}, nil
}

// Close closes the channel and the connection.
func (c *Connection) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
