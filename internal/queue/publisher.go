package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pkgobs "github.com/aixgo-dev/finrag/pkg/observability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher sends Jobs to the main queue.
type Publisher struct {
	mu      sync.Mutex
	ch      channel
	conn    *Connection
	queue   string
	timeout time.Duration
}

// NewPublisher dials url and declares the queue topology for name.
func NewPublisher(url, name string) (*Publisher, error) {
	conn, err := Dial(url)
	if err != nil {
		return nil, err
	}
	p, err := newPublisher(conn.ch, name)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, name string) (*Publisher, error) {
	t := TopologyFor(name)
	if err := declare(ch, t); err != nil {
		return nil, err
	}
	return &Publisher{ch: ch, queue: t.Main, timeout: 5 * time.Second}, nil
}

// Publish sends j as a persistent message.
func (p *Publisher) Publish(ctx context.Context, j Job) error {
	body, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// amqp channels are not safe for concurrent publishing.
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.PublishWithContext(ctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    j.ID,
		Body:         body,
		Timestamp:    j.SubmittedAt,
	}); err != nil {
		return fmt.Errorf("publish job %s: %w", j.ID, err)
	}
	pkgobs.RecordJob("published")
	return nil
}

// Close releases the connection if the Publisher owns one.
func (p *Publisher) Close() error {
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
