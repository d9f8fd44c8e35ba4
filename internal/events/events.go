// ABOUTME: Terminal evaluation events published to a RabbitMQ topic exchange.
// ABOUTME: Publishing is best effort; callers log failures and never fail a job over them.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/scarson/evalq/internal/evaluation"
)

// Type names a terminal event.
type Type string

// Event types.
const (
	Completed Type = "evaluation.completed"
	Failed    Type = "evaluation.failed"
)

// Event is emitted once per job when it reaches a terminal state.
type Event struct {
	Type         Type              `json:"type"`
	JobID        uuid.UUID         `json:"job_id"`
	Kind         evaluation.Kind   `json:"kind"`
	EntityID     uuid.UUID         `json:"entity_id"`
	Status       evaluation.Status `json:"status"`
	Attempts     int               `json:"attempts"`
	OverallScore *float64          `json:"overall_score,omitempty"`
	BloomsLevel  string            `json:"blooms_level,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	OccurredAt   time.Time         `json:"occurred_at"`
}

// RoutingKey is "<type>.<short kind>", e.g. evaluation.completed.question,
// so consumers can bind on either dimension.
func (e Event) RoutingKey() string {
	return string(e.Type) + "." + strings.TrimSuffix(string(e.Kind), "_evaluation")
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Encode renders e as a persistent AMQP message.
func Encode(e Event) (amqp.Publishing, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode event: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.JobID.String() + ":" + string(e.Type),
		Timestamp:    e.OccurredAt,
		Type:         string(e.Type),
		Body:         body,
	}, nil
}

// AMQPPublisher publishes to a durable topic exchange over one channel.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	timeout  time.Duration
}

// DialAMQP connects to url and declares exchange.
func DialAMQP(url, exchange string) (*AMQPPublisher, error) {
	if exchange == "" {
		return nil, errors.New("amqp: exchange is required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeTopic,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange, timeout: 5 * time.Second}, nil
}

// Publish implements Publisher.
func (p *AMQPPublisher) Publish(ctx context.Context, e Event) error {
	msg, err := Encode(e)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// amqp091 channels are not safe for concurrent publishes.
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.PublishWithContext(ctx, p.exchange, e.RoutingKey(), false, false, msg); err != nil {
		return fmt.Errorf("amqp publish %s: %w", e.RoutingKey(), err)
	}
	return nil
}

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.ch.Close()
	return p.conn.Close()
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
