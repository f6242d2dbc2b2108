// Package events publishes terminal verification outcomes for downstream
// consumers such as the payment flow.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// OutcomeEventType is the type carried by every outcome event.
const OutcomeEventType = "verification.completed"

// OutcomeEvent describes how a verification call ended.
type OutcomeEvent struct {
	Type       string    `json:"type"`
	RequestID  string    `json:"request_id"`
	JobID      string    `json:"job_id,omitempty"`
	Identity   string    `json:"identity"`
	Key        string    `json:"key,omitempty"`
	Status     string    `json:"status"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	IsMatch    bool      `json:"is_match"`
	Similarity float64   `json:"similarity"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher emits outcome events.
type Publisher interface {
	PublishOutcome(ctx context.Context, event OutcomeEvent) error
	Close() error
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQPublisher publishes persistent JSON messages to a topic exchange.
type RabbitMQPublisher struct {
	conn       *amqp.Connection
	channel    amqpChannel
	exchange   string
	routingKey string
	logger     *zap.Logger
	mu         sync.Mutex
}

// NewRabbitMQPublisher connects to url and declares a durable topic exchange.
func NewRabbitMQPublisher(url, exchange, routingKey string, logger *zap.Logger) (*RabbitMQPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	p := newPublisher(channel, exchange, routingKey, logger)
	p.conn = conn
	return p, nil
}

func newPublisher(channel amqpChannel, exchange, routingKey string, logger *zap.Logger) *RabbitMQPublisher {
	return &RabbitMQPublisher{
		channel:    channel,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     logger.Named("events"),
	}
}

// PublishOutcome publishes event with a bounded wait.
func (p *RabbitMQPublisher) PublishOutcome(ctx context.Context, event OutcomeEvent) error {
	if event.Type == "" {
		event.Type = OutcomeEventType
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel.PublishWithContext(publishCtx, p.exchange, p.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    event.RequestID,
		Type:         event.Type,
		Timestamp:    event.OccurredAt,
	})
}

// Close closes the channel and connection.
func (p *RabbitMQPublisher) Close() error {
	err := p.channel.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// NopPublisher drops events. It is used when no broker is configured.
type NopPublisher struct{}

// PublishOutcome implements Publisher.
func (NopPublisher) PublishOutcome(context.Context, OutcomeEvent) error { return nil }

// Close implements Publisher.
func (NopPublisher) Close() error { return nil }
