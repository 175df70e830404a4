/*
Package events publishes ledger domain events after commit.

PURPOSE:
  Downstream consumers (confirmation email, admin dashboards) learn about
  bookings, cancellations, applied payments and refills from a RabbitMQ
  topic exchange. Events are emitted after the transaction commits;
  a publish failure is logged and never undoes a committed change.

ROUTING KEYS:
  booking.created, booking.cancelled, payment.applied, refill.applied

SEE ALSO:
  - booking/engine.go, billing/reconciler.go: emitters
*/
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Routing keys.
const (
	KeyBookingCreated   = "booking.created"
	KeyBookingCancelled = "booking.cancelled"
	KeyPaymentApplied   = "payment.applied"
	KeyRefillApplied    = "refill.applied"
)

// Publisher sends a JSON-encoded event under a routing key.
type Publisher interface {
	PublishJSON(ctx context.Context, key string, v any) error
	Close() error
}

// Envelope is the common wrapper around every event payload.
type Envelope struct {
	Event      string `json:"event"`
	Version    int    `json:"version"`
	OccurredAt string `json:"occurred_at"`
	Data       any    `json:"data"`
}

// NewEnvelope wraps data for key, stamped with the current time.
func NewEnvelope(key string, data any) Envelope {
	return Envelope{
		Event:      key,
		Version:    1,
		OccurredAt: time.Now().UTC().Format(time.RFC3339),
		Data:       data,
	}
}

// BookingData is the payload of booking.created and booking.cancelled.
type BookingData struct {
	BookingID      string `json:"booking_id"`
	StudentID      int64  `json:"student_id"`
	SlotID         int64  `json:"slot_id"`
	Date           string `json:"date"`
	CreditConsumed bool   `json:"credit_consumed"`
}

// PaymentData is the payload of payment.applied.
type PaymentData struct {
	ExternalRef    string `json:"external_ref"`
	StudentID      int64  `json:"student_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	Period         string `json:"period"`
	CreditsGranted int    `json:"credits_granted"`
}

// RefillData is the payload of refill.applied.
type RefillData struct {
	Year            int    `json:"year,omitempty"`
	Month           int    `json:"month,omitempty"`
	StudentsUpdated int    `json:"students_updated"`
	Source          string `json:"source"`
}

// =============================================================================
// AMQP
// =============================================================================

// AMQPPublisher publishes to a durable topic exchange.
type AMQPPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewAMQPPublisher dials url and declares exchange.
func NewAMQPPublisher(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

func (p *AMQPPublisher) PublishJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         b,
	})
}

func (p *AMQPPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// =============================================================================
// NOP / RECORDER
// =============================================================================

// Nop discards every event. Used when no broker is configured.
type Nop struct{}

func (Nop) PublishJSON(context.Context, string, any) error { return nil }
func (Nop) Close() error                                   { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	Events []Recorded
}

// Recorded is one event captured by a Recorder.
type Recorded struct {
	Key   string
	Value any
}

func (r *Recorder) PublishJSON(_ context.Context, key string, v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, Recorded{Key: key, Value: v})
	return nil
}

func (r *Recorder) Close() error { return nil }

// Keys returns the routing keys published so far, in order.
func (r *Recorder) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, len(r.Events))
	for i, e := range r.Events {
		keys[i] = e.Key
	}
	return keys
}
