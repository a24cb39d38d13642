// Package events announces dispatch and tick results on a message broker.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultExchange = "herald"

	RoutingKeyDispatchCompleted = "dispatch.completed"
	RoutingKeyTickCompleted     = "tick.completed"
)

// DispatchCompleted describes one finished account dispatch. Phone numbers
// and message bodies are never included.
type DispatchCompleted struct {
	AccountID      uuid.UUID `json:"account_id"`
	LocalDate      string    `json:"local_date,omitempty"`
	EventCount     int       `json:"event_count"`
	Sent           int       `json:"sent"`
	Failed         int       `json:"failed"`
	Stamped        bool      `json:"stamped"`
	ReauthRequired bool      `json:"reauth_required"`
	Manual         bool      `json:"manual"`
	Error          string    `json:"error,omitempty"`
	CompletedAt    time.Time `json:"completed_at"`
}

// TickCompleted summarizes one scheduler tick.
type TickCompleted struct {
	StartedAt      time.Time `json:"started_at"`
	DurationMillis int64     `json:"duration_ms"`
	Checked        int       `json:"checked"`
	Due            int       `json:"due"`
	Dispatched     int       `json:"dispatched"`
	Failed         int       `json:"failed"`
	ReauthRequired int       `json:"reauth_required"`
	ConfigErrors   int       `json:"config_errors"`
	Sent           int       `json:"sent"`
	SendFailures   int       `json:"send_failures"`
}

// Notifier receives completion events. Implementations must be safe for
// concurrent use; callers only log returned errors.
type Notifier interface {
	DispatchCompleted(ctx context.Context, msg DispatchCompleted) error
	TickCompleted(ctx context.Context, msg TickCompleted) error
}

type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, message any) error
}

type AMQPNotifier struct {
	publisher Publisher
	exchange  string
}

func NewAMQPNotifier(publisher Publisher, exchange string) *AMQPNotifier {
	if exchange == "" {
		exchange = DefaultExchange
	}
	return &AMQPNotifier{
		publisher: publisher,
		exchange:  exchange,
	}
}

func (n *AMQPNotifier) DispatchCompleted(ctx context.Context, msg DispatchCompleted) error {
	return n.publisher.Publish(ctx, n.exchange, RoutingKeyDispatchCompleted, msg)
}

func (n *AMQPNotifier) TickCompleted(ctx context.Context, msg TickCompleted) error {
	return n.publisher.Publish(ctx, n.exchange, RoutingKeyTickCompleted, msg)
}

// NopNotifier discards every event. It is used when no broker is configured.
type NopNotifier struct{}

func (NopNotifier) DispatchCompleted(context.Context, DispatchCompleted) error { return nil }
func (NopNotifier) TickCompleted(context.Context, TickCompleted) error         { return nil }
