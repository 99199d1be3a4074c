// Package messaging carries deferred order-close notifications over Pub/Sub, RabbitMQ or Kafka.
package messaging

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	// AttrExchange names the logical exchange the message was published to.
	AttrExchange = "exchange"
	// AttrRoutingKey names the routing key the message was published with.
	AttrRoutingKey = "routing_key"
	// AttrDeliverAfter carries the RFC3339Nano instant before which the message must not be handled.
	AttrDeliverAfter = "deliver_after"

	DefaultExchange   = "order.exchange"
	DefaultRoutingKey = "order.create"
)

// ErrEmptyToken is returned when publishing or receiving a message without a token.
var ErrEmptyToken = errors.New("messaging: empty order token")

// Handler processes one due deferred-close message. A non-nil error asks the broker to redeliver.
type Handler interface {
	HandleDeferredClose(ctx context.Context, token string) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, token string) error

// HandleDeferredClose calls f.
func (f HandlerFunc) HandleDeferredClose(ctx context.Context, token string) error {
	return f(ctx, token)
}

// Envelope is the broker-neutral form of a deferred-close message.
type Envelope struct {
	Token        string
	Exchange     string
	RoutingKey   string
	DeliverAfter time.Time
}

// NewEnvelope builds the message for token, due delay after now.
func NewEnvelope(token, exchange, routingKey string, now time.Time, delay time.Duration) (Envelope, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Envelope{}, ErrEmptyToken
	}
	if exchange == "" {
		exchange = DefaultExchange
	}
	if routingKey == "" {
		routingKey = DefaultRoutingKey
	}
	return Envelope{
		Token:        token,
		Exchange:     exchange,
		RoutingKey:   routingKey,
		DeliverAfter: now.UTC().Add(delay),
	}, nil
}

// Attributes renders the envelope metadata as string attributes and injects the caller's
// trace context so the consumer span links back to the submission.
func (e Envelope) Attributes(ctx context.Context) map[string]string {
	attrs := map[string]string{
		AttrExchange:     e.Exchange,
		AttrRoutingKey:   e.RoutingKey,
		AttrDeliverAfter: e.DeliverAfter.UTC().Format(time.RFC3339Nano),
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(attrs))
	return attrs
}

// ParseEnvelope reconstructs an envelope from a payload and its attributes. A missing or
// malformed deliver_after is treated as immediately due.
func ParseEnvelope(payload []byte, attrs map[string]string) (Envelope, error) {
	token := strings.TrimSpace(string(payload))
	if token == "" {
		return Envelope{}, ErrEmptyToken
	}
	env := Envelope{
		Token:      token,
		Exchange:   attrs[AttrExchange],
		RoutingKey: attrs[AttrRoutingKey],
	}
	if raw := strings.TrimSpace(attrs[AttrDeliverAfter]); raw != "" {
		if at, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			env.DeliverAfter = at.UTC()
		}
	}
	return env, nil
}

// Due reports whether the message may be handled at now.
func (e Envelope) Due(now time.Time) bool {
	return e.DeliverAfter.IsZero() || !now.Before(e.DeliverAfter)
}

// Remaining is how long to wait before the message becomes due.
func (e Envelope) Remaining(now time.Time) time.Duration {
	if e.Due(now) {
		return 0
	}
	return e.DeliverAfter.Sub(now)
}

// ExtractContext restores the publisher's trace context from message attributes.
func ExtractContext(ctx context.Context, attrs map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(attrs))
}
