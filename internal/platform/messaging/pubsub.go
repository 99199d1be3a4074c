package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultAckDeadline    = 60 * time.Second
	defaultMinimumBackoff = 10 * time.Second
	defaultMaximumBackoff = 600 * time.Second
)

// PubSubPublisher publishes deferred-close messages to a Pub/Sub topic.
type PubSubPublisher struct {
	topic *pubsub.Topic
	clock func() time.Time
}

// NewPubSubPublisher constructs a publisher bound to topic.
func NewPubSubPublisher(topic *pubsub.Topic) (*PubSubPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub publisher: topic is required")
	}
	return &PubSubPublisher{topic: topic, clock: time.Now}, nil
}

// PublishDeferredClose enqueues token, to be handled no earlier than delay from now.
func (p *PubSubPublisher) PublishDeferredClose(ctx context.Context, token string, delay time.Duration) error {
	env, err := NewEnvelope(token, DefaultExchange, DefaultRoutingKey, p.clock(), delay)
	if err != nil {
		return err
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       []byte(env.Token),
		Attributes: env.Attributes(ctx),
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish deferred close: %w", err)
	}
	return nil
}

// PubSubConsumer pulls deferred-close messages and hands due ones to a Handler. Messages
// that are not yet due are nacked and come back after the subscription's retry backoff.
type PubSubConsumer struct {
	sub     *pubsub.Subscription
	handler Handler
	logger  *zap.Logger
	clock   func() time.Time
}

// NewPubSubConsumer constructs a consumer for sub.
func NewPubSubConsumer(sub *pubsub.Subscription, handler Handler, logger *zap.Logger) (*PubSubConsumer, error) {
	if sub == nil {
		return nil, errors.New("pubsub consumer: subscription is required")
	}
	if handler == nil {
		return nil, errors.New("pubsub consumer: handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSubConsumer{sub: sub, handler: handler, logger: logger, clock: time.Now}, nil
}

// Run blocks receiving messages until ctx is cancelled.
func (c *PubSubConsumer) Run(ctx context.Context) error {
	err := c.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if c.process(ctx, msg.Data, msg.Attributes) {
			msg.Ack()
			return
		}
		msg.Nack()
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// process reports whether the message should be acknowledged.
func (c *PubSubConsumer) process(ctx context.Context, data []byte, attrs map[string]string) bool {
	env, err := ParseEnvelope(data, attrs)
	if err != nil {
		c.logger.Warn("dropping malformed deferred close message", zap.Error(err))
		return true
	}
	if !env.Due(c.clock()) {
		return false
	}
	if err := c.handler.HandleDeferredClose(ExtractContext(ctx, attrs), env.Token); err != nil {
		c.logger.Error("deferred close failed", zap.String("token", env.Token), zap.Error(err))
		return false
	}
	return true
}

// EnsurePubSubTopology creates the topic and pull subscription when they do not exist yet.
// The subscription retry policy paces redelivery of early messages.
func EnsurePubSubTopology(ctx context.Context, client *pubsub.Client, topicID, subscriptionID string) (*pubsub.Topic, *pubsub.Subscription, error) {
	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("check topic %s: %w", topicID, err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil && status.Code(err) != codes.AlreadyExists {
			return nil, nil, fmt.Errorf("create topic %s: %w", topicID, err)
		}
		if err != nil {
			topic = client.Topic(topicID)
		}
	}
	if subscriptionID == "" {
		return topic, nil, nil
	}

	sub := client.Subscription(subscriptionID)
	exists, err = sub.Exists(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("check subscription %s: %w", subscriptionID, err)
	}
	if !exists {
		sub, err = client.CreateSubscription(ctx, subscriptionID, pubsub.SubscriptionConfig{
			Topic:       topic,
			AckDeadline: defaultAckDeadline,
			RetryPolicy: &pubsub.RetryPolicy{
				MinimumBackoff: defaultMinimumBackoff,
				MaximumBackoff: defaultMaximumBackoff,
			},
		})
		if err != nil && status.Code(err) != codes.AlreadyExists {
			return nil, nil, fmt.Errorf("create subscription %s: %w", subscriptionID, err)
		}
		if err != nil {
			sub = client.Subscription(subscriptionID)
		}
	}
	return topic, sub, nil
}
