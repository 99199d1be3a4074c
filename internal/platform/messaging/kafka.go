package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	otelkafka "github.com/Trendyol/otel-kafka-konsumer"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultKafkaTopic = "order.delay"

	kafkaRetryDelay = 30 * time.Second
	kafkaBackoff    = 5 * time.Second
)

type kafkaWriter interface {
	WriteMessage(ctx context.Context, msg kafka.Message) error
	Close() error
}

type kafkaReader interface {
	FetchMessage(ctx context.Context, msg *kafka.Message) error
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig selects brokers, topic and consumer group.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	GroupID  string
	ClientID string
}

// NewKafkaWriter builds a traced writer for the delay topic.
func NewKafkaWriter(cfg KafkaConfig, tp trace.TracerProvider) (*otelkafka.Writer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka writer: brokers are required")
	}
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	base := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}
	return otelkafka.NewWriter(base,
		otelkafka.WithTracerProvider(tp),
		otelkafka.WithPropagator(propagation.TraceContext{}),
		otelkafka.WithAttributes([]attribute.KeyValue{
			semconv.MessagingDestinationNameKey.String(topic),
			attribute.String("messaging.kafka.client_id", cfg.ClientID),
		}),
	)
}

// NewKafkaReader builds a traced consumer-group reader for the delay topic.
func NewKafkaReader(cfg KafkaConfig) (*otelkafka.Reader, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka reader: brokers are required")
	}
	topic := cfg.Topic
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	return otelkafka.NewReader(kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   topic,
		GroupID: cfg.GroupID,
	}))
}

// KafkaPublisher writes deferred-close messages keyed by token.
type KafkaPublisher struct {
	writer kafkaWriter
	clock  func() time.Time
}

// NewKafkaPublisher wraps writer.
func NewKafkaPublisher(writer kafkaWriter) (*KafkaPublisher, error) {
	if writer == nil {
		return nil, errors.New("kafka publisher: writer is required")
	}
	return &KafkaPublisher{writer: writer, clock: time.Now}, nil
}

// PublishDeferredClose writes token with a deliver_after header. Every message carries the
// same delay, so per-partition order matches due order.
func (p *KafkaPublisher) PublishDeferredClose(ctx context.Context, token string, delay time.Duration) error {
	env, err := NewEnvelope(token, DefaultExchange, DefaultRoutingKey, p.clock(), delay)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessage(ctx, envelopeMessage(env)); err != nil {
		return fmt.Errorf("publish deferred close: %w", err)
	}
	return nil
}

// Close releases the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func envelopeMessage(env Envelope) kafka.Message {
	headers := []kafka.Header{
		{Key: AttrExchange, Value: []byte(env.Exchange)},
		{Key: AttrRoutingKey, Value: []byte(env.RoutingKey)},
		{Key: AttrDeliverAfter, Value: []byte(env.DeliverAfter.UTC().Format(time.RFC3339Nano))},
	}
	return kafka.Message{
		Key:     []byte(env.Token),
		Value:   []byte(env.Token),
		Headers: headers,
	}
}

// KafkaConsumer reads the delay topic, sleeping until each message is due. Offsets are
// committed only once a message is handled or re-queued, so a crash mid-wait redelivers it.
// A failed handler re-queues the message at the tail of the topic because later offsets
// cannot be committed while an earlier one stays pending.
type KafkaConsumer struct {
	reader  kafkaReader
	requeue kafkaWriter
	handler Handler
	logger  *zap.Logger
	clock   func() time.Time
	backoff time.Duration
}

// NewKafkaConsumer constructs a consumer. requeue receives messages whose handling failed.
func NewKafkaConsumer(reader kafkaReader, requeue kafkaWriter, handler Handler, logger *zap.Logger) (*KafkaConsumer, error) {
	if reader == nil {
		return nil, errors.New("kafka consumer: reader is required")
	}
	if handler == nil {
		return nil, errors.New("kafka consumer: handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaConsumer{
		reader:  reader,
		requeue: requeue,
		handler: handler,
		logger:  logger,
		clock:   time.Now,
		backoff: kafkaBackoff,
	}, nil
}

// Run blocks reading messages until ctx is cancelled. Broker errors are logged and retried.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	for {
		var msg kafka.Message
		if err := c.reader.FetchMessage(ctx, &msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("fetch deferred close failed", zap.Error(err))
			if !c.pause(ctx) {
				return nil
			}
			continue
		}
		if !c.settle(ctx, &msg) {
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// redelivered after a rebalance; the close handler is idempotent
			c.logger.Warn("commit deferred close failed", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

// settle retries msg until it is handled or re-queued. It reports false when ctx ends first,
// leaving the offset uncommitted.
func (c *KafkaConsumer) settle(ctx context.Context, msg *kafka.Message) bool {
	for {
		err := c.process(ctx, msg)
		if err == nil {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		c.logger.Error("deferred close not settled, retrying",
			zap.Int64("offset", msg.Offset),
			zap.Duration("backoff", c.backoff),
			zap.Error(err),
		)
		if !c.pause(ctx) {
			return false
		}
	}
}

func (c *KafkaConsumer) pause(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.backoff):
		return true
	}
}

func (c *KafkaConsumer) process(ctx context.Context, msg *kafka.Message) error {
	attrs := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		attrs[h.Key] = string(h.Value)
	}
	env, err := ParseEnvelope(msg.Value, attrs)
	if err != nil {
		c.logger.Warn("dropping malformed deferred close message", zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}
	if wait := env.Remaining(c.clock()); wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	msgCtx := ExtractContext(ctx, attrs)
	if err := c.handler.HandleDeferredClose(msgCtx, env.Token); err != nil {
		c.logger.Error("deferred close failed", zap.String("token", env.Token), zap.Error(err))
		env.DeliverAfter = c.clock().UTC().Add(kafkaRetryDelay)
		return c.requeueMessage(msgCtx, env)
	}
	return nil
}

func (c *KafkaConsumer) requeueMessage(ctx context.Context, env Envelope) error {
	if c.requeue == nil {
		c.logger.Warn("deferred close dropped, no requeue writer", zap.String("token", env.Token))
		return nil
	}
	if err := c.requeue.WriteMessage(ctx, envelopeMessage(env)); err != nil {
		return fmt.Errorf("requeue deferred close: %w", err)
	}
	return nil
}
