package messaging

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	DefaultDelayQueue   = "order.delay.queue"
	DefaultCloseQueue   = "order.close.queue"
	DefaultCloseRouting = "order.close"

	dialAttempts = 5
)

// AMQPTopology names the exchange and queues of the delay/dead-letter arrangement: messages
// published with RoutingKey sit in DelayQueue until their TTL expires, then dead-letter
// through Exchange with CloseRoutingKey into CloseQueue.
type AMQPTopology struct {
	Exchange        string
	RoutingKey      string
	DelayQueue      string
	CloseQueue      string
	CloseRoutingKey string
	Delay           time.Duration
}

func (t AMQPTopology) withDefaults() AMQPTopology {
	if t.Exchange == "" {
		t.Exchange = DefaultExchange
	}
	if t.RoutingKey == "" {
		t.RoutingKey = DefaultRoutingKey
	}
	if t.DelayQueue == "" {
		t.DelayQueue = DefaultDelayQueue
	}
	if t.CloseQueue == "" {
		t.CloseQueue = DefaultCloseQueue
	}
	if t.CloseRoutingKey == "" {
		t.CloseRoutingKey = DefaultCloseRouting
	}
	return t
}

// amqpChannel is the subset of *amqp.Channel used here.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// DialAMQP connects to RabbitMQ, retrying with a growing backoff.
func DialAMQP(ctx context.Context, url string, logger *zap.Logger) (*amqp.Connection, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var lastErr error
	for i := 0; i < dialAttempts; i++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		wait := time.Duration(i*i)*time.Second + time.Second
		logger.Warn("rabbitmq connect failed, retrying", zap.Duration("wait", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil, fmt.Errorf("connect to rabbitmq after %d attempts: %w", dialAttempts, lastErr)
}

// DeclareAMQPTopology declares the exchange, the TTL delay queue and the close queue.
func DeclareAMQPTopology(ch amqpChannel, topo AMQPTopology) error {
	topo = topo.withDefaults()
	if topo.Delay <= 0 {
		return errors.New("amqp topology: delay must be positive")
	}
	if err := ch.ExchangeDeclare(topo.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", topo.Exchange, err)
	}

	delayArgs := amqp.Table{
		"x-message-ttl":             topo.Delay.Milliseconds(),
		"x-dead-letter-exchange":    topo.Exchange,
		"x-dead-letter-routing-key": topo.CloseRoutingKey,
	}
	if _, err := ch.QueueDeclare(topo.DelayQueue, true, false, false, false, delayArgs); err != nil {
		return fmt.Errorf("declare queue %s: %w", topo.DelayQueue, err)
	}
	if err := ch.QueueBind(topo.DelayQueue, topo.RoutingKey, topo.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", topo.DelayQueue, err)
	}

	if _, err := ch.QueueDeclare(topo.CloseQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", topo.CloseQueue, err)
	}
	if err := ch.QueueBind(topo.CloseQueue, topo.CloseRoutingKey, topo.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", topo.CloseQueue, err)
	}
	return nil
}

// AMQPPublisher publishes deferred-close messages into the delay queue.
type AMQPPublisher struct {
	ch    amqpChannel
	topo  AMQPTopology
	clock func() time.Time
}

// NewAMQPPublisher constructs a publisher on ch. The topology must already be declared.
func NewAMQPPublisher(ch amqpChannel, topo AMQPTopology) (*AMQPPublisher, error) {
	if ch == nil {
		return nil, errors.New("amqp publisher: channel is required")
	}
	return &AMQPPublisher{ch: ch, topo: topo.withDefaults(), clock: time.Now}, nil
}

// PublishDeferredClose publishes token with a per-message expiration of delay. RabbitMQ
// dead-letters it into the close queue after the shorter of delay and the queue TTL.
func (p *AMQPPublisher) PublishDeferredClose(ctx context.Context, token string, delay time.Duration) error {
	env, err := NewEnvelope(token, p.topo.Exchange, p.topo.RoutingKey, p.clock(), delay)
	if err != nil {
		return err
	}
	headers := amqp.Table{}
	for k, v := range env.Attributes(ctx) {
		headers[k] = v
	}
	msg := amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Timestamp:    p.clock().UTC(),
		Headers:      headers,
		Body:         []byte(env.Token),
	}
	if delay > 0 {
		msg.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}
	if err := p.ch.PublishWithContext(ctx, p.topo.Exchange, p.topo.RoutingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish deferred close: %w", err)
	}
	return nil
}

const amqpRetryBackoff = 5 * time.Second

// AMQPConsumer drains the close queue with manual acknowledgements. A failed message is
// requeued after a pause so a persistent failure does not spin on the same delivery.
type AMQPConsumer struct {
	ch      amqpChannel
	queue   string
	handler Handler
	logger  *zap.Logger
	clock   func() time.Time
	backoff time.Duration
}

// NewAMQPConsumer constructs a consumer on the topology's close queue.
func NewAMQPConsumer(ch amqpChannel, topo AMQPTopology, handler Handler, logger *zap.Logger) (*AMQPConsumer, error) {
	if ch == nil {
		return nil, errors.New("amqp consumer: channel is required")
	}
	if handler == nil {
		return nil, errors.New("amqp consumer: handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AMQPConsumer{
		ch:      ch,
		queue:   topo.withDefaults().CloseQueue,
		handler: handler,
		logger:  logger,
		clock:   time.Now,
		backoff: amqpRetryBackoff,
	}, nil
}

// Run blocks consuming until ctx is cancelled or the delivery channel closes.
func (c *AMQPConsumer) Run(ctx context.Context) error {
	if err := c.ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("amqp consumer: delivery channel closed")
			}
			c.process(ctx, d)
		}
	}
}

func (c *AMQPConsumer) process(ctx context.Context, d amqp.Delivery) {
	attrs := headerAttributes(d.Headers)
	env, err := ParseEnvelope(d.Body, attrs)
	if err != nil {
		c.logger.Warn("dropping malformed deferred close message", zap.Error(err))
		c.ack(d)
		return
	}
	if wait := env.Remaining(c.clock()); wait > 0 {
		select {
		case <-ctx.Done():
			c.requeue(d, env.Token)
			return
		case <-time.After(wait):
		}
	}
	if err := c.handler.HandleDeferredClose(ExtractContext(ctx, attrs), env.Token); err != nil {
		c.logger.Error("deferred close failed",
			zap.String("token", env.Token),
			zap.Duration("backoff", c.backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
		case <-time.After(c.backoff):
		}
		c.requeue(d, env.Token)
		return
	}
	c.ack(d)
}

func (c *AMQPConsumer) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		c.logger.Warn("ack deferred close failed", zap.Uint64("delivery_tag", d.DeliveryTag), zap.Error(err))
	}
}

func (c *AMQPConsumer) requeue(d amqp.Delivery, token string) {
	if err := d.Nack(false, true); err != nil {
		c.logger.Warn("nack deferred close failed",
			zap.String("token", token),
			zap.Uint64("delivery_tag", d.DeliveryTag),
			zap.Error(err),
		)
	}
}

func headerAttributes(headers amqp.Table) map[string]string {
	attrs := make(map[string]string, len(headers))
	for k, v := range headers {
		if s, ok := v.(string); ok {
			attrs[k] = s
		}
	}
	return attrs
}
