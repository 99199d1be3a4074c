package di

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hanko-field/oms/internal/platform/config"
	"github.com/hanko-field/oms/internal/platform/health"
	"github.com/hanko-field/oms/internal/platform/messaging"
	"github.com/hanko-field/oms/internal/services"
)

const (
	driverPubSub = "pubsub"
	driverAMQP   = "amqp"
	driverKafka  = "kafka"

	kafkaClientID = "oms"
)

type broker struct {
	publisher services.DeferredClosePublisher
	consumer  Runner
	checks    []health.Check
}

// buildMessaging connects the deferred close channel selected by cfg.Messaging.Driver.
func (c *Container) buildMessaging(ctx context.Context, cfg config.Config, handler messaging.Handler, logger *zap.Logger, tp trace.TracerProvider) (broker, error) {
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Messaging.Driver)); driver {
	case "", driverPubSub:
		return c.buildPubSub(ctx, cfg.Messaging.PubSub, handler, logger)
	case driverAMQP:
		return c.buildAMQP(ctx, cfg, handler, logger)
	case driverKafka:
		return c.buildKafka(cfg.Messaging.Kafka, handler, logger, tp)
	default:
		return broker{}, fmt.Errorf("unsupported messaging driver %q", driver)
	}
}

func (c *Container) buildPubSub(ctx context.Context, cfg config.PubSubConfig, handler messaging.Handler, logger *zap.Logger) (broker, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return broker{}, fmt.Errorf("initialise pubsub client: %w", err)
	}
	c.closers = append(c.closers, func(context.Context) error { return client.Close() })

	subscription := ""
	if cfg.Pull {
		subscription = cfg.Subscription
	}
	topic, sub, err := messaging.EnsurePubSubTopology(ctx, client, cfg.Topic, subscription)
	if err != nil {
		return broker{}, err
	}
	c.closers = append(c.closers, func(context.Context) error {
		topic.Stop()
		return nil
	})

	publisher, err := messaging.NewPubSubPublisher(topic)
	if err != nil {
		return broker{}, err
	}
	out := broker{
		publisher: publisher,
		checks: []health.Check{{
			Name: driverPubSub,
			Probe: func(ctx context.Context) error {
				ok, err := topic.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s not found", cfg.Topic)
				}
				return nil
			},
		}},
	}
	if sub != nil {
		consumer, err := messaging.NewPubSubConsumer(sub, handler, logger)
		if err != nil {
			return broker{}, err
		}
		out.consumer = consumer
	} else {
		logger.Info("pubsub pull disabled; deferred close relies on push delivery", zap.String("topic", cfg.Topic))
	}
	return out, nil
}

func (c *Container) buildAMQP(ctx context.Context, cfg config.Config, handler messaging.Handler, logger *zap.Logger) (broker, error) {
	conn, err := messaging.DialAMQP(ctx, cfg.Messaging.AMQP.URL, logger)
	if err != nil {
		return broker{}, err
	}
	c.closers = append(c.closers, func(context.Context) error { return conn.Close() })

	topo := messaging.AMQPTopology{
		Exchange:        cfg.Messaging.AMQP.Exchange,
		RoutingKey:      cfg.Messaging.AMQP.RoutingKey,
		DelayQueue:      cfg.Messaging.AMQP.DelayQueue,
		CloseQueue:      cfg.Messaging.AMQP.CloseQueue,
		CloseRoutingKey: cfg.Messaging.AMQP.CloseKey,
		Delay:           cfg.Orders.CloseDelay,
	}

	pubCh, err := conn.Channel()
	if err != nil {
		return broker{}, fmt.Errorf("open amqp publish channel: %w", err)
	}
	if err := messaging.DeclareAMQPTopology(pubCh, topo); err != nil {
		return broker{}, err
	}
	publisher, err := messaging.NewAMQPPublisher(pubCh, topo)
	if err != nil {
		return broker{}, err
	}

	subCh, err := conn.Channel()
	if err != nil {
		return broker{}, fmt.Errorf("open amqp consume channel: %w", err)
	}
	consumer, err := messaging.NewAMQPConsumer(subCh, topo, handler, logger)
	if err != nil {
		return broker{}, err
	}

	return broker{
		publisher: publisher,
		consumer:  consumer,
		checks: []health.Check{{
			Name: driverAMQP,
			Probe: func(context.Context) error {
				if conn.IsClosed() {
					return errors.New("amqp connection closed")
				}
				return nil
			},
		}},
	}, nil
}

func (c *Container) buildKafka(cfg config.KafkaConfig, handler messaging.Handler, logger *zap.Logger, tp trace.TracerProvider) (broker, error) {
	kcfg := messaging.KafkaConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		ClientID: kafkaClientID,
	}
	writer, err := messaging.NewKafkaWriter(kcfg, tp)
	if err != nil {
		return broker{}, err
	}
	c.closers = append(c.closers, func(context.Context) error { return writer.Close() })

	reader, err := messaging.NewKafkaReader(kcfg)
	if err != nil {
		return broker{}, err
	}
	c.closers = append(c.closers, func(context.Context) error { return reader.Close() })

	publisher, err := messaging.NewKafkaPublisher(writer)
	if err != nil {
		return broker{}, err
	}
	consumer, err := messaging.NewKafkaConsumer(reader, writer, handler, logger)
	if err != nil {
		return broker{}, err
	}

	return broker{
		publisher: publisher,
		consumer:  consumer,
		checks: []health.Check{{
			Name: driverKafka,
			Probe: func(ctx context.Context) error {
				conn, err := kafka.DialContext(ctx, "tcp", cfg.Brokers[0])
				if err != nil {
					return err
				}
				return conn.Close()
			},
		}},
	}, nil
}
