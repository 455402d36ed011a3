package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/queue-batch-consumer/internal/batch"
)

const (
	// Configuration defaults
	DefaultMaxDeliver      = -1 // unlimited: a requeued delivery always comes back
	DefaultAckWait         = 30 * time.Second
	DefaultMaxAckPending   = 1000
	DefaultStreamRetention = 7 * 24 * time.Hour
	DefaultConsumerName    = "batch-consumer"

	brokerNATS = "nats"
)

// NATSConfig holds configuration for NATS JetStream connection
type NATSConfig struct {
	URL             string
	Consumer        string
	StreamRetention time.Duration
	MaxDeliver      int // -1 for unlimited redelivery
	AckWait         time.Duration
	MaxAckPending   int
	ReconnectWait   time.Duration
	MaxReconnects   int

	// DoubleAck waits for the server to confirm each acknowledgment
	DoubleAck bool
}

// DefaultNATSConfig returns a NATSConfig with sensible defaults
func DefaultNATSConfig() *NATSConfig {
	return &NATSConfig{
		URL:             nats.DefaultURL,
		Consumer:        DefaultConsumerName,
		StreamRetention: DefaultStreamRetention,
		MaxDeliver:      DefaultMaxDeliver,
		AckWait:         DefaultAckWait,
		MaxAckPending:   DefaultMaxAckPending,
		ReconnectWait:   2 * time.Second,
		MaxReconnects:   -1, // Unlimited reconnects
	}
}

// NATSConnection is one NATS connection shared by every NATSChannel opened on it
type NATSConnection struct {
	config *NATSConfig
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *zap.Logger
}

// NewNATSConnection connects to NATS and creates a JetStream context
func NewNATSConnection(config *NATSConfig, logger *zap.Logger) (*NATSConnection, error) {
	if config == nil {
		config = DefaultNATSConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	conn := &NATSConnection{
		config: config,
		logger: logger.With(zap.String("broker", brokerNATS)),
	}
	if err := conn.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

// connect establishes connection to NATS server
func (c *NATSConnection) connect() error {
	opts := []nats.Option{
		nats.ReconnectWait(c.config.ReconnectWait),
		nats.MaxReconnects(c.config.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
			natsReconnectsTotal.Inc()
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			c.logger.Info("NATS connection closed")
		}),
	}

	nc, err := nats.Connect(c.config.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", c.config.URL, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	c.nc = nc
	c.js = js
	return nil
}

// EnsureStream creates or updates a work-queue stream named after the queue.
// Without subjects the stream captures "<name>.>".
func (c *NATSConnection) EnsureStream(ctx context.Context, name string, subjects ...string) error {
	if len(subjects) == 0 {
		subjects = []string{name + ".>"}
	}

	_, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        name,
		Subjects:    subjects,
		Storage:     jetstream.FileStorage,
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      c.config.StreamRetention,
		Replicas:    1,
		Discard:     jetstream.DiscardOld,
		Description: "Batch consumer work queue",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", name, err)
	}
	return nil
}

// Publish publishes payload on subject and waits for the stream to store it
func (c *NATSConnection) Publish(ctx context.Context, subject string, payload []byte) error {
	if _, err := c.js.Publish(ctx, subject, payload); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Channel opens an independent channel for one consumer instance
func (c *NATSConnection) Channel() *NATSChannel {
	return &NATSChannel{
		conn:    c,
		pending: newPendingSet(),
		logger:  c.logger,
	}
}

// Close closes the underlying connection
func (c *NATSConnection) Close() error {
	if c.nc != nil {
		c.nc.Close()
	}
	return nil
}

// NATSChannel adapts a durable JetStream pull consumer to batch.Channel.
// Delivery ids are consumer sequence numbers, which grow with every
// delivery including redeliveries.
type NATSChannel struct {
	conn    *NATSConnection
	pending *pendingSet
	logger  *zap.Logger

	consumerMu sync.Mutex
	consumer   jetstream.Consumer
}

var _ batch.Channel = (*NATSChannel)(nil)

// Subscribe binds the durable consumer on the stream named queue and starts
// pulling messages until ctx is cancelled or the connection fails
func (ch *NATSChannel) Subscribe(ctx context.Context, queue string) (batch.Subscription, error) {
	cfg := ch.conn.config
	consumer, err := ch.conn.js.CreateOrUpdateConsumer(ctx, queue, jetstream.ConsumerConfig{
		Name:          cfg.Consumer,
		Durable:       cfg.Consumer,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    cfg.MaxDeliver,
		AckWait:       cfg.AckWait,
		MaxAckPending: cfg.MaxAckPending,
		Description:   "Batch consumer with explicit acknowledgment",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	ch.consumerMu.Lock()
	ch.consumer = consumer
	ch.consumerMu.Unlock()

	iter, err := consumer.Messages()
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	sub := newSubscription()
	go ch.pump(ctx, iter, sub)
	return sub, nil
}

func (ch *NATSChannel) pump(ctx context.Context, iter jetstream.MessagesContext, sub *subscription) {
	stop := context.AfterFunc(ctx, iter.Stop)
	defer stop()

	for {
		msg, err := iter.Next()
		if err != nil {
			switch {
			case errors.Is(err, jetstream.ErrMsgIteratorClosed):
				sub.finish(nil)
				return
			case errors.Is(err, jetstream.ErrNoHeartbeat):
				ch.logger.Warn("Missed JetStream heartbeat", zap.Error(err))
				continue
			default:
				iter.Stop()
				sub.finish(fmt.Errorf("jetstream delivery stream failed: %w", err))
				return
			}
		}

		meta, err := msg.Metadata()
		if err != nil {
			ch.logger.Warn("Dropping message without metadata", zap.String("subject", msg.Subject()), zap.Error(err))
			_ = msg.Nak()
			continue
		}

		id := meta.Sequence.Consumer
		ch.pending.put(id, msg)
		inFlightDeliveries.WithLabelValues(brokerNATS).Inc()

		select {
		case sub.messages <- batch.Message{Payload: msg.Data(), DeliveryID: id, RoutingKey: msg.Subject()}:
		case <-ctx.Done():
			// Never handed over; let the server redeliver it immediately
			if m, ok := ch.pending.take(id); ok {
				inFlightDeliveries.WithLabelValues(brokerNATS).Dec()
				_ = m.Nak()
			}
			sub.finish(nil)
			return
		}
	}
}

// Ack acknowledges deliveryID. With multiple set, every tracked delivery at
// or below deliveryID is acknowledged and the individual errors are joined.
func (ch *NATSChannel) Ack(ctx context.Context, deliveryID uint64, multiple bool) error {
	var msgs []settleable
	if multiple {
		msgs = ch.pending.takeUpTo(deliveryID)
	} else if msg, ok := ch.pending.take(deliveryID); ok {
		msgs = []settleable{msg}
	}
	if len(msgs) == 0 {
		unknownDeliveriesTotal.WithLabelValues(brokerNATS, "ack").Inc()
		return fmt.Errorf("ack %d: %w", deliveryID, ErrUnknownDelivery)
	}
	inFlightDeliveries.WithLabelValues(brokerNATS).Sub(float64(len(msgs)))

	var errs []error
	for _, msg := range msgs {
		if err := ch.ack(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (ch *NATSChannel) ack(ctx context.Context, msg settleable) error {
	if ch.conn.config.DoubleAck {
		return msg.DoubleAck(ctx)
	}
	return msg.Ack()
}

// Nack rejects deliveryID. Requeued deliveries are Nak'd for redelivery,
// the rest are terminated.
func (ch *NATSChannel) Nack(ctx context.Context, deliveryID uint64, requeue bool) error {
	msg, ok := ch.pending.take(deliveryID)
	if !ok {
		unknownDeliveriesTotal.WithLabelValues(brokerNATS, "nack").Inc()
		return fmt.Errorf("nack %d: %w", deliveryID, ErrUnknownDelivery)
	}
	inFlightDeliveries.WithLabelValues(brokerNATS).Dec()

	if requeue {
		return msg.Nak()
	}
	return msg.Term()
}

// ConsumerInfo returns information about the consumer for monitoring
func (ch *NATSChannel) ConsumerInfo(ctx context.Context) (*jetstream.ConsumerInfo, error) {
	ch.consumerMu.Lock()
	consumer := ch.consumer
	ch.consumerMu.Unlock()

	if consumer == nil {
		return nil, fmt.Errorf("consumer not initialized")
	}
	return consumer.Info(ctx)
}

// UpdateQueueMetrics updates Prometheus metrics for queue status.
// This should be called periodically to monitor queue health.
func (ch *NATSChannel) UpdateQueueMetrics(ctx context.Context) error {
	info, err := ch.ConsumerInfo(ctx)
	if err != nil {
		return fmt.Errorf("failed to get consumer info: %w", err)
	}

	queueLagMessages.WithLabelValues(info.Stream).Set(float64(info.NumPending))
	queueAckPendingMessages.WithLabelValues(info.Stream).Set(float64(info.NumAckPending))
	return nil
}
