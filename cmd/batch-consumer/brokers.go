package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/queue-batch-consumer/config"
	"github.com/queue-batch-consumer/internal/batch"
	"github.com/queue-batch-consumer/internal/queue"
)

const queueMetricsInterval = 15 * time.Second

// brokerSession holds one broker connection and the channels opened on it
type brokerSession struct {
	channels []batch.Channel
	closers  []func() error

	// monitor refreshes broker-side queue metrics; nil when the broker has none
	monitor func(ctx context.Context) error
}

func (s *brokerSession) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// openBroker connects to the configured broker and opens one channel per instance
func openBroker(ctx context.Context, cfg *config.Config, log *zap.Logger) (*brokerSession, error) {
	switch cfg.Broker.Kind {
	case "amqp":
		return openAMQP(cfg, log)
	case "nats":
		return openNATS(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Broker.Kind)
	}
}

func amqpConfig(cfg *config.Config) *queue.AMQPConfig {
	amqpCfg := queue.DefaultAMQPConfig()
	amqpCfg.URL = cfg.Broker.AMQPURL
	amqpCfg.Prefetch = cfg.Broker.AMQPPrefetch
	return amqpCfg
}

func natsConfig(cfg *config.Config) *queue.NATSConfig {
	natsCfg := queue.DefaultNATSConfig()
	natsCfg.URL = cfg.Broker.NATSURL
	natsCfg.Consumer = cfg.Broker.NATSConsumer
	if cfg.Broker.NATSAckWait > 0 {
		natsCfg.AckWait = cfg.Broker.NATSAckWait
	}
	if cfg.Broker.NATSMaxDeliver != 0 {
		natsCfg.MaxDeliver = cfg.Broker.NATSMaxDeliver
	}
	return natsCfg
}

func openAMQP(cfg *config.Config, log *zap.Logger) (*brokerSession, error) {
	conn, err := queue.DialAMQP(amqpConfig(cfg), log)
	if err != nil {
		return nil, err
	}

	session := &brokerSession{closers: []func() error{conn.Close}}
	for i := 0; i < cfg.Broker.Instances; i++ {
		ch, err := conn.Channel()
		if err != nil {
			session.Close()
			return nil, fmt.Errorf("instance %d: %w", i, err)
		}
		session.channels = append(session.channels, ch)
		session.closers = append(session.closers, ch.Close)
	}
	return session, nil
}

func openNATS(ctx context.Context, cfg *config.Config, log *zap.Logger) (*brokerSession, error) {
	conn, err := queue.NewNATSConnection(natsConfig(cfg), log)
	if err != nil {
		return nil, err
	}

	if err := conn.EnsureStream(ctx, cfg.Broker.Queue); err != nil {
		conn.Close()
		return nil, err
	}

	session := &brokerSession{closers: []func() error{conn.Close}}
	var first *queue.NATSChannel
	for i := 0; i < cfg.Broker.Instances; i++ {
		ch := conn.Channel()
		if first == nil {
			first = ch
		}
		session.channels = append(session.channels, ch)
	}

	// Every instance binds the same durable consumer, so one channel reports for all
	session.monitor = first.UpdateQueueMetrics
	return session, nil
}

// monitorQueue refreshes queue metrics until ctx is done
func monitorQueue(ctx context.Context, update func(ctx context.Context) error, log *zap.Logger) {
	ticker := time.NewTicker(queueMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := update(ctx); err != nil {
				log.Debug("Failed to update queue metrics", zap.Error(err))
			}
		}
	}
}
