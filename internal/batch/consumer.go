package batch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/queue-batch-consumer/internal/metrics"
)

// State is the consumer loop's position in its lifecycle
type State int32

const (
	StateIdle State = iota
	StateAccumulating
	StateFlushing
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateFlushing:
		return "flushing"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Flush triggers, used as metric and span labels
const (
	TriggerSize  = "size"
	TriggerTimer = "timer"
)

// StrategyErrorHandler decides what the loop does after a strategy failure.
// Returning nil keeps consuming; returning an error stops the loop with it.
type StrategyErrorHandler func(ctx context.Context, err error) error

// Option configures a Consumer
type Option func(*Consumer)

// WithLogger sets the logger used by the consumer and its processor
func WithLogger(logger *zap.Logger) Option {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithStrategyErrorHandler overrides the default of stopping the loop on the
// first strategy error
func WithStrategyErrorHandler(handler StrategyErrorHandler) Option {
	return func(c *Consumer) {
		if handler != nil {
			c.onStrategyError = handler
		}
	}
}

// Consumer is the batching event loop for one queue. It owns its buffer and
// its channel; run several consumers for parallelism.
type Consumer struct {
	channel Channel
	queue   string
	config  Config

	buffer    *Buffer
	processor *Processor
	logger    *zap.Logger
	state     atomic.Int32

	onStrategyError StrategyErrorHandler
}

// NewConsumer creates a consumer for queue on channel
func NewConsumer(channel Channel, queue string, config Config, opts ...Option) (*Consumer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if channel == nil {
		return nil, fmt.Errorf("%w: nil channel", ErrInvalidConfig)
	}

	c := &Consumer{
		channel: channel,
		queue:   queue,
		config:  config,
		buffer:  NewBuffer(config.MaxBatchSize),
		logger:  zap.NewNop(),
		onStrategyError: func(_ context.Context, err error) error {
			return err
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.logger = c.logger.With(zap.String("queue", queue))
	c.processor = NewProcessor(config, channel, c.logger)

	return c, nil
}

// Queue returns the name of the queue this consumer reads from
func (c *Consumer) Queue() string {
	return c.queue
}

// State returns the current loop state. Safe to call from any goroutine.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
}

// Run subscribes to the queue and processes batches until the stream ends,
// the context is cancelled, or a strategy error is not absorbed by the
// strategy error handler.
//
// Messages still buffered or unacknowledged when Run returns are left to the
// broker to redeliver; there is no final flush.
func (c *Consumer) Run(ctx context.Context, strategy Strategy) error {
	defer c.setState(StateStopped)

	sub, err := c.channel.Subscribe(ctx, c.queue)
	if err != nil {
		return fmt.Errorf("failed to subscribe to queue %s: %w", c.queue, err)
	}

	ticker := time.NewTicker(c.config.MaxWaitTime)
	defer ticker.Stop()

	c.setState(StateIdle)
	c.logger.Info("Waiting for messages in batches",
		zap.Int("max_batch_size", c.config.MaxBatchSize),
		zap.Duration("max_wait_time", c.config.MaxWaitTime),
		zap.Stringer("ack_mode", c.config.AckMode))

	messages := sub.Messages()
	for {
		select {
		case <-ctx.Done():
			c.logAbandoned("context cancelled")
			return ctx.Err()

		case msg, ok := <-messages:
			if !ok {
				if err := sub.Err(); err != nil {
					c.logAbandoned("delivery stream failed")
					return fmt.Errorf("delivery stream for queue %s: %w", c.queue, err)
				}
				c.logAbandoned("delivery stream ended")
				return nil
			}

			c.buffer.Add(msg)
			c.setState(StateAccumulating)
			batchBufferedMessages.WithLabelValues(c.queue).Set(float64(c.buffer.Len()))
			batchMessagesReceivedTotal.WithLabelValues(c.queue, metrics.HashRoutingKey(msg.RoutingKey)).Inc()

			if c.buffer.IsReady() {
				if err := c.flush(ctx, strategy, TriggerSize); err != nil {
					return err
				}
			}

		case <-ticker.C:
			if c.buffer.IsEmpty() {
				continue
			}
			if err := c.flush(ctx, strategy, TriggerTimer); err != nil {
				return err
			}
		}
	}
}

// flush drains the buffer and processes it to completion, including every
// ack call, before the loop reads the next event
func (c *Consumer) flush(ctx context.Context, strategy Strategy, trigger string) error {
	c.setState(StateFlushing)
	defer c.setState(StateIdle)

	batch := c.buffer.Drain()
	batchBufferedMessages.WithLabelValues(c.queue).Set(0)
	batchFlushesTotal.WithLabelValues(c.queue, trigger).Inc()

	c.logger.Debug("Flushing batch", zap.String("trigger", trigger), zap.Int("batch_size", len(batch)))

	err := c.processor.Process(ctx, batch, strategy)
	if err == nil {
		return nil
	}

	if handled := c.onStrategyError(ctx, err); handled != nil {
		return handled
	}

	c.logger.Warn("Continuing after batch strategy error", zap.Error(err))
	return nil
}

func (c *Consumer) logAbandoned(reason string) {
	if c.buffer.IsEmpty() {
		c.logger.Info("Consumer stopped", zap.String("reason", reason))
		return
	}
	c.logger.Warn("Consumer stopped with unacknowledged messages left for redelivery",
		zap.String("reason", reason), zap.Int("buffered", c.buffer.Len()))
}
