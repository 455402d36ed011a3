package batch

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/queue-batch-consumer/internal/tracing"
)

const tracerName = "github.com/queue-batch-consumer/internal/batch"

// Processor runs a Strategy over a drained batch and turns its Outcome into
// acknowledgments. Every message passed to Process receives exactly one
// terminal disposition before Process returns.
type Processor struct {
	config Config
	acker  Acknowledger
	logger *zap.Logger
	tracer trace.Tracer
}

// NewProcessor creates a processor that disposes of messages through acker
func NewProcessor(config Config, acker Acknowledger, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Processor{
		config: config,
		acker:  acker,
		logger: logger,
		tracer: tracing.GetTracer(tracerName),
	}
}

// Process invokes strategy on batch and acknowledges the result.
//
// A strategy error rejects the whole batch with requeue and is returned as a
// *StrategyError. Failed acknowledgment calls are logged and do not change
// the return value; the broker redelivers whatever was not settled.
func (p *Processor) Process(ctx context.Context, batch []Message, strategy Strategy) error {
	if len(batch) == 0 {
		return nil
	}

	ctx, span := p.tracer.Start(ctx, "batch.flush", trace.WithAttributes(
		attribute.Int("batch.size", len(batch)),
		attribute.String("batch.ack_mode", p.config.AckMode.String()),
	))
	defer span.End()

	batchSize.Observe(float64(len(batch)))

	start := time.Now()
	outcome, err := strategy.Process(ctx, batch)
	if err != nil {
		batchStrategyDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		p.logger.Error("Batch strategy failed, rejecting batch",
			zap.Int("batch_size", len(batch)), zap.Error(err))
		tracing.RecordError(ctx, err)

		p.rejectAll(ctx, batch)
		return &StrategyError{BatchSize: len(batch), Err: err}
	}

	batchStrategyDuration.WithLabelValues(outcome.Kind.String()).Observe(time.Since(start).Seconds())
	tracing.AddSpanAttributes(ctx, attribute.String("batch.outcome", outcome.Kind.String()))

	switch outcome.Kind {
	case OutcomeSuccess:
		p.acceptAll(ctx, batch)

	case OutcomePartialFailure:
		p.settleEach(ctx, batch, outcome)

	case OutcomeTotalFailure:
		p.rejectAll(ctx, batch)
		p.logger.Info("Total batch failure, rejected and requeued", zap.Int("batch_size", len(batch)))

	default:
		err := fmt.Errorf("unknown outcome kind %d", int(outcome.Kind))
		tracing.RecordError(ctx, err)
		p.rejectAll(ctx, batch)
		return &StrategyError{BatchSize: len(batch), Err: err}
	}

	return nil
}

// acceptAll acknowledges a fully successful batch
func (p *Processor) acceptAll(ctx context.Context, batch []Message) {
	ids := uniqueIDs(batch)

	if p.config.AckMode == AckBatched {
		// Delivery ids are monotonic per consumer and the batch holds every
		// delivery since the previous flush, so one cumulative ack covers it.
		highest := ids[0]
		for _, id := range ids[1:] {
			if id > highest {
				highest = id
			}
		}

		if p.ack(ctx, highest, true) {
			batchDispositionsTotal.WithLabelValues("ack").Add(float64(len(ids)))
		}
		p.logger.Debug("Batch acknowledged cumulatively",
			zap.Int("batch_size", len(ids)), zap.Uint64("up_to_delivery_id", highest))
		return
	}

	for _, id := range ids {
		if p.ack(ctx, id, false) {
			batchDispositionsTotal.WithLabelValues("ack").Inc()
		}
	}
	p.logger.Debug("Batch acknowledged individually", zap.Int("batch_size", len(ids)))
}

// settleEach acknowledges or rejects every message on its own; the failed
// set may be non-contiguous so a cumulative ack is never used here.
func (p *Processor) settleEach(ctx context.Context, batch []Message, outcome Outcome) {
	ids := uniqueIDs(batch)

	known := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		known[id] = struct{}{}
	}
	for id := range outcome.FailedIDs {
		if _, ok := known[id]; !ok {
			p.logger.Warn("Ignoring failed delivery id that is not in the batch", zap.Uint64("delivery_id", id))
		}
	}

	var acked, rejected int
	for _, id := range ids {
		if outcome.Failed(id) {
			rejected++
			if p.nack(ctx, id) {
				batchDispositionsTotal.WithLabelValues("nack").Inc()
			}
			continue
		}

		acked++
		if p.ack(ctx, id, false) {
			batchDispositionsTotal.WithLabelValues("ack").Inc()
		}
	}

	p.logger.Info("Partial batch processed",
		zap.Int("succeeded", acked), zap.Int("failed", rejected))
}

// rejectAll nacks every message with requeue, continuing past failures
func (p *Processor) rejectAll(ctx context.Context, batch []Message) {
	for _, id := range uniqueIDs(batch) {
		if p.nack(ctx, id) {
			batchDispositionsTotal.WithLabelValues("nack").Inc()
		}
	}
}

func (p *Processor) ack(ctx context.Context, id uint64, multiple bool) bool {
	if err := p.acker.Ack(ctx, id, multiple); err != nil {
		op := "ack"
		if multiple {
			op = "ack_multiple"
		}
		batchAckErrorsTotal.WithLabelValues(op).Inc()
		p.logger.Warn("Failed to acknowledge delivery",
			zap.String("op", op), zap.Uint64("delivery_id", id), zap.Error(err))
		return false
	}
	return true
}

func (p *Processor) nack(ctx context.Context, id uint64) bool {
	if err := p.acker.Nack(ctx, id, true); err != nil {
		batchAckErrorsTotal.WithLabelValues("nack").Inc()
		p.logger.Warn("Failed to reject delivery",
			zap.String("op", "nack"), zap.Uint64("delivery_id", id), zap.Error(err))
		return false
	}
	return true
}

// uniqueIDs returns the batch's delivery ids in arrival order, dropping
// repeats so no id is settled twice
func uniqueIDs(batch []Message) []uint64 {
	seen := make(map[uint64]struct{}, len(batch))
	ids := make([]uint64, 0, len(batch))
	for _, msg := range batch {
		if _, ok := seen[msg.DeliveryID]; ok {
			continue
		}
		seen[msg.DeliveryID] = struct{}{}
		ids = append(ids, msg.DeliveryID)
	}
	return ids
}
