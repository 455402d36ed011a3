package sink

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"
	"go.uber.org/zap"

	"github.com/queue-batch-consumer/internal/batch"
)

// DefaultFailMarker makes the console strategy reject any payload containing it
const DefaultFailMarker = "error"

// ConsoleStrategy prints every message of a batch and fails the ones whose
// payload contains the marker. It is the demo strategy of the consumer.
type ConsoleStrategy struct {
	mu     sync.Mutex
	out    io.Writer
	marker string
	logger *zap.Logger

	header  *color.Color
	failure *color.Color
	summary *color.Color
}

// NewConsoleStrategy creates a console strategy writing to out.
// A nil out writes to color.Output; an empty marker never fails a message.
func NewConsoleStrategy(out io.Writer, marker string, logger *zap.Logger) *ConsoleStrategy {
	if out == nil {
		out = color.Output
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ConsoleStrategy{
		out:     out,
		marker:  strings.ToLower(marker),
		logger:  logger,
		header:  color.New(color.FgCyan, color.Bold),
		failure: color.New(color.FgRed),
		summary: color.New(color.FgGreen),
	}
}

// Process implements batch.Strategy. Batches from concurrent consumers are
// printed one at a time.
func (s *ConsoleStrategy) Process(ctx context.Context, messages []batch.Message) (batch.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.header.Fprintf(s.out, "Processing batch of %d messages:\n", len(messages))

	var failed []uint64
	for i, msg := range messages {
		if err := ctx.Err(); err != nil {
			return batch.Outcome{}, err
		}

		content := string(msg.Payload)
		fmt.Fprintf(s.out, "  %d. [%s] %s\n", i+1, msg.RoutingKey, content)

		if s.fails(content) {
			s.failure.Fprintf(s.out, "    processing failed for message %d\n", msg.DeliveryID)
			failed = append(failed, msg.DeliveryID)
		}
	}

	outcome := batch.OutcomeFromFailures(messages, failed)
	switch outcome.Kind {
	case batch.OutcomeSuccess:
		s.summary.Fprintf(s.out, "  all %d messages processed\n", len(messages))
	case batch.OutcomePartialFailure:
		s.failure.Fprintf(s.out, "  %d of %d messages failed\n", len(failed), len(messages))
	case batch.OutcomeTotalFailure:
		s.failure.Fprintf(s.out, "  every message failed\n")
	}

	s.logger.Debug("Console batch processed",
		zap.Int("batch_size", len(messages)),
		zap.Int("failed", len(failed)),
		zap.Stringer("outcome", outcome.Kind))
	return outcome, nil
}

func (s *ConsoleStrategy) fails(content string) bool {
	return s.marker != "" && strings.Contains(strings.ToLower(content), s.marker)
}
