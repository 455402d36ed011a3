package sink

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/queue-batch-consumer/internal/batch"
	"github.com/queue-batch-consumer/internal/database"
)

// DefaultMaxRetries bounds retries of a whole batch transaction on transient errors
const DefaultMaxRetries = 3

// Ledger is the part of database.MessagesRepository the postgres strategy uses
type Ledger interface {
	RetryableOperation(ctx context.Context, maxRetries int, operation func() error) error
	WithTransaction(ctx context.Context, fn func(*sql.Tx) error) error
	InsertProcessedTx(ctx context.Context, tx database.Execer, msg *database.ProcessedMessage) (bool, error)
}

// PostgresStrategy records every message of a batch in the processed_messages
// ledger inside one transaction. Each insert runs under its own savepoint so
// a bad row fails only its message; losing the database fails the batch.
type PostgresStrategy struct {
	ledger     Ledger
	queue      string
	maxRetries int
	logger     *zap.Logger
}

// NewPostgresStrategy creates a ledger strategy for messages consumed from queue
func NewPostgresStrategy(ledger Ledger, queue string, logger *zap.Logger) *PostgresStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStrategy{
		ledger:     ledger,
		queue:      queue,
		maxRetries: DefaultMaxRetries,
		logger:     logger,
	}
}

// ledgerResult counts what one transaction attempt did
type ledgerResult struct {
	inserted   int
	duplicates int
	failed     []uint64
}

// Process implements batch.Strategy
func (s *PostgresStrategy) Process(ctx context.Context, messages []batch.Message) (batch.Outcome, error) {
	var result ledgerResult

	err := s.ledger.RetryableOperation(ctx, s.maxRetries, func() error {
		result = ledgerResult{}
		return s.ledger.WithTransaction(ctx, func(tx *sql.Tx) error {
			var err error
			result, err = s.insertAll(ctx, tx, messages)
			return err
		})
	})
	if err != nil {
		ledgerBatchErrorsTotal.Inc()
		return batch.Outcome{}, fmt.Errorf("ledger transaction failed: %w", err)
	}

	ledgerRowsTotal.WithLabelValues("inserted").Add(float64(result.inserted))
	ledgerRowsTotal.WithLabelValues("duplicate").Add(float64(result.duplicates))
	ledgerRowsTotal.WithLabelValues("failed").Add(float64(len(result.failed)))

	s.logger.Debug("Ledger batch committed",
		zap.Int("batch_size", len(messages)),
		zap.Int("inserted", result.inserted),
		zap.Int("duplicates", result.duplicates),
		zap.Int("failed", len(result.failed)))

	return batch.OutcomeFromFailures(messages, result.failed), nil
}

// insertAll inserts every message under a savepoint. Statement errors roll
// back to the savepoint and mark the message failed; connection errors
// abort the transaction.
func (s *PostgresStrategy) insertAll(ctx context.Context, tx database.Execer, messages []batch.Message) (ledgerResult, error) {
	var result ledgerResult

	for i, msg := range messages {
		savepoint := fmt.Sprintf("msg_%d", i)
		if _, err := tx.ExecContext(ctx, "SAVEPOINT "+savepoint); err != nil {
			return result, fmt.Errorf("failed to create savepoint: %w", err)
		}

		inserted, err := s.ledger.InsertProcessedTx(ctx, tx, s.record(msg))
		if err != nil {
			if database.IsConnectionError(err) {
				return result, err
			}
			if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+savepoint); rbErr != nil {
				return result, fmt.Errorf("failed to roll back savepoint after %v: %w", err, rbErr)
			}

			s.logger.Warn("Failed to record message",
				zap.Uint64("delivery_id", msg.DeliveryID),
				zap.Error(err))
			result.failed = append(result.failed, msg.DeliveryID)
			continue
		}

		if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+savepoint); err != nil {
			return result, fmt.Errorf("failed to release savepoint: %w", err)
		}

		if inserted {
			result.inserted++
		} else {
			result.duplicates++
		}
	}

	return result, nil
}

func (s *PostgresStrategy) record(msg batch.Message) *database.ProcessedMessage {
	return &database.ProcessedMessage{
		MessageKey: database.MessageKey(msg.RoutingKey, msg.Payload),
		Queue:      s.queue,
		RoutingKey: msg.RoutingKey,
		DeliveryID: msg.DeliveryID,
		Payload:    msg.Payload,
	}
}
