package database

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// Repository provides common database operations
type Repository struct {
	conn *Connection
}

// NewRepository creates a new repository instance
func NewRepository(conn *Connection) *Repository {
	return &Repository{
		conn: conn,
	}
}

// WithTransaction executes a function within a database transaction
func (r *Repository) WithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	return r.WithTransactionOptions(ctx, nil, fn)
}

// WithTransactionOptions executes a function within a database transaction with specific options
func (r *Repository) WithTransactionOptions(ctx context.Context, opts *sql.TxOptions, fn func(*sql.Tx) error) error {
	tx, err := r.conn.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction failed: %v, rollback failed: %w", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// RetryableOperation executes an operation with exponential backoff retry logic
func (r *Repository) RetryableOperation(ctx context.Context, maxRetries int, operation func() error) error {
	return retry(ctx, maxRetries, 100*time.Millisecond, operation)
}

func retry(ctx context.Context, maxRetries int, backoff time.Duration, operation func() error) error {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
				if backoff > 10*time.Second {
					backoff = 10 * time.Second
				}
			}
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		if !IsRetryableError(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("operation failed after %d retries: %w", maxRetries, lastErr)
}

// HealthCheck performs a basic health check on the database
func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.conn.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var result int
	err := r.conn.QueryRowContext(ctx, "SELECT 1").Scan(&result)
	if err != nil {
		return fmt.Errorf("database query test failed: %w", err)
	}

	if result != 1 {
		return fmt.Errorf("database query returned unexpected result: %d", result)
	}

	return nil
}

// GetConnectionStats returns database connection pool statistics
func (r *Repository) GetConnectionStats() sql.DBStats {
	return r.conn.Stats()
}

// ProcessedMessage is one row of the processed_messages ledger
type ProcessedMessage struct {
	MessageKey string
	Queue      string
	RoutingKey string
	DeliveryID uint64
	Payload    []byte
	CreatedAt  time.Time
}

// MessageKey derives the idempotency key of a message from its routing key
// and payload. Redeliveries carry new delivery ids, so the id cannot be used.
func MessageKey(routingKey string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(routingKey))
	h.Write([]byte{0})
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// LedgerStats summarises the processed_messages table
type LedgerStats struct {
	Rows      int64
	TableSize string
	Oldest    *time.Time
}

// MessagesRepository provides operations for the processed_messages table
type MessagesRepository struct {
	*Repository
}

// NewMessagesRepository creates a new processed_messages repository
func NewMessagesRepository(conn *Connection) *MessagesRepository {
	return &MessagesRepository{
		Repository: NewRepository(conn),
	}
}

// Execer is satisfied by *sql.DB, *sql.Tx and *sql.Conn
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// InsertProcessedTx records msg through tx, normally an open transaction.
// Returns true if the message was newly inserted, false if it was already recorded.
func (r *MessagesRepository) InsertProcessedTx(ctx context.Context, tx Execer, msg *ProcessedMessage) (bool, error) {
	query := `
		INSERT INTO processed_messages (message_key, queue, routing_key, delivery_id, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (message_key) DO NOTHING`

	result, err := tx.ExecContext(ctx, query,
		msg.MessageKey, msg.Queue, msg.RoutingKey, int64(msg.DeliveryID), msg.Payload)
	if err != nil {
		return false, fmt.Errorf("failed to insert processed message: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// CountOlderThan counts ledger rows created before cutoff
func (r *MessagesRepository) CountOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	query := "SELECT COUNT(*) FROM processed_messages WHERE created_at < $1"
	if err := r.conn.QueryRowContext(ctx, query, cutoff).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}

// CleanupOldMessages removes ledger rows older than the specified duration
func (r *MessagesRepository) CleanupOldMessages(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)

	var rowsDeleted int64
	err := r.WithTransaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, "DELETE FROM processed_messages WHERE created_at < $1", cutoff)
		if err != nil {
			return fmt.Errorf("failed to cleanup old messages: %w", err)
		}

		rowsDeleted, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get deleted rows count: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return rowsDeleted, nil
}

// Analyze refreshes planner statistics for the ledger
func (r *MessagesRepository) Analyze(ctx context.Context) error {
	if _, err := r.conn.ExecContext(ctx, "ANALYZE processed_messages"); err != nil {
		return fmt.Errorf("failed to analyze processed_messages: %w", err)
	}
	return nil
}

// Stats returns the row count, on-disk size and oldest row of the ledger
func (r *MessagesRepository) Stats(ctx context.Context) (*LedgerStats, error) {
	stats := &LedgerStats{}
	query := `
		SELECT
			COUNT(*),
			pg_size_pretty(pg_total_relation_size('processed_messages')),
			MIN(created_at)
		FROM processed_messages`

	if err := r.conn.QueryRowContext(ctx, query).Scan(&stats.Rows, &stats.TableSize, &stats.Oldest); err != nil {
		return nil, fmt.Errorf("failed to get ledger stats: %w", err)
	}
	return stats, nil
}
