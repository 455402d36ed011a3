package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/queue-batch-consumer/config"
	"github.com/queue-batch-consumer/internal/database"
	"github.com/queue-batch-consumer/internal/logger"
)

type cleanupOptions struct {
	retentionDays int
	dryRun        bool
	healthCheck   bool
	timeout       time.Duration
}

func main() {
	if err := newCleanupCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newCleanupCommand() *cobra.Command {
	opts := cleanupOptions{}

	cmd := &cobra.Command{
		Use:          "cleanup",
		Short:        "Prune old rows from the processed_messages ledger",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.retentionDays < 1 {
				return fmt.Errorf("retention must be at least one day, got %d", opts.retentionDays)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			return run(ctx, opts)
		},
	}

	fs := cmd.Flags()
	fs.IntVar(&opts.retentionDays, "retention-days", 7, "Number of days to retain processed_messages rows")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "Perform dry run without actually deleting data")
	fs.BoolVar(&opts.healthCheck, "health-check", false, "Perform database health check only")
	fs.DurationVar(&opts.timeout, "timeout", 5*time.Minute, "Operation timeout")
	return cmd
}

func run(ctx context.Context, opts cleanupOptions) error {
	cfg := config.Load()
	log, err := logger.New(cfg.LoggerSettings())
	if err != nil {
		return err
	}
	defer log.Sync()

	dbConfig := database.DefaultConnectionConfig()
	dbConfig.Host = cfg.Database.Host
	dbConfig.Port = cfg.Database.Port
	dbConfig.User = cfg.Database.User
	dbConfig.Password = cfg.Database.Password
	dbConfig.Database = cfg.Database.Database
	dbConfig.SSLMode = cfg.Database.SSLMode
	dbConfig.MaxOpenConns = 2

	conn, err := database.NewConnection(ctx, dbConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close()

	log.Info("Connected to database",
		zap.String("host", dbConfig.Host),
		zap.Int("port", dbConfig.Port),
		zap.String("database", dbConfig.Database))

	repo := database.NewMessagesRepository(conn)
	if opts.healthCheck {
		return healthCheck(ctx, repo, log)
	}
	return cleanup(ctx, repo, opts, log)
}

func cleanup(ctx context.Context, repo *database.MessagesRepository, opts cleanupOptions, log *zap.Logger) error {
	retention := time.Duration(opts.retentionDays) * 24 * time.Hour
	cutoff := time.Now().Add(-retention)

	count, err := repo.CountOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}

	log.Info("Found ledger rows past retention",
		zap.Int64("rows", count),
		zap.Time("cutoff", cutoff),
		zap.Int("retention_days", opts.retentionDays))

	if count == 0 {
		return nil
	}

	if opts.dryRun {
		log.Info("Dry run, nothing deleted", zap.Int64("would_delete", count))
		return nil
	}

	deleted, err := repo.CleanupOldMessages(ctx, retention)
	if err != nil {
		return err
	}
	log.Info("Deleted ledger rows", zap.Int64("rows", deleted))

	if err := repo.Analyze(ctx); err != nil {
		log.Warn("Failed to analyze table", zap.Error(err))
	}
	return nil
}

func healthCheck(ctx context.Context, repo *database.MessagesRepository, log *zap.Logger) error {
	if err := repo.HealthCheck(ctx); err != nil {
		return err
	}

	pool := repo.GetConnectionStats()
	log.Info("Database connectivity OK",
		zap.Int("open", pool.OpenConnections),
		zap.Int("in_use", pool.InUse),
		zap.Int("idle", pool.Idle))

	stats, err := repo.Stats(ctx)
	if err != nil {
		return err
	}

	fields := []zap.Field{zap.Int64("rows", stats.Rows), zap.String("size", stats.TableSize)}
	if stats.Oldest != nil {
		fields = append(fields, zap.Duration("oldest_age", time.Since(*stats.Oldest).Round(time.Hour)))
	}
	log.Info("Ledger table OK", fields...)
	return nil
}
