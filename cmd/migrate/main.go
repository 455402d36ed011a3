package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/queue-batch-consumer/config"
	"github.com/queue-batch-consumer/internal/database"
	"github.com/queue-batch-consumer/internal/logger"
)

//go:embed migrations
var migrationFS embed.FS

func main() {
	if err := newMigrateCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newMigrateCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:          "migrate [up|down|status]",
		Short:        "Apply or roll back the processed_messages schema",
		Args:         cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs:    []string{"up", "down", "status"},
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runMigrate(ctx, args[0])
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Operation timeout")
	return cmd
}

func runMigrate(ctx context.Context, command string) error {
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
	dbConfig.MaxOpenConns = 5 // Lower for migration tool
	dbConfig.MaxIdleConns = 2

	conn, err := database.NewConnection(ctx, dbConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer conn.Close()

	migrations, err := database.LoadMigrationsFromFS(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	if len(migrations) == 0 {
		log.Info("No migrations found")
		return nil
	}

	manager := database.NewMigrationManager(conn, log)
	log.Debug("Loaded migrations", zap.Int("count", len(migrations)), zap.String("command", command))

	switch command {
	case "up":
		if err := manager.Up(ctx, migrations); err != nil {
			return fmt.Errorf("migration up failed: %w", err)
		}
		log.Info("All migrations applied successfully")

	case "down":
		err := manager.Down(ctx, migrations)
		if errors.Is(err, database.ErrNoMigrationsApplied) {
			log.Info("Nothing to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("migration down failed: %w", err)
		}
		log.Info("Migration rolled back successfully")

	case "status":
		statuses, err := manager.Status(ctx, migrations)
		if err != nil {
			return fmt.Errorf("migration status failed: %w", err)
		}
		printStatus(statuses)
	}

	return nil
}

func printStatus(statuses []database.MigrationStatus) {
	applied := color.New(color.FgGreen)
	pending := color.New(color.FgYellow)

	fmt.Println("Version | Name | Status")
	fmt.Println("--------|------|-------")
	for _, s := range statuses {
		if s.Applied {
			applied.Printf("%7d | %s | Applied %s\n", s.Version, s.Name, s.AppliedAt.Format(time.RFC3339))
			continue
		}
		pending.Printf("%7d | %s | Pending\n", s.Version, s.Name)
	}
}
