package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/queue-batch-consumer/config"
	"github.com/queue-batch-consumer/internal/batch"
	"github.com/queue-batch-consumer/internal/database"
	"github.com/queue-batch-consumer/internal/logger"
	"github.com/queue-batch-consumer/internal/server"
	"github.com/queue-batch-consumer/internal/sink"
	"github.com/queue-batch-consumer/internal/tracing"
)

const shutdownTimeout = 5 * time.Second

func runConsumer(ctx context.Context, cfg *config.Config) error {
	log, err := logger.New(cfg.LoggerSettings())
	if err != nil {
		return err
	}
	defer log.Sync()

	policy, err := cfg.BatchPolicy()
	if err != nil {
		return err
	}

	shutdownTracer, err := tracing.InitTracer(&tracing.Config{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enabled,
		SampleRatio:    cfg.Tracing.SampleRatio,
	}, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Warn("Failed to shut down tracer", zap.Error(err))
		}
	}()

	log.Info("Starting batch consumer",
		zap.String("broker", cfg.Broker.Kind),
		zap.String("queue", cfg.Broker.Queue),
		zap.Int("instances", cfg.Broker.Instances),
		zap.Int("max_batch_size", policy.MaxBatchSize),
		zap.Duration("max_wait_time", policy.MaxWaitTime),
		zap.Stringer("ack_mode", policy.AckMode),
		zap.String("strategy", cfg.Strategy.Name))

	strategy, checks, closeStrategy, err := buildStrategy(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStrategy()

	session, err := openBroker(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.Warn("Failed to close broker connection", zap.Error(err))
		}
	}()

	workers, err := buildWorkers(cfg, policy, session.channels, strategy, log)
	if err != nil {
		return err
	}

	if cfg.Ops.Port > 0 {
		srv := startOps(cfg, workers, checks, log)
		defer srv.Shutdown(shutdownTimeout)
	}

	if session.monitor != nil {
		go monitorQueue(ctx, session.monitor, log)
	}

	err = batch.RunWorkers(ctx, workers...)
	if err != nil {
		log.Error("Batch consumer stopped", zap.Error(err))
		return err
	}
	log.Info("Batch consumer stopped")
	return nil
}

// buildStrategy returns the configured strategy, its readiness checks and a
// cleanup function
func buildStrategy(ctx context.Context, cfg *config.Config, log *zap.Logger) (batch.Strategy, map[string]server.ReadinessCheck, func(), error) {
	switch cfg.Strategy.Name {
	case "console":
		return sink.NewConsoleStrategy(nil, cfg.Strategy.FailMarker, log), nil, func() {}, nil

	case "postgres":
		conn, err := database.NewConnection(ctx, connectionConfig(cfg))
		if err != nil {
			return nil, nil, nil, err
		}
		repo := database.NewMessagesRepository(conn)
		checks := map[string]server.ReadinessCheck{"database": repo.HealthCheck}
		closeFn := func() {
			if err := conn.Close(); err != nil {
				log.Warn("Failed to close database", zap.Error(err))
			}
		}
		return sink.NewPostgresStrategy(repo, cfg.Broker.Queue, log), checks, closeFn, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown strategy %q", cfg.Strategy.Name)
	}
}

func connectionConfig(cfg *config.Config) *database.ConnectionConfig {
	dbCfg := database.DefaultConnectionConfig()
	dbCfg.Host = cfg.Database.Host
	dbCfg.Port = cfg.Database.Port
	dbCfg.User = cfg.Database.User
	dbCfg.Password = cfg.Database.Password
	dbCfg.Database = cfg.Database.Database
	dbCfg.SSLMode = cfg.Database.SSLMode
	return dbCfg
}

// buildWorkers creates one consumer per channel, all sharing the strategy
func buildWorkers(cfg *config.Config, policy batch.Config, channels []batch.Channel, strategy batch.Strategy, log *zap.Logger) ([]batch.Worker, error) {
	workers := make([]batch.Worker, 0, len(channels))
	for i, ch := range channels {
		instanceLog := log.With(zap.Int("instance", i))

		opts := []batch.Option{batch.WithLogger(instanceLog)}
		if !cfg.Strategy.StopOnStrategyError {
			opts = append(opts, batch.WithStrategyErrorHandler(keepConsuming(instanceLog)))
		}

		consumer, err := batch.NewConsumer(ch, cfg.Broker.Queue, policy, opts...)
		if err != nil {
			return nil, fmt.Errorf("instance %d: %w", i, err)
		}
		workers = append(workers, batch.Worker{Consumer: consumer, Strategy: strategy})
	}
	return workers, nil
}

// keepConsuming logs strategy failures instead of stopping the loop. The
// batch has already been rejected and requeued when the handler runs.
func keepConsuming(log *zap.Logger) batch.StrategyErrorHandler {
	return func(ctx context.Context, err error) error {
		var strategyErr *batch.StrategyError
		if errors.As(err, &strategyErr) {
			log.Warn("Strategy failed, batch requeued",
				zap.Int("batch_size", strategyErr.BatchSize),
				zap.Error(strategyErr.Err))
			return nil
		}
		return err
	}
}

func startOps(cfg *config.Config, workers []batch.Worker, checks map[string]server.ReadinessCheck, log *zap.Logger) *server.Server {
	consumers := make([]server.ConsumerState, 0, len(workers))
	for _, w := range workers {
		consumers = append(consumers, w.Consumer)
	}

	ops := server.NewOps(server.OpsConfig{MetricsPath: cfg.Ops.MetricsPath}, consumers, log)
	for name, check := range checks {
		ops.AddCheck(name, check)
	}

	var tlsConfig *server.TLSConfig
	if cfg.Ops.TLSCertFile != "" {
		tlsConfig = &server.TLSConfig{Enabled: true, CertFile: cfg.Ops.TLSCertFile, KeyFile: cfg.Ops.TLSKeyFile}
	}

	addr := net.JoinHostPort("", strconv.Itoa(cfg.Ops.Port))
	srv := server.NewServer(addr, ops.Handler(), tlsConfig, log)
	go func() {
		if err := srv.Start(); err != nil {
			log.Error("Ops server failed", zap.Error(err))
		}
	}()
	return srv
}
