package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/queue-batch-consumer/config"
)

// newRootCommand builds the CLI. Flags default to the environment
// configuration, so an explicit flag always wins over the environment.
func newRootCommand() *cobra.Command {
	cfg := config.Load()

	cmd := &cobra.Command{
		Use:   "batch-consumer",
		Short: "Consume a queue in batches with explicit acknowledgment",
		Long: `batch-consumer reads messages from a RabbitMQ queue or a NATS JetStream stream,
groups them into batches by size or time, hands each batch to a processing
strategy and acknowledges, requeues or rejects every message according to the outcome.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runConsumer(ctx, cfg)
		},
		SilenceUsage: true,
	}

	addBrokerFlags(cmd.PersistentFlags(), cfg)
	addConsumerFlags(cmd.Flags(), cfg)
	addLoggingFlags(cmd.PersistentFlags(), cfg)

	cmd.AddCommand(newPublishCommand(cfg))
	return cmd
}

func addBrokerFlags(fs *pflag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.Broker.Kind, "broker", cfg.Broker.Kind, "Message broker: amqp or nats")
	fs.StringVarP(&cfg.Broker.Queue, "queue", "q", cfg.Broker.Queue, "Queue (AMQP) or stream (NATS) name")
	fs.StringVar(&cfg.Broker.AMQPURL, "amqp-url", cfg.Broker.AMQPURL, "RabbitMQ connection URL")
	fs.StringVar(&cfg.Broker.NATSURL, "nats-url", cfg.Broker.NATSURL, "NATS server URL")
}

func addConsumerFlags(fs *pflag.FlagSet, cfg *config.Config) {
	fs.IntVarP(&cfg.Broker.Instances, "instances", "n", cfg.Broker.Instances, "Independent consumer instances, each with its own channel")
	fs.IntVar(&cfg.Broker.AMQPPrefetch, "prefetch", cfg.Broker.AMQPPrefetch, "AMQP prefetch count per channel (0 = unlimited)")
	fs.StringVar(&cfg.Broker.NATSConsumer, "nats-consumer", cfg.Broker.NATSConsumer, "Durable JetStream consumer name")
	fs.DurationVar(&cfg.Broker.NATSAckWait, "nats-ack-wait", cfg.Broker.NATSAckWait, "JetStream ack wait before redelivery")
	fs.IntVar(&cfg.Broker.NATSMaxDeliver, "nats-max-deliver", cfg.Broker.NATSMaxDeliver, "JetStream delivery attempts per message, -1 for unlimited")

	fs.IntVarP(&cfg.Batching.MaxSize, "batch-size", "b", cfg.Batching.MaxSize, "Flush when this many messages are buffered")
	fs.DurationVarP(&cfg.Batching.MaxWait, "max-wait", "w", cfg.Batching.MaxWait, "Flush a partial batch after this interval")
	fs.StringVar(&cfg.Batching.AckMode, "ack-mode", cfg.Batching.AckMode, "Acknowledgment of successful batches: individual or batched")

	fs.StringVarP(&cfg.Strategy.Name, "strategy", "s", cfg.Strategy.Name, "Processing strategy: console or postgres")
	fs.StringVar(&cfg.Strategy.FailMarker, "fail-marker", cfg.Strategy.FailMarker, "Console strategy fails payloads containing this text")
	fs.BoolVar(&cfg.Strategy.StopOnStrategyError, "stop-on-strategy-error", cfg.Strategy.StopOnStrategyError, "Stop consuming when the strategy returns an error")

	fs.IntVar(&cfg.Ops.Port, "ops-port", cfg.Ops.Port, "Port for /healthz, /readyz and metrics (0 disables)")
	fs.BoolVar(&cfg.Tracing.Enabled, "tracing", cfg.Tracing.Enabled, "Export flush spans over OTLP/HTTP")
	fs.StringVar(&cfg.Tracing.Endpoint, "otlp-endpoint", cfg.Tracing.Endpoint, "OTLP/HTTP collector host:port")
}

func addLoggingFlags(fs *pflag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.Logger.Level, "log-level", cfg.Logger.Level, "Log level: debug, info, warn or error")
	fs.StringVar(&cfg.Logger.Format, "log-format", cfg.Logger.Format, "Log format: json or console")
	fs.StringVar(&cfg.Logger.FileName, "log-file", cfg.Logger.FileName, "Also write logs to this rotating file")
}
