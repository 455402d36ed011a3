package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/queue-batch-consumer/config"
	"github.com/queue-batch-consumer/internal/logger"
	"github.com/queue-batch-consumer/internal/queue"
)

type publishOptions struct {
	bursts     int
	perBurst   int
	interval   time.Duration
	pause      time.Duration
	errorEvery int
}

// publisher is implemented by both broker connections
type publisher interface {
	Publish(ctx context.Context, target string, payload []byte) error
	Close() error
}

func newPublishCommand(cfg *config.Config) *cobra.Command {
	opts := publishOptions{}

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish bursts of test messages to exercise size and timer flushes",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runPublish(cmd.Context(), cfg, opts)
		},
		SilenceUsage: true,
	}

	fs := cmd.Flags()
	fs.IntVar(&opts.bursts, "bursts", 3, "Number of bursts")
	fs.IntVar(&opts.perBurst, "per-burst", 7, "Messages per burst")
	fs.DurationVar(&opts.interval, "interval", 50*time.Millisecond, "Delay between messages within a burst")
	fs.DurationVar(&opts.pause, "pause", 2*time.Second, "Delay between bursts")
	fs.IntVar(&opts.errorEvery, "error-every", 0, "Make every Nth message carry the fail marker (0 = never)")
	return cmd
}

func runPublish(ctx context.Context, cfg *config.Config, opts publishOptions) error {
	log, err := logger.New(cfg.LoggerSettings())
	if err != nil {
		return err
	}
	defer log.Sync()

	pub, target, err := openPublisher(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer pub.Close()

	sent := color.New(color.FgGreen)
	seq := 0
	for b := 1; b <= opts.bursts; b++ {
		for m := 1; m <= opts.perBurst; m++ {
			seq++
			payload := testPayload(b, m, seq, opts.errorEvery, cfg.Strategy.FailMarker)
			if err := pub.Publish(ctx, target, []byte(payload)); err != nil {
				return err
			}
			sent.Printf("  sent: %s\n", payload)

			if err := sleepCtx(ctx, opts.interval); err != nil {
				return err
			}
		}
		if b < opts.bursts {
			if err := sleepCtx(ctx, opts.pause); err != nil {
				return err
			}
		}
	}

	log.Info("All test messages sent", zap.Int("messages", seq), zap.String("target", target))
	return nil
}

func openPublisher(ctx context.Context, cfg *config.Config, log *zap.Logger) (publisher, string, error) {
	switch cfg.Broker.Kind {
	case "amqp":
		conn, err := queue.DialAMQP(amqpConfig(cfg), log)
		if err != nil {
			return nil, "", err
		}
		if err := conn.EnsureQueue(cfg.Broker.Queue); err != nil {
			conn.Close()
			return nil, "", err
		}
		return conn, cfg.Broker.Queue, nil

	case "nats":
		conn, err := queue.NewNATSConnection(natsConfig(cfg), log)
		if err != nil {
			return nil, "", err
		}
		if err := conn.EnsureStream(ctx, cfg.Broker.Queue); err != nil {
			conn.Close()
			return nil, "", err
		}
		return conn, cfg.Broker.Queue + ".messages", nil

	default:
		return nil, "", fmt.Errorf("unknown broker %q", cfg.Broker.Kind)
	}
}

// testPayload names the burst and message; every errorEvery-th message
// carries the marker so the console strategy fails it
func testPayload(burst, msg, seq, errorEvery int, marker string) string {
	payload := fmt.Sprintf("Batch %d - Message %d", burst, msg)
	if errorEvery > 0 && marker != "" && seq%errorEvery == 0 {
		payload += " " + marker
	}
	return payload
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
