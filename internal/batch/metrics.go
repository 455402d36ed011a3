package batch

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for batch consumption
var (
	batchFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_flushes_total",
			Help: "Total number of batch flushes by trigger",
		},
		[]string{"queue", "trigger"}, // size, timer
	)

	batchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "batch_size_messages",
			Help:    "Number of messages in each processed batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	batchStrategyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "batch_strategy_duration_seconds",
			Help:    "Time spent in the processing strategy per batch",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"}, // success, partial_failure, total_failure, error
	)

	batchDispositionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_dispositions_total",
			Help: "Total number of terminal dispositions issued per message",
		},
		[]string{"disposition"}, // ack, nack
	)

	batchAckErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_ack_errors_total",
			Help: "Total number of failed acknowledgment calls",
		},
		[]string{"op"}, // ack, ack_multiple, nack
	)

	batchBufferedMessages = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "batch_buffered_messages",
			Help: "Number of messages waiting in the batch buffer",
		},
		[]string{"queue"},
	)

	batchMessagesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "batch_messages_received_total",
			Help: "Total messages received per queue and routing key (hashed)",
		},
		[]string{"queue", "routing_key_hash"},
	)

	metricsOnce sync.Once
)

func init() {
	metricsOnce.Do(func() {
		prometheus.DefaultRegisterer.MustRegister(batchFlushesTotal)
		prometheus.DefaultRegisterer.MustRegister(batchSize)
		prometheus.DefaultRegisterer.MustRegister(batchStrategyDuration)
		prometheus.DefaultRegisterer.MustRegister(batchDispositionsTotal)
		prometheus.DefaultRegisterer.MustRegister(batchAckErrorsTotal)
		prometheus.DefaultRegisterer.MustRegister(batchBufferedMessages)
		prometheus.DefaultRegisterer.MustRegister(batchMessagesReceivedTotal)
	})
}
