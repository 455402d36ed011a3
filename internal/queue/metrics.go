package queue

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for broker adapters
var (
	queueLagMessages = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_lag_messages",
			Help: "Number of messages pending in the stream (not yet delivered to the consumer)",
		},
		[]string{"queue"},
	)

	queueAckPendingMessages = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_ack_pending_messages",
			Help: "Number of messages delivered to the consumer but not yet acknowledged",
		},
		[]string{"queue"},
	)

	inFlightDeliveries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_in_flight_deliveries",
			Help: "JetStream deliveries handed to a local consumer and awaiting a disposition",
		},
		[]string{"broker"},
	)

	unknownDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_unknown_deliveries_total",
			Help: "Dispositions requested for delivery ids the adapter was not tracking",
		},
		[]string{"broker", "op"},
	)

	natsReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nats_reconnects_total",
			Help: "Total number of NATS reconnection events",
		},
	)

	amqpChannelClosuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "amqp_channel_closures_total",
			Help: "Total number of AMQP channels closed by the broker with an error",
		},
	)

	metricsOnce sync.Once
)

func init() {
	metricsOnce.Do(func() {
		prometheus.DefaultRegisterer.MustRegister(queueLagMessages)
		prometheus.DefaultRegisterer.MustRegister(queueAckPendingMessages)
		prometheus.DefaultRegisterer.MustRegister(inFlightDeliveries)
		prometheus.DefaultRegisterer.MustRegister(unknownDeliveriesTotal)
		prometheus.DefaultRegisterer.MustRegister(natsReconnectsTotal)
		prometheus.DefaultRegisterer.MustRegister(amqpChannelClosuresTotal)
	})
}
