package sink

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ledgerRowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_rows_total",
			Help: "Messages handled by the postgres strategy by result (inserted, duplicate, failed)",
		},
		[]string{"result"},
	)

	ledgerBatchErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_batch_errors_total",
			Help: "Batches whose ledger transaction could not be committed",
		},
	)

	metricsOnce sync.Once
)

func init() {
	metricsOnce.Do(func() {
		prometheus.DefaultRegisterer.MustRegister(ledgerRowsTotal)
		prometheus.DefaultRegisterer.MustRegister(ledgerBatchErrorsTotal)
	})
}
