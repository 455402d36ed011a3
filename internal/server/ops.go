package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/queue-batch-consumer/internal/batch"
)

// ConsumerState is implemented by *batch.Consumer
type ConsumerState interface {
	Queue() string
	State() batch.State
}

// ReadinessCheck reports whether a dependency is usable
type ReadinessCheck func(ctx context.Context) error

// OpsConfig configures the operational HTTP endpoints
type OpsConfig struct {
	MetricsPath  string
	CheckTimeout time.Duration
	Gatherer     prometheus.Gatherer
}

// Ops serves liveness, readiness and metrics for the consumer process
type Ops struct {
	config    OpsConfig
	consumers []ConsumerState
	checks    map[string]ReadinessCheck
	logger    *zap.Logger
}

type consumerStatus struct {
	Queue string `json:"queue"`
	State string `json:"state"`
}

type readinessResponse struct {
	Status    string            `json:"status"`
	Consumers []consumerStatus  `json:"consumers"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// NewOps creates the ops endpoints for consumers
func NewOps(config OpsConfig, consumers []ConsumerState, logger *zap.Logger) *Ops {
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = 2 * time.Second
	}
	if config.Gatherer == nil {
		config.Gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Ops{
		config:    config,
		consumers: consumers,
		checks:    make(map[string]ReadinessCheck),
		logger:    logger,
	}
}

// AddCheck registers a named readiness check
func (o *Ops) AddCheck(name string, check ReadinessCheck) {
	o.checks[name] = check
}

// Handler returns the traced router
func (o *Ops) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", o.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/readyz", o.handleReady).Methods(http.MethodGet)
	router.Handle(o.config.MetricsPath, promhttp.HandlerFor(o.config.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	return otelhttp.NewHandler(router, "ops")
}

func (o *Ops) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady is ready while every consumer loop is running and every check passes
func (o *Ops) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := readinessResponse{Status: "ready"}
	status := http.StatusOK

	for _, c := range o.consumers {
		state := c.State()
		resp.Consumers = append(resp.Consumers, consumerStatus{Queue: c.Queue(), State: state.String()})
		if state == batch.StateStopped {
			status = http.StatusServiceUnavailable
		}
	}

	if len(o.checks) > 0 {
		resp.Checks = make(map[string]string, len(o.checks))
		ctx, cancel := context.WithTimeout(r.Context(), o.config.CheckTimeout)
		defer cancel()

		for name, check := range o.checks {
			if err := check(ctx); err != nil {
				o.logger.Warn("Readiness check failed", zap.String("check", name), zap.Error(err))
				resp.Checks[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
	}

	if status != http.StatusOK {
		resp.Status = "not_ready"
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
