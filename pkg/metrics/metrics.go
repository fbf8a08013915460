// Package metrics exposes Prometheus collectors for the task pipeline,
// model gateway, and sandbox, served on an opt-in metrics address.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/golem-sh/golem/pkg/log"
)

var (
	// Task metrics
	TasksSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "golem_tasks_submitted_total",
			Help: "Total number of tasks submitted by source",
		},
		[]string{"source"},
	)

	TasksCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "golem_tasks_completed_total",
			Help: "Total number of finished tasks by status and type",
		},
		[]string{"status", "type"},
	)

	TasksRefused = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "golem_tasks_refused_total",
			Help: "Total number of task submissions refused by guard reason",
		},
		[]string{"reason"},
	)

	TasksInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "golem_tasks_in_flight",
			Help: "Number of tasks currently executing",
		},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "golem_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"stage"},
	)

	AuditRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "golem_audit_retries_total",
			Help: "Total number of audit-triggered replans",
		},
	)

	// Model gateway metrics
	ModelCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "golem_model_calls_total",
			Help: "Total number of model calls by tier and purpose",
		},
		[]string{"tier", "purpose"},
	)

	ModelTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "golem_model_tokens_total",
			Help: "Total tokens by direction (input/output)",
		},
		[]string{"direction"},
	)

	ModelCostUSD = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "golem_model_cost_usd_total",
			Help: "Accumulated remote model spend in USD",
		},
	)

	// Sandbox metrics
	SandboxRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "golem_sandbox_runs_total",
			Help: "Total sandbox executions by backend and outcome",
		},
		[]string{"backend", "outcome"},
	)

	SandboxBlocked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "golem_sandbox_blocked_total",
			Help: "Total executions refused by the safety policy",
		},
	)
)

func init() {
	prometheus.MustRegister(TasksSubmitted)
	prometheus.MustRegister(TasksCompleted)
	prometheus.MustRegister(TasksRefused)
	prometheus.MustRegister(TasksInFlight)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(AuditRetries)
	prometheus.MustRegister(ModelCalls)
	prometheus.MustRegister(ModelTokens)
	prometheus.MustRegister(ModelCostUSD)
	prometheus.MustRegister(SandboxRuns)
	prometheus.MustRegister(SandboxBlocked)
}

// ObserveStage records one stage duration.
func ObserveStage(stage string, d time.Duration) {
	StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts the metrics endpoint on addr. A listen failure is
// logged, not fatal; metrics are optional.
func Serve(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	go func() {
		log.WithComponent("metrics").Info().Str("addr", addr).Msg("Serving metrics")
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.WithComponent("metrics").Error().Err(err).Msg("Metrics server stopped")
		}
	}()
}
