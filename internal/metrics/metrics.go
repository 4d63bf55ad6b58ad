// Package metrics registers the pipeline's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksSubmitted counts accepted submissions by kind.
	TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genpipeline_tasks_submitted_total",
		Help: "Total number of tasks accepted by the gateway by kind",
	}, []string{"kind"})

	// TasksRejected counts submissions refused before a task was created.
	TasksRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genpipeline_tasks_rejected_total",
		Help: "Total number of rejected submissions by reason",
	}, []string{"reason"}) // reason: validation, quota, internal

	// TasksFinished counts terminal outcomes.
	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genpipeline_tasks_finished_total",
		Help: "Total number of tasks reaching a terminal state by kind and status",
	}, []string{"kind", "status"})

	// GeneratorAttempts counts generator calls by outcome.
	GeneratorAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genpipeline_generator_attempts_total",
		Help: "Total number of generator invocations by kind and outcome",
	}, []string{"kind", "outcome"}) // outcome: ok, transient, permanent, timeout

	// GeneratorDuration tracks the latency of a single generator attempt.
	GeneratorDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "genpipeline_generator_duration_seconds",
		Help:    "Time taken by one generator attempt by kind",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"kind"})

	// WorkersBusy tracks executor slots in use.
	WorkersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "genpipeline_workers_busy",
		Help: "Number of executor slots currently running a task",
	})

	// BrokerDropped counts progress events dropped on a full subscriber buffer.
	BrokerDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "genpipeline_broker_dropped_events_total",
		Help: "Total number of progress events dropped for slow subscribers",
	})

	// BrokerSubscribers tracks open progress subscriptions.
	BrokerSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "genpipeline_broker_subscribers",
		Help: "Number of open progress subscriptions",
	})

	// BalanceCacheLookups counts balance reads by result.
	BalanceCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genpipeline_balance_cache_lookups_total",
		Help: "Total number of balance cache lookups by result",
	}, []string{"result"}) // result: hit, miss, error

	// CreditOperations counts ledger mutations by operation and result.
	CreditOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genpipeline_credit_operations_total",
		Help: "Total number of ledger operations by operation and result",
	}, []string{"op", "result"})

	// UploadConfirms counts confirm outcomes.
	UploadConfirms = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "genpipeline_upload_confirms_total",
		Help: "Total number of upload confirmations by outcome",
	}, []string{"outcome"})

	// UploadsReaped counts expired prepares marked failed.
	UploadsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "genpipeline_uploads_reaped_total",
		Help: "Total number of expired pending uploads marked failed",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
