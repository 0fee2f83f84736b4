// Package metrics exports Prometheus metrics for till operations.
//
// Init registers the collectors once per process. Every Observe/Inc/Set
// function is safe to call before Init (it does nothing), so tests and tools
// that never start the HTTP server do not need a registry.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricPrefix = "till_"

	ResultSuccess = "success"
	ResultError   = "error"
)

var (
	registerOnce sync.Once

	operationsTotal  *prometheus.CounterVec
	operationLatency *prometheus.HistogramVec
	movementsTotal   *prometheus.CounterVec
	overShortAmount  *prometheus.HistogramVec
	staleOpenTills   prometheus.Gauge
)

// Init registers till metrics with the default registry.
func Init() {
	registerOnce.Do(func() {
		operationsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "operations_total",
				Help: "Total till operations by operation and result",
			},
			[]string{"operation", "result"},
		)
		operationLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "operation_latency_seconds",
				Help:    "Till operation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		)
		movementsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "movements_total",
				Help: "Total recorded movements by kind and result",
			},
			[]string{"kind", "result"},
		)
		overShortAmount = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "close_over_short_amount",
				Help:    "Absolute over/short at close, by result",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 50, 100, 500},
			},
			[]string{"result"},
		)
		staleOpenTills = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "stale_open_sessions",
				Help: "Open till sessions older than the stale threshold",
			},
		)
		prometheus.MustRegister(
			operationsTotal,
			operationLatency,
			movementsTotal,
			overShortAmount,
			staleOpenTills,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveOperation records an operation's result and latency.
func ObserveOperation(operation, result string, duration time.Duration) {
	if result == "" {
		result = ResultSuccess
	}
	if operationsTotal != nil {
		operationsTotal.WithLabelValues(operation, result).Inc()
	}
	if operationLatency != nil {
		operationLatency.WithLabelValues(operation).Observe(duration.Seconds())
	}
}

// IncMovement counts a movement attempt.
func IncMovement(kind, result string) {
	if kind == "" {
		kind = "unknown"
	}
	if movementsTotal != nil {
		movementsTotal.WithLabelValues(kind, result).Inc()
	}
}

// ObserveOverShort records the magnitude of a close discrepancy.
// result is "balanced", "over" or "short".
func ObserveOverShort(result string, amount float64) {
	if amount < 0 {
		amount = -amount
	}
	if overShortAmount != nil {
		overShortAmount.WithLabelValues(result).Observe(amount)
	}
}

// SetStaleOpenTills sets the stale session gauge.
func SetStaleOpenTills(n int) {
	if staleOpenTills != nil {
		staleOpenTills.Set(float64(n))
	}
}
