package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	translationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckask_translations_total",
			Help: "Total number of natural-language translations by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)
	translationLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duckask_translation_latency_ms",
			Help:    "Model backend round-trip latency in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		},
		[]string{"provider"},
	)
	guardRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckask_guard_rejections_total",
			Help: "Total number of candidate queries rejected by the query guard, by reason code.",
		},
		[]string{"reason"},
	)
	queryExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckask_query_executions_total",
			Help: "Total number of bounded queries executed, by outcome.",
		},
		[]string{"outcome"},
	)
	queryLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "duckask_query_latency_ms",
			Help:    "Store execution latency in milliseconds.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		},
	)
	datasetLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckask_dataset_loads_total",
			Help: "Total number of CSV dataset loads, by outcome.",
		},
		[]string{"outcome"},
	)
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "duckask_active_sessions",
			Help: "Number of live sessions.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		translationsTotal,
		translationLatencyMs,
		guardRejectionsTotal,
		queryExecutionsTotal,
		queryLatencyMs,
		datasetLoadsTotal,
		activeSessions,
	)
}

func ObserveTranslation(provider string, err error, elapsed time.Duration) {
	translationsTotal.WithLabelValues(provider, outcomeLabel(err)).Inc()
	translationLatencyMs.WithLabelValues(provider).Observe(float64(elapsed.Milliseconds()))
}

func IncrementGuardRejection(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	guardRejectionsTotal.WithLabelValues(reason).Inc()
}

func ObserveQueryExecution(err error, elapsed time.Duration) {
	queryExecutionsTotal.WithLabelValues(outcomeLabel(err)).Inc()
	queryLatencyMs.Observe(float64(elapsed.Milliseconds()))
}

func ObserveDatasetLoad(err error) {
	datasetLoadsTotal.WithLabelValues(outcomeLabel(err)).Inc()
}

func SetActiveSessions(count int) {
	if count < 0 {
		count = 0
	}
	activeSessions.Set(float64(count))
}

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
