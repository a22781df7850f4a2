package maintenance

import "github.com/prometheus/client_golang/prometheus"

var (
	retentionRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckask_retention_runs_total",
			Help: "Total number of dataset retention runs by status.",
		},
		[]string{"status"},
	)
	datasetsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "duckask_datasets_expired_total",
			Help: "Total number of datasets removed by retention runs.",
		},
	)
	integrityRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckask_integrity_runs_total",
			Help: "Total number of archive integrity check runs by status.",
		},
		[]string{"status"},
	)
	integrityMissingObjectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "duckask_integrity_missing_objects_total",
			Help: "Total number of missing archived uploads detected by integrity checks.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		retentionRunsTotal,
		datasetsExpiredTotal,
		integrityRunsTotal,
		integrityMissingObjectsTotal,
	)
}
