package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "datakit_build_info",
			Help: "Build information of datakit",
		},
		[]string{"version", "commit", "date"},
	)

	FetchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datakit_fetch_requests_total",
			Help: "Total number of upstream API requests",
		},
		[]string{"source", "status"},
	)

	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datakit_fetch_duration_seconds",
			Help:    "Duration of connector fetches",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~410s
		},
		[]string{"source"},
	)

	RecordsFetchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datakit_records_fetched_total",
			Help: "Total number of records fetched from upstream sources",
		},
		[]string{"source"},
	)

	MergeRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datakit_merge_records_total",
			Help: "Total number of records handled by dataset merges",
		},
		[]string{"source", "action"},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "datakit_runs_total",
			Help: "Total number of pipeline runs",
		},
		[]string{"source", "status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datakit_run_duration_seconds",
			Help:    "Duration of pipeline runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"source"},
	)
)
