package stm

import "github.com/prometheus/client_golang/prometheus"

var (
	commitCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pstm",
			Subsystem: "stm",
			Name:      "commit_total",
			Help:      "Total number of committed transactions.",
		})

	abortCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pstm",
			Subsystem: "stm",
			Name:      "abort_total",
			Help:      "Total number of aborted transaction attempts.",
		}, []string{"reason"})

	extensionCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pstm",
			Subsystem: "stm",
			Name:      "snapshot_extension_total",
			Help:      "Total number of successful snapshot extensions.",
		})

	rolloverCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pstm",
			Subsystem: "stm",
			Name:      "clock_rollover_total",
			Help:      "Total number of commit clock rollovers.",
		})

	waitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pstm",
			Subsystem: "stm",
			Name:      "contention_wait_seconds",
			Help:      "Bucketed histogram of time spent waiting on a contended lock.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 16),
		}, []string{"cm"})
)

func init() {
	prometheus.MustRegister(commitCounter)
	prometheus.MustRegister(abortCounter)
	prometheus.MustRegister(extensionCounter)
	prometheus.MustRegister(rolloverCounter)
	prometheus.MustRegister(waitDuration)
}
