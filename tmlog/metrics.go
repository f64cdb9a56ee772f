package tmlog

import "github.com/prometheus/client_golang/prometheus"

var (
	truncatedFragmentCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pstm",
			Subsystem: "log",
			Name:      "truncated_fragments_total",
			Help:      "Counter of log fragments reclaimed by truncation.",
		}, []string{"type"})

	flushedLineCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pstm",
			Subsystem: "log",
			Name:      "truncation_flushed_lines_total",
			Help:      "Counter of target cache lines flushed by truncation and recovery.",
		})

	recoveredFragmentCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pstm",
			Subsystem: "log",
			Name:      "recovered_fragments_total",
			Help:      "Counter of log fragments met by recovery.",
		}, []string{"type"})

	logFullCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pstm",
			Subsystem: "log",
			Name:      "full_total",
			Help:      "Counter of appends that found the log full.",
		}, []string{"policy"})

	truncationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "pstm",
			Subsystem: "log",
			Name:      "truncation_duration_seconds",
			Help:      "Bucketed histogram of truncation round duration.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 20),
		})
)

func init() {
	prometheus.MustRegister(truncatedFragmentCounter)
	prometheus.MustRegister(flushedLineCounter)
	prometheus.MustRegister(recoveredFragmentCounter)
	prometheus.MustRegister(logFullCounter)
	prometheus.MustRegister(truncationDuration)
}
