package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	rollupRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tinystat",
		Subsystem: "rollup",
		Name:      "runs_total",
		Help:      "Rollup runs by outcome (completed, already_computed, empty, failed).",
	}, []string{"outcome"})
	rollupRecords = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tinystat",
		Subsystem: "rollup",
		Name:      "records_inserted_total",
		Help:      "Activity records inserted by rollup runs.",
	}, []string{"dimension"})
	rollupDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tinystat",
		Subsystem: "rollup",
		Name:      "groups_dropped_total",
		Help:      "Groups dropped because a reference could not be resolved.",
	})
	rollupDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tinystat",
		Subsystem: "rollup",
		Name:      "run_duration_seconds",
		Help:      "Wall time of rollup runs.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	})
	rollupLastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tinystat",
		Subsystem: "rollup",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix timestamp of the most recent successful rollup run.",
	})
	retentionDeleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tinystat",
		Subsystem: "retention",
		Name:      "deleted_total",
		Help:      "Activity records removed by the retention cleaner.",
	}, []string{"dimension"})
	retentionFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tinystat",
		Subsystem: "retention",
		Name:      "failures_total",
		Help:      "Retention deletes that failed, per dimension.",
	}, []string{"dimension"})
)

func init() {
	prometheus.MustRegister(
		rollupRuns,
		rollupRecords,
		rollupDropped,
		rollupDuration,
		rollupLastSuccess,
		retentionDeleted,
		retentionFailures,
	)
}

// RecordRollupRun counts a finished run and, unless it failed, moves the success watermark.
func RecordRollupRun(outcome string, d time.Duration, finished time.Time) {
	rollupRuns.WithLabelValues(outcome).Inc()
	rollupDuration.Observe(d.Seconds())
	if outcome != "failed" && !finished.IsZero() {
		rollupLastSuccess.Set(float64(finished.Unix()))
	}
}

// RecordRollupInserted counts inserted records for one dimension.
func RecordRollupInserted(dimension string, n int) {
	if n <= 0 {
		return
	}
	rollupRecords.WithLabelValues(dimension).Add(float64(n))
}

// RecordRollupDropped counts groups dropped from a run.
func RecordRollupDropped(n int) {
	if n <= 0 {
		return
	}
	rollupDropped.Add(float64(n))
}

// RecordRetention counts one dimension's retention outcome.
func RecordRetention(dimension string, deleted int, failed bool) {
	if failed {
		retentionFailures.WithLabelValues(dimension).Inc()
		return
	}
	if deleted > 0 {
		retentionDeleted.WithLabelValues(dimension).Add(float64(deleted))
	}
}
