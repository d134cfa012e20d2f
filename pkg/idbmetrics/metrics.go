/*
Package idbmetrics exposes Prometheus metrics for the database engine:
transaction throughput and latency, request outcomes, cursor activity,
and SQLite connection-pool pressure. It follows the same
package-level-vars-plus-init-registration shape cuemby's services use for
metrics, pruned to what this engine's operations actually produce.
*/
package idbmetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idb_transactions_total",
			Help: "Total number of transactions by mode and outcome",
		},
		[]string{"mode", "outcome"},
	)

	TransactionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "idb_transaction_duration_seconds",
			Help:    "Transaction lifetime from BeginTransaction to commit or abort",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idb_requests_total",
			Help: "Total number of requests by outcome",
		},
		[]string{"outcome"},
	)

	CursorStepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "idb_cursor_steps_total",
			Help: "Total number of cursor continue/advance operations",
		},
	)

	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "idb_commit_duration_seconds",
			Help:    "Time spent in the backend's Commit call",
			Buckets: prometheus.DefBuckets,
		},
	)

	SQLitePoolOpenHandles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "idb_sqlite_pool_open_handles",
			Help: "Database file handles currently open in the SQLite backend's name-keyed pool",
		},
	)

	AutoIncrementExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "idb_auto_increment_exhausted_total",
			Help: "Total number of ConstraintErrors from an auto-increment generator at its ceiling",
		},
	)
)

func init() {
	prometheus.MustRegister(TransactionsTotal)
	prometheus.MustRegister(TransactionDuration)
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(CursorStepsTotal)
	prometheus.MustRegister(CommitDuration)
	prometheus.MustRegister(SQLitePoolOpenHandles)
	prometheus.MustRegister(AutoIncrementExhaustedTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times one operation and reports its duration to a histogram.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(h prometheus.ObserverVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
