// Package metrics holds the Prometheus collectors for ingestion, snapshots
// and the HTTP surface. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "revenue_tracker"

// Cycle outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Metrics bundles every collector the service exports.
type Metrics struct {
	cyclesTotal         *prometheus.CounterVec
	cycleDuration       prometheus.Histogram
	paymentsInserted    prometheus.Counter
	detailFailures      prometheus.Counter
	failedTxids         prometheus.Gauge
	gaveUpTxids         prometheus.Counter
	chainHead           prometheus.Gauge
	lastSuccess         prometheus.Gauge
	snapshotsTotal      *prometheus.CounterVec
	consecutiveFailures *prometheus.GaugeVec
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		cyclesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_cycles_total",
			Help:      "progressive sync cycles by outcome",
		}, []string{"outcome"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_cycle_duration_seconds",
			Help:      "wall time of one progressive sync cycle",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17m
		}),
		paymentsInserted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_inserted_total",
			Help:      "payment rows newly written to the store",
		}),
		detailFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detail_fetch_failures_total",
			Help:      "transaction detail fetches that exhausted their retries",
		}),
		failedTxids: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "failed_txids",
			Help:      "entries in the failed-txid registry",
		}),
		gaveUpTxids: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gave_up_txids_total",
			Help:      "txids abandoned after the attempt ceiling",
		}),
		chainHead: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chain_head_block",
			Help:      "chain height recorded by the last completed cycle",
		}),
		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_last_success_timestamp_seconds",
			Help:      "unix time of the last completed cycle",
		}),
		snapshotsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_checks_total",
			Help:      "daily snapshot checks by outcome",
		}, []string{"outcome"}),
		consecutiveFailures: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consecutive_failures",
			Help:      "consecutive failures per background component",
		}, []string{"component"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// ObserveCycle records the outcome and duration of a sync cycle.
func (m *Metrics) ObserveCycle(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.cyclesTotal.WithLabelValues(outcome).Inc()
	if outcome != OutcomeSkipped {
		m.cycleDuration.Observe(d.Seconds())
	}
}

// CycleCompleted records a committed cycle.
func (m *Metrics) CycleCompleted(inserted int, chainHead int64, at time.Time) {
	if m == nil {
		return
	}
	m.paymentsInserted.Add(float64(inserted))
	m.chainHead.Set(float64(chainHead))
	m.lastSuccess.Set(float64(at.Unix()))
}

// DetailFailed counts one exhausted detail fetch.
func (m *Metrics) DetailFailed() {
	if m == nil {
		return
	}
	m.detailFailures.Inc()
}

// TxidGaveUp counts one abandoned txid.
func (m *Metrics) TxidGaveUp() {
	if m == nil {
		return
	}
	m.gaveUpTxids.Inc()
}

// SetFailedTxids sets the registry size.
func (m *Metrics) SetFailedTxids(n int) {
	if m == nil {
		return
	}
	m.failedTxids.Set(float64(n))
}

// SnapshotCheck records a snapshot check outcome.
func (m *Metrics) SnapshotCheck(outcome string) {
	if m == nil {
		return
	}
	m.snapshotsTotal.WithLabelValues(outcome).Inc()
}

// SetConsecutiveFailures sets the failure streak for component.
func (m *Metrics) SetConsecutiveFailures(component string, n int) {
	if m == nil {
		return
	}
	m.consecutiveFailures.WithLabelValues(component).Set(float64(n))
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
