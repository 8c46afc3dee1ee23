package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"nftledger/services/settlementd/models"
)

// SettlementMetrics bundles the collectors of the settlement daemon. It
// satisfies the observer interfaces of the lock, referral, notify, engine and
// recon packages.
type SettlementMetrics struct {
	settlements    *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	lockContention *prometheus.CounterVec
	lockExhausted  *prometheus.CounterVec
	notifications  *prometheus.CounterVec
	tierChanges    *prometheus.CounterVec
	reconRuns      *prometheus.CounterVec
	reconRows      prometheus.Gauge
	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
}

var (
	settlementMetricsOnce sync.Once
	settlementRegistry    *SettlementMetrics
)

// Settlement returns the lazily-initialised settlement metrics registry.
func Settlement() *SettlementMetrics {
	settlementMetricsOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftledger",
				Subsystem: "settlement",
				Name:      "settlements_total",
				Help:      "Settlement attempts segmented by transaction kind and outcome.",
			}, []string{"kind", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "nftledger",
				Subsystem: "settlement",
				Name:      "settlement_duration_seconds",
				Help:      "Time spent settling a confirmation, lock wait included.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"kind"}),
			lockContention: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftledger",
				Subsystem: "settlement",
				Name:      "lock_contention_total",
				Help:      "Lock acquisitions that found the key held and had to wait.",
			}, []string{"type"}),
			lockExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftledger",
				Subsystem: "settlement",
				Name:      "lock_exhausted_total",
				Help:      "Lock acquisitions abandoned after the retry budget ran out.",
			}, []string{"type"}),
			notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftledger",
				Subsystem: "settlement",
				Name:      "notifications_total",
				Help:      "Notification deliveries segmented by template and outcome.",
			}, []string{"template", "outcome"}),
			tierChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftledger",
				Subsystem: "settlement",
				Name:      "tier_changes_total",
				Help:      "Referral tier promotions and demotions.",
			}, []string{"from", "to"}),
			reconRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftledger",
				Subsystem: "settlement",
				Name:      "recon_runs_total",
				Help:      "Reconciliation sweeps segmented by outcome.",
			}, []string{"outcome"}),
			reconRows: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "nftledger",
				Subsystem: "settlement",
				Name:      "recon_last_rows",
				Help:      "Processing transactions examined by the most recent sweep.",
			}),
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftledger",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests segmented by route and status code.",
			}, []string{"route", "status"}),
			requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "nftledger",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			settlementRegistry.settlements,
			settlementRegistry.latency,
			settlementRegistry.lockContention,
			settlementRegistry.lockExhausted,
			settlementRegistry.notifications,
			settlementRegistry.tierChanges,
			settlementRegistry.reconRuns,
			settlementRegistry.reconRows,
			settlementRegistry.requests,
			settlementRegistry.requestLatency,
		)
	})
	return settlementRegistry
}

// SettlementObserved records one settlement attempt.
func (m *SettlementMetrics) SettlementObserved(kind, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	kind = label(kind)
	m.settlements.WithLabelValues(kind, label(outcome)).Inc()
	m.latency.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// LockContended counts a wait on a held lock.
func (m *SettlementMetrics) LockContended(lockType string) {
	if m == nil {
		return
	}
	m.lockContention.WithLabelValues(label(lockType)).Inc()
}

// LockExhausted counts an abandoned lock acquisition.
func (m *SettlementMetrics) LockExhausted(lockType string) {
	if m == nil {
		return
	}
	m.lockExhausted.WithLabelValues(label(lockType)).Inc()
}

// NotificationResult counts a notification delivery outcome.
func (m *SettlementMetrics) NotificationResult(templateID, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(label(templateID), label(outcome)).Inc()
}

// TierChanged counts a referral tier transition.
func (m *SettlementMetrics) TierChanged(from, to models.Tier) {
	if m == nil {
		return
	}
	m.tierChanges.WithLabelValues(label(string(from)), label(string(to))).Inc()
}

// ReconRunObserved counts a reconciliation sweep.
func (m *SettlementMetrics) ReconRunObserved(outcome string, rows int) {
	if m == nil {
		return
	}
	m.reconRuns.WithLabelValues(label(outcome)).Inc()
	m.reconRows.Set(float64(rows))
}

// ObserveRequest records the outcome of an HTTP request. The status code should
// be the one ultimately written to the response writer.
func (m *SettlementMetrics) ObserveRequest(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = label(route)
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.requestLatency.WithLabelValues(route).Observe(duration.Seconds())
}

func label(v string) string {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
