package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of the governance layer.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	// Quota metrics
	QuotaDecisions *prometheus.CounterVec

	// Cache metrics
	CacheLookups *prometheus.CounterVec

	// Abuse metrics
	StrikeReports *prometheus.CounterVec
	BanChanges    *prometheus.CounterVec

	// Embedding pipeline metrics
	EmbeddedItems    prometheus.Counter
	RetryOutcomes    *prometheus.CounterVec
	RetryQueueDepth  prometheus.Gauge
	QueueDepthAlert  prometheus.Gauge
	ProviderLatency  *prometheus.HistogramVec
	ProviderFailures *prometheus.CounterVec
}

// NewMetrics registers all metrics on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		QuotaDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatguard_quota_decisions_total",
			Help: "Quota admission decisions by feature and outcome",
		}, []string{"feature", "outcome"}), // outcome: admitted, denied_hourly, denied_monthly, error

		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatguard_cache_lookups_total",
			Help: "Result cache lookups by feature and outcome",
		}, []string{"feature", "outcome"}), // outcome: hit, miss_absent, miss_stale_age, miss_stale_delta

		StrikeReports: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatguard_strike_reports_total",
			Help: "Abuse reports appended to the strike ledger by reason",
		}, []string{"reason"}),

		BanChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatguard_ban_notifications_total",
			Help: "Ban policy notifications by kind",
		}, []string{"kind"}),

		EmbeddedItems: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatguard_embedded_items_total",
			Help: "Messages embedded and written to the vector index",
		}),

		RetryOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatguard_retry_outcomes_total",
			Help: "Retry queue outcomes (enqueued, acked, rescheduled, dead_lettered)",
		}, []string{"outcome"}),

		RetryQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatguard_retry_queue_depth",
			Help: "Items waiting in the embedding retry queue",
		}),

		QueueDepthAlert: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatguard_retry_queue_alerting",
			Help: "1 while the retry queue depth is above the alert threshold",
		}),

		ProviderLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatguard_provider_request_duration_seconds",
			Help:    "External AI provider latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),

		ProviderFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatguard_provider_failures_total",
			Help: "External AI provider failures",
		}, []string{"provider"}),
	}
}

// RecordQuotaDecision records one admission outcome
func (m *Metrics) RecordQuotaDecision(feature, outcome string) {
	if m == nil {
		return
	}
	m.QuotaDecisions.WithLabelValues(feature, outcome).Inc()
}

// RecordCacheLookup records one cache lookup outcome
func (m *Metrics) RecordCacheLookup(feature, outcome string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(feature, outcome).Inc()
}

// RecordStrike records an appended strike report
func (m *Metrics) RecordStrike(reason string) {
	if m == nil {
		return
	}
	m.StrikeReports.WithLabelValues(reason).Inc()
}

// RecordBanNotification records a ban policy notification
func (m *Metrics) RecordBanNotification(kind string) {
	if m == nil {
		return
	}
	m.BanChanges.WithLabelValues(kind).Inc()
}

// RecordEmbedded records n successfully embedded items
func (m *Metrics) RecordEmbedded(n int) {
	if m == nil {
		return
	}
	m.EmbeddedItems.Add(float64(n))
}

// RecordRetryOutcome records a retry queue transition
func (m *Metrics) RecordRetryOutcome(outcome string) {
	if m == nil {
		return
	}
	m.RetryOutcomes.WithLabelValues(outcome).Inc()
}

// SetQueueDepth publishes the current retry queue depth and alert state
func (m *Metrics) SetQueueDepth(depth int64, alerting bool) {
	if m == nil {
		return
	}
	m.RetryQueueDepth.Set(float64(depth))
	if alerting {
		m.QueueDepthAlert.Set(1)
	} else {
		m.QueueDepthAlert.Set(0)
	}
}

// RecordProviderCall records latency and failure of an external provider call
func (m *Metrics) RecordProviderCall(provider string, seconds float64, failed bool) {
	if m == nil {
		return
	}
	m.ProviderLatency.WithLabelValues(provider).Observe(seconds)
	if failed {
		m.ProviderFailures.WithLabelValues(provider).Inc()
	}
}
