// Package metrics holds the relay's prometheus collectors. A nil *Metrics is
// valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "collab"

type Metrics struct {
	Connections      prometheus.Gauge
	Documents        prometheus.Gauge
	Messages         *prometheus.CounterVec
	SnapshotSeconds  prometheus.Histogram
	PersistFailures  *prometheus.CounterVec
	FanoutPublished  prometheus.Counter
	FanoutApplied    prometheus.Counter
	AuthRejected     *prometheus.CounterVec
	AwarenessExpired prometheus.Counter
}

// New creates the collectors and registers them with reg. Pass
// prometheus.NewRegistry() in tests to avoid clashing with the default one.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open websocket connections.",
		}),
		Documents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "documents",
			Help:      "Replicas held in memory.",
		}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound protocol messages by kind.",
		}, []string{"kind"}),
		SnapshotSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_duration_seconds",
			Help:      "Time taken to encode, compress and store a snapshot.",
			Buckets:   prometheus.DefBuckets,
		}),
		PersistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Storage operations that failed, by operation.",
		}, []string{"op"}),
		FanoutPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_published_total",
			Help:      "Updates published to other processes.",
		}),
		FanoutApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_applied_total",
			Help:      "Updates received from other processes and applied.",
		}),
		AuthRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_rejected_total",
			Help:      "Upgrade requests refused by the gatekeeper, by reason.",
		}, []string{"reason"}),
		AwarenessExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "awareness_expired_total",
			Help:      "Presence entries removed for lack of refresh.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Connections, m.Documents, m.Messages, m.SnapshotSeconds, m.PersistFailures,
			m.FanoutPublished, m.FanoutApplied, m.AuthRejected, m.AwarenessExpired,
		)
	}
	return m
}

func (m *Metrics) SetDocuments(n int) {
	if m != nil {
		m.Documents.Set(float64(n))
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}

func (m *Metrics) Message(kind string) {
	if m != nil {
		m.Messages.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) ObserveSnapshot(seconds float64) {
	if m != nil {
		m.SnapshotSeconds.Observe(seconds)
	}
}

func (m *Metrics) PersistFailed(op string) {
	if m != nil {
		m.PersistFailures.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) Published() {
	if m != nil {
		m.FanoutPublished.Inc()
	}
}

func (m *Metrics) Applied() {
	if m != nil {
		m.FanoutApplied.Inc()
	}
}

func (m *Metrics) Rejected(reason string) {
	if m != nil {
		m.AuthRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Expired(n int) {
	if m != nil {
		m.AwarenessExpired.Add(float64(n))
	}
}
