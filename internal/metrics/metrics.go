// Package metrics exposes Prometheus collectors for the relay and its session cache.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "adrelay"

// Session removal reasons.
const (
	ReasonExpired  = "expired"
	ReasonRemoved  = "removed"
	ReasonReplaced = "replaced"
	ReasonShutdown = "shutdown"
)

// Relay outcomes, used as the "result" label.
const (
	ResultSuccess = "success"
	ResultFail    = "fail"
	ResultError   = "error"
)

// Metrics holds every collector the relay reports.
// All methods are nil-safe: calls on a nil *Metrics are no-ops.
type Metrics struct {
	// SessionsCreated counts session entries created.
	SessionsCreated prometheus.Counter

	// SessionsRemoved counts session entries dropped, labeled by reason.
	SessionsRemoved *prometheus.CounterVec

	// SessionsActive tracks entries currently held in the cache.
	SessionsActive prometheus.Gauge

	// SessionLifetime observes how long entries lived, in seconds.
	SessionLifetime prometheus.Histogram

	// Handshakes counts relay decisions by stage and result.
	// Stage values: "cached", "challenge", "negotiate", "authenticate".
	Handshakes *prometheus.CounterVec

	// BindDuration observes domain controller round trips by stage.
	BindDuration *prometheus.HistogramVec
}

// New creates and registers the collectors with reg. If reg is nil the
// collectors are created but not registered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "created_total",
			Help:      "Total number of relay sessions created",
		}),
		SessionsRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "removed_total",
			Help:      "Total number of relay sessions removed",
		}, []string{"reason"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Current number of relay sessions",
		}),
		SessionLifetime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "lifetime_seconds",
			Help:      "Lifetime of relay sessions in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 16), // 100ms to ~55 minutes
		}),
		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "handshakes_total",
			Help:      "NTLM relay decisions by stage and result",
		}, []string{"stage", "result"}),
		BindDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "bind_duration_seconds",
			Help:      "Duration of SASL bind exchanges with the domain controller",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
	}

	if reg != nil {
		m.SessionsCreated = registerOrReuse(reg, m.SessionsCreated).(prometheus.Counter)
		m.SessionsRemoved = registerOrReuse(reg, m.SessionsRemoved).(*prometheus.CounterVec)
		m.SessionsActive = registerOrReuse(reg, m.SessionsActive).(prometheus.Gauge)
		m.SessionLifetime = registerOrReuse(reg, m.SessionLifetime).(prometheus.Histogram)
		m.Handshakes = registerOrReuse(reg, m.Handshakes).(*prometheus.CounterVec)
		m.BindDuration = registerOrReuse(reg, m.BindDuration).(*prometheus.HistogramVec)
	}

	return m
}

// registerOrReuse registers c, returning the existing collector when an
// identical one is already registered. Panics on any other failure.
func registerOrReuse(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}

// SessionCreated records a new cache entry.
func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
	m.SessionsActive.Inc()
}

// SessionRemoved records an entry leaving the cache.
func (m *Metrics) SessionRemoved(reason string, lifetime time.Duration) {
	if m == nil {
		return
	}
	m.SessionsRemoved.WithLabelValues(reason).Inc()
	m.SessionsActive.Dec()
	m.SessionLifetime.Observe(lifetime.Seconds())
}

// Handshake records one relay decision.
func (m *Metrics) Handshake(stage, result string) {
	if m == nil {
		return
	}
	m.Handshakes.WithLabelValues(stage, result).Inc()
}

// ObserveBind records the duration of a bind exchange.
func (m *Metrics) ObserveBind(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.BindDuration.WithLabelValues(stage).Observe(d.Seconds())
}
