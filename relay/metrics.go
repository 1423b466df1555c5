package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors the relay updates as sessions are
// created, attached, closed, and pumped. It is safe for concurrent use: all
// of its methods delegate to prometheus's own thread-safe collectors.
type Metrics struct {
	registry *prometheus.Registry

	sessionsCreated      prometheus.Counter
	sessionsActive       prometheus.Gauge
	sessionsClosed       *prometheus.CounterVec
	frontendAttachments  prometheus.Counter
	protocolErrors       *prometheus.CounterVec
	bytesToBackendTotal  prometheus.Counter
	bytesToFrontendTotal prometheus.Counter
	friendlyAcksTotal    prometheus.Counter
}

// NewMetrics constructs a Metrics bound to a fresh, private Prometheus
// registry so relay metrics never collide with anything else linked into
// the same process.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wsshrelay_sessions_created_total",
			Help: "Total number of sessions created via /proxy.",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wsshrelay_sessions_active",
			Help: "Number of sessions currently registered.",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wsshrelay_sessions_closed_total",
			Help: "Total number of sessions closed, by reason.",
		}, []string{"reason"}),
		frontendAttachments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wsshrelay_frontend_attachments_total",
			Help: "Total number of successful /connect adoptions, including reconnects.",
		}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wsshrelay_protocol_errors_total",
			Help: "Total number of protocol violations observed on /connect, by kind.",
		}, []string{"kind"}),
		bytesToBackendTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wsshrelay_bytes_to_backend_total",
			Help: "Total bytes forwarded from frontends to backend sockets.",
		}),
		bytesToFrontendTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wsshrelay_bytes_to_frontend_total",
			Help: "Total bytes forwarded from backend sockets to frontends.",
		}),
		friendlyAcksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wsshrelay_friendly_acks_total",
			Help: "Total number of empty-payload friendly-release frames sent.",
		}),
	}

	m.registry.MustRegister(
		m.sessionsCreated,
		m.sessionsActive,
		m.sessionsClosed,
		m.frontendAttachments,
		m.protocolErrors,
		m.bytesToBackendTotal,
		m.bytesToFrontendTotal,
		m.friendlyAcksTotal,
	)

	return m
}

// Registry exposes the private Prometheus registry for wiring into an HTTP
// handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) sessionCreated() {
	m.sessionsCreated.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) sessionClosed(reason string) {
	m.sessionsActive.Dec()
	m.sessionsClosed.WithLabelValues(reason).Inc()
}

func (m *Metrics) frontendAttached() {
	m.frontendAttachments.Inc()
}

func (m *Metrics) protocolError(kind string) {
	m.protocolErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) bytesToBackend(n int) {
	m.bytesToBackendTotal.Add(float64(n))
}

func (m *Metrics) bytesToFrontend(n int) {
	m.bytesToFrontendTotal.Add(float64(n))
}

func (m *Metrics) friendlyAck() {
	m.friendlyAcksTotal.Inc()
}
