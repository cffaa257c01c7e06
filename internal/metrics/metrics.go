// Package metrics holds the node's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const DefaultNamespace = "ilpnode"

type Metrics struct {
	registry *prometheus.Registry

	// Packet metrics
	Packets     *prometheus.CounterVec
	HoldSeconds prometheus.Histogram
	InFlight    prometheus.Gauge

	// Routing metrics
	Routes          prometheus.Gauge
	RouteBroadcasts *prometheus.CounterVec

	// Session metrics
	Handshakes      *prometheus.CounterVec
	OpenFailures    prometheus.Counter
	SettlementCalls *prometheus.CounterVec
}

// New registers a fresh set of collectors on a private registry, so several
// nodes can live in one process.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Packets: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connector",
			Name:      "packets_total",
			Help:      "Prepare packets by final outcome and ILP error code",
		}, []string{"outcome", "code"}),
		HoldSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "connector",
			Name:      "hold_seconds",
			Help:      "Time a forwarded Prepare was held before it resolved",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connector",
			Name:      "in_flight",
			Help:      "Prepare packets currently held",
		}),
		Routes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "routes",
			Help:      "Rows in the routing table",
		}),
		RouteBroadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "broadcasts_total",
			Help:      "Route vectors sent to peers by result",
		}, []string{"result"}),
		Handshakes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "handshakes_total",
			Help:      "Session handshakes by role and result",
		}, []string{"role", "result"}),
		OpenFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "open_failures_total",
			Help:      "Sealed frames that failed authentication",
		}),
		SettlementCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "calls_total",
			Help:      "Settlement scheme invocations by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) IncPacket(outcome, code string) {
	if m == nil {
		return
	}
	m.Packets.WithLabelValues(outcome, code).Inc()
}

func (m *Metrics) ObserveHold(d time.Duration) {
	if m == nil {
		return
	}
	m.HoldSeconds.Observe(d.Seconds())
}

func (m *Metrics) AddInFlight(delta float64) {
	if m == nil {
		return
	}
	m.InFlight.Add(delta)
}

func (m *Metrics) SetRoutes(n int) {
	if m == nil {
		return
	}
	m.Routes.Set(float64(n))
}

func (m *Metrics) IncBroadcast(ok bool) {
	if m == nil {
		return
	}
	m.RouteBroadcasts.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) IncHandshake(role string, ok bool) {
	if m == nil {
		return
	}
	m.Handshakes.WithLabelValues(role, result(ok)).Inc()
}

func (m *Metrics) IncOpenFailure() {
	if m == nil {
		return
	}
	m.OpenFailures.Inc()
}

func (m *Metrics) IncSettlement(ok bool) {
	if m == nil {
		return
	}
	m.SettlementCalls.WithLabelValues(result(ok)).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
