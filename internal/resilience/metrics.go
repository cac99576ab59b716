package resilience

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports the health composite and circuit breaker state as
// Prometheus gauges, registered against a caller-supplied registry
// (spec §9 Open Question: telemetry routing decided as Prometheus
// metrics are the external reporting surface, separate from the typed
// events.Sink used for in-process subscribers).
type Metrics struct {
	healthScore       prometheus.Gauge
	connectivity      prometheus.Gauge
	reliability       prometheus.Gauge
	securityScore     prometheus.Gauge
	breakerOpenTotal  prometheus.Counter
	quarantinedPeers  prometheus.Gauge
}

// NewMetrics constructs the gauge/counter set.
func NewMetrics() *Metrics {
	return &Metrics{
		healthScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshfabric",
			Subsystem: "resilience",
			Name:      "health_score",
			Help:      "Composite network health score in [0,1].",
		}),
		connectivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshfabric",
			Subsystem: "resilience",
			Name:      "connectivity_ratio",
			Help:      "Connected peers divided by known peers.",
		}),
		reliability: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshfabric",
			Subsystem: "resilience",
			Name:      "reliability_score",
			Help:      "Recent path reliability score in [0,1].",
		}),
		securityScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshfabric",
			Subsystem: "resilience",
			Name:      "security_score",
			Help:      "Composite security confidence in [0,1].",
		}),
		breakerOpenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshfabric",
			Subsystem: "resilience",
			Name:      "breaker_open_total",
			Help:      "Count of circuit breaker trips to the Open state.",
		}),
		quarantinedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshfabric",
			Subsystem: "resilience",
			Name:      "quarantined_peers",
			Help:      "Number of peers currently quarantined by security monitoring.",
		}),
	}
}

// Register adds every collector to reg. Call once at startup.
func (m *Metrics) Register(reg *prometheus.Registry) error {
	for _, c := range []prometheus.Collector{m.healthScore, m.connectivity, m.reliability, m.securityScore, m.breakerOpenTotal, m.quarantinedPeers} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Observe records a health snapshot.
func (m *Metrics) Observe(snap HealthSnapshot) {
	m.healthScore.Set(snap.Score)
	m.connectivity.Set(snap.Connectivity)
	m.reliability.Set(snap.Reliability)
	m.securityScore.Set(snap.Security)
}

// ObserveBreakerTrip increments the breaker-trip counter.
func (m *Metrics) ObserveBreakerTrip() { m.breakerOpenTotal.Inc() }

// ObserveQuarantineCount sets the current quarantined-peer gauge.
func (m *Metrics) ObserveQuarantineCount(n int) { m.quarantinedPeers.Set(float64(n)) }
