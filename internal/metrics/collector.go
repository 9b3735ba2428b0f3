package sessionmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "rpcsession"
	subsystem = "runtime"
)

// Label names.
const (
	labelRole      = "role"       // "client" or "server"
	labelSlabClass = "slab_class" // pool block size class, as a string
	labelAction    = "action"     // "accept", "redirect", "reject"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Session Runtime Metrics
// -------------------------------------------------------------------------

// Collector holds all session-runtime Prometheus metrics.
//
//   - Sessions/Connections gauges track currently live state.
//   - PoolFreeBlocks exposes free-list pressure per slab class.
//   - FinRoundTrips and SetupOutcomes counters record protocol-level events
//     for alerting on handshake or teardown anomalies.
type Collector struct {
	// SessionsOnline tracks the number of Sessions currently in state
	// ONLINE, labeled by role.
	SessionsOnline *prometheus.GaugeVec

	// Connections tracks the number of currently bound Connections,
	// labeled by role.
	Connections *prometheus.GaugeVec

	// PoolFreeBlocks tracks the free-block count per pool slab class.
	PoolFreeBlocks *prometheus.GaugeVec

	// FinRoundTrips counts completed FIN_REQ/FIN_RSP exchanges.
	FinRoundTrips prometheus.Counter

	// SetupOutcomes counts SETUP_RSP outcomes, labeled by action.
	SetupOutcomes *prometheus.CounterVec
}

// NewCollector creates a Collector with all metrics registered against the
// provided prometheus.Registerer. If reg is nil, prometheus.DefaultRegisterer
// is used.
//
// All metrics are created with the "rpcsession_runtime_" prefix
// (namespace_subsystem) to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.SessionsOnline,
		c.Connections,
		c.PoolFreeBlocks,
		c.FinRoundTrips,
		c.SetupOutcomes,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		SessionsOnline: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_online",
			Help:      "Number of sessions currently in state ONLINE.",
		}, []string{labelRole}),

		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections",
			Help:      "Number of currently bound connections.",
		}, []string{labelRole}),

		PoolFreeBlocks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pool_free_blocks",
			Help:      "Number of free task-pool blocks per slab class.",
		}, []string{labelSlabClass}),

		FinRoundTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "fin_round_trips_total",
			Help:      "Total completed FIN_REQ/FIN_RSP exchanges.",
		}),

		SetupOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "setup_outcomes_total",
			Help:      "Total SETUP_RSP outcomes, labeled by action.",
		}, []string{labelAction}),
	}
}

// -------------------------------------------------------------------------
// Session/Connection Lifecycle
// -------------------------------------------------------------------------

// RegisterSessionOnline increments the sessions-online gauge for role.
// Called when a Session's FSM reaches ONLINE.
func (c *Collector) RegisterSessionOnline(role string) {
	c.SessionsOnline.WithLabelValues(role).Inc()
}

// UnregisterSessionOnline decrements the sessions-online gauge for role.
// Called when a Session leaves ONLINE (closing or erroring out).
func (c *Collector) UnregisterSessionOnline(role string) {
	c.SessionsOnline.WithLabelValues(role).Dec()
}

// RegisterConnection increments the connections gauge for role.
// Nothing in this module calls it outside the package tests.
func (c *Collector) RegisterConnection(role string) {
	c.Connections.WithLabelValues(role).Inc()
}

// UnregisterConnection decrements the connections gauge for role.
// Nothing in this module calls it outside the package tests.
func (c *Collector) UnregisterConnection(role string) {
	c.Connections.WithLabelValues(role).Dec()
}

// -------------------------------------------------------------------------
// Pool Pressure
// -------------------------------------------------------------------------

// SetPoolFreeBlocks sets the free-block gauge for slabClass to count.
// Nothing in this module calls it outside the package tests.
func (c *Collector) SetPoolFreeBlocks(slabClass string, count float64) {
	c.PoolFreeBlocks.WithLabelValues(slabClass).Set(count)
}

// -------------------------------------------------------------------------
// Protocol Events
// -------------------------------------------------------------------------

// IncFinRoundTrip increments the completed FIN round-trip counter.
// Nothing in this module calls it outside the package tests.
func (c *Collector) IncFinRoundTrip() {
	c.FinRoundTrips.Inc()
}

// IncSetupOutcome increments the setup-outcome counter for action
// ("accept", "redirect", "reject"). cmd/sessiond calls it with "accept"
// from its server-side OnNewSession callback.
func (c *Collector) IncSetupOutcome(action string) {
	c.SetupOutcomes.WithLabelValues(action).Inc()
}
