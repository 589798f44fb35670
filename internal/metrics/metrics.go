package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all custom peerd Prometheus metrics.
// Uses an isolated prometheus.Registry so peerd metrics don't collide
// with the global default registry. Each test gets its own Metrics instance.
type Metrics struct {
	Registry *prometheus.Registry

	// Run-state machine
	RunStateTransitionsTotal *prometheus.CounterVec
	ConnectedPeers           prometheus.Gauge

	// Waiting room
	RequestsTotal        *prometheus.CounterVec
	RequestAttemptsTotal *prometheus.CounterVec

	// Replication engine
	ReplicationTotal           *prometheus.CounterVec
	ReplicationDurationSeconds *prometheus.HistogramVec

	// Announcement engine
	AnnouncedRefsTotal     prometheus.Counter
	AnnounceCycleDuration  prometheus.Histogram

	// Gossip overlay
	GossipMessagesTotal *prometheus.CounterVec

	// mDNS discovery
	MDNSDiscoveredTotal *prometheus.CounterVec

	// Build info
	BuildInfo *prometheus.GaugeVec
}

// New creates a Metrics instance with all collectors registered on an
// isolated registry. The version and goVersion are recorded as labels on
// the peerd_info gauge.
func New(version, goVersion string) *Metrics {
	reg := prometheus.NewRegistry()

	// Standard Go runtime + process metrics
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RunStateTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peerd_runstate_transitions_total",
				Help: "Total run-state machine transitions by source and target state.",
			},
			[]string{"from", "to"},
		),
		ConnectedPeers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "peerd_connected_peers",
				Help: "Number of peers with at least one live session.",
			},
		),

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peerd_waitingroom_requests_total",
				Help: "Total waiting-room requests by terminal state.",
			},
			[]string{"state"},
		),
		RequestAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peerd_waitingroom_attempts_total",
				Help: "Total query and clone attempts issued by the scheduler.",
			},
			[]string{"kind"},
		),

		ReplicationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peerd_replication_total",
				Help: "Total replication attempts by result.",
			},
			[]string{"result"},
		),
		ReplicationDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "peerd_replication_duration_seconds",
				Help:    "Duration of replication fetches in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
			},
			[]string{"result"},
		),

		AnnouncedRefsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "peerd_announced_refs_total",
				Help: "Total Have frames gossiped by the announcement engine.",
			},
		),
		AnnounceCycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "peerd_announce_cycle_duration_seconds",
				Help:    "Duration of one announcement diff cycle in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),

		GossipMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peerd_gossip_messages_total",
				Help: "Total gossip frames by kind and direction.",
			},
			[]string{"kind", "direction"},
		),

		MDNSDiscoveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "peerd_mdns_discovered_total",
				Help: "Total mDNS discovery events by result.",
			},
			[]string{"result"},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "peerd_info",
				Help: "Build information for the running peerd instance.",
			},
			[]string{"version", "go_version"},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.RunStateTransitionsTotal,
		m.ConnectedPeers,
		m.RequestsTotal,
		m.RequestAttemptsTotal,
		m.ReplicationTotal,
		m.ReplicationDurationSeconds,
		m.AnnouncedRefsTotal,
		m.AnnounceCycleDuration,
		m.GossipMessagesTotal,
		m.MDNSDiscoveredTotal,
		m.BuildInfo,
	)

	// Set build info gauge (always 1, labels carry the data)
	m.BuildInfo.WithLabelValues(version, goVersion).Set(1)

	return m
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
