// Package metrics provides Prometheus metrics for the TURN relay.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "metroo_turn"
)

// Metrics contains all Prometheus metrics for the relay.
type Metrics struct {
	// Allocation metrics
	AllocationsActive prometheus.Gauge
	AllocationsTotal  prometheus.Counter
	AllocationsClosed *prometheus.CounterVec
	Replies           *prometheus.CounterVec
	PermissionsTotal  prometheus.Counter
	ChannelsTotal     prometheus.Counter
	AuthFailures      *prometheus.CounterVec

	// Data path metrics
	BytesRelayed   *prometheus.CounterVec
	PacketsRelayed *prometheus.CounterVec
	PacketsDropped *prometheus.CounterVec

	// Federation metrics
	FederationConnections prometheus.Gauge
	FederationFrames      *prometheus.CounterVec
	FederationLinks       prometheus.Gauge
	FederationLinkErrors  *prometheus.CounterVec
	FederationQueueDrops  prometheus.Counter
	HandshakeLatency      prometheus.Histogram

	// Event loop metrics
	LoopEventsDropped prometheus.Counter
	LoopPanics        prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates metrics registered on reg.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		AllocationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "allocations_active",
			Help:      "Number of live allocations",
		}),
		AllocationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocations_total",
			Help:      "Total number of allocations created",
		}),
		AllocationsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocations_closed_total",
			Help:      "Total allocations destroyed by reason",
		}, []string{"reason"}),
		Replies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Total STUN responses sent by method and code",
		}, []string{"method", "code"}),
		PermissionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permissions_installed_total",
			Help:      "Total permissions installed or refreshed",
		}),
		ChannelsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_bound_total",
			Help:      "Total channel bindings created or refreshed",
		}),
		AuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total authentication failures by reason",
		}, []string{"reason"}),

		BytesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_relayed_total",
			Help:      "Total payload bytes relayed by direction",
		}, []string{"direction"}),
		PacketsRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_relayed_total",
			Help:      "Total packets relayed by direction",
		}, []string{"direction"}),
		PacketsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Total packets dropped by direction and reason",
		}, []string{"direction", "reason"}),

		FederationConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "federation_connections",
			Help:      "Number of allocations registered for federation",
		}),
		FederationFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "federation_frames_total",
			Help:      "Total federation frames by direction and result",
		}, []string{"direction", "result"}),
		FederationLinks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "federation_links",
			Help:      "Number of secure federation links, connecting or established",
		}),
		FederationLinkErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "federation_link_errors_total",
			Help:      "Total secure link failures by reason",
		}, []string{"reason"}),
		FederationQueueDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "federation_queue_dropped_total",
			Help:      "Total queued federation payloads discarded with a failed link",
		}),
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "federation_handshake_seconds",
			Help:      "Histogram of secure link handshake latency in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2},
		}),

		LoopEventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_events_dropped_total",
			Help:      "Total events dropped because the event loop queue was full",
		}),
		LoopPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_panics_total",
			Help:      "Total panics recovered while handling events",
		}),
	}

	return m
}

// Direction labels
const (
	DirectionToPeer   = "to_peer"
	DirectionToClient = "to_client"
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// RecordAllocationOpen records a newly registered allocation.
func (m *Metrics) RecordAllocationOpen() {
	m.AllocationsActive.Inc()
	m.AllocationsTotal.Inc()
}

// RecordAllocationClose records a destroyed allocation.
func (m *Metrics) RecordAllocationClose(reason string) {
	m.AllocationsActive.Dec()
	m.AllocationsClosed.WithLabelValues(reason).Inc()
}

// RecordReply records a response; code 0 is a success.
func (m *Metrics) RecordReply(method string, code int) {
	m.Replies.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

// RecordPermission records an installed or refreshed permission.
func (m *Metrics) RecordPermission() {
	m.PermissionsTotal.Inc()
}

// RecordChannelBind records a created or refreshed channel binding.
func (m *Metrics) RecordChannelBind() {
	m.ChannelsTotal.Inc()
}

// RecordAuthFailure records a rejected request.
func (m *Metrics) RecordAuthFailure(reason string) {
	m.AuthFailures.WithLabelValues(reason).Inc()
}

// RecordRelayed records a relayed packet.
func (m *Metrics) RecordRelayed(direction string, bytes int) {
	m.BytesRelayed.WithLabelValues(direction).Add(float64(bytes))
	m.PacketsRelayed.WithLabelValues(direction).Inc()
}

// RecordDrop records a dropped packet.
func (m *Metrics) RecordDrop(direction, reason string) {
	m.PacketsDropped.WithLabelValues(direction, reason).Inc()
}

// SetFederationConnections sets the number of registered federation connections.
func (m *Metrics) SetFederationConnections(n int) {
	m.FederationConnections.Set(float64(n))
}

// RecordFederationFrame records a federation frame.
func (m *Metrics) RecordFederationFrame(direction, result string) {
	m.FederationFrames.WithLabelValues(direction, result).Inc()
}

// SetFederationLinks sets the number of secure links.
func (m *Metrics) SetFederationLinks(n int) {
	m.FederationLinks.Set(float64(n))
}

// RecordLinkError records a secure link failure and the payloads it discarded.
func (m *Metrics) RecordLinkError(reason string, dropped int) {
	m.FederationLinkErrors.WithLabelValues(reason).Inc()
	m.FederationQueueDrops.Add(float64(dropped))
}

// RecordHandshake records a completed secure link handshake.
func (m *Metrics) RecordHandshake(latencySeconds float64) {
	m.HandshakeLatency.Observe(latencySeconds)
}

// RecordLoopDrop records an event dropped at the event loop queue.
func (m *Metrics) RecordLoopDrop() {
	m.LoopEventsDropped.Inc()
}

// RecordLoopPanic records a recovered event handler panic.
func (m *Metrics) RecordLoopPanic() {
	m.LoopPanics.Inc()
}
