// ABOUTME: Prometheus counters, gauges, and histograms for missions, transport, RPC, and the bus
// ABOUTME: Nil-safe recording helpers so metrics stay an optional dependency

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Dispatch outcomes recorded by the scheduler.
const (
	DispatchAgent    = "agent"
	DispatchLocal    = "local"
	DispatchReleased = "released"
)

// Bus outcomes recorded by the relay and receiver.
const (
	BusSent      = "sent"
	BusDelivered = "delivered"
	BusRetried   = "retried"
	BusFailed    = "failed"
	BusReceived  = "received"
	BusDuplicate = "duplicate"
)

// Metrics holds every instrument exported by the dispatcher.
type Metrics struct {
	registry *prometheus.Registry

	missionTransitions *prometheus.CounterVec
	dispatches         *prometheus.CounterVec
	missionTimeouts    prometheus.Counter
	connectedAgents    prometheus.Gauge
	frames             *prometheus.CounterVec
	rpcResponses       *prometheus.CounterVec
	busMessages        *prometheus.CounterVec
	relayDuration      prometheus.Histogram
}

// New creates a Metrics value registered on a fresh registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "coven_dispatch"
	}
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		missionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mission_transitions_total",
			Help:      "Mission status transitions by source and target status.",
		}, []string{"from", "to"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mission_dispatches_total",
			Help:      "Scheduler dispatch attempts by outcome.",
		}, []string{"outcome"}),
		missionTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mission_timeouts_total",
			Help:      "Missions failed by the timeout sweep.",
		}),
		connectedAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_agents",
			Help:      "Agents currently holding a live connection.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_frames_total",
			Help:      "Frames handled by the transport hub by direction and type.",
		}, []string{"direction", "type"}),
		rpcResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_responses_total",
			Help:      "RPC responses produced by local handlers by method and code.",
		}, []string{"method", "code"}),
		busMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_messages_total",
			Help:      "Cross-node message events by outcome.",
		}, []string{"outcome"}),
		relayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bus_relay_duration_seconds",
			Help:      "Latency of a single peer delivery attempt.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.missionTransitions,
		m.dispatches,
		m.missionTimeouts,
		m.connectedAgents,
		m.frames,
		m.rpcResponses,
		m.busMessages,
		m.relayDuration,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) MissionTransition(from, to string) {
	if m == nil {
		return
	}
	if from == "" {
		from = "none"
	}
	m.missionTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Dispatch(outcome string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) MissionTimeout() {
	if m == nil {
		return
	}
	m.missionTimeouts.Inc()
}

func (m *Metrics) SetConnectedAgents(n int) {
	if m == nil {
		return
	}
	m.connectedAgents.Set(float64(n))
}

// Frame counts a transport frame; direction is "in" or "out".
func (m *Metrics) Frame(direction, frameType string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(direction, frameType).Inc()
}

// RPCResponse counts a locally produced response; code is "OK" on success.
func (m *Metrics) RPCResponse(method, code string) {
	if m == nil {
		return
	}
	m.rpcResponses.WithLabelValues(method, code).Inc()
}

func (m *Metrics) BusMessage(outcome string) {
	if m == nil {
		return
	}
	m.busMessages.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRelay(d time.Duration) {
	if m == nil {
		return
	}
	m.relayDuration.Observe(d.Seconds())
}
