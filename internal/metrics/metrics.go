// Package metrics exposes watchbridge counters in the Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/listenupapp/watchbridge/internal/watch"
)

const namespace = "watchbridge"

var states = []watch.State{
	watch.StateIdle,
	watch.StateConnecting,
	watch.StateActive,
	watch.StateReconnecting,
	watch.StateClosed,
}

// Metrics holds the collectors for one process. It implements watch.Observer.
type Metrics struct {
	registry   *prometheus.Registry
	events     *prometheus.CounterVec
	reconnects *prometheus.CounterVec
	state      *prometheus.GaugeVec
	sseClients prometheus.Gauge
	sseDropped prometheus.Counter
}

// New creates a registry with the watchbridge collectors plus the Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "events_total",
			Help:      "Events published on the watch stream, partitioned by kind.",
		}, []string{"kind"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts after the watch service dropped the connection, partitioned by result.",
		}, []string{"result"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "watch",
			Name:      "state",
			Help:      "1 for the current orchestrator state, 0 otherwise.",
		}, []string{"state"}),
		sseClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sse",
			Name:      "clients",
			Help:      "Connected Server-Sent Events clients.",
		}),
		sseDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sse",
			Name:      "dropped_events_total",
			Help:      "Events not delivered because a client buffer was full.",
		}),
	}

	m.registry.MustRegister(
		m.events,
		m.reconnects,
		m.state,
		m.sseClients,
		m.sseDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	for _, s := range states {
		m.state.WithLabelValues(s.String()).Set(0)
	}
	m.state.WithLabelValues(watch.StateIdle.String()).Set(1)
	return m
}

// Attach counts every event published on s.
func (m *Metrics) Attach(s *watch.Stream) {
	for _, kind := range []watch.Kind{
		watch.KindAdd, watch.KindChange, watch.KindDelete,
		watch.KindReady, watch.KindEnd, watch.KindError,
	} {
		counter := m.events.WithLabelValues(kind.String())
		s.On(kind, func(watch.Event) {
			counter.Inc()
		})
	}
}

// StateChanged implements watch.Observer.
func (m *Metrics) StateChanged(from, to watch.State) {
	m.state.WithLabelValues(from.String()).Set(0)
	m.state.WithLabelValues(to.String()).Set(1)
}

// Reconnected implements watch.Observer.
func (m *Metrics) Reconnected(err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.reconnects.WithLabelValues(result).Inc()
}

// SSEClientConnected tracks a new SSE client.
func (m *Metrics) SSEClientConnected() {
	m.sseClients.Inc()
}

// SSEClientDisconnected tracks a departed SSE client.
func (m *Metrics) SSEClientDisconnected() {
	m.sseClients.Dec()
}

// SSEEventDropped counts an event a slow client missed.
func (m *Metrics) SSEEventDropped() {
	m.sseDropped.Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
