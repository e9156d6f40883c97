package rpc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/wippyai/capbridge/resource"
)

// Metrics counts connection activity. One instance may be shared by any
// number of connections; a nil *Metrics records nothing.
type Metrics struct {
	connections prometheus.Gauge
	questions   prometheus.Gauge
	exports     prometheus.Gauge
	imports     prometheus.Gauge
	frames      *prometheus.CounterVec
	bytes       *prometheus.CounterVec
	aborts      prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "capbridge",
			Subsystem: "rpc",
			Name:      "connections",
			Help:      "Established connections",
		}),
		questions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "capbridge",
			Subsystem: "rpc",
			Name:      "questions",
			Help:      "Outgoing calls waiting for their return",
		}),
		exports: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "capbridge",
			Subsystem: "rpc",
			Name:      "exports",
			Help:      "Capabilities exported to peers",
		}),
		imports: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "capbridge",
			Subsystem: "rpc",
			Name:      "imports",
			Help:      "Capabilities imported from peers",
		}),
		frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "capbridge",
				Subsystem: "rpc",
				Name:      "frames_total",
				Help:      "Frames sent and received",
			},
			[]string{"direction", "type"},
		),
		bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "capbridge",
				Subsystem: "rpc",
				Name:      "bytes_total",
				Help:      "Frame bytes sent and received, headers included",
			},
			[]string{"direction"},
		),
		aborts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "capbridge",
			Subsystem: "rpc",
			Name:      "aborts_total",
			Help:      "Connections aborted on protocol errors",
		}),
	}
	reg.MustRegister(
		m.connections,
		m.questions,
		m.exports,
		m.imports,
		m.frames,
		m.bytes,
		m.aborts,
	)
	return m
}

func (m *Metrics) frame(direction string, t MessageType, size int) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(direction, t.String()).Inc()
	m.bytes.WithLabelValues(direction).Add(float64(size))
}

func (m *Metrics) connected(delta float64) {
	if m == nil {
		return
	}
	m.connections.Add(delta)
}

func (m *Metrics) imported(delta float64) {
	if m == nil {
		return
	}
	m.imports.Add(delta)
}

func (m *Metrics) aborted() {
	if m == nil {
		return
	}
	m.aborts.Inc()
}

// tableGauge mirrors the size of a resource table.
type tableGauge[T any] struct {
	gauge prometheus.Gauge
}

func (g tableGauge[T]) OnResourceEvent(e resource.Event[T]) {
	switch e.Type {
	case resource.EventCreated:
		g.gauge.Inc()
	case resource.EventDropped:
		g.gauge.Dec()
	}
}
