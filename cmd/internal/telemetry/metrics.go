// Package telemetry exposes Courier's Prometheus collectors.
//
// All methods are nil-safe so components can run without metrics in tests.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "courier"

// Send outcomes.
const (
	SendConfirmed = "confirmed"
	SendInvalid   = "invalid"
	SendFailed    = "failed"
)

// Metrics groups the collectors registered on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	connections prometheus.Gauge
	online      prometheus.Gauge
	handshakes  *prometheus.CounterVec
	sends       *prometheus.CounterVec
	sendSeconds prometheus.Histogram
	deliveries  *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	httpReqs    *prometheus.CounterVec
}

// New constructs Metrics with Go runtime and process collectors attached.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ws", Name: "connections",
			Help: "Open persistent connections.",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "presence", Name: "online_users",
			Help: "Users currently in the presence directory.",
		}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ws", Name: "handshakes_total",
			Help: "Connection handshakes by result.",
		}, []string{"result"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "messaging", Name: "sends_total",
			Help: "send_message requests by terminal outcome.",
		}, []string{"outcome"}),
		sendSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "messaging", Name: "send_duration_seconds",
			Help:    "Time spent persisting a message.",
			Buckets: prometheus.DefBuckets,
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "messaging", Name: "deliveries_total",
			Help: "Persisted messages by recipient reachability.",
		}, []string{"recipient"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ws", Name: "dropped_events_total",
			Help: "Outbound events dropped under backpressure.",
		}, []string{"type"}),
		httpReqs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by method and status class.",
		}, []string{"method", "class"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections, m.online, m.handshakes, m.sends, m.sendSeconds,
		m.deliveries, m.dropped, m.httpReqs,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) SetOnline(n int) {
	if m != nil {
		m.online.Set(float64(n))
	}
}

func (m *Metrics) Handshake(result string) {
	if m != nil {
		m.handshakes.WithLabelValues(result).Inc()
	}
}

// SendOutcome records one terminal outcome and, for persisted sends, its latency.
func (m *Metrics) SendOutcome(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(outcome).Inc()
	if outcome == SendConfirmed {
		m.sendSeconds.Observe(took.Seconds())
	}
}

// Delivery records whether the recipient was online when a message was persisted.
func (m *Metrics) Delivery(online bool) {
	if m == nil {
		return
	}
	if online {
		m.deliveries.WithLabelValues("online").Inc()
		return
	}
	m.deliveries.WithLabelValues("offline").Inc()
}

func (m *Metrics) Dropped(eventType string) {
	if m != nil {
		m.dropped.WithLabelValues(eventType).Inc()
	}
}

func (m *Metrics) HTTPRequest(method, class string) {
	if m != nil {
		m.httpReqs.WithLabelValues(method, class).Inc()
	}
}
