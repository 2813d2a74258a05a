// Package metrics exposes management client activity as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yllada/openvpn-monitor/management"
)

const (
	namespace = "openvpn"
	subsystem = "mgmt"
)

// Collector holds the metrics and the registry they are served from.
type Collector struct {
	registry *prometheus.Registry

	clientsConnected *prometheus.GaugeVec   // by server
	bytesReceived    *prometheus.GaugeVec   // by server and common_name
	bytesSent        *prometheus.GaugeVec   // by server and common_name
	events           *prometheus.CounterVec // by server and kind
	socketErrors     *prometheus.CounterVec // by server
	disconnects      *prometheus.CounterVec // by server

	healthy func() bool
}

// New creates a Collector with its own registry, including Go runtime and
// process metrics.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		clientsConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "clients_connected",
			Help:      "Clients listed in the latest status reply",
		}, []string{"server"}),

		bytesReceived: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "client_bytes_received",
			Help:      "Bytes received from each client, as of the latest status reply",
		}, []string{"server", "common_name"}),

		bytesSent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "client_bytes_sent",
			Help:      "Bytes sent to each client, as of the latest status reply",
		}, []string{"server", "common_name"}),

		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_total",
			Help:      "Events published by the management client",
		}, []string{"server", "kind"}),

		socketErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "socket_errors_total",
			Help:      "Connection errors reported by the management client",
		}, []string{"server"}),

		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "disconnects_total",
			Help:      "Clients that vanished between two status replies",
		}, []string{"server"}),
	}

	c.registry.MustRegister(
		c.clientsConnected,
		c.bytesReceived,
		c.bytesSent,
		c.events,
		c.socketErrors,
		c.disconnects,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// SetHealthCheck makes /health answer 503 while fn returns false.
// Call it before Handler.
func (c *Collector) SetHealthCheck(fn func() bool) {
	c.healthy = fn
}

// Registry returns the underlying Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Attach updates the metrics from every event published on bus.
func (c *Collector) Attach(bus *management.Bus) management.ListenerID {
	return bus.OnAny(c.Handle)
}

// Handle updates the metrics for one event.
func (c *Collector) Handle(ev management.Event) {
	server := ev.ConnectionID
	c.events.WithLabelValues(server, string(ev.Kind)).Inc()

	switch ev.Kind {
	case management.EventClientList:
		entries, ok := ev.ClientList()
		if !ok {
			return
		}
		c.clientsConnected.WithLabelValues(server).Set(float64(len(entries)))

		// Drop series of clients that are gone
		c.bytesReceived.DeletePartialMatch(prometheus.Labels{"server": server})
		c.bytesSent.DeletePartialMatch(prometheus.Labels{"server": server})
		for _, e := range entries {
			if e.BytesReceived.Valid {
				c.bytesReceived.WithLabelValues(server, e.CommonName).Set(float64(e.BytesReceived.Value))
			}
			if e.BytesSent.Valid {
				c.bytesSent.WithLabelValues(server, e.CommonName).Set(float64(e.BytesSent.Value))
			}
		}

	case management.EventClientDisconnect:
		if names, ok := ev.Disconnected(); ok {
			c.disconnects.WithLabelValues(server).Add(float64(len(names)))
		}

	case management.EventSocketError:
		c.socketErrors.WithLabelValues(server).Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format, with a
// /health endpoint next to /metrics.
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	healthy := c.healthy
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		if healthy != nil && !healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("UNHEALTHY"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}
