package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "topicmaster"

// Drop reasons reported through DroppedMessages.
const (
	ReasonDecode      = "decode"
	ReasonUnknownType = "unknown_type"
	ReasonBadRequest  = "bad_request"
	ReasonSlowPeer    = "slow_peer"
)

// Collector owns the master's Prometheus instruments on a private registry so
// several masters in one process (tests) never collide.
type Collector struct {
	registry *prometheus.Registry

	connections       prometheus.Gauge
	publishers        prometheus.Gauge
	subscribers       prometheus.Gauge
	namespaces        prometheus.Gauge
	messages          *prometheus.CounterVec
	dropped           *prometheus.CounterVec
	connectionsClosed prometheus.Counter
	tickSeconds       prometheus.Histogram
}

// Gauges carries the registry sizes sampled once per tick.
type Gauges struct {
	Connections int
	Publishers  int
	Subscribers int
	Namespaces  int
}

// New constructs and registers every instrument. Go runtime and process
// collectors are included so /metrics is useful on its own.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open peer connections on the discovery socket",
		}),
		publishers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "publishers",
			Help:      "Publisher records in the registry",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Subscriber records in the registry",
		}),
		namespaces: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "namespaces",
			Help:      "Registered topic namespaces",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound control packets dispatched, by packet type",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Inbound packets or peers dropped, by reason",
		}, []string{"reason"}),
		connectionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Connections removed from the table",
		}),
		tickSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_seconds",
			Help:      "Duration of one master tick",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),
	}
	c.registry.MustRegister(
		c.connections, c.publishers, c.subscribers, c.namespaces,
		c.messages, c.dropped, c.connectionsClosed, c.tickSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying registry for gathering in tests and tools.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// SetGauges publishes the current registry and connection sizes.
func (c *Collector) SetGauges(g Gauges) {
	if c == nil {
		return
	}
	c.connections.Set(float64(g.Connections))
	c.publishers.Set(float64(g.Publishers))
	c.subscribers.Set(float64(g.Subscribers))
	c.namespaces.Set(float64(g.Namespaces))
}

// MessageProcessed counts one dispatched packet.
func (c *Collector) MessageProcessed(packetType string) {
	if c == nil {
		return
	}
	c.messages.WithLabelValues(packetType).Inc()
}

// MessageDropped counts one packet or peer dropped for reason.
func (c *Collector) MessageDropped(reason string) {
	if c == nil {
		return
	}
	c.dropped.WithLabelValues(reason).Inc()
}

// ConnectionClosed counts one connection removed from the table.
func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connectionsClosed.Inc()
}

// ObserveTick records the duration of one tick.
func (c *Collector) ObserveTick(d time.Duration) {
	if c == nil {
		return
	}
	c.tickSeconds.Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
