package master

import (
	"time"

	"topicmaster/broker/internal/logging"
	"topicmaster/broker/internal/metrics"
	"topicmaster/broker/internal/tick"
	"topicmaster/broker/internal/transport"
	"topicmaster/broker/internal/wire"
)

// DefaultTickInterval is the idle sleep between ticks.
const DefaultTickInterval = 10 * time.Millisecond

// Journal receives every inbound packet before it is dispatched.
type Journal interface {
	RecordPacket(conn transport.ConnectionID, packet []byte) error
}

// Option customises a Master.
type Option func(*Master)

// WithLogger sets the master logger; connections derive theirs from it.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Master) {
		if logger != nil {
			m.log = logger
		}
	}
}

// WithTickInterval overrides the tick interval.
func WithTickInterval(interval time.Duration) Option {
	return func(m *Master) {
		if interval > 0 {
			m.interval = interval
		}
	}
}

// WithMaxFrameBytes bounds a single inbound frame.
func WithMaxFrameBytes(limit int) Option {
	return func(m *Master) {
		if limit > 0 {
			m.maxFrame = limit
		}
	}
}

// WithOutboundBuffer sets how many frames may wait for a peer before it is dropped.
func WithOutboundBuffer(frames int) Option {
	return func(m *Master) {
		if frames > 0 {
			m.outbound = frames
		}
	}
}

// WithEventSink registers a callback for registry and connection events. Sinks
// run on the goroutine calling RunOnce, never concurrently, and must not block.
func WithEventSink(sink func(Event)) Option {
	return func(m *Master) {
		if sink != nil {
			m.sinks = append(m.sinks, sink)
		}
	}
}

// WithMetrics attaches a Prometheus collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(m *Master) {
		m.metrics = collector
	}
}

// WithJournal records every inbound packet to j.
func WithJournal(j Journal) Option {
	return func(m *Master) {
		m.journal = j
	}
}

// WithTickMonitor replaces the internal tick monitor.
func WithTickMonitor(monitor *tick.Monitor) Option {
	return func(m *Master) {
		if monitor != nil {
			m.monitor = monitor
		}
	}
}

func defaultMaster() *Master {
	return &Master{
		log:      logging.L(),
		interval: DefaultTickInterval,
		maxFrame: wire.DefaultMaxFrameBytes,
		outbound: transport.DefaultOutboundBuffer,
	}
}
