package master

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"topicmaster/broker/internal/logging"
	"topicmaster/broker/internal/metrics"
	"topicmaster/broker/internal/registry"
	"topicmaster/broker/internal/tick"
	"topicmaster/broker/internal/transport"
	"topicmaster/broker/internal/wire"
)

var (
	// ErrNotInitialised is returned when the listener has not been bound yet.
	ErrNotInitialised = errors.New("master not initialised")
	// ErrAlreadyInitialised is returned by a second Init.
	ErrAlreadyInitialised = errors.New("master already initialised")
)

type inboundMessage struct {
	conn   *transport.Connection
	packet []byte
}

// Stats summarises the master for operators.
type Stats struct {
	Connections       int
	Namespaces        int
	Topics            int
	Publishers        int
	Subscribers       int
	MessagesProcessed uint64
	MessagesDropped   uint64
	Uptime            time.Duration
	Tick              tick.Snapshot
}

// Master is the discovery broker. Accept and read goroutines only append to the
// inbound queue and the connection table; the tick goroutine owns dispatch,
// registry mutation, connection removal and every socket flush.
type Master struct {
	log      *logging.Logger
	interval time.Duration
	maxFrame int
	outbound int
	sinks    []func(Event)
	metrics  *metrics.Collector
	journal  Journal
	monitor  *tick.Monitor

	registry *registry.Registry
	loop     *tick.Loop
	started  time.Time

	initMu   sync.Mutex
	listener *transport.Listener

	inboundMu sync.Mutex
	inbound   []inboundMessage
	accepted  []Event

	connMu      sync.Mutex
	connections map[transport.ConnectionID]*transport.Connection

	stopOnce sync.Once
	stopCh   chan struct{}

	processed atomic.Uint64
	dropped   atomic.Uint64
}

// New constructs a master. Nothing is bound until Init.
func New(opts ...Option) *Master {
	m := defaultMaster()
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.monitor == nil {
		m.monitor = tick.NewMonitor(m.metrics.ObserveTick)
	}
	m.registry = registry.New()
	m.connections = make(map[transport.ConnectionID]*transport.Connection)
	m.stopCh = make(chan struct{})
	m.started = time.Now()
	m.loop = tick.NewLoop(m.interval, m.RunOnce, m.monitor)
	return m
}

// Init binds the discovery socket on every interface at port. A bind failure is
// the only fatal error the master reports.
func (m *Master) Init(port uint16) error {
	return m.InitAddr(fmt.Sprintf(":%d", port))
}

// InitAddr binds the discovery socket on addr.
func (m *Master) InitAddr(addr string) error {
	m.initMu.Lock()
	defer m.initMu.Unlock()
	if m.listener != nil {
		return ErrAlreadyInitialised
	}
	listener, err := transport.Listen(addr, m.OnAccept,
		transport.WithLogger(m.log),
		transport.WithMaxFrameBytes(m.maxFrame),
		transport.WithOutboundBuffer(m.outbound),
	)
	if err != nil {
		return fmt.Errorf("init master: %w", err)
	}
	m.listener = listener
	m.log.Info("master listening", logging.String("addr", listener.Addr().String()))
	return nil
}

// Addr returns the bound discovery address, or nil before Init.
func (m *Master) Addr() net.Addr {
	m.initMu.Lock()
	defer m.initMu.Unlock()
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Port returns the bound discovery port.
func (m *Master) Port() (uint16, error) {
	m.initMu.Lock()
	defer m.initMu.Unlock()
	if m.listener == nil {
		return 0, ErrNotInitialised
	}
	return m.listener.Port(), nil
}

// Ready reports whether the discovery socket is bound.
func (m *Master) Ready() bool {
	_, err := m.Port()
	return err == nil
}

// Registry exposes the registry for read-only introspection.
func (m *Master) Registry() *registry.Registry { return m.registry }

// OnAccept queues the handshake for conn, adds it to the connection table and
// starts its reader. The handshake is built while holding the table lock, so a
// concurrent tick either has its changes reflected in the handshake or
// broadcasts them to the new connection.
func (m *Master) OnAccept(conn *transport.Connection) {
	if conn == nil {
		return
	}
	m.connMu.Lock()
	//1.- Queue version, namespaces and publishers ahead of anything else.
	conn.EnqueueMessage(wire.TypeVersionInit, wire.String{Data: wire.VersionString})
	conn.EnqueueMessage(wire.TypeNamespacesInit, wire.StringV{Data: m.registry.AllNamespaces()})
	conn.EnqueueMessage(wire.TypePublishersInit, wire.Publishers{Publishers: toWirePublishers(m.registry.AllPublishers())})
	//2.- Register the connection before its first packet can be dispatched.
	m.connections[conn.ID()] = conn
	m.connMu.Unlock()

	host, port := conn.RemoteAddress()
	conn.Logger().Info("peer connected")
	//3.- The open event is handed to the next tick ahead of the peer's packets.
	m.inboundMu.Lock()
	m.accepted = append(m.accepted, Event{Type: EventConnectionOpen, At: time.Now(), ConnectionID: conn.ID(), Host: host, Port: port})
	m.inboundMu.Unlock()

	//4.- Arm the single reader; packets only ever land in the inbound queue.
	conn.AsyncRead(func(packet []byte) {
		m.inboundMu.Lock()
		m.inbound = append(m.inbound, inboundMessage{conn: conn, packet: packet})
		m.inboundMu.Unlock()
	})
}

// RunOnce performs one tick: dispatch every queued inbound packet, flush every
// open connection and remove the closed ones.
func (m *Master) RunOnce() {
	now := time.Now()

	//1.- Drain the inbound queue in one swap.
	m.inboundMu.Lock()
	batch := m.inbound
	events := m.accepted
	m.inbound, m.accepted = nil, nil
	m.inboundMu.Unlock()

	if len(batch) > 0 {
		m.connMu.Lock()
		for _, msg := range batch {
			events = m.dispatch(msg.conn, msg.packet, now, events)
		}
		m.connMu.Unlock()
	}

	//2.- Flush writers outside the table lock; collect peers that went away.
	var closed []*transport.Connection
	for _, conn := range m.snapshotConnections() {
		if conn.IsOpen() {
			conn.ProcessWriteQueue()
			if !conn.IsOpen() {
				m.metrics.MessageDropped(metrics.ReasonSlowPeer)
			}
		}
		if !conn.IsOpen() {
			closed = append(closed, conn)
		}
	}

	//3.- Cascade the registry for every closed connection; notifications go out next tick.
	if len(closed) > 0 {
		m.connMu.Lock()
		for _, conn := range closed {
			events = m.removeConnection(conn, now, events)
		}
		m.connMu.Unlock()
		for _, conn := range closed {
			conn.Close()
			conn.Wait()
		}
	}

	m.emit(events)
	m.publishGauges()
}

// Run ticks on the calling goroutine until ctx is cancelled or Stop is called.
func (m *Master) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	m.loop.Run(ctx)
}

// RunThread starts the tick loop on its own goroutine.
func (m *Master) RunThread() {
	select {
	case <-m.stopCh:
		return
	default:
	}
	m.loop.Start(context.Background())
}

// Stop ends the tick loop and waits for it. Inbound packets not yet dispatched
// are discarded. It is safe to call more than once.
func (m *Master) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.loop.Stop()
}

// Fini stops the loop, closes the listener and every connection.
func (m *Master) Fini() {
	m.Stop()

	m.initMu.Lock()
	listener := m.listener
	m.initMu.Unlock()
	if listener != nil {
		if err := listener.Close(); err != nil {
			m.log.Warn("close listener failed", logging.Error(err))
		}
	}

	m.connMu.Lock()
	conns := make([]*transport.Connection, 0, len(m.connections))
	for id, conn := range m.connections {
		conns = append(conns, conn)
		delete(m.connections, id)
	}
	m.connMu.Unlock()
	for _, conn := range conns {
		conn.Close()
		conn.Wait()
	}

	m.inboundMu.Lock()
	m.inbound, m.accepted = nil, nil
	m.inboundMu.Unlock()
	m.log.Info("master stopped", logging.Int("connections_closed", len(conns)))
}

// Stats returns a point-in-time summary.
func (m *Master) Stats() Stats {
	m.connMu.Lock()
	connections := len(m.connections)
	m.connMu.Unlock()
	counts := m.registry.Counts()
	return Stats{
		Connections:       connections,
		Namespaces:        counts.Namespaces,
		Topics:            counts.Topics,
		Publishers:        counts.Publishers,
		Subscribers:       counts.Subscribers,
		MessagesProcessed: m.processed.Load(),
		MessagesDropped:   m.dropped.Load(),
		Uptime:            time.Since(m.started),
		Tick:              m.monitor.Snapshot(),
	}
}

func (m *Master) snapshotConnections() []*transport.Connection {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	conns := make([]*transport.Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID() < conns[j].ID() })
	return conns
}

// removeConnection must be called with connMu held.
func (m *Master) removeConnection(conn *transport.Connection, now time.Time, events []Event) []Event {
	publishers, subscribers := m.registry.RemoveConnection(conn.ID())

	//1.- Every removed publisher is announced and its subscribers told to stop.
	for _, pub := range publishers {
		body := toWirePublish(pub)
		m.broadcastLocked(wire.TypePublisherDel, body)
		for _, target := range subscriberConnections(m.registry.SubscribersOf(pub.Topic)) {
			m.sendLocked(target, wire.TypeUnadvertise, body)
		}
		events = append(events, publisherEvent(EventPublisherDel, now, pub))
	}
	//2.- Every removed subscriber is withdrawn from the publishers of its topic.
	for _, sub := range subscribers {
		body := toWireSubscribe(sub)
		for _, target := range publisherConnections(m.registry.PublishersOf(sub.Topic)) {
			m.sendLocked(target, wire.TypeUnsubscribe, body)
		}
		events = append(events, subscriberEvent(EventSubscriberDel, now, sub))
	}
	//3.- Drop the table slot last so nothing above targets it.
	delete(m.connections, conn.ID())
	m.metrics.ConnectionClosed()

	host, port := conn.RemoteAddress()
	conn.Logger().Info("peer removed",
		logging.Int("publishers", len(publishers)),
		logging.Int("subscribers", len(subscribers)),
	)
	return append(events, Event{Type: EventConnectionClose, At: now, ConnectionID: conn.ID(), Host: host, Port: port})
}

func (m *Master) publishGauges() {
	if m.metrics == nil {
		return
	}
	m.connMu.Lock()
	connections := len(m.connections)
	m.connMu.Unlock()
	counts := m.registry.Counts()
	m.metrics.SetGauges(metrics.Gauges{
		Connections: connections,
		Publishers:  counts.Publishers,
		Subscribers: counts.Subscribers,
		Namespaces:  counts.Namespaces,
	})
}

func (m *Master) emit(events []Event) {
	if len(events) == 0 || len(m.sinks) == 0 {
		return
	}
	for _, event := range events {
		for _, sink := range m.sinks {
			sink(event)
		}
	}
}
