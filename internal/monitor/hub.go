package monitor

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"topicmaster/broker/internal/auth"
	"topicmaster/broker/internal/logging"
	"topicmaster/broker/internal/master"
	"topicmaster/broker/internal/registry"
)

const (
	// DefaultPingInterval is the keepalive cadence for idle monitors.
	DefaultPingInterval = 30 * time.Second
	// DefaultClientBuffer bounds frames queued for one monitor before it is dropped.
	DefaultClientBuffer = 256

	writeWait    = 10 * time.Second
	maxReadBytes = 512
)

// Snapshot is the first frame every monitor receives.
type Snapshot struct {
	Type        string                `json:"type"`
	Namespaces  []string              `json:"namespaces"`
	Publishers  []registry.Publisher  `json:"publishers"`
	Subscribers []registry.Subscriber `json:"subscribers"`
}

// EventFrame wraps one master event on the feed.
type EventFrame struct {
	Type  string       `json:"type"`
	Event master.Event `json:"event"`
}

type client struct {
	conn    *websocket.Conn
	send    chan []byte
	subject string
}

// Hub serves the /monitor websocket: a registry snapshot followed by every
// master event. Slow monitors are dropped rather than slowing the master.
type Hub struct {
	log          *logging.Logger
	registry     *registry.Registry
	authn        auth.RequestAuthenticator
	origins      map[string]struct{}
	pingInterval time.Duration
	buffer       int
	upgrader     websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// Option customises a Hub.
type Option func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(logger *logging.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.log = logger
		}
	}
}

// WithAuthenticator guards the upgrade with authn.
func WithAuthenticator(authn auth.RequestAuthenticator) Option {
	return func(h *Hub) {
		if authn != nil {
			h.authn = authn
		}
	}
}

// WithAllowedOrigins restricts browser origins; an empty list allows all.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) {
		for _, origin := range origins {
			h.origins[origin] = struct{}{}
		}
	}
}

// WithPingInterval overrides the keepalive cadence.
func WithPingInterval(interval time.Duration) Option {
	return func(h *Hub) {
		if interval > 0 {
			h.pingInterval = interval
		}
	}
}

// WithClientBuffer overrides the per-monitor queue depth.
func WithClientBuffer(frames int) Option {
	return func(h *Hub) {
		if frames > 0 {
			h.buffer = frames
		}
	}
}

// NewHub builds a hub reading snapshots from reg.
func NewHub(reg *registry.Registry, opts ...Option) *Hub {
	h := &Hub{
		log:          logging.L(),
		registry:     reg,
		authn:        auth.AllowAll{},
		origins:      make(map[string]struct{}),
		pingInterval: DefaultPingInterval,
		buffer:       DefaultClientBuffer,
		clients:      make(map[*client]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.origins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	_, ok := h.origins[origin]
	return ok
}

// Publish fans an event out to every monitor. It never blocks; a monitor whose
// queue is full is disconnected. Use it as a master event sink.
func (h *Hub) Publish(event master.Event) {
	frame, err := json.Marshal(EventFrame{Type: "event", Event: event})
	if err != nil {
		h.log.Warn("encode monitor event failed", logging.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			h.log.Warn("monitor too slow; disconnecting", logging.String("subject", c.subject))
			h.removeLocked(c)
		}
	}
}

// ClientCount returns the number of connected monitors.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP authenticates, upgrades and streams the feed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	subject, err := h.authn.Authenticate(r)
	if err != nil {
		h.log.Warn("monitor authentication failed", logging.Error(err), logging.String("remote_addr", r.RemoteAddr))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("monitor upgrade failed", logging.Error(err))
		return
	}

	snapshot, err := json.Marshal(h.snapshot())
	if err != nil {
		h.log.Error("encode monitor snapshot failed", logging.Error(err))
		_ = conn.Close()
		return
	}
	c := &client{conn: conn, send: make(chan []byte, h.buffer), subject: subject}
	//1.- The snapshot is queued before registration so it always precedes events.
	c.send <- snapshot

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.wg.Add(2)
	h.mu.Unlock()
	h.log.Info("monitor connected", logging.String("subject", subject), logging.String("remote_addr", r.RemoteAddr))

	go h.readPump(c)
	go h.writePump(c)
}

func (h *Hub) snapshot() Snapshot {
	snap := Snapshot{Type: "snapshot", Namespaces: []string{}, Publishers: []registry.Publisher{}, Subscribers: []registry.Subscriber{}}
	if h.registry == nil {
		return snap
	}
	snap.Namespaces = append(snap.Namespaces, h.registry.AllNamespaces()...)
	snap.Publishers = append(snap.Publishers, h.registry.AllPublishers()...)
	snap.Subscribers = append(snap.Subscribers, h.registry.AllSubscribers()...)
	return snap
}

// readPump discards inbound frames and keeps the read deadline alive via pongs.
func (h *Hub) readPump(c *client) {
	defer h.wg.Done()
	defer func() {
		h.mu.Lock()
		h.removeLocked(c)
		h.mu.Unlock()
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxReadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * h.pingInterval))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * h.pingInterval))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeLocked must be called with mu held; closing send tells the writer to hang up.
func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// Close disconnects every monitor and waits for their goroutines.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
	h.mu.Unlock()
	h.wg.Wait()
}
