package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"topicmaster/broker/internal/logging"
	"topicmaster/broker/internal/wire"
)

// ConnectionID identifies a connection for the lifetime of the process.
type ConnectionID uint64

// DefaultOutboundBuffer is the number of frames handed to the writer goroutine
// before a peer is considered too slow and dropped.
const DefaultOutboundBuffer = 1024

// ErrClosed is returned when sending on a connection that is no longer open.
var ErrClosed = errors.New("connection closed")

var nextConnectionID atomic.Uint64

type settings struct {
	log      *logging.Logger
	maxFrame int
	outbound int
}

// Option customises connections created by Listen and Dial.
type Option func(*settings)

// WithLogger sets the logger used by the listener and its connections.
func WithLogger(logger *logging.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.log = logger
		}
	}
}

// WithMaxFrameBytes bounds a single inbound frame.
func WithMaxFrameBytes(limit int) Option {
	return func(s *settings) {
		if limit > 0 {
			s.maxFrame = limit
		}
	}
}

// WithOutboundBuffer sets the writer channel depth.
func WithOutboundBuffer(frames int) Option {
	return func(s *settings) {
		if frames > 0 {
			s.outbound = frames
		}
	}
}

func buildSettings(opts []Option) settings {
	s := settings{log: logging.L(), maxFrame: wire.DefaultMaxFrameBytes, outbound: DefaultOutboundBuffer}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}

// Connection owns one peer stream: a reader goroutine feeding complete packets to
// a callback, a FIFO write queue filled by the owner and a writer goroutine
// draining the frames handed over by ProcessWriteQueue.
type Connection struct {
	id       ConnectionID
	conn     net.Conn
	log      *logging.Logger
	maxFrame int
	host     string
	port     uint16

	queueMu sync.Mutex
	queue   [][]byte

	send      chan []byte
	open      atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
	readOnce  sync.Once
	wg        sync.WaitGroup
}

func newConnection(conn net.Conn, s settings) *Connection {
	id := ConnectionID(nextConnectionID.Add(1))
	host, port := splitAddr(conn.RemoteAddr())
	c := &Connection{
		id:       id,
		conn:     conn,
		maxFrame: s.maxFrame,
		host:     host,
		port:     port,
		send:     make(chan []byte, s.outbound),
		done:     make(chan struct{}),
	}
	c.log = s.log.With(
		logging.Uint64("conn_id", uint64(id)),
		logging.String("remote_addr", conn.RemoteAddr().String()),
	)
	c.open.Store(true)
	c.wg.Add(1)
	go c.writeLoop()
	return c
}

// Dial connects to a master (or any peer speaking the framed protocol).
func Dial(ctx context.Context, addr string, opts ...Option) (*Connection, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return newConnection(conn, buildSettings(opts)), nil
}

// ID returns the connection identifier.
func (c *Connection) ID() ConnectionID { return c.id }

// RemoteAddress returns the peer host and port.
func (c *Connection) RemoteAddress() (string, uint16) { return c.host, c.port }

// IsOpen reports whether the connection is still usable.
func (c *Connection) IsOpen() bool { return c.open.Load() }

// Done is closed once the connection has been closed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Logger returns the connection-scoped logger.
func (c *Connection) Logger() *logging.Logger { return c.log }

// AsyncRead starts the reader goroutine. Only the first call has an effect, so at
// most one read is ever in flight. onData runs on the reader goroutine.
func (c *Connection) AsyncRead(onData func(packet []byte)) {
	if onData == nil {
		return
	}
	c.readOnce.Do(func() {
		c.wg.Add(1)
		go c.readLoop(onData)
	})
}

func (c *Connection) readLoop(onData func([]byte)) {
	defer c.wg.Done()
	for {
		packet, err := wire.ReadFrame(c.conn, c.maxFrame)
		if err != nil {
			//1.- Peer hang-ups are routine; anything else deserves a warning.
			if c.IsOpen() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.log.Warn("connection read failed", logging.Error(err))
			} else {
				c.log.Debug("connection read stopped", logging.Error(err))
			}
			c.Close()
			return
		}
		onData(packet)
	}
}

func (c *Connection) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if _, err := c.conn.Write(frame); err != nil {
				if c.IsOpen() {
					c.log.Warn("connection write failed", logging.Error(err))
				}
				c.Close()
				return
			}
		}
	}
}

// Enqueue appends a packet to the write queue. It never blocks and reports false
// when the connection is already closed.
func (c *Connection) Enqueue(packet []byte) bool {
	if !c.IsOpen() {
		return false
	}
	frame := wire.Frame(packet)
	c.queueMu.Lock()
	c.queue = append(c.queue, frame)
	c.queueMu.Unlock()
	return true
}

// EnqueueMessage encodes body as a packet of the given type and enqueues it.
func (c *Connection) EnqueueMessage(packetType string, body wire.Message) bool {
	return c.Enqueue(wire.Encode(packetType, body))
}

// Pending returns the number of queued frames not yet handed to the writer.
func (c *Connection) Pending() int {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return len(c.queue)
}

// ProcessWriteQueue hands every queued frame to the writer goroutine without
// blocking. A peer whose outbound buffer is full is closed. It returns the number
// of frames handed over.
func (c *Connection) ProcessWriteQueue() int {
	if !c.IsOpen() {
		return 0
	}
	c.queueMu.Lock()
	pending := c.queue
	c.queue = nil
	c.queueMu.Unlock()

	for i, frame := range pending {
		select {
		case c.send <- frame:
		default:
			c.log.Warn("outbound buffer full; dropping slow peer", logging.Int("pending", len(pending)-i))
			c.Close()
			return i
		}
	}
	return len(pending)
}

// Send enqueues a packet and flushes immediately; peers without a tick loop use it.
func (c *Connection) Send(packetType string, body wire.Message) error {
	if !c.EnqueueMessage(packetType, body) {
		return ErrClosed
	}
	c.ProcessWriteQueue()
	if !c.IsOpen() {
		return ErrClosed
	}
	return nil
}

// Close marks the connection closed and releases the socket. It is safe to call
// from any goroutine, any number of times.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.open.Store(false)
		close(c.done)
		_ = c.conn.Close()
	})
}

// Wait blocks until the reader and writer goroutines have exited. Call it after
// Close, never from the onData callback.
func (c *Connection) Wait() {
	c.wg.Wait()
}

func splitAddr(addr net.Addr) (string, uint16) {
	if addr == nil {
		return "", 0
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String(), uint16(tcp.Port)
	}
	host, rawPort, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	port, _ := strconv.ParseUint(rawPort, 10, 16)
	return host, uint16(port)
}
