package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"topicmaster/broker/internal/logging"
)

const acceptRetryDelay = 5 * time.Millisecond

// Listener accepts peers on a TCP socket and wraps each one in a Connection.
type Listener struct {
	ln       net.Listener
	settings settings
	onAccept func(*Connection)
	closed   atomic.Bool
	wg       sync.WaitGroup
}

// Listen binds addr and starts accepting. Each accepted socket is wrapped and
// handed to onAccept on the accept goroutine. Bind errors are returned.
func Listen(addr string, onAccept func(*Connection), opts ...Option) (*Listener, error) {
	if onAccept == nil {
		return nil, errors.New("accept callback is required")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	l := &Listener{ln: ln, settings: buildSettings(opts), onAccept: onAccept}
	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

// ListenPort binds every interface on the given port; zero picks an ephemeral port.
func ListenPort(port uint16, onAccept func(*Connection), opts ...Option) (*Listener, error) {
	return Listen(fmt.Sprintf(":%d", port), onAccept, opts...)
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if l.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			//1.- Transient accept failures (fd exhaustion, aborted handshakes) are retried.
			l.settings.log.Warn("accept failed", logging.Error(err))
			time.Sleep(acceptRetryDelay)
			continue
		}
		l.onAccept(newConnection(conn, l.settings))
	}
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Port returns the bound TCP port.
func (l *Listener) Port() uint16 {
	if tcp, ok := l.ln.Addr().(*net.TCPAddr); ok {
		return uint16(tcp.Port)
	}
	return 0
}

// Close stops accepting and waits for the accept goroutine to exit. Connections
// already handed out are not affected.
func (l *Listener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := l.ln.Close()
	l.wg.Wait()
	return err
}
