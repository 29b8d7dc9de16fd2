package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"topicmaster/broker/internal/logging"
	"topicmaster/broker/internal/transport"
	"topicmaster/broker/internal/wire"
)

// DefaultUpdateBuffer bounds undelivered asynchronous notifications.
const DefaultUpdateBuffer = 256

// ErrClosed is returned once the master connection has gone away.
var ErrClosed = errors.New("discovery connection closed")

// Update is an asynchronous notification pushed by the master.
type Update struct {
	Type      string
	Namespace string
	Publish   wire.Publish
	Subscribe wire.Subscribe
}

// Client is the peer side of the discovery protocol.
type Client struct {
	conn    *transport.Connection
	log     *logging.Logger
	updates chan Update
	nextID  atomic.Int32

	mu         sync.Mutex
	version    string
	namespaces []string
	publishers []wire.Publish
	waiters    map[string][]chan []byte

	handshake     chan struct{}
	handshakeOnce sync.Once
	closeOnce     sync.Once
}

// Dial connects to the master at addr and waits for the handshake.
func Dial(ctx context.Context, addr string, opts ...transport.Option) (*Client, error) {
	conn, err := transport.Dial(ctx, addr, opts...)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:      conn,
		log:       conn.Logger(),
		updates:   make(chan Update, DefaultUpdateBuffer),
		waiters:   make(map[string][]chan []byte),
		handshake: make(chan struct{}),
	}
	conn.AsyncRead(c.handle)

	select {
	case <-c.handshake:
		return c, nil
	case <-conn.Done():
		c.Close()
		return nil, fmt.Errorf("handshake with %s: %w", addr, ErrClosed)
	case <-ctx.Done():
		c.Close()
		return nil, fmt.Errorf("handshake with %s: %w", addr, ctx.Err())
	}
}

func (c *Client) handle(packet []byte) {
	packetType, body, ok := wire.Decode(packet)
	if !ok {
		c.log.Warn("undecodable packet from master")
		return
	}
	switch packetType {
	case wire.TypeVersionInit:
		var msg wire.String
		if err := msg.Unmarshal(body); err == nil {
			c.mu.Lock()
			c.version = msg.Data
			c.mu.Unlock()
		}
	case wire.TypeNamespacesInit:
		var msg wire.StringV
		if err := msg.Unmarshal(body); err == nil {
			c.mu.Lock()
			c.namespaces = msg.Data
			c.mu.Unlock()
		}
	case wire.TypePublishersInit:
		//1.- The publisher list closes the handshake burst.
		var msg wire.Publishers
		if err := msg.Unmarshal(body); err == nil {
			c.mu.Lock()
			c.publishers = msg.Publishers
			c.mu.Unlock()
		}
		c.handshakeOnce.Do(func() { close(c.handshake) })
	case wire.TypePublisherList, wire.TypeTopicInfoResponse, wire.TypeNamespacesResponse:
		c.deliverReply(packetType, body)
	case wire.TypeNamespaceAdd:
		var msg wire.String
		if err := msg.Unmarshal(body); err != nil {
			c.log.Warn("malformed namespace notification", logging.Error(err))
			return
		}
		c.mu.Lock()
		c.namespaces = append(c.namespaces, msg.Data)
		c.mu.Unlock()
		c.push(Update{Type: packetType, Namespace: msg.Data})
	case wire.TypePublisherAdd, wire.TypePublisherDel, wire.TypePublisherUpdate, wire.TypeUnadvertise:
		var msg wire.Publish
		if err := msg.Unmarshal(body); err != nil {
			c.log.Warn("malformed publisher notification", logging.Error(err))
			return
		}
		c.push(Update{Type: packetType, Publish: msg})
	case wire.TypeUnsubscribe:
		var msg wire.Subscribe
		if err := msg.Unmarshal(body); err != nil {
			c.log.Warn("malformed unsubscribe notification", logging.Error(err))
			return
		}
		c.push(Update{Type: packetType, Subscribe: msg})
	default:
		c.log.Debug("ignoring packet", logging.String("type", packetType))
	}
}

func (c *Client) deliverReply(packetType string, body []byte) {
	c.mu.Lock()
	queue := c.waiters[packetType]
	if len(queue) == 0 {
		c.mu.Unlock()
		c.log.Warn("unsolicited reply", logging.String("type", packetType))
		return
	}
	waiter := queue[0]
	c.waiters[packetType] = queue[1:]
	c.mu.Unlock()
	waiter <- body
}

func (c *Client) push(update Update) {
	select {
	case c.updates <- update:
	default:
		c.log.Warn("update buffer full; dropping notification", logging.String("type", update.Type))
	}
}

// Updates streams asynchronous notifications. The channel is closed by Close.
func (c *Client) Updates() <-chan Update { return c.updates }

// Version returns the master version announced in the handshake.
func (c *Client) Version() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Namespaces returns the namespaces known from the handshake and later announcements.
func (c *Client) Namespaces() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.namespaces...)
}

// Publishers returns the publisher list received in the handshake.
func (c *Client) Publishers() []wire.Publish {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wire.Publish(nil), c.publishers...)
}

// RegisterNamespace announces a topic namespace.
func (c *Client) RegisterNamespace(name string) error {
	return c.conn.Send(wire.TypeRegisterNamespace, wire.String{Data: name})
}

// Advertise announces that host:port publishes topic with msgType.
func (c *Client) Advertise(topic, msgType, host string, port uint16) error {
	return c.conn.Send(wire.TypeAdvertise, wire.Publish{Topic: topic, MsgType: msgType, Host: host, Port: port})
}

// Unadvertise withdraws a publisher.
func (c *Client) Unadvertise(topic, msgType, host string, port uint16) error {
	return c.conn.Send(wire.TypeUnadvertise, wire.Publish{Topic: topic, MsgType: msgType, Host: host, Port: port})
}

// Subscribe announces that host:port wants topic.
func (c *Client) Subscribe(topic, msgType, host string, port uint16, latching bool) error {
	return c.conn.Send(wire.TypeSubscribe, wire.Subscribe{Topic: topic, MsgType: msgType, Host: host, Port: port, Latching: latching})
}

// Unsubscribe withdraws a subscriber.
func (c *Client) Unsubscribe(topic, host string, port uint16) error {
	return c.conn.Send(wire.TypeUnsubscribe, wire.Subscribe{Topic: topic, Host: host, Port: port})
}

// GetPublishers asks the master for every publisher.
func (c *Client) GetPublishers(ctx context.Context) ([]wire.Publish, error) {
	body, err := c.request(ctx, wire.Request{Request: wire.RequestGetPublishers}, wire.TypePublisherList)
	if err != nil {
		return nil, err
	}
	var msg wire.Publishers
	if err := msg.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("decode publisher list: %w", err)
	}
	return msg.Publishers, nil
}

// TopicInfo asks the master to describe topic.
func (c *Client) TopicInfo(ctx context.Context, topic string) (wire.TopicInfo, error) {
	body, err := c.request(ctx, wire.Request{Request: wire.RequestTopicInfo, Data: topic}, wire.TypeTopicInfoResponse)
	if err != nil {
		return wire.TopicInfo{}, err
	}
	var msg wire.TopicInfo
	if err := msg.Unmarshal(body); err != nil {
		return wire.TopicInfo{}, fmt.Errorf("decode topic info: %w", err)
	}
	return msg, nil
}

// GetTopicNamespaces asks the master for every registered namespace.
func (c *Client) GetTopicNamespaces(ctx context.Context) ([]string, error) {
	body, err := c.request(ctx, wire.Request{Request: wire.RequestGetTopicNamespaces}, wire.TypeNamespacesResponse)
	if err != nil {
		return nil, err
	}
	var msg wire.StringV
	if err := msg.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("decode namespaces: %w", err)
	}
	return msg.Data, nil
}

// request sends req and waits for the next reply of replyType. An abandoned
// waiter stays queued so later replies still line up with their requests.
func (c *Client) request(ctx context.Context, req wire.Request, replyType string) ([]byte, error) {
	req.ID = c.nextID.Add(1)
	reply := make(chan []byte, 1)
	c.mu.Lock()
	c.waiters[replyType] = append(c.waiters[replyType], reply)
	c.mu.Unlock()

	if err := c.conn.Send(wire.TypeRequest, req); err != nil {
		return nil, ErrClosed
	}
	select {
	case body := <-reply:
		return body, nil
	case <-c.conn.Done():
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close disconnects from the master and closes the Updates channel.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
		c.conn.Wait()
		close(c.updates)
	})
}
