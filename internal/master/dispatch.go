package master

import (
	"time"

	"topicmaster/broker/internal/logging"
	"topicmaster/broker/internal/metrics"
	"topicmaster/broker/internal/registry"
	"topicmaster/broker/internal/transport"
	"topicmaster/broker/internal/wire"
)

// dispatch applies one inbound packet. It runs on the tick goroutine with connMu
// held and only enqueues; nothing here touches a socket.
func (m *Master) dispatch(conn *transport.Connection, packet []byte, now time.Time, events []Event) []Event {
	//1.- Packets read just before a connection was removed are stale.
	if _, ok := m.connections[conn.ID()]; !ok {
		return events
	}
	if m.journal != nil {
		if err := m.journal.RecordPacket(conn.ID(), packet); err != nil {
			conn.Logger().Debug("journal record failed", logging.Error(err))
		}
	}

	packetType, body, ok := wire.Decode(packet)
	if !ok {
		return m.drop(conn, metrics.ReasonDecode, "undecodable packet", events)
	}
	log := conn.Logger().With(logging.String("type", packetType))

	switch packetType {
	case wire.TypeRegisterNamespace:
		var msg wire.String
		if err := msg.Unmarshal(body); err != nil {
			return m.dropBody(log, err, events)
		}
		if m.registry.AddNamespace(msg.Data) {
			m.broadcastLocked(wire.TypeNamespaceAdd, wire.String{Data: msg.Data})
			events = append(events, Event{Type: EventNamespaceAdd, At: now, ConnectionID: conn.ID(), Namespace: msg.Data})
		}

	case wire.TypeAdvertise:
		var msg wire.Publish
		if err := msg.Unmarshal(body); err != nil {
			return m.dropBody(log, err, events)
		}
		rec := registry.Publisher{Topic: msg.Topic, MessageType: msg.MsgType, Host: msg.Host, Port: msg.Port, ConnectionID: conn.ID()}
		notify, added := m.registry.AddPublisher(rec)
		if added {
			m.broadcastLocked(wire.TypePublisherAdd, msg)
			for _, target := range subscriberConnections(notify) {
				m.sendLocked(target, wire.TypePublisherUpdate, msg)
			}
			events = append(events, publisherEvent(EventPublisherAdd, now, rec))
		}

	case wire.TypeUnadvertise:
		var msg wire.Publish
		if err := msg.Unmarshal(body); err != nil {
			return m.dropBody(log, err, events)
		}
		removed, notify, ok := m.registry.RemovePublisher(msg.Topic, msg.Host, msg.Port)
		if ok {
			notice := toWirePublish(removed)
			m.broadcastLocked(wire.TypePublisherDel, notice)
			for _, target := range subscriberConnections(notify) {
				m.sendLocked(target, wire.TypeUnadvertise, notice)
			}
			events = append(events, publisherEvent(EventPublisherDel, now, removed))
		}

	case wire.TypeSubscribe:
		var msg wire.Subscribe
		if err := msg.Unmarshal(body); err != nil {
			return m.dropBody(log, err, events)
		}
		rec := registry.Subscriber{Topic: msg.Topic, Host: msg.Host, Port: msg.Port, Latching: msg.Latching, MessageType: msg.MsgType, ConnectionID: conn.ID()}
		publishers, added := m.registry.AddSubscriber(rec)
		//2.- Replay every known publisher to the requester alone.
		for _, pub := range publishers {
			conn.EnqueueMessage(wire.TypePublisherUpdate, toWirePublish(pub))
		}
		if added {
			events = append(events, subscriberEvent(EventSubscriberAdd, now, rec))
		}

	case wire.TypeUnsubscribe:
		var msg wire.Subscribe
		if err := msg.Unmarshal(body); err != nil {
			return m.dropBody(log, err, events)
		}
		removed, notify, ok := m.registry.RemoveSubscriber(msg.Topic, msg.Host, msg.Port)
		if ok {
			notice := toWireSubscribe(removed)
			for _, target := range publisherConnections(notify) {
				m.sendLocked(target, wire.TypeUnsubscribe, notice)
			}
			events = append(events, subscriberEvent(EventSubscriberDel, now, removed))
		}

	case wire.TypeRequest:
		var msg wire.Request
		if err := msg.Unmarshal(body); err != nil {
			return m.dropBody(log, err, events)
		}
		if !m.answer(conn, msg) {
			m.metrics.MessageDropped(metrics.ReasonBadRequest)
			m.dropped.Add(1)
			log.Warn("unknown request", logging.String("request", msg.Request))
			return events
		}

	default:
		return m.drop(conn, metrics.ReasonUnknownType, "unknown packet type", events, logging.String("type", packetType))
	}

	m.processed.Add(1)
	m.metrics.MessageProcessed(packetType)
	return events
}

// answer replies to a request on the requesting connection. Replies carry no id,
// so peers match them by type in arrival order.
func (m *Master) answer(conn *transport.Connection, req wire.Request) bool {
	switch req.Request {
	case wire.RequestGetPublishers:
		conn.EnqueueMessage(wire.TypePublisherList, wire.Publishers{Publishers: toWirePublishers(m.registry.AllPublishers())})
	case wire.RequestTopicInfo:
		info := m.registry.TopicInfo(req.Data)
		conn.EnqueueMessage(wire.TypeTopicInfoResponse, wire.TopicInfo{
			MsgType:     info.MessageType,
			Publishers:  toWirePublishers(info.Publishers),
			Subscribers: toWireSubscribers(info.Subscribers),
		})
	case wire.RequestGetTopicNamespaces:
		conn.EnqueueMessage(wire.TypeNamespacesResponse, wire.StringV{Data: m.registry.AllNamespaces()})
	default:
		return false
	}
	return true
}

func (m *Master) drop(conn *transport.Connection, reason, message string, events []Event, fields ...logging.Field) []Event {
	m.metrics.MessageDropped(reason)
	m.dropped.Add(1)
	conn.Logger().Warn(message, fields...)
	return events
}

func (m *Master) dropBody(log *logging.Logger, err error, events []Event) []Event {
	m.metrics.MessageDropped(metrics.ReasonDecode)
	m.dropped.Add(1)
	log.Warn("malformed message body", logging.Error(err))
	return events
}

// broadcastLocked enqueues a message on every open connection; connMu must be held.
func (m *Master) broadcastLocked(packetType string, body wire.Message) {
	packet := wire.Encode(packetType, body)
	for _, conn := range m.connections {
		conn.Enqueue(packet)
	}
}

// sendLocked enqueues a message on the connection with id; connMu must be held.
func (m *Master) sendLocked(id transport.ConnectionID, packetType string, body wire.Message) {
	if conn, ok := m.connections[id]; ok {
		conn.EnqueueMessage(packetType, body)
	}
}

// subscriberConnections returns the distinct owning connections in first-seen order.
func subscriberConnections(subs []registry.Subscriber) []transport.ConnectionID {
	ids := make([]transport.ConnectionID, 0, len(subs))
	seen := make(map[transport.ConnectionID]struct{}, len(subs))
	for _, sub := range subs {
		if _, ok := seen[sub.ConnectionID]; ok {
			continue
		}
		seen[sub.ConnectionID] = struct{}{}
		ids = append(ids, sub.ConnectionID)
	}
	return ids
}

func publisherConnections(pubs []registry.Publisher) []transport.ConnectionID {
	ids := make([]transport.ConnectionID, 0, len(pubs))
	seen := make(map[transport.ConnectionID]struct{}, len(pubs))
	for _, pub := range pubs {
		if _, ok := seen[pub.ConnectionID]; ok {
			continue
		}
		seen[pub.ConnectionID] = struct{}{}
		ids = append(ids, pub.ConnectionID)
	}
	return ids
}

func toWirePublish(pub registry.Publisher) wire.Publish {
	return wire.Publish{Topic: pub.Topic, MsgType: pub.MessageType, Host: pub.Host, Port: pub.Port}
}

func toWirePublishers(pubs []registry.Publisher) []wire.Publish {
	out := make([]wire.Publish, 0, len(pubs))
	for _, pub := range pubs {
		out = append(out, toWirePublish(pub))
	}
	return out
}

func toWireSubscribe(sub registry.Subscriber) wire.Subscribe {
	return wire.Subscribe{Topic: sub.Topic, Host: sub.Host, Port: sub.Port, Latching: sub.Latching, MsgType: sub.MessageType}
}

func toWireSubscribers(subs []registry.Subscriber) []wire.Subscribe {
	out := make([]wire.Subscribe, 0, len(subs))
	for _, sub := range subs {
		out = append(out, toWireSubscribe(sub))
	}
	return out
}
