package master

import (
	"time"

	"topicmaster/broker/internal/registry"
	"topicmaster/broker/internal/transport"
)

// EventType names a registry or connection change.
type EventType string

const (
	EventNamespaceAdd    EventType = "namespace_add"
	EventPublisherAdd    EventType = "publisher_add"
	EventPublisherDel    EventType = "publisher_del"
	EventSubscriberAdd   EventType = "subscriber_add"
	EventSubscriberDel   EventType = "subscriber_del"
	EventConnectionOpen  EventType = "connection_open"
	EventConnectionClose EventType = "connection_close"
)

// Event describes one change observed by the master.
type Event struct {
	Type         EventType              `json:"type"`
	At           time.Time              `json:"at"`
	ConnectionID transport.ConnectionID `json:"conn_id,omitempty"`
	Namespace    string                 `json:"namespace,omitempty"`
	Topic        string                 `json:"topic,omitempty"`
	MessageType  string                 `json:"msg_type,omitempty"`
	Host         string                 `json:"host,omitempty"`
	Port         uint16                 `json:"port,omitempty"`
}

func publisherEvent(kind EventType, at time.Time, pub registry.Publisher) Event {
	return Event{
		Type:         kind,
		At:           at,
		ConnectionID: pub.ConnectionID,
		Topic:        pub.Topic,
		MessageType:  pub.MessageType,
		Host:         pub.Host,
		Port:         pub.Port,
	}
}

func subscriberEvent(kind EventType, at time.Time, sub registry.Subscriber) Event {
	return Event{
		Type:         kind,
		At:           at,
		ConnectionID: sub.ConnectionID,
		Topic:        sub.Topic,
		MessageType:  sub.MessageType,
		Host:         sub.Host,
		Port:         sub.Port,
	}
}
