package grpc

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"topicmaster/broker/internal/master"
	"topicmaster/broker/internal/registry"
)

func publisherFields(p registry.Publisher) map[string]any {
	return map[string]any{
		"topic":    p.Topic,
		"msg_type": p.MessageType,
		"host":     p.Host,
		"port":     uint32(p.Port),
		"conn_id":  uint64(p.ConnectionID),
	}
}

func subscriberFields(s registry.Subscriber) map[string]any {
	return map[string]any{
		"topic":    s.Topic,
		"msg_type": s.MessageType,
		"host":     s.Host,
		"port":     uint32(s.Port),
		"latching": s.Latching,
		"conn_id":  uint64(s.ConnectionID),
	}
}

func publisherList(pubs []registry.Publisher) []any {
	out := make([]any, 0, len(pubs))
	for _, p := range pubs {
		out = append(out, publisherFields(p))
	}
	return out
}

func subscriberList(subs []registry.Subscriber) []any {
	out := make([]any, 0, len(subs))
	for _, s := range subs {
		out = append(out, subscriberFields(s))
	}
	return out
}

func stringList(values []string) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		out = append(out, v)
	}
	return out
}

func eventFields(e master.Event) map[string]any {
	fields := map[string]any{
		"type": string(e.Type),
		"at":   e.At.UTC().Format(time.RFC3339Nano),
	}
	//1.- Mirror the JSON feed: only populated attributes are emitted.
	if e.ConnectionID != 0 {
		fields["conn_id"] = uint64(e.ConnectionID)
	}
	if e.Namespace != "" {
		fields["namespace"] = e.Namespace
	}
	if e.Topic != "" {
		fields["topic"] = e.Topic
	}
	if e.MessageType != "" {
		fields["msg_type"] = e.MessageType
	}
	if e.Host != "" {
		fields["host"] = e.Host
	}
	if e.Port != 0 {
		fields["port"] = uint32(e.Port)
	}
	return fields
}

func snapshotStruct(view RegistryView) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"type":        "snapshot",
		"namespaces":  stringList(view.AllNamespaces()),
		"publishers":  publisherList(view.AllPublishers()),
		"subscribers": subscriberList(view.AllSubscribers()),
	})
}

func eventStruct(e master.Event) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"type":  "event",
		"event": eventFields(e),
	})
}
