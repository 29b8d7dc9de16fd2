package topiclist

import (
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"

	"topicmaster/broker/internal/wire"
)

// Querier is the slice of the discovery client the lister needs.
type Querier interface {
	GetPublishers(ctx context.Context) ([]wire.Publish, error)
	TopicInfo(ctx context.Context, topic string) (wire.TopicInfo, error)
}

// Topics returns every advertised topic once, sorted.
func Topics(ctx context.Context, q Querier) ([]string, error) {
	pubs, err := q.GetPublishers(ctx)
	if err != nil {
		return nil, fmt.Errorf("get publishers: %w", err)
	}
	seen := make(map[string]struct{}, len(pubs))
	topics := make([]string, 0, len(pubs))
	for _, pub := range pubs {
		if _, ok := seen[pub.Topic]; ok {
			continue
		}
		seen[pub.Topic] = struct{}{}
		topics = append(topics, pub.Topic)
	}
	sort.Strings(topics)
	return topics, nil
}

// WriteTopics prints one topic per line.
func WriteTopics(w io.Writer, topics []string) error {
	for _, topic := range topics {
		if _, err := fmt.Fprintln(w, topic); err != nil {
			return err
		}
	}
	return nil
}

// WriteInfo prints a topic description in the gz topic -i layout.
func WriteInfo(w io.Writer, info wire.TopicInfo) error {
	msgType := info.MsgType
	if msgType == "" {
		msgType = "unknown"
	}
	if _, err := fmt.Fprintf(w, "Type: %s\n\nPublishers:\n", msgType); err != nil {
		return err
	}
	for _, pub := range info.Publishers {
		if _, err := fmt.Fprintf(w, "\t%s\n", endpoint(pub.Host, pub.Port)); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprint(w, "\nSubscribers:\n"); err != nil {
		return err
	}
	for _, sub := range info.Subscribers {
		suffix := ""
		if sub.Latching {
			suffix = " (latching)"
		}
		if _, err := fmt.Fprintf(w, "\t%s%s\n", endpoint(sub.Host, sub.Port), suffix); err != nil {
			return err
		}
	}
	return nil
}

func endpoint(host string, port uint16) string {
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}
