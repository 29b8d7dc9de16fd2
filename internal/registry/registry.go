package registry

import (
	"sort"
	"sync"

	"topicmaster/broker/internal/transport"
)

// ConnectionID references the owning connection of a record.
type ConnectionID = transport.ConnectionID

// Publisher records that a peer offers data for a topic.
type Publisher struct {
	Topic        string       `json:"topic"`
	MessageType  string       `json:"msg_type"`
	Host         string       `json:"host"`
	Port         uint16       `json:"port"`
	ConnectionID ConnectionID `json:"conn_id"`
}

// Subscriber records that a peer wants data for a topic.
type Subscriber struct {
	Topic        string       `json:"topic"`
	Host         string       `json:"host"`
	Port         uint16       `json:"port"`
	Latching     bool         `json:"latching"`
	MessageType  string       `json:"msg_type,omitempty"`
	ConnectionID ConnectionID `json:"conn_id"`
}

// Counts summarises registry size.
type Counts struct {
	Namespaces  int `json:"namespaces"`
	Topics      int `json:"topics"`
	Publishers  int `json:"publishers"`
	Subscribers int `json:"subscribers"`
}

// TopicInfo describes everything known about one topic.
type TopicInfo struct {
	MessageType string       `json:"msg_type"`
	Publishers  []Publisher  `json:"publishers"`
	Subscribers []Subscriber `json:"subscribers"`
}

// Registry holds the namespaces and endpoint records known to the master. Records
// are indexed by topic and unique per (topic, host, port). All methods are safe for
// concurrent use; a single non-reentrant lock guards every operation, including the
// connection cascade.
type Registry struct {
	mu          sync.RWMutex
	namespaces  []string
	publishers  map[string][]Publisher
	subscribers map[string][]Subscriber
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{
		publishers:  make(map[string][]Publisher),
		subscribers: make(map[string][]Subscriber),
	}
}

// AddNamespace registers a topic namespace and reports whether it was new.
func (r *Registry) AddNamespace(name string) bool {
	if name == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.namespaces {
		if existing == name {
			return false
		}
	}
	r.namespaces = append(r.namespaces, name)
	return true
}

// AddPublisher stores rec and returns the subscribers of its topic that should
// learn about it. Re-advertising an existing (topic, host, port) refreshes the
// record's type and owner, returns added=false and no notify targets.
func (r *Registry) AddPublisher(rec Publisher) (notify []Subscriber, added bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.publishers[rec.Topic]
	for i := range list {
		if list[i].Host == rec.Host && list[i].Port == rec.Port {
			list[i].MessageType = rec.MessageType
			list[i].ConnectionID = rec.ConnectionID
			return nil, false
		}
	}
	r.publishers[rec.Topic] = append(list, rec)
	return cloneSubscribers(r.subscribers[rec.Topic]), true
}

// RemovePublisher deletes the publisher identified by (topic, host, port) and
// returns it together with the topic's subscribers. ok is false when no such
// record exists.
func (r *Registry) RemovePublisher(topic, host string, port uint16) (removed Publisher, notify []Subscriber, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed, ok = r.removePublisherLocked(topic, host, port)
	if !ok {
		return Publisher{}, nil, false
	}
	return removed, cloneSubscribers(r.subscribers[topic]), true
}

// AddSubscriber stores rec and returns the topic's current publishers so the new
// subscriber can be told about each of them. A repeated (topic, host, port)
// refreshes the owner and reports added=false; publishers are still returned.
func (r *Registry) AddSubscriber(rec Subscriber) (publishers []Publisher, added bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.subscribers[rec.Topic]
	added = true
	for i := range list {
		if list[i].Host == rec.Host && list[i].Port == rec.Port {
			list[i].ConnectionID = rec.ConnectionID
			list[i].Latching = rec.Latching
			list[i].MessageType = rec.MessageType
			added = false
			break
		}
	}
	if added {
		r.subscribers[rec.Topic] = append(list, rec)
	}
	return clonePublishers(r.publishers[rec.Topic]), added
}

// RemoveSubscriber deletes the subscriber identified by (topic, host, port) and
// returns it with the topic's publishers, which must stop sending to it.
func (r *Registry) RemoveSubscriber(topic, host string, port uint16) (removed Subscriber, notify []Publisher, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed, ok = r.removeSubscriberLocked(topic, host, port)
	if !ok {
		return Subscriber{}, nil, false
	}
	return removed, clonePublishers(r.publishers[topic]), true
}

// RemoveConnection removes every record owned by id in one critical section and
// returns what was removed, in insertion order per topic.
func (r *Registry) RemoveConnection(id ConnectionID) (publishers []Publisher, subscribers []Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, topic := range sortedKeys(r.publishers) {
		kept := r.publishers[topic][:0]
		for _, pub := range r.publishers[topic] {
			if pub.ConnectionID == id {
				publishers = append(publishers, pub)
				continue
			}
			kept = append(kept, pub)
		}
		r.storePublishers(topic, kept)
	}
	for _, topic := range sortedKeys(r.subscribers) {
		kept := r.subscribers[topic][:0]
		for _, sub := range r.subscribers[topic] {
			if sub.ConnectionID == id {
				subscribers = append(subscribers, sub)
				continue
			}
			kept = append(kept, sub)
		}
		r.storeSubscribers(topic, kept)
	}
	return publishers, subscribers
}

// FindConnectionByAddress returns the connection owning any record advertised
// with host and port.
func (r *Registry) FindConnectionByAddress(host string, port uint16) (ConnectionID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, list := range r.publishers {
		for _, pub := range list {
			if pub.Host == host && pub.Port == port {
				return pub.ConnectionID, true
			}
		}
	}
	for _, list := range r.subscribers {
		for _, sub := range list {
			if sub.Host == host && sub.Port == port {
				return sub.ConnectionID, true
			}
		}
	}
	return 0, false
}

// PublishersOf returns a copy of the publishers of topic.
func (r *Registry) PublishersOf(topic string) []Publisher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return clonePublishers(r.publishers[topic])
}

// SubscribersOf returns a copy of the subscribers of topic.
func (r *Registry) SubscribersOf(topic string) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSubscribers(r.subscribers[topic])
}

// AllPublishers returns every publisher ordered by topic, then insertion.
func (r *Registry) AllPublishers() []Publisher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Publisher
	for _, topic := range sortedKeys(r.publishers) {
		out = append(out, r.publishers[topic]...)
	}
	return out
}

// AllSubscribers returns every subscriber ordered by topic, then insertion.
func (r *Registry) AllSubscribers() []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Subscriber
	for _, topic := range sortedKeys(r.subscribers) {
		out = append(out, r.subscribers[topic]...)
	}
	return out
}

// AllNamespaces returns the registered namespaces in registration order.
func (r *Registry) AllNamespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.namespaces...)
}

// Topics returns every topic with at least one publisher or subscriber, sorted.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{}, len(r.publishers)+len(r.subscribers))
	for topic := range r.publishers {
		seen[topic] = struct{}{}
	}
	for topic := range r.subscribers {
		seen[topic] = struct{}{}
	}
	return sortedKeys(seen)
}

// TopicInfo describes topic. An unknown topic yields an empty TopicInfo.
func (r *Registry) TopicInfo(topic string) TopicInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info := TopicInfo{
		Publishers:  clonePublishers(r.publishers[topic]),
		Subscribers: cloneSubscribers(r.subscribers[topic]),
	}
	if len(info.Publishers) > 0 {
		info.MessageType = info.Publishers[0].MessageType
	} else {
		for _, sub := range info.Subscribers {
			if sub.MessageType != "" {
				info.MessageType = sub.MessageType
				break
			}
		}
	}
	return info
}

// Counts returns the current registry size.
func (r *Registry) Counts() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := Counts{Namespaces: len(r.namespaces)}
	topics := make(map[string]struct{})
	for topic, list := range r.publishers {
		counts.Publishers += len(list)
		topics[topic] = struct{}{}
	}
	for topic, list := range r.subscribers {
		counts.Subscribers += len(list)
		topics[topic] = struct{}{}
	}
	counts.Topics = len(topics)
	return counts
}

func (r *Registry) removePublisherLocked(topic, host string, port uint16) (Publisher, bool) {
	list := r.publishers[topic]
	for i, pub := range list {
		if pub.Host == host && pub.Port == port {
			r.storePublishers(topic, append(list[:i:i], list[i+1:]...))
			return pub, true
		}
	}
	return Publisher{}, false
}

func (r *Registry) removeSubscriberLocked(topic, host string, port uint16) (Subscriber, bool) {
	list := r.subscribers[topic]
	for i, sub := range list {
		if sub.Host == host && sub.Port == port {
			r.storeSubscribers(topic, append(list[:i:i], list[i+1:]...))
			return sub, true
		}
	}
	return Subscriber{}, false
}

func (r *Registry) storePublishers(topic string, list []Publisher) {
	if len(list) == 0 {
		delete(r.publishers, topic)
		return
	}
	r.publishers[topic] = list
}

func (r *Registry) storeSubscribers(topic string, list []Subscriber) {
	if len(list) == 0 {
		delete(r.subscribers, topic)
		return
	}
	r.subscribers[topic] = list
}

func clonePublishers(in []Publisher) []Publisher {
	if len(in) == 0 {
		return nil
	}
	return append([]Publisher(nil), in...)
}

func cloneSubscribers(in []Subscriber) []Subscriber {
	if len(in) == 0 {
		return nil
	}
	return append([]Subscriber(nil), in...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
