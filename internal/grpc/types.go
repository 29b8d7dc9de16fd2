package grpc

import (
	"context"
	"errors"
	"sync"

	"topicmaster/broker/internal/logging"
	"topicmaster/broker/internal/master"
	"topicmaster/broker/internal/registry"
)

// DefaultWatchBuffer bounds events queued for one watcher before events are dropped.
const DefaultWatchBuffer = 64

// RegistryView is the read-only registry surface the service exposes.
type RegistryView interface {
	AllNamespaces() []string
	AllPublishers() []registry.Publisher
	AllSubscribers() []registry.Subscriber
	TopicInfo(topic string) registry.TopicInfo
}

// EventSource exposes subscription semantics for master event fan-out.
type EventSource interface {
	Subscribe(ctx context.Context) (<-chan master.Event, func(), error)
}

// Feed fans master events out to gRPC watchers. Register Publish as a master
// event sink.
type Feed struct {
	log    *logging.Logger
	buffer int

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]chan master.Event
	closed bool
}

// NewFeed builds an empty feed. A non-positive buffer uses DefaultWatchBuffer.
func NewFeed(logger *logging.Logger, buffer int) *Feed {
	if logger == nil {
		logger = logging.L()
	}
	if buffer <= 0 {
		buffer = DefaultWatchBuffer
	}
	return &Feed{log: logger, buffer: buffer, subs: make(map[uint64]chan master.Event)}
}

// Subscribe registers a watcher until cancel is called or ctx ends.
func (f *Feed) Subscribe(ctx context.Context) (<-chan master.Event, func(), error) {
	if f == nil {
		return nil, func() {}, errors.New("feed is nil")
	}
	//1.- Allocate a buffered channel so slow watchers lose events instead of stalling the master.
	ch := make(chan master.Event, f.buffer)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch, func() {}, nil
	}
	f.nextID++
	id := f.nextID
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	cancel := func() {
		//2.- Unsubscribe and close exactly once.
		once.Do(func() {
			f.mu.Lock()
			if sub, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(sub)
			}
			f.mu.Unlock()
		})
	}
	if ctx != nil {
		//3.- Tie the subscription to the caller's context.
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return ch, cancel, nil
}

// Publish delivers event to every watcher without blocking.
func (f *Feed) Publish(event master.Event) {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		select {
		case ch <- event:
		default:
			f.log.Warn("registry watcher lagging; event dropped", logging.Uint64("watcher", id), logging.String("event", string(event.Type)))
		}
	}
}

// Watchers returns the number of registered watchers.
func (f *Feed) Watchers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close ends every subscription. Later subscriptions receive a closed channel.
func (f *Feed) Close() {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
