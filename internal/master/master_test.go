package master

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"topicmaster/broker/internal/discovery"
	"topicmaster/broker/internal/logging"
	"topicmaster/broker/internal/metrics"
	"topicmaster/broker/internal/transport"
	"topicmaster/broker/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitTimeout = 2 * time.Second

func startMaster(t *testing.T, opts ...Option) *Master {
	t.Helper()
	opts = append([]Option{WithLogger(logging.NewTestLogger()), WithTickInterval(2 * time.Millisecond)}, opts...)
	m := New(opts...)
	if err := m.InitAddr("127.0.0.1:0"); err != nil {
		t.Fatalf("init: %v", err)
	}
	m.RunThread()
	t.Cleanup(m.Fini)
	return m
}

func dialPeer(t *testing.T, m *Master) *discovery.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	client, err := discovery.Dial(ctx, m.Addr().String(), transport.WithLogger(logging.NewTestLogger()))
	if err != nil {
		t.Fatalf("dial master: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

// barrier returns once the master has dispatched everything the client sent before it.
func barrier(t *testing.T, client *discovery.Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if _, err := client.GetTopicNamespaces(ctx); err != nil {
		t.Fatalf("barrier request: %v", err)
	}
}

func waitUpdate(t *testing.T, client *discovery.Client, packetType string) discovery.Update {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case update, ok := <-client.Updates():
			if !ok {
				t.Fatalf("updates closed while waiting for %s", packetType)
			}
			if update.Type == packetType {
				return update
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", packetType)
		}
	}
}

// drainUpdates collects notifications until the stream has been quiet for a while.
func drainUpdates(client *discovery.Client) []discovery.Update {
	var out []discovery.Update
	for {
		select {
		case update, ok := <-client.Updates():
			if !ok {
				return out
			}
			out = append(out, update)
		case <-time.After(100 * time.Millisecond):
			return out
		}
	}
}

func countType(updates []discovery.Update, packetType string) int {
	n := 0
	for _, update := range updates {
		if update.Type == packetType {
			n++
		}
	}
	return n
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestHandshakeCarriesCurrentState(t *testing.T) {
	m := startMaster(t)

	first := dialPeer(t, m)
	if first.Version() != wire.VersionString {
		t.Fatalf("unexpected version %q", first.Version())
	}
	if len(first.Namespaces()) != 0 || len(first.Publishers()) != 0 {
		t.Fatalf("expected empty handshake on a fresh master")
	}

	if err := first.RegisterNamespace("default"); err != nil {
		t.Fatalf("register namespace: %v", err)
	}
	if err := first.Advertise("/foo", "T", "h1", 111); err != nil {
		t.Fatalf("advertise: %v", err)
	}
	barrier(t, first)

	second := dialPeer(t, m)
	if ns := second.Namespaces(); len(ns) != 1 || ns[0] != "default" {
		t.Fatalf("unexpected handshake namespaces %v", ns)
	}
	pubs := second.Publishers()
	if len(pubs) != 1 || pubs[0].Topic != "/foo" || pubs[0].Port != 111 {
		t.Fatalf("unexpected handshake publishers %+v", pubs)
	}
}

func TestSubscriberLearnsAboutExistingPublisher(t *testing.T) {
	m := startMaster(t)

	a := dialPeer(t, m)
	if err := a.Advertise("/foo", "T", "h1", 111); err != nil {
		t.Fatalf("advertise: %v", err)
	}
	barrier(t, a)

	b := dialPeer(t, m)
	unrelated := dialPeer(t, m)
	if err := unrelated.Subscribe("/bar", "T", "h3", 333, false); err != nil {
		t.Fatalf("subscribe unrelated: %v", err)
	}
	if err := b.Subscribe("/foo", "", "h2", 222, false); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	update := waitUpdate(t, b, wire.TypePublisherUpdate)
	if update.Publish.Topic != "/foo" || update.Publish.Host != "h1" || update.Publish.Port != 111 || update.Publish.MsgType != "T" {
		t.Fatalf("unexpected publisher_update %+v", update.Publish)
	}
	if n := countType(drainUpdates(b), wire.TypePublisherUpdate); n != 0 {
		t.Fatalf("expected a single replay, got %d extra", n)
	}
	if n := countType(drainUpdates(unrelated), wire.TypePublisherUpdate); n != 0 {
		t.Fatalf("unrelated subscriber received %d publisher_update", n)
	}
}

func TestPublisherDisconnectCascades(t *testing.T) {
	m := startMaster(t)

	a := dialPeer(t, m)
	if err := a.Advertise("/foo", "T", "h1", 111); err != nil {
		t.Fatalf("advertise: %v", err)
	}
	if err := a.Subscribe("/baz", "T", "h1", 111, false); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	barrier(t, a)

	b := dialPeer(t, m)
	if err := b.Subscribe("/foo", "", "h2", 222, false); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Advertise("/baz", "T", "h2", 222); err != nil {
		t.Fatalf("advertise: %v", err)
	}
	waitUpdate(t, b, wire.TypePublisherUpdate)
	barrier(t, b)

	a.Close()

	removed := waitUpdate(t, b, wire.TypeUnadvertise)
	if removed.Publish.Topic != "/foo" || removed.Publish.Host != "h1" || removed.Publish.Port != 111 {
		t.Fatalf("unexpected unadvertise %+v", removed.Publish)
	}
	withdrawn := waitUpdate(t, b, wire.TypeUnsubscribe)
	if withdrawn.Subscribe.Topic != "/baz" || withdrawn.Subscribe.Host != "h1" {
		t.Fatalf("unexpected unsubscribe %+v", withdrawn.Subscribe)
	}
	if pubs := m.Registry().PublishersOf("/foo"); len(pubs) != 0 {
		t.Fatalf("expected no publishers for /foo, got %+v", pubs)
	}
	if subs := m.Registry().SubscribersOf("/baz"); len(subs) != 0 {
		t.Fatalf("expected no subscribers for /baz, got %+v", subs)
	}
	eventually(t, "connection removal", func() bool { return m.Stats().Connections == 1 })
}

func TestDisconnectRemovesEveryRecordOfThePeer(t *testing.T) {
	m := startMaster(t)

	a := dialPeer(t, m)
	for _, topic := range []string{"/foo", "/bar"} {
		if err := a.Advertise(topic, "T", "h1", 111); err != nil {
			t.Fatalf("advertise %s: %v", topic, err)
		}
	}
	if err := a.Subscribe("/baz", "T", "h1", 111, false); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	barrier(t, a)

	observer := dialPeer(t, m)
	barrier(t, observer)
	drainUpdates(observer)

	a.Close()
	eventually(t, "connection removal", func() bool { return m.Stats().Connections == 1 })

	updates := drainUpdates(observer)
	if got := countType(updates, wire.TypePublisherDel); got != 2 {
		t.Fatalf("expected 2 publisher_del, got %d (%+v)", got, updates)
	}
	if got := countType(updates, wire.TypeUnsubscribe); got != 0 {
		t.Fatalf("observer publishes nothing, expected no unsubscribe, got %d", got)
	}
	stats := m.Stats()
	if stats.Publishers != 0 || stats.Subscribers != 0 || stats.Topics != 0 {
		t.Fatalf("expected empty registry, got %+v", stats)
	}
}

func TestConnectionOpenIsEmittedByTheTick(t *testing.T) {
	var mu sync.Mutex
	var events []Event
	m := New(
		WithLogger(logging.NewTestLogger()),
		WithEventSink(func(e Event) {
			mu.Lock()
			events = append(events, e)
			mu.Unlock()
		}),
	)
	if err := m.InitAddr("127.0.0.1:0"); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(m.Fini)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	conn, err := transport.Dial(ctx, m.Addr().String(), transport.WithLogger(logging.NewTestLogger()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() {
		conn.Close()
		conn.Wait()
	}()
	eventually(t, "accepted connection", func() bool { return m.Stats().Connections == 1 })

	mu.Lock()
	pending := len(events)
	mu.Unlock()
	if pending != 0 {
		t.Fatalf("expected no events before a tick, got %+v", events)
	}

	m.RunOnce()
	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 || events[0].Type != EventConnectionOpen {
		t.Fatalf("expected one connection_open event, got %+v", events)
	}
}

func TestEmptyNamespaceRequest(t *testing.T) {
	m := startMaster(t)
	client := dialPeer(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	namespaces, err := client.GetTopicNamespaces(ctx)
	if err != nil {
		t.Fatalf("get namespaces: %v", err)
	}
	if len(namespaces) != 0 {
		t.Fatalf("expected no namespaces, got %v", namespaces)
	}
}

func TestRepeatedAdvertiseKeepsOneRecord(t *testing.T) {
	m := startMaster(t)
	observer := dialPeer(t, m)
	a := dialPeer(t, m)

	for i := 0; i < 3; i++ {
		if err := a.Advertise("/foo", "T", "h1", 111); err != nil {
			t.Fatalf("advertise: %v", err)
		}
	}
	barrier(t, a)

	if pubs := m.Registry().PublishersOf("/foo"); len(pubs) != 1 {
		t.Fatalf("expected one publisher record, got %d", len(pubs))
	}
	if n := countType(drainUpdates(observer), wire.TypePublisherAdd); n != 1 {
		t.Fatalf("expected one publisher_add broadcast, got %d", n)
	}
}

func TestSubscribeBeforeAdvertise(t *testing.T) {
	m := startMaster(t)

	b := dialPeer(t, m)
	if err := b.Subscribe("/foo", "", "h2", 222, false); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	barrier(t, b)

	a := dialPeer(t, m)
	if err := a.Advertise("/foo", "T", "h1", 111); err != nil {
		t.Fatalf("advertise: %v", err)
	}
	barrier(t, a)

	updates := drainUpdates(b)
	if n := countType(updates, wire.TypePublisherUpdate); n != 1 {
		t.Fatalf("expected exactly one publisher_update, got %d (%+v)", n, updates)
	}
	if n := countType(updates, wire.TypePublisherAdd); n != 1 {
		t.Fatalf("expected the publisher_add broadcast too, got %d", n)
	}
}

func TestNamespaceRegisteredOnce(t *testing.T) {
	m := startMaster(t)
	observer := dialPeer(t, m)
	a := dialPeer(t, m)

	if err := a.RegisterNamespace("default"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := a.RegisterNamespace("default"); err != nil {
		t.Fatalf("register: %v", err)
	}
	barrier(t, a)

	if n := countType(drainUpdates(observer), wire.TypeNamespaceAdd); n != 1 {
		t.Fatalf("expected one topic_namespace_add, got %d", n)
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	namespaces, err := observer.GetTopicNamespaces(ctx)
	if err != nil || len(namespaces) != 1 || namespaces[0] != "default" {
		t.Fatalf("unexpected namespaces %v err=%v", namespaces, err)
	}
}

func TestUnsubscribeNotifiesPublishers(t *testing.T) {
	m := startMaster(t)
	a := dialPeer(t, m)
	b := dialPeer(t, m)

	if err := a.Advertise("/foo", "T", "h1", 111); err != nil {
		t.Fatalf("advertise: %v", err)
	}
	if err := a.Advertise("/foo", "T", "h1", 112); err != nil {
		t.Fatalf("advertise: %v", err)
	}
	barrier(t, a)
	if err := b.Subscribe("/foo", "", "h2", 222, false); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := b.Unsubscribe("/foo", "h2", 222); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	barrier(t, b)

	updates := drainUpdates(a)
	if n := countType(updates, wire.TypeUnsubscribe); n != 1 {
		t.Fatalf("expected one unsubscribe per publisher connection, got %d", n)
	}
	if len(m.Registry().SubscribersOf("/foo")) != 0 {
		t.Fatalf("expected subscriber to be removed")
	}

	//1.- Withdrawing an unknown record is a no-op.
	if err := b.Unsubscribe("/foo", "h2", 222); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	barrier(t, b)
	if n := countType(drainUpdates(a), wire.TypeUnsubscribe); n != 0 {
		t.Fatalf("expected no notification for a missing record, got %d", n)
	}
}

func TestUnadvertiseNotifiesSubscribers(t *testing.T) {
	m := startMaster(t)
	a := dialPeer(t, m)
	b := dialPeer(t, m)

	if err := b.Subscribe("/foo", "", "h2", 222, false); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	barrier(t, b)
	if err := a.Advertise("/foo", "T", "h1", 111); err != nil {
		t.Fatalf("advertise: %v", err)
	}
	if err := a.Unadvertise("/foo", "T", "h1", 111); err != nil {
		t.Fatalf("unadvertise: %v", err)
	}
	barrier(t, a)

	waitUpdate(t, b, wire.TypePublisherDel)
	waitUpdate(t, b, wire.TypeUnadvertise)
	if len(m.Registry().PublishersOf("/foo")) != 0 {
		t.Fatalf("expected publisher to be removed")
	}
}

func TestRequestsAnswerFromRegistry(t *testing.T) {
	m := startMaster(t)
	a := dialPeer(t, m)
	b := dialPeer(t, m)

	if err := a.Advertise("/foo", "T", "h1", 111); err != nil {
		t.Fatalf("advertise: %v", err)
	}
	barrier(t, a)
	if err := b.Subscribe("/foo", "T", "h2", 222, true); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	barrier(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	info, err := b.TopicInfo(ctx, "/foo")
	if err != nil {
		t.Fatalf("topic info: %v", err)
	}
	if info.MsgType != "T" || len(info.Publishers) != 1 || len(info.Subscribers) != 1 || !info.Subscribers[0].Latching {
		t.Fatalf("unexpected topic info %+v", info)
	}

	missing, err := b.TopicInfo(ctx, "/nope")
	if err != nil {
		t.Fatalf("topic info for unknown topic: %v", err)
	}
	if missing.MsgType != "" || len(missing.Publishers) != 0 || len(missing.Subscribers) != 0 {
		t.Fatalf("expected empty topic info, got %+v", missing)
	}

	pubs, err := b.GetPublishers(ctx)
	if err != nil || len(pubs) != 1 || pubs[0].Host != "h1" {
		t.Fatalf("unexpected publisher list %+v err=%v", pubs, err)
	}
}

func TestMalformedInputIsDroppedNotFatal(t *testing.T) {
	collector := metrics.New()
	m := startMaster(t, WithMetrics(collector))

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	raw, err := transport.Dial(ctx, m.Addr().String(), transport.WithLogger(logging.NewTestLogger()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() {
		raw.Close()
		raw.Wait()
	}()
	replies := make(chan string, 16)
	raw.AsyncRead(func(packet []byte) {
		if packetType, _, ok := wire.Decode(packet); ok {
			replies <- packetType
		}
	})

	raw.Enqueue([]byte("not a packet"))
	raw.EnqueueMessage("no_such_type", wire.String{Data: "x"})
	raw.EnqueueMessage(wire.TypeRequest, wire.Request{Request: "no_such_request"})
	raw.EnqueueMessage(wire.TypeRequest, wire.Request{Request: wire.RequestGetTopicNamespaces})
	raw.ProcessWriteQueue()

	deadline := time.After(waitTimeout)
	for answered := false; !answered; {
		select {
		case packetType := <-replies:
			answered = packetType == wire.TypeNamespacesResponse
		case <-deadline:
			t.Fatal("connection stopped answering after malformed input")
		}
	}
	if !raw.IsOpen() {
		t.Fatalf("expected the peer to stay connected")
	}
	if stats := m.Stats(); stats.MessagesDropped < 3 {
		t.Fatalf("expected dropped messages to be counted, got %+v", stats)
	}
}

type recordingJournal struct {
	mu      sync.Mutex
	packets int
}

func (j *recordingJournal) RecordPacket(transport.ConnectionID, []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.packets++
	return nil
}

func (j *recordingJournal) count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.packets
}

func TestEventsStatsAndJournal(t *testing.T) {
	var mu sync.Mutex
	var events []EventType
	journal := &recordingJournal{}
	m := startMaster(t,
		WithEventSink(func(e Event) {
			mu.Lock()
			events = append(events, e.Type)
			mu.Unlock()
		}),
		WithJournal(journal),
	)

	a := dialPeer(t, m)
	if err := a.RegisterNamespace("default"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := a.Advertise("/foo", "T", "h1", 111); err != nil {
		t.Fatalf("advertise: %v", err)
	}
	if err := a.Subscribe("/bar", "T", "h1", 111, false); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	barrier(t, a)

	stats := m.Stats()
	if stats.Connections != 1 || stats.Publishers != 1 || stats.Subscribers != 1 || stats.Namespaces != 1 || stats.Topics != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if stats.MessagesProcessed != 4 {
		t.Fatalf("expected 4 processed messages, got %d", stats.MessagesProcessed)
	}
	if journal.count() != 4 {
		t.Fatalf("expected every packet journaled, got %d", journal.count())
	}

	a.Close()
	eventually(t, "connection close event", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) > 0 && events[len(events)-1] == EventConnectionClose
	})

	mu.Lock()
	defer mu.Unlock()
	want := []EventType{
		EventConnectionOpen, EventNamespaceAdd, EventPublisherAdd, EventSubscriberAdd,
		EventPublisherDel, EventSubscriberDel, EventConnectionClose,
	}
	if len(events) != len(want) {
		t.Fatalf("unexpected events %v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s (all %v)", i, want[i], events[i], events)
		}
	}
}

func TestInitErrors(t *testing.T) {
	m := startMaster(t)
	if err := m.InitAddr("127.0.0.1:0"); !errors.Is(err, ErrAlreadyInitialised) {
		t.Fatalf("expected ErrAlreadyInitialised, got %v", err)
	}

	other := New(WithLogger(logging.NewTestLogger()))
	defer other.Fini()
	if _, err := other.Port(); !errors.Is(err, ErrNotInitialised) {
		t.Fatalf("expected ErrNotInitialised, got %v", err)
	}
	if other.Ready() {
		t.Fatalf("expected unbound master to report not ready")
	}
	if err := other.InitAddr(m.Addr().String()); err == nil {
		t.Fatalf("expected bind failure on a busy port")
	}
}

func TestRunReturnsAfterStop(t *testing.T) {
	m := New(WithLogger(logging.NewTestLogger()), WithTickInterval(time.Millisecond))
	finished := make(chan struct{})
	go func() {
		m.Run(context.Background())
		close(finished)
	}()
	eventually(t, "first tick", func() bool { return m.Stats().Tick.Samples > 0 })
	m.Stop()
	m.Stop()
	select {
	case <-finished:
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return after Stop")
	}
	m.Fini()
}
