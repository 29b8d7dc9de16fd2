package registry

import "testing"

func TestAddNamespaceIsIdempotent(t *testing.T) {
	r := New()
	if !r.AddNamespace("default") {
		t.Fatalf("expected first namespace registration to succeed")
	}
	if r.AddNamespace("default") {
		t.Fatalf("expected duplicate namespace to be ignored")
	}
	if r.AddNamespace("") {
		t.Fatalf("expected empty namespace to be rejected")
	}
	r.AddNamespace("world")
	got := r.AllNamespaces()
	if len(got) != 2 || got[0] != "default" || got[1] != "world" {
		t.Fatalf("unexpected namespaces %v", got)
	}
}

func TestAddPublisherRefreshesDuplicates(t *testing.T) {
	r := New()
	r.AddSubscriber(Subscriber{Topic: "/foo", Host: "h2", Port: 222, ConnectionID: 2})

	notify, added := r.AddPublisher(Publisher{Topic: "/foo", MessageType: "T", Host: "h1", Port: 111, ConnectionID: 1})
	if !added || len(notify) != 1 || notify[0].ConnectionID != 2 {
		t.Fatalf("expected new publisher to notify the subscriber, got added=%v notify=%+v", added, notify)
	}

	notify, added = r.AddPublisher(Publisher{Topic: "/foo", MessageType: "T2", Host: "h1", Port: 111, ConnectionID: 3})
	if added || notify != nil {
		t.Fatalf("expected duplicate advertise to be a refresh, got added=%v notify=%+v", added, notify)
	}
	pubs := r.PublishersOf("/foo")
	if len(pubs) != 1 {
		t.Fatalf("expected exactly one record per (topic, host, port), got %d", len(pubs))
	}
	if pubs[0].MessageType != "T2" || pubs[0].ConnectionID != 3 {
		t.Fatalf("expected refreshed record, got %+v", pubs[0])
	}
}

func TestAddSubscriberReturnsExistingPublishers(t *testing.T) {
	r := New()
	r.AddPublisher(Publisher{Topic: "/foo", MessageType: "T", Host: "h1", Port: 111, ConnectionID: 1})
	r.AddPublisher(Publisher{Topic: "/foo", MessageType: "T", Host: "h3", Port: 333, ConnectionID: 3})
	r.AddPublisher(Publisher{Topic: "/bar", MessageType: "T", Host: "h1", Port: 111, ConnectionID: 1})

	pubs, added := r.AddSubscriber(Subscriber{Topic: "/foo", Host: "h2", Port: 222, ConnectionID: 2})
	if !added || len(pubs) != 2 {
		t.Fatalf("expected both /foo publishers, got added=%v pubs=%+v", added, pubs)
	}
	if pubs[0].Host != "h1" || pubs[1].Host != "h3" {
		t.Fatalf("expected insertion order, got %+v", pubs)
	}

	pubs, added = r.AddSubscriber(Subscriber{Topic: "/foo", Host: "h2", Port: 222, ConnectionID: 2})
	if added || len(pubs) != 2 {
		t.Fatalf("expected repeated subscribe to refresh and still list publishers, got added=%v pubs=%d", added, len(pubs))
	}
	if n := len(r.SubscribersOf("/foo")); n != 1 {
		t.Fatalf("expected one subscriber record, got %d", n)
	}
}

func TestRemovePublisherAndSubscriber(t *testing.T) {
	r := New()
	r.AddPublisher(Publisher{Topic: "/foo", MessageType: "T", Host: "h1", Port: 111, ConnectionID: 1})
	r.AddSubscriber(Subscriber{Topic: "/foo", Host: "h2", Port: 222, ConnectionID: 2})

	if _, _, ok := r.RemovePublisher("/foo", "h1", 999); ok {
		t.Fatalf("expected unknown publisher removal to fail")
	}
	removed, notify, ok := r.RemovePublisher("/foo", "h1", 111)
	if !ok || removed.ConnectionID != 1 || len(notify) != 1 || notify[0].Host != "h2" {
		t.Fatalf("unexpected removal result ok=%v removed=%+v notify=%+v", ok, removed, notify)
	}
	if len(r.PublishersOf("/foo")) != 0 {
		t.Fatalf("expected no publishers left")
	}

	r.AddPublisher(Publisher{Topic: "/foo", MessageType: "T", Host: "h1", Port: 111, ConnectionID: 1})
	sub, pubs, ok := r.RemoveSubscriber("/foo", "h2", 222)
	if !ok || sub.ConnectionID != 2 || len(pubs) != 1 {
		t.Fatalf("unexpected subscriber removal ok=%v sub=%+v pubs=%+v", ok, sub, pubs)
	}
	if _, _, ok := r.RemoveSubscriber("/foo", "h2", 222); ok {
		t.Fatalf("expected second removal to report false")
	}
}

func TestRemoveConnectionCascades(t *testing.T) {
	r := New()
	r.AddPublisher(Publisher{Topic: "/a", MessageType: "T", Host: "h1", Port: 1, ConnectionID: 1})
	r.AddPublisher(Publisher{Topic: "/b", MessageType: "T", Host: "h1", Port: 1, ConnectionID: 1})
	r.AddPublisher(Publisher{Topic: "/b", MessageType: "T", Host: "h2", Port: 2, ConnectionID: 2})
	r.AddSubscriber(Subscriber{Topic: "/a", Host: "h1", Port: 1, ConnectionID: 1})
	r.AddSubscriber(Subscriber{Topic: "/a", Host: "h2", Port: 2, ConnectionID: 2})

	pubs, subs := r.RemoveConnection(1)
	if len(pubs) != 2 || pubs[0].Topic != "/a" || pubs[1].Topic != "/b" {
		t.Fatalf("unexpected removed publishers %+v", pubs)
	}
	if len(subs) != 1 || subs[0].Topic != "/a" {
		t.Fatalf("unexpected removed subscribers %+v", subs)
	}
	for _, pub := range r.AllPublishers() {
		if pub.ConnectionID == 1 {
			t.Fatalf("publisher of removed connection survived: %+v", pub)
		}
	}
	for _, sub := range r.AllSubscribers() {
		if sub.ConnectionID == 1 {
			t.Fatalf("subscriber of removed connection survived: %+v", sub)
		}
	}
	counts := r.Counts()
	if counts.Publishers != 1 || counts.Subscribers != 1 || counts.Topics != 2 {
		t.Fatalf("unexpected counts %+v", counts)
	}

	if pubs, subs := r.RemoveConnection(1); pubs != nil || subs != nil {
		t.Fatalf("expected second cascade to be empty")
	}
}

func TestTopicInfoAndLookups(t *testing.T) {
	r := New()
	info := r.TopicInfo("/missing")
	if info.MessageType != "" || info.Publishers != nil || info.Subscribers != nil {
		t.Fatalf("expected empty info for unknown topic, got %+v", info)
	}

	r.AddSubscriber(Subscriber{Topic: "/foo", Host: "h2", Port: 222, MessageType: "S", ConnectionID: 2})
	if info := r.TopicInfo("/foo"); info.MessageType != "S" {
		t.Fatalf("expected subscriber type when no publisher exists, got %q", info.MessageType)
	}
	r.AddPublisher(Publisher{Topic: "/foo", MessageType: "T", Host: "h1", Port: 111, ConnectionID: 1})
	info = r.TopicInfo("/foo")
	if info.MessageType != "T" || len(info.Publishers) != 1 || len(info.Subscribers) != 1 {
		t.Fatalf("unexpected topic info %+v", info)
	}

	if id, ok := r.FindConnectionByAddress("h2", 222); !ok || id != 2 {
		t.Fatalf("expected lookup by subscriber address, got id=%d ok=%v", id, ok)
	}
	if _, ok := r.FindConnectionByAddress("nowhere", 1); ok {
		t.Fatalf("expected unknown address to miss")
	}

	r.AddPublisher(Publisher{Topic: "/alpha", MessageType: "T", Host: "h1", Port: 111, ConnectionID: 1})
	topics := r.Topics()
	if len(topics) != 2 || topics[0] != "/alpha" || topics[1] != "/foo" {
		t.Fatalf("expected sorted topics, got %v", topics)
	}
}

func TestReturnedSlicesAreCopies(t *testing.T) {
	r := New()
	r.AddPublisher(Publisher{Topic: "/foo", MessageType: "T", Host: "h1", Port: 111, ConnectionID: 1})
	pubs := r.PublishersOf("/foo")
	pubs[0].Host = "mutated"
	if r.PublishersOf("/foo")[0].Host != "h1" {
		t.Fatalf("expected registry state to be isolated from callers")
	}
}
