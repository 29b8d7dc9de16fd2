package grpc

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding/gzip"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"topicmaster/broker/internal/config"
	"topicmaster/broker/internal/logging"
	"topicmaster/broker/internal/master"
	"topicmaster/broker/internal/registry"
)

func populatedRegistry() *registry.Registry {
	reg := registry.New()
	reg.AddNamespace("default")
	reg.AddPublisher(registry.Publisher{Topic: "/foo", MessageType: "T", Host: "h1", Port: 111, ConnectionID: 1})
	reg.AddSubscriber(registry.Subscriber{Topic: "/foo", MessageType: "T", Host: "h2", Port: 222, Latching: true, ConnectionID: 2})
	return reg
}

func startServer(t *testing.T, view RegistryView, events EventSource, opts ...grpc.ServerOption) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer(opts...)
	Register(server, NewService(view, events, WithLogger(logging.NewTestLogger())))
	go func() {
		_ = server.Serve(lis)
	}()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn)
}

func callContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestListNamespacesAndPublishers(t *testing.T) {
	client := startServer(t, populatedRegistry(), nil)
	ctx := callContext(t)

	ns, err := client.ListNamespaces(ctx)
	if err != nil {
		t.Fatalf("list namespaces: %v", err)
	}
	names, _ := ns.AsMap()["namespaces"].([]any)
	if len(names) != 1 || names[0] != "default" {
		t.Fatalf("unexpected namespaces %v", ns.AsMap())
	}

	pubs, err := client.ListPublishers(ctx, grpc.UseCompressor(gzip.Name))
	if err != nil {
		t.Fatalf("list publishers: %v", err)
	}
	list, _ := pubs.AsMap()["publishers"].([]any)
	if len(list) != 1 {
		t.Fatalf("expected one publisher, got %v", pubs.AsMap())
	}
	pub := list[0].(map[string]any)
	if pub["topic"] != "/foo" || pub["host"] != "h1" || pub["port"] != float64(111) || pub["msg_type"] != "T" {
		t.Fatalf("unexpected publisher %v", pub)
	}
}

func TestGetTopicInfo(t *testing.T) {
	client := startServer(t, populatedRegistry(), nil)
	ctx := callContext(t)

	info, err := client.GetTopicInfo(ctx, "/foo")
	if err != nil {
		t.Fatalf("topic info: %v", err)
	}
	fields := info.AsMap()
	subs, _ := fields["subscribers"].([]any)
	if fields["msg_type"] != "T" || len(subs) != 1 || subs[0].(map[string]any)["latching"] != true {
		t.Fatalf("unexpected topic info %v", fields)
	}

	unknown, err := client.GetTopicInfo(ctx, "/missing")
	if err != nil {
		t.Fatalf("unknown topic: %v", err)
	}
	if pubs, _ := unknown.AsMap()["publishers"].([]any); len(pubs) != 0 {
		t.Fatalf("expected no publishers for unknown topic, got %v", pubs)
	}

	if _, err := client.GetTopicInfo(ctx, " "); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestWatchRegistryStreamsSnapshotThenEvents(t *testing.T) {
	feed := NewFeed(logging.NewTestLogger(), 4)
	client := startServer(t, populatedRegistry(), feed)
	ctx := callContext(t)

	stream, err := client.WatchRegistry(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	first, err := stream.Recv()
	if err != nil {
		t.Fatalf("recv snapshot: %v", err)
	}
	if first.AsMap()["type"] != "snapshot" {
		t.Fatalf("expected snapshot first, got %v", first.AsMap())
	}
	if feed.Watchers() != 1 {
		t.Fatalf("expected one watcher, got %d", feed.Watchers())
	}

	feed.Publish(master.Event{Type: master.EventPublisherAdd, At: time.Unix(10, 0), Topic: "/bar", Host: "h3", Port: 333})
	frame, err := stream.Recv()
	if err != nil {
		t.Fatalf("recv event: %v", err)
	}
	event, _ := frame.AsMap()["event"].(map[string]any)
	if event["type"] != "publisher_add" || event["topic"] != "/bar" || event["port"] != float64(333) {
		t.Fatalf("unexpected event frame %v", frame.AsMap())
	}
	if _, ok := event["namespace"]; ok {
		t.Fatalf("expected empty attributes to be omitted, got %v", event)
	}

	feed.Close()
	if _, err := stream.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after feed close, got %v", err)
	}
}

func TestWatchRegistryWithoutFeedFails(t *testing.T) {
	client := startServer(t, populatedRegistry(), nil)
	stream, err := client.WatchRegistry(callContext(t))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if _, err := stream.Recv(); status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("expected failed precondition, got %v", err)
	}
}

func TestSharedSecretGuardsUnaryAndStream(t *testing.T) {
	cfg := &config.Config{GRPCAuthMode: config.GRPCAuthModeSharedSecret, GRPCSharedSecret: "hunter2"}
	opts, err := ServerOptions(cfg, logging.NewTestLogger())
	if err != nil {
		t.Fatalf("server options: %v", err)
	}
	feed := NewFeed(logging.NewTestLogger(), 1)
	client := startServer(t, populatedRegistry(), feed, opts...)
	ctx := callContext(t)

	if _, err := client.ListNamespaces(ctx); status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated without secret, got %v", err)
	}
	stream, err := client.WatchRegistry(ctx)
	if err == nil {
		_, err = stream.Recv()
	}
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected unauthenticated stream, got %v", err)
	}

	authed := WithSharedSecret(ctx, "hunter2")
	if _, err := client.ListNamespaces(authed); err != nil {
		t.Fatalf("expected secret to be accepted: %v", err)
	}
}

func TestFeedDropsForLaggingWatcher(t *testing.T) {
	feed := NewFeed(logging.NewTestLogger(), 1)
	ch, cancel, err := feed.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	feed.Publish(master.Event{Type: master.EventNamespaceAdd, Namespace: "a"})
	feed.Publish(master.Event{Type: master.EventNamespaceAdd, Namespace: "b"})

	if got := <-ch; got.Namespace != "a" {
		t.Fatalf("expected first event to survive, got %+v", got)
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected channel closed after cancel")
	}
	if feed.Watchers() != 0 {
		t.Fatalf("expected watcher removed")
	}

	feed.Close()
	late, _, err := feed.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe after close: %v", err)
	}
	if _, ok := <-late; ok {
		t.Fatalf("expected closed channel after feed close")
	}
}

func TestFeedSubscriptionEndsWithContext(t *testing.T) {
	feed := NewFeed(logging.NewTestLogger(), 1)
	ctx, cancel := context.WithCancel(context.Background())
	ch, _, err := feed.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription outlived its context")
	}
}
