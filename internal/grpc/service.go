package grpc

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	_ "google.golang.org/grpc/encoding/gzip"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"topicmaster/broker/internal/logging"
)

// ServiceName is the fully qualified introspection service name.
const ServiceName = "topicmaster.v1.Introspection"

const (
	listNamespacesMethod = "/" + ServiceName + "/ListNamespaces"
	listPublishersMethod = "/" + ServiceName + "/ListPublishers"
	getTopicInfoMethod   = "/" + ServiceName + "/GetTopicInfo"
	watchRegistryMethod  = "/" + ServiceName + "/WatchRegistry"
)

// IntrospectionServer is the server API of the introspection service.
type IntrospectionServer interface {
	ListNamespaces(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListPublishers(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetTopicInfo(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	WatchRegistry(*emptypb.Empty, grpc.ServerStreamingServer[structpb.Struct]) error
}

// Option customises the behaviour of the introspection service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.log = logger
		}
	}
}

// Service answers read-only registry queries and streams registry events.
type Service struct {
	registry RegistryView
	events   EventSource
	log      *logging.Logger
}

// NewService wires the service to a registry view and an event source. A nil
// event source disables WatchRegistry.
func NewService(view RegistryView, events EventSource, opts ...Option) *Service {
	service := &Service{registry: view, events: events, log: logging.L()}
	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}
	return service
}

// Register attaches the service to server.
func Register(server grpc.ServiceRegistrar, service *Service) {
	server.RegisterService(&ServiceDesc, service)
}

// ListNamespaces returns {"namespaces": [...]}.
func (s *Service) ListNamespaces(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s == nil || s.registry == nil {
		return nil, status.Error(codes.FailedPrecondition, "registry unavailable")
	}
	out, err := structpb.NewStruct(map[string]any{"namespaces": stringList(s.registry.AllNamespaces())})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode namespaces: %v", err)
	}
	return out, nil
}

// ListPublishers returns {"publishers": [...]} across all topics.
func (s *Service) ListPublishers(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s == nil || s.registry == nil {
		return nil, status.Error(codes.FailedPrecondition, "registry unavailable")
	}
	out, err := structpb.NewStruct(map[string]any{"publishers": publisherList(s.registry.AllPublishers())})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode publishers: %v", err)
	}
	return out, nil
}

// GetTopicInfo describes one topic. Unknown topics yield empty lists.
func (s *Service) GetTopicInfo(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if s == nil || s.registry == nil {
		return nil, status.Error(codes.FailedPrecondition, "registry unavailable")
	}
	topic := strings.TrimSpace(req.GetValue())
	if topic == "" {
		return nil, status.Error(codes.InvalidArgument, "topic is required")
	}
	info := s.registry.TopicInfo(topic)
	out, err := structpb.NewStruct(map[string]any{
		"topic":       topic,
		"msg_type":    info.MessageType,
		"publishers":  publisherList(info.Publishers),
		"subscribers": subscriberList(info.Subscribers),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode topic info: %v", err)
	}
	return out, nil
}

// WatchRegistry sends a registry snapshot followed by every master event.
func (s *Service) WatchRegistry(_ *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	if s == nil || s.registry == nil || s.events == nil {
		return status.Error(codes.FailedPrecondition, "streaming unavailable")
	}
	ctx := stream.Context()
	log := logging.FromContextOr(ctx, s.log)
	//1.- Subscribe before the snapshot so no change falls between the two.
	events, cancel, err := s.events.Subscribe(ctx)
	if err != nil {
		return status.Errorf(codes.Internal, "subscribe events: %v", err)
	}
	defer cancel()

	snapshot, err := snapshotStruct(s.registry)
	if err != nil {
		return status.Errorf(codes.Internal, "encode snapshot: %v", err)
	}
	if err := stream.Send(snapshot); err != nil {
		return err
	}
	log.Debug("registry watch started")

	for {
		select {
		case <-ctx.Done():
			//2.- Surface context cancellation so clients can retry.
			if errors.Is(ctx.Err(), context.Canceled) {
				return status.Error(codes.Canceled, "stream cancelled")
			}
			return status.Error(codes.DeadlineExceeded, "stream deadline exceeded")
		case event, ok := <-events:
			if !ok {
				//3.- The feed closed; the master is shutting down.
				return nil
			}
			frame, err := eventStruct(event)
			if err != nil {
				log.Warn("encode registry event failed", logging.Error(err))
				continue
			}
			if err := stream.Send(frame); err != nil {
				return err
			}
		}
	}
}

var _ IntrospectionServer = (*Service)(nil)

func listNamespacesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IntrospectionServer).ListNamespaces(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: listNamespacesMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IntrospectionServer).ListNamespaces(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func listPublishersHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IntrospectionServer).ListPublishers(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: listPublishersMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IntrospectionServer).ListPublishers(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func getTopicInfoHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(IntrospectionServer).GetTopicInfo(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getTopicInfoMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(IntrospectionServer).GetTopicInfo(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func watchRegistryHandler(srv any, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(IntrospectionServer).WatchRegistry(in, &grpc.GenericServerStream[emptypb.Empty, structpb.Struct]{ServerStream: stream})
}

// ServiceDesc describes the introspection service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*IntrospectionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListNamespaces", Handler: listNamespacesHandler},
		{MethodName: "ListPublishers", Handler: listPublishersHandler},
		{MethodName: "GetTopicInfo", Handler: getTopicInfoHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchRegistry", Handler: watchRegistryHandler, ServerStreams: true},
	},
	Metadata: "topicmaster/v1/introspection.proto",
}
