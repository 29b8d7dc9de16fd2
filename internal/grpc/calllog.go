package grpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"topicmaster/broker/internal/logging"
)

// NewLoggingUnaryInterceptor stores a per-call logger in the request context and
// records the outcome of every unary call.
func NewLoggingUnaryInterceptor(logger *logging.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = logging.L()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		callLogger := callLogger(ctx, logger, info.FullMethod)
		started := time.Now()
		resp, err := handler(logging.ContextWithLogger(ctx, callLogger), req)
		logCompletion(callLogger, started, err)
		return resp, err
	}
}

// NewLoggingStreamInterceptor does the same for streaming calls.
func NewLoggingStreamInterceptor(logger *logging.Logger) grpc.StreamServerInterceptor {
	if logger == nil {
		logger = logging.L()
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		callLogger := callLogger(ss.Context(), logger, info.FullMethod)
		started := time.Now()
		err := handler(srv, &loggedStream{ServerStream: ss, ctx: logging.ContextWithLogger(ss.Context(), callLogger)})
		logCompletion(callLogger, started, err)
		return err
	}
}

type loggedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *loggedStream) Context() context.Context { return s.ctx }

func callLogger(ctx context.Context, logger *logging.Logger, method string) *logging.Logger {
	fields := []logging.Field{logging.String("rpc_method", method)}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		fields = append(fields, logging.String("peer", p.Addr.String()))
	}
	return logger.With(fields...)
}

func logCompletion(logger *logging.Logger, started time.Time, err error) {
	code := status.Code(err)
	fields := []logging.Field{logging.String("code", code.String()), logging.Duration("duration", time.Since(started))}
	if err != nil {
		logger.Debug("rpc failed", append(fields, logging.Error(err))...)
		return
	}
	logger.Debug("rpc completed", fields...)
}
