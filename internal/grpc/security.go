package grpc

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"topicmaster/broker/internal/config"
	"topicmaster/broker/internal/logging"
)

// SharedSecretMetadataKey carries the shared secret in request metadata.
const SharedSecretMetadataKey = "x-topicmaster-shared-secret"

// ServerOptions translates the configured auth mode into grpc server options.
func ServerOptions(cfg *config.Config, logger *logging.Logger) ([]grpc.ServerOption, error) {
	if cfg == nil {
		return nil, fmt.Errorf("grpc config required")
	}
	if logger == nil {
		logger = logging.L()
	}

	//1.- Every call carries its own logger; auth interceptors run after it.
	unary := []grpc.UnaryServerInterceptor{NewLoggingUnaryInterceptor(logger)}
	stream := []grpc.StreamServerInterceptor{NewLoggingStreamInterceptor(logger)}
	var opts []grpc.ServerOption

	switch cfg.GRPCAuthMode {
	case config.GRPCAuthModeNone, "":
		logger.Warn("gRPC introspection running without authentication")
	case config.GRPCAuthModeMTLS:
		creds, err := LoadMTLSCredentials(cfg.GRPCServerCertPath, cfg.GRPCServerKeyPath, cfg.GRPCClientCAPath)
		if err != nil {
			return nil, err
		}
		logger.Info("gRPC mTLS enabled")
		opts = append(opts, grpc.Creds(creds))
	case config.GRPCAuthModeSharedSecret:
		logger.Info("gRPC shared-secret authentication enabled")
		unary = append(unary, NewSharedSecretUnaryInterceptor(cfg.GRPCSharedSecret))
		stream = append(stream, NewSharedSecretStreamInterceptor(cfg.GRPCSharedSecret))
	default:
		return nil, fmt.Errorf("unsupported grpc auth mode %q", cfg.GRPCAuthMode)
	}
	return append(opts, grpc.ChainUnaryInterceptor(unary...), grpc.ChainStreamInterceptor(stream...)), nil
}

// NewSharedSecretUnaryInterceptor rejects unary calls lacking the secret.
func NewSharedSecretUnaryInterceptor(secret string) grpc.UnaryServerInterceptor {
	normalized := strings.TrimSpace(secret)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := checkSharedSecret(ctx, normalized); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// NewSharedSecretStreamInterceptor rejects streams lacking the secret.
func NewSharedSecretStreamInterceptor(secret string) grpc.StreamServerInterceptor {
	normalized := strings.TrimSpace(secret)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := checkSharedSecret(ss.Context(), normalized); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

// WithSharedSecret attaches secret to outgoing calls made with ctx.
func WithSharedSecret(ctx context.Context, secret string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, SharedSecretMetadataKey, secret)
}

func checkSharedSecret(ctx context.Context, secret string) error {
	if secret == "" {
		return status.Error(codes.Unauthenticated, "shared secret not configured")
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	candidate := extractSharedSecret(md)
	if candidate == "" {
		return status.Error(codes.Unauthenticated, "missing shared secret")
	}
	if subtle.ConstantTimeCompare([]byte(candidate), []byte(secret)) != 1 {
		return status.Error(codes.Unauthenticated, "invalid shared secret")
	}
	return nil
}

func extractSharedSecret(md metadata.MD) string {
	for _, value := range md.Get(SharedSecretMetadataKey) {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	for _, value := range md.Get("authorization") {
		if len(value) > 7 && strings.EqualFold(value[:7], "bearer ") {
			if token := strings.TrimSpace(value[7:]); token != "" {
				return token
			}
		}
	}
	return ""
}

// LoadMTLSCredentials builds server credentials that require a client certificate
// signed by the CA bundle at caPath.
func LoadMTLSCredentials(certPath, keyPath, caPath string) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load server keypair: %w", err)
	}
	caFile, err := os.Open(caPath)
	if err != nil {
		return nil, fmt.Errorf("open client ca: %w", err)
	}
	defer caFile.Close()
	caBytes, err := io.ReadAll(caFile)
	if err != nil {
		return nil, fmt.Errorf("read client ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("failed to parse client ca bundle")
	}
	return credentials.NewTLS(&tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}), nil
}
