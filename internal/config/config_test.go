package config

import (
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"MASTER_ADDR", "GAZEBO_MASTER_URI", "MASTER_TICK_INTERVAL", "MASTER_MAX_FRAME_BYTES",
		"MASTER_OUTBOUND_BUFFER", "MASTER_ALLOWED_ORIGINS", "MASTER_GRPC_AUTH_MODE",
		"MASTER_GRPC_SHARED_SECRET", "MASTER_GRPC_TLS_CERT", "MASTER_GRPC_TLS_KEY",
		"MASTER_GRPC_CLIENT_CA", "MASTER_LOG_COMPRESS", "MASTER_LOG_MAX_SIZE_MB",
		"MASTER_PING_INTERVAL", "MASTER_JOURNAL_SNAPSHOT_INTERVAL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Address != DefaultAddr {
		t.Fatalf("expected default addr %q, got %q", DefaultAddr, cfg.Address)
	}
	if cfg.TickInterval != DefaultTickInterval {
		t.Fatalf("expected default tick %v, got %v", DefaultTickInterval, cfg.TickInterval)
	}
	if cfg.MaxFrameBytes != DefaultMaxFrameBytes || cfg.OutboundBuffer != DefaultOutboundBuffer {
		t.Fatalf("unexpected limits: frame=%d outbound=%d", cfg.MaxFrameBytes, cfg.OutboundBuffer)
	}
	if cfg.GRPCAuthMode != GRPCAuthModeNone {
		t.Fatalf("expected auth mode none, got %q", cfg.GRPCAuthMode)
	}
	if port, err := cfg.Port(); err != nil || port != 11345 {
		t.Fatalf("unexpected port %d err=%v", port, err)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("MASTER_ADDR", "127.0.0.1:9000")
	t.Setenv("MASTER_TICK_INTERVAL", "25ms")
	t.Setenv("MASTER_OUTBOUND_BUFFER", "12")
	t.Setenv("MASTER_ALLOWED_ORIGINS", "https://example.com, ,https://demo.local")
	t.Setenv("MASTER_GRPC_AUTH_MODE", "shared_secret")
	t.Setenv("MASTER_GRPC_SHARED_SECRET", "s3cret")
	t.Setenv("MASTER_HTTP_ADDR", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Address != "127.0.0.1:9000" {
		t.Fatalf("unexpected address: %q", cfg.Address)
	}
	if cfg.TickInterval != 25*time.Millisecond || cfg.OutboundBuffer != 12 {
		t.Fatalf("unexpected overrides: tick=%v outbound=%d", cfg.TickInterval, cfg.OutboundBuffer)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://demo.local" {
		t.Fatalf("unexpected origins: %#v", cfg.AllowedOrigins)
	}
	if cfg.HTTPAddress != "" {
		t.Fatalf("expected explicitly empty HTTP address to disable the listener, got %q", cfg.HTTPAddress)
	}
	if cfg.GRPCAuthMode != GRPCAuthModeSharedSecret || cfg.GRPCSharedSecret != "s3cret" {
		t.Fatalf("unexpected grpc auth: %q %q", cfg.GRPCAuthMode, cfg.GRPCSharedSecret)
	}
}

func TestLoadUsesGazeboMasterURI(t *testing.T) {
	clearEnv(t)
	t.Setenv("GAZEBO_MASTER_URI", "http://10.1.2.3:12000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Address != "10.1.2.3:12000" {
		t.Fatalf("unexpected address from master uri: %q", cfg.Address)
	}
}

func TestLoadReturnsValidationErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("MASTER_TICK_INTERVAL", "abc")
	t.Setenv("MASTER_MAX_FRAME_BYTES", "-5")
	t.Setenv("MASTER_LOG_COMPRESS", "maybe")
	t.Setenv("MASTER_GRPC_AUTH_MODE", "mtls")
	t.Setenv("GAZEBO_MASTER_URI", "http://nohost")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error from invalid configuration, got nil")
	}
	for _, want := range []string{
		"MASTER_TICK_INTERVAL",
		"MASTER_MAX_FRAME_BYTES",
		"MASTER_LOG_COMPRESS",
		"MASTER_GRPC_CLIENT_CA",
		"GAZEBO_MASTER_URI",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to mention %s, got %q", want, err.Error())
		}
	}
}

func TestLoadRejectsUnknownAuthMode(t *testing.T) {
	clearEnv(t)
	t.Setenv("MASTER_GRPC_AUTH_MODE", "kerberos")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "MASTER_GRPC_AUTH_MODE") {
		t.Fatalf("expected auth mode error, got %v", err)
	}
}

func TestMasterAddressPrefersExplicitAddr(t *testing.T) {
	clearEnv(t)
	t.Setenv("MASTER_ADDR", "127.0.0.1:9000")
	t.Setenv("GAZEBO_MASTER_URI", "http://10.1.2.3:12000")

	addr, err := MasterAddress()
	if err != nil || addr != "127.0.0.1:9000" {
		t.Fatalf("expected MASTER_ADDR to win, got %q err=%v", addr, err)
	}

	t.Setenv("MASTER_ADDR", "")
	t.Setenv("GAZEBO_MASTER_URI", "not a uri")
	addr, err = MasterAddress()
	if err == nil || addr != DefaultAddr {
		t.Fatalf("expected default with error, got %q err=%v", addr, err)
	}
}
