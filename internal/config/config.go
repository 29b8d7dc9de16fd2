package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the discovery socket, the well-known Gazebo master port.
	DefaultAddr = ":11345"
	// DefaultHTTPAddr serves health, metrics and the monitor feed.
	DefaultHTTPAddr = ":11346"
	// DefaultGRPCAddr serves the introspection API.
	DefaultGRPCAddr = ":11347"
	// DefaultTickInterval is the idle sleep between master ticks.
	DefaultTickInterval = 10 * time.Millisecond
	// DefaultMaxFrameBytes limits a single inbound control packet.
	DefaultMaxFrameBytes = 4 << 20
	// DefaultOutboundBuffer bounds frames queued towards a slow peer before it is dropped.
	DefaultOutboundBuffer = 1024
	// DefaultPingInterval controls the keepalive cadence for monitor websockets.
	DefaultPingInterval = 30 * time.Second
	// DefaultJournalSnapshotInterval controls how often registry snapshots are journaled.
	DefaultJournalSnapshotInterval = 5 * time.Second

	// DefaultLogLevel controls verbosity for master logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "topicmaster.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// GRPCAuthMode selects how introspection clients are authenticated.
type GRPCAuthMode string

const (
	GRPCAuthModeNone         GRPCAuthMode = "none"
	GRPCAuthModeSharedSecret GRPCAuthMode = "shared_secret"
	GRPCAuthModeMTLS         GRPCAuthMode = "mtls"
)

// Config captures all runtime tunables for the master process.
type Config struct {
	Address        string
	TickInterval   time.Duration
	MaxFrameBytes  int
	OutboundBuffer int

	HTTPAddress    string
	AdminToken     string
	AllowedOrigins []string
	MonitorSecret  string
	PingInterval   time.Duration

	GRPCAddress        string
	GRPCAuthMode       GRPCAuthMode
	GRPCSharedSecret   string
	GRPCServerCertPath string
	GRPCServerKeyPath  string
	GRPCClientCAPath   string

	JournalDir              string
	JournalSnapshotInterval time.Duration

	Logging LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the master configuration from environment variables, applying defaults
// and returning one error that lists every invalid override.
func Load() (*Config, error) {
	cfg := &Config{
		Address:        getString("MASTER_ADDR", ""),
		TickInterval:   DefaultTickInterval,
		MaxFrameBytes:  DefaultMaxFrameBytes,
		OutboundBuffer: DefaultOutboundBuffer,
		HTTPAddress:    lookupString("MASTER_HTTP_ADDR", DefaultHTTPAddr),
		AdminToken:     strings.TrimSpace(os.Getenv("MASTER_ADMIN_TOKEN")),
		AllowedOrigins: parseList(os.Getenv("MASTER_ALLOWED_ORIGINS")),
		MonitorSecret:  strings.TrimSpace(os.Getenv("MASTER_MONITOR_SECRET")),
		PingInterval:   DefaultPingInterval,

		GRPCAddress:        lookupString("MASTER_GRPC_ADDR", DefaultGRPCAddr),
		GRPCAuthMode:       GRPCAuthMode(strings.ToLower(getString("MASTER_GRPC_AUTH_MODE", string(GRPCAuthModeNone)))),
		GRPCSharedSecret:   strings.TrimSpace(os.Getenv("MASTER_GRPC_SHARED_SECRET")),
		GRPCServerCertPath: strings.TrimSpace(os.Getenv("MASTER_GRPC_TLS_CERT")),
		GRPCServerKeyPath:  strings.TrimSpace(os.Getenv("MASTER_GRPC_TLS_KEY")),
		GRPCClientCAPath:   strings.TrimSpace(os.Getenv("MASTER_GRPC_CLIENT_CA")),

		JournalDir:              strings.TrimSpace(os.Getenv("MASTER_JOURNAL_DIR")),
		JournalSnapshotInterval: DefaultJournalSnapshotInterval,

		Logging: LoggingConfig{
			Level:      getString("MASTER_LOG_LEVEL", DefaultLogLevel),
			Path:       lookupString("MASTER_LOG_PATH", DefaultLogPath),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	//1.- Resolve the discovery address, honouring the launcher's GAZEBO_MASTER_URI.
	if cfg.Address == "" {
		addr, err := MasterAddress()
		if err != nil {
			problems = append(problems, err.Error())
		}
		cfg.Address = addr
	}

	//2.- Apply numeric and duration overrides, collecting every problem.
	parseDuration("MASTER_TICK_INTERVAL", &cfg.TickInterval, &problems)
	parseDuration("MASTER_PING_INTERVAL", &cfg.PingInterval, &problems)
	parseDuration("MASTER_JOURNAL_SNAPSHOT_INTERVAL", &cfg.JournalSnapshotInterval, &problems)
	parseInt("MASTER_MAX_FRAME_BYTES", &cfg.MaxFrameBytes, 1, &problems)
	parseInt("MASTER_OUTBOUND_BUFFER", &cfg.OutboundBuffer, 1, &problems)
	parseInt("MASTER_LOG_MAX_SIZE_MB", &cfg.Logging.MaxSizeMB, 1, &problems)
	parseInt("MASTER_LOG_MAX_BACKUPS", &cfg.Logging.MaxBackups, 0, &problems)
	parseInt("MASTER_LOG_MAX_AGE_DAYS", &cfg.Logging.MaxAgeDays, 0, &problems)

	if raw := strings.TrimSpace(os.Getenv("MASTER_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("MASTER_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	//3.- Validate the gRPC security combination.
	switch cfg.GRPCAuthMode {
	case GRPCAuthModeNone:
	case GRPCAuthModeSharedSecret:
		if cfg.GRPCSharedSecret == "" {
			problems = append(problems, "MASTER_GRPC_SHARED_SECRET is required when MASTER_GRPC_AUTH_MODE=shared_secret")
		}
	case GRPCAuthModeMTLS:
		if cfg.GRPCServerCertPath == "" || cfg.GRPCServerKeyPath == "" || cfg.GRPCClientCAPath == "" {
			problems = append(problems, "MASTER_GRPC_TLS_CERT, MASTER_GRPC_TLS_KEY and MASTER_GRPC_CLIENT_CA are required when MASTER_GRPC_AUTH_MODE=mtls")
		}
	default:
		problems = append(problems, fmt.Sprintf("MASTER_GRPC_AUTH_MODE must be one of none, shared_secret, mtls, got %q", cfg.GRPCAuthMode))
	}

	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}
	return cfg, nil
}

// Port returns the numeric port of the discovery address.
func (c *Config) Port() (uint16, error) {
	_, rawPort, err := net.SplitHostPort(c.Address)
	if err != nil {
		return 0, err
	}
	port, err := strconv.ParseUint(rawPort, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", rawPort, err)
	}
	return uint16(port), nil
}

// MasterAddress resolves where peers reach the master: MASTER_ADDR, then
// GAZEBO_MASTER_URI, then DefaultAddr. The default is returned alongside any error.
func MasterAddress() (string, error) {
	if addr := strings.TrimSpace(os.Getenv("MASTER_ADDR")); addr != "" {
		return addr, nil
	}
	raw := strings.TrimSpace(os.Getenv("GAZEBO_MASTER_URI"))
	if raw == "" {
		return DefaultAddr, nil
	}
	addr, err := addressFromURI(raw)
	if err != nil {
		return DefaultAddr, fmt.Errorf("GAZEBO_MASTER_URI must look like http://host:port, got %q", raw)
	}
	return addr, nil
}

func addressFromURI(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if parsed.Port() == "" {
		return "", fmt.Errorf("missing port")
	}
	return net.JoinHostPort(parsed.Hostname(), parsed.Port()), nil
}

func parseDuration(key string, dst *time.Duration, problems *[]string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	duration, err := time.ParseDuration(raw)
	if err != nil || duration <= 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a positive duration, got %q", key, raw))
		return
	}
	*dst = duration
}

func parseInt(key string, dst *int, minimum int, problems *[]string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < minimum {
		kind := "a positive integer"
		if minimum <= 0 {
			kind = "a non-negative integer"
		}
		*problems = append(*problems, fmt.Sprintf("%s must be %s, got %q", key, kind, raw))
		return
	}
	*dst = value
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

// lookupString distinguishes an unset variable from one explicitly set to empty,
// which disables the corresponding listener.
func lookupString(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return strings.TrimSpace(value)
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	if len(values) == 0 {
		return nil
	}
	return values
}
