// Package config holds the typed runtime configuration for the sendonce
// control plane, populated from flags with environment fallback.
package config

import (
	"errors"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sendonce/sendonce/internal/netutil"
)

// ServerConfig carries every tunable of the control-plane process. Durations
// configured via *_SECONDS environment variables are parsed into
// [time.Duration] fields.
type ServerConfig struct {
	ListenAddr    string
	LibraryRoot   string
	StagingRoot   string
	StateStoreURL string
	JWTSecret     string
	AccessLogPath string

	MaxTunnelTTL time.Duration
	StallTimeout time.Duration
	GracePeriod  time.Duration

	EdgeCmd     string
	EdgeTimeout time.Duration

	MonitorTick      time.Duration
	TokenSweepEvery  time.Duration
	HistoryRetention time.Duration
	HistoryLimit     int
	MonitorResume    bool

	WebRoot     string
	AdminToken  string
	TLSDomain   string
	TLSCacheDir string
	DebugAddr   string
	LogLevel    string
}

const minTunnelTTL = 60 * time.Second

const defaultListenAddr = ":8080"
const defaultLibraryRoot = "/data"
const defaultStagingRoot = "/tunnels"
const defaultStateStoreURL = "./sendonce.db"
const defaultAccessLogPath = "/var/log/static/access.log"
const defaultEdgeCmd = "edgectl"
const defaultTLSCacheDir = "./certs"
const defaultMaxTunnelSeconds = 3600
const defaultStallTimeoutSeconds = 300
const defaultGracePeriodSeconds = 3600
const defaultEdgeTimeoutSeconds = 30
const defaultMonitorTickSeconds = 5
const defaultTokenSweepSeconds = 60
const defaultHistoryRetentionSeconds = 3600
const defaultHistoryLimit = 200

// ParseServerFlags builds a ServerConfig from environment variables overlaid
// with command-line flags, then validates it.
func ParseServerFlags(args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		ListenAddr:       envOrDefault("LISTEN_ADDR", defaultListenAddr),
		LibraryRoot:      envOrDefault("LIBRARY_ROOT", defaultLibraryRoot),
		StagingRoot:      envOrDefault("STAGING_ROOT", defaultStagingRoot),
		StateStoreURL:    envOrDefault("STATE_STORE_URL", defaultStateStoreURL),
		JWTSecret:        envOrDefault("JWT_SECRET", ""),
		AccessLogPath:    envOrDefault("ACCESS_LOG_PATH", defaultAccessLogPath),
		MaxTunnelTTL:     envSecondsOrDefault("MAX_TUNNEL_SECONDS", defaultMaxTunnelSeconds),
		StallTimeout:     envSecondsOrDefault("STALL_TIMEOUT_SECONDS", defaultStallTimeoutSeconds),
		GracePeriod:      envSecondsOrDefault("GRACE_PERIOD_SECONDS", defaultGracePeriodSeconds),
		EdgeCmd:          envOrDefault("EDGE_CMD", defaultEdgeCmd),
		EdgeTimeout:      envSecondsOrDefault("EDGE_TIMEOUT_SECONDS", defaultEdgeTimeoutSeconds),
		MonitorTick:      envSecondsOrDefault("MONITOR_TICK_SECONDS", defaultMonitorTickSeconds),
		TokenSweepEvery:  envSecondsOrDefault("TOKEN_SWEEP_SECONDS", defaultTokenSweepSeconds),
		HistoryRetention: envSecondsOrDefault("HISTORY_RETENTION_SECONDS", defaultHistoryRetentionSeconds),
		HistoryLimit:     envIntOrDefault("HISTORY_LIMIT", defaultHistoryLimit),
		MonitorResume:    envBoolOrDefault("MONITOR_RESUME", false),
		WebRoot:          envOrDefault("WEB_ROOT", ""),
		AdminToken:       envOrDefault("ADMIN_TOKEN", ""),
		TLSDomain:        envOrDefault("TLS_DOMAIN", ""),
		TLSCacheDir:      envOrDefault("TLS_CACHE_DIR", defaultTLSCacheDir),
		DebugAddr:        envOrDefault("DEBUG_ADDR", ""),
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
	}

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "Control API listen address")
	fs.StringVar(&cfg.LibraryRoot, "library-root", cfg.LibraryRoot, "Read-only root of shareable files")
	fs.StringVar(&cfg.StagingRoot, "staging-root", cfg.StagingRoot, "Directory for per-tunnel staging references")
	fs.StringVar(&cfg.StateStoreURL, "state-store", cfg.StateStoreURL, "State store SQLite path or DSN")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "Capability token signing secret (>= 32 bytes)")
	fs.StringVar(&cfg.AccessLogPath, "access-log", cfg.AccessLogPath, "Static server access log to tail")
	fs.StringVar(&cfg.EdgeCmd, "edge-cmd", cfg.EdgeCmd, "Edge provider command")
	fs.StringVar(&cfg.WebRoot, "web-root", cfg.WebRoot, "Optional static UI directory")
	fs.StringVar(&cfg.AdminToken, "admin-token", cfg.AdminToken, "Bearer token required on /admin endpoints (empty leaves them open)")
	fs.StringVar(&cfg.TLSDomain, "tls-domain", cfg.TLSDomain, "Serve HTTPS directly for this hostname via ACME")
	fs.StringVar(&cfg.TLSCacheDir, "tls-cache-dir", cfg.TLSCacheDir, "ACME certificate cache dir")
	fs.StringVar(&cfg.DebugAddr, "debug-addr", cfg.DebugAddr, "Optional pprof listen address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.BoolVar(&cfg.MonitorResume, "resume", cfg.MonitorResume, "Resume log tailing from the persisted offset")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.JWTSecret = strings.TrimSpace(cfg.JWTSecret)
	if cfg.JWTSecret == "" {
		return cfg, errors.New("missing --jwt-secret or JWT_SECRET")
	}
	if len(cfg.JWTSecret) < 32 {
		return cfg, errors.New("jwt secret must be at least 32 bytes")
	}
	if strings.TrimSpace(cfg.LibraryRoot) == "" {
		return cfg, errors.New("library root must not be empty")
	}
	if strings.TrimSpace(cfg.StagingRoot) == "" {
		return cfg, errors.New("staging root must not be empty")
	}
	if strings.TrimSpace(cfg.AccessLogPath) == "" {
		return cfg, errors.New("access log path must not be empty")
	}
	if cfg.MaxTunnelTTL < minTunnelTTL {
		return cfg, errors.New("max tunnel seconds must be at least 60")
	}
	if cfg.StallTimeout <= 0 {
		return cfg, errors.New("stall timeout must be > 0")
	}
	if cfg.GracePeriod <= 0 {
		return cfg, errors.New("grace period must be > 0")
	}
	if cfg.EdgeTimeout <= 0 {
		return cfg, errors.New("edge timeout must be > 0")
	}
	if cfg.MonitorTick <= 0 || cfg.MonitorTick > 5*time.Second {
		return cfg, errors.New("monitor tick must be between 1 and 5 seconds")
	}
	if cfg.TokenSweepEvery <= 0 {
		return cfg, errors.New("token sweep interval must be > 0")
	}
	if cfg.HistoryRetention < 0 {
		return cfg, errors.New("history retention must be >= 0")
	}
	if cfg.HistoryLimit <= 0 {
		return cfg, errors.New("history limit must be > 0")
	}
	cfg.AdminToken = strings.TrimSpace(cfg.AdminToken)
	cfg.TLSDomain = normalizeDomainHost(cfg.TLSDomain)

	return cfg, nil
}

// ClampTTL bounds a requested tunnel lifetime to [60s, MaxTunnelTTL].
// Non-positive values are the caller's validation problem; they are not
// silently accepted here.
func (c ServerConfig) ClampTTL(ttl time.Duration) time.Duration {
	if ttl < minTunnelTTL {
		return minTunnelTTL
	}
	if ttl > c.MaxTunnelTTL {
		return c.MaxTunnelTTL
	}
	return ttl
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envSecondsOrDefault(key string, defSeconds int) time.Duration {
	return time.Duration(envIntOrDefault(key, defSeconds)) * time.Second
}

func envBoolOrDefault(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

// normalizeDomainHost reduces a user-supplied domain value, possibly a full
// URL, to the bare hostname the ACME host policy matches against.
func normalizeDomainHost(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	return netutil.NormalizeHost(v)
}
