package config

import (
	"testing"
	"time"
)

func TestNormalizeDomainHost(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"example.com":              "example.com",
		"https://example.com/path": "example.com",
		"http://EXAMPLE.com:443/a": "example.com",
		"  share.example.com.  ":   "share.example.com",
	}

	for in, want := range tests {
		if got := normalizeDomainHost(in); got != want {
			t.Fatalf("normalizeDomainHost(%q): got %q, want %q", in, got, want)
		}
	}
}

func TestParseServerFlagsDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "0123456789abcdef0123456789abcdef")

	cfg, err := ParseServerFlags(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
	if cfg.MaxTunnelTTL != time.Hour {
		t.Fatalf("MaxTunnelTTL = %v, want 1h", cfg.MaxTunnelTTL)
	}
	if cfg.StallTimeout != 5*time.Minute {
		t.Fatalf("StallTimeout = %v, want 5m", cfg.StallTimeout)
	}
	if cfg.GracePeriod != time.Hour {
		t.Fatalf("GracePeriod = %v, want 1h", cfg.GracePeriod)
	}
	if cfg.MonitorTick != 5*time.Second {
		t.Fatalf("MonitorTick = %v, want 5s", cfg.MonitorTick)
	}
	if cfg.LibraryRoot != "/data" {
		t.Fatalf("LibraryRoot = %q, want /data", cfg.LibraryRoot)
	}
	if cfg.HistoryLimit != 200 {
		t.Fatalf("HistoryLimit = %d, want 200", cfg.HistoryLimit)
	}
	if cfg.MonitorResume {
		t.Fatal("MonitorResume should default to false")
	}
}

func TestParseServerFlagsEnvOverlay(t *testing.T) {
	t.Setenv("JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("MAX_TUNNEL_SECONDS", "120")
	t.Setenv("STALL_TIMEOUT_SECONDS", "30")
	t.Setenv("MONITOR_RESUME", "true")
	t.Setenv("EDGE_CMD", "funnelctl")
	t.Setenv("ADMIN_TOKEN", " ops-secret ")

	cfg, err := ParseServerFlags([]string{"--listen", ":9090"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxTunnelTTL != 2*time.Minute {
		t.Fatalf("MaxTunnelTTL = %v, want 2m", cfg.MaxTunnelTTL)
	}
	if cfg.StallTimeout != 30*time.Second {
		t.Fatalf("StallTimeout = %v, want 30s", cfg.StallTimeout)
	}
	if !cfg.MonitorResume {
		t.Fatal("MonitorResume should be true")
	}
	if cfg.EdgeCmd != "funnelctl" {
		t.Fatalf("EdgeCmd = %q, want funnelctl", cfg.EdgeCmd)
	}
	if cfg.AdminToken != "ops-secret" {
		t.Fatalf("AdminToken = %q, want ops-secret", cfg.AdminToken)
	}
	if cfg.ListenAddr != ":9090" {
		t.Fatalf("flag should win: ListenAddr = %q, want :9090", cfg.ListenAddr)
	}
}

func TestParseServerFlagsValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "missing secret",
			env:  map[string]string{"JWT_SECRET": ""},
		},
		{
			name: "short secret",
			env:  map[string]string{"JWT_SECRET": "too-short"},
		},
		{
			name: "tick too large",
			env: map[string]string{
				"JWT_SECRET":           "0123456789abcdef0123456789abcdef",
				"MONITOR_TICK_SECONDS": "10",
			},
		},
		{
			name: "max tunnel below minimum",
			env: map[string]string{
				"JWT_SECRET":         "0123456789abcdef0123456789abcdef",
				"MAX_TUNNEL_SECONDS": "30",
			},
		},
		{
			name: "zero stall timeout",
			env: map[string]string{
				"JWT_SECRET":            "0123456789abcdef0123456789abcdef",
				"STALL_TIMEOUT_SECONDS": "0",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := ParseServerFlags(nil); err == nil {
				t.Fatalf("expected parse error for %s", tt.name)
			}
		})
	}
}

func TestClampTTL(t *testing.T) {
	t.Parallel()

	cfg := ServerConfig{MaxTunnelTTL: time.Hour}
	tests := []struct {
		in   time.Duration
		want time.Duration
	}{
		{10 * time.Second, time.Minute},
		{time.Minute, time.Minute},
		{30 * time.Minute, 30 * time.Minute},
		{2 * time.Hour, time.Hour},
	}
	for _, tc := range tests {
		if got := cfg.ClampTTL(tc.in); got != tc.want {
			t.Fatalf("ClampTTL(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
