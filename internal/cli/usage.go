package cli

import (
	"fmt"

	"github.com/sendonce/sendonce/internal/versionutil"
)

func printUsage() {
	fmt.Println(`sendonce - single-use public file tunnels

Serve files from a private library through ephemeral, single-use HTTPS
download links. Each link provisions a public edge endpoint on demand and
tears it down after the download completes, stalls, or times out.

Usage:
  sendonce serve [flags]        Start the control-plane daemon
  sendonce admin-token          Generate a random admin API token
  sendonce version              Print version
  sendonce help                 Show this help

Serve flags:
  --listen ADDR          Control API listen address (default :8080)
  --library-root DIR     Read-only root of shareable files
  --staging-root DIR     Directory for per-tunnel staging references
  --state-store PATH     State store SQLite path or DSN
  --jwt-secret SECRET    Capability token signing secret (>= 32 bytes)
  --access-log PATH      Static server access log to tail
  --edge-cmd CMD         Edge provider command (default edgectl)
  --web-root DIR         Optional static UI directory
  --admin-token TOKEN    Require this bearer token on /admin endpoints
  --tls-domain HOST      Serve HTTPS directly for this hostname via ACME
  --resume               Resume log tailing from the persisted offset
  --log-level LEVEL      debug|info|warn|error (default info)

Environment Variables:
  LIBRARY_ROOT               Read-only file library root (default /data)
  STAGING_ROOT               Per-tunnel staging root (default /tunnels)
  STATE_STORE_URL            SQLite path or DSN (default ./sendonce.db)
  JWT_SECRET                 Token signing secret, required, >= 32 bytes
  ACCESS_LOG_PATH            Access log tailed by the download monitor
  EDGE_CMD                   Edge provider binary (default edgectl)
  MAX_TUNNEL_SECONDS         Tunnel lifetime ceiling (default 3600)
  STALL_TIMEOUT_SECONDS      Idle threshold before stall teardown (default 300)
  GRACE_PERIOD_SECONDS       Route retention after completion (default 3600)
  ADMIN_TOKEN                Bearer token required on /admin endpoints
  LOG_LEVEL                  debug|info|warn|error (default info)

A .env file in the working directory supplies defaults for any variable
above; real environment variables win over the file.`)
}

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	Version = versionutil.Resolve(Version)
}

func printVersion() {
	fmt.Println("sendonce", Version)
}
