// Package domain defines the core data types shared across the sendonce
// server, store, tunnel manager, and monitor layers.
package domain

import (
	"net/url"
	"time"
)

// Tunnel status constants describe the lifecycle of a public download tunnel.
// A tunnel starts in provisioning, serves traffic while active, and ends in
// exactly one of the terminal statuses before its record is torn down.
const (
	StatusProvisioning = "provisioning"
	StatusActive       = "active"
	StatusCompleted    = "completed"
	StatusStalled      = "stalled"
	StatusExpired      = "expired"
	StatusTerminated   = "terminated"
	StatusFailed       = "failed"
)

// IsTerminalStatus reports whether status allows no further transitions
// other than teardown.
func IsTerminalStatus(status string) bool {
	switch status {
	case StatusCompleted, StatusStalled, StatusExpired, StatusTerminated, StatusFailed:
		return true
	}
	return false
}

// Tunnel is the record of one provisioned public download endpoint.
type Tunnel struct {
	ID             string     `json:"tunnel_id"`
	FilePath       string     `json:"file_path"`
	FileName       string     `json:"file_name"`
	FileSize       int64      `json:"file_size"`
	Hostname       string     `json:"hostname,omitempty"`
	PublicURL      string     `json:"public_url,omitempty"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	GraceDeadline  *time.Time `json:"grace_deadline,omitempty"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
	DestroyedAt    *time.Time `json:"destroyed_at,omitempty"`
	BytesServed    int64      `json:"bytes_served"`
	ActiveConns    int        `json:"active_connections"`
	RequestIDs     []string   `json:"request_ids,omitempty"`
}

// Live reports whether the tunnel still owns resources (staging reference
// and, once active, an edge route). Teardown clears DestroyedAt exactly once.
func (t Tunnel) Live() bool {
	return t.DestroyedAt == nil
}

// DownloadURL is the public attachment URL for the staged file. Empty until
// the tunnel has been published at the edge.
func (t Tunnel) DownloadURL() string {
	if t.PublicURL == "" {
		return ""
	}
	return t.PublicURL + "/download-file/" + t.ID + "/" + url.PathEscape(t.FileName)
}

// Token is the persisted side of a capability token. The signed token string
// itself is never stored; records are keyed by the embedded token ID.
type Token struct {
	ID         string
	FilePath   string
	TunnelID   string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

// TokenClaims is the verified payload of a capability token.
type TokenClaims struct {
	TokenID   string    `json:"token_id"`
	FilePath  string    `json:"file_path"`
	TunnelID  string    `json:"tunnel_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HistoryEntry is a destroyed tunnel folded into the bounded history log.
type HistoryEntry struct {
	TunnelID    string    `json:"tunnel_id"`
	FilePath    string    `json:"file_path"`
	FileSize    int64     `json:"file_size"`
	Hostname    string    `json:"hostname,omitempty"`
	Status      string    `json:"status"`
	BytesServed int64     `json:"bytes_served"`
	CreatedAt   time.Time `json:"created_at"`
	DestroyedAt time.Time `json:"destroyed_at"`
}

// Event type constants for the lifecycle event feed.
const (
	EventTunnelCreated   = "tunnel_created"
	EventTunnelActive    = "tunnel_active"
	EventTunnelCompleted = "tunnel_completed"
	EventTunnelDestroyed = "tunnel_destroyed"
	EventProgress        = "progress"
	EventMonitorError    = "monitor_error"
)

// Event is one entry on the lifecycle event feed consumed by the admin page.
type Event struct {
	Type        string    `json:"type"`
	TunnelID    string    `json:"tunnel_id,omitempty"`
	Status      string    `json:"status,omitempty"`
	BytesServed int64     `json:"bytes_served,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	Time        time.Time `json:"time"`
}
