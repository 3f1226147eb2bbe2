package domain

// GenerateLinkRequest is the JSON body sent to create a single-use download
// link.
type GenerateLinkRequest struct {
	FilePath         string `json:"file_path"`
	ExpiresInSeconds int    `json:"expires_in_seconds,omitempty"`
}

// GenerateLinkResponse is the JSON body returned on successful link creation.
// ExpiresInSeconds echoes the effective TTL after clamping.
type GenerateLinkResponse struct {
	DownloadURL      string `json:"download_url"`
	TunnelID         string `json:"tunnel_id"`
	Token            string `json:"token"`
	FilePath         string `json:"file_path"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
}

// DownloadResponse is returned when a capability token is consumed.
type DownloadResponse struct {
	PublicURL string `json:"public_url"`
}

// TunnelListResponse wraps the admin listing of live tunnels.
type TunnelListResponse struct {
	ActiveTunnels []Tunnel `json:"active_tunnels"`
}

// FileListResponse wraps the shareable file listing.
type FileListResponse struct {
	Files []string `json:"files"`
}

// HistoryResponse wraps the bounded destroyed-tunnel history.
type HistoryResponse struct {
	History []HistoryEntry `json:"history"`
}

// MonitorStatus is the admin view of monitor and store health.
type MonitorStatus struct {
	MonitorActive       bool   `json:"monitor_active"`
	ActiveTunnelsCount  int    `json:"active_tunnels_count"`
	ActiveDownloads     int    `json:"active_downloads"`
	StateStoreConnected bool   `json:"state_store_connected"`
	StateStoreMemory    string `json:"state_store_memory"`
	UptimeSeconds       int64  `json:"uptime"`
	StallTimeoutSeconds int    `json:"stall_timeout_seconds"`
	MaxTunnelSeconds    int    `json:"max_tunnel_seconds"`
	EdgeActive          bool   `json:"edge_active"`
	ParseErrors         int64  `json:"parse_errors"`
	Version             string `json:"version,omitempty"`
}

// CleanupResponse reports what a forced cleanup pass removed.
type CleanupResponse struct {
	CleanedTunnels int `json:"cleaned_tunnels"`
	CleanedTokens  int `json:"cleaned_tokens"`
}

// ErrorResponse is the JSON body returned for structured errors.
type ErrorResponse struct {
	Error string `json:"error"`
}
