// Package edge drives the external tunnel provider that makes staging
// directories publicly reachable over HTTPS.
package edge

import "context"

// Publication is the public identity a provider assigns to a tunnel.
type Publication struct {
	Hostname  string `json:"hostname"`
	PublicURL string `json:"public_url"`
}

// Route is one published tunnel as the provider reports it.
type Route struct {
	TunnelID string `json:"tunnel_id"`
	Hostname string `json:"hostname"`
}

// Provider publishes and withdraws public routes for staged tunnels.
type Provider interface {
	// Publish makes stagingDir reachable and returns its public identity.
	Publish(ctx context.Context, tunnelID, stagingDir string) (Publication, error)
	// Unpublish withdraws the route for tunnelID.
	Unpublish(ctx context.Context, tunnelID string) error
	// ListPublished reports every route the provider currently serves.
	ListPublished(ctx context.Context) ([]Route, error)
}
