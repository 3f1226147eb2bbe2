package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrTokenInvalid covers every capability-token failure (bad signature,
	// expired, already consumed, malformed). The distinction is deliberately
	// not exposed at the public boundary.
	ErrTokenInvalid = errors.New("invalid token")

	// ErrTunnelNotFound means the requested tunnel ID does not exist.
	ErrTunnelNotFound = errors.New("tunnel not found")

	// ErrFileNotFound means the requested library path does not exist.
	ErrFileNotFound = errors.New("file not found")

	// ErrPathEscape means the requested path resolves outside the library root.
	ErrPathEscape = errors.New("path escapes library root")

	// ErrNotRegularFile means the resolved path is a directory, device, or
	// other non-regular entry.
	ErrNotRegularFile = errors.New("not a regular file")

	// ErrEdgeProvision means the edge provider failed to publish a route
	// after retries.
	ErrEdgeProvision = errors.New("edge provisioning failed")

	// ErrEdgeUnpublish means the edge provider failed to remove a route
	// after retries. The tunnel is still marked terminal; the reconciler
	// sweeps the leftover route.
	ErrEdgeUnpublish = errors.New("edge unpublish failed")

	// ErrStoreUnavailable means the state store could not be reached.
	ErrStoreUnavailable = errors.New("state store unavailable")
)

// TunnelError wraps an underlying error with tunnel context.
type TunnelError struct {
	TunnelID string
	Op       string
	Err      error
}

func (e *TunnelError) Error() string {
	if e.TunnelID != "" {
		return fmt.Sprintf("tunnel %s: %s: %v", e.TunnelID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TunnelError) Unwrap() error {
	return e.Err
}
