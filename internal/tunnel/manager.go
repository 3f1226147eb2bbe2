// Package tunnel implements the lifecycle engine for single-use public
// download tunnels: ID allocation, file staging, edge publication, teardown,
// and reconciliation after unclean exits.
package tunnel

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/sendonce/sendonce/internal/domain"
	"github.com/sendonce/sendonce/internal/edge"
	"github.com/sendonce/sendonce/internal/events"
	"github.com/sendonce/sendonce/internal/library"
	"github.com/sendonce/sendonce/internal/staging"
	"github.com/sendonce/sendonce/internal/store/sqlite"
)

const (
	// maxIDAttempts bounds the allocation retry loop. Collisions in a 32-bit
	// ID space are rare enough that hitting the bound means something else
	// is wrong.
	maxIDAttempts = 5

	// orphanStagingAge is how old an unrecorded staging directory must be
	// before reconciliation removes it. Younger directories may belong to a
	// create call still in flight.
	orphanStagingAge = 10 * time.Minute

	defaultProvisionGrace = time.Minute
)

// Options wires a Manager's collaborators.
type Options struct {
	Store   *sqlite.Store
	Library *library.Library
	Staging *staging.Area
	Edge    edge.Provider
	Bus     *events.Bus
	Log     *slog.Logger

	// ProvisionGrace is how long a provisioning record may sit without an
	// edge route before reconciliation declares it abandoned. Should cover
	// a couple of edge publish timeouts.
	ProvisionGrace time.Duration
}

// Manager owns tunnel lifecycles from allocation to teardown.
type Manager struct {
	store          *sqlite.Store
	library        *library.Library
	staging        *staging.Area
	edge           edge.Provider
	bus            *events.Bus
	log            *slog.Logger
	provisionGrace time.Duration
	now            func() time.Time
}

// Report summarizes one reconciliation pass.
type Report struct {
	FailedTunnels  int
	RemovedRoutes  int
	RemovedStaging int
}

// New returns a Manager with the given wiring.
func New(opts Options) *Manager {
	m := &Manager{
		store:          opts.Store,
		library:        opts.Library,
		staging:        opts.Staging,
		edge:           opts.Edge,
		bus:            opts.Bus,
		log:            opts.Log,
		provisionGrace: opts.ProvisionGrace,
		now:            time.Now,
	}
	if m.provisionGrace <= 0 {
		m.provisionGrace = defaultProvisionGrace
	}
	return m
}

// Create resolves filePath in the library, stages it under a fresh tunnel
// ID, publishes the staging directory at the edge, and returns the active
// record. A failure after staging tears the half-built tunnel down before
// the error is surfaced.
func (m *Manager) Create(ctx context.Context, filePath string, ttl time.Duration) (domain.Tunnel, error) {
	file, err := m.library.Resolve(filePath)
	if err != nil {
		return domain.Tunnel{}, err
	}

	rec, dir, err := m.allocate(ctx, file, ttl)
	if err != nil {
		return domain.Tunnel{}, err
	}
	m.bus.Publish(domain.Event{Type: domain.EventTunnelCreated, TunnelID: rec.ID, Status: rec.Status})
	m.log.Info("tunnel staged",
		"tunnel_id", rec.ID, "file", rec.FilePath, "size", humanize.Bytes(uint64(rec.FileSize)))

	pub, err := m.edge.Publish(ctx, rec.ID, dir)
	if err != nil {
		if _, derr := m.Destroy(ctx, rec.ID, domain.StatusFailed); derr != nil {
			m.log.Error("cleanup after failed publish", "tunnel_id", rec.ID, "err", derr)
		}
		return domain.Tunnel{}, &domain.TunnelError{TunnelID: rec.ID, Op: "publish", Err: err}
	}

	ok, err := m.store.ActivateTunnel(ctx, rec.ID, pub.Hostname, pub.PublicURL)
	if err != nil {
		return domain.Tunnel{}, &domain.TunnelError{TunnelID: rec.ID, Op: "activate", Err: err}
	}
	if !ok {
		// A concurrent destroy won while the edge call was in flight, and
		// could not see the route it needs to withdraw.
		if uerr := m.edge.Unpublish(ctx, rec.ID); uerr != nil {
			m.log.Warn("unpublish after lost activation", "tunnel_id", rec.ID, "err", uerr)
		}
		return domain.Tunnel{}, &domain.TunnelError{TunnelID: rec.ID, Op: "activate", Err: errors.New("destroyed during provisioning")}
	}

	m.bus.Publish(domain.Event{Type: domain.EventTunnelActive, TunnelID: rec.ID, Status: domain.StatusActive})
	m.log.Info("tunnel active", "tunnel_id", rec.ID, "hostname", pub.Hostname)
	return m.store.GetTunnel(ctx, rec.ID)
}

// allocate picks an unused tunnel ID, stages the file, and inserts the
// provisioning record. The staging mkdir and the insert both act as
// collision checks.
func (m *Manager) allocate(ctx context.Context, file library.File, ttl time.Duration) (domain.Tunnel, string, error) {
	now := m.now().UTC()
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id, err := newTunnelID()
		if err != nil {
			return domain.Tunnel{}, "", err
		}
		dir, err := m.staging.Stage(id, file.Abs)
		if errors.Is(err, staging.ErrIDTaken) {
			continue
		}
		if err != nil {
			return domain.Tunnel{}, "", err
		}

		rec := domain.Tunnel{
			ID:        id,
			FilePath:  file.Rel,
			FileName:  path.Base(file.Rel),
			FileSize:  file.Size,
			Status:    domain.StatusProvisioning,
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		}
		inserted, err := m.store.CreateTunnel(ctx, rec)
		if err != nil {
			_ = m.staging.Remove(id)
			return domain.Tunnel{}, "", err
		}
		if !inserted {
			_ = m.staging.Remove(id)
			continue
		}
		return rec, dir, nil
	}
	return domain.Tunnel{}, "", errors.New("could not allocate a tunnel id")
}

// Destroy moves a tunnel to its terminal state and tears its resources
// down: the edge route is withdrawn and the staging directory removed.
// Exactly one caller performs the teardown; repeat calls return the record
// unchanged. An already-terminal status survives the call, so destroying a
// completed tunnel keeps it completed.
func (m *Manager) Destroy(ctx context.Context, id, reason string) (domain.Tunnel, error) {
	rec, claimed, err := m.store.ClaimDestroy(ctx, id, reason, m.now().UTC())
	if err != nil {
		return domain.Tunnel{}, err
	}
	if !claimed {
		return rec, nil
	}

	if err := m.edge.Unpublish(ctx, id); err != nil {
		// Best effort; the reconciler withdraws orphaned routes later.
		m.log.Warn("edge unpublish failed", "tunnel_id", id, "err", err)
	}
	if err := m.staging.Remove(id); err != nil {
		m.log.Warn("staging cleanup failed", "tunnel_id", id, "err", err)
	}

	m.bus.Publish(domain.Event{
		Type:        domain.EventTunnelDestroyed,
		TunnelID:    id,
		Status:      rec.Status,
		BytesServed: rec.BytesServed,
	})
	m.log.Info("tunnel destroyed",
		"tunnel_id", id, "status", rec.Status, "bytes_served", rec.BytesServed)
	return rec, nil
}

// Terminate is an operator-initiated Destroy.
func (m *Manager) Terminate(ctx context.Context, id string) (domain.Tunnel, error) {
	return m.Destroy(ctx, id, domain.StatusTerminated)
}

// Get returns one tunnel record.
func (m *Manager) Get(ctx context.Context, id string) (domain.Tunnel, error) {
	return m.store.GetTunnel(ctx, id)
}

// ListActive returns every record whose teardown has not happened yet.
func (m *Manager) ListActive(ctx context.Context) ([]domain.Tunnel, error) {
	return m.store.ListLiveTunnels(ctx)
}

// DestroyAll tears down every live tunnel and returns how many went down.
// Used on shutdown so no public route outlives the process.
func (m *Manager) DestroyAll(ctx context.Context, reason string) int {
	live, err := m.store.ListLiveTunnels(ctx)
	if err != nil {
		m.log.Error("list tunnels for teardown", "err", err)
		return 0
	}
	n := 0
	for _, rec := range live {
		if _, err := m.Destroy(ctx, rec.ID, reason); err != nil {
			m.log.Error("teardown failed", "tunnel_id", rec.ID, "err", err)
			continue
		}
		n++
	}
	return n
}

// Reconcile repairs drift between the store, the edge provider, and the
// staging area: live records without a route are failed and cleaned, routes
// without live records are withdrawn, and stale unrecorded staging
// directories are removed. Runs at startup and periodically after.
func (m *Manager) Reconcile(ctx context.Context) (Report, error) {
	var rep Report

	routes, err := m.edge.ListPublished(ctx)
	if err != nil {
		return rep, fmt.Errorf("reconcile: %w", err)
	}
	published := make(map[string]bool, len(routes))
	for _, r := range routes {
		published[r.TunnelID] = true
	}

	live, err := m.store.ListLiveTunnels(ctx)
	if err != nil {
		return rep, fmt.Errorf("reconcile: %w", err)
	}
	now := m.now().UTC()
	liveIDs := make(map[string]bool, len(live))
	for _, rec := range live {
		liveIDs[rec.ID] = true
		if published[rec.ID] {
			continue
		}
		if rec.Status == domain.StatusProvisioning && now.Sub(rec.CreatedAt) < m.provisionGrace {
			// An in-flight create may still be talking to the edge.
			continue
		}
		if _, err := m.Destroy(ctx, rec.ID, domain.StatusFailed); err != nil {
			m.log.Error("reconcile teardown", "tunnel_id", rec.ID, "err", err)
			continue
		}
		rep.FailedTunnels++
	}

	for _, r := range routes {
		if liveIDs[r.TunnelID] {
			continue
		}
		if err := m.edge.Unpublish(ctx, r.TunnelID); err != nil {
			m.log.Error("reconcile unpublish", "tunnel_id", r.TunnelID, "err", err)
			continue
		}
		rep.RemovedRoutes++
	}

	entries, err := m.staging.List()
	if err != nil {
		return rep, fmt.Errorf("reconcile: %w", err)
	}
	for _, e := range entries {
		if liveIDs[e.ID] || now.Sub(e.ModTime) < orphanStagingAge {
			continue
		}
		if err := m.staging.Remove(e.ID); err != nil {
			m.log.Error("reconcile staging cleanup", "tunnel_id", e.ID, "err", err)
			continue
		}
		rep.RemovedStaging++
	}

	if rep.FailedTunnels+rep.RemovedRoutes+rep.RemovedStaging > 0 {
		m.log.Info("reconciled",
			"failed_tunnels", rep.FailedTunnels,
			"removed_routes", rep.RemovedRoutes,
			"removed_staging", rep.RemovedStaging)
	}
	return rep, nil
}

// newTunnelID returns the 8-char lowercase hex public identifier.
func newTunnelID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand: %w", err)
	}
	return hex.EncodeToString(b), nil
}
