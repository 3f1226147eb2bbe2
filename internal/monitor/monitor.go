// Package monitor turns the static server's access log into tunnel state:
// it attributes download bytes to tunnels, detects completion, stalls, and
// expiry, fires the idempotent teardown, and sweeps expired tokens and aged
// history. It only ever reads records and calls Destroy; correctness comes
// from the store's compare-and-set transitions, not from locks.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/sendonce/sendonce/internal/domain"
	"github.com/sendonce/sendonce/internal/events"
	"github.com/sendonce/sendonce/internal/store/sqlite"
	"github.com/sendonce/sendonce/internal/tunnel"
)

const (
	// connWindow is the sliding window for the active-connections
	// heuristic: distinct request IDs seen within it count as live
	// downloads. Reported, not relied on.
	connWindow = 60 * time.Second

	tokenPurgeBatch = 1000
	archiveBatch    = 500
)

// Options wires a Monitor.
type Options struct {
	Store   *sqlite.Store
	Tunnels *tunnel.Manager
	Bus     *events.Bus
	Log     *slog.Logger

	AccessLogPath string
	Resume        bool

	Tick             time.Duration
	StallTimeout     time.Duration
	GracePeriod      time.Duration
	TokenSweepEvery  time.Duration
	HistoryRetention time.Duration
	HistoryLimit     int
	MaxTunnelTTL     time.Duration
}

// Monitor drives byte accounting and lifecycle triggers.
type Monitor struct {
	store   *sqlite.Store
	tunnels *tunnel.Manager
	bus     *events.Bus
	log     *slog.Logger
	tail    *tailer

	tick             time.Duration
	stallTimeout     time.Duration
	gracePeriod      time.Duration
	tokenSweepEvery  time.Duration
	historyRetention time.Duration
	historyLimit     int
	maxTunnelTTL     time.Duration

	now         func() time.Time
	started     time.Time
	active      atomic.Bool
	parseErrors atomic.Int64

	mu        sync.Mutex
	recent    map[string]map[string]time.Time // tunnel -> request id -> last seen
	lastBytes map[string]int64                // tunnel -> bytes at last progress event
}

// New returns a Monitor with the given wiring.
func New(opts Options) *Monitor {
	return &Monitor{
		store:            opts.Store,
		tunnels:          opts.Tunnels,
		bus:              opts.Bus,
		log:              opts.Log,
		tail:             newTailer(opts.AccessLogPath, opts.Store, opts.Resume, opts.Log),
		tick:             opts.Tick,
		stallTimeout:     opts.StallTimeout,
		gracePeriod:      opts.GracePeriod,
		tokenSweepEvery:  opts.TokenSweepEvery,
		historyRetention: opts.HistoryRetention,
		historyLimit:     opts.HistoryLimit,
		maxTunnelTTL:     opts.MaxTunnelTTL,
		now:              time.Now,
		recent:           make(map[string]map[string]time.Time),
		lastBytes:        make(map[string]int64),
	}
}

// Run tails the access log and evaluates triggers until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.started = m.now()
	m.active.Store(true)
	defer m.active.Store(false)
	m.log.Info("monitor started", "access_log", m.tail.path, "resume", m.tail.resume)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.tail.run(ctx, func(line string) { m.ingestLine(ctx, line) })
	}()

	tick := time.NewTicker(m.tick)
	defer tick.Stop()
	sweep := time.NewTicker(m.tokenSweepEvery)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			m.log.Info("monitor stopped")
			return
		case <-tick.C:
			m.runTick(ctx)
		case <-sweep.C:
			m.runSweeps(ctx)
		}
	}
}

// Kick forces an immediate trigger tick plus sweep pass and reports what
// they removed. Safe to call concurrently with Run; every transition it
// races against is idempotent.
func (m *Monitor) Kick(ctx context.Context) domain.CleanupResponse {
	return domain.CleanupResponse{
		CleanedTunnels: m.runTick(ctx),
		CleanedTokens:  m.runSweeps(ctx),
	}
}

// ingestLine folds one access-log line into tunnel state. Only successful
// responses on the download route count; courtesy-page traffic never does.
func (m *Monitor) ingestLine(ctx context.Context, line string) {
	ev, err := parseLine(line)
	if err != nil {
		m.parseErrors.Add(1)
		return
	}
	if ev.TunnelID == "" || !ev.Download {
		return
	}
	if ev.Status != 200 && ev.Status != 206 {
		return
	}

	m.noteRequest(ev.TunnelID, ev.RequestID, ev.Time)
	applied, err := m.store.AddTunnelActivity(ctx, ev.TunnelID, ev.BodyBytes, ev.Time, ev.RequestID)
	if err != nil {
		m.log.Error("record download activity", "tunnel_id", ev.TunnelID, "err", err)
		return
	}
	if !applied {
		m.log.Debug("dropped activity for non-serving tunnel", "tunnel_id", ev.TunnelID)
	}
}

// runTick evaluates lifecycle triggers for every live tunnel and returns
// how many teardowns it fired. Per tunnel, the first matching trigger wins;
// expiry outranks stall outranks completion.
func (m *Monitor) runTick(ctx context.Context) int {
	now := m.now().UTC()
	live, err := m.store.ListLiveTunnels(ctx)
	if err != nil {
		m.log.Error("list tunnels for tick", "err", err)
		return 0
	}

	cleaned := 0
	for _, rec := range live {
		switch {
		case now.After(rec.ExpiresAt):
			if m.destroy(ctx, rec.ID, domain.StatusExpired) {
				cleaned++
			}
			continue

		case rec.Status == domain.StatusActive && rec.BytesServed > 0 &&
			rec.LastActivityAt != nil && now.Sub(*rec.LastActivityAt) > m.stallTimeout:
			if m.destroy(ctx, rec.ID, domain.StatusStalled) {
				cleaned++
			}
			continue

		case rec.Status == domain.StatusActive && rec.LastActivityAt != nil &&
			rec.BytesServed >= rec.FileSize:
			deadline := now.Add(m.gracePeriod)
			ok, err := m.store.MarkCompleted(ctx, rec.ID, deadline)
			if err != nil {
				m.log.Error("mark completed", "tunnel_id", rec.ID, "err", err)
				continue
			}
			if ok {
				m.bus.Publish(domain.Event{
					Type:        domain.EventTunnelCompleted,
					TunnelID:    rec.ID,
					Status:      domain.StatusCompleted,
					BytesServed: rec.BytesServed,
				})
				m.log.Info("download completed",
					"tunnel_id", rec.ID,
					"bytes_served", humanize.Bytes(uint64(rec.BytesServed)),
					"grace_deadline", deadline)
			}

		case rec.Status == domain.StatusCompleted && rec.GraceDeadline != nil &&
			now.After(*rec.GraceDeadline):
			if m.destroy(ctx, rec.ID, domain.StatusCompleted) {
				cleaned++
			}
			continue
		}

		m.publishProgress(rec)
		m.syncConnections(ctx, rec, now)
	}
	return cleaned
}

// runSweeps purges expired tokens and folds aged teardowns into the bounded
// history table. Returns the number of tokens removed.
func (m *Monitor) runSweeps(ctx context.Context) int {
	now := m.now().UTC()

	purged, err := m.store.PurgeExpiredTokens(ctx, now, tokenPurgeBatch)
	if err != nil {
		m.log.Error("token sweep", "err", err)
	}

	cutoff := now.Add(-m.historyRetention)
	if _, err := m.store.ArchiveDestroyedTunnels(ctx, cutoff, archiveBatch); err != nil {
		m.log.Error("archive destroyed tunnels", "err", err)
	}
	if _, err := m.store.PruneHistory(ctx, m.historyLimit); err != nil {
		m.log.Error("prune history", "err", err)
	}
	return int(purged)
}

// Status reports monitor and store health for the admin surface.
func (m *Monitor) Status(ctx context.Context) domain.MonitorStatus {
	now := m.now().UTC()
	st := domain.MonitorStatus{
		MonitorActive:       m.active.Load(),
		StallTimeoutSeconds: int(m.stallTimeout.Seconds()),
		MaxTunnelSeconds:    int(m.maxTunnelTTL.Seconds()),
		ParseErrors:         m.parseErrors.Load(),
	}
	if !m.started.IsZero() {
		st.UptimeSeconds = int64(now.Sub(m.started).Seconds())
	}

	if live, err := m.store.ListLiveTunnels(ctx); err == nil {
		st.ActiveTunnelsCount = len(live)
	}
	st.ActiveDownloads = m.activeDownloads(now)

	if err := m.store.Ping(ctx); err == nil {
		st.StateStoreConnected = true
		if size, err := m.store.SizeBytes(ctx); err == nil {
			st.StateStoreMemory = humanize.Bytes(uint64(size))
		}
	}
	return st
}

// destroy fires the idempotent teardown and drops per-tunnel tracking
// state. Returns whether a teardown actually happened on this call.
func (m *Monitor) destroy(ctx context.Context, id, reason string) bool {
	rec, err := m.tunnels.Destroy(ctx, id, reason)
	if err != nil {
		m.log.Error("trigger teardown", "tunnel_id", id, "reason", reason, "err", err)
		m.bus.Publish(domain.Event{
			Type:     domain.EventMonitorError,
			TunnelID: id,
			Detail:   err.Error(),
		})
		return false
	}

	m.mu.Lock()
	delete(m.recent, id)
	delete(m.lastBytes, id)
	m.mu.Unlock()
	return rec.DestroyedAt != nil
}

// noteRequest feeds the active-connections heuristic.
func (m *Monitor) noteRequest(tunnelID, requestID string, at time.Time) {
	if requestID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	seen, ok := m.recent[tunnelID]
	if !ok {
		seen = make(map[string]time.Time)
		m.recent[tunnelID] = seen
	}
	if at.After(seen[requestID]) {
		seen[requestID] = at
	}
}

// activeConns counts distinct request IDs for one tunnel inside the window,
// pruning the rest.
func (m *Monitor) activeConns(tunnelID string, now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := m.recent[tunnelID]
	for id, at := range seen {
		if now.Sub(at) > connWindow {
			delete(seen, id)
		}
	}
	if len(seen) == 0 {
		delete(m.recent, tunnelID)
	}
	return len(seen)
}

// activeDownloads counts tunnels with at least one request in the window.
func (m *Monitor) activeDownloads(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, seen := range m.recent {
		for _, at := range seen {
			if now.Sub(at) <= connWindow {
				n++
				break
			}
		}
	}
	return n
}

// publishProgress emits a progress event when a tunnel's byte counter moved
// since the last tick.
func (m *Monitor) publishProgress(rec domain.Tunnel) {
	m.mu.Lock()
	last, ok := m.lastBytes[rec.ID]
	moved := !ok && rec.BytesServed > 0 || ok && rec.BytesServed != last
	m.lastBytes[rec.ID] = rec.BytesServed
	m.mu.Unlock()

	if moved {
		m.bus.Publish(domain.Event{
			Type:        domain.EventProgress,
			TunnelID:    rec.ID,
			Status:      rec.Status,
			BytesServed: rec.BytesServed,
		})
	}
}

// syncConnections persists the heuristic count when it changed.
func (m *Monitor) syncConnections(ctx context.Context, rec domain.Tunnel, now time.Time) {
	n := m.activeConns(rec.ID, now)
	if n == rec.ActiveConns {
		return
	}
	if err := m.store.UpdateActiveConnections(ctx, rec.ID, n); err != nil {
		m.log.Error("update active connections", "tunnel_id", rec.ID, "err", err)
	}
}
