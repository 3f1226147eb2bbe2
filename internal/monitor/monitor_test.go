package monitor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sendonce/sendonce/internal/domain"
	"github.com/sendonce/sendonce/internal/edge"
	"github.com/sendonce/sendonce/internal/events"
	"github.com/sendonce/sendonce/internal/library"
	"github.com/sendonce/sendonce/internal/staging"
	"github.com/sendonce/sendonce/internal/store/sqlite"
	"github.com/sendonce/sendonce/internal/tunnel"
)

type fakeEdge struct {
	mu     sync.Mutex
	routes map[string]bool
}

func (f *fakeEdge) Publish(_ context.Context, id, _ string) (edge.Publication, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[id] = true
	return edge.Publication{Hostname: "t-" + id, PublicURL: "https://t-" + id}, nil
}

func (f *fakeEdge) Unpublish(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.routes, id)
	return nil
}

func (f *fakeEdge) ListPublished(_ context.Context) ([]edge.Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	routes := make([]edge.Route, 0, len(f.routes))
	for id := range f.routes {
		routes = append(routes, edge.Route{TunnelID: id, Hostname: "t-" + id})
	}
	return routes, nil
}

func (f *fakeEdge) hasRoute(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.routes[id]
}

type fixture struct {
	store *sqlite.Store
	mgr   *tunnel.Manager
	mon   *Monitor
	bus   *events.Bus
	edge  *fakeEdge
	base  time.Time
}

func newFixture(t *testing.T, fileSize int) *fixture {
	t.Helper()
	libRoot := t.TempDir()
	if err := os.WriteFile(filepath.Join(libRoot, "data.bin"), make([]byte, fileSize), 0o644); err != nil {
		t.Fatal(err)
	}
	lib, err := library.New(libRoot)
	if err != nil {
		t.Fatal(err)
	}
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	area, err := staging.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fe := &fakeEdge{routes: make(map[string]bool)}
	bus := events.NewBus()
	mgr := tunnel.New(tunnel.Options{
		Store: store, Library: lib, Staging: area, Edge: fe, Bus: bus, Log: logger,
	})
	mon := New(Options{
		Store:            store,
		Tunnels:          mgr,
		Bus:              bus,
		Log:              logger,
		AccessLogPath:    filepath.Join(t.TempDir(), "access.log"),
		Tick:             5 * time.Second,
		StallTimeout:     5 * time.Minute,
		GracePeriod:      30 * time.Minute,
		TokenSweepEvery:  time.Minute,
		HistoryRetention: time.Hour,
		HistoryLimit:     200,
		MaxTunnelTTL:     time.Hour,
	})

	fx := &fixture{store: store, mgr: mgr, mon: mon, bus: bus, edge: fe, base: time.Now().UTC().Truncate(time.Second)}
	fx.mon.now = func() time.Time { return fx.base }
	return fx
}

func (fx *fixture) advance(d time.Duration) {
	at := fx.base.Add(d)
	fx.mon.now = func() time.Time { return at }
}

func (fx *fixture) create(t *testing.T, ttl time.Duration) domain.Tunnel {
	t.Helper()
	rec, err := fx.mgr.Create(context.Background(), "data.bin", ttl)
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func (fx *fixture) ingest(t *testing.T, id, route string, status int, body int64, reqID string, at time.Time) {
	t.Helper()
	line := fmt.Sprintf(`198.51.100.9 - - [%s] "GET /%s/%s/data.bin HTTP/1.1" %d %d %d "curl/8.0" 0.050 %s`,
		at.Format(timeLocalLayout), route, id, status, body+120, body, reqID)
	fx.mon.ingestLine(context.Background(), line)
}

func TestCompletionAndGraceTeardown(t *testing.T) {
	fx := newFixture(t, 10)
	ctx := context.Background()
	rec := fx.create(t, time.Hour)

	// Overshooting download: only the file's 10 bytes count.
	fx.ingest(t, rec.ID, "download-file", 200, 64, "req-1", fx.base)
	if n := fx.mon.runTick(ctx); n != 0 {
		t.Fatalf("completion tick tore down %d tunnels", n)
	}

	got, err := fx.store.GetTunnel(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	if got.BytesServed != 10 {
		t.Fatalf("bytes_served = %d, want clamped to 10", got.BytesServed)
	}
	if got.GraceDeadline == nil || !got.GraceDeadline.After(fx.base) {
		t.Fatalf("grace_deadline = %v", got.GraceDeadline)
	}
	if !fx.edge.hasRoute(rec.ID) {
		t.Fatal("route must stay published through the grace period")
	}

	fx.advance(31 * time.Minute)
	if n := fx.mon.runTick(ctx); n != 1 {
		t.Fatalf("grace tick tore down %d tunnels, want 1", n)
	}
	got, err = fx.store.GetTunnel(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusCompleted || got.DestroyedAt == nil {
		t.Fatalf("after grace: status=%q destroyed=%v", got.Status, got.DestroyedAt)
	}
	if fx.edge.hasRoute(rec.ID) {
		t.Fatal("route should be withdrawn after grace teardown")
	}
}

func TestStallTrigger(t *testing.T) {
	fx := newFixture(t, 12)
	ctx := context.Background()
	rec := fx.create(t, time.Hour)

	fx.ingest(t, rec.ID, "download-file", 200, 4, "req-1", fx.base)
	fx.advance(6 * time.Minute)
	if n := fx.mon.runTick(ctx); n != 1 {
		t.Fatalf("stall tick tore down %d tunnels, want 1", n)
	}

	got, err := fx.store.GetTunnel(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusStalled {
		t.Fatalf("status = %q, want stalled", got.Status)
	}
}

func TestStallRequiresBytes(t *testing.T) {
	fx := newFixture(t, 12)
	ctx := context.Background()
	rec := fx.create(t, time.Hour)

	// Idle but untouched: not a stall, just an unclaimed tunnel.
	fx.advance(6 * time.Minute)
	if n := fx.mon.runTick(ctx); n != 0 {
		t.Fatalf("tick tore down %d tunnels, want 0", n)
	}
	got, err := fx.store.GetTunnel(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusActive {
		t.Fatalf("status = %q, want still active", got.Status)
	}
}

func TestExpiryOutranksStall(t *testing.T) {
	fx := newFixture(t, 12)
	ctx := context.Background()
	rec := fx.create(t, time.Minute)

	fx.ingest(t, rec.ID, "download-file", 200, 4, "req-1", fx.base)
	fx.advance(time.Hour) // both expired and stalled by now
	if n := fx.mon.runTick(ctx); n != 1 {
		t.Fatalf("tick tore down %d tunnels, want 1", n)
	}

	got, err := fx.store.GetTunnel(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusExpired {
		t.Fatalf("status = %q, expiry must win", got.Status)
	}
}

func TestExpiryCoversProvisioning(t *testing.T) {
	fx := newFixture(t, 12)
	ctx := context.Background()
	now := fx.base

	rec := domain.Tunnel{
		ID: "ab12cd34", FilePath: "data.bin", FileName: "data.bin", FileSize: 12,
		Status: domain.StatusProvisioning, CreatedAt: now, ExpiresAt: now.Add(time.Second),
	}
	if _, err := fx.store.CreateTunnel(ctx, rec); err != nil {
		t.Fatal(err)
	}

	fx.advance(time.Minute)
	if n := fx.mon.runTick(ctx); n != 1 {
		t.Fatalf("tick tore down %d tunnels, want 1", n)
	}
	got, err := fx.store.GetTunnel(ctx, "ab12cd34")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusExpired {
		t.Fatalf("status = %q, want expired", got.Status)
	}
}

func TestZeroByteFileCompletes(t *testing.T) {
	fx := newFixture(t, 0)
	ctx := context.Background()
	rec := fx.create(t, time.Hour)

	fx.ingest(t, rec.ID, "download-file", 200, 0, "req-1", fx.base)
	fx.mon.runTick(ctx)

	got, err := fx.store.GetTunnel(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusCompleted {
		t.Fatalf("status = %q, a served zero-byte file completes", got.Status)
	}
}

func TestCourtesyTrafficDoesNotCount(t *testing.T) {
	fx := newFixture(t, 12)
	ctx := context.Background()
	rec := fx.create(t, time.Hour)

	fx.ingest(t, rec.ID, "files", 200, 512, "req-1", fx.base)
	fx.mon.runTick(ctx)

	got, err := fx.store.GetTunnel(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.BytesServed != 0 || got.Status != domain.StatusActive {
		t.Fatalf("courtesy traffic leaked into accounting: bytes=%d status=%q", got.BytesServed, got.Status)
	}
}

func TestFailedResponsesDoNotCount(t *testing.T) {
	fx := newFixture(t, 12)
	ctx := context.Background()
	rec := fx.create(t, time.Hour)

	fx.ingest(t, rec.ID, "download-file", 404, 12, "req-1", fx.base)
	fx.ingest(t, rec.ID, "download-file", 500, 12, "req-2", fx.base)
	fx.mon.runTick(ctx)

	got, err := fx.store.GetTunnel(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.BytesServed != 0 {
		t.Fatalf("bytes_served = %d, want 0", got.BytesServed)
	}
}

func TestMalformedLinesAreCounted(t *testing.T) {
	fx := newFixture(t, 12)

	fx.mon.ingestLine(context.Background(), "not a log line")
	fx.mon.ingestLine(context.Background(), "")

	if got := fx.mon.parseErrors.Load(); got != 2 {
		t.Fatalf("parse errors = %d, want 2", got)
	}
	st := fx.mon.Status(context.Background())
	if st.ParseErrors != 2 {
		t.Fatalf("status parse_errors = %d", st.ParseErrors)
	}
}

func TestRangeRequestsAccumulate(t *testing.T) {
	fx := newFixture(t, 12)
	ctx := context.Background()
	rec := fx.create(t, time.Hour)

	fx.ingest(t, rec.ID, "download-file", 206, 5, "req-1", fx.base)
	fx.ingest(t, rec.ID, "download-file", 206, 7, "req-1", fx.base.Add(time.Second))
	fx.mon.runTick(ctx)

	got, err := fx.store.GetTunnel(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusCompleted || got.BytesServed != 12 {
		t.Fatalf("status=%q bytes=%d, want completed at 12", got.Status, got.BytesServed)
	}
}

func TestKickReportsCounts(t *testing.T) {
	fx := newFixture(t, 12)
	ctx := context.Background()
	fx.create(t, time.Minute)

	expired := domain.Token{
		ID: "tok-old", FilePath: "data.bin", TunnelID: "ffffffff",
		IssuedAt: fx.base.Add(-2 * time.Hour), ExpiresAt: fx.base.Add(-time.Hour),
	}
	if err := fx.store.CreateToken(ctx, expired); err != nil {
		t.Fatal(err)
	}

	fx.advance(2 * time.Minute)
	resp := fx.mon.Kick(ctx)
	if resp.CleanedTunnels != 1 {
		t.Fatalf("cleaned_tunnels = %d, want 1", resp.CleanedTunnels)
	}
	if resp.CleanedTokens != 1 {
		t.Fatalf("cleaned_tokens = %d, want 1", resp.CleanedTokens)
	}
}

func TestActiveConnectionsHeuristic(t *testing.T) {
	fx := newFixture(t, 1000)
	ctx := context.Background()
	rec := fx.create(t, time.Hour)

	fx.ingest(t, rec.ID, "download-file", 206, 10, "req-1", fx.base)
	fx.ingest(t, rec.ID, "download-file", 206, 10, "req-2", fx.base)
	fx.ingest(t, rec.ID, "download-file", 206, 10, "req-1", fx.base.Add(time.Second))
	fx.mon.runTick(ctx)

	got, err := fx.store.GetTunnel(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ActiveConns != 2 {
		t.Fatalf("active_connections = %d, want 2 distinct request ids", got.ActiveConns)
	}
	if st := fx.mon.Status(ctx); st.ActiveDownloads != 1 {
		t.Fatalf("active_downloads = %d, want 1", st.ActiveDownloads)
	}

	// The window slides shut.
	fx.advance(2 * time.Minute)
	fx.mon.runTick(ctx)
	got, err = fx.store.GetTunnel(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ActiveConns != 0 {
		t.Fatalf("active_connections = %d after window, want 0", got.ActiveConns)
	}
}

func TestProgressEventsOnTick(t *testing.T) {
	fx := newFixture(t, 1000)
	ctx := context.Background()
	rec := fx.create(t, time.Hour)
	ch, cancel := fx.bus.Subscribe(16)
	defer cancel()

	fx.ingest(t, rec.ID, "download-file", 206, 10, "req-1", fx.base)
	fx.mon.runTick(ctx)

	var progress *domain.Event
	for len(ch) > 0 {
		ev := <-ch
		if ev.Type == domain.EventProgress {
			progress = &ev
		}
	}
	if progress == nil {
		t.Fatal("expected a progress event")
	}
	if progress.TunnelID != rec.ID || progress.BytesServed != 10 {
		t.Fatalf("progress = %+v", progress)
	}

	// No movement, no event.
	fx.mon.runTick(ctx)
	for len(ch) > 0 {
		if ev := <-ch; ev.Type == domain.EventProgress {
			t.Fatalf("unexpected progress event: %+v", ev)
		}
	}
}

func TestStatusFields(t *testing.T) {
	fx := newFixture(t, 12)
	ctx := context.Background()
	fx.create(t, time.Hour)

	st := fx.mon.Status(ctx)
	if st.ActiveTunnelsCount != 1 {
		t.Fatalf("active_tunnels_count = %d", st.ActiveTunnelsCount)
	}
	if !st.StateStoreConnected {
		t.Fatal("state store should report connected")
	}
	if st.StateStoreMemory == "" {
		t.Fatal("state store memory should be reported")
	}
	if st.StallTimeoutSeconds != 300 || st.MaxTunnelSeconds != 3600 {
		t.Fatalf("config echo = %d/%d", st.StallTimeoutSeconds, st.MaxTunnelSeconds)
	}
	if st.MonitorActive {
		t.Fatal("monitor_active should be false before Run")
	}
}
