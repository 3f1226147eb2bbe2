package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/sendonce/sendonce/internal/domain"
)

const tunnelColumns = `id, file_path, file_name, file_size, hostname, public_url, status,
 created_at, expires_at, grace_deadline, last_activity_at, destroyed_at,
 bytes_served, active_connections, request_ids`

const maxRequestIDsPerTunnel = 64

// CreateTunnel inserts a new tunnel record if the ID is not already taken.
// The insert doubles as the set-if-absent uniqueness check for allocation;
// callers retry with a fresh ID when inserted is false.
func (s *Store) CreateTunnel(ctx context.Context, t domain.Tunnel) (inserted bool, err error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO tunnels(id, file_path, file_name, file_size, hostname, public_url, status,
	created_at, expires_at, grace_deadline, last_activity_at, destroyed_at,
	bytes_served, active_connections, request_ids)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, 0, 0, '[]')
ON CONFLICT(id) DO NOTHING`,
		t.ID, t.FilePath, t.FileName, t.FileSize,
		nullableString(t.Hostname), nullableString(t.PublicURL),
		t.Status, t.CreatedAt.UTC(), t.ExpiresAt.UTC())
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// GetTunnel loads a single tunnel record.
func (s *Store) GetTunnel(ctx context.Context, id string) (domain.Tunnel, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tunnelColumns+` FROM tunnels WHERE id = ?`, id)
	t, err := scanTunnel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Tunnel{}, domain.ErrTunnelNotFound
	}
	return t, err
}

// ListLiveTunnels returns every record whose teardown has not run yet
// (provisioning, active, and completed tunnels still holding resources),
// newest first.
func (s *Store) ListLiveTunnels(ctx context.Context) ([]domain.Tunnel, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+tunnelColumns+`
FROM tunnels
WHERE destroyed_at IS NULL
ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Tunnel
	for rows.Next() {
		t, err := scanTunnel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ActivateTunnel flips provisioning to active and records the published
// route. The compare-and-set fails when the tunnel was destroyed or already
// activated in the meantime.
func (s *Store) ActivateTunnel(ctx context.Context, id, hostname, publicURL string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE tunnels
SET status = ?, hostname = ?, public_url = ?
WHERE id = ? AND status = ? AND destroyed_at IS NULL`,
		domain.StatusActive, hostname, publicURL, id, domain.StatusProvisioning)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// MarkCompleted flips active to completed and records the grace deadline.
// The route stays published until the deadline passes.
func (s *Store) MarkCompleted(ctx context.Context, id string, graceDeadline time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE tunnels
SET status = ?, grace_deadline = ?
WHERE id = ? AND status = ? AND destroyed_at IS NULL`,
		domain.StatusCompleted, graceDeadline.UTC(), id, domain.StatusActive)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ClaimDestroy atomically claims the right to tear a tunnel down. The first
// caller gets claimed=true and the record as it stood before teardown;
// subsequent callers observe destroyed_at already set and get claimed=false.
// A record already in a terminal status keeps it; otherwise status becomes
// reason.
func (s *Store) ClaimDestroy(ctx context.Context, id, reason string, now time.Time) (domain.Tunnel, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Tunnel{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+tunnelColumns+` FROM tunnels WHERE id = ?`, id)
	t, err := scanTunnel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Tunnel{}, false, domain.ErrTunnelNotFound
	}
	if err != nil {
		return domain.Tunnel{}, false, err
	}
	if t.DestroyedAt != nil {
		return t, false, nil
	}

	status := reason
	if domain.IsTerminalStatus(t.Status) {
		status = t.Status
	}
	now = now.UTC()
	if _, err := tx.ExecContext(ctx, `
UPDATE tunnels SET status = ?, destroyed_at = ? WHERE id = ?`, status, now, id); err != nil {
		return domain.Tunnel{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Tunnel{}, false, err
	}

	t.Status = status
	t.DestroyedAt = &now
	return t, true, nil
}

// AddTunnelActivity folds one download event into a tunnel's counters:
// bytes_served grows by at most file_size - bytes_served (overshoot from
// range requests is dropped), last_activity_at advances monotonically, and
// the request ID joins the bounded correlation set. Events against records
// that are destroyed or not yet active are ignored.
func (s *Store) AddTunnelActivity(ctx context.Context, id string, bodyBytes int64, at time.Time, requestID string) (applied bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+tunnelColumns+` FROM tunnels WHERE id = ?`, id)
	t, err := scanTunnel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if t.DestroyedAt != nil {
		return false, nil
	}
	if t.Status != domain.StatusActive && t.Status != domain.StatusCompleted {
		return false, nil
	}

	add := bodyBytes
	if remaining := t.FileSize - t.BytesServed; add > remaining {
		add = remaining
	}
	if add < 0 {
		add = 0
	}
	bytesServed := t.BytesServed + add

	at = at.UTC()
	lastActivity := at
	if t.LastActivityAt != nil && t.LastActivityAt.After(at) {
		lastActivity = *t.LastActivityAt
	}

	ids := t.RequestIDs
	if requestID != "" && !containsString(ids, requestID) && len(ids) < maxRequestIDsPerTunnel {
		ids = append(ids, requestID)
	}
	encoded, err := json.Marshal(ids)
	if err != nil {
		return false, err
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE tunnels
SET bytes_served = ?, last_activity_at = ?, request_ids = ?
WHERE id = ?`, bytesServed, lastActivity, string(encoded), id); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// UpdateActiveConnections stores the monitor's connection heuristic for a
// live tunnel.
func (s *Store) UpdateActiveConnections(ctx context.Context, id string, n int) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE tunnels SET active_connections = ? WHERE id = ? AND destroyed_at IS NULL`, n, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTunnel(row rowScanner) (domain.Tunnel, error) {
	var t domain.Tunnel
	var hostname, publicURL sql.NullString
	var grace, lastActivity, destroyed sql.NullTime
	var requestIDs string
	err := row.Scan(
		&t.ID, &t.FilePath, &t.FileName, &t.FileSize, &hostname, &publicURL, &t.Status,
		&t.CreatedAt, &t.ExpiresAt, &grace, &lastActivity, &destroyed,
		&t.BytesServed, &t.ActiveConns, &requestIDs,
	)
	if err != nil {
		return domain.Tunnel{}, err
	}
	t.Hostname = hostname.String
	t.PublicURL = publicURL.String
	t.GraceDeadline = timePtr(grace)
	t.LastActivityAt = timePtr(lastActivity)
	t.DestroyedAt = timePtr(destroyed)
	t.CreatedAt = t.CreatedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	if requestIDs != "" {
		_ = json.Unmarshal([]byte(requestIDs), &t.RequestIDs)
	}
	return t, nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
