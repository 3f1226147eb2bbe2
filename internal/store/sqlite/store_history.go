package sqlite

import (
	"context"
	"time"

	"github.com/sendonce/sendonce/internal/domain"
)

// ArchiveDestroyedTunnels moves torn-down records whose teardown happened
// before cutoff into the bounded history table and deletes the live rows.
// Bounded per run like the token sweep.
func (s *Store) ArchiveDestroyedTunnels(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = defaultArchiveLimit
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	cutoff = cutoff.UTC()
	res, err := tx.ExecContext(ctx, `
INSERT INTO tunnel_history(tunnel_id, file_path, file_size, hostname, status, bytes_served, created_at, destroyed_at)
SELECT id, file_path, file_size, hostname, status, bytes_served, created_at, destroyed_at
FROM tunnels
WHERE destroyed_at IS NOT NULL AND destroyed_at < ?
ORDER BY destroyed_at ASC
LIMIT ?`, cutoff, limit)
	if err != nil {
		return 0, err
	}
	moved, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if moved > 0 {
		if _, err := tx.ExecContext(ctx, `
DELETE FROM tunnels
WHERE id IN (
	SELECT id FROM tunnels
	WHERE destroyed_at IS NOT NULL AND destroyed_at < ?
	ORDER BY destroyed_at ASC
	LIMIT ?
)`, cutoff, limit); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return moved, nil
}

// PruneHistory drops the oldest history rows beyond keep.
func (s *Store) PruneHistory(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM tunnel_history
WHERE seq NOT IN (
	SELECT seq FROM tunnel_history
	ORDER BY destroyed_at DESC, seq DESC
	LIMIT ?
)`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListHistory returns recent destroyed tunnels, newest teardown first.
func (s *Store) ListHistory(ctx context.Context, limit int) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = defaultArchiveLimit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT tunnel_id, file_path, file_size, COALESCE(hostname, ''), status, bytes_served, created_at, destroyed_at
FROM tunnel_history
ORDER BY destroyed_at DESC, seq DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.HistoryEntry
	for rows.Next() {
		var h domain.HistoryEntry
		if err := rows.Scan(&h.TunnelID, &h.FilePath, &h.FileSize, &h.Hostname, &h.Status,
			&h.BytesServed, &h.CreatedAt, &h.DestroyedAt); err != nil {
			return nil, err
		}
		h.CreatedAt = h.CreatedAt.UTC()
		h.DestroyedAt = h.DestroyedAt.UTC()
		out = append(out, h)
	}
	return out, rows.Err()
}
