package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/sendonce/sendonce/internal/domain"
)

// CreateToken inserts the persisted side of a freshly minted capability
// token.
func (s *Store) CreateToken(ctx context.Context, t domain.Token) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tokens(id, file_path, tunnel_id, issued_at, expires_at, consumed_at)
VALUES(?, ?, ?, ?, ?, NULL)`,
		t.ID, t.FilePath, t.TunnelID, t.IssuedAt.UTC(), t.ExpiresAt.UTC())
	return err
}

// GetToken loads a token record by ID.
func (s *Store) GetToken(ctx context.Context, id string) (domain.Token, error) {
	var t domain.Token
	var consumed sql.NullTime
	err := s.db.QueryRowContext(ctx, `
SELECT id, file_path, tunnel_id, issued_at, expires_at, consumed_at
FROM tokens WHERE id = ?`, id).Scan(&t.ID, &t.FilePath, &t.TunnelID, &t.IssuedAt, &t.ExpiresAt, &consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Token{}, domain.ErrTokenInvalid
	}
	if err != nil {
		return domain.Token{}, err
	}
	t.IssuedAt = t.IssuedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	t.ConsumedAt = timePtr(consumed)
	return t, nil
}

// ConsumeToken atomically transitions a token from unconsumed to consumed.
// Unknown, expired, and already-consumed tokens all fail with
// [domain.ErrTokenInvalid]; exactly one concurrent caller can win.
func (s *Store) ConsumeToken(ctx context.Context, id string, now time.Time) (domain.Token, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Token{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var t domain.Token
	var consumed sql.NullTime
	err = tx.QueryRowContext(ctx, `
SELECT id, file_path, tunnel_id, issued_at, expires_at, consumed_at
FROM tokens WHERE id = ?`, id).Scan(&t.ID, &t.FilePath, &t.TunnelID, &t.IssuedAt, &t.ExpiresAt, &consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Token{}, domain.ErrTokenInvalid
	}
	if err != nil {
		return domain.Token{}, err
	}
	now = now.UTC()
	if consumed.Valid {
		return domain.Token{}, domain.ErrTokenInvalid
	}
	if now.After(t.ExpiresAt.UTC()) {
		return domain.Token{}, domain.ErrTokenInvalid
	}

	res, err := tx.ExecContext(ctx, `
UPDATE tokens
SET consumed_at = ?
WHERE id = ? AND consumed_at IS NULL AND expires_at >= ?`, now, id, now)
	if err != nil {
		return domain.Token{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Token{}, err
	}
	if affected == 0 {
		return domain.Token{}, domain.ErrTokenInvalid
	}
	if err = tx.Commit(); err != nil {
		return domain.Token{}, err
	}

	t.IssuedAt = t.IssuedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	t.ConsumedAt = &now
	return t, nil
}

// PurgeExpiredTokens removes expired token records in bounded batches to
// avoid long write transactions.
func (s *Store) PurgeExpiredTokens(ctx context.Context, now time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = defaultTokenPurgeLimit
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM tokens
WHERE id IN (
	SELECT id
	FROM tokens
	WHERE expires_at < ?
	ORDER BY expires_at ASC
	LIMIT ?
)`, now.UTC(), limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
