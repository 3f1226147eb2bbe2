package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SaveTailOffset checkpoints the monitor's position in an access log. The
// inode disambiguates rotated files sharing the same path.
func (s *Store) SaveTailOffset(ctx context.Context, logPath string, inode uint64, offset int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tail_offsets(log_path, inode, offset, updated_at)
VALUES(?, ?, ?, ?)
ON CONFLICT(log_path) DO UPDATE SET inode = excluded.inode, offset = excluded.offset, updated_at = excluded.updated_at`,
		logPath, int64(inode), offset, at.UTC())
	return err
}

// LoadTailOffset returns the persisted checkpoint for an access log, with
// ok=false when none was saved yet.
func (s *Store) LoadTailOffset(ctx context.Context, logPath string) (inode uint64, offset int64, ok bool, err error) {
	var storedInode int64
	err = s.db.QueryRowContext(ctx, `
SELECT inode, offset FROM tail_offsets WHERE log_path = ?`, logPath).Scan(&storedInode, &offset)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	return uint64(storedInode), offset, true, nil
}
