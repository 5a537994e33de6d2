package outboxstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DeleteSent removes messages sent more than retention ago, limit rows per statement, until none is
// left. Only one session cleans a table at a time; the others return zero right away.
// Younger sent rows are kept: HasMessages relies on them to recognize redeliveries.
func (s *Store) DeleteSent(ctx context.Context, retention time.Duration, limit int) (int64, error) {
	if retention <= 0 {
		return 0, ErrInvalidRetention
	}
	if limit <= 0 {
		return 0, ErrInvalidLimit
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("sqlbus outbox: cleanup conn failed: %w", err)
	}
	defer conn.Close()

	locked, err := s.tryLock(ctx, conn)
	if err != nil {
		return 0, err
	}
	if !locked {
		s.cfg.Logger.Debug("sqlbus outbox cleanup lock held by another session", "table", s.table.String())

		return 0, nil
	}
	defer s.releaseLock(ctx, conn)

	var total int64
	for {
		res, err := conn.ExecContext(ctx, s.queries.deleteSent, retention.Microseconds(), limit)
		if err != nil {
			return total, fmt.Errorf("sqlbus outbox: cleanup delete failed: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("sqlbus outbox: cleanup rows failed: %w", err)
		}
		total += affected
		if affected < int64(limit) {
			return total, nil
		}
	}
}

func (s *Store) tryLock(ctx context.Context, conn *sql.Conn) (bool, error) {
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, "SELECT GET_LOCK(?, 0)", s.cfg.LockName).Scan(&got); err != nil {
		return false, fmt.Errorf("sqlbus outbox: acquire cleanup lock failed: %w", err)
	}
	if !got.Valid || got.Int64 == 0 {
		return false, nil
	}

	return true, nil
}

func (s *Store) releaseLock(ctx context.Context, conn *sql.Conn) {
	var released sql.NullInt64
	if err := conn.QueryRowContext(context.WithoutCancel(ctx), "SELECT RELEASE_LOCK(?)", s.cfg.LockName).Scan(&released); err != nil {
		s.cfg.Logger.Warn("sqlbus outbox cleanup release lock failed", "err", err)
	}
}
