package store

import (
	"context"
	"fmt"
	"time"
)

// The distribution lock is a single lease row: id 1 either absent, live,
// or expired. Acquisition inserts the row or steals it when its lease
// has lapsed, so a crashed holder never blocks distribution forever.

// AcquireLock attempts to take the distribution lease for holderID with
// the given TTL. Returns false without blocking when another holder has
// a live lease.
func (s *Store) AcquireLock(ctx context.Context, holderID string, ttl time.Duration) (bool, error) {
	now := s.clock.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO distribution_locks (id, holder_id, acquired_at, expires_at)
		VALUES (1, $1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET holder_id = EXCLUDED.holder_id,
		    acquired_at = EXCLUDED.acquired_at,
		    expires_at = EXCLUDED.expires_at
		WHERE distribution_locks.expires_at <= $2
	`, holderID, now, now.Add(ttl))
	if err != nil {
		return false, fmt.Errorf("failed to acquire distribution lock: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseLock drops the lease if holderID still owns it. Releasing a
// lease that expired and was reclaimed by another holder is a no-op.
func (s *Store) ReleaseLock(ctx context.Context, holderID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM distribution_locks WHERE id = 1 AND holder_id = $1
	`, holderID)
	if err != nil {
		return fmt.Errorf("failed to release distribution lock: %w", err)
	}
	return nil
}
