package state

import (
	"context"
	"fmt"
	"time"
)

// AcquireLease takes the named lease for holder until now+ttl. It succeeds if
// the lease is free, expired, or already held by holder, and reports false
// when another holder owns an unexpired lease.
func (s *Store) AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	now := time.Now()
	const q = `
		INSERT INTO leases (key, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
		    holder     = excluded.holder,
		    expires_at = excluded.expires_at
		WHERE leases.holder = excluded.holder OR leases.expires_at <= ?`
	res, err := s.db.ExecContext(ctx, q, key, holder, now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("acquiring lease %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquiring lease %q: %w", key, err)
	}
	return n > 0, nil
}

// ReleaseLease drops the lease if holder still owns it.
func (s *Store) ReleaseLease(ctx context.Context, key, holder string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE key = ? AND holder = ?`, key, holder); err != nil {
		return fmt.Errorf("releasing lease %q: %w", key, err)
	}
	return nil
}
