package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/viant/sqlite-ann/vector"
)

const leaseRetryDelay = 50 * time.Millisecond

// Lease is an exclusive, expiring claim on a name recorded in ann_leases.
// One process holds the writer lease of a database so that two in-memory
// indexes never diverge over the same log.
type Lease struct {
	s     *Store
	name  string
	owner string
}

// AcquireLease claims name, taking over claims not refreshed within stale.
// It retries until ctx is done.
func (s *Store) AcquireLease(ctx context.Context, name string, stale time.Duration) (*Lease, error) {
	l := &Lease{s: s, name: name, owner: uuid.NewString()}
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("lease %q: %w", name, vector.ErrUnavailable)
		}
		won, err := l.try(ctx, stale)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("lease %q: %w", name, vector.ErrUnavailable)
			}
			return nil, err
		}
		if won {
			return l, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lease %q held by another owner: %w", name, vector.ErrUnavailable)
		case <-time.After(leaseRetryDelay):
		}
	}
}

func (l *Lease) try(ctx context.Context, stale time.Duration) (bool, error) {
	won := false
	err := l.s.inTx(ctx, "acquire lease", func(tx *sql.Tx) error {
		now := time.Now().Unix()
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO ann_leases(name, owner, locked_at) VALUES(?, ?, ?)`, l.name, l.owner, now); err != nil {
			return err
		}
		var owner string
		var lockedAt int64
		if err := tx.QueryRowContext(ctx, `SELECT owner, locked_at FROM ann_leases WHERE name = ?`, l.name).Scan(&owner, &lockedAt); err != nil {
			return err
		}
		if owner != l.owner && lockedAt <= time.Now().Add(-stale).Unix() {
			res, err := tx.ExecContext(ctx, `UPDATE ann_leases SET owner = ?, locked_at = ? WHERE name = ? AND locked_at = ?`, l.owner, now, l.name, lockedAt)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n > 0 {
				owner = l.owner
			}
		}
		won = owner == l.owner
		return nil
	})
	return won, err
}

// Owner returns the lease owner id.
func (l *Lease) Owner() string { return l.owner }

// Refresh extends the lease; it fails when another owner took it over.
func (l *Lease) Refresh(ctx context.Context) error {
	res, err := l.s.db.ExecContext(ctx, `UPDATE ann_leases SET locked_at = ? WHERE name = ? AND owner = ?`, time.Now().Unix(), l.name, l.owner)
	if err != nil {
		return vector.WrapStore("refresh lease", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("lease %q lost: %w", l.name, vector.ErrUnavailable)
	}
	return nil
}

// Release drops the lease if still owned.
func (l *Lease) Release(ctx context.Context) error {
	_, err := l.s.db.ExecContext(ctx, `DELETE FROM ann_leases WHERE name = ? AND owner = ?`, l.name, l.owner)
	return vector.WrapStore("release lease", err)
}
