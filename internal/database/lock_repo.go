package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// lockRepo implements LockRepository.
type lockRepo struct {
	db *DB
}

// NewLockRepo creates a new lock repository.
func NewLockRepo(db *DB) LockRepository {
	return &lockRepo{db: db}
}

// TryAcquire attempts to acquire or renew the named lock for holderID.
// A single upsert decides the outcome on the database server: the insert
// wins an empty slot, the conditional update wins an expired lease or
// renews the caller's own. No row back means the lock belongs to someone
// else, which is an outcome, not an error.
func (r *lockRepo) TryAcquire(ctx context.Context, name, holderID string, knownRevision int64, ttl time.Duration) (bool, int64, error) {
	var revision int64
	err := r.db.pool.QueryRow(ctx, LockAcquire,
		name,
		holderID,
		knownRevision,
		ttl.Seconds(),
	).Scan(&revision)

	if err != nil {
		if err == pgx.ErrNoRows {
			return false, knownRevision, nil
		}
		return false, knownRevision, fmt.Errorf("failed to acquire lock: %w", WrapDBError(err))
	}
	return true, revision, nil
}

// Release gives up the lock if holderID still owns it.
func (r *lockRepo) Release(ctx context.Context, name, holderID string) error {
	_, err := r.db.pool.Exec(ctx, LockRelease, name, holderID)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Get retrieves the current lock row.
func (r *lockRepo) Get(ctx context.Context, name string) (*Lock, error) {
	lock := &Lock{}
	err := r.db.pool.QueryRow(ctx, LockGet, name).Scan(
		&lock.Name,
		&lock.HolderID,
		&lock.Revision,
		&lock.ExpiresAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get lock: %w", err)
	}
	return lock, nil
}
