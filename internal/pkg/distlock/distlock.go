// Package distlock provides distributed locks on Postgres advisory locks.
// Session-scoped pg_try_advisory_lock releases automatically if the
// connection drops, which gives crash-safety without a TTL.
package distlock

import (
	"context"
	"database/sql"
	"hash/fnv"
)

// Lock is a non-blocking advisory lock keyed by a string.
type Lock struct {
	db     *sql.DB
	lockID int64
}

// New creates a lock whose id is derived deterministically from key.
func New(db *sql.DB, key string) *Lock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &Lock{db: db, lockID: int64(h.Sum64())}
}

// Acquire tries to take the lock without blocking. Returns true on success.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	var acquired bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired)
	return acquired, err
}

// Release gives the lock back if this session still holds it.
func (l *Lock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
