// Package distlock provides cross-process locks for the sync pipeline,
// one lock per guarded resource (a source being drained, the migration
// runner). Locks are non-blocking: a held lock reports unavailable
// rather than waiting.
package distlock

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces every lock key so a Redis or Postgres instance
// shared with other applications never collides on lock names.
const keyPrefix = "clientsync:lock:"

// ErrLockLost reports that a lock expired or was taken over between
// Acquire and a later Extend. The holder must stop treating the guarded
// resource as exclusively owned.
var ErrLockLost = errors.New("distlock: lock no longer held")

// DistLock guards a critical section across processes. Instances are
// single-owner: share the resource, not the lock value.
type DistLock interface {
	// Acquire takes the lock if it is free. Returns false, without
	// blocking, when another process holds it.
	Acquire(ctx context.Context) (bool, error)
	// Extend re-arms the expiry of a held lock. Long page chains call
	// this between batches so the lock outlives its initial TTL.
	// Returns ErrLockLost if ownership has already lapsed.
	Extend(ctx context.Context) error
	// Release frees the lock if this instance still owns it.
	Release(ctx context.Context) error
}

// Factory hands out locks over whichever backend is configured. Redis
// is preferred: its TTL expiry frees locks left by crashed processes
// on any host. Without Redis the factory falls back to Postgres
// advisory locks, which are session-scoped and vanish when the
// database connection drops.
type Factory struct {
	redis *redis.Client
	db    *sql.DB
	ttl   time.Duration
}

// NewFactory builds a lock factory. redisClient may be nil, in which
// case db must be set. ttl bounds how long a Redis lock survives
// without an Extend.
func NewFactory(redisClient *redis.Client, db *sql.DB, ttl time.Duration) *Factory {
	return &Factory{redis: redisClient, db: db, ttl: ttl}
}

// ForKey returns a lock for the given name, namespaced under the
// application prefix. Each call yields a fresh lock value; two
// ForKey("x") locks contend with each other.
func (f *Factory) ForKey(name string) DistLock {
	if f.redis != nil {
		return NewRedisLock(f.redis, keyPrefix+name, f.ttl)
	}
	return NewPGAdvisoryLock(f.db, keyPrefix+name)
}

// PGAdvisoryLock is the Redis-less fallback, backed by
// pg_try_advisory_lock. The textual key is folded to the int64 lock ID
// Postgres requires via FNV-1a; a hash collision between two distinct
// keys would merge their critical sections, which is safe (over-locking)
// if slow.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
}

func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	var acquired bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired)
	return acquired, err
}

// Extend is a no-op: advisory locks have no expiry, they live and die
// with the database session.
func (l *PGAdvisoryLock) Extend(context.Context) error { return nil }

func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
