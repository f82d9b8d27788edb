package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"client-engine/internal/lock"
)

// AdvisoryLocker implements lock.Manager with Postgres session-scoped
// advisory locks. A session lock lives as long as its connection, so each
// held key pins one pooled connection until Unlock. If the process dies the
// server drops the session and the lock with it.
type AdvisoryLocker struct {
	pool *pgxpool.Pool

	mu   sync.Mutex
	held map[int64]*pgxpool.Conn
}

var _ lock.Manager = (*AdvisoryLocker)(nil)

// NewAdvisoryLocker builds a locker on pool.
func NewAdvisoryLocker(pool *pgxpool.Pool) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool, held: make(map[int64]*pgxpool.Conn)}
}

// TryLock attempts pg_try_advisory_lock without waiting.
func (l *AdvisoryLocker) TryLock(ctx context.Context, key int64) (bool, error) {
	l.mu.Lock()
	if _, ok := l.held[key]; ok {
		l.mu.Unlock()
		return false, nil
	}
	l.mu.Unlock()

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire lock connection: %w", err)
	}
	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		conn.Release()
		return false, fmt.Errorf("try advisory lock %s: %w", lock.Name(key), err)
	}
	if !acquired {
		conn.Release()
		return false, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		// Another goroutine in this process won meanwhile on its own session.
		_, _ = conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, key)
		conn.Release()
		return false, nil
	}
	l.held[key] = conn
	return true, nil
}

// Unlock releases the key and returns its connection to the pool. When the
// unlock statement fails the connection is closed instead, which ends the
// session and releases the lock server-side.
func (l *AdvisoryLocker) Unlock(ctx context.Context, key int64) error {
	l.mu.Lock()
	conn, ok := l.held[key]
	delete(l.held, key)
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("unlock %s: not held", lock.Name(key))
	}

	var released bool
	if err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock($1)`, key).Scan(&released); err != nil {
		_ = conn.Hijack().Close(context.Background())
		return fmt.Errorf("advisory unlock %s: %w", lock.Name(key), err)
	}
	conn.Release()
	if !released {
		return fmt.Errorf("advisory unlock %s: lock was not held by session", lock.Name(key))
	}
	return nil
}

// Locked reports whether any session holds key, by inspecting pg_locks.
// A bigint advisory key is split into classid (high 32 bits) and objid
// (low 32 bits) with objsubid 1.
func (l *AdvisoryLocker) Locked(ctx context.Context, key int64) (bool, error) {
	hi := int64(uint64(key) >> 32)
	lo := int64(uint64(key) & 0xffffffff)
	var locked bool
	err := l.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM pg_locks
			WHERE locktype = 'advisory' AND granted
			  AND classid = $1::bigint::oid AND objid = $2::bigint::oid AND objsubid = 1
		)
	`, hi, lo).Scan(&locked)
	if err != nil {
		return false, fmt.Errorf("query pg_locks: %w", err)
	}
	return locked, nil
}

// ReleaseAll unlocks every key still held, for shutdown.
func (l *AdvisoryLocker) ReleaseAll(ctx context.Context) {
	l.mu.Lock()
	keys := make([]int64, 0, len(l.held))
	for k := range l.held {
		keys = append(keys, k)
	}
	l.mu.Unlock()
	for _, k := range keys {
		_ = l.Unlock(ctx, k)
	}
}
