// Package lock defines the advisory lock contract used to guarantee at most
// one in-flight pipeline run per entity.
//
// TryLock never blocks: it returns false immediately when the lock is held.
// Callers must release with Unlock on every exit path, normally via defer.
package lock

import (
	"context"
	"hash/fnv"
	"strconv"
)

// Manager acquires and releases named exclusive locks.
type Manager interface {
	TryLock(ctx context.Context, key int64) (bool, error)
	Unlock(ctx context.Context, key int64) error
	// Locked reports whether any holder currently owns key.
	Locked(ctx context.Context, key int64) (bool, error)
}

// Key hashes a namespaced identity into the 64-bit key space of the lock
// primitive, e.g. Key("lead", id).
func Key(namespace, id string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(namespace))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(id))
	return int64(h.Sum64())
}

// Name renders a key for logs.
func Name(key int64) string {
	return strconv.FormatInt(key, 10)
}
