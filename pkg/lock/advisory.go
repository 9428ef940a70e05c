package lock

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jmoiron/sqlx"
)

// AdvisoryLock implements Manager with PostgreSQL session advisory locks.
// Each acquisition pins one pooled connection until release; the lease
// lifetime is ignored because the server drops the lock with the session.
type AdvisoryLock struct {
	db *sqlx.DB
}

// NewAdvisoryLock wraps the registry's connection pool.
func NewAdvisoryLock(db *sqlx.DB) *AdvisoryLock {
	return &AdvisoryLock{db: db}
}

// advisoryKey folds a lock name into the bigint keyspace pg_try_advisory_lock
// expects.
func advisoryKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

func (a *AdvisoryLock) TryAcquire(ctx context.Context, name string, _ time.Duration) (Handle, error) {
	conn, err := a.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain connection for lock %s: %w", name, err)
	}
	key := advisoryKey(name)
	var acquired bool
	if err := conn.GetContext(ctx, &acquired, `SELECT pg_try_advisory_lock($1)`, key); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to acquire advisory lock %s: %w", name, err)
	}
	if !acquired {
		_ = conn.Close()
		return nil, lockErr(name)
	}
	return &advisoryHandle{conn: conn, key: key}, nil
}

func (a *AdvisoryLock) Close() error { return nil }

type advisoryHandle struct {
	conn *sqlx.Conn
	key  int64
}

func (h *advisoryHandle) Release(ctx context.Context) error {
	var unlocked bool
	err := h.conn.GetContext(ctx, &unlocked, `SELECT pg_advisory_unlock($1)`, h.key)
	if cerr := h.conn.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}
	return nil
}
