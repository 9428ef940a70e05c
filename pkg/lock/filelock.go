package lock

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// FileLock implements Manager on a local bbolt file, for single-host
// deployments where neither Redis nor PostgreSQL advisory locks are
// wanted. Each named lock lives in one bucket keyed by lease expiry;
// a stale expiry is treated as free.
type FileLock struct {
	db *bolt.DB
	mu sync.Mutex
}

var lockBucket = []byte("locks")

// NewFileLock opens (or creates) the lock file.
func NewFileLock(path string) (*FileLock, error) {
	db, err := bolt.Open(filepath.Clean(path), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(lockBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize lock file: %w", err)
	}
	return &FileLock{db: db}, nil
}

func (f *FileLock) TryAcquire(_ context.Context, name string, lifetime time.Duration) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	acquired := false
	err := f.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(lockBucket)
		if raw := b.Get([]byte(name)); raw != nil {
			expiry, err := time.Parse(time.RFC3339Nano, string(raw))
			if err == nil && now.Before(expiry) {
				return nil
			}
		}
		acquired = true
		return b.Put([]byte(name), []byte(now.Add(lifetime).Format(time.RFC3339Nano)))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to acquire file lock %s: %w", name, err)
	}
	if !acquired {
		return nil, lockErr(name)
	}
	return &fileHandle{lock: f, name: name}, nil
}

func (f *FileLock) Close() error {
	return f.db.Close()
}

type fileHandle struct {
	lock *FileLock
	name string
}

func (h *fileHandle) Release(_ context.Context) error {
	h.lock.mu.Lock()
	defer h.lock.mu.Unlock()
	return h.lock.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(lockBucket).Delete([]byte(h.name))
	})
}
