// Package lease provides short-lived per-key mutual exclusion used to keep a
// single warmup cycle running per account.
package lease

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

// DefaultTTL bounds how long a crashed holder can block a key. Holders renew
// the lease between steps, so it only has to outlast the longest step.
const DefaultTTL = 30 * time.Minute

// ErrLost is returned by Extend when the lease expired or another holder
// took it
var ErrLost = errors.New("lease lost")

// Lock is a single lease on one key
type Lock interface {
	// Acquire tries to take the lease without blocking. Returns true if taken.
	Acquire(ctx context.Context) (bool, error)
	// Extend resets the TTL of an owned lease; ErrLost if it is not owned
	Extend(ctx context.Context) error
	// Release gives the lease back if it is still owned
	Release(ctx context.Context) error
}

// Locker creates locks for keys
type Locker interface {
	NewLock(key string) Lock
}

func newToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// LocalLocker keeps leases in process memory
type LocalLocker struct {
	mu    sync.Mutex
	ttl   time.Duration
	held  map[string]localEntry
	nowFn func() time.Time
}

type localEntry struct {
	token   string
	expires time.Time
}

// NewLocalLocker creates an in-process locker
func NewLocalLocker(ttl time.Duration) *LocalLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &LocalLocker{
		ttl:   ttl,
		held:  make(map[string]localEntry),
		nowFn: time.Now,
	}
}

// NewLock returns a lock on key
func (l *LocalLocker) NewLock(key string) Lock {
	return &localLock{locker: l, key: key, token: newToken()}
}

// Held reports whether key is currently leased
func (l *LocalLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.held[key]
	return ok && l.nowFn().Before(e.expires)
}

type localLock struct {
	locker *LocalLocker
	key    string
	token  string
}

func (k *localLock) Acquire(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	l := k.locker
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	if e, ok := l.held[k.key]; ok && now.Before(e.expires) && e.token != k.token {
		return false, nil
	}
	l.held[k.key] = localEntry{token: k.token, expires: now.Add(l.ttl)}
	return true, nil
}

func (k *localLock) Extend(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l := k.locker
	l.mu.Lock()
	defer l.mu.Unlock()

	// an expired entry still carrying our token was not taken by anyone
	e, ok := l.held[k.key]
	if !ok || e.token != k.token {
		return ErrLost
	}
	l.held[k.key] = localEntry{token: k.token, expires: l.nowFn().Add(l.ttl)}
	return nil
}

func (k *localLock) Release(ctx context.Context) error {
	l := k.locker
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.held[k.key]; ok && e.token == k.token {
		delete(l.held, k.key)
	}
	return nil
}
