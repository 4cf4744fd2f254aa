// Package lease serializes work across processes. A reconciliation pass for
// one collection must never overlap another pass for the same collection, so
// every scheduled task runs under a lease named after it.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrHeld is returned when another holder owns the lease.
var ErrHeld = errors.New("lease held")

// Release gives the lease back. Calling it more than once is harmless.
type Release func()

// Locker hands out exclusive, expiring leases.
type Locker interface {
	// Acquire takes the lease for key or fails with ErrHeld without
	// waiting. The lease lapses after ttl if never released.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Release, error)
}

// Local is a Locker for a single process.
type Local struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLocal returns an empty Local locker.
func NewLocal() *Local {
	return &Local{locks: make(map[string]*sync.Mutex)}
}

// Acquire takes the in-process lock for key. ttl is ignored; a local holder
// cannot die without taking the process with it.
func (l *Local) Acquire(_ context.Context, key string, _ time.Duration) (Release, error) {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	if !m.TryLock() {
		return nil, errors.Wrap(ErrHeld, key)
	}
	var once sync.Once
	return func() { once.Do(m.Unlock) }, nil
}
