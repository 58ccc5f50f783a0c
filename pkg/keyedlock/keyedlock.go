// Package keyedlock provides FIFO mutual exclusion scoped per key.
// Unrelated keys never contend. Waiters queue on a channel each and are
// granted the lock in arrival order, so contention never spins.
package keyedlock

import (
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned when a waiter exceeds the configured
// acquisition timeout.
var ErrLockTimeout = errors.New("timed out waiting for session lock")

// DefaultTimeout bounds lock acquisition. Long enough to cover a full
// teardown (graceful wait plus force kill) with margin.
const DefaultTimeout = 90 * time.Second

type lockState struct {
	held    bool
	waiters []chan struct{}
}

// KeyedLock is a table of per-key FIFO locks. The zero value is not
// usable; call New.
type KeyedLock struct {
	mu      sync.Mutex
	locks   map[string]*lockState
	timeout time.Duration
}

// New creates a KeyedLock with the default acquisition timeout.
func New() *KeyedLock {
	return NewWithTimeout(DefaultTimeout)
}

// NewWithTimeout creates a KeyedLock with a custom acquisition timeout.
// A zero or negative timeout waits forever.
func NewWithTimeout(timeout time.Duration) *KeyedLock {
	return &KeyedLock{
		locks:   make(map[string]*lockState),
		timeout: timeout,
	}
}

// Acquire blocks until the key's lock is held by the caller or the
// timeout elapses. Not reentrant: a holder that re-acquires deadlocks
// itself until the timeout fires.
func (kl *KeyedLock) Acquire(key string) error {
	kl.mu.Lock()
	st, ok := kl.locks[key]
	if !ok {
		st = &lockState{}
		kl.locks[key] = st
	}
	if !st.held {
		st.held = true
		kl.mu.Unlock()
		return nil
	}

	grant := make(chan struct{})
	st.waiters = append(st.waiters, grant)
	kl.mu.Unlock()

	if kl.timeout <= 0 {
		<-grant
		return nil
	}

	timer := time.NewTimer(kl.timeout)
	defer timer.Stop()

	select {
	case <-grant:
		return nil
	case <-timer.C:
		kl.mu.Lock()
		for i, w := range st.waiters {
			if w == grant {
				st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
				kl.mu.Unlock()
				return ErrLockTimeout
			}
		}
		kl.mu.Unlock()
		// The grant raced the timer and already arrived; the lock is
		// ours.
		<-grant
		return nil
	}
}

// Release hands the lock to the oldest waiter, or marks it free.
// Releasing a lock that is not held is a programming error and panics.
func (kl *KeyedLock) Release(key string) {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	st, ok := kl.locks[key]
	if !ok || !st.held {
		panic("keyedlock: release of unheld lock for key " + key)
	}
	if len(st.waiters) > 0 {
		grant := st.waiters[0]
		st.waiters = st.waiters[1:]
		close(grant)
		return
	}
	st.held = false
	delete(kl.locks, key)
}

// WithLock runs fn while holding the key's lock.
func (kl *KeyedLock) WithLock(key string, fn func() error) error {
	if err := kl.Acquire(key); err != nil {
		return err
	}
	defer kl.Release(key)
	return fn()
}
