// Package restart implements the windowed crash-recovery budget. A key
// gets at most maxAttempts recovery attempts per window, spaced at
// least cooldown apart; a successful reconnection forgives all history.
// This bounds the blast radius of an unrecoverable failure (a corrupted
// profile would otherwise relaunch forever) while tolerating transient
// blips.
package restart

import (
	"sync"
	"time"
)

const (
	// DefaultWindow is the attempt-counting window.
	DefaultWindow = 120 * time.Second
	// DefaultCooldown is the minimum spacing between attempts.
	DefaultCooldown = 30 * time.Second
	// DefaultMaxAttempts is the hard ceiling per window.
	DefaultMaxAttempts = 3
)

// record tracks recovery attempts for one key.
type record struct {
	count       int
	windowStart time.Time
	lastAttempt time.Time
}

// Policy decides whether a crash may trigger recovery.
type Policy struct {
	mu          sync.Mutex
	records     map[string]*record
	window      time.Duration
	cooldown    time.Duration
	maxAttempts int

	now func() time.Time
}

// New creates a Policy with default limits.
func New() *Policy {
	return NewWithLimits(DefaultWindow, DefaultCooldown, DefaultMaxAttempts)
}

// NewWithLimits creates a Policy with explicit limits.
func NewWithLimits(window, cooldown time.Duration, maxAttempts int) *Policy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Policy{
		records:     make(map[string]*record),
		window:      window,
		cooldown:    cooldown,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// CanAttempt reports whether a recovery attempt for key is allowed and
// records it if so. Denials inside the cooldown do not consume an
// attempt.
func (p *Policy) CanAttempt(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	r, ok := p.records[key]

	// Fresh key or expired window: start a new window.
	if !ok || now.Sub(r.windowStart) > p.window {
		p.records[key] = &record{count: 1, windowStart: now, lastAttempt: now}
		return true
	}

	// Ceiling reached for this window.
	if r.count >= p.maxAttempts {
		return false
	}

	// Too soon after the previous attempt.
	if now.Sub(r.lastAttempt) < p.cooldown {
		return false
	}

	r.count++
	r.lastAttempt = now
	return true
}

// OnConnected clears the record for key: a fully reconnected worker
// starts recovery accounting from scratch.
func (p *Policy) OnConnected(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.records, key)
}

// Clear removes the record for key, used when a session is torn down.
func (p *Policy) Clear(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.records, key)
}

// Attempts returns the attempt count in the current window, for
// reporting.
func (p *Policy) Attempts(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.records[key]; ok {
		return r.count
	}
	return 0
}

// SetClock overrides the time source, for tests.
func (p *Policy) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}
