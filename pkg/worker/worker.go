// Package worker defines the capability interface the supervisor uses
// to drive one external worker process, and an exec-based adapter
// implementing it. The supervisor never depends on worker internals
// beyond this interface.
package worker

import (
	"context"
	"sync"
)

// ConnectionState values reported by a worker. StateConnected is the
// only fully-connected value; everything else counts as not connected.
const (
	StateConnected    = "CONNECTED"
	StateConnecting   = "CONNECTING"
	StateDisconnected = "DISCONNECTED"
	StateUnknown      = "UNKNOWN"
)

// Worker is a live handle to one worker process.
type Worker interface {
	// PID returns the worker's OS process ID, or 0 if not started.
	PID() int
	// IsAlive reports whether the worker process currently exists.
	IsAlive() bool
	// Initialize blocks until the worker is ready to serve, bounded by
	// ctx.
	Initialize(ctx context.Context) error
	// Destroy stops the worker, keeping its on-disk profile.
	Destroy() error
	// Logout deauthenticates the worker before stopping it.
	Logout() error
	// ConnectionState returns the worker's high-level connection state.
	ConnectionState() string
	// Ping performs a trivial round-trip to the worker, bounded by ctx.
	Ping(ctx context.Context) error
	// OnCrash registers a callback fired when the process exits without
	// a prior Destroy/Logout. A crash that happened before registration
	// is replayed to the new subscriber.
	OnCrash(fn func(reason string))
	// OnConnected registers a callback fired when the worker reaches
	// StateConnected. A connection that happened before registration is
	// replayed to the new subscriber.
	OnConnected(fn func())
	// Detach removes all registered callbacks. Teardown detaches before
	// stopping the worker so its exit is not mistaken for a crash.
	Detach()
}

// Launcher starts workers. The supervisor owns exactly one Launcher.
type Launcher interface {
	Launch(ctx context.Context, key string, opts Options) (Worker, error)
}

// Options carries per-launch settings.
type Options struct {
	// WorkDir is the session's work directory; the worker claims it
	// exclusively via its lock artifact.
	WorkDir string
	// Env is appended to the worker's environment.
	Env []string
	// Args is appended to the worker's base argument list.
	Args []string
}

// listeners is a small detachable callback set shared by adapters.
// Events are latched: a crash or connection that fires before any
// subscriber registered is replayed to the next registration. A worker
// that is already CONNECTED when its supervisor subscribes would
// otherwise lose the signal forever, and with it the restart
// forgiveness tied to it.
type listeners struct {
	mu        sync.Mutex
	crash     []func(reason string)
	connected []func()
	detached  bool

	crashed      bool
	crashReason  string
	wasConnected bool
}

func (l *listeners) onCrash(fn func(reason string)) {
	l.mu.Lock()
	if l.detached {
		l.mu.Unlock()
		return
	}
	l.crash = append(l.crash, fn)
	replay := l.crashed
	reason := l.crashReason
	l.mu.Unlock()
	if replay {
		fn(reason)
	}
}

func (l *listeners) onConnected(fn func()) {
	l.mu.Lock()
	if l.detached {
		l.mu.Unlock()
		return
	}
	l.connected = append(l.connected, fn)
	replay := l.wasConnected
	l.mu.Unlock()
	if replay {
		fn()
	}
}

func (l *listeners) detach() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.detached = true
	l.crash = nil
	l.connected = nil
}

func (l *listeners) fireCrash(reason string) {
	l.mu.Lock()
	l.crashed = true
	l.crashReason = reason
	fns := append([]func(string){}, l.crash...)
	l.mu.Unlock()
	for _, fn := range fns {
		fn(reason)
	}
}

func (l *listeners) fireConnected() {
	l.mu.Lock()
	l.wasConnected = true
	fns := append([]func(){}, l.connected...)
	l.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
