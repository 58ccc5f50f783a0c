// Package workertest provides fake Worker and Launcher implementations
// for supervisor tests. Fake PIDs sit near the top of the usual
// pid_max range so a stray signal in a test can never land on a real
// process.
package workertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/psantana5/sessiond/pkg/worker"
)

// BasePID is the first PID handed out by a Launcher.
const BasePID = 4190000

// Worker is a controllable fake worker.
type Worker struct {
	mu        sync.Mutex
	pid       int
	alive     bool
	state     string
	pingErr   error
	pingBlock bool
	destroyed bool
	loggedOut bool

	crash        []func(string)
	connected    []func()
	detached     bool
	crashed      bool
	crashReason  string
	wasConnected bool

	// DestroyHook runs inside Destroy, before the state flips. Tests
	// use it to observe teardown critical sections.
	DestroyHook func()
}

// NewWorker creates an alive fake in the given connection state.
func NewWorker(pid int, state string) *Worker {
	return &Worker{pid: pid, alive: true, state: state}
}

func (w *Worker) PID() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pid
}

func (w *Worker) IsAlive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.alive
}

func (w *Worker) Initialize(ctx context.Context) error {
	return ctx.Err()
}

func (w *Worker) Destroy() error {
	if w.DestroyHook != nil {
		w.DestroyHook()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.destroyed = true
	w.alive = false
	return nil
}

func (w *Worker) Logout() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.loggedOut = true
	w.alive = false
	return nil
}

func (w *Worker) ConnectionState() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) Ping(ctx context.Context) error {
	w.mu.Lock()
	block := w.pingBlock
	err := w.pingErr
	w.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

// OnCrash mirrors the adapter contract: a crash fired before
// registration is replayed.
func (w *Worker) OnCrash(fn func(reason string)) {
	w.mu.Lock()
	if w.detached {
		w.mu.Unlock()
		return
	}
	w.crash = append(w.crash, fn)
	replay := w.crashed
	reason := w.crashReason
	w.mu.Unlock()
	if replay {
		fn(reason)
	}
}

// OnConnected mirrors the adapter contract: a connection fired before
// registration is replayed.
func (w *Worker) OnConnected(fn func()) {
	w.mu.Lock()
	if w.detached {
		w.mu.Unlock()
		return
	}
	w.connected = append(w.connected, fn)
	replay := w.wasConnected
	w.mu.Unlock()
	if replay {
		fn()
	}
}

func (w *Worker) Detach() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.detached = true
	w.crash = nil
	w.connected = nil
}

// Crash marks the worker dead and fires crash listeners, like a real
// process exit would.
func (w *Worker) Crash(reason string) {
	w.mu.Lock()
	w.alive = false
	w.crashed = true
	w.crashReason = reason
	fns := append([]func(string){}, w.crash...)
	w.mu.Unlock()
	for _, fn := range fns {
		fn(reason)
	}
}

// Connect flips the state to connected and fires listeners.
func (w *Worker) Connect() {
	w.mu.Lock()
	w.state = worker.StateConnected
	w.wasConnected = true
	fns := append([]func(){}, w.connected...)
	w.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// SetState overrides the reported connection state.
func (w *Worker) SetState(state string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = state
}

// SetPingErr makes Ping fail with err.
func (w *Worker) SetPingErr(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pingErr = err
}

// SetPingBlock makes Ping block until its context expires.
func (w *Worker) SetPingBlock(block bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pingBlock = block
}

// Destroyed reports whether Destroy was called.
func (w *Worker) Destroyed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.destroyed
}

// LoggedOut reports whether Logout was called.
func (w *Worker) LoggedOut() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.loggedOut
}

// Detached reports whether Detach was called.
func (w *Worker) Detached() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.detached
}

// Launcher is a fake worker.Launcher handing out fake workers.
type Launcher struct {
	mu       sync.Mutex
	nextPID  int
	launched []*Worker
	failures int
	delay    time.Duration
	state    string

	// LaunchHook runs inside Launch. Tests use it to observe launch
	// critical sections.
	LaunchHook func(key string)
}

// NewLauncher creates a Launcher whose workers start in state.
func NewLauncher(state string) *Launcher {
	return &Launcher{nextPID: BasePID, state: state}
}

// FailNext makes the next n launches fail.
func (l *Launcher) FailNext(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = n
}

// SetDelay makes each launch take d before returning.
func (l *Launcher) SetDelay(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.delay = d
}

// Launch implements worker.Launcher.
func (l *Launcher) Launch(ctx context.Context, key string, opts worker.Options) (worker.Worker, error) {
	if l.LaunchHook != nil {
		l.LaunchHook(key)
	}
	l.mu.Lock()
	delay := l.delay
	fail := l.failures > 0
	if fail {
		l.failures--
	}
	l.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if fail {
		return nil, fmt.Errorf("injected launch failure for %s", key)
	}

	l.mu.Lock()
	w := NewWorker(l.nextPID, l.state)
	l.nextPID++
	l.launched = append(l.launched, w)
	l.mu.Unlock()
	return w, nil
}

// Launched returns all workers handed out so far.
func (l *Launcher) Launched() []*Worker {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Worker{}, l.launched...)
}

// LaunchCount returns how many launches succeeded.
func (l *Launcher) LaunchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched)
}
