// Package shutdown coordinates daemon shutdown against a global
// deadline. Hooks run in reverse registration order; if graceful
// shutdown does not finish within the horizon, the registered
// force-kill hook runs and the process exits non-zero.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"time"

	"github.com/psantana5/sessiond/pkg/logging"
)

// Manager handles graceful shutdown
type Manager struct {
	log           *logging.Logger
	shutdownFuncs []func(context.Context) error
	forceKill     func()
	mu            sync.Mutex
	horizon       time.Duration
	doneChan      chan struct{}
	once          sync.Once
}

// New creates a new shutdown manager with the given horizon
func New(log *logging.Logger, horizon time.Duration) *Manager {
	return &Manager{
		log:           log.WithComponent("shutdown"),
		shutdownFuncs: make([]func(context.Context) error, 0),
		horizon:       horizon,
		doneChan:      make(chan struct{}),
	}
}

// Register adds a shutdown function.
// Functions are called in reverse order (LIFO)
func (m *Manager) Register(fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownFuncs = append(m.shutdownFuncs, fn)
}

// RegisterForceKill sets the last-resort hook run when the horizon
// expires with workers still alive.
func (m *Manager) RegisterForceKill(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forceKill = fn
}

// Wait blocks until SIGTERM or SIGINT is received
func (m *Manager) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	m.log.Info("Received signal, initiating graceful shutdown", map[string]interface{}{
		"signal": sig.String(),
	})
	m.once.Do(func() {
		close(m.doneChan)
	})
}

// Done returns a channel that is closed when shutdown is initiated
func (m *Manager) Done() <-chan struct{} {
	return m.doneChan
}

// Shutdown executes all registered shutdown functions under the
// horizon. Returns the exit code the process should use: 0 when
// everything wound down gracefully, 1 when the horizon expired and
// remaining workers were force-killed.
func (m *Manager) Shutdown() int {
	m.mu.Lock()
	funcs := append([]func(context.Context) error{}, m.shutdownFuncs...)
	forceKill := m.forceKill
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.horizon)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Reverse order (LIFO)
		for i := len(funcs) - 1; i >= 0; i-- {
			if err := funcs[i](ctx); err != nil {
				m.log.Warn("Shutdown hook error", map[string]interface{}{"error": err.Error()})
			}
		}
	}()

	select {
	case <-done:
		m.log.Info("Graceful shutdown complete")
		return 0
	case <-ctx.Done():
		m.log.Error("Shutdown horizon expired, force killing remaining workers")
		if forceKill != nil {
			forceKill()
		}
		return 1
	}
}
