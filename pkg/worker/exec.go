package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/psantana5/sessiond/internal/proc"
)

// StateFileName is the file inside a work directory where the worker
// runtime publishes its connection state.
const StateFileName = "state"

const (
	// statePollInterval paces Initialize and the connected watcher.
	statePollInterval = 250 * time.Millisecond
	// logoutGrace is how long Logout waits for the worker to
	// deauthenticate before sending SIGTERM.
	logoutGrace = 5 * time.Second
)

// ExecLauncher launches workers as child processes of the supervisor.
type ExecLauncher struct {
	// Binary is the worker executable path.
	Binary string
	// BaseArgs precede per-launch args. The work directory is always
	// appended as --work-dir; the reaper relies on it appearing in the
	// worker's command line.
	BaseArgs []string
}

// Launch starts a worker process for key and begins watching it.
func (l *ExecLauncher) Launch(ctx context.Context, key string, opts Options) (Worker, error) {
	args := append([]string{}, l.BaseArgs...)
	args = append(args, opts.Args...)
	args = append(args, "--key", key, "--work-dir", opts.WorkDir)

	cmd := exec.Command(l.Binary, args...)
	cmd.Dir = opts.WorkDir
	cmd.Env = append(os.Environ(), opts.Env...)
	// New process group so the worker survives supervisor restarts and
	// can be group-killed without touching the supervisor itself.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker for %s: %w", key, err)
	}

	w := &execWorker{
		key:     key,
		workDir: opts.WorkDir,
		cmd:     cmd,
		pid:     cmd.Process.Pid,
		done:    make(chan struct{}),
	}
	go w.watch()
	return w, nil
}

// execWorker is the exec-based Worker implementation.
type execWorker struct {
	key     string
	workDir string
	cmd     *exec.Cmd
	pid     int

	listeners

	mu       sync.Mutex
	stopping bool
	exited   bool
	exitErr  error
	done     chan struct{}
}

// watch reaps the child and classifies its exit. An exit without a
// prior Destroy/Logout is a crash.
func (w *execWorker) watch() {
	err := w.cmd.Wait()

	w.mu.Lock()
	w.exited = true
	w.exitErr = err
	stopping := w.stopping
	w.mu.Unlock()
	close(w.done)

	if stopping {
		return
	}
	reason := "exited"
	if err != nil {
		reason = err.Error()
	}
	w.fireCrash(reason)
}

func (w *execWorker) PID() int {
	return w.pid
}

func (w *execWorker) IsAlive() bool {
	w.mu.Lock()
	exited := w.exited
	w.mu.Unlock()
	if exited {
		return false
	}
	return proc.Exists(w.pid)
}

// Initialize waits for the worker to publish a connection state,
// bounded by ctx. A worker that exits before publishing fails
// initialization.
func (w *execWorker) Initialize(ctx context.Context) error {
	ticker := time.NewTicker(statePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("worker %s did not become ready: %w", w.key, ctx.Err())
		case <-w.done:
			return fmt.Errorf("worker %s exited during initialization", w.key)
		case <-ticker.C:
			state := w.ConnectionState()
			if state == StateConnected {
				w.fireConnected()
				return nil
			}
			if state != StateUnknown {
				// State published; keep watching for full connection
				// in the background and report ready.
				go w.watchConnected()
				return nil
			}
		}
	}
}

// watchConnected polls until the worker reaches StateConnected or
// exits, then fires the connected callbacks once.
func (w *execWorker) watchConnected() {
	ticker := time.NewTicker(statePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if w.ConnectionState() == StateConnected {
				w.fireConnected()
				return
			}
		}
	}
}

func (w *execWorker) markStopping() {
	w.mu.Lock()
	w.stopping = true
	w.mu.Unlock()
}

// Destroy stops the worker with SIGTERM, keeping its profile.
func (w *execWorker) Destroy() error {
	w.markStopping()
	if !proc.Exists(w.pid) {
		return nil
	}
	return proc.Signal(w.pid, syscall.SIGTERM)
}

// Logout asks the worker to deauthenticate (SIGUSR1 per the worker
// contract), then terminates it after a grace period.
func (w *execWorker) Logout() error {
	w.markStopping()
	if !proc.Exists(w.pid) {
		return nil
	}
	if err := proc.Signal(w.pid, syscall.SIGUSR1); err != nil {
		return err
	}
	select {
	case <-w.done:
		return nil
	case <-time.After(logoutGrace):
	}
	return proc.Signal(w.pid, syscall.SIGTERM)
}

// ConnectionState reads the state file the worker maintains in its
// work directory.
func (w *execWorker) ConnectionState() string {
	data, err := os.ReadFile(filepath.Join(w.workDir, StateFileName))
	if err != nil {
		return StateUnknown
	}
	state := strings.TrimSpace(string(data))
	if state == "" {
		return StateUnknown
	}
	return state
}

// Ping verifies the worker process is responsive. For the exec adapter
// a liveness check plus a fresh state read is the trivial round-trip.
func (w *execWorker) Ping(ctx context.Context) error {
	result := make(chan error, 1)
	go func() {
		if !proc.Exists(w.pid) {
			result <- fmt.Errorf("worker %s process gone", w.key)
			return
		}
		if w.ConnectionState() == StateUnknown {
			result <- fmt.Errorf("worker %s published no state", w.key)
			return
		}
		result <- nil
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-result:
		return err
	}
}

func (w *execWorker) OnCrash(fn func(reason string)) {
	w.listeners.onCrash(fn)
}

func (w *execWorker) OnConnected(fn func()) {
	w.listeners.onConnected(fn)
}

func (w *execWorker) Detach() {
	w.listeners.detach()
}
