// Package supervisor orchestrates session setup, teardown, and crash
// recovery. It is the only entry point for state-mutating operations:
// crash signals from a worker's event stream re-enter through Recover,
// the same path an explicit request takes, so a crash and a manual stop
// can never interleave against the same worker.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/sessiond/pkg/keyedlock"
	"github.com/psantana5/sessiond/pkg/lockfile"
	"github.com/psantana5/sessiond/pkg/logging"
	"github.com/psantana5/sessiond/pkg/meta"
	"github.com/psantana5/sessiond/pkg/models"
	"github.com/psantana5/sessiond/pkg/probe"
	"github.com/psantana5/sessiond/pkg/reaper"
	"github.com/psantana5/sessiond/pkg/registry"
	"github.com/psantana5/sessiond/pkg/restart"
	"github.com/psantana5/sessiond/pkg/store"
	"github.com/psantana5/sessiond/pkg/worker"
)

var (
	// ErrLaunchFailure wraps a failed worker launch. Any partially
	// started process has already been reaped when this is returned.
	ErrLaunchFailure = errors.New("worker launch failed")
	// ErrRestartLimit means recovery was abandoned for the key; no
	// further automatic attempts until the policy window resets.
	ErrRestartLimit = errors.New("restart limit exceeded")
	// ErrPathTraversal means a directory delete was refused because
	// the resolved path escapes the session root.
	ErrPathTraversal = errors.New("path escapes session root")
)

const (
	// gracefulStopTicks is how many one-second liveness polls teardown
	// grants a worker after the graceful stop request.
	gracefulStopTicks = 10
	// settleDelay separates tearing down a crashed worker from its
	// relaunch, avoiding immediate re-collision on shared resources.
	settleDelay = 2 * time.Second
	// launchTimeout bounds worker launch plus initialization.
	launchTimeout = 60 * time.Second
)

// Recorder receives operation outcomes for the metrics surface.
type Recorder interface {
	RecordSetup(result string)
	RecordTeardown(result string)
	RecordRecovery(outcome string)
	RecordRestartDenied()
	RecordOrphanReaped()
	RecordFlushPass()
}

// Config assembles a Supervisor.
type Config struct {
	Root     string
	Launcher worker.Launcher
	Registry *registry.Registry
	Locks    *keyedlock.KeyedLock
	Policy   *restart.Policy
	Reaper   *reaper.Reaper
	Prober   *probe.Prober
	Events   store.EventStore
	Metrics  Recorder
	Log      *logging.Logger

	// LaunchOptions is merged into every launch.
	LaunchOptions worker.Options
	// SettleDelay overrides the default settle between crash teardown
	// and relaunch (tests).
	SettleDelay time.Duration
	// GracefulTicks overrides the teardown liveness poll count (tests).
	GracefulTicks int
	// TickInterval overrides the one-second poll tick (tests).
	TickInterval time.Duration
	// LaunchTimeout overrides the launch bound (tests).
	LaunchTimeout time.Duration
}

// Supervisor owns the session state machine.
type Supervisor struct {
	root     string
	launcher worker.Launcher
	sessions *registry.Registry
	locks    *keyedlock.KeyedLock
	policy   *restart.Policy
	reaper   *reaper.Reaper
	prober   *probe.Prober
	events   store.EventStore
	metrics  Recorder
	log      *logging.Logger

	launchOpts    worker.Options
	settleDelay   time.Duration
	gracefulTicks int
	tickInterval  time.Duration
	launchTimeout time.Duration

	// flushMu serializes reconciliation passes: the periodic loop, the
	// fsnotify trigger, and the HTTP endpoint all funnel through Flush.
	flushMu sync.Mutex
}

// New creates a Supervisor from cfg. Root must be an existing
// directory; it is resolved to an absolute path for traversal checks.
func New(cfg Config) (*Supervisor, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session root: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session root: %w", err)
	}

	s := &Supervisor{
		root:          root,
		launcher:      cfg.Launcher,
		sessions:      cfg.Registry,
		locks:         cfg.Locks,
		policy:        cfg.Policy,
		reaper:        cfg.Reaper,
		prober:        cfg.Prober,
		events:        cfg.Events,
		metrics:       cfg.Metrics,
		log:           cfg.Log.WithComponent("supervisor"),
		launchOpts:    cfg.LaunchOptions,
		settleDelay:   cfg.SettleDelay,
		gracefulTicks: cfg.GracefulTicks,
		tickInterval:  cfg.TickInterval,
		launchTimeout: cfg.LaunchTimeout,
	}
	if s.settleDelay <= 0 {
		s.settleDelay = settleDelay
	}
	if s.gracefulTicks <= 0 {
		s.gracefulTicks = gracefulStopTicks
	}
	if s.tickInterval <= 0 {
		s.tickInterval = time.Second
	}
	if s.launchTimeout <= 0 {
		s.launchTimeout = launchTimeout
	}
	if s.events == nil {
		s.events = store.NewMemoryStore()
	}
	return s, nil
}

// Root returns the absolute session root.
func (s *Supervisor) Root() string {
	return s.root
}

// Registry exposes the session registry for read-only consumers.
func (s *Supervisor) Registry() *registry.Registry {
	return s.sessions
}

// Events exposes the audit store for read-only consumers.
func (s *Supervisor) Events() store.EventStore {
	return s.events
}

// WorkDir returns the work directory path for a key.
func (s *Supervisor) WorkDir(key string) string {
	return filepath.Join(s.root, models.WorkDirName(key))
}

// Setup launches a worker for key. Duplicate launches are impossible:
// the registry reservation is a single atomic step, and it stays held
// across the entire launch.
func (s *Supervisor) Setup(ctx context.Context, key string) error {
	if err := models.ValidateKey(key); err != nil {
		return err
	}
	if err := s.sessions.TryBeginSetup(key); err != nil {
		s.record(models.OpSetup, key, "conflict", err.Error(), 0)
		s.recordSetup("conflict")
		return err
	}

	err := s.launch(ctx, key)
	if err != nil {
		s.sessions.AbortSetup(key)
		s.record(models.OpSetup, key, "failed", err.Error(), 0)
		s.recordSetup("failed")
		return err
	}
	return nil
}

// launch performs the worker start while the key's pending reservation
// is held. On failure any partially started process is reaped and the
// error surfaced; the caller aborts the reservation.
func (s *Supervisor) launch(ctx context.Context, key string) error {
	workDir := s.WorkDir(key)
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrLaunchFailure, err)
	}

	// A lock artifact with no active session is stale: the reservation
	// just taken guarantees no live worker owns this directory.
	if lockfile.Exists(workDir) {
		if s.sessions.State(key) == models.StateActive {
			// Should not occur given the atomic reservation; leave it.
			s.log.Warn("Lock artifact present on active session, leaving it", map[string]interface{}{"key": key})
		} else {
			s.log.Info("Removing stale lock artifact before launch", map[string]interface{}{"key": key})
			if err := s.reaper.KillOrphanByLock(key, workDir); err != nil {
				// Verification failure here means the encoded PID is some
				// unrelated process, not this key's worker. The artifact
				// still blocks the launch and is provably stale, so drop
				// it without touching the PID.
				if !errors.Is(err, reaper.ErrVerificationFailed) {
					return fmt.Errorf("%w: stale lock for %s: %v", ErrLaunchFailure, key, err)
				}
				s.log.Warn("Lock artifact names an unrelated process, removing artifact only", map[string]interface{}{
					"key": key, "error": err.Error(),
				})
				if err := lockfile.Remove(workDir); err != nil {
					return fmt.Errorf("%w: stale lock for %s: %v", ErrLaunchFailure, key, err)
				}
			}
		}
	}

	opts := s.launchOpts
	opts.WorkDir = workDir

	launchCtx, cancel := context.WithTimeout(ctx, s.launchTimeout)
	defer cancel()

	handle, err := s.launcher.Launch(launchCtx, key, opts)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLaunchFailure, err)
	}

	if err := handle.Initialize(launchCtx); err != nil {
		s.reaper.KillByHandle(handle)
		return fmt.Errorf("%w: %v", ErrLaunchFailure, err)
	}

	if err := s.sessions.CompleteSetup(key, handle); err != nil {
		// The reservation vanished under us; give the process back.
		s.reaper.KillByHandle(handle)
		return fmt.Errorf("%w: %v", ErrLaunchFailure, err)
	}

	// A full reconnection forgives recovery history.
	handle.OnConnected(func() {
		s.policy.OnConnected(key)
		s.writeMeta(key, handle.PID(), worker.StateConnected)
		s.log.Info("Worker fully connected", map[string]interface{}{"key": key, "pid": handle.PID()})
	})
	// A crash is just another recovery request through the normal
	// entry point; no restart logic lives in this closure.
	handle.OnCrash(func(reason string) {
		go func() {
			if err := s.Recover(key, reason); err != nil {
				s.log.Error("Recovery failed", map[string]interface{}{
					"key": key, "reason": reason, "error": err.Error(),
				})
			}
		}()
	})

	s.writeMeta(key, handle.PID(), handle.ConnectionState())
	s.record(models.OpSetup, key, "ok", "", handle.PID())
	s.recordSetup("ok")
	s.log.Info("Session started", map[string]interface{}{"key": key, "pid": handle.PID()})
	return nil
}

// Teardown stops the worker for key. mode selects the graceful stop
// request; deleteDir removes the work directory afterward. Tearing
// down an absent key is a no-op.
func (s *Supervisor) Teardown(key string, mode models.TeardownMode, deleteDir bool) error {
	if err := models.ValidateKey(key); err != nil {
		return err
	}
	if err := s.locks.Acquire(key); err != nil {
		return err
	}
	defer s.locks.Release(key)
	return s.teardownLocked(key, mode, deleteDir, true)
}

// teardownLocked runs the teardown critical section. The caller holds
// the key's lock. clearPolicy is false when recovery tears down a
// crashed worker: the restart record must survive so the per-window
// ceiling is enforced across attempts.
func (s *Supervisor) teardownLocked(key string, mode models.TeardownMode, deleteDir, clearPolicy bool) error {
	handle, ok := s.sessions.BeginTeardown(key)
	if !ok {
		// No registry entry, but disk state may have outlived it.
		if err := s.reaper.KillOrphanByLock(key, s.WorkDir(key)); err != nil {
			s.log.Warn("Orphan reap during teardown failed", map[string]interface{}{
				"key": key, "error": err.Error(),
			})
		}
		if deleteDir {
			return s.removeWorkDir(key)
		}
		return nil
	}

	if handle != nil {
		// Detach first: the worker's exit below must not be
		// misinterpreted as a crash and trigger recovery.
		handle.Detach()

		var stopErr error
		switch mode {
		case models.TeardownLogout:
			stopErr = handle.Logout()
		default:
			stopErr = handle.Destroy()
		}
		if stopErr != nil {
			s.log.Warn("Graceful stop failed", map[string]interface{}{
				"key": key, "mode": string(mode), "error": stopErr.Error(),
			})
		}

		alive := true
		for i := 0; i < s.gracefulTicks; i++ {
			if !handle.IsAlive() {
				alive = false
				break
			}
			time.Sleep(s.tickInterval)
		}
		if alive && handle.IsAlive() {
			s.log.Warn("Worker survived graceful stop, force killing", map[string]interface{}{
				"key": key, "pid": handle.PID(),
			})
			s.reaper.KillByHandle(handle)
		}
	}

	if err := s.sessions.FinishTeardown(key); err != nil {
		s.log.Error("Teardown state transition failed", map[string]interface{}{
			"key": key, "error": err.Error(),
		})
	}
	if clearPolicy {
		s.policy.Clear(key)
	}

	pid := 0
	if handle != nil {
		pid = handle.PID()
	}
	s.record(models.OpTeardown, key, "ok", string(mode), pid)
	s.recordTeardown("ok")
	s.log.Info("Session stopped", map[string]interface{}{"key": key, "mode": string(mode)})

	if deleteDir {
		return s.removeWorkDir(key)
	}
	return nil
}

// Recover handles a crash signal for key. The restart policy is
// consulted first; if allowed, the crashed worker is torn down and the
// session relaunched under one lock acquisition, so an explicit stop
// request cannot race the recovery cycle.
func (s *Supervisor) Recover(key, reason string) error {
	if !s.policy.CanAttempt(key) {
		s.recordRestartDenied()
		s.recordRecovery("denied")
		s.record(models.OpRecovery, key, "denied", reason, 0)
		s.log.Error("Restart limit reached, abandoning session", map[string]interface{}{
			"key": key, "reason": reason,
		})
		// Drop the entry and force-kill; no further automatic
		// attempts until the policy window resets.
		if err := s.locks.Acquire(key); err != nil {
			return err
		}
		defer s.locks.Release(key)
		if handle, ok := s.sessions.BeginTeardown(key); ok {
			if handle != nil {
				handle.Detach()
				s.reaper.KillByHandle(handle)
			}
			if err := s.sessions.FinishTeardown(key); err != nil {
				s.log.Error("Teardown state transition failed", map[string]interface{}{
					"key": key, "error": err.Error(),
				})
			}
		}
		return fmt.Errorf("%w for session %s", ErrRestartLimit, key)
	}

	opID := uuid.New().String()
	attempt := s.policy.Attempts(key)
	s.log.Warn("Recovering crashed session", map[string]interface{}{
		"key": key, "reason": reason, "attempt": attempt, "op": opID,
	})
	s.recordRecovery("attempted")

	if err := s.locks.Acquire(key); err != nil {
		return err
	}
	defer s.locks.Release(key)

	// Force-mode teardown of the crashed handle; the restart record
	// survives it.
	if err := s.teardownLocked(key, models.TeardownDestroy, false, false); err != nil {
		s.log.Warn("Recovery teardown failed, continuing to relaunch", map[string]interface{}{
			"key": key, "op": opID, "error": err.Error(),
		})
	}

	time.Sleep(s.settleDelay)

	if err := s.Setup(context.Background(), key); err != nil {
		s.recordRecovery("failed")
		s.record(models.OpRecovery, key, "failed", err.Error(), 0)
		return fmt.Errorf("recovery relaunch for %s: %w", key, err)
	}
	s.recordRecovery("ok")
	s.record(models.OpRecovery, key, "ok", reason, 0)
	return nil
}

// Reload restarts the worker for key under one lock acquisition.
func (s *Supervisor) Reload(ctx context.Context, key string) error {
	if err := models.ValidateKey(key); err != nil {
		return err
	}
	if err := s.locks.Acquire(key); err != nil {
		return err
	}
	defer s.locks.Release(key)

	if err := s.teardownLocked(key, models.TeardownDestroy, false, true); err != nil {
		return err
	}
	return s.Setup(ctx, key)
}

// removeWorkDir deletes a session's work directory after verifying the
// resolved path is a strict descendant of the session root.
func (s *Supervisor) removeWorkDir(key string) error {
	workDir := s.WorkDir(key)

	resolved, err := filepath.EvalSymlinks(workDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to resolve %s: %w", workDir, err)
	}
	rootResolved, err := filepath.EvalSymlinks(s.root)
	if err != nil {
		return fmt.Errorf("failed to resolve session root: %w", err)
	}
	if !strings.HasPrefix(resolved, rootResolved+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s resolves to %s", ErrPathTraversal, workDir, resolved)
	}

	if err := os.RemoveAll(workDir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", workDir, err)
	}
	s.log.Info("Work directory removed", map[string]interface{}{"key": key})
	return nil
}

// writeMeta persists the session metadata file, best effort.
func (s *Supervisor) writeMeta(key string, pid int, state string) {
	workDir := s.WorkDir(key)
	m, err := meta.Read(workDir)
	if err != nil {
		m = &meta.Session{Key: key, CreatedAt: time.Now()}
	}
	m.LastPID = pid
	m.LastState = state
	if err := meta.Write(workDir, m); err != nil {
		s.log.Debug("Failed to write session metadata", map[string]interface{}{
			"key": key, "error": err.Error(),
		})
	}
}

// record appends an audit event, best effort.
func (s *Supervisor) record(op models.EventOp, key, outcome, detail string, pid int) {
	ev := &models.Event{
		ID:      uuid.New().String(),
		Key:     key,
		Op:      op,
		Outcome: outcome,
		Detail:  detail,
		PID:     pid,
		At:      time.Now(),
	}
	if err := s.events.AppendEvent(ev); err != nil {
		s.log.Warn("Failed to append audit event", map[string]interface{}{
			"key": key, "error": err.Error(),
		})
	}
}

func (s *Supervisor) recordSetup(result string) {
	if s.metrics != nil {
		s.metrics.RecordSetup(result)
	}
}

func (s *Supervisor) recordTeardown(result string) {
	if s.metrics != nil {
		s.metrics.RecordTeardown(result)
	}
}

func (s *Supervisor) recordRecovery(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordRecovery(outcome)
	}
}

func (s *Supervisor) recordRestartDenied() {
	if s.metrics != nil {
		s.metrics.RecordRestartDenied()
	}
}
