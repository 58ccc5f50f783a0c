// Package reaper force-terminates workers, either through a live
// handle or through the lock artifact an orphaned worker left on disk.
// Orphan kills are gated on ownership verification: the encoded PID
// must not belong to any registered session, and the process behind it
// must both be a worker binary and reference this key's work directory
// on its command line. Skipping any one of those checks reintroduces
// either destruction of live sessions or leaked orphans.
package reaper

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/psantana5/sessiond/internal/proc"
	"github.com/psantana5/sessiond/pkg/lockfile"
	"github.com/psantana5/sessiond/pkg/logging"
	"github.com/psantana5/sessiond/pkg/worker"
)

// ErrVerificationFailed means the lock artifact's PID could not be
// proven to belong to this key's worker. The kill is skipped and the
// artifact left in place for manual inspection; ambiguous evidence
// never escalates to a kill.
var ErrVerificationFailed = errors.New("orphan ownership verification failed")

// ErrKillIncomplete means the target survived the forced signal within
// the confirmation bound.
var ErrKillIncomplete = errors.New("process still alive after forced kill")

const (
	// exitConfirmBound is how long to poll for process absence after a
	// forced kill. A bounded confirmation poll, not a blind settle
	// sleep.
	exitConfirmBound    = 5 * time.Second
	exitConfirmInterval = 100 * time.Millisecond
)

// ActivePIDs yields the PIDs currently owned by registered sessions.
type ActivePIDs func() map[int]struct{}

// Reaper terminates workers.
type Reaper struct {
	log          *logging.Logger
	workerBinary string
	activePIDs   ActivePIDs
}

// New creates a Reaper. workerBinary is the expected worker executable
// path; only its base name is matched. activePIDs must snapshot the
// registry's owned PIDs.
func New(log *logging.Logger, workerBinary string, activePIDs ActivePIDs) *Reaper {
	return &Reaper{
		log:          log.WithComponent("reaper"),
		workerBinary: filepath.Base(workerBinary),
		activePIDs:   activePIDs,
	}
}

// KillByHandle force-terminates a worker through its live handle.
// Best effort: the process may have already exited, so failures are
// logged and never raised.
func (r *Reaper) KillByHandle(w worker.Worker) {
	pid := w.PID()
	if pid <= 0 || !w.IsAlive() {
		return
	}
	if err := proc.KillGroup(pid); err != nil {
		r.log.Warn("Force kill failed, process likely already gone", map[string]interface{}{
			"pid": pid, "error": err.Error(),
		})
		return
	}
	if !proc.WaitForExit(pid, exitConfirmBound, exitConfirmInterval) {
		r.log.Warn("Process still alive after force kill", map[string]interface{}{"pid": pid})
	}
}

// KillOrphanByLock reclaims a work directory that has a lock artifact
// but no registry entry. It verifies ownership before killing and
// removes the artifact only once the target PID is confirmed dead or
// was never alive.
func (r *Reaper) KillOrphanByLock(key, workDir string) error {
	pid, err := lockfile.ReadPID(workDir)
	if errors.Is(err, lockfile.ErrNoArtifact) {
		return nil
	}
	if err != nil {
		// Unparseable artifact: cannot verify anything, treat as stale.
		r.log.Warn("Removing unparseable lock artifact", map[string]interface{}{
			"key": key, "error": err.Error(),
		})
		return lockfile.Remove(workDir)
	}

	// Check (a): never touch a PID owned by a live registry entry.
	// Defends against OS PID reuse: the PID that owned this session
	// yesterday may today belong to an unrelated active session. The
	// artifact itself is provably stale in that case (the PID's real
	// owner has its own work directory), so drop it without a kill.
	if _, live := r.activePIDs()[pid]; live {
		r.log.Warn("Lock artifact PID belongs to a registered session, removing stale artifact without kill", map[string]interface{}{
			"key": key, "pid": pid,
		})
		return lockfile.Remove(workDir)
	}

	p, err := process.NewProcess(int32(pid))
	if err != nil {
		// Process gone: the artifact is stale.
		r.log.Info("Lock artifact PID no longer running, removing stale artifact", map[string]interface{}{
			"key": key, "pid": pid,
		})
		return lockfile.Remove(workDir)
	}

	// Check (b): the process must be a worker binary.
	name, err := p.Name()
	if err != nil || name != r.workerBinary {
		r.log.Warn("Lock artifact PID is not a worker process, skipping kill", map[string]interface{}{
			"key": key, "pid": pid, "name": name,
		})
		return fmt.Errorf("%w: pid %d is %q, expected %q", ErrVerificationFailed, pid, name, r.workerBinary)
	}

	// Check (c): the worker must reference this key's work directory,
	// not merely be some worker process.
	cmdline, err := p.CmdlineSlice()
	if err != nil {
		return fmt.Errorf("%w: cannot read cmdline of pid %d: %v", ErrVerificationFailed, pid, err)
	}
	if !referencesDir(cmdline, workDir) {
		r.log.Warn("Lock artifact PID does not reference this work directory, skipping kill", map[string]interface{}{
			"key": key, "pid": pid,
		})
		return fmt.Errorf("%w: pid %d does not reference %s", ErrVerificationFailed, pid, workDir)
	}

	r.log.Info("Killing verified orphan worker", map[string]interface{}{"key": key, "pid": pid})
	if err := proc.KillGroup(pid); err != nil {
		r.log.Warn("Orphan kill signal failed", map[string]interface{}{
			"key": key, "pid": pid, "error": err.Error(),
		})
	}
	if !proc.WaitForExit(pid, exitConfirmBound, exitConfirmInterval) {
		return fmt.Errorf("%w: pid %d", ErrKillIncomplete, pid)
	}
	return lockfile.Remove(workDir)
}

// referencesDir reports whether any cmdline argument mentions dir.
func referencesDir(cmdline []string, dir string) bool {
	for _, arg := range cmdline {
		if strings.Contains(arg, dir) {
			return true
		}
	}
	return false
}
