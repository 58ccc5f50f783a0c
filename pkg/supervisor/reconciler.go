package supervisor

import (
	"context"
	"os"

	"github.com/psantana5/sessiond/pkg/models"
)

// Flush scans persisted session directories and reconciles them
// against the registry. Registry membership is the primary signal: the
// liveness probe only chooses how to treat an already-registered key,
// never whether a key belongs to the orphan path. A transient probe
// failure therefore can never route a registered session into an
// orphan kill.
//
// With restrictToInactive, connected sessions are skipped; otherwise
// every session is torn down and its directory deleted.
func (s *Supervisor) Flush(ctx context.Context, restrictToInactive bool) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		key, ok := models.KeyFromWorkDir(entry.Name())
		if !ok {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.reconcileKey(ctx, key, restrictToInactive)
	}

	if s.metrics != nil {
		s.metrics.RecordFlushPass()
	}
	return nil
}

// reconcileKey classifies one key into exactly one of: orphan,
// registered-inactive, registered-active.
func (s *Supervisor) reconcileKey(ctx context.Context, key string, restrictToInactive bool) {
	handle, registered := s.sessions.Handle(key)

	if !registered && s.sessions.State(key) == models.StateAbsent {
		// Orphan: no registry entry. Reap through the verified path
		// and drop the directory once the reap succeeded.
		err := s.reaper.KillOrphanByLock(key, s.WorkDir(key))
		if err != nil {
			s.record(models.OpFlush, key, "orphan-skipped", err.Error(), 0)
			s.log.Warn("Orphan left in place", map[string]interface{}{
				"key": key, "error": err.Error(),
			})
			return
		}
		if s.metrics != nil {
			s.metrics.RecordOrphanReaped()
		}
		if err := s.removeWorkDir(key); err != nil {
			s.log.Warn("Failed to remove orphan directory", map[string]interface{}{
				"key": key, "error": err.Error(),
			})
			return
		}
		s.record(models.OpFlush, key, "orphan-reaped", "", 0)
		return
	}

	if !registered {
		// Pending or destroying: an operation is in flight, leave it.
		return
	}

	if restrictToInactive {
		result := s.prober.Probe(ctx, handle)
		if result.Connected {
			return
		}
		s.log.Info("Flushing inactive session", map[string]interface{}{
			"key": key, "detail": result.Detail,
		})
		if err := s.Teardown(key, models.TeardownDestroy, false); err != nil {
			s.log.Warn("Inactive session teardown failed", map[string]interface{}{
				"key": key, "error": err.Error(),
			})
			return
		}
		s.record(models.OpFlush, key, "inactive-stopped", result.Detail, 0)
		return
	}

	if err := s.Teardown(key, models.TeardownDestroy, true); err != nil {
		s.log.Warn("Flush teardown failed", map[string]interface{}{
			"key": key, "error": err.Error(),
		})
		return
	}
	s.record(models.OpFlush, key, "flushed", "", 0)
}

// Restore scans the session root at boot and starts a worker for every
// persisted work directory. Per-key failures are logged and do not
// abort the restore.
func (s *Supervisor) Restore(ctx context.Context) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		s.log.Error("Boot restore scan failed", map[string]interface{}{"error": err.Error()})
		return
	}

	restored := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		key, ok := models.KeyFromWorkDir(entry.Name())
		if !ok {
			continue
		}
		if err := s.Setup(ctx, key); err != nil {
			s.log.Warn("Boot restore failed for session", map[string]interface{}{
				"key": key, "error": err.Error(),
			})
			continue
		}
		restored++
	}
	s.log.Info("Boot restore complete", map[string]interface{}{"restored": restored})
}
