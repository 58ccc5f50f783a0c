package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/psantana5/sessiond/pkg/keyedlock"
	"github.com/psantana5/sessiond/pkg/lockfile"
	"github.com/psantana5/sessiond/pkg/logging"
	"github.com/psantana5/sessiond/pkg/models"
	"github.com/psantana5/sessiond/pkg/probe"
	"github.com/psantana5/sessiond/pkg/reaper"
	"github.com/psantana5/sessiond/pkg/registry"
	"github.com/psantana5/sessiond/pkg/restart"
	"github.com/psantana5/sessiond/pkg/store"
	"github.com/psantana5/sessiond/pkg/worker"
	"github.com/psantana5/sessiond/pkg/worker/workertest"
)

type env struct {
	sup      *Supervisor
	launcher *workertest.Launcher
	reg      *registry.Registry
	policy   *restart.Policy
}

// newEnv builds a supervisor over fake workers with all delays
// shortened so tests finish quickly. A nil policy gets a permissive
// default.
func newEnv(t *testing.T, launcher *workertest.Launcher, policy *restart.Policy) *env {
	t.Helper()
	if policy == nil {
		policy = restart.NewWithLimits(10*time.Second, 0, 3)
	}
	reg := registry.New()
	log := logging.NewLogger(logging.ERROR, false)
	sup, err := New(Config{
		Root:          t.TempDir(),
		Launcher:      launcher,
		Registry:      reg,
		Locks:         keyedlock.NewWithTimeout(5 * time.Second),
		Policy:        policy,
		Reaper:        reaper.New(log, "session-worker", reg.ActiveProcessIDs),
		Prober:        probe.NewWithBounds(50*time.Millisecond, 2),
		Events:        store.NewMemoryStore(),
		Log:           log,
		SettleDelay:   10 * time.Millisecond,
		GracefulTicks: 2,
		TickInterval:  5 * time.Millisecond,
		LaunchTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to build supervisor: %v", err)
	}
	return &env{sup: sup, launcher: launcher, reg: reg, policy: policy}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSetupConcurrentSingleWinner(t *testing.T) {
	launcher := workertest.NewLauncher(worker.StateConnected)
	launcher.SetDelay(50 * time.Millisecond)
	e := newEnv(t, launcher, nil)

	const attempts = 8
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = e.sup.Setup(context.Background(), "alice")
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else if !errors.Is(err, registry.ErrAlreadyPending) && !errors.Is(err, registry.ErrAlreadyActive) {
			t.Errorf("loser got unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Errorf("expected exactly 1 winner, got %d", winners)
	}
	if got := e.launcher.LaunchCount(); got != 1 {
		t.Errorf("expected 1 launch, got %d", got)
	}
	if st := e.reg.State("alice"); st != models.StateActive {
		t.Errorf("expected active, got %s", st)
	}
}

func TestSetupInvalidKey(t *testing.T) {
	launcher := workertest.NewLauncher(worker.StateConnected)
	e := newEnv(t, launcher, nil)

	for _, key := range []string{"", "..", "a/b", "a b"} {
		if err := e.sup.Setup(context.Background(), key); err == nil {
			t.Errorf("expected error for key %q", key)
		}
	}
	if got := e.launcher.LaunchCount(); got != 0 {
		t.Errorf("invalid keys must not launch, got %d launches", got)
	}
}

func TestSetupLaunchFailureReleasesReservation(t *testing.T) {
	launcher := workertest.NewLauncher(worker.StateConnected)
	launcher.FailNext(1)
	e := newEnv(t, launcher, nil)

	err := e.sup.Setup(context.Background(), "alice")
	if !errors.Is(err, ErrLaunchFailure) {
		t.Fatalf("expected ErrLaunchFailure, got %v", err)
	}
	if st := e.reg.State("alice"); st != models.StateAbsent {
		t.Errorf("failed setup must release the reservation, state %s", st)
	}

	// The key is immediately usable again.
	if err := e.sup.Setup(context.Background(), "alice"); err != nil {
		t.Fatalf("retry after failed launch: %v", err)
	}
}

func TestTeardownAbsentIsNoop(t *testing.T) {
	launcher := workertest.NewLauncher(worker.StateConnected)
	e := newEnv(t, launcher, nil)

	if err := e.sup.Teardown("ghost", models.TeardownDestroy, false); err != nil {
		t.Fatalf("teardown of absent key: %v", err)
	}
	if err := e.sup.Teardown("ghost", models.TeardownDestroy, false); err != nil {
		t.Fatalf("second teardown of absent key: %v", err)
	}
}

func TestTeardownLogout(t *testing.T) {
	launcher := workertest.NewLauncher(worker.StateConnected)
	e := newEnv(t, launcher, nil)

	if err := e.sup.Setup(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	w := e.launcher.Launched()[0]

	if err := e.sup.Teardown("alice", models.TeardownLogout, false); err != nil {
		t.Fatalf("teardown failed: %v", err)
	}
	if !w.LoggedOut() {
		t.Error("logout mode must request logout")
	}
	if w.Destroyed() {
		t.Error("logout mode must not destroy")
	}
	if !w.Detached() {
		t.Error("teardown must detach before stopping the worker")
	}
	if st := e.reg.State("alice"); st != models.StateAbsent {
		t.Errorf("expected absent, got %s", st)
	}
	if _, err := os.Stat(e.sup.WorkDir("alice")); err != nil {
		t.Errorf("work directory must survive without delete: %v", err)
	}
}

func TestTeardownDeleteDir(t *testing.T) {
	launcher := workertest.NewLauncher(worker.StateConnected)
	e := newEnv(t, launcher, nil)

	if err := e.sup.Setup(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	if err := e.sup.Teardown("alice", models.TeardownDestroy, true); err != nil {
		t.Fatalf("teardown failed: %v", err)
	}
	if _, err := os.Stat(e.sup.WorkDir("alice")); !os.IsNotExist(err) {
		t.Errorf("work directory should be gone, stat err %v", err)
	}
}

func TestCrashTriggersRecovery(t *testing.T) {
	launcher := workertest.NewLauncher(worker.StateConnected)
	e := newEnv(t, launcher, nil)

	if err := e.sup.Setup(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	first := e.launcher.Launched()[0]
	first.Crash("segfault")

	waitFor(t, 2*time.Second, func() bool {
		return e.launcher.LaunchCount() == 2 && e.reg.State("alice") == models.StateActive
	}, "crashed session was not relaunched")

	second := e.launcher.Launched()[1]
	if second.PID() == first.PID() {
		t.Error("relaunch must produce a new worker")
	}
	if !second.IsAlive() {
		t.Error("relaunched worker should be alive")
	}
}

func TestRecoverRestartLimit(t *testing.T) {
	launcher := workertest.NewLauncher(worker.StateConnected)
	e := newEnv(t, launcher, restart.NewWithLimits(10*time.Second, 0, 1))

	if err := e.sup.Setup(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	if err := e.sup.Recover("alice", "crash-1"); err != nil {
		t.Fatalf("first recovery should be allowed: %v", err)
	}
	if got := e.launcher.LaunchCount(); got != 2 {
		t.Fatalf("expected relaunch, got %d launches", got)
	}

	err := e.sup.Recover("alice", "crash-2")
	if !errors.Is(err, ErrRestartLimit) {
		t.Fatalf("expected ErrRestartLimit, got %v", err)
	}
	if st := e.reg.State("alice"); st != models.StateAbsent {
		t.Errorf("abandoned session must leave the registry, state %s", st)
	}
	if got := e.launcher.LaunchCount(); got != 2 {
		t.Errorf("denied recovery must not relaunch, got %d launches", got)
	}
}

func TestRecoveryKeepsRestartCountUntilConnected(t *testing.T) {
	launcher := workertest.NewLauncher(worker.StateConnected)
	e := newEnv(t, launcher, restart.NewWithLimits(10*time.Second, 0, 3))

	if err := e.sup.Setup(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	if err := e.sup.Recover("alice", "crash"); err != nil {
		t.Fatalf("recovery failed: %v", err)
	}
	if got := e.policy.Attempts("alice"); got != 1 {
		t.Errorf("recovery teardown must keep the restart record, attempts %d", got)
	}

	// A full reconnection forgives the history.
	e.launcher.Launched()[1].Connect()
	if got := e.policy.Attempts("alice"); got != 0 {
		t.Errorf("reconnection should clear the restart record, attempts %d", got)
	}
}

func TestExplicitTeardownClearsRestartCount(t *testing.T) {
	launcher := workertest.NewLauncher(worker.StateConnected)
	e := newEnv(t, launcher, restart.NewWithLimits(10*time.Second, 0, 3))

	if err := e.sup.Setup(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	if err := e.sup.Recover("alice", "crash"); err != nil {
		t.Fatal(err)
	}
	if err := e.sup.Teardown("alice", models.TeardownDestroy, false); err != nil {
		t.Fatal(err)
	}
	if got := e.policy.Attempts("alice"); got != 0 {
		t.Errorf("explicit teardown should clear the restart record, attempts %d", got)
	}
}

func TestReload(t *testing.T) {
	launcher := workertest.NewLauncher(worker.StateConnected)
	e := newEnv(t, launcher, nil)

	if err := e.sup.Setup(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	first := e.launcher.Launched()[0]

	if err := e.sup.Reload(context.Background(), "alice"); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if !first.Destroyed() {
		t.Error("reload must stop the old worker")
	}
	if got := e.launcher.LaunchCount(); got != 2 {
		t.Errorf("reload must relaunch, got %d launches", got)
	}
	if st := e.reg.State("alice"); st != models.StateActive {
		t.Errorf("expected active after reload, got %s", st)
	}
}

// Teardown and recovery race on the same key; the keyed lock must keep
// their critical sections from interleaving. Sections are observed via
// the launch and destroy hooks, each widened with a sleep so any
// overlap window would be caught.
func TestTeardownRecoveryDoNotInterleave(t *testing.T) {
	launcher := workertest.NewLauncher(worker.StateConnected)
	e := newEnv(t, launcher, nil)

	if err := e.sup.Setup(context.Background(), "alice"); err != nil {
		t.Fatal(err)
	}
	first := e.launcher.Launched()[0]

	var mu sync.Mutex
	active := 0
	overlap := false
	section := func() {
		mu.Lock()
		active++
		if active > 1 {
			overlap = true
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
	}
	first.DestroyHook = section
	e.launcher.LaunchHook = func(string) { section() }

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.sup.Recover("alice", "crash")
	}()
	go func() {
		defer wg.Done()
		e.sup.Teardown("alice", models.TeardownDestroy, false)
	}()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if overlap {
		t.Error("teardown and recovery critical sections overlapped")
	}
}

func TestRemoveWorkDirRejectsTraversal(t *testing.T) {
	launcher := workertest.NewLauncher(worker.StateConnected)
	e := newEnv(t, launcher, nil)

	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "keep"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, e.sup.WorkDir("evil")); err != nil {
		t.Fatal(err)
	}

	err := e.sup.removeWorkDir("evil")
	if !errors.Is(err, ErrPathTraversal) {
		t.Fatalf("expected ErrPathTraversal, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(outside, "keep")); err != nil {
		t.Errorf("target outside the root must be untouched: %v", err)
	}
}

// Reconciliation scenario: a connected session is untouched, a
// disconnected one is stopped through its handle, an orphan directory
// whose lock artifact names a registered session's PID loses only the
// stale artifact, and that registered session keeps running.
func TestFlushInactive(t *testing.T) {
	launcher := workertest.NewLauncher(worker.StateConnected)
	e := newEnv(t, launcher, nil)
	ctx := context.Background()

	for _, key := range []string{"alfa", "bravo", "delta"} {
		if err := e.sup.Setup(ctx, key); err != nil {
			t.Fatal(err)
		}
	}
	workers := e.launcher.Launched()
	bravo := workers[1]
	delta := workers[2]
	bravo.SetState(worker.StateDisconnected)

	// Orphan directory with an artifact naming delta's PID.
	orphanDir := e.sup.WorkDir("charlie")
	if err := os.MkdirAll(orphanDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := lockfile.Write(orphanDir, "host", delta.PID()); err != nil {
		t.Fatal(err)
	}

	if err := e.sup.Flush(ctx, true); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	if st := e.reg.State("alfa"); st != models.StateActive {
		t.Errorf("connected session must be untouched, state %s", st)
	}
	if workers[0].Destroyed() {
		t.Error("connected session's worker must not be stopped")
	}

	if st := e.reg.State("bravo"); st != models.StateAbsent {
		t.Errorf("disconnected session should be stopped, state %s", st)
	}
	if !bravo.Destroyed() {
		t.Error("disconnected session must be stopped through its handle")
	}
	if _, err := os.Stat(e.sup.WorkDir("bravo")); err != nil {
		t.Errorf("inactive flush keeps the work directory: %v", err)
	}

	if _, err := os.Stat(orphanDir); !os.IsNotExist(err) {
		t.Errorf("orphan directory should be removed, stat err %v", err)
	}
	if st := e.reg.State("delta"); st != models.StateActive {
		t.Errorf("session named by the stale artifact must be untouched, state %s", st)
	}
	if !delta.IsAlive() || delta.Destroyed() {
		t.Error("stale artifact reap must not kill the PID's real owner")
	}
}

func TestFlushAll(t *testing.T) {
	launcher := workertest.NewLauncher(worker.StateConnected)
	e := newEnv(t, launcher, nil)
	ctx := context.Background()

	for _, key := range []string{"alfa", "bravo"} {
		if err := e.sup.Setup(ctx, key); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.sup.Flush(ctx, false); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	for _, key := range []string{"alfa", "bravo"} {
		if st := e.reg.State(key); st != models.StateAbsent {
			t.Errorf("%s: expected absent, got %s", key, st)
		}
		if _, err := os.Stat(e.sup.WorkDir(key)); !os.IsNotExist(err) {
			t.Errorf("%s: work directory should be gone, stat err %v", key, err)
		}
	}
}

// A pre-existing artifact whose PID was reused by a process that is not
// this key's worker must not block setup: the reservation guarantees no
// registered owner, so the artifact is dropped without touching the PID.
func TestSetupRemovesForeignStaleArtifact(t *testing.T) {
	launcher := workertest.NewLauncher(worker.StateConnected)
	e := newEnv(t, launcher, nil)

	workDir := e.sup.WorkDir("alice")
	if err := os.MkdirAll(workDir, 0755); err != nil {
		t.Fatal(err)
	}
	// The test process itself: alive, unregistered, and certainly not
	// named session-worker.
	if err := lockfile.Write(workDir, "host", os.Getpid()); err != nil {
		t.Fatal(err)
	}

	if err := e.sup.Setup(context.Background(), "alice"); err != nil {
		t.Fatalf("setup should survive a foreign stale artifact: %v", err)
	}
	if lockfile.Exists(workDir) {
		t.Error("stale artifact should be removed before launch")
	}
	if st := e.reg.State("alice"); st != models.StateActive {
		t.Errorf("expected active, got %s", st)
	}
}

func TestRestore(t *testing.T) {
	launcher := workertest.NewLauncher(worker.StateConnected)
	e := newEnv(t, launcher, nil)

	for _, key := range []string{"alfa", "bravo"} {
		if err := os.MkdirAll(e.sup.WorkDir(key), 0755); err != nil {
			t.Fatal(err)
		}
	}
	// Non-session entries in the root are skipped.
	if err := os.WriteFile(filepath.Join(e.sup.Root(), "sessiond.lock"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(e.sup.Root(), "not-a-session"), 0755); err != nil {
		t.Fatal(err)
	}

	e.sup.Restore(context.Background())

	if got := e.launcher.LaunchCount(); got != 2 {
		t.Errorf("expected 2 restored sessions, got %d launches", got)
	}
	for _, key := range []string{"alfa", "bravo"} {
		if st := e.reg.State(key); st != models.StateActive {
			t.Errorf("%s: expected active after restore, got %s", key, st)
		}
	}
}
