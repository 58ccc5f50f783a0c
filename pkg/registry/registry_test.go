package registry

import (
	"sync"
	"testing"

	"github.com/psantana5/sessiond/pkg/models"
	"github.com/psantana5/sessiond/pkg/worker"
	"github.com/psantana5/sessiond/pkg/worker/workertest"
)

func TestTryBeginSetup_Lifecycle(t *testing.T) {
	r := New()

	if err := r.TryBeginSetup("a"); err != nil {
		t.Fatalf("first reservation failed: %v", err)
	}
	if got := r.State("a"); got != models.StatePending {
		t.Errorf("expected pending, got %s", got)
	}

	if err := r.TryBeginSetup("a"); err != ErrAlreadyPending {
		t.Errorf("expected ErrAlreadyPending, got %v", err)
	}

	w := workertest.NewWorker(workertest.BasePID, worker.StateConnected)
	if err := r.CompleteSetup("a", w); err != nil {
		t.Fatalf("CompleteSetup failed: %v", err)
	}
	if got := r.State("a"); got != models.StateActive {
		t.Errorf("expected active, got %s", got)
	}

	if err := r.TryBeginSetup("a"); err != ErrAlreadyActive {
		t.Errorf("expected ErrAlreadyActive, got %v", err)
	}

	handle, ok := r.BeginTeardown("a")
	if !ok || handle != w {
		t.Fatalf("BeginTeardown returned %v, %v", handle, ok)
	}
	if got := r.State("a"); got != models.StateDestroying {
		t.Errorf("expected destroying, got %s", got)
	}

	if err := r.FinishTeardown("a"); err != nil {
		t.Fatalf("FinishTeardown failed: %v", err)
	}
	if got := r.State("a"); got != models.StateAbsent {
		t.Errorf("expected absent, got %s", got)
	}
}

func TestTryBeginSetup_Concurrent(t *testing.T) {
	r := New()

	const n = 32
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.TryBeginSetup("contended")
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else if err != ErrAlreadyPending {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Errorf("expected exactly 1 winner, got %d", winners)
	}
}

func TestAbortSetup(t *testing.T) {
	r := New()

	if err := r.TryBeginSetup("a"); err != nil {
		t.Fatalf("reservation failed: %v", err)
	}
	r.AbortSetup("a")
	if got := r.State("a"); got != models.StateAbsent {
		t.Errorf("expected absent after abort, got %s", got)
	}

	// A new reservation must succeed.
	if err := r.TryBeginSetup("a"); err != nil {
		t.Errorf("reservation after abort failed: %v", err)
	}
}

func TestCompleteSetup_RequiresPending(t *testing.T) {
	r := New()
	w := workertest.NewWorker(workertest.BasePID, worker.StateConnected)

	if err := r.CompleteSetup("missing", w); err != ErrNotPending {
		t.Errorf("expected ErrNotPending, got %v", err)
	}
}

func TestBeginTeardown_AbsentKey(t *testing.T) {
	r := New()
	if _, ok := r.BeginTeardown("missing"); ok {
		t.Error("BeginTeardown on absent key should report no entry")
	}
	if err := r.FinishTeardown("missing"); err != nil {
		t.Errorf("FinishTeardown on absent key should be a no-op, got %v", err)
	}
}

func TestActiveProcessIDs(t *testing.T) {
	r := New()

	w1 := workertest.NewWorker(workertest.BasePID+1, worker.StateConnected)
	w2 := workertest.NewWorker(workertest.BasePID+2, worker.StateConnected)

	r.TryBeginSetup("a")
	r.CompleteSetup("a", w1)
	r.TryBeginSetup("b")
	r.CompleteSetup("b", w2)
	r.TryBeginSetup("c") // pending, no handle yet

	pids := r.ActiveProcessIDs()
	if len(pids) != 2 {
		t.Fatalf("expected 2 pids, got %d", len(pids))
	}
	for _, pid := range []int{workertest.BasePID + 1, workertest.BasePID + 2} {
		if _, ok := pids[pid]; !ok {
			t.Errorf("pid %d missing from snapshot", pid)
		}
	}
}
