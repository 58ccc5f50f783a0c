package worker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func launchShell(t *testing.T, script string, workDir string) Worker {
	t.Helper()
	l := &ExecLauncher{Binary: "/bin/sh", BaseArgs: []string{"-c", script}}
	w, err := l.Launch(context.Background(), "alice", Options{WorkDir: workDir})
	if err != nil {
		t.Fatalf("launch failed: %v", err)
	}
	t.Cleanup(func() { w.Destroy() })
	return w
}

func writeState(t *testing.T, workDir, state string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(workDir, StateFileName), []byte(state+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
}

// A worker that is already CONNECTED when Initialize first polls must
// still deliver the connected signal to a subscriber registered after
// Initialize returns.
func TestConnectedBeforeSubscribeIsReplayed(t *testing.T) {
	dir := t.TempDir()
	writeState(t, dir, StateConnected)
	w := launchShell(t, "sleep 30", dir)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Initialize(ctx); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if got := w.ConnectionState(); got != StateConnected {
		t.Fatalf("expected CONNECTED, got %s", got)
	}

	fired := make(chan struct{})
	w.OnConnected(func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("connected signal was lost for an already-connected worker")
	}
}

// An exit between Initialize returning and OnCrash registration must be
// replayed, not dropped.
func TestCrashBeforeSubscribeIsReplayed(t *testing.T) {
	dir := t.TempDir()
	w := launchShell(t, "exit 3", dir)

	deadline := time.Now().Add(5 * time.Second)
	for w.IsAlive() {
		if time.Now().After(deadline) {
			t.Fatal("worker did not exit")
		}
		time.Sleep(10 * time.Millisecond)
	}

	fired := make(chan string, 1)
	w.OnCrash(func(reason string) { fired <- reason })
	select {
	case reason := <-fired:
		if reason == "" {
			t.Error("crash reason should not be empty")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("crash signal was lost for an already-exited worker")
	}
}

func TestDetachSuppressesReplay(t *testing.T) {
	var l listeners
	l.fireConnected()
	l.fireCrash("boom")
	l.detach()

	l.onConnected(func() { t.Error("detached set must not replay connected") })
	l.onCrash(func(string) { t.Error("detached set must not replay crash") })
}

func TestListenersReplayLatchedEvents(t *testing.T) {
	var l listeners
	l.fireConnected()

	connected := false
	l.onConnected(func() { connected = true })
	if !connected {
		t.Error("connected fired before registration must be replayed")
	}

	l.fireCrash("boom")
	var reason string
	l.onCrash(func(r string) { reason = r })
	if reason != "boom" {
		t.Errorf("crash fired before registration must be replayed, got %q", reason)
	}
}
