package probe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/psantana5/sessiond/pkg/worker"
	"github.com/psantana5/sessiond/pkg/worker/workertest"
)

func testProber() *Prober {
	return NewWithBounds(50*time.Millisecond, 3)
}

func TestProbe_Connected(t *testing.T) {
	w := workertest.NewWorker(workertest.BasePID, worker.StateConnected)

	result := testProber().Probe(context.Background(), w)
	if !result.Connected {
		t.Errorf("expected connected, got %+v", result)
	}
}

func TestProbe_DisconnectedState(t *testing.T) {
	w := workertest.NewWorker(workertest.BasePID, worker.StateDisconnected)

	result := testProber().Probe(context.Background(), w)
	if result.Connected {
		t.Error("disconnected state must not probe as connected")
	}
	if result.Detail != worker.StateDisconnected {
		t.Errorf("expected state detail, got %q", result.Detail)
	}
}

func TestProbe_DeadWorker(t *testing.T) {
	w := workertest.NewWorker(workertest.BasePID, worker.StateConnected)
	w.Crash("gone")

	// Dead before the probe starts: the handle never materializes.
	p := &Prober{pingTimeout: 10 * time.Millisecond, pingAttempts: 1, materialize: 50 * time.Millisecond}
	result := p.Probe(context.Background(), w)
	if result.Connected {
		t.Error("dead worker must not probe as connected")
	}
}

func TestProbe_UnresponsiveAfterTimeouts(t *testing.T) {
	w := workertest.NewWorker(workertest.BasePID, worker.StateConnected)
	w.SetPingBlock(true)

	start := time.Now()
	result := testProber().Probe(context.Background(), w)
	elapsed := time.Since(start)

	if result.Connected {
		t.Error("unresponsive worker must not probe as connected")
	}
	if result.Detail != "unresponsive" {
		t.Errorf("expected unresponsive detail, got %q", result.Detail)
	}
	// Three bounded attempts, not an unbounded hang.
	if elapsed > 2*time.Second {
		t.Errorf("probe took too long: %v", elapsed)
	}
}

func TestProbe_NonTimeoutPingError(t *testing.T) {
	w := workertest.NewWorker(workertest.BasePID, worker.StateConnected)
	w.SetPingErr(errors.New("socket closed"))

	result := testProber().Probe(context.Background(), w)
	if result.Connected {
		t.Error("ping failure must not probe as connected")
	}
	if result.Detail != "socket closed" {
		t.Errorf("expected ping error detail, got %q", result.Detail)
	}
}
