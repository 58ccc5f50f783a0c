// Package probe determines whether a registered worker is actually
// connected and responsive. Results only ever choose how to treat an
// already-registered key; membership decisions never depend on a probe.
package probe

import (
	"context"
	"time"

	"github.com/psantana5/sessiond/pkg/worker"
)

const (
	// materializeBound caps the wait for a freshly launched worker to
	// surface a live process.
	materializeBound    = 5 * time.Second
	materializeInterval = 250 * time.Millisecond

	// pingTimeout bounds each round-trip; pingAttempts consecutive
	// timeouts classify the worker as unresponsive.
	pingTimeout  = 1 * time.Second
	pingAttempts = 3
)

// Result is the probe outcome.
type Result struct {
	Connected bool
	Detail    string
}

// Prober checks worker liveness.
type Prober struct {
	pingTimeout  time.Duration
	pingAttempts int
	materialize  time.Duration
}

// New creates a Prober with default bounds.
func New() *Prober {
	return &Prober{
		pingTimeout:  pingTimeout,
		pingAttempts: pingAttempts,
		materialize:  materializeBound,
	}
}

// NewWithBounds creates a Prober with custom ping bounds, for tests.
func NewWithBounds(timeout time.Duration, attempts int) *Prober {
	if attempts <= 0 {
		attempts = 1
	}
	return &Prober{
		pingTimeout:  timeout,
		pingAttempts: attempts,
		materialize:  materializeBound,
	}
}

// Probe classifies a worker handle. Every wait inside is bounded.
func (p *Prober) Probe(ctx context.Context, w worker.Worker) Result {
	if !p.waitMaterialized(ctx, w) {
		return Result{Connected: false, Detail: "closed"}
	}

	// Trivial round-trip, retried on timeout only.
	timeouts := 0
	for timeouts < p.pingAttempts {
		pingCtx, cancel := context.WithTimeout(ctx, p.pingTimeout)
		err := w.Ping(pingCtx)
		cancel()
		if err == nil {
			break
		}
		if pingCtx.Err() == context.DeadlineExceeded {
			timeouts++
			continue
		}
		return Result{Connected: false, Detail: err.Error()}
	}
	if timeouts >= p.pingAttempts {
		return Result{Connected: false, Detail: "unresponsive"}
	}

	state := w.ConnectionState()
	if state == worker.StateConnected {
		return Result{Connected: true, Detail: state}
	}
	return Result{Connected: false, Detail: state}
}

// waitMaterialized waits for the worker process to exist, bounded.
func (p *Prober) waitMaterialized(ctx context.Context, w worker.Worker) bool {
	deadline := time.Now().Add(p.materialize)
	for {
		if w.IsAlive() {
			return true
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(materializeInterval):
		}
	}
}
