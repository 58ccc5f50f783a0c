package supervisor

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"vawter.tech/stopper"
)

const (
	// watchDebounce coalesces bursts of directory events into one
	// reconcile pass.
	watchDebounce = 2 * time.Second
	// stopGrace is how long background goroutines get to wind down.
	stopGrace = 5 * time.Second
)

// StartReconcileLoop runs periodic reconciliation passes and, when the
// session root can be watched, event-triggered passes on work
// directory churn. The returned stop function blocks until the
// goroutines have wound down.
func (s *Supervisor) StartReconcileLoop(ctx context.Context, interval time.Duration) (stop func() error, err error) {
	sctx := stopper.WithContext(ctx)

	trigger := make(chan struct{}, 1)
	kick := func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if addErr := watcher.Add(s.root); addErr != nil {
			s.log.Warn("Cannot watch session root, relying on periodic reconcile", map[string]interface{}{
				"error": addErr.Error(),
			})
			_ = watcher.Close()
			watcher = nil
		}
	} else {
		s.log.Warn("fsnotify unavailable, relying on periodic reconcile", map[string]interface{}{
			"error": err.Error(),
		})
		watcher = nil
	}

	if watcher != nil {
		sctx.Defer(func() {
			_ = watcher.Close()
		})
		sctx.Go(func(sctx *stopper.Context) error {
			var debounce *time.Timer
			for {
				select {
				case <-sctx.Stopping():
					return nil
				case ev, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
						continue
					}
					if debounce != nil {
						debounce.Stop()
					}
					debounce = time.AfterFunc(watchDebounce, kick)
				case werr, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					s.log.Warn("Watcher error", map[string]interface{}{"error": werr.Error()})
				}
			}
		})
	}

	sctx.Go(func(sctx *stopper.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-sctx.Stopping():
				return nil
			case <-ticker.C:
			case <-trigger:
			}
			if err := s.Flush(ctx, true); err != nil {
				s.log.Warn("Reconcile pass failed", map[string]interface{}{"error": err.Error()})
			}
		}
	})

	stop = func() error {
		sctx.Stop(stopGrace)
		return sctx.Wait()
	}
	return stop, nil
}
