package store

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/psantana5/sessiond/pkg/models"
)

func backends(t *testing.T) map[string]EventStore {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })
	return map[string]EventStore{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func event(key, outcome string, at time.Time) *models.Event {
	return &models.Event{
		ID:      uuid.New().String(),
		Key:     key,
		Op:      models.OpSetup,
		Outcome: outcome,
		At:      at,
	}
}

func TestRecentEvents(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Now().UTC().Truncate(time.Second)
			for i := 0; i < 5; i++ {
				ev := event("a", fmt.Sprintf("outcome-%d", i), base.Add(time.Duration(i)*time.Second))
				if err := st.AppendEvent(ev); err != nil {
					t.Fatalf("AppendEvent failed: %v", err)
				}
			}
			if err := st.AppendEvent(event("b", "other-key", base)); err != nil {
				t.Fatalf("AppendEvent failed: %v", err)
			}

			events, err := st.RecentEvents("a", 3)
			if err != nil {
				t.Fatalf("RecentEvents failed: %v", err)
			}
			if len(events) != 3 {
				t.Fatalf("expected 3 events, got %d", len(events))
			}
			if events[0].Outcome != "outcome-4" {
				t.Errorf("expected newest first, got %s", events[0].Outcome)
			}
			for _, ev := range events {
				if ev.Key != "a" {
					t.Errorf("event for wrong key: %s", ev.Key)
				}
			}
		})
	}
}

func TestCountByOutcome(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now().UTC()
			st.AppendEvent(event("a", "ok", now))
			st.AppendEvent(event("b", "ok", now))
			st.AppendEvent(event("c", "failed", now))

			counts, err := st.CountByOutcome()
			if err != nil {
				t.Fatalf("CountByOutcome failed: %v", err)
			}
			if counts["ok"] != 2 || counts["failed"] != 1 {
				t.Errorf("unexpected counts: %v", counts)
			}
		})
	}
}

func TestPrune(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Now().UTC().Truncate(time.Second)
			for i := 0; i < 10; i++ {
				st.AppendEvent(event("a", fmt.Sprintf("e%d", i), base.Add(time.Duration(i)*time.Second)))
			}

			removed, err := st.Prune(4)
			if err != nil {
				t.Fatalf("Prune failed: %v", err)
			}
			if removed != 6 {
				t.Errorf("expected 6 removed, got %d", removed)
			}

			events, err := st.RecentEvents("a", 10)
			if err != nil {
				t.Fatalf("RecentEvents failed: %v", err)
			}
			if len(events) != 4 {
				t.Errorf("expected 4 surviving events, got %d", len(events))
			}
			if len(events) > 0 && events[0].Outcome != "e9" {
				t.Errorf("newest event should survive, got %s", events[0].Outcome)
			}
		})
	}
}
