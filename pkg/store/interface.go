// Package store persists the supervisor's session-event audit trail.
// Two backends: in-memory (tests, default) and SQLite (daemon).
package store

import (
	"github.com/psantana5/sessiond/pkg/models"
)

// EventStore records supervisor operation outcomes per session key.
type EventStore interface {
	// AppendEvent records one event. Append failures must never block
	// a supervisor operation; callers log and continue.
	AppendEvent(ev *models.Event) error

	// RecentEvents returns up to limit most recent events for key,
	// newest first.
	RecentEvents(key string, limit int) ([]*models.Event, error)

	// CountByOutcome returns event counts grouped by outcome, for the
	// metrics exporter.
	CountByOutcome() (map[string]int64, error)

	// Prune deletes all but the newest keep events, returning how many
	// were removed.
	Prune(keep int) (int64, error)

	// Close releases backend resources.
	Close() error
}
