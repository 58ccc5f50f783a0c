package models

import (
	"fmt"
	"time"
)

// SessionState represents the lifecycle state of a session
type SessionState string

const (
	StateAbsent     SessionState = "absent"
	StatePending    SessionState = "pending"
	StateActive     SessionState = "active"
	StateDestroying SessionState = "destroying"
)

// TeardownMode selects how a worker is asked to stop before force-kill
type TeardownMode string

const (
	// TeardownLogout asks the worker to deauthenticate before stopping,
	// invalidating its stored credentials.
	TeardownLogout TeardownMode = "logout"
	// TeardownDestroy stops the worker but keeps its profile on disk.
	TeardownDestroy TeardownMode = "destroy"
)

// WorkDirPrefix is the prefix of per-session directories under the
// session root.
const WorkDirPrefix = "work-"

// WorkDirName returns the directory name for a session key.
func WorkDirName(key string) string {
	return WorkDirPrefix + key
}

// KeyFromWorkDir extracts the session key from a work directory name.
// Returns false if the name is not a work directory.
func KeyFromWorkDir(name string) (string, bool) {
	if len(name) <= len(WorkDirPrefix) || name[:len(WorkDirPrefix)] != WorkDirPrefix {
		return "", false
	}
	return name[len(WorkDirPrefix):], true
}

// ValidateKey rejects keys that could escape the session root or
// produce ambiguous directory names.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("session key is empty")
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
			// '.' allowed but ".." is rejected below
		default:
			return fmt.Errorf("session key %q contains invalid character %q", key, r)
		}
	}
	if key == "." || key == ".." {
		return fmt.Errorf("session key %q is not allowed", key)
	}
	return nil
}

// SessionInfo is the externally visible snapshot of one session
type SessionInfo struct {
	Key       string       `json:"key"`
	State     SessionState `json:"state"`
	PID       int          `json:"pid,omitempty"`
	Connected bool         `json:"connected"`
	Detail    string       `json:"detail,omitempty"`
}

// EventOp identifies the supervisor operation an event belongs to
type EventOp string

const (
	OpSetup    EventOp = "setup"
	OpTeardown EventOp = "teardown"
	OpRecovery EventOp = "recovery"
	OpFlush    EventOp = "flush"
	OpReap     EventOp = "reap"
)

// Event is one audit record of a supervisor operation outcome
type Event struct {
	ID      string    `json:"id"`
	Key     string    `json:"key"`
	Op      EventOp   `json:"op"`
	Outcome string    `json:"outcome"`
	Detail  string    `json:"detail,omitempty"`
	PID     int       `json:"pid,omitempty"`
	At      time.Time `json:"at"`
}
