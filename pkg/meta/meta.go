// Package meta reads and writes the small per-session metadata file
// kept inside each work directory. Writes are atomic so a crash mid-
// write never leaves a torn file for boot restore to trip over.
package meta

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

// FileName is the metadata file name inside a work directory.
const FileName = "session.json"

// Session is the persisted per-session metadata.
type Session struct {
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
	LastPID   int       `json:"last_pid,omitempty"`
	LastState string    `json:"last_state,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Write atomically persists m into workDir.
func Write(workDir string, m *Session) error {
	m.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session metadata: %w", err)
	}
	path := filepath.Join(workDir, FileName)
	if err := renameio.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Read loads the metadata from workDir. Returns os.ErrNotExist if the
// file is missing.
func Read(workDir string) (*Session, error) {
	path := filepath.Join(workDir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := &Session{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return m, nil
}
