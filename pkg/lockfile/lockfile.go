// Package lockfile reads the lock artifact a worker runtime leaves in
// its work directory to claim exclusive use of it. The artifact is a
// symlink whose target encodes "<host>-<pid>"; it is read as a symbolic
// reference, never as file content.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ArtifactName is the deterministic name of the lock artifact inside a
// work directory.
const ArtifactName = "SingletonLock"

// ErrNoArtifact is returned when a work directory holds no lock
// artifact.
var ErrNoArtifact = errors.New("no lock artifact present")

// Path returns the artifact path for a work directory.
func Path(workDir string) string {
	return filepath.Join(workDir, ArtifactName)
}

// ReadPID extracts the owning PID from the artifact in workDir.
// Returns ErrNoArtifact if the artifact does not exist, and a parse
// error if the target does not encode a PID.
func ReadPID(workDir string) (int, error) {
	target, err := os.Readlink(Path(workDir))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNoArtifact
		}
		return 0, fmt.Errorf("failed to read lock artifact in %s: %w", workDir, err)
	}

	// Target format is "<host>-<pid>"; the host part may itself
	// contain dashes, so split on the last one.
	idx := strings.LastIndex(target, "-")
	if idx < 0 || idx == len(target)-1 {
		return 0, fmt.Errorf("malformed lock artifact target %q", target)
	}
	pid, err := strconv.Atoi(target[idx+1:])
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed lock artifact target %q", target)
	}
	return pid, nil
}

// Exists reports whether workDir holds a lock artifact.
func Exists(workDir string) bool {
	_, err := os.Lstat(Path(workDir))
	return err == nil
}

// Remove deletes the artifact from workDir. Removing an absent
// artifact is not an error.
func Remove(workDir string) error {
	err := os.Remove(Path(workDir))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock artifact in %s: %w", workDir, err)
	}
	return nil
}

// Write creates an artifact claiming workDir for pid on host. The
// worker runtime normally writes this itself; the supervisor only uses
// Write in tests and tooling.
func Write(workDir, host string, pid int) error {
	return os.Symlink(fmt.Sprintf("%s-%d", host, pid), Path(workDir))
}
