package lockfile

import (
	"errors"
	"os"
	"testing"
)

func TestReadPID_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	if err := Write(dir, "myhost", 12345); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	pid, err := ReadPID(dir)
	if err != nil {
		t.Fatalf("ReadPID failed: %v", err)
	}
	if pid != 12345 {
		t.Errorf("expected pid 12345, got %d", pid)
	}
}

func TestReadPID_HostWithDashes(t *testing.T) {
	dir := t.TempDir()

	if err := Write(dir, "build-host-03", 999); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	pid, err := ReadPID(dir)
	if err != nil {
		t.Fatalf("ReadPID failed: %v", err)
	}
	if pid != 999 {
		t.Errorf("expected pid 999, got %d", pid)
	}
}

func TestReadPID_Absent(t *testing.T) {
	dir := t.TempDir()
	if _, err := ReadPID(dir); !errors.Is(err, ErrNoArtifact) {
		t.Errorf("expected ErrNoArtifact, got %v", err)
	}
}

func TestReadPID_Malformed(t *testing.T) {
	dir := t.TempDir()
	if err := os.Symlink("no-pid-here", Path(dir)); err != nil {
		t.Fatalf("symlink failed: %v", err)
	}
	if _, err := ReadPID(dir); err == nil {
		t.Error("expected parse error for malformed target")
	}
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()

	if err := Write(dir, "h", 1); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if !Exists(dir) {
		t.Fatal("artifact should exist")
	}
	if err := Remove(dir); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if Exists(dir) {
		t.Error("artifact should be gone")
	}
	// Removal is idempotent.
	if err := Remove(dir); err != nil {
		t.Errorf("second Remove errored: %v", err)
	}
}
