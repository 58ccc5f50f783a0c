package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load with no config file: %v", err)
	}
	if cfg.ListenAddr != ":8090" {
		t.Errorf("unexpected default listen addr %q", cfg.ListenAddr)
	}
	if cfg.RestartWindow != 120*time.Second {
		t.Errorf("unexpected default restart window %s", cfg.RestartWindow)
	}
	if cfg.RestartMaxAttempts != 3 {
		t.Errorf("unexpected default restart ceiling %d", cfg.RestartMaxAttempts)
	}
	if cfg.LockTimeout != 90*time.Second {
		t.Errorf("unexpected default lock timeout %s", cfg.LockTimeout)
	}
}

func TestLoadExplicitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "listen_addr: \":9000\"\nworker_binary: custom-worker\nrestart_max_attempts: 5\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.ListenAddr != ":9000" {
		t.Errorf("expected :9000, got %q", cfg.ListenAddr)
	}
	if cfg.WorkerBinary != "custom-worker" {
		t.Errorf("expected custom-worker, got %q", cfg.WorkerBinary)
	}
	if cfg.RestartMaxAttempts != 5 {
		t.Errorf("expected 5 attempts, got %d", cfg.RestartMaxAttempts)
	}
}

func TestLoadMalformedExplicitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen_addr: [unclosed\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("malformed config file must not be ignored")
	}
}

// A broken config found on the default search path must fail loudly,
// not silently run the daemon on defaults.
func TestLoadMalformedSearchPathFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("listen_addr: [unclosed\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	if _, err := Load(""); err == nil {
		t.Error("malformed config on the search path must not be ignored")
	}
}
