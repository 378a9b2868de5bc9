package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/credvault/credvault/keyderive"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.KDF.Iterations != keyderive.MinIterations {
		t.Errorf("Default iterations = %d", cfg.KDF.Iterations)
	}
	if cfg.DevMode {
		t.Error("DevMode enabled by default")
	}
	if cfg.KeystorePath == "" {
		t.Error("Default keystore path is empty")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults do not validate: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "core.yaml")
	content := `
dev_mode: true
store_path: /tmp/test-vault.db
kdf:
  iterations: 800000
auto_lock:
  timeout_seconds: 60
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.DevMode {
		t.Error("dev_mode override lost")
	}
	if cfg.KDF.Iterations != 800000 {
		t.Errorf("Iterations = %d", cfg.KDF.Iterations)
	}
	if cfg.StorePath != "/tmp/test-vault.db" {
		t.Errorf("StorePath = %s", cfg.StorePath)
	}
	if cfg.AutoLockTimeout() != time.Minute {
		t.Errorf("AutoLockTimeout = %s", cfg.AutoLockTimeout())
	}
	// Unset sections keep their defaults.
	if cfg.PasswordHash.Threads != 4 {
		t.Errorf("Threads = %d", cfg.PasswordHash.Threads)
	}
}

func TestLoadRejectsWeakParameters(t *testing.T) {
	cases := map[string]string{
		"weak kdf":    "kdf:\n  iterations: 1000\n",
		"weak memory": "password_hash:\n  memory_kib: 1024\n",
		"weak time":   "password_hash:\n  time: 1\n",
		"no timeout":  "auto_lock:\n  timeout_seconds: 0\n",
	}
	for name, content := range cases {
		path := filepath.Join(t.TempDir(), "core.yaml")
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
		if _, err := Load(path); err == nil {
			t.Errorf("%s: weak configuration accepted", name)
		}
	}
}
