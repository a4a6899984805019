package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadExplicitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `listen_addr: ":9000"
activity_window: 60s
await_timeout: 15s
backlog_limit: 32
store_path: /tmp/relay.db
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9000" {
		t.Fatalf("listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.ActivityWindow != time.Minute {
		t.Fatalf("activity_window = %v", cfg.ActivityWindow)
	}
	if cfg.AwaitTimeout != 15*time.Second {
		t.Fatalf("await_timeout = %v", cfg.AwaitTimeout)
	}
	if cfg.BacklogLimit != 32 {
		t.Fatalf("backlog_limit = %d", cfg.BacklogLimit)
	}
	// Unset fields keep defaults.
	if cfg.SweepInterval != 10*time.Second {
		t.Fatalf("sweep_interval = %v", cfg.SweepInterval)
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("explicit missing file should error")
	}
}

func TestLoadMissingDefaultFileReturnsDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != Default().ListenAddr {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}

func TestTokenFromEnv(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("UERELAY_TOKEN", "sekrit")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AuthToken != "sekrit" {
		t.Fatalf("auth_token = %q", cfg.AuthToken)
	}
}
