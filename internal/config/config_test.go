package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Limits.MaxIterations != 16 {
		t.Errorf("MaxIterations = %d, want 16", cfg.Limits.MaxIterations)
	}
	if cfg.Limits.ReadFileMaxBytes != 1<<20 {
		t.Errorf("ReadFileMaxBytes = %d, want 1MiB", cfg.Limits.ReadFileMaxBytes)
	}
	if cfg.Sandbox.FollowSymlinks {
		t.Error("FollowSymlinks should default to false")
	}
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPPort != 8787 {
		t.Errorf("HTTPPort = %d, want 8787", cfg.Server.HTTPPort)
	}
}

func TestLoad_OverridesMergeOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
server:
  http_port: 9999
providers:
  anthropic:
    api_key: sk-test-key
limits:
  max_iterations: 4
sandbox:
  follow_symlinks: true
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.HTTPPort != 9999 {
		t.Errorf("HTTPPort = %d, want 9999", cfg.Server.HTTPPort)
	}
	if cfg.Limits.MaxIterations != 4 {
		t.Errorf("MaxIterations = %d, want 4", cfg.Limits.MaxIterations)
	}
	if cfg.Limits.BashDefaultTimeout != 120*time.Second {
		t.Errorf("BashDefaultTimeout should fall back to default, got %v", cfg.Limits.BashDefaultTimeout)
	}
	if !cfg.Sandbox.FollowSymlinks {
		t.Error("FollowSymlinks override did not apply")
	}
	prov, ok := cfg.Providers["anthropic"]
	if !ok || prov.APIKey != "sk-test-key" {
		t.Errorf("provider override missing: %+v", cfg.Providers)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
