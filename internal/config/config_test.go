package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000", cfg.Server.Port)
	}
	if cfg.Routing.OnNoMatch != "reject" {
		t.Errorf("Routing.OnNoMatch = %q, want reject", cfg.Routing.OnNoMatch)
	}
	if cfg.Stream.IdleTimeout != 30*time.Second {
		t.Errorf("Stream.IdleTimeout = %v, want 30s", cfg.Stream.IdleTimeout)
	}
	if cfg.Stream.ReorderBound != 64 {
		t.Errorf("Stream.ReorderBound = %d, want 64", cfg.Stream.ReorderBound)
	}
	if cfg.Codec.MCP.ProtocolVersion != "2024-11-05" {
		t.Errorf("Codec.MCP.ProtocolVersion = %q", cfg.Codec.MCP.ProtocolVersion)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
server:
  port: 8443
routing:
  default_backend: fast-model
  on_no_match: default
  rules:
    - name: premium
      priority: 10
      match:
        model_prefix: gpt-
      backend: fast-model
backends:
  - name: fast-model
    url: http://localhost:9000
    protocol: http
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8443 {
		t.Errorf("Server.Port = %d, want 8443", cfg.Server.Port)
	}
	if len(cfg.Routing.Rules) != 1 || cfg.Routing.Rules[0].Priority != 10 {
		t.Fatalf("Routing.Rules = %+v", cfg.Routing.Rules)
	}
	if cfg.Routing.DefaultBackend != "fast-model" {
		t.Errorf("DefaultBackend = %q", cfg.Routing.DefaultBackend)
	}
	if len(cfg.Backends) != 1 || cfg.Backends[0].URL != "http://localhost:9000" {
		t.Fatalf("Backends = %+v", cfg.Backends)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("ORCHIX_SERVER_PORT", "4000")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 4000 {
		t.Errorf("Server.Port = %d, want 4000", cfg.Server.Port)
	}
}
