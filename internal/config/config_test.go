package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/agentcore/internal/config"
)

func TestLoad_DefaultsWhenMissing(t *testing.T) {
	t.Setenv("AGENTCORE_HOME", t.TempDir())

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ClassName != "agent" {
		t.Fatalf("expected default class name, got %q", cfg.ClassName)
	}
	if cfg.BindAddr != "127.0.0.1:8787" {
		t.Fatalf("expected default bind addr, got %q", cfg.BindAddr)
	}
}

func TestLoad_ParsesYAML(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AGENTCORE_HOME", dir)

	yaml := `
class_name: MyAgent
bind_addr: "0.0.0.0:9000"
allow_origins:
  - https://example.com
mcp_servers:
  - id: gh
    name: github
    url: https://mcp.example.com/sse
    transport: sse
`
	if err := os.WriteFile(config.ConfigPath(dir), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ClassName != "MyAgent" {
		t.Fatalf("unexpected class name: %q", cfg.ClassName)
	}
	if len(cfg.AllowOrigins) != 1 || cfg.AllowOrigins[0] != "https://example.com" {
		t.Fatalf("unexpected allow origins: %v", cfg.AllowOrigins)
	}
	if len(cfg.MCPServers) != 1 || cfg.MCPServers[0].Name != "github" {
		t.Fatalf("unexpected mcp servers: %+v", cfg.MCPServers)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("AGENTCORE_HOME", t.TempDir())
	t.Setenv("AGENTCORE_BIND_ADDR", "0.0.0.0:1234")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "0.0.0.0:1234" {
		t.Fatalf("expected env override to apply, got %q", cfg.BindAddr)
	}
}

func TestDBPath(t *testing.T) {
	cfg := config.Config{DBDir: "/data", ClassName: "MyAgent"}
	want := filepath.Join("/data", "MyAgent", "inst1.db")
	if got := cfg.DBPath("inst1"); got != want {
		t.Fatalf("DBPath = %q, want %q", got, want)
	}
}

func TestDurableSigningKey(t *testing.T) {
	cfg := config.Config{DurableSigningKeyEnv: "TEST_SIGNING_KEY"}
	if got := cfg.DurableSigningKey(); got != nil {
		t.Fatalf("expected nil key before env is set, got %q", got)
	}
	t.Setenv("TEST_SIGNING_KEY", "secret")
	if got := string(cfg.DurableSigningKey()); got != "secret" {
		t.Fatalf("expected secret, got %q", got)
	}
}
