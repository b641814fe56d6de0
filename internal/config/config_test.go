package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentfi.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected server address: %q", cfg.Server.Address)
	}
	if cfg.Bus.Driver != "memory" {
		t.Fatalf("unexpected bus driver: %q", cfg.Bus.Driver)
	}
	if cfg.Addresses.Orchestrator != "orchestrator" || cfg.Addresses.Gate != "execution-gate" {
		t.Fatalf("unexpected addresses: %+v", cfg.Addresses)
	}
	if cfg.Reply.Attempts != 5 || cfg.Reply.AttemptWaitMS != 1000 {
		t.Fatalf("unexpected reply budget: %+v", cfg.Reply)
	}
	if cfg.Runtime.Workers != 4 {
		t.Fatalf("unexpected worker count: %d", cfg.Runtime.Workers)
	}
	if cfg.Executor.Mode != "http" {
		t.Fatalf("unexpected executor mode: %q", cfg.Executor.Mode)
	}
	if cfg.History.Driver != "memory" {
		t.Fatalf("unexpected history driver: %q", cfg.History.Driver)
	}
	if !filepath.IsAbs(cfg.Rules.Path) {
		t.Fatalf("rules path should be resolved against the config dir: %q", cfg.Rules.Path)
	}
}

func TestLoadKeepsExplicitValues(t *testing.T) {
	path := writeConfig(t, `{
		"server": {"address": ":9090"},
		"bus": {"driver": "redis", "redis": {"address": "redis:6379", "db": 2}},
		"reply": {"attempts": 3, "attempt_wait_ms": 250},
		"runtime": {"workers": 16},
		"executor": {"mode": "signer", "signer": {"chain_id": 1337}}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("unexpected server address: %q", cfg.Server.Address)
	}
	if cfg.Bus.Driver != "redis" || cfg.Bus.Redis.Address != "redis:6379" || cfg.Bus.Redis.DB != 2 {
		t.Fatalf("unexpected bus config: %+v", cfg.Bus)
	}
	if cfg.Reply.Attempts != 3 || cfg.Reply.AttemptWaitMS != 250 {
		t.Fatalf("unexpected reply budget: %+v", cfg.Reply)
	}
	if cfg.Runtime.Workers != 16 {
		t.Fatalf("unexpected worker count: %d", cfg.Runtime.Workers)
	}
	if cfg.Executor.Mode != "signer" || cfg.Executor.Signer.ChainID != 1337 {
		t.Fatalf("unexpected executor config: %+v", cfg.Executor)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestLoadRejectsInvalidJSON(t *testing.T) {
	path := writeConfig(t, "{not json")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid json")
	}
}
