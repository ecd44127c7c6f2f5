package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/cortexd/internal/config"
)

func TestLoad_FromHomeDir(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	yaml := "cortex:\n  agent_id: ada\n  poll_interval_ms: 250\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, "SOUL.md"), []byte("be helpful"), 0o644); err != nil {
		t.Fatalf("write soul: %v", err)
	}
	t.Setenv("CORTEXD_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cortex.AgentID != "ada" {
		t.Fatalf("AgentID = %q, want ada", cfg.Cortex.AgentID)
	}
	if cfg.Cortex.PollIntervalMs != 250 {
		t.Fatalf("PollIntervalMs = %d, want 250", cfg.Cortex.PollIntervalMs)
	}
	if cfg.SOUL != "be helpful" {
		t.Fatalf("SOUL = %q", cfg.SOUL)
	}
	if cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis false when config.yaml exists")
	}
}

func TestLoad_MissingConfigSetsNeedsGenesis(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("CORTEXD_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis true when config.yaml absent")
	}
	// Defaults should still be populated.
	if cfg.Cortex.AgentID != "default" {
		t.Fatalf("AgentID = %q, want default", cfg.Cortex.AgentID)
	}
	if len(cfg.Router.Tiers) == 0 {
		t.Fatal("expected default tiers to be populated")
	}
}

func TestLoad_EnvOverridesAgentID(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("CORTEXD_HOME", home)
	t.Setenv("CORTEXD_AGENT_ID", "override-id")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cortex.AgentID != "override-id" {
		t.Fatalf("AgentID = %q, want override-id", cfg.Cortex.AgentID)
	}
}

func TestSetAPIKey_PersistsUnderProvider(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := config.SetAPIKey(home, "anthropic", "sk-test-123"); err != nil {
		t.Fatalf("SetAPIKey: %v", err)
	}
	t.Setenv("CORTEXD_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.LLM.APIKey("anthropic"); got != "sk-test-123" {
		t.Fatalf("APIKey(anthropic) = %q", got)
	}
}
