package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalYAML = `
provider:
  base_url: https://api.example.com
  stream_url: wss://stream.example.com
`

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Dispatcher.QueueSize != 1024 {
		t.Errorf("queue_size = %d, want 1024 default", cfg.Dispatcher.QueueSize)
	}
	if cfg.Tier2.MaxSize != 20 || cfg.Tier2.DemoteWindow != 5*time.Minute {
		t.Errorf("tier2 defaults = %+v", cfg.Tier2)
	}
	if cfg.Ignition.AntiTrap.OffQuotePct != 0.01 {
		t.Errorf("off_quote_pct = %v, want 0.01 default", cfg.Ignition.AntiTrap.OffQuotePct)
	}
	if cfg.Provider.Retry.MaxAttempts != 3 || cfg.Provider.Retry.BaseDelay != time.Second {
		t.Errorf("retry defaults = %+v", cfg.Provider.Retry)
	}
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalYAML+`
dispatcher:
  queue_size: 256
tier2:
  demote_window: 2m
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Dispatcher.QueueSize != 256 {
		t.Errorf("queue_size = %d, want 256", cfg.Dispatcher.QueueSize)
	}
	if cfg.Tier2.DemoteWindow != 2*time.Minute {
		t.Errorf("demote_window = %v, want 2m", cfg.Tier2.DemoteWindow)
	}
}

func TestLoadConfigRequiresProviderURLs(t *testing.T) {
	if _, err := LoadConfig(writeConfig(t, "app:\n  name: x\n")); err == nil {
		t.Fatal("config without provider URLs must fail validation")
	}
}

func TestLoadConfigRejectsBadWeights(t *testing.T) {
	if _, err := LoadConfig(writeConfig(t, minimalYAML+`
scoring:
  weights_v3:
    tight_range: 0.5
    volume_dryout: 0.6
`)); err == nil {
		t.Fatal("weights summing to 1.1 must fail validation")
	}
}

func TestLoadConfigAcceptsWeightOverride(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalYAML+`
scoring:
  weights_v3:
    tight_range: 0.25
    accumulation_bar: 0.25
    volume_dryout: 0.25
    absorption: 0.25
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Scoring.WeightsV3["absorption"] != 0.25 {
		t.Errorf("weights_v3 = %v", cfg.Scoring.WeightsV3)
	}
}

func TestLoadConfigRejectsSlowPublishInterval(t *testing.T) {
	if _, err := LoadConfig(writeConfig(t, minimalYAML+`
ignition:
  publish_interval: 2s
`)); err == nil {
		t.Fatal("publish interval above 500ms must fail validation")
	}
}

func TestLoadConfigAPIKeyFromEnv(t *testing.T) {
	t.Setenv("PROVIDER_API_KEY", "  secret-key ")
	cfg, err := LoadConfig(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Provider.APIKey != "secret-key" {
		t.Errorf("api_key = %q, want trimmed env value", cfg.Provider.APIKey)
	}
}
