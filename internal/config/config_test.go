package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.Security.InjectionGuardEnabled {
		t.Error("injection guard should default on")
	}
	if cfg.Redaction.HistoryWindow != 12 {
		t.Errorf("expected history window 12, got %d", cfg.Redaction.HistoryWindow)
	}
	if cfg.Buffering.ImmediateFlushBytes != 2048 {
		t.Errorf("expected immediate flush at 2048 bytes, got %d", cfg.Buffering.ImmediateFlushBytes)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("expected 3 retry attempts, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Security.EscalationRetention != "session" {
		t.Errorf("expected session retention, got %q", cfg.Security.EscalationRetention)
	}
}

func TestLoadFromOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
data_dir: /tmp/quill-test
providers:
  - name: anthropic
    api_key: test-key
    model: test-model
redaction:
  enabled: true
  history_window: 6
retry:
  max_attempts: 5
  base_delay_millis: 250
  max_delay_seconds: 4
parallel:
  enabled: true
  providers: [anthropic, openai]
`)
	if err := os.WriteFile(path, content, 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.Redaction.HistoryWindow != 6 {
		t.Errorf("expected history window 6, got %d", cfg.Redaction.HistoryWindow)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("expected 5 attempts, got %d", cfg.Retry.MaxAttempts)
	}
	if !cfg.Parallel.Enabled || len(cfg.Parallel.Providers) != 2 {
		t.Errorf("parallel settings not loaded: %+v", cfg.Parallel)
	}
	// Untouched sections keep defaults
	if cfg.Buffering.WarmupMillis != 500 {
		t.Errorf("expected default warmup, got %d", cfg.Buffering.WarmupMillis)
	}

	p := cfg.GetProvider("anthropic")
	if p == nil || p.APIKey != "test-key" {
		t.Fatalf("provider not loaded: %+v", p)
	}
	if cfg.GetProvider("missing") != nil {
		t.Error("expected nil for unknown provider")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Redaction.HistoryWindow = 8

	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadFrom(filepath.Join(cfg.DataDir, "config.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if loaded.Redaction.HistoryWindow != 8 {
		t.Errorf("expected history window 8 after round trip, got %d", loaded.Redaction.HistoryWindow)
	}
}

func TestAPIKeyEnvExpansion(t *testing.T) {
	t.Setenv("QUILL_TEST_KEY", "expanded-secret")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
providers:
  - name: openai
    api_key: $QUILL_TEST_KEY
`)
	if err := os.WriteFile(path, content, 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if got := cfg.GetProvider("openai").APIKey; got != "expanded-secret" {
		t.Errorf("expected env expansion, got %q", got)
	}
}

func TestFirstValidProvider(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Providers = []ProviderConfig{
		{Name: "anthropic"}, // no key — not valid
		{Name: "openai", APIKey: "k"},
	}
	p := cfg.FirstValidProvider()
	if p == nil || p.Name != "openai" {
		t.Fatalf("expected openai, got %+v", p)
	}
}
