// Package config holds the YAML-backed configuration for the
// orchestration pipeline.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the full pipeline configuration
type Config struct {
	// Backend providers available to the orchestrator
	Providers []ProviderConfig `yaml:"providers"`

	DataDir   string `yaml:"data_dir"`   // Platform data directory
	SkillsDir string `yaml:"skills_dir"` // SKILL.md directory (empty = <data_dir>/skills)

	// Security screening settings
	Security SecurityConfig `yaml:"security"`

	// Reversible redaction settings
	Redaction RedactionConfig `yaml:"redaction"`

	// Streaming buffer settings
	Buffering BufferingConfig `yaml:"buffering"`

	// Tool-call retry policy
	Retry RetryConfig `yaml:"retry"`

	// Parallel fan-out settings
	Parallel ParallelConfig `yaml:"parallel"`

	// Background memory extraction settings
	Memory MemoryConfig `yaml:"memory"`
}

// ProviderConfig holds configuration for a single backend
type ProviderConfig struct {
	Name    string `yaml:"name"`               // "anthropic", "openai", "gemini", "ollama"
	APIKey  string `yaml:"api_key,omitempty"`  // For API providers
	Model   string `yaml:"model,omitempty"`    // Model to use
	BaseURL string `yaml:"base_url,omitempty"` // For Ollama (default: http://localhost:11434)
}

// SecurityConfig holds screening toggles and policy knobs
type SecurityConfig struct {
	InjectionGuardEnabled bool `yaml:"injection_guard_enabled"`
	ThreatAnalysisEnabled bool `yaml:"threat_analysis_enabled"`
	AutoBlockCritical     bool `yaml:"auto_block_critical"`
	PromptOnHigh          bool `yaml:"prompt_on_high"`
	LogThreatsOnly        bool `yaml:"log_threats_only"`

	// EscalationRetention controls when per-conversation escalation
	// state is dropped: "session" (kept for the process lifetime) or
	// "conversation" (cleared when the conversation is deleted).
	// Escalation never decays while retained.
	EscalationRetention string `yaml:"escalation_retention"`
}

// RedactionPatternConfig is a user-defined redaction rule loaded at startup
type RedactionPatternConfig struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
	Enabled bool   `yaml:"enabled"`
}

// RedactionConfig holds redaction settings
type RedactionConfig struct {
	Enabled bool `yaml:"enabled"`
	// HistoryWindow is how many trailing history messages are redacted
	// alongside the outbound text on each send
	HistoryWindow int `yaml:"history_window"`
	// DisabledBuiltins lists built-in pattern names to turn off
	DisabledBuiltins []string `yaml:"disabled_builtins,omitempty"`
	// CustomPatterns are user-defined rules applied after the built-ins
	CustomPatterns []RedactionPatternConfig `yaml:"custom_patterns,omitempty"`
}

// BufferingConfig holds the adaptive flush thresholds
type BufferingConfig struct {
	WarmupMillis        int `yaml:"warmup_millis"`         // Throughput measurement warm-up (default: 500)
	DefaultFlushMillis  int `yaml:"default_flush_millis"`  // Interval before warm-up completes (default: 50)
	FastFlushMillis     int `yaml:"fast_flush_millis"`     // Interval under 20 chunks/s (default: 16)
	MediumFlushMillis   int `yaml:"medium_flush_millis"`   // Interval over 20 chunks/s (default: 50)
	SlowFlushMillis     int `yaml:"slow_flush_millis"`     // Interval over 50 chunks/s (default: 100)
	ImmediateFlushBytes int `yaml:"immediate_flush_bytes"` // Buffer size forcing a flush (default: 2048)
}

// RetryConfig holds the tool-call backoff policy
type RetryConfig struct {
	MaxAttempts     int `yaml:"max_attempts"`      // Attempt ceiling (default: 3)
	BaseDelayMillis int `yaml:"base_delay_millis"` // First backoff delay (default: 500)
	MaxDelaySeconds int `yaml:"max_delay_seconds"` // Backoff cap (default: 8)
}

// ParallelConfig holds fan-out mode settings
type ParallelConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Providers []string `yaml:"providers,omitempty"` // Backend names to fan out to
}

// MemoryConfig holds background extraction settings
type MemoryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider,omitempty"` // Backend for extraction (empty = cheapest configured)
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Providers: []ProviderConfig{},
		DataDir:   DefaultDataDir(),
		Security: SecurityConfig{
			InjectionGuardEnabled: true,
			ThreatAnalysisEnabled: true,
			AutoBlockCritical:     true,
			PromptOnHigh:          true,
			EscalationRetention:   "session",
		},
		Redaction: RedactionConfig{
			Enabled:       true,
			HistoryWindow: 12,
		},
		Buffering: BufferingConfig{
			WarmupMillis:        500,
			DefaultFlushMillis:  50,
			FastFlushMillis:     16,
			MediumFlushMillis:   50,
			SlowFlushMillis:     100,
			ImmediateFlushBytes: 2048,
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			BaseDelayMillis: 500,
			MaxDelaySeconds: 8,
		},
		Memory: MemoryConfig{
			Enabled: true,
		},
	}
}

// DefaultDataDir returns the platform-appropriate data directory.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".quill"
	}
	return filepath.Join(home, ".config", "quill")
}

// Load loads config from the data directory's config.yaml
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := filepath.Join(cfg.DataDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Config doesn't exist, use defaults
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.normalize()
	return cfg, nil
}

// LoadFrom loads config from a specific path
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.normalize()
	return cfg, nil
}

// Save saves the config to the data directory's config.yaml
func (c *Config) Save() error {
	if err := os.MkdirAll(c.DataDir, 0700); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	configPath := filepath.Join(c.DataDir, "config.yaml")
	return os.WriteFile(configPath, data, 0600)
}

// normalize expands paths and environment references after unmarshal
func (c *Config) normalize() {
	if strings.HasPrefix(c.DataDir, "~/") {
		home, _ := os.UserHomeDir()
		c.DataDir = filepath.Join(home, c.DataDir[2:])
	}
	for i := range c.Providers {
		c.Providers[i].APIKey = os.ExpandEnv(c.Providers[i].APIKey)
	}
}

// DBPath returns the path to the SQLite database
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "data", "quill.db")
}

// SkillsPath returns the directory watched for SKILL.md files
func (c *Config) SkillsPath() string {
	if c.SkillsDir != "" {
		return c.SkillsDir
	}
	return filepath.Join(c.DataDir, "skills")
}

// EnsureDataDir creates the data directory if it doesn't exist
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0700)
}

// GetProvider returns the provider config by name, or nil if not found
func (c *Config) GetProvider(name string) *ProviderConfig {
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i]
		}
	}
	return nil
}

// FirstValidProvider returns the first provider that appears configured
func (c *Config) FirstValidProvider() *ProviderConfig {
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Name == "ollama" {
			return p
		}
		if p.APIKey != "" {
			return p
		}
	}
	return nil
}
