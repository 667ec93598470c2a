// Package config handles configuration loading and hot reload for the
// focusgate daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the complete daemon configuration.
type Config struct {
	// ListenAddr is the HTTP API listen address.
	ListenAddr string `toml:"listen_addr"`

	// MCPAddr is the MCP SSE server listen address. Empty disables it.
	MCPAddr string `toml:"mcp_addr"`

	// DataDir holds the rule store and the ledger database.
	DataDir string `toml:"data_dir"`

	Oracle  OracleConfig  `toml:"oracle"`
	Policy  PolicyConfig  `toml:"policy"`
	Logging LoggingConfig `toml:"logging"`
}

// OracleConfig holds the LLM endpoint settings.
type OracleConfig struct {
	// APIKey is the credential; prefer APIKeyEnv so the key stays out of
	// the config file.
	APIKey string `toml:"api_key"`

	// APIKeyEnv names the environment variable to read the key from when
	// APIKey is empty.
	APIKeyEnv string `toml:"api_key_env"`

	// BaseURL overrides the API endpoint, e.g. for a local proxy.
	BaseURL string `toml:"base_url"`

	// TextModel handles classification and text-only negotiation turns.
	TextModel string `toml:"text_model"`

	// VisionModel handles turns that carry a proof photo.
	VisionModel string `toml:"vision_model"`

	MaxTokens int `toml:"max_tokens"`

	// ThinkingBudget enables extended reasoning when positive.
	ThinkingBudget int `toml:"thinking_budget"`

	TimeoutSec int `toml:"timeout_sec"`
}

// PolicyConfig holds the tunable policy-engine settings.
type PolicyConfig struct {
	// LedgerCap bounds the retained proof entries.
	LedgerCap int `toml:"ledger_cap"`

	// ClassificationPrompt extends the baseline classification policy
	// with the user's own directives.
	ClassificationPrompt string `toml:"classification_prompt"`

	// MaxImageDim bounds the longer edge of uploaded proof photos.
	MaxImageDim int `toml:"max_image_dim"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr: "127.0.0.1:7343",
		MCPAddr:    "127.0.0.1:7344",
		DataDir:    defaultDataDir(),
		Oracle: OracleConfig{
			APIKeyEnv:  "ANTHROPIC_API_KEY",
			TimeoutSec: 60,
		},
		Policy: PolicyConfig{
			LedgerCap:   20,
			MaxImageDim: 1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(defaultDataDir(), "config.toml")
}

// Load reads configuration from path, falling back to defaults when the
// file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("decode TOML: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies environment variable overrides.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("FOCUSGATE_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("FOCUSGATE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("FOCUSGATE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if c.Oracle.APIKey == "" && c.Oracle.APIKeyEnv != "" {
		c.Oracle.APIKey = os.Getenv(c.Oracle.APIKeyEnv)
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.Policy.LedgerCap < 0 {
		return fmt.Errorf("policy.ledger_cap must not be negative")
	}
	if c.Policy.MaxImageDim < 0 {
		return fmt.Errorf("policy.max_image_dim must not be negative")
	}
	if c.Oracle.TimeoutSec < 0 {
		return fmt.Errorf("oracle.timeout_sec must not be negative")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not a valid level", c.Logging.Level)
	}
	return nil
}

// OracleTimeout returns the request timeout as a duration.
func (c *Config) OracleTimeout() time.Duration {
	return time.Duration(c.Oracle.TimeoutSec) * time.Second
}

func defaultDataDir() string {
	if dir := os.Getenv("FOCUSGATE_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".focusgate"
	}
	return filepath.Join(home, ".focusgate")
}
