// Package config loads the layered application configuration: built-in
// defaults, then ~/.agentcore/config.yaml, then a workspace config.yaml,
// then AGENTCORE_* environment variables, each layer overriding the last.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	Log          LogConfig          `mapstructure:"log"`
	Store        StoreConfig        `mapstructure:"store"`
	Grounding    GroundingConfig    `mapstructure:"grounding"`
	OSAutomation OSAutomationConfig `mapstructure:"os_automation"`
	Agent        AgentConfig        `mapstructure:"agent"`
	Events       EventsConfig       `mapstructure:"events"`
	Policy       PolicyConfig       `mapstructure:"policy"`
}

// GatewayConfig is the HTTP/WebSocket listen address for the external
// transport adapter.
type GatewayConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // local | production
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level      string `mapstructure:"level"`  // debug | info | warn | error
	Format     string `mapstructure:"format"` // json | console
	OutputPath string `mapstructure:"output_path"`
}

// StoreConfig locates the session store root.
type StoreConfig struct {
	Root string `mapstructure:"root"`
}

// GroundingConfig configures the bounding-box detection calls.
type GroundingConfig struct {
	Model  string `mapstructure:"model"`
	APIKey string `mapstructure:"api_key"`
}

// OSAutomationConfig points at the remote `.computer` endpoint.
type OSAutomationConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ProviderConfig configures one LLM backend for the router.
type ProviderConfig struct {
	Name     string   `mapstructure:"name"`
	Type     string   `mapstructure:"type"` // gemini | anthropic | openai
	BaseURL  string   `mapstructure:"base_url"`
	APIKey   string   `mapstructure:"api_key"`
	Models   []string `mapstructure:"models"`
	Priority int      `mapstructure:"priority"`
}

// AgentConfig configures the planning loop.
type AgentConfig struct {
	DefaultModel string           `mapstructure:"default_model"`
	Temperature  float32          `mapstructure:"temperature"`
	Providers    []ProviderConfig `mapstructure:"providers"`

	// AutoAccept is the profile-level default accept-set seeded into every
	// new session; per-session accept_session choices extend it. Hot
	// reloadable via Watcher.
	AutoAccept []string `mapstructure:"auto_accept"`
}

// EventsConfig configures the process-wide event bus.
type EventsConfig struct {
	BufferSize int    `mapstructure:"buffer_size"`
	WALDir     string `mapstructure:"wal_dir"` // empty = in-memory only
}

// PolicyConfig locates the sqlite side-table for per-model policy
// overrides and grounding-model history.
type PolicyConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// Load reads the layered configuration.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")

	// Layer 1: user home config.
	homeConfig := filepath.Join(HomeDir(), "config.yaml")
	if _, err := os.Stat(homeConfig); err == nil {
		v.SetConfigFile(homeConfig)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", homeConfig, err)
		}
	}

	// Layer 2: workspace config, merged over the home layer.
	for _, candidate := range []string{
		filepath.Join("config", "config.yaml"),
		"config.yaml",
	} {
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		v.SetConfigFile(candidate)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("config: merge %s: %w", candidate, err)
		}
		break
	}

	// Layer 3: environment (AGENTCORE_AGENT_DEFAULT_MODEL, ...).
	v.SetEnvPrefix("AGENTCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	// An empty path set in a config file falls back to the home location.
	if cfg.Store.Root == "" {
		cfg.Store.Root = filepath.Join(HomeDir(), "sessions")
	}
	if cfg.Policy.DBPath == "" {
		cfg.Policy.DBPath = filepath.Join(HomeDir(), "policy.db")
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.host", "0.0.0.0")
	v.SetDefault("gateway.port", 18790)
	v.SetDefault("gateway.mode", "local")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.output_path", "stdout")

	v.SetDefault("store.root", filepath.Join(HomeDir(), "sessions"))

	v.SetDefault("grounding.model", "gemini-2.5-flash")

	v.SetDefault("os_automation.base_url", "http://127.0.0.1:9876")
	v.SetDefault("os_automation.timeout", "60s")

	v.SetDefault("agent.default_model", "gemini-2.5-pro")
	v.SetDefault("agent.temperature", 0.2)
	v.SetDefault("agent.auto_accept", []string{})

	v.SetDefault("events.buffer_size", 256)
	v.SetDefault("events.wal_dir", filepath.Join(HomeDir(), "events"))

	v.SetDefault("policy.db_path", filepath.Join(HomeDir(), "policy.db"))
}
