// Package config loads the server's YAML configuration. Values may
// reference environment variables with ${NAME}; references are expanded
// before parsing so API keys can stay out of the file itself.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/dotbot-sh/dotbot/internal/ratelimit"
	"github.com/dotbot-sh/dotbot/internal/server/llm"
)

// DefaultPath is where the server looks for its config when no --config
// flag is given.
const DefaultPath = "dotbot-server.yaml"

// Config is the server configuration tree.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Identity IdentityConfig `yaml:"identity"`
	LLM      LLMConfig      `yaml:"llm"`
	Limits   LimitsConfig   `yaml:"limits"`
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// ServerConfig covers the listener and the server's on-disk state.
type ServerConfig struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`
	// PublicURL is the externally reachable base URL, used to build
	// credential entry links handed to the user.
	PublicURL string `yaml:"public_url"`
	// DataDir holds the device registry database and the credential
	// master key.
	DataDir string `yaml:"data_dir"`
	// UserID names the server's owner. The server is single-tenant;
	// every authenticated device acts for this user.
	UserID string `yaml:"user_id"`
	// CookieSecret signs the credential entry session cookie. When
	// empty a random secret is generated per boot, which invalidates
	// any entry pages open across a restart.
	CookieSecret string `yaml:"cookie_secret"`
}

// IdentityConfig is the persona every conversational reply speaks as.
type IdentityConfig struct {
	Name         string   `yaml:"name"`
	Role         string   `yaml:"role"`
	Traits       []string `yaml:"traits"`
	Style        string   `yaml:"style"`
	Instructions string   `yaml:"instructions"`
}

// LLMConfig names the provider credentials and the role table. Roles
// bind intake, workhorse, and smart tiers to a provider and model.
type LLMConfig struct {
	Anthropic ProviderConfig `yaml:"anthropic"`
	OpenAI    ProviderConfig `yaml:"openai"`
	Roles     llm.Roles      `yaml:"roles"`
}

// ProviderConfig holds one provider's credentials.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// Configured reports whether the provider has an API key.
func (p ProviderConfig) Configured() bool { return p.APIKey != "" }

// LimitsConfig tunes the gateway's abuse cutoffs.
type LimitsConfig struct {
	// AuthFailLimit caps failed auth attempts per source IP in a
	// rolling 15-minute window.
	AuthFailLimit int `yaml:"auth_fail_limit"`
	// EnvelopeRate throttles inbound envelopes per authenticated
	// session.
	EnvelopeRate ratelimit.Config `yaml:"envelope_rate"`
}

// LoggingConfig selects log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig enables OTLP span export. Tracing is off while
// Endpoint is empty.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Load reads and parses the configuration at path. Environment
// references are expanded first; defaults are applied afterwards.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads path if it exists and falls back to the built-in
// defaults otherwise. Admin commands use this so the registry is
// reachable without a config file.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	cfg = &Config{}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate applies defaults and rejects impossible combinations.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8787"
	}
	if c.Server.PublicURL == "" {
		c.Server.PublicURL = "http://localhost:8787"
	}
	if c.Server.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory for data dir: %w", err)
		}
		c.Server.DataDir = filepath.Join(home, ".dotbot-server")
	}
	if c.Server.UserID == "" {
		c.Server.UserID = "owner"
	}
	if c.Identity.Name == "" {
		c.Identity.Name = "dotbot"
	}
	if c.Identity.Role == "" {
		c.Identity.Role = "personal assistant"
	}
	if c.Limits.AuthFailLimit <= 0 {
		c.Limits.AuthFailLimit = 10
	}
	if c.Limits.EnvelopeRate == (ratelimit.Config{}) {
		c.Limits.EnvelopeRate = ratelimit.DefaultConfig()
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Tracing.SamplingRate <= 0 || c.Tracing.SamplingRate > 1 {
		c.Tracing.SamplingRate = 1.0
	}

	if len(c.LLM.Roles) == 0 {
		c.LLM.Roles = defaultRoles()
	}
	for tier, binding := range c.LLM.Roles {
		switch binding.Provider {
		case "anthropic", "openai":
		case "":
			return fmt.Errorf("llm role %q: provider is required", tier)
		default:
			return fmt.Errorf("llm role %q: unknown provider %q", tier, binding.Provider)
		}
		if binding.Model == "" {
			return fmt.Errorf("llm role %q: model is required", tier)
		}
	}
	return nil
}

// DevicesPath is the device registry database file.
func (c *Config) DevicesPath() string {
	return filepath.Join(c.Server.DataDir, "devices.db")
}

// MasterKeyPath is the credential master key file.
func (c *Config) MasterKeyPath() string {
	return filepath.Join(c.Server.DataDir, "master.key")
}

func defaultRoles() llm.Roles {
	return llm.Roles{
		llm.RoleIntake:    {Provider: "anthropic", Model: "claude-3-5-haiku-20241022"},
		llm.RoleWorkhorse: {Provider: "anthropic", Model: "claude-sonnet-4-20250514"},
		llm.RoleSmart:     {Provider: "anthropic", Model: "claude-opus-4-20250514"},
	}
}
