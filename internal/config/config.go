package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration parsed from YAML.
//
// This is process-level configuration fixed at startup. Runtime behaviour
// (timeouts, filter tags, image generation method) lives in the settings
// store and is editable through the admin API.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Auth        AuthConfig        `yaml:"auth"`
	Database    DatabaseConfig    `yaml:"database"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Credentials CredentialsConfig `yaml:"credentials"`
}

// ServerConfig defines listener configuration.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// AuthConfig holds the bearer token clients must present.
type AuthConfig struct {
	Token string `yaml:"token"`
}

// DatabaseConfig locates the SQLite database file.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// UpstreamConfig describes the Grok web API endpoints.
type UpstreamConfig struct {
	BaseURL      string `yaml:"base_url"`
	AssetBaseURL string `yaml:"asset_base_url"`
	Proxy        string `yaml:"proxy"`
}

// CredentialsConfig locates the upstream credential file.
type CredentialsConfig struct {
	File string `yaml:"file"`
}

// Load reads YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "https://grok.com"
	}
	if c.Upstream.AssetBaseURL == "" {
		c.Upstream.AssetBaseURL = "https://assets.grok.com"
	}
	if c.Database.Path == "" {
		c.Database.Path = "grokgate.db"
	}
}

// Validate performs strict sanity checks on the configuration.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}
	if strings.TrimSpace(c.Auth.Token) == "" {
		return fmt.Errorf("auth.token must be provided")
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		return fmt.Errorf("database.path must be provided")
	}
	for name, raw := range map[string]string{
		"upstream.base_url":       c.Upstream.BaseURL,
		"upstream.asset_base_url": c.Upstream.AssetBaseURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() {
			return fmt.Errorf("%s must be an absolute URL, got %q", name, raw)
		}
	}
	if c.Upstream.Proxy != "" {
		if _, err := url.Parse(c.Upstream.Proxy); err != nil {
			return fmt.Errorf("upstream.proxy is not a valid URL: %w", err)
		}
	}
	return nil
}
