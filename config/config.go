// Package config loads settings for the example client and backend.
//
// Files are YAML, or TOML when the path ends in .toml. Environment variables
// in the form ${VAR_NAME} are expanded before parsing, and duration strings
// such as "30s" are parsed into time.Duration values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
)

// Provider kinds.
const (
	ProviderSoftware    = "software"
	ProviderUnsupported = "unsupported"
)

// Config represents the complete configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server" toml:"server"`
	Store   StoreConfig   `yaml:"store" toml:"store"`
	Device  DeviceConfig  `yaml:"device" toml:"device"`
	Backend BackendConfig `yaml:"backend" toml:"backend"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`
}

// ServerConfig locates the authentication endpoints, as seen by the client.
type ServerConfig struct {
	BaseURL       string `yaml:"base_url" toml:"base_url"`
	ChallengePath string `yaml:"challenge_path" toml:"challenge_path"`
	VerifyPath    string `yaml:"verify_path" toml:"verify_path"`
	TokenPath     string `yaml:"token_path" toml:"token_path"`

	RequestTimeout    time.Duration `yaml:"-" toml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout" toml:"request_timeout"`
}

// StoreConfig selects where the client keeps its credentials.
type StoreConfig struct {
	Backend string `yaml:"backend" toml:"backend"`
	Path    string `yaml:"path" toml:"path"`
	Secret  string `yaml:"secret" toml:"secret"`
}

// DeviceConfig holds client device settings.
type DeviceConfig struct {
	Provider       string `yaml:"provider" toml:"provider"`
	RetainOnLogout bool   `yaml:"retain_on_logout" toml:"retain_on_logout"`
}

// BackendConfig holds reference backend settings.
type BackendConfig struct {
	ListenAddr      string `yaml:"listen_addr" toml:"listen_addr"`
	JWTSecret       string `yaml:"jwt_secret" toml:"jwt_secret"`
	AllowUnattested bool   `yaml:"allow_unattested" toml:"allow_unattested"`

	TokenTTL            time.Duration `yaml:"-" toml:"-"`
	ChallengeTimeout    time.Duration `yaml:"-" toml:"-"`
	TokenTTLRaw         string        `yaml:"token_ttl" toml:"token_ttl"`
	ChallengeTimeoutRaw string        `yaml:"challenge_timeout" toml:"challenge_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed
// Config with defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(expandEnvVars(string(data)), strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes an already expanded configuration document.
func Parse(data string, isTOML bool) (*Config, error) {
	var cfg Config
	if isTOML {
		if _, err := toml.Decode(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with the environment variable's value,
// or the empty string when it is unset.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(re.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = 30 * time.Second
	}
	if c.Store.Backend == "" {
		c.Store.Backend = StoreMemory
	}
	if c.Device.Provider == "" {
		c.Device.Provider = ProviderSoftware
	}
	if c.Backend.ListenAddr == "" {
		c.Backend.ListenAddr = ":8080"
	}
	if c.Backend.TokenTTL == 0 {
		c.Backend.TokenTTL = time.Hour
	}
	if c.Backend.ChallengeTimeout == 0 {
		c.Backend.ChallengeTimeout = 5 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks settings shared by every role.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreMemory:
	case StoreFile:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the file backend")
		}
		if len(c.Store.Secret) < 16 {
			return fmt.Errorf("store.secret must be at least 16 bytes for the file backend")
		}
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", StoreMemory, StoreFile, c.Store.Backend)
	}

	switch c.Device.Provider {
	case ProviderSoftware, ProviderUnsupported:
	default:
		return fmt.Errorf("device.provider must be %q or %q, got %q", ProviderSoftware, ProviderUnsupported, c.Device.Provider)
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// ValidateClient checks the settings the client needs.
func (c *Config) ValidateClient() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	return nil
}

// ValidateBackend checks the settings the reference backend needs.
func (c *Config) ValidateBackend() error {
	if len(c.Backend.JWTSecret) < 32 {
		return fmt.Errorf("backend.jwt_secret must be at least 32 bytes")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.request_timeout", cfg.Server.RequestTimeoutRaw, &cfg.Server.RequestTimeout},
		{"backend.token_ttl", cfg.Backend.TokenTTLRaw, &cfg.Backend.TokenTTL},
		{"backend.challenge_timeout", cfg.Backend.ChallengeTimeoutRaw, &cfg.Backend.ChallengeTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}
