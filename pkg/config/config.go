// Package config loads deckhand configuration from YAML files with
// environment overrides.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Assistant AssistantConfig `yaml:"assistant"`
	Terminal  TerminalConfig  `yaml:"terminal"`
	Auth      AuthConfig      `yaml:"auth"`
	Limits    LimitsConfig    `yaml:"limits"`
	Storage   StorageConfig   `yaml:"storage"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	BindAddr       string   `yaml:"bind_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// AssistantConfig locates the external assistant CLI.
type AssistantConfig struct {
	Binary   string   `yaml:"binary"`
	BaseArgs []string `yaml:"base_args"`
}

// TerminalConfig controls shell command streaming and the interactive PTY.
type TerminalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Shell   string `yaml:"shell"`
}

// AuthConfig controls device pairing and token issuance.
type AuthConfig struct {
	RequireToken         bool   `yaml:"require_token"`
	SecretKey            string `yaml:"secret_key"`
	SecretKeyFile        string `yaml:"secret_key_file"`
	CodeTTLMinutes       int    `yaml:"code_ttl_minutes"`
	TokenTTLDays         int    `yaml:"token_ttl_days"`
	VerifyTimeoutSeconds int    `yaml:"verify_timeout_seconds"`
}

// LimitsConfig bounds client load. Mutating endpoints (streams, pairing,
// PTY) and read-only endpoints (listings, git status) count against
// separate windows.
type LimitsConfig struct {
	RequestsPerMinute     int   `yaml:"requests_per_minute"`
	ReadRequestsPerMinute int   `yaml:"read_requests_per_minute"`
	MaxConcurrentStreams  int   `yaml:"max_concurrent_streams"`
	MaxBodyBytes          int64 `yaml:"max_body_bytes"`
}

// StorageConfig locates the device database.
type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddr:       "127.0.0.1:7433",
			AllowedOrigins: []string{"http://localhost:5173", "http://127.0.0.1:5173"},
		},
		Assistant: AssistantConfig{
			Binary:   "claude",
			BaseArgs: []string{"--verbose"},
		},
		Terminal: TerminalConfig{
			Enabled: true,
		},
		Auth: AuthConfig{
			RequireToken:         true,
			CodeTTLMinutes:       10,
			TokenTTLDays:         30,
			VerifyTimeoutSeconds: 120,
		},
		Limits: LimitsConfig{
			RequestsPerMinute:     60,
			ReadRequestsPerMinute: 240,
			MaxConcurrentStreams:  8,
			MaxBodyBytes:          1 << 20,
		},
		Storage: StorageConfig{},
	}
}

// Load reads defaults, then the user config (~/.deckhand/config.yaml), then
// the project config (./.deckhand/config.yaml), then env overrides.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userConfigPath := filepath.Join(home, ".deckhand", "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading user config: %w", err)
		}
	}

	projectConfigPath := filepath.Join(".", ".deckhand", "config.yaml")
	if err := loadAndMerge(cfg, projectConfigPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadFromPath reads defaults plus one explicit config file.
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := loadAndMerge(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DECKHAND_BIND_ADDR"); v != "" {
		cfg.Server.BindAddr = v
	}
	if v := os.Getenv("DECKHAND_ASSISTANT_BINARY"); v != "" {
		cfg.Assistant.Binary = v
	}
	if v := os.Getenv("DECKHAND_SECRET_KEY"); v != "" {
		cfg.Auth.SecretKey = v
	}
	if v := os.Getenv("DECKHAND_DB_PATH"); v != "" {
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("DECKHAND_REQUIRE_TOKEN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Auth.RequireToken = b
		}
	}
	if v := os.Getenv("DECKHAND_REQUESTS_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Limits.RequestsPerMinute = n
		}
	}
	if v := os.Getenv("DECKHAND_READ_REQUESTS_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Limits.ReadRequestsPerMinute = n
		}
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.BindAddr) == "" {
		return fmt.Errorf("server.bind_addr cannot be empty")
	}
	if _, _, err := net.SplitHostPort(c.Server.BindAddr); err != nil {
		return fmt.Errorf("server.bind_addr %q: %w", c.Server.BindAddr, err)
	}
	if strings.TrimSpace(c.Assistant.Binary) == "" {
		return fmt.Errorf("assistant.binary cannot be empty")
	}
	if c.Auth.CodeTTLMinutes <= 0 {
		return fmt.Errorf("auth.code_ttl_minutes must be positive, got %d", c.Auth.CodeTTLMinutes)
	}
	if c.Auth.TokenTTLDays <= 0 {
		return fmt.Errorf("auth.token_ttl_days must be positive, got %d", c.Auth.TokenTTLDays)
	}
	if c.Auth.VerifyTimeoutSeconds <= 0 {
		return fmt.Errorf("auth.verify_timeout_seconds must be positive, got %d", c.Auth.VerifyTimeoutSeconds)
	}
	if c.Limits.RequestsPerMinute < 0 {
		return fmt.Errorf("limits.requests_per_minute cannot be negative")
	}
	if c.Limits.ReadRequestsPerMinute < 0 {
		return fmt.Errorf("limits.read_requests_per_minute cannot be negative")
	}
	if c.Limits.MaxConcurrentStreams < 0 {
		return fmt.Errorf("limits.max_concurrent_streams cannot be negative")
	}
	if c.Limits.MaxBodyBytes <= 0 {
		return fmt.Errorf("limits.max_body_bytes must be positive, got %d", c.Limits.MaxBodyBytes)
	}
	return nil
}

// CodeTTL returns the pairing code lifetime as a duration.
func (c *Config) CodeTTL() time.Duration {
	return time.Duration(c.Auth.CodeTTLMinutes) * time.Minute
}

// TokenTTL returns the issued token lifetime as a duration.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Auth.TokenTTLDays) * 24 * time.Hour
}

// VerifyTimeout returns how long a verify call may block.
func (c *Config) VerifyTimeout() time.Duration {
	return time.Duration(c.Auth.VerifyTimeoutSeconds) * time.Second
}

// ResolveSecretKey returns the signing secret, reading the secret file when
// one is configured. An empty result means the caller must generate one.
func (c *Config) ResolveSecretKey() (string, error) {
	if c.Auth.SecretKey != "" {
		return c.Auth.SecretKey, nil
	}
	if c.Auth.SecretKeyFile != "" {
		data, err := os.ReadFile(c.Auth.SecretKeyFile)
		if err != nil {
			return "", fmt.Errorf("reading auth.secret_key_file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return "", nil
}

// ResolveDBPath returns the configured database path, defaulting to
// ~/.deckhand/devices.db.
func (c *Config) ResolveDBPath() string {
	if strings.TrimSpace(c.Storage.DBPath) != "" {
		return c.Storage.DBPath
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "deckhand", "devices.db")
	}
	return filepath.Join(home, ".deckhand", "devices.db")
}
