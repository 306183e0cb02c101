// Package config loads and persists the YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	General      GeneralConfig      `yaml:"general"`
	Backend      BackendConfig      `yaml:"backend"`
	Agents       []AgentConfig      `yaml:"agents,omitempty"`
	Conversation ConversationConfig `yaml:"conversation"`
	Memory       MemoryConfig       `yaml:"memory"`
	Web          WebConfig          `yaml:"web"`
}

type GeneralConfig struct {
	DataDir  string `yaml:"dataDir"`
	LogLevel string `yaml:"logLevel"` // debug | info | warn | error
	UserID   string `yaml:"userId,omitempty"`
}

// BackendConfig describes the assistant platform endpoint.
type BackendConfig struct {
	BaseURL              string `yaml:"baseUrl"`
	APIKey               string `yaml:"apiKey,omitempty"` // PRECINCT_API_KEY overrides
	StreamTimeoutMinutes int    `yaml:"streamTimeoutMinutes,omitempty"`
	RetryMaxAttempts     int    `yaml:"retryMaxAttempts,omitempty"`
	RetryBaseDelayMs     int    `yaml:"retryBaseDelayMs,omitempty"`
}

// AgentConfig declares one domain agent in the catalogue.
type AgentConfig struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Endpoint    string `yaml:"endpoint"`
	Model       string `yaml:"model,omitempty"`
	Provider    string `yaml:"provider,omitempty"`
}

// ConversationConfig bounds the in-memory message list.
type ConversationConfig struct {
	MaxMessages    int `yaml:"maxMessages,omitempty"`
	SweepThreshold int `yaml:"sweepThreshold,omitempty"`
	SweepTarget    int `yaml:"sweepTarget,omitempty"`
}

// MemoryConfig bounds the session persistence layer.
type MemoryConfig struct {
	DBPath         string `yaml:"dbPath,omitempty"`
	SnapshotLimit  int    `yaml:"snapshotLimit,omitempty"`
	MaxSessions    int    `yaml:"maxSessions,omitempty"`
	MaxSessionDays int    `yaml:"maxSessionDays,omitempty"`
	SizeBudgetKB   int    `yaml:"sizeBudgetKb,omitempty"`
}

// WebConfig configures the gateway HTTP surface.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// DefaultConfigDir returns ~/.precinct.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".precinct"
	}
	return filepath.Join(home, ".precinct")
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Defaults returns a working configuration pointing at localhost.
func Defaults() *Config {
	dir := DefaultConfigDir()
	return &Config{
		General: GeneralConfig{
			DataDir:  dir,
			LogLevel: "info",
		},
		Backend: BackendConfig{
			BaseURL:              "http://localhost:8881",
			StreamTimeoutMinutes: 30,
			RetryMaxAttempts:     3,
			RetryBaseDelayMs:     1000,
		},
		Conversation: ConversationConfig{
			MaxMessages: 100,
		},
		Memory: MemoryConfig{
			DBPath:         filepath.Join(dir, "sessions.db"),
			SnapshotLimit:  50,
			MaxSessions:    20,
			MaxSessionDays: 7,
			SizeBudgetKB:   512,
		},
		Web: WebConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8787,
		},
	}
}

// Load reads the config file and applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if key := os.Getenv("PRECINCT_API_KEY"); key != "" {
		cfg.Backend.APIKey = key
	}
	return cfg, nil
}

// Save writes the config file, creating its directory if needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
