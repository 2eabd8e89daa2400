package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/youruser/livegen/internal/genmode"
)

var (
	ErrNoConfig        = errors.New("config file not found")
	ErrInvalidJSON     = errors.New("invalid config JSON")
	ErrInvalidMode     = errors.New("default_mode must be \"html\", \"multi_file\", or \"vue_project\"")
	ErrInvalidInterval = errors.New("live_parse_interval_ms must not be negative")
	ErrInvalidPageSize = errors.New("history_page_size must be between 1 and 100")
	ErrInvalidTimeout  = errors.New("request_timeout_sec must be positive")
	ErrNoBaseURL       = errors.New("base_url must not be empty")
)

const (
	DefaultBaseURL           = "http://localhost:8123/api"
	DefaultLiveParseInterval = 200
	DefaultHistoryPageSize   = 10
	DefaultRequestTimeout    = 30
)

// Config holds the global livegen configuration.
type Config struct {
	BaseURL             string  `json:"base_url"`
	Cookie              string  `json:"cookie"`                 // Forwarded on every backend request (session login)
	DefaultMode         string  `json:"default_mode"`           // "html", "multi_file" or "vue_project"
	ModelKey            string  `json:"model_key"`              // Optional backend model selector
	PreviewDir          string  `json:"preview_dir"`            // Where preview documents are written (default: OS temp)
	LiveParseIntervalMs *int    `json:"live_parse_interval_ms"` // Throttle for advisory reconstruction while streaming (0 = every chunk)
	HistoryPageSize     *int    `json:"history_page_size"`      // Turns per history page (default: 10)
	RequestTimeoutSec   *int    `json:"request_timeout_sec"`    // Timeout for non-streaming backend calls (default: 30)
	ExportDir           *string `json:"export_dir"`             // Default directory for the export action
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads the config from ~/.config/livegen/config.json.
func Load() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	configPath := filepath.Join(homeDir, ".config", "livegen", "config.json")
	return LoadFrom(configPath)
}

// LoadFrom reads the config from a specific path.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoConfig
		}
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, ErrInvalidJSON
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.DefaultMode == "" {
		c.DefaultMode = genmode.MultiFile.String()
	}
	if c.LiveParseIntervalMs == nil {
		v := DefaultLiveParseInterval
		c.LiveParseIntervalMs = &v
	}
	if c.HistoryPageSize == nil {
		v := DefaultHistoryPageSize
		c.HistoryPageSize = &v
	}
	if c.RequestTimeoutSec == nil {
		v := DefaultRequestTimeout
		c.RequestTimeoutSec = &v
	}
	if c.ExportDir == nil {
		s := ""
		c.ExportDir = &s
	}
}

// Validate checks field ranges. Defaults must already be applied.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return ErrNoBaseURL
	}
	if _, err := genmode.Parse(c.DefaultMode); err != nil {
		return ErrInvalidMode
	}
	if *c.LiveParseIntervalMs < 0 {
		return ErrInvalidInterval
	}
	if *c.HistoryPageSize < 1 || *c.HistoryPageSize > 100 {
		return ErrInvalidPageSize
	}
	if *c.RequestTimeoutSec <= 0 {
		return ErrInvalidTimeout
	}
	return nil
}

// Mode returns the parsed default generation mode.
func (c *Config) Mode() genmode.Mode {
	m, err := genmode.Parse(c.DefaultMode)
	if err != nil {
		return genmode.MultiFile
	}
	return m
}

// LiveParseInterval returns the advisory reconstruction throttle.
func (c *Config) LiveParseInterval() time.Duration {
	return time.Duration(*c.LiveParseIntervalMs) * time.Millisecond
}

// RequestTimeout returns the timeout for non-streaming backend calls.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(*c.RequestTimeoutSec) * time.Second
}
