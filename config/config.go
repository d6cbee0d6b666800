package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	SocketPath    string `toml:"SocketPath"`
	SocketNetwork string `toml:"SocketNetwork"`
	BridgeAddress string `toml:"BridgeAddress"`
	PolicyFile    string `toml:"PolicyFile"`
	LogFile       string `toml:"LogFile"`
	Environment   string `toml:"Environment"`

	ConnectTimeoutMillis   int `toml:"ConnectTimeoutMillis"`
	ReconnectTimeoutMillis int `toml:"ReconnectTimeoutMillis"`
	RequestTimeoutMillis   int `toml:"RequestTimeoutMillis"`
	WriteTimeoutMillis     int `toml:"WriteTimeoutMillis"`
	ProbeIntervalMillis    int `toml:"ProbeIntervalMillis"`

	MaxFrameBytes int `toml:"MaxFrameBytes"`
	MaxSessions   int `toml:"MaxSessions"`

	RateLimitPerSecond float64 `toml:"RateLimitPerSecond"`
	RateLimitBurst     int     `toml:"RateLimitBurst"`

	CompilerCommand string `toml:"CompilerCommand"`

	Telemetry Telemetry `toml:"telemetry"`
}

// Load loads the configuration from the given path, writing a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	applyFallbacks(cfg)
	return cfg, nil
}

func applyFallbacks(cfg *Config) {
	if strings.TrimSpace(cfg.SocketNetwork) == "" {
		cfg.SocketNetwork = "unix"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "local"
	}
	if cfg.ConnectTimeoutMillis <= 0 {
		cfg.ConnectTimeoutMillis = 500
	}
	if cfg.ReconnectTimeoutMillis <= 0 {
		cfg.ReconnectTimeoutMillis = 5000
	}
	if cfg.RequestTimeoutMillis <= 0 {
		cfg.RequestTimeoutMillis = 10000
	}
	if cfg.WriteTimeoutMillis <= 0 {
		cfg.WriteTimeoutMillis = 5000
	}
	if cfg.ProbeIntervalMillis <= 0 {
		cfg.ProbeIntervalMillis = 2000
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 1 << 20
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 64
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 100
	}
	if strings.TrimSpace(cfg.CompilerCommand) == "" {
		cfg.CompilerCommand = "solc"
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		SocketPath:         "./node.ipc",
		SocketNetwork:      "unix",
		BridgeAddress:      ":8546",
		PolicyFile:         "./policy.yaml",
		Environment:        "local",
		RateLimitPerSecond: 50,
	}
	applyFallbacks(cfg)

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMillis) * time.Millisecond
}

func (c *Config) ReconnectTimeout() time.Duration {
	return time.Duration(c.ReconnectTimeoutMillis) * time.Millisecond
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMillis) * time.Millisecond
}

func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMillis) * time.Millisecond
}

func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalMillis) * time.Millisecond
}
