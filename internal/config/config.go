package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the process-level settings. Values come from
// ~/.codex-manager/config.yaml when present, overridden by environment
// variables.
type Config struct {
	// Server
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Upstream
	UpstreamBaseURL string `yaml:"upstream_base_url"`
	OutboundProxy   string `yaml:"outbound_proxy"` // socks5://host:port or http://host:port

	// Timeouts
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RefreshTimeout time.Duration `yaml:"refresh_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`

	// Request handling
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	ReplayBytes    int64         `yaml:"replay_bytes"`
	CaptureBytes   int           `yaml:"capture_bytes"`
	InboundRPS     int           `yaml:"inbound_rps"`
	RefreshAdvance time.Duration `yaml:"refresh_advance"`

	// Logging
	LogLevel string `yaml:"log_level"`

	// Directories (overridable for tests)
	CodexDir   string `yaml:"codex_dir"`
	ManagerDir string `yaml:"manager_dir"`
}

// Load builds the config from defaults, the YAML file and the environment,
// in that order of precedence.
func Load() *Config {
	cfg := defaults()

	if data, err := os.ReadFile(filepath.Join(cfg.ManagerDir, "config.yaml")); err == nil {
		// A broken config file falls back to defaults for the bad fields.
		_ = yaml.Unmarshal(data, cfg)
	}

	cfg.Host = envOr("CODEX_RELAY_HOST", cfg.Host)
	cfg.Port = envInt("CODEX_RELAY_PORT", cfg.Port)
	cfg.UpstreamBaseURL = envOr("CODEX_RELAY_UPSTREAM_BASE_URL", cfg.UpstreamBaseURL)
	cfg.OutboundProxy = envOr("CODEX_RELAY_OUTBOUND_PROXY", cfg.OutboundProxy)
	cfg.LogLevel = envOr("CODEX_RELAY_LOG_LEVEL", cfg.LogLevel)
	cfg.MaxBodyBytes = envInt64("CODEX_RELAY_MAX_BODY_BYTES", cfg.MaxBodyBytes)
	cfg.InboundRPS = envInt("CODEX_RELAY_INBOUND_RPS", cfg.InboundRPS)

	return cfg
}

func defaults() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Host:            "127.0.0.1",
		Port:            8080,
		UpstreamBaseURL: "https://chatgpt.com/backend-api/codex",
		RequestTimeout:  10 * time.Minute,
		RefreshTimeout:  30 * time.Second,
		DrainTimeout:    5 * time.Second,
		MaxBodyBytes:    16 << 20,
		ReplayBytes:     1 << 20,
		CaptureBytes:    64 << 10,
		RefreshAdvance:  60 * time.Second,
		LogLevel:        "info",
		CodexDir:        filepath.Join(home, ".codex"),
		ManagerDir:      filepath.Join(home, ".codex-manager"),
	}
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.UpstreamBaseURL == "" {
		return fmt.Errorf("upstream_base_url must not be empty")
	}
	if c.ReplayBytes > c.MaxBodyBytes {
		c.ReplayBytes = c.MaxBodyBytes
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}
