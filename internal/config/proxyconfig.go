package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ProxyConfig is the user-mutable proxy behavior: inbound API key,
// request logging toggle and log retention. Persisted as JSON at
// ~/.codex-manager/proxy_config.json so it survives restarts.
type ProxyConfig struct {
	APIKey        string `json:"api_key,omitempty"`
	EnableLogging bool   `json:"enable_logging"`
	MaxLogs       int    `json:"max_logs"`
}

func DefaultProxyConfig() ProxyConfig {
	return ProxyConfig{
		EnableLogging: true,
		MaxLogs:       1000,
	}
}

// ProxyConfigStore guards the mutable proxy config and mirrors every update
// to disk.
type ProxyConfigStore struct {
	mu   sync.RWMutex
	cfg  ProxyConfig
	path string
}

func NewProxyConfigStore(managerDir string) *ProxyConfigStore {
	s := &ProxyConfigStore{
		path: filepath.Join(managerDir, "proxy_config.json"),
		cfg:  DefaultProxyConfig(),
	}
	if data, err := os.ReadFile(s.path); err == nil {
		var cfg ProxyConfig
		if json.Unmarshal(data, &cfg) == nil {
			if cfg.MaxLogs <= 0 {
				cfg.MaxLogs = DefaultProxyConfig().MaxLogs
			}
			s.cfg = cfg
		}
	}
	return s
}

// Get returns a snapshot of the current proxy config.
func (s *ProxyConfigStore) Get() ProxyConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Update applies the non-nil fields and persists the result.
func (s *ProxyConfigStore) Update(apiKey *string, enableLogging *bool, maxLogs *int) (ProxyConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if apiKey != nil {
		s.cfg.APIKey = strings.TrimSpace(*apiKey)
	}
	if enableLogging != nil {
		s.cfg.EnableLogging = *enableLogging
	}
	if maxLogs != nil {
		if *maxLogs < 1 {
			s.cfg.MaxLogs = 1
		} else {
			s.cfg.MaxLogs = *maxLogs
		}
	}
	return s.cfg, s.saveLocked()
}

func (s *ProxyConfigStore) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}
