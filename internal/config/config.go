// Package config holds process-wide configuration for the migration
// orchestration core.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ProjectType selects the dependency-manifest path, container base image,
// and install/run/test commands used throughout the workflow.
type ProjectType string

const (
	ProjectNode   ProjectType = "NODE"
	ProjectPython ProjectType = "PYTHON"
)

// Config holds all recognized process-wide configuration keys (spec §6).
type Config struct {
	// WorkflowPersistRoot is the filesystem root under which per-migration
	// state, events, logs and reports are written (internal/store).
	WorkflowPersistRoot string `json:"workflow_persist_root"`

	// WorkflowConcurrency bounds the number of workflows running at once;
	// workflows queued beyond the bound wait (spec §5).
	WorkflowConcurrency int `json:"workflow_concurrency"`

	// ContainerCleanup, when false, tears down validation containers with
	// policy KEEP instead of REMOVE, for debugging (spec §3 invariant 6).
	ContainerCleanup bool `json:"container_cleanup"`

	// ContainerPortNode / ContainerPortPython are the default host ports
	// exposed for each project type's validation container.
	ContainerPortNode   int `json:"container_port_node"`
	ContainerPortPython int `json:"container_port_python"`

	// InstallTimeout / TestTimeout bound the install and test stages of
	// validation (spec §5). ReasonerTimeout is loaded and defaulted but
	// not applied: reasoner calls run without a per-call timeout.
	ReasonerTimeout time.Duration `json:"reasoner_timeout"`
	InstallTimeout  time.Duration `json:"install_timeout"`
	TestTimeout     time.Duration `json:"test_timeout"`

	// ReasonerMaxRetries bounds the ReasonerClient's backoff budget.
	ReasonerMaxRetries int `json:"reasoner_max_retries"`

	// HTTPAddr is the address the MigrationService's HTTP/WebSocket
	// façade listens on.
	HTTPAddr string `json:"http_addr"`

	// DefaultMaxRetries is used when StartMigration's request omits
	// max_retries.
	DefaultMaxRetries int `json:"default_max_retries"`

	// LogLevel controls the zap logger's level.
	LogLevel string `json:"log_level"`

	// DataDir holds ambient state (config file, credential material) when
	// no explicit path is given.
	DataDir string `json:"data_dir"`

	// ReasonerAPIKey authenticates the default Reasoner provider. Never
	// logged; Redact() always masks it.
	ReasonerAPIKey string `json:"reasoner_api_key,omitempty"`

	// RepoAuthToken is an optional repository credential. Redact() masks
	// it; no RepoGateway reads it (a migration's git credential comes from
	// its StartMigration request).
	RepoAuthToken string `json:"repo_auth_token,omitempty"`

	mu sync.RWMutex
}

// DefaultConfig returns a configuration with sensible defaults, matching the
// constants named in spec §6.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		WorkflowPersistRoot: filepath.Join(homeDir, ".depupgrade", "migrations"),
		WorkflowConcurrency: 4,
		ContainerCleanup:    true,
		ContainerPortNode:   3000,
		ContainerPortPython: 5000,
		ReasonerTimeout:     30 * time.Second,
		InstallTimeout:      5 * time.Minute,
		TestTimeout:         1 * time.Minute,
		ReasonerMaxRetries:  3,
		HTTPAddr:            ":8080",
		DefaultMaxRetries:   3,
		LogLevel:            "info",
		DataDir:             filepath.Join(homeDir, ".depupgrade"),
	}
}

// LoadConfig loads configuration from a file or returns default config.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, ".depupgrade", "config.json")
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Save writes the configuration atomically (temp file, then rename).
func (c *Config) Save(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if path == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, ".depupgrade", "config.json")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename config file: %w", err)
	}

	return nil
}

// Redact returns a logging-safe copy of the config.
func (c *Config) Redact() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	redactedKey := ""
	if c.ReasonerAPIKey != "" {
		redactedKey = "***REDACTED***"
	}
	redactedToken := ""
	if c.RepoAuthToken != "" {
		redactedToken = "***REDACTED***"
	}

	return map[string]interface{}{
		"workflow_persist_root": c.WorkflowPersistRoot,
		"workflow_concurrency":  c.WorkflowConcurrency,
		"container_cleanup":     c.ContainerCleanup,
		"container_port_node":   c.ContainerPortNode,
		"container_port_python": c.ContainerPortPython,
		"reasoner_timeout":      c.ReasonerTimeout,
		"install_timeout":       c.InstallTimeout,
		"test_timeout":          c.TestTimeout,
		"reasoner_max_retries":  c.ReasonerMaxRetries,
		"http_addr":             c.HTTPAddr,
		"default_max_retries":   c.DefaultMaxRetries,
		"log_level":             c.LogLevel,
		"reasoner_api_key":      redactedKey,
		"repo_auth_token":       redactedToken,
	}
}

// ContainerPort returns the default host port for a project type.
func (c *Config) ContainerPort(pt ProjectType) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if pt == ProjectPython {
		return c.ContainerPortPython
	}
	return c.ContainerPortNode
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.WorkflowPersistRoot == "" {
		cfg.WorkflowPersistRoot = defaults.WorkflowPersistRoot
	}
	if cfg.WorkflowConcurrency == 0 {
		cfg.WorkflowConcurrency = defaults.WorkflowConcurrency
	}
	if cfg.ContainerPortNode == 0 {
		cfg.ContainerPortNode = defaults.ContainerPortNode
	}
	if cfg.ContainerPortPython == 0 {
		cfg.ContainerPortPython = defaults.ContainerPortPython
	}
	if cfg.ReasonerTimeout == 0 {
		cfg.ReasonerTimeout = defaults.ReasonerTimeout
	}
	if cfg.InstallTimeout == 0 {
		cfg.InstallTimeout = defaults.InstallTimeout
	}
	if cfg.TestTimeout == 0 {
		cfg.TestTimeout = defaults.TestTimeout
	}
	if cfg.ReasonerMaxRetries == 0 {
		cfg.ReasonerMaxRetries = defaults.ReasonerMaxRetries
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = defaults.HTTPAddr
	}
	if cfg.DefaultMaxRetries == 0 {
		cfg.DefaultMaxRetries = defaults.DefaultMaxRetries
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaults.DataDir
	}
}
