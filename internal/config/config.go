// Package config loads the YAML configuration file and applies defaults.
// Every knob has a working default so a bare config file (or none at all)
// still produces a usable setup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	// RepoRoot is the repository the agent operates on. Defaults to the
	// current directory.
	RepoRoot string `yaml:"repo_root"`

	Snapshot   SnapshotConfig   `yaml:"snapshot"`
	Context    ContextConfig    `yaml:"context"`
	Backend    BackendConfig    `yaml:"backend"`
	Loop       LoopConfig       `yaml:"loop"`
	Validation ValidationConfig `yaml:"validation"`
	Journal    JournalConfig    `yaml:"journal"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// SnapshotConfig controls which files the repository scan picks up.
type SnapshotConfig struct {
	IncludePatterns []string `yaml:"include_patterns"`
	ExcludePatterns []string `yaml:"exclude_patterns"`
}

// ContextConfig bounds what is sent to the backend.
type ContextConfig struct {
	BudgetBytes int `yaml:"budget_bytes"`
}

// BackendConfig selects and tunes the plan service client.
type BackendConfig struct {
	Provider string        `yaml:"provider"` // "http" or "gemini"
	APIKey   string        `yaml:"api_key"`
	BaseURL  string        `yaml:"base_url"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LoopConfig bounds the plan-apply-validate cycle.
type LoopConfig struct {
	MaxAttempts   int  `yaml:"max_attempts"`
	WatchExternal bool `yaml:"watch_external"`
}

// ValidationConfig names the command that judges an applied plan.
type ValidationConfig struct {
	Argv    []string      `yaml:"argv"`
	Tool    string        `yaml:"tool"` // hint for error parsing ("go", "python", ...)
	Timeout time.Duration `yaml:"timeout"`
}

// JournalConfig enables durable change-set history.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig tunes log output.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		RepoRoot: ".",
		Context:  ContextConfig{BudgetBytes: 256 * 1024},
		Backend: BackendConfig{
			Provider: "http",
			Timeout:  60 * time.Second,
		},
		Loop: LoopConfig{MaxAttempts: 3},
		Validation: ValidationConfig{
			Timeout: 5 * time.Minute,
		},
		Journal: JournalConfig{
			Path: filepath.Join(".patchsmith", "journal.db"),
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path and merges it over the defaults. A missing file is not
// an error; the defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults backfills fields an explicit file left zero.
func (c *Config) applyDefaults() {
	d := Default()
	if c.RepoRoot == "" {
		c.RepoRoot = d.RepoRoot
	}
	if c.Context.BudgetBytes <= 0 {
		c.Context.BudgetBytes = d.Context.BudgetBytes
	}
	if c.Backend.Provider == "" {
		c.Backend.Provider = d.Backend.Provider
	}
	if c.Backend.Timeout <= 0 {
		c.Backend.Timeout = d.Backend.Timeout
	}
	if c.Loop.MaxAttempts <= 0 {
		c.Loop.MaxAttempts = d.Loop.MaxAttempts
	}
	if c.Validation.Timeout <= 0 {
		c.Validation.Timeout = d.Validation.Timeout
	}
	if c.Journal.Path == "" {
		c.Journal.Path = d.Journal.Path
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
}

// Validate rejects configurations the run could not honor.
func (c *Config) Validate() error {
	info, err := os.Stat(c.RepoRoot)
	if err != nil {
		return fmt.Errorf("repo_root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("repo_root %s is not a directory", c.RepoRoot)
	}

	switch c.Backend.Provider {
	case "http", "gemini":
	default:
		return fmt.Errorf("backend.provider %q is not one of http, gemini", c.Backend.Provider)
	}
	if c.Backend.Provider == "http" && c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required for the http provider")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	if c.Loop.MaxAttempts < 1 {
		return fmt.Errorf("loop.max_attempts must be at least 1")
	}
	return nil
}
