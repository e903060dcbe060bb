// Package config holds the operator-facing configuration surface:
// the goherd.json file, built-in defaults, and the provider secrets
// source consumed by the provider factory.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"

	"github.com/roelfdiedericks/goherd/internal/logging"
)

// StrategyWeights is one row of the scorer weight table. The four
// weights must sum to 1 within 1e-6 and contain no negatives; the
// scoring package validates on build.
type StrategyWeights struct {
	Task float64 `json:"task"`
	Perf float64 `json:"perf"`
	Acc  float64 `json:"acc"`
	Cost float64 `json:"cost"`
}

// SinkConfig selects a sink driver and its location.
type SinkConfig struct {
	Driver string `json:"driver"` // sqlite | jsonl | memory | none
	Path   string `json:"path,omitempty"`
}

// ProviderSecrets carries per-provider credentials and endpoints.
// Every field is optional; adapters reject what they cannot work
// without.
type ProviderSecrets struct {
	APIKey     string            `json:"apiKey,omitempty"`
	BaseURL    string            `json:"baseUrl,omitempty"`
	Endpoint   string            `json:"endpoint,omitempty"`
	Region     string            `json:"region,omitempty"`
	Deployment string            `json:"deployment,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level      string `json:"level"`
	ShowCaller bool   `json:"showCaller"`
}

// Config is the merged goherd configuration.
type Config struct {
	DefaultStrategy        string         `json:"defaultStrategy"`
	DefaultModel           string         `json:"defaultModel,omitempty"`
	PerProviderConcurrency map[string]int `json:"perProviderConcurrency,omitempty"`
	AttemptTimeoutMs       int            `json:"attemptTimeoutMs"`
	RequestTimeoutMs       int            `json:"requestTimeoutMs"`
	FallbackDepth          int            `json:"fallbackDepth"`
	HealthTtlMs            int            `json:"healthTtlMs"`
	DisabledFeatures       []string       `json:"disabledFeatures,omitempty"`
	ArbiterModel           string         `json:"arbiterModel,omitempty"`

	// RegistryPath points at a model manifest (.json/.yaml/.toml).
	// Empty means the embedded catalog.
	RegistryPath  string `json:"registryPath,omitempty"`
	WatchRegistry bool   `json:"watchRegistry,omitempty"`

	Strategies  map[string]StrategyWeights `json:"strategies,omitempty"`
	CostCeiling float64                    `json:"costCeiling,omitempty"`

	ClassifierModel     string  `json:"classifierModel,omitempty"`
	ClassifierThreshold float64 `json:"classifierThreshold"`

	// HealthSweepSchedule is a cron spec for background health
	// re-probes. Empty disables the sweep.
	HealthSweepSchedule string `json:"healthSweepSchedule,omitempty"`

	Usage       SinkConfig                 `json:"usage"`
	Checkpoints SinkConfig                 `json:"checkpoints"`
	Providers   map[string]ProviderSecrets `json:"providers,omitempty"`
	Logging     LogConfig                  `json:"logging"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		DefaultStrategy:     "balanced",
		AttemptTimeoutMs:    60000,
		RequestTimeoutMs:    300000,
		FallbackDepth:       3,
		HealthTtlMs:         60000,
		ClassifierThreshold: 0.8,
		Usage:               SinkConfig{Driver: "sqlite", Path: defaultStatePath("usage.db")},
		Checkpoints:         SinkConfig{Driver: "sqlite", Path: defaultStatePath("checkpoints.db")},
		Logging:             LogConfig{Level: "info"},
	}
}

func defaultStatePath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".goherd", name)
	}
	return filepath.Join(home, ".goherd", name)
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".goherd", "goherd.json")
	}
	return filepath.Join(home, ".goherd", "goherd.json")
}

// Load reads the config file at path (DefaultPath when empty) and
// fills unset fields from Defaults. A missing file is not an error;
// a malformed one is.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		logging.L_debug("config: loaded", "path", path)
	case os.IsNotExist(err):
		logging.L_debug("config: no file, using defaults", "path", path)
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := mergo.Merge(cfg, Defaults()); err != nil {
		return nil, fmt.Errorf("merge defaults: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.AttemptTimeoutMs < 0 || c.RequestTimeoutMs < 0 || c.HealthTtlMs < 0 {
		return fmt.Errorf("config: timeouts must be non-negative")
	}
	if c.FallbackDepth < 0 {
		return fmt.Errorf("config: fallbackDepth must be non-negative")
	}
	for name, n := range c.PerProviderConcurrency {
		if n <= 0 {
			return fmt.Errorf("config: perProviderConcurrency[%s] must be positive", name)
		}
	}
	if c.ClassifierThreshold < 0 || c.ClassifierThreshold > 1 {
		return fmt.Errorf("config: classifierThreshold must be in [0,1]")
	}
	return nil
}

// AttemptTimeout returns the per-attempt deadline.
func (c *Config) AttemptTimeout() time.Duration {
	return time.Duration(c.AttemptTimeoutMs) * time.Millisecond
}

// RequestTimeout returns the whole-request deadline.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// HealthTTL returns the health-check cache lifetime.
func (c *Config) HealthTTL() time.Duration {
	return time.Duration(c.HealthTtlMs) * time.Millisecond
}

// FeatureDisabled reports whether a component name appears in
// disabledFeatures.
func (c *Config) FeatureDisabled(name string) bool {
	for _, f := range c.DisabledFeatures {
		if f == name {
			return true
		}
	}
	return false
}
