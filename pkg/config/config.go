// Package config loads the control plane's process-level configuration
// from a layered YAML file + environment variable overlay, in the
// teacher's config-loading style.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the top-level process configuration.
type Config struct {
	PolicyFiles []string          `yaml:"policyFiles"`
	Facilitator FacilitatorConfig `yaml:"facilitator"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	Recovery    RecoveryConfig    `yaml:"recovery"`
	Log         LogConfig         `yaml:"log"`
}

// FacilitatorConfig configures the x402-style Facilitator Adapter.
type FacilitatorConfig struct {
	Key              string         `yaml:"key"`
	DefaultCurrency  string         `yaml:"defaultCurrency"`
	CurrencyDecimals map[string]int `yaml:"currencyDecimals"`
}

// BreakerConfig configures a Circuit Breaker's defaults.
type BreakerConfig struct {
	FailureThreshold    int   `yaml:"failureThreshold"`
	RecoveryTimeoutMs   int64 `yaml:"recoveryTimeoutMs"`
	HalfOpenMaxRequests int   `yaml:"halfOpenMaxRequests"`
}

// RecoveryConfig configures the Recovery Engine's retry behavior.
type RecoveryConfig struct {
	MaxRetries    int     `yaml:"maxRetries"`
	RetryDelayMs  int64   `yaml:"retryDelayMs"`
	DrainRatePerS float64 `yaml:"drainRatePerSecond"`
	DrainBurst    int     `yaml:"drainBurst"`
}

// LogConfig configures the ambient logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns a Config populated with the control plane's
// conservative built-in defaults, used when no file is supplied.
func Default() Config {
	return Config{
		Facilitator: FacilitatorConfig{
			DefaultCurrency:  "USDC",
			CurrencyDecimals: map[string]int{"USDC": 6, "ETH": 18},
		},
		Breaker: BreakerConfig{
			FailureThreshold:    5,
			RecoveryTimeoutMs:   30_000,
			HalfOpenMaxRequests: 1,
		},
		Recovery: RecoveryConfig{
			MaxRetries:    3,
			RetryDelayMs:  1_000,
			DrainRatePerS: 5,
			DrainBurst:    10,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path (YAML) over Default(), then applies a small set of
// environment variable overrides, mirroring the teacher's
// file-then-env layering.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTPAY_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("AGENTPAY_FACILITATOR_KEY"); v != "" {
		cfg.Facilitator.Key = v
	}
	if v := os.Getenv("AGENTPAY_BREAKER_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Breaker.FailureThreshold = n
		}
	}
}
