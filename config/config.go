// Package config holds the coordinator settings read from YAML.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/rollupnc/coordinator/core"
	"github.com/rollupnc/coordinator/tree"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	BalanceDepth    int    `yaml:"balanceDepth"`
	TxDepth         int    `yaml:"txDepth"`
	DepositSubDepth int    `yaml:"depositSubDepth"`
	DataDir         string `yaml:"dataDir,omitempty"`
	LogLevel        string `yaml:"logLevel"`
	Oracle          string `yaml:"oracle"`
	MetricsAddr     string `yaml:"metricsAddr,omitempty"`
}

// Default matches the depths the circuit ships with: 16 accounts, batches of 4 transfers and
// deposits merged 4 at a time. An empty DataDir keeps state in memory.
func Default() Config {
	return Config{
		BalanceDepth:    4,
		TxDepth:         2,
		DepositSubDepth: 2,
		LogLevel:        "info",
		Oracle:          core.BackendGroth16,
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func Save(path string, cfg Config) error {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func (c Config) Validate() error {
	if c.BalanceDepth < tree.MinDepth || c.BalanceDepth > tree.MaxDepth {
		return fmt.Errorf("%w: balanceDepth %d outside [%d, %d]", ErrInvalidConfig, c.BalanceDepth, tree.MinDepth, tree.MaxDepth)
	}
	if c.TxDepth < tree.MinDepth || c.TxDepth > tree.MaxDepth {
		return fmt.Errorf("%w: txDepth %d outside [%d, %d]", ErrInvalidConfig, c.TxDepth, tree.MinDepth, tree.MaxDepth)
	}
	if c.DepositSubDepth < tree.MinDepth || c.DepositSubDepth >= c.BalanceDepth {
		return fmt.Errorf("%w: depositSubDepth %d must be in [%d, balanceDepth)", ErrInvalidConfig, c.DepositSubDepth, tree.MinDepth)
	}
	switch c.Oracle {
	case core.BackendGroth16, core.BackendNative:
	default:
		return fmt.Errorf("%w: oracle %q", ErrInvalidConfig, c.Oracle)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: logLevel: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Level is the parsed LogLevel. Validate must have passed.
func (c Config) Level() zerolog.Level {
	l, _ := zerolog.ParseLevel(c.LogLevel)
	return l
}
