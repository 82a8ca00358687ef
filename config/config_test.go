package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, zerolog.InfoLevel, cfg.Level())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("balanceDepth: 6\noracle: native\nlogLevel: debug\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 6, cfg.BalanceDepth)
	require.Equal(t, 2, cfg.TxDepth)
	require.Equal(t, "native", cfg.Oracle)
	require.Equal(t, zerolog.DebugLevel, cfg.Level())
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	want := Default()
	want.DataDir = "/var/lib/rollupnc"
	want.MetricsAddr = ":9090"
	require.NoError(t, Save(path, want))
	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("balanceDepth: [\n"), 0o644))
	_, err = Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"balance depth too small", func(c *Config) { c.BalanceDepth = 1 }},
		{"balance depth too large", func(c *Config) { c.BalanceDepth = 33 }},
		{"tx depth too small", func(c *Config) { c.TxDepth = 0 }},
		{"subtree as deep as the tree", func(c *Config) { c.DepositSubDepth = 4 }},
		{"subtree too small", func(c *Config) { c.DepositSubDepth = 1 }},
		{"unknown oracle", func(c *Config) { c.Oracle = "plonk" }},
		{"unknown log level", func(c *Config) { c.LogLevel = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}
