package cli

import (
	"os"
	"time"

	"github.com/consensys/gnark/logger"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rollupnc/coordinator/config"
)

var (
	configPath string
	cfg        = config.Default()
	log        = zerolog.Nop()
)

var rootCmd = &cobra.Command{
	Use:   "rollupnc",
	Short: "Off-chain coordinator for a RollupNC style zk rollup",
	Long: "Maintains the account balance tree, merges deposits in subtrees, builds batches of signed transfers\n" +
		"and has them certified by a zk-SNARK oracle before settlement accepts the new root.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
		}
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			Level(cfg.Level()).
			With().Timestamp().Logger()
		logger.Set(log)
		return nil
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (defaults are used when empty)")
}
