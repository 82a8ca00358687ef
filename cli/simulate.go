package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/rollupnc/coordinator/batch"
	"github.com/rollupnc/coordinator/config"
	"github.com/rollupnc/coordinator/coordinator"
	"github.com/rollupnc/coordinator/core"
	"github.com/rollupnc/coordinator/primitive"
	"github.com/rollupnc/coordinator/scenario"
	"github.com/rollupnc/coordinator/settlement"
	"github.com/rollupnc/coordinator/store"
)

var (
	simulateOut  string
	simulateSeed int64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Runs the scripted deposits, one batch and a withdrawal against an in-memory settlement ledger",
	Long: "Runs the coordinator end to end against the reference settlement ledger:\n" +
		" 1) Every actor deposits and the deposits are merged in subtrees.\n" +
		" 2) A batch of signed transfers is built, certified by the configured oracle and accepted.\n" +
		" 3) The withdrawal in the batch is claimed on the ledger.\n" +
		"The witness and the certified batch are written to <out>/witness.json and <out>/batch.json,\n" +
		"for groth16 the verifying key goes to <out>/vk.b64.\n" +
		"dataDir must be empty or unset, the ledger starts from an empty tree.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return simulate(cmd.Context(), cfg, simulateOut, simulateSeed)
	},
}

func newOracle(backend string) (core.Oracle, error) {
	switch backend {
	case core.BackendGroth16:
		return core.NewGroth16Oracle(), nil
	case core.BackendNative:
		return core.NewNativeOracle(), nil
	}
	return nil, fmt.Errorf("unknown oracle %q", backend)
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
}

func simulate(ctx context.Context, cfg config.Config, out string, seed int64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	oracle, err := newOracle(cfg.Oracle)
	if err != nil {
		return err
	}
	ledger, err := settlement.NewLedger(cfg.BalanceDepth, cfg.DepositSubDepth, oracle)
	if err != nil {
		return err
	}
	db, err := store.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := prometheus.NewRegistry()
	if cfg.MetricsAddr != "" {
		serveMetrics(cfg.MetricsAddr, reg)
	}
	c, err := coordinator.New(ctx, cfg, ledger, oracle,
		coordinator.WithLogger(log),
		coordinator.WithStore(db),
		coordinator.WithRegisterer(reg))
	if err != nil {
		return err
	}

	s, err := scenario.New(seed)
	if err != nil {
		return err
	}
	for _, d := range s.Deposits() {
		if _, err := ledger.RequestDeposit(d.PublicKey, d.Amount, d.TokenType); err != nil {
			return err
		}
	}
	if _, err := c.SyncDeposits(ctx); err != nil {
		return err
	}
	if c.Pending() > 0 {
		if err := c.FlushDeposits(ctx); err != nil {
			return err
		}
	}

	b, err := c.NewBatch()
	if err != nil {
		return err
	}
	txs, err := s.Transfers()
	if err != nil {
		return err
	}
	for i, rec := range txs {
		if err := b.Add(rec); err != nil {
			return fmt.Errorf("transfer %d (%s): %w", i, rec, err)
		}
	}
	if b.Len() != b.Capacity() {
		return fmt.Errorf("%w: scenario has %d transfers, batches hold %d (txDepth %d)", batch.ErrBatchIncomplete, b.Len(), b.Capacity(), cfg.TxDepth)
	}
	res, err := c.Certify(ctx, b)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(out, 0o755); err != nil {
		return err
	}
	if err := core.WriteDataToFile(filepath.Join(out, "witness.json"), *res.Witness); err != nil {
		return err
	}
	if err := core.WriteDataToFile(filepath.Join(out, "batch.json"), *res.Batch); err != nil {
		return err
	}
	if res.Batch.VerificationKey != "" {
		if err := os.WriteFile(filepath.Join(out, "vk.b64"), []byte(res.Batch.VerificationKey+"\n"), 0o644); err != nil {
			return err
		}
	}

	// alice names her own key's x coordinate as the settlement-side recipient
	recipient := s.PublicKey("alice").X
	claim, err := res.Witness.Claim(scenario.WithdrawalStep, recipient, s.Key("alice"))
	if err != nil {
		return err
	}
	released, err := ledger.Withdraw(ctx, claim)
	if err != nil {
		return err
	}
	log.Info().
		Str("recipient", primitive.ElementString(released.Recipient)).
		Str("amount", released.Amount.String()).
		Uint64("txIndex", released.TxIndex).
		Msg("withdrawal released")

	root := c.Root()
	fmt.Fprintf(os.Stdout, "Simulation succeeded! root %s, output in %s\n", primitive.ElementString(root), out)
	return nil
}

func init() {
	simulateCmd.Flags().StringVar(&simulateOut, "out", "out", "output directory for witness.json and batch.json")
	simulateCmd.Flags().Int64Var(&simulateSeed, "seed", 1, "seed for the actor keys")
	rootCmd.AddCommand(simulateCmd)
}
