package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rollupnc/coordinator/batch"
	"github.com/rollupnc/coordinator/core"
)

var (
	verifyWitness       string
	verifyKeyPath       string
	verifyTrustEmbedded bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify [path/to/batch.json]",
	Short: "Verifies a certified batch written by 'simulate'",
	Long: "Verifies the zk-SNARK proof of a certified batch against its three public roots (previous balance root,\n" +
		"next balance root and transaction root) using the verification key read from --vk (as written by 'simulate').\n" +
		"--trust-embedded-key uses the key embedded in the file instead, which only shows the proof matches that key.\n" +
		"With --witness the witness bundle is also re-executed natively:\n" +
		" 1) Every transfer's signature and merkle paths are checked.\n" +
		" 2) Replaying the transfers from the previous root ends at the next root.\n" +
		" 3) The witness roots are the ones the proof was verified for.\n" +
		"Only groth16 batches can be verified here, native attestations are only known to the process that issued them.",
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cert, err := core.ReadDataFromFile[core.CertifiedBatch](args[0])
		if err != nil {
			fmt.Println("Error reading certified batch:", err)
			return
		}
		if cert.Backend != core.BackendGroth16 {
			fmt.Printf("Cannot verify %q batches outside the coordinator that certified them\n", cert.Backend)
			return
		}
		oracle, err := verifier(&cert)
		if err != nil {
			fmt.Println("Error reading verification key:", err)
			return
		}
		if err := oracle.Verify(context.Background(), &cert); err != nil {
			fmt.Println("Verification failed:", err)
			return
		}
		if verifyWitness != "" {
			w, err := core.ReadDataFromFile[batch.Witness](verifyWitness)
			if err != nil {
				fmt.Println("Error reading witness:", err)
				return
			}
			if err := w.Check(); err != nil {
				fmt.Println("Witness verification failed:", err)
				return
			}
			if !w.PrevRoot.Equal(&cert.PrevRoot) || !w.NextRoot.Equal(&cert.NextRoot) || !w.TxRoot.Equal(&cert.TxRoot) {
				fmt.Println("Witness verification failed: roots differ from the certified batch")
				return
			}
		}
		println("Verification succeeded!")
	},
}

// verifier returns an oracle trusting the key given with --vk, or the key embedded in cert
// when --trust-embedded-key is set.
func verifier(cert *core.CertifiedBatch) (*core.Groth16Oracle, error) {
	if verifyKeyPath == "" {
		if !verifyTrustEmbedded {
			return nil, fmt.Errorf("one of --vk or --trust-embedded-key is required")
		}
		return core.NewGroth16Oracle(core.TrustEmbeddedKeys()), nil
	}
	b, err := os.ReadFile(verifyKeyPath)
	if err != nil {
		return nil, err
	}
	oracle := core.NewGroth16Oracle()
	if err := oracle.PinVerifyingKey(cert.BalanceDepth, cert.TxDepth, strings.TrimSpace(string(b))); err != nil {
		return nil, err
	}
	return oracle, nil
}

func init() {
	verifyCmd.Flags().StringVar(&verifyWitness, "witness", "", "path to the witness.json of the same batch")
	verifyCmd.Flags().StringVar(&verifyKeyPath, "vk", "", "path to the base64 verifying key trusted for the batch shape")
	verifyCmd.Flags().BoolVar(&verifyTrustEmbedded, "trust-embedded-key", false, "verify with the key embedded in the batch file")
	rootCmd.AddCommand(verifyCmd)
}
