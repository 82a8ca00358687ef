package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rollupnc/coordinator/account"
	"github.com/rollupnc/coordinator/primitive"
	"github.com/rollupnc/coordinator/tree"
)

var (
	zeroCacheDepth int
	zeroCacheLeaf  string
)

var zeroCacheCmd = &cobra.Command{
	Use:   "zerocache",
	Short: "Prints the root of an empty tree at every level",
	Long: "Prints zc[0..depth] where zc[0] is the empty leaf and zc[i] = H(zc[i-1], zc[i-1]).\n" +
		"The empty leaf defaults to the hash of an empty account.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		leaf := account.EmptyLeaf()
		if zeroCacheLeaf != "" {
			var err error
			if leaf, err = primitive.ParseElement(zeroCacheLeaf); err != nil {
				return fmt.Errorf("--zero: %w", err)
			}
		}
		zc, err := tree.ZeroCache(zeroCacheDepth, leaf)
		if err != nil {
			return err
		}
		for level, z := range zc {
			fmt.Fprintf(cmd.OutOrStdout(), "%2d %s\n", level, primitive.ElementString(z))
		}
		return nil
	},
}

func init() {
	zeroCacheCmd.Flags().IntVar(&zeroCacheDepth, "depth", 4, "tree depth")
	zeroCacheCmd.Flags().StringVar(&zeroCacheLeaf, "zero", "", "empty leaf value, decimal or 0x hex")
	rootCmd.AddCommand(zeroCacheCmd)
}
