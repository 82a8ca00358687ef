package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rollupnc/coordinator/account"
	"github.com/rollupnc/coordinator/batch"
	"github.com/rollupnc/coordinator/config"
	"github.com/rollupnc/coordinator/core"
	"github.com/rollupnc/coordinator/primitive"
	"github.com/rollupnc/coordinator/tree"
)

func TestZeroCacheCommand(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"zerocache", "--depth", "3"})
	require.NoError(t, rootCmd.Execute())

	zc, err := tree.ZeroCache(3, account.EmptyLeaf())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	for i, line := range lines {
		require.True(t, strings.HasSuffix(line, primitive.ElementString(zc[i])), line)
	}
}

func TestSimulateNative(t *testing.T) {
	out := t.TempDir()
	conf := config.Default()
	conf.Oracle = core.BackendNative
	require.NoError(t, simulate(context.Background(), conf, out, 1))

	cert, err := core.ReadDataFromFile[core.CertifiedBatch](filepath.Join(out, "batch.json"))
	require.NoError(t, err)
	require.Equal(t, core.BackendNative, cert.Backend)
	w, err := core.ReadDataFromFile[batch.Witness](filepath.Join(out, "witness.json"))
	require.NoError(t, err)
	require.NoError(t, w.Check())
	require.True(t, w.NextRoot.Equal(&cert.NextRoot))
	// native batches carry no verifying key
	_, err = os.Stat(filepath.Join(out, "vk.b64"))
	require.True(t, os.IsNotExist(err))
}

func TestSimulateRejectsSmallBatches(t *testing.T) {
	conf := config.Default()
	conf.Oracle = core.BackendNative
	conf.TxDepth = 3
	err := simulate(context.Background(), conf, t.TempDir(), 1)
	require.ErrorIs(t, err, batch.ErrBatchIncomplete)
}

func TestNewOracle(t *testing.T) {
	_, err := newOracle("plonk")
	require.Error(t, err)
	o, err := newOracle(core.BackendGroth16)
	require.NoError(t, err)
	require.IsType(t, &core.Groth16Oracle{}, o)
}

func TestVerifierNeedsTrustedKey(t *testing.T) {
	defer func() { verifyKeyPath, verifyTrustEmbedded = "", false }()
	cert := &core.CertifiedBatch{Backend: core.BackendGroth16, BalanceDepth: 4, TxDepth: 2}

	_, err := verifier(cert)
	require.Error(t, err)

	verifyTrustEmbedded = true
	o, err := verifier(cert)
	require.NoError(t, err)
	require.NotNil(t, o)

	verifyTrustEmbedded = false
	verifyKeyPath = filepath.Join(t.TempDir(), "vk.b64")
	require.NoError(t, os.WriteFile(verifyKeyPath, []byte("dummy\n"), 0o644))
	_, err = verifier(cert)
	require.ErrorIs(t, err, core.ErrOracleRejected)
}
