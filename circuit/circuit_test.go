package circuit

import (
	"math/big"
	"testing"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/test"
	"github.com/stretchr/testify/require"

	"github.com/rollupnc/coordinator/batch"
	"github.com/rollupnc/coordinator/scenario"
)

const (
	balanceDepth = 4
	txDepth      = 2
)

var baseCircuit = NewUpdateState(balanceDepth, txDepth)

func sealedWitness(t *testing.T) *batch.Witness {
	t.Helper()
	s, err := scenario.New(1)
	require.NoError(t, err)
	balances, registry, err := s.Genesis(balanceDepth)
	require.NoError(t, err)
	b, err := batch.NewBuilder(balances, registry, txDepth)
	require.NoError(t, err)
	txs, err := s.Transfers()
	require.NoError(t, err)
	for _, rec := range txs {
		require.NoError(t, b.Add(rec))
	}
	w, err := b.Seal()
	require.NoError(t, err)
	return w
}

func assignment(t *testing.T, w *batch.Witness) *UpdateState {
	t.Helper()
	c, err := Assign(w)
	require.NoError(t, err)
	return c
}

func TestCircuitWorks(t *testing.T) {
	assert := test.NewAssert(t)
	c := assignment(t, sealedWitness(t))
	assert.ProverSucceeded(baseCircuit, c, test.WithCurves(ecc.BN254), test.WithBackends(backend.GROTH16))
}

func TestCircuitDoesNotAcceptInvalidNextRoot(t *testing.T) {
	c := assignment(t, sealedWitness(t))
	c.NextRoot = 123
	require.Error(t, test.IsSolved(baseCircuit, c, ecc.BN254.ScalarField()))
}

func TestCircuitDoesNotAcceptInvalidTxRoot(t *testing.T) {
	c := assignment(t, sealedWitness(t))
	c.TxRoot = 123
	require.Error(t, test.IsSolved(baseCircuit, c, ecc.BN254.ScalarField()))
}

func TestCircuitDoesNotAcceptTamperedSignature(t *testing.T) {
	c := assignment(t, sealedWitness(t))
	s := c.Transfers[1].Signature.S.(*big.Int)
	c.Transfers[1].Signature.S = new(big.Int).Add(s, big.NewInt(1))
	require.Error(t, test.IsSolved(baseCircuit, c, ecc.BN254.ScalarField()))
}

func TestCircuitDoesNotAcceptTamperedSibling(t *testing.T) {
	c := assignment(t, sealedWitness(t))
	sib := c.Transfers[2].SenderSiblings[1].(*big.Int)
	c.Transfers[2].SenderSiblings[1] = new(big.Int).Add(sib, big.NewInt(1))
	require.Error(t, test.IsSolved(baseCircuit, c, ecc.BN254.ScalarField()))
}

func TestCircuitDoesNotAcceptInflatedBalance(t *testing.T) {
	c := assignment(t, sealedWitness(t))
	// claiming more than the committed balance breaks the sender inclusion
	c.Transfers[0].SenderBalance = big.NewInt(1000)
	require.Error(t, test.IsSolved(baseCircuit, c, ecc.BN254.ScalarField()))
}

func TestCircuitDoesNotAcceptReorderedTransfers(t *testing.T) {
	c := assignment(t, sealedWitness(t))
	c.Transfers[0], c.Transfers[1] = c.Transfers[1], c.Transfers[0]
	require.Error(t, test.IsSolved(baseCircuit, c, ecc.BN254.ScalarField()))
}

func TestAssignRejectsWrongShape(t *testing.T) {
	w := sealedWitness(t)
	w.Transfers = w.Transfers[:2]
	_, err := Assign(w)
	require.Error(t, err)

	w = sealedWitness(t)
	w.BalanceDepth = balanceDepth + 1
	_, err = Assign(w)
	require.Error(t, err)

	w = sealedWitness(t)
	w.TxDepth = -1
	_, err = Assign(w)
	require.ErrorIs(t, err, batch.ErrInvalidWitness)
}

func TestPublicOnlyWitness(t *testing.T) {
	w := sealedWitness(t)
	pub := Public(w.PrevRoot, w.NextRoot, w.TxRoot)
	witness, err := frontend.NewWitness(pub, ecc.BN254.ScalarField(), frontend.PublicOnly())
	require.NoError(t, err)
	require.NotNil(t, witness)
}
