package scenario

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenesisMatchesIndices(t *testing.T) {
	s, err := New(1)
	require.NoError(t, err)
	balances, registry, err := s.Genesis(4)
	require.NoError(t, err)
	require.Equal(t, uint64(len(Names)+1), balances.NextIndex())

	burn, active := registry.Get(0)
	require.True(t, active)
	require.True(t, burn.PublicKey().IsZero())

	for _, name := range Names {
		idx, ok := registry.Lookup(s.PublicKey(name), TokenType)
		require.True(t, ok, name)
		require.Equal(t, s.Index(name), idx, name)
	}
}

func TestTransfersAreSigned(t *testing.T) {
	s, err := New(1)
	require.NoError(t, err)
	txs, err := s.Transfers()
	require.NoError(t, err)
	require.Len(t, txs, len(Steps))
	for _, rec := range txs {
		require.True(t, rec.Verify())
	}
	require.True(t, txs[WithdrawalStep].IsWithdrawal())
}

func TestSameSeedSameKeys(t *testing.T) {
	a, err := New(7)
	require.NoError(t, err)
	b, err := New(7)
	require.NoError(t, err)
	require.True(t, a.PublicKey("alice").Equal(b.PublicKey("alice")))
}
