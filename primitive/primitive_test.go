package primitive

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T, seed int64) *PrivateKey {
	t.Helper()
	priv, err := GenerateKey(rand.New(rand.NewSource(seed)))
	require.NoError(t, err)
	return priv
}

func TestHashIsDeterministicAndOrderSensitive(t *testing.T) {
	a, b := FromUint64(1), FromUint64(2)
	h1 := Hash(a, b)
	h2 := Hash(a, b)
	require.True(t, h1.Equal(&h2))

	swapped := Hash(b, a)
	require.False(t, h1.Equal(&swapped))

	longer := Hash(a, b, FromUint64(0))
	require.False(t, h1.Equal(&longer))
}

func TestFromBigIntRange(t *testing.T) {
	tests := []struct {
		name  string
		value *big.Int
		ok    bool
	}{
		{"zero", big.NewInt(0), true},
		{"small", big.NewInt(42), true},
		{"p minus one", new(big.Int).Sub(fr.Modulus(), big.NewInt(1)), true},
		{"p", fr.Modulus(), false},
		{"negative", big.NewInt(-1), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := FromBigInt(tt.value)
			if !tt.ok {
				require.ErrorIs(t, err, ErrInvalidRange)
				return
			}
			require.NoError(t, err)
			require.Equal(t, 0, ToBigInt(e).Cmp(tt.value))
		})
	}
}

func TestParseElement(t *testing.T) {
	e, err := ParseElement("12345")
	require.NoError(t, err)
	require.Equal(t, "12345", ElementString(e))

	_, err = ParseElement("not-a-number")
	require.ErrorIs(t, err, ErrInvalidRange)

	_, err = ParseElement(fr.Modulus().String())
	require.ErrorIs(t, err, ErrInvalidRange)
}

func TestSignVerify(t *testing.T) {
	alice := newKey(t, 1)
	bob := newKey(t, 2)
	msg := Hash(FromUint64(7), FromUint64(8))

	sig, err := Sign(alice, msg)
	require.NoError(t, err)
	require.True(t, Verify(PublicKeyOf(alice), msg, sig))

	// wrong key
	require.False(t, Verify(PublicKeyOf(bob), msg, sig))

	// wrong message
	require.False(t, Verify(PublicKeyOf(alice), FromUint64(9), sig))

	// tampered scalar
	tampered := sig.Clone()
	tampered.S.Add(tampered.S, big.NewInt(1))
	require.False(t, Verify(PublicKeyOf(alice), msg, tampered))

	// zero key never verifies
	require.False(t, Verify(ZeroKey, msg, sig))

	require.False(t, Verify(PublicKeyOf(alice), msg, nil))
}

func TestPointHelpers(t *testing.T) {
	require.True(t, ZeroKey.IsZero())
	pk := PublicKeyOf(newKey(t, 3))
	require.False(t, pk.IsZero())
	require.True(t, pk.Equal(pk))
	require.False(t, pk.Equal(ZeroKey))
}
