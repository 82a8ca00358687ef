package deposit

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/stretchr/testify/require"

	"github.com/rollupnc/coordinator/account"
	"github.com/rollupnc/coordinator/primitive"
	"github.com/rollupnc/coordinator/tree"
)

func testDeposit(t *testing.T, seed int64, amount int64) Deposit {
	t.Helper()
	priv, err := primitive.GenerateKey(rand.New(rand.NewSource(seed)))
	require.NoError(t, err)
	return Deposit{PublicKey: primitive.PublicKeyOf(priv), Amount: big.NewInt(amount), TokenType: 1}
}

func leafOf(t *testing.T, d Deposit) fr.Element {
	t.Helper()
	l, err := d.Leaf()
	require.NoError(t, err)
	return l
}

func TestZeroKeyDepositIsEmptyLeaf(t *testing.T) {
	l, err := Deposit{PublicKey: primitive.ZeroKey, Amount: big.NewInt(0)}.Leaf()
	require.NoError(t, err)
	empty := account.EmptyLeaf()
	require.True(t, l.Equal(&empty))

	burned, err := Deposit{PublicKey: primitive.ZeroKey, Amount: big.NewInt(9), TokenType: 3}.Leaf()
	require.NoError(t, err)
	require.True(t, burned.Equal(&empty))

	_, err = Deposit{PublicKey: primitive.ZeroKey, Amount: big.NewInt(-1)}.Leaf()
	require.ErrorIs(t, err, primitive.ErrInvalidRange)
}

// Mirrors the first two merges of a fresh depth-4 ledger with a depth-2 deposit subtree.
func TestMergeSequence(t *testing.T) {
	empty := account.EmptyLeaf()
	main, err := tree.New(4, empty)
	require.NoError(t, err)
	z := main.ZeroCache()

	q, err := NewQueue(2, 4, empty)
	require.NoError(t, err)

	first := []Deposit{
		{PublicKey: primitive.ZeroKey, Amount: big.NewInt(0)},
		testDeposit(t, 1, 0),
		testDeposit(t, 2, 20),
		testDeposit(t, 3, 15),
	}
	for i, d := range first {
		full, err := q.Enqueue(d)
		require.NoError(t, err)
		require.Equal(t, i == len(first)-1, full)
	}
	_, err = q.Enqueue(testDeposit(t, 9, 1))
	require.ErrorIs(t, err, ErrQueueFull)

	req, err := q.PrepareMerge(main)
	require.NoError(t, err)
	require.Equal(t, uint64(0), req.Position)
	require.Equal(t, uint64(4), req.LeafCount)
	require.Equal(t, []uint8{0, 0}, req.PathBits)
	require.Len(t, req.Proof, 2)
	require.True(t, req.Proof[0].Equal(&z[2]))
	require.True(t, req.Proof[1].Equal(&z[3]))
	require.True(t, req.OldRoot.Equal(&z[4]))
	require.True(t, VerifyMerge(req, empty))

	main, err = Apply(main, req)
	require.NoError(t, err)
	root := main.Root()
	require.True(t, root.Equal(&req.NewRoot))
	firstSubtree := req.SubtreeRoot
	require.NoError(t, q.Reset())
	require.Equal(t, 0, q.Pending())

	// three deposits, padded on flush
	second := []Deposit{testDeposit(t, 4, 5), testDeposit(t, 5, 7), testDeposit(t, 6, 11)}
	for _, d := range second {
		full, err := q.Enqueue(d)
		require.NoError(t, err)
		require.False(t, full)
	}
	req, err = q.PrepareMerge(main)
	require.NoError(t, err)
	require.Equal(t, uint64(1), req.Position)
	require.Equal(t, []uint8{1, 0}, req.PathBits)
	require.True(t, req.Proof[0].Equal(&firstSubtree))
	require.True(t, req.Proof[1].Equal(&z[3]))
	require.Len(t, req.Leaves, 4)
	require.True(t, req.Leaves[3].Equal(&empty), "padding must be the empty leaf")
	require.True(t, VerifyMerge(req, empty))

	main, err = Apply(main, req)
	require.NoError(t, err)

	var all []fr.Element
	for _, d := range first {
		all = append(all, leafOf(t, d))
	}
	for _, d := range second {
		all = append(all, leafOf(t, d))
	}
	all = append(all, empty)
	want, err := tree.Restore(4, empty, all)
	require.NoError(t, err)
	got, wantRoot := main.Root(), want.Root()
	require.True(t, got.Equal(&wantRoot))
	require.Equal(t, uint64(8), main.NextIndex())
}

func TestVerifyMergeRejectsTampering(t *testing.T) {
	empty := account.EmptyLeaf()
	main, err := tree.New(4, empty)
	require.NoError(t, err)
	q, err := NewQueue(2, 4, empty)
	require.NoError(t, err)
	_, err = q.Enqueue(testDeposit(t, 1, 3))
	require.NoError(t, err)
	req, err := q.PrepareMerge(main)
	require.NoError(t, err)

	bad := *req
	bad.Leaves = append([]fr.Element(nil), req.Leaves...)
	bad.Leaves[1] = primitive.FromUint64(1)
	require.False(t, VerifyMerge(&bad, empty))

	bad = *req
	bad.Position = 1
	require.False(t, VerifyMerge(&bad, empty))

	bad = *req
	bad.NewRoot = primitive.FromUint64(5)
	require.False(t, VerifyMerge(&bad, empty))
	_, err = Apply(main, &bad)
	require.ErrorIs(t, err, tree.ErrStaleProof)
}

func TestPrepareMergeErrors(t *testing.T) {
	empty := account.EmptyLeaf()
	q, err := NewQueue(2, 4, empty)
	require.NoError(t, err)

	main, err := tree.New(4, empty)
	require.NoError(t, err)
	_, err = q.PrepareMerge(main)
	require.ErrorIs(t, err, ErrQueueEmpty)

	_, err = q.Enqueue(testDeposit(t, 1, 3))
	require.NoError(t, err)

	_, err = main.Insert(empty)
	require.NoError(t, err)
	_, err = q.PrepareMerge(main)
	require.ErrorIs(t, err, ErrMisaligned)

	full, err := tree.Restore(4, empty, make([]fr.Element, 16))
	require.NoError(t, err)
	_, err = q.PrepareMerge(full)
	require.ErrorIs(t, err, tree.ErrTreeFull)

	_, err = NewQueue(4, 4, empty)
	require.ErrorIs(t, err, tree.ErrDepthOutOfRange)
}

func TestRawDepositRoundTrip(t *testing.T) {
	d := testDeposit(t, 1, 42)
	back, err := FromRaw(d.ToRaw())
	require.NoError(t, err)
	a, b := leafOf(t, d), leafOf(t, back)
	require.True(t, a.Equal(&b))
}
