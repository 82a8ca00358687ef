package core

import (
	"bytes"
	"context"
	"encoding/base64"
	"math/big"
	"testing"
	"time"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/consensys/gnark/test"

	"github.com/rollupnc/coordinator/batch"
	"github.com/rollupnc/coordinator/primitive"
	"github.com/rollupnc/coordinator/scenario"
	"github.com/rollupnc/coordinator/tree"
)

func sealedWitness(assert *test.Assert) *batch.Witness {
	s, err := scenario.New(1)
	assert.NoError(err)
	balances, registry, err := s.Genesis(4)
	assert.NoError(err)
	b, err := batch.NewBuilder(balances, registry, 2)
	assert.NoError(err)
	txs, err := s.Transfers()
	assert.NoError(err)
	for _, rec := range txs {
		assert.NoError(b.Add(rec))
	}
	w, err := b.Seal()
	assert.NoError(err)
	return w
}

func TestGroth16RoundTrip(t *testing.T) {
	assert := test.NewAssert(t)
	ctx := context.Background()
	w := sealedWitness(assert)

	oracle := NewGroth16Oracle()
	cert, err := oracle.Prove(ctx, w)
	assert.NoError(err)
	assert.Equal(BackendGroth16, cert.Backend)
	assert.True(cert.NextRoot.Equal(&w.NextRoot))
	assert.NoError(oracle.Verify(ctx, cert))

	// a fresh oracle has no key it trusts for this shape
	assert.ErrorIs(NewGroth16Oracle().Verify(ctx, cert), ErrOracleRejected)
	assert.NoError(NewGroth16Oracle(TrustEmbeddedKeys()).Verify(ctx, cert))
	pinned := NewGroth16Oracle()
	assert.NoError(pinned.PinVerifyingKey(cert.BalanceDepth, cert.TxDepth, cert.VerificationKey))
	assert.NoError(pinned.Verify(ctx, cert))
	assert.ErrorIs(pinned.PinVerifyingKey(4, 2, "dummy"), ErrOracleRejected)

	// the proof does not hold for any other roots
	one := primitive.FromUint64(1)
	forged := *cert
	forged.NextRoot.Add(&forged.NextRoot, &one)
	assert.ErrorIs(oracle.Verify(ctx, &forged), ErrOracleRejected)

	forged = *cert
	forged.Proof = "dummy"
	assert.ErrorIs(oracle.Verify(ctx, &forged), ErrOracleRejected)

	// the cached setup is reused for the same shape
	again, err := oracle.Setup(4, 2)
	assert.NoError(err)
	partial, ok := oracle.cached(4, 2)
	assert.True(ok)
	assert.Equal(partial.vk, again.vk)
}

// forgedCircuit has the public inputs of the update circuit and constrains nothing about them.
type forgedCircuit struct {
	PrevRoot frontend.Variable `gnark:",public"`
	NextRoot frontend.Variable `gnark:",public"`
	TxRoot   frontend.Variable `gnark:",public"`
	X        frontend.Variable
}

func (c *forgedCircuit) Define(api frontend.API) error {
	api.AssertIsEqual(api.Mul(c.X, c.X), c.X)
	return nil
}

// forgeBatch proves arbitrary roots with a key of its own and embeds that key.
func forgeBatch(assert *test.Assert, prevRoot, nextRoot fr.Element) *CertifiedBatch {
	cs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &forgedCircuit{})
	assert.NoError(err)
	pk, vk, err := groth16.Setup(cs)
	assert.NoError(err)
	assignment := &forgedCircuit{
		PrevRoot: prevRoot.BigInt(new(big.Int)),
		NextRoot: nextRoot.BigInt(new(big.Int)),
		TxRoot:   0,
		X:        1,
	}
	full, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	assert.NoError(err)
	proof, err := groth16.Prove(cs, pk, full)
	assert.NoError(err)

	var proofBytes, vkBytes bytes.Buffer
	_, err = proof.WriteTo(&proofBytes)
	assert.NoError(err)
	_, err = vk.WriteTo(&vkBytes)
	assert.NoError(err)
	return &CertifiedBatch{
		Backend:         BackendGroth16,
		Proof:           base64.StdEncoding.EncodeToString(proofBytes.Bytes()),
		VerificationKey: base64.StdEncoding.EncodeToString(vkBytes.Bytes()),
		BalanceDepth:    4,
		TxDepth:         2,
		PrevRoot:        prevRoot,
		NextRoot:        nextRoot,
	}
}

func TestGroth16IgnoresEmbeddedKey(t *testing.T) {
	assert := test.NewAssert(t)
	ctx := context.Background()
	w := sealedWitness(assert)
	cert := forgeBatch(assert, w.PrevRoot, primitive.FromUint64(1337))

	// the forged proof is sound against its own key only
	assert.NoError(NewGroth16Oracle(TrustEmbeddedKeys()).Verify(ctx, cert))
	assert.ErrorIs(NewGroth16Oracle().Verify(ctx, cert), ErrOracleRejected)

	oracle := NewGroth16Oracle()
	_, err := oracle.Setup(4, 2)
	assert.NoError(err)
	assert.ErrorIs(oracle.Verify(ctx, cert), ErrOracleRejected)

	genuine, err := oracle.Prove(ctx, w)
	assert.NoError(err)
	pinned := NewGroth16Oracle()
	assert.NoError(pinned.PinVerifyingKey(4, 2, genuine.VerificationKey))
	assert.ErrorIs(pinned.Verify(ctx, cert), ErrOracleRejected)
}

func TestGroth16RejectsInvalidWitness(t *testing.T) {
	assert := test.NewAssert(t)
	w := sealedWitness(assert).Clone()
	sig := w.Transfers[2].Transfer.Signature()
	sig.S.Add(sig.S, big.NewInt(1))
	w.Transfers[2].Transfer.AttachSignature(sig)

	_, err := NewGroth16Oracle().Prove(context.Background(), w)
	assert.ErrorIs(err, ErrOracleRejected)
}

func TestNativeOracle(t *testing.T) {
	assert := test.NewAssert(t)
	ctx := context.Background()
	w := sealedWitness(assert)

	oracle := NewNativeOracle()
	cert, err := oracle.Prove(ctx, w)
	assert.NoError(err)
	assert.NoError(oracle.Verify(ctx, cert))

	// certificates are only good with the oracle that issued them
	assert.ErrorIs(NewNativeOracle().Verify(ctx, cert), ErrOracleRejected)

	one := primitive.FromUint64(1)
	forged := *cert
	forged.PrevRoot.Add(&forged.PrevRoot, &one)
	assert.ErrorIs(oracle.Verify(ctx, &forged), ErrOracleRejected)

	bad := w.Clone()
	bad.NextRoot.Add(&bad.NextRoot, &one)
	_, err = oracle.Prove(ctx, bad)
	assert.ErrorIs(err, ErrOracleRejected)
	assert.ErrorIs(err, batch.ErrInvalidWitness)
}

func TestGroth16RejectsBadShape(t *testing.T) {
	assert := test.NewAssert(t)
	w := sealedWitness(assert).Clone()
	w.TxDepth = -1
	_, err := NewGroth16Oracle().Prove(context.Background(), w)
	assert.ErrorIs(err, batch.ErrInvalidWitness)

	_, err = NewGroth16Oracle().Setup(4, 40)
	assert.ErrorIs(err, tree.ErrDepthOutOfRange)
}

func TestProveWaitsForSlot(t *testing.T) {
	assert := test.NewAssert(t)
	w := sealedWitness(assert)
	oracle := NewGroth16Oracle(WithMaxInFlight(1))
	_, err := oracle.Setup(w.BalanceDepth, w.TxDepth)
	assert.NoError(err)

	// a proof abandoned by its caller still holds the only slot
	oracle.inFlight <- struct{}{}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = oracle.Prove(ctx, w)
	assert.ErrorIs(err, context.DeadlineExceeded)

	<-oracle.inFlight
	cert, err := oracle.Prove(context.Background(), w)
	assert.NoError(err)
	assert.NoError(oracle.Verify(context.Background(), cert))
}

func TestProveHonoursCancellation(t *testing.T) {
	assert := test.NewAssert(t)
	w := sealedWitness(assert)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewGroth16Oracle().Prove(ctx, w)
	assert.ErrorIs(err, context.Canceled)
	_, err = NewNativeOracle().Prove(ctx, w)
	assert.ErrorIs(err, context.Canceled)
}
