package core

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"

	"github.com/rollupnc/coordinator/batch"
	"github.com/rollupnc/coordinator/circuit"
	"github.com/rollupnc/coordinator/primitive"
)

// Verify checks the proof against the three public roots with a verifying key this oracle
// trusts: the one it set up for the batch's shape, else one pinned for that shape. The key
// embedded in cert is only used with TrustEmbeddedKeys.
func (o *Groth16Oracle) Verify(ctx context.Context, cert *CertifiedBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cert.Backend != BackendGroth16 {
		return rejected("backend %q", cert.Backend)
	}
	vk, err := o.trustedKey(cert)
	if err != nil {
		return err
	}
	return verifyProof(cert, vk)
}

func (o *Groth16Oracle) trustedKey(cert *CertifiedBatch) (groth16.VerifyingKey, error) {
	if partial, ok := o.cached(cert.BalanceDepth, cert.TxDepth); ok {
		return partial.vk, nil
	}
	o.mu.Lock()
	vk, ok := o.pinned[shape{cert.BalanceDepth, cert.TxDepth}]
	trustEmbedded := o.trustEmbedded
	o.mu.Unlock()
	if ok {
		return vk, nil
	}
	if !trustEmbedded {
		return nil, rejected("no trusted verifying key for balance depth %d, transaction depth %d", cert.BalanceDepth, cert.TxDepth)
	}
	return decodeVerifyingKey(cert.VerificationKey)
}

func decodeVerifyingKey(encoded string) (groth16.VerifyingKey, error) {
	b, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, rejected("verification key encoding: %v", err)
	}
	vk := groth16.NewVerifyingKey(ecc.BN254)
	if _, err := vk.ReadFrom(bytes.NewBuffer(b)); err != nil {
		return nil, rejected("verification key: %v", err)
	}
	return vk, nil
}

func verifyProof(cert *CertifiedBatch, vk groth16.VerifyingKey) error {
	publicWitness, err := frontend.NewWitness(circuit.Public(cert.PrevRoot, cert.NextRoot, cert.TxRoot), ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return rejected("public witness: %v", err)
	}
	b, err := base64.StdEncoding.DecodeString(cert.Proof)
	if err != nil {
		return rejected("proof encoding: %v", err)
	}
	grothProof := groth16.NewProof(ecc.BN254)
	if _, err := grothProof.ReadFrom(bytes.NewBuffer(b)); err != nil {
		return rejected("proof: %v", err)
	}
	if err := groth16.Verify(grothProof, vk, publicWitness); err != nil {
		return rejected("%v", err)
	}
	return nil
}

// NativeOracle certifies a batch by re-executing its witness in Go. Its certificates carry no
// proof and only this instance can verify them, so it is meant for development and tests.
type NativeOracle struct {
	mu     sync.Mutex
	issued map[fr.Element]struct{}
}

func NewNativeOracle() *NativeOracle {
	return &NativeOracle{issued: make(map[fr.Element]struct{})}
}

func attestation(balanceDepth, txDepth int, prevRoot, nextRoot, txRoot fr.Element) fr.Element {
	return primitive.Hash(primitive.FromUint64(uint64(balanceDepth)), primitive.FromUint64(uint64(txDepth)), prevRoot, nextRoot, txRoot)
}

func (o *NativeOracle) Prove(ctx context.Context, w *batch.Witness) (*CertifiedBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := w.Check(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOracleRejected, err)
	}
	a := attestation(w.BalanceDepth, w.TxDepth, w.PrevRoot, w.NextRoot, w.TxRoot)
	o.mu.Lock()
	o.issued[a] = struct{}{}
	o.mu.Unlock()
	b := a.Bytes()
	return &CertifiedBatch{
		Backend:      BackendNative,
		Proof:        hex.EncodeToString(b[:]),
		BalanceDepth: w.BalanceDepth,
		TxDepth:      w.TxDepth,
		PrevRoot:     w.PrevRoot,
		NextRoot:     w.NextRoot,
		TxRoot:       w.TxRoot,
	}, nil
}

func (o *NativeOracle) Verify(ctx context.Context, cert *CertifiedBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cert.Backend != BackendNative {
		return rejected("backend %q", cert.Backend)
	}
	a := attestation(cert.BalanceDepth, cert.TxDepth, cert.PrevRoot, cert.NextRoot, cert.TxRoot)
	b := a.Bytes()
	if cert.Proof != hex.EncodeToString(b[:]) {
		return rejected("attestation does not match roots")
	}
	o.mu.Lock()
	_, ok := o.issued[a]
	o.mu.Unlock()
	if !ok {
		return rejected("attestation was not issued by this oracle")
	}
	return nil
}
