// Package core runs the verifier oracle: it compiles the update-state circuit, produces groth16
// proofs for sealed batches and verifies certified batches. A native oracle that re-executes the
// witness in Go is provided for development.
package core

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/backend/witness"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"

	"github.com/rollupnc/coordinator/batch"
	"github.com/rollupnc/coordinator/circuit"
	"github.com/rollupnc/coordinator/tree"
)

// maxInFlight bounds the proving goroutines a Groth16Oracle keeps, including the ones whose
// caller gave up.
const maxInFlight = 2

// Groth16Oracle proves batches with groth16 over BN254.
type Groth16Oracle struct {
	mu sync.Mutex
	// cachedProofs means that we do not need to recompile the same circuit repeatedly.
	cachedProofs map[shape]PartialProof
	// pinned holds verifying keys trusted for shapes this oracle did not set up.
	pinned        map[shape]groth16.VerifyingKey
	trustEmbedded bool
	inFlight      chan struct{}
}

// Groth16Option configures a Groth16Oracle.
type Groth16Option func(*Groth16Oracle)

// TrustEmbeddedKeys makes Verify fall back to the verifying key carried by the certificate.
// Such a check only shows the proof is consistent with its own key, so it must not be used
// where the key's origin is not known.
func TrustEmbeddedKeys() Groth16Option {
	return func(o *Groth16Oracle) { o.trustEmbedded = true }
}

// WithMaxInFlight bounds concurrent proofs to n.
func WithMaxInFlight(n int) Groth16Option {
	return func(o *Groth16Oracle) {
		if n > 0 {
			o.inFlight = make(chan struct{}, n)
		}
	}
}

func NewGroth16Oracle(opts ...Groth16Option) *Groth16Oracle {
	o := &Groth16Oracle{
		cachedProofs: make(map[shape]PartialProof),
		pinned:       make(map[shape]groth16.VerifyingKey),
		inFlight:     make(chan struct{}, maxInFlight),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// PinVerifyingKey trusts the base64 encoded verifying key for a shape. A key set up by this
// oracle for the same shape still takes precedence.
func (o *Groth16Oracle) PinVerifyingKey(balanceDepth, txDepth int, encoded string) error {
	vk, err := decodeVerifyingKey(encoded)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pinned[shape{balanceDepth, txDepth}] = vk
	return nil
}

// Setup compiles and sets up the circuit for a shape unless it is cached already.
func (o *Groth16Oracle) Setup(balanceDepth, txDepth int) (PartialProof, error) {
	for _, depth := range []int{balanceDepth, txDepth} {
		if depth < tree.MinDepth || depth > tree.MaxDepth {
			return PartialProof{}, fmt.Errorf("%w: %d not in [%d, %d]", tree.ErrDepthOutOfRange, depth, tree.MinDepth, tree.MaxDepth)
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	key := shape{balanceDepth, txDepth}
	if cached, ok := o.cachedProofs[key]; ok {
		return cached, nil
	}

	// compile, set up, and cache partial proof
	var err error
	cachedProof := PartialProof{}
	cachedProof.cs, err = frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, circuit.NewUpdateState(balanceDepth, txDepth))
	if err != nil {
		return PartialProof{}, fmt.Errorf("circuit failed to compile: %w", err)
	}
	cachedProof.pk, cachedProof.vk, err = groth16.Setup(cachedProof.cs)
	if err != nil {
		return PartialProof{}, fmt.Errorf("failed to setup circuit: %w", err)
	}
	o.cachedProofs[key] = cachedProof
	return cachedProof, nil
}

func (o *Groth16Oracle) cached(balanceDepth, txDepth int) (PartialProof, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.cachedProofs[shape{balanceDepth, txDepth}]
	return p, ok
}

// Prove creates a proof that the witness satisfies the update-state constraints. It returns
// ctx.Err() if ctx is done first; the proving goroutine is then left to finish on its own and
// keeps its in-flight slot until it does.
func (o *Groth16Oracle) Prove(ctx context.Context, w *batch.Witness) (*CertifiedBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := w.CheckShape(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOracleRejected, err)
	}
	partial, err := o.Setup(w.BalanceDepth, w.TxDepth)
	if err != nil {
		return nil, err
	}

	// create witness using the batch witness
	assignment, err := circuit.Assign(w)
	if err != nil {
		return nil, rejected("%v", err)
	}
	full, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, rejected("failed to create witness: %v", err)
	}

	type result struct {
		proof groth16.Proof
		err   error
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case o.inFlight <- struct{}{}:
	}
	done := make(chan result, 1)
	go func(full witness.Witness) {
		defer func() { <-o.inFlight }()
		proof, err := groth16.Prove(partial.cs, partial.pk, full)
		done <- result{proof, err}
	}(full)

	var res result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-done:
	}
	if res.err != nil {
		return nil, rejected("failed to prove witness satisfies constraints: %v", res.err)
	}

	// read proof and verification key bytes
	proofBytes := bytes.Buffer{}
	if _, err := res.proof.WriteTo(&proofBytes); err != nil {
		return nil, fmt.Errorf("failed to read proof bytes from proof: %w", err)
	}
	vkBytes := bytes.Buffer{}
	if _, err := partial.vk.WriteTo(&vkBytes); err != nil {
		return nil, fmt.Errorf("failed to read verification key bytes: %w", err)
	}

	return &CertifiedBatch{
		Backend:         BackendGroth16,
		Proof:           base64.StdEncoding.EncodeToString(proofBytes.Bytes()),
		VerificationKey: base64.StdEncoding.EncodeToString(vkBytes.Bytes()),
		BalanceDepth:    w.BalanceDepth,
		TxDepth:         w.TxDepth,
		PrevRoot:        w.PrevRoot,
		NextRoot:        w.NextRoot,
		TxRoot:          w.TxRoot,
	}, nil
}
