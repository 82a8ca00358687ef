package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"

	"github.com/rollupnc/coordinator/batch"
	"github.com/rollupnc/coordinator/primitive"
)

// ErrOracleRejected is returned when a witness cannot be certified or a certificate does not verify.
var ErrOracleRejected = errors.New("oracle rejected batch")

const (
	BackendGroth16 = "groth16"
	BackendNative  = "native"
)

// Oracle certifies that a witness moves the balance root from PrevRoot to NextRoot.
// Prove may take long and must not be called with coordinator locks held.
type Oracle interface {
	Prove(ctx context.Context, w *batch.Witness) (*CertifiedBatch, error)
	Verify(ctx context.Context, cert *CertifiedBatch) error
}

// PartialProof contains the results of compiling and setting up a circuit.
type PartialProof struct {
	pk groth16.ProvingKey
	vk groth16.VerifyingKey
	cs constraint.ConstraintSystem
}

// shape identifies a compiled circuit.
type shape struct {
	balanceDepth int
	txDepth      int
}

// CertifiedBatch is an output of the oracle. It only carries public data and can be published.
type CertifiedBatch struct {
	Backend         string
	Proof           string
	VerificationKey string
	BalanceDepth    int
	TxDepth         int
	PrevRoot        fr.Element
	NextRoot        fr.Element
	TxRoot          fr.Element
}

// RawCertifiedBatch is a raw version of CertifiedBatch that is read from and written to files.
type RawCertifiedBatch struct {
	Backend         string `json:"backend"`
	Proof           string `json:"proof"`
	VerificationKey string `json:"verificationKey,omitempty"`
	BalanceDepth    int    `json:"balanceDepth"`
	TxDepth         int    `json:"txDepth"`
	PrevRoot        string `json:"prevRoot"`
	NextRoot        string `json:"nextRoot"`
	TxRoot          string `json:"txRoot"`
}

func ConvertCertifiedBatchToRaw(c CertifiedBatch) RawCertifiedBatch {
	return RawCertifiedBatch{
		Backend:         c.Backend,
		Proof:           c.Proof,
		VerificationKey: c.VerificationKey,
		BalanceDepth:    c.BalanceDepth,
		TxDepth:         c.TxDepth,
		PrevRoot:        primitive.ElementString(c.PrevRoot),
		NextRoot:        primitive.ElementString(c.NextRoot),
		TxRoot:          primitive.ElementString(c.TxRoot),
	}
}

func ConvertRawToCertifiedBatch(r RawCertifiedBatch) (CertifiedBatch, error) {
	c := CertifiedBatch{
		Backend:         r.Backend,
		Proof:           r.Proof,
		VerificationKey: r.VerificationKey,
		BalanceDepth:    r.BalanceDepth,
		TxDepth:         r.TxDepth,
	}
	var err error
	if c.PrevRoot, err = primitive.ParseElement(r.PrevRoot); err != nil {
		return c, fmt.Errorf("prevRoot: %w", err)
	}
	if c.NextRoot, err = primitive.ParseElement(r.NextRoot); err != nil {
		return c, fmt.Errorf("nextRoot: %w", err)
	}
	if c.TxRoot, err = primitive.ParseElement(r.TxRoot); err != nil {
		return c, fmt.Errorf("txRoot: %w", err)
	}
	return c, nil
}

func rejected(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrOracleRejected, fmt.Sprintf(format, args...))
}
