package transfer

import (
	"errors"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/rollupnc/coordinator/primitive"
	"github.com/rollupnc/coordinator/tree"
)

// ErrNotWithdrawal is returned when a claim is built from a transfer to a live account.
var ErrNotWithdrawal = errors.New("transfer is not a withdrawal")

// WithdrawalMessage is H(nonce, recipient), the value the sender signs to name who
// receives the withdrawn funds on the settlement side.
func WithdrawalMessage(nonce uint64, recipient fr.Element) fr.Element {
	return primitive.Hash(primitive.FromUint64(nonce), recipient)
}

// SignWithdrawal signs the withdrawal message for this transfer.
func (r *Record) SignWithdrawal(priv *primitive.PrivateKey, recipient fr.Element) (*primitive.Signature, error) {
	if !r.IsWithdrawal() {
		return nil, ErrNotWithdrawal
	}
	sig, err := primitive.Sign(priv, WithdrawalMessage(r.nonce, recipient))
	if err != nil {
		return nil, fmt.Errorf("sign withdrawal: %w", err)
	}
	return sig, nil
}

// VerifyWithdrawal reports whether sig authorizes recipient to receive this withdrawal.
func (r *Record) VerifyWithdrawal(recipient fr.Element, sig *primitive.Signature) bool {
	return primitive.Verify(r.sender, WithdrawalMessage(r.nonce, recipient), sig)
}

// WithdrawalClaim is presented to the settlement authority to release a withdrawal
// included in an accepted batch.
type WithdrawalClaim struct {
	Transfer  *Record
	TxIndex   uint64
	TxProof   tree.Proof
	TxRoot    fr.Element
	Recipient fr.Element
	Signature *primitive.Signature
}

// Verify checks everything about the claim that does not depend on settlement state:
// the transfer burns funds, is signed, sits at TxIndex under TxRoot and the recipient is authorized.
func (c *WithdrawalClaim) Verify() error {
	if c.Transfer == nil {
		return errors.New("claim has no transfer")
	}
	if !c.Transfer.IsWithdrawal() {
		return ErrNotWithdrawal
	}
	if !c.Transfer.Verify() {
		return fmt.Errorf("withdrawn transfer: %w", ErrBadSignature)
	}
	if !tree.VerifyInclusion(c.Transfer.Commitment(), c.TxIndex, c.TxProof.Siblings, c.TxProof.PathBits, c.TxRoot) {
		return fmt.Errorf("transfer %d: %w", c.TxIndex, tree.ErrStaleProof)
	}
	if !c.Transfer.VerifyWithdrawal(c.Recipient, c.Signature) {
		return fmt.Errorf("withdrawal recipient: %w", ErrBadSignature)
	}
	return nil
}
