package circuit

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/signature/eddsa"

	"github.com/rollupnc/coordinator/batch"
	"github.com/rollupnc/coordinator/primitive"
	"github.com/rollupnc/coordinator/tree"
)

func element(e fr.Element) *big.Int {
	return primitive.ToBigInt(e)
}

func assignPath(p tree.Proof, depth int) ([]frontend.Variable, []frontend.Variable, error) {
	if len(p.Siblings) != depth || len(p.PathBits) != depth {
		return nil, nil, fmt.Errorf("%w: path of length %d, want %d", tree.ErrMalformedProof, len(p.Siblings), depth)
	}
	siblings := make([]frontend.Variable, depth)
	bits := make([]frontend.Variable, depth)
	for i := 0; i < depth; i++ {
		siblings[i] = element(p.Siblings[i])
		bits[i] = int(p.PathBits[i])
	}
	return siblings, bits, nil
}

// Public returns the public part of the assignment for a batch with these roots.
func Public(prevRoot, nextRoot, txRoot fr.Element) *UpdateState {
	return &UpdateState{
		PrevRoot: element(prevRoot),
		NextRoot: element(nextRoot),
		TxRoot:   element(txRoot),
	}
}

// Assign converts a sealed batch witness into a full circuit assignment.
func Assign(w *batch.Witness) (*UpdateState, error) {
	if err := w.CheckShape(); err != nil {
		return nil, err
	}
	c := Public(w.PrevRoot, w.NextRoot, w.TxRoot)
	c.Transfers = make([]Transfer, len(w.Transfers))
	for i := range w.Transfers {
		tw := &w.Transfers[i]
		rec := tw.Transfer
		sig := rec.Signature()
		if sig == nil || tw.SenderBefore == nil || tw.ReceiverBefore == nil {
			return nil, errors.New("incomplete transfer witness")
		}
		tx := &c.Transfers[i]
		tx.SenderX = element(rec.Sender().X)
		tx.SenderY = element(rec.Sender().Y)
		tx.ReceiverX = element(rec.Receiver().X)
		tx.ReceiverY = element(rec.Receiver().Y)
		tx.Nonce = rec.Nonce()
		tx.Amount = rec.Amount()
		tx.TokenType = rec.TokenType()
		tx.Signature = eddsa.Signature{}
		tx.Signature.R.X = element(sig.R8.X)
		tx.Signature.R.Y = element(sig.R8.Y)
		tx.Signature.S = sig.S

		tx.SenderBalance = tw.SenderBefore.Balance()
		tx.SenderNonce = tw.SenderBefore.Nonce()
		tx.SenderTokenType = tw.SenderBefore.TokenType()
		var err error
		if tx.SenderSiblings, tx.SenderPathBits, err = assignPath(tw.SenderProof, w.BalanceDepth); err != nil {
			return nil, fmt.Errorf("transfer %d sender: %w", i, err)
		}

		tx.ReceiverBalance = tw.ReceiverBefore.Balance()
		tx.ReceiverNonce = tw.ReceiverBefore.Nonce()
		tx.ReceiverTokenType = tw.ReceiverBefore.TokenType()
		if tx.ReceiverSiblings, tx.ReceiverPathBits, err = assignPath(tw.ReceiverProof, w.BalanceDepth); err != nil {
			return nil, fmt.Errorf("transfer %d receiver: %w", i, err)
		}

		if tx.TxSiblings, tx.TxPathBits, err = assignPath(tw.TxProof, w.TxDepth); err != nil {
			return nil, fmt.Errorf("transfer %d tx: %w", i, err)
		}
	}
	return c, nil
}
