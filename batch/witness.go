package batch

import (
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"golang.org/x/sync/errgroup"

	"github.com/rollupnc/coordinator/account"
	"github.com/rollupnc/coordinator/primitive"
	"github.com/rollupnc/coordinator/transfer"
	"github.com/rollupnc/coordinator/tree"
)

// Witness is the sealed batch: the three public roots and the private per-transfer data.
type Witness struct {
	BalanceDepth int
	TxDepth      int
	PrevRoot     fr.Element
	NextRoot     fr.Element
	TxRoot       fr.Element
	Transfers    []TransferWitness
}

// Clone returns a deep copy of w.
func (w *Witness) Clone() *Witness {
	c := *w
	c.Transfers = make([]TransferWitness, len(w.Transfers))
	for i := range w.Transfers {
		c.Transfers[i] = w.Transfers[i].clone()
	}
	return &c
}

func invalid(i int, format string, args ...any) error {
	return fmt.Errorf("%w: transfer %d: %s", ErrInvalidWitness, i, fmt.Sprintf(format, args...))
}

func checkPath(p tree.Proof, depth int) bool {
	return len(p.Siblings) == depth && len(p.PathBits) == depth
}

// CheckShape reports whether both depths are in range and every transfer carries complete
// paths of matching length. It does not look at any hash.
func (w *Witness) CheckShape() error {
	for _, depth := range []int{w.BalanceDepth, w.TxDepth} {
		if depth < tree.MinDepth || depth > tree.MaxDepth {
			return fmt.Errorf("%w: depth %d not in [%d, %d]", ErrInvalidWitness, depth, tree.MinDepth, tree.MaxDepth)
		}
	}
	if len(w.Transfers) != 1<<w.TxDepth {
		return fmt.Errorf("%w: %d transfers for transaction depth %d", ErrInvalidWitness, len(w.Transfers), w.TxDepth)
	}
	for i := range w.Transfers {
		tw := &w.Transfers[i]
		if tw.Transfer == nil || tw.SenderBefore == nil || tw.ReceiverBefore == nil {
			return invalid(i, "incomplete")
		}
		if !checkPath(tw.SenderProof, w.BalanceDepth) || !checkPath(tw.ReceiverProof, w.BalanceDepth) || !checkPath(tw.TxProof, w.TxDepth) {
			return invalid(i, "path length does not match depth")
		}
	}
	return nil
}

// Check re-executes the batch from PrevRoot using only the witness and reports the first
// transfer that does not hold. It enforces the same relation as the update circuit.
func (w *Witness) Check() error {
	if err := w.CheckShape(); err != nil {
		return err
	}

	var g errgroup.Group
	for i := range w.Transfers {
		rec := w.Transfers[i].Transfer
		g.Go(func() error {
			if rec == nil || !rec.Verify() {
				return fmt.Errorf("%w: transfer %d: %w", ErrInvalidWitness, i, transfer.ErrBadSignature)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	root := w.PrevRoot
	for i := range w.Transfers {
		next, err := w.checkTransfer(i, root)
		if err != nil {
			return err
		}
		root = next
	}
	if !root.Equal(&w.NextRoot) {
		return fmt.Errorf("%w: final root does not match", ErrInvalidWitness)
	}
	return nil
}

func (w *Witness) checkTransfer(i int, root fr.Element) (fr.Element, error) {
	tw := &w.Transfers[i]
	rec := tw.Transfer
	amount := rec.Amount()

	if tw.TxIndex != uint64(i) || len(tw.TxProof.Siblings) != w.TxDepth {
		return root, invalid(i, "transaction index %d", tw.TxIndex)
	}
	if !tree.VerifyInclusion(rec.Commitment(), tw.TxIndex, tw.TxProof.Siblings, tw.TxProof.PathBits, w.TxRoot) {
		return root, invalid(i, "not in transaction tree")
	}
	if !root.Equal(&tw.RootBefore) {
		return root, invalid(i, "root before does not chain")
	}

	// sender
	sender := tw.SenderBefore
	if sender == nil || len(tw.SenderProof.Siblings) != w.BalanceDepth {
		return root, invalid(i, "missing sender")
	}
	senderLeaf := account.Commit(rec.Sender(), sender.Balance(), sender.Nonce(), sender.TokenType())
	if !tree.VerifyInclusion(senderLeaf, rec.SenderIndex(), tw.SenderProof.Siblings, tw.SenderProof.PathBits, root) {
		return root, invalid(i, "sender not in balance tree")
	}
	if rec.Nonce() != sender.Nonce() {
		return root, invalid(i, "%v", ErrNonceMismatch)
	}
	if rec.TokenType() != sender.TokenType() {
		return root, invalid(i, "%v", ErrTokenMismatch)
	}
	if amount.Cmp(sender.Balance()) > 0 {
		return root, invalid(i, "%v", account.ErrInsufficientBalance)
	}
	senderBalance := new(big.Int).Sub(sender.Balance(), amount)
	newSender := account.Commit(rec.Sender(), senderBalance, sender.Nonce()+1, sender.TokenType())
	root, err := tree.ComputeRoot(newSender, tw.SenderProof.Siblings, tw.SenderProof.PathBits)
	if err != nil {
		return root, invalid(i, "%v", err)
	}
	if !root.Equal(&tw.RootAfterSender) {
		return root, invalid(i, "root after sender does not match")
	}

	// receiver
	receiver := tw.ReceiverBefore
	if receiver == nil || len(tw.ReceiverProof.Siblings) != w.BalanceDepth {
		return root, invalid(i, "missing receiver")
	}
	withdrawal := rec.IsWithdrawal()
	if withdrawal && tw.ReceiverIndex != BurnIndex {
		return root, invalid(i, "withdrawal must point at the burn slot")
	}
	if !withdrawal && rec.TokenType() != receiver.TokenType() {
		return root, invalid(i, "%v", ErrTokenMismatch)
	}
	receiverLeaf := account.Commit(rec.Receiver(), receiver.Balance(), receiver.Nonce(), receiver.TokenType())
	if !tree.VerifyInclusion(receiverLeaf, tw.ReceiverIndex, tw.ReceiverProof.Siblings, tw.ReceiverProof.PathBits, root) {
		return root, invalid(i, "receiver not in balance tree")
	}
	receiverBalance := receiver.Balance()
	if !withdrawal {
		receiverBalance.Add(receiverBalance, amount)
		if receiverBalance.Cmp(primitive.Modulus()) >= 0 {
			return root, invalid(i, "%v", account.ErrOverflow)
		}
	}
	newReceiver := account.Commit(rec.Receiver(), receiverBalance, receiver.Nonce(), receiver.TokenType())
	root, err = tree.ComputeRoot(newReceiver, tw.ReceiverProof.Siblings, tw.ReceiverProof.PathBits)
	if err != nil {
		return root, invalid(i, "%v", err)
	}
	if !root.Equal(&tw.RootAfter) {
		return root, invalid(i, "root after receiver does not match")
	}
	return root, nil
}

// Claim builds the settlement claim for the withdrawal at position i, naming recipient as
// the party that receives the funds. priv must be the sender's key.
func (w *Witness) Claim(i int, recipient fr.Element, priv *primitive.PrivateKey) (*transfer.WithdrawalClaim, error) {
	if i < 0 || i >= len(w.Transfers) {
		return nil, fmt.Errorf("claim transfer %d: %w", i, tree.ErrIndexOutOfRange)
	}
	tw := &w.Transfers[i]
	sig, err := tw.Transfer.SignWithdrawal(priv, recipient)
	if err != nil {
		return nil, err
	}
	return &transfer.WithdrawalClaim{
		Transfer:  tw.Transfer.Clone(),
		TxIndex:   tw.TxIndex,
		TxProof:   tw.TxProof.Clone(),
		TxRoot:    w.TxRoot,
		Recipient: recipient,
		Signature: sig,
	}, nil
}
