// Package batch applies transfers to a balance tree in lock step with a transaction tree and
// records the witness the verifier oracle needs to certify the transition.
package batch

import (
	"errors"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/rollupnc/coordinator/account"
	"github.com/rollupnc/coordinator/transfer"
	"github.com/rollupnc/coordinator/tree"
)

// BurnIndex is the balance tree slot a withdrawal's receiver proof points at. It must hold
// the zero-key account.
const BurnIndex uint64 = 0

var (
	ErrNonceMismatch   = errors.New("nonce mismatch")
	ErrTokenMismatch   = errors.New("token type mismatch")
	ErrUnknownSender   = errors.New("unknown sender")
	ErrUnknownReceiver = errors.New("unknown receiver")
	ErrBatchIncomplete = errors.New("batch is not full")
	ErrBatchFull       = errors.New("batch is full")
	ErrAborted         = errors.New("batch aborted")
	ErrInvalidWitness  = errors.New("invalid witness")
)

// TransferWitness is everything recorded for one transfer of a batch.
type TransferWitness struct {
	Transfer *transfer.Record

	SenderBefore  *account.Entry
	SenderProof   tree.Proof
	ReceiverIndex uint64
	// ReceiverBefore is the receiver as seen after the sender update.
	ReceiverBefore *account.Entry
	ReceiverProof  tree.Proof

	TxIndex uint64
	TxProof tree.Proof

	RootBefore      fr.Element
	RootAfterSender fr.Element
	RootAfter       fr.Element
}

func (tw *TransferWitness) clone() TransferWitness {
	return TransferWitness{
		Transfer:        tw.Transfer.Clone(),
		SenderBefore:    tw.SenderBefore.Clone(),
		SenderProof:     tw.SenderProof.Clone(),
		ReceiverIndex:   tw.ReceiverIndex,
		ReceiverBefore:  tw.ReceiverBefore.Clone(),
		ReceiverProof:   tw.ReceiverProof.Clone(),
		TxIndex:         tw.TxIndex,
		TxProof:         tw.TxProof.Clone(),
		RootBefore:      tw.RootBefore,
		RootAfterSender: tw.RootAfterSender,
		RootAfter:       tw.RootAfter,
	}
}

// Builder mutates the balance tree and registry it was given. The coordinator hands it clones
// and only adopts them once the batch is certified.
type Builder struct {
	balances  *tree.Tree
	txs       *tree.Tree
	registry  *account.Registry
	prevRoot  fr.Element
	transfers []TransferWitness
	aborted   error
	sealed    *Witness
}

// NewBuilder starts a batch of 2^txDepth transfers on top of balances.
func NewBuilder(balances *tree.Tree, registry *account.Registry, txDepth int) (*Builder, error) {
	txs, err := tree.New(txDepth, account.EmptyLeaf())
	if err != nil {
		return nil, fmt.Errorf("transaction tree: %w", err)
	}
	return &Builder{
		balances: balances,
		txs:      txs,
		registry: registry,
		prevRoot: balances.Root(),
	}, nil
}

// PrevRoot is the balance root the batch started from.
func (b *Builder) PrevRoot() fr.Element {
	return b.prevRoot
}

// Root is the running balance root.
func (b *Builder) Root() fr.Element {
	return b.balances.Root()
}

func (b *Builder) Len() int {
	return len(b.transfers)
}

// Capacity is the number of transfers a sealed batch holds.
func (b *Builder) Capacity() int {
	return int(b.txs.Capacity())
}

// State returns the tree and registry the builder has been mutating.
func (b *Builder) State() (*tree.Tree, *account.Registry) {
	return b.balances, b.registry
}

// Err returns the error that aborted the builder, if any.
func (b *Builder) Err() error {
	return b.aborted
}

func (b *Builder) abort(err error) error {
	b.aborted = err
	return err
}

// Add validates rec against the current state and applies it. A rejected transfer leaves the
// builder untouched and usable; a tree failure aborts it.
func (b *Builder) Add(rec *transfer.Record) error {
	if b.aborted != nil {
		return fmt.Errorf("%w: %v", ErrAborted, b.aborted)
	}
	if b.sealed != nil || len(b.transfers) >= b.Capacity() {
		return ErrBatchFull
	}

	sender, active := b.registry.Get(rec.SenderIndex())
	if !active || !sender.PublicKey().Equal(rec.Sender()) {
		return fmt.Errorf("%w: index %d", ErrUnknownSender, rec.SenderIndex())
	}
	if !rec.Verify() {
		return fmt.Errorf("transfer from %d: %w", rec.SenderIndex(), transfer.ErrBadSignature)
	}
	if rec.Nonce() != sender.Nonce() {
		return fmt.Errorf("%w: transfer %d, account %d", ErrNonceMismatch, rec.Nonce(), sender.Nonce())
	}
	if rec.TokenType() != sender.TokenType() {
		return fmt.Errorf("%w: transfer %d, account %d", ErrTokenMismatch, rec.TokenType(), sender.TokenType())
	}
	senderAfter := sender.Clone()
	if err := senderAfter.Debit(rec.Amount()); err != nil {
		return err
	}

	var receiverIndex uint64
	if rec.IsWithdrawal() {
		receiverIndex = BurnIndex
	} else {
		idx, ok := b.registry.Lookup(rec.Receiver(), rec.TokenType())
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownReceiver, rec.Receiver())
		}
		receiverIndex = idx
	}
	var receiverBefore *account.Entry
	if receiverIndex == rec.SenderIndex() {
		receiverBefore = senderAfter.Clone()
	} else {
		var ok bool
		receiverBefore, ok = b.registry.Get(receiverIndex)
		if !ok {
			return fmt.Errorf("%w: index %d", ErrUnknownReceiver, receiverIndex)
		}
	}
	if rec.IsWithdrawal() && !receiverBefore.PublicKey().IsZero() {
		return fmt.Errorf("%w: burn slot %d holds a live account", ErrUnknownReceiver, BurnIndex)
	}
	receiverAfter := receiverBefore.Clone()
	if !rec.IsWithdrawal() {
		if err := receiverAfter.Credit(rec.Amount()); err != nil {
			return err
		}
	}

	// everything below mutates; any failure means the in-memory state is inconsistent
	tw := TransferWitness{
		Transfer:       rec.Clone(),
		SenderBefore:   sender,
		ReceiverIndex:  receiverIndex,
		ReceiverBefore: receiverBefore,
		RootBefore:     b.balances.Root(),
	}
	var err error
	if tw.SenderProof, err = b.balances.ProveInclusion(rec.SenderIndex()); err != nil {
		return b.abort(err)
	}
	if err := b.balances.CheckProof(sender.Commitment(), rec.SenderIndex(), tw.SenderProof); err != nil {
		return b.abort(err)
	}
	if err := b.balances.Update(rec.SenderIndex(), senderAfter.Commitment()); err != nil {
		return b.abort(err)
	}
	tw.RootAfterSender = b.balances.Root()

	if tw.ReceiverProof, err = b.balances.ProveInclusion(receiverIndex); err != nil {
		return b.abort(err)
	}
	if err := b.balances.CheckProof(receiverBefore.Commitment(), receiverIndex, tw.ReceiverProof); err != nil {
		return b.abort(err)
	}
	if !rec.IsWithdrawal() {
		if err := b.balances.Update(receiverIndex, receiverAfter.Commitment()); err != nil {
			return b.abort(err)
		}
	}
	tw.RootAfter = b.balances.Root()

	if tw.TxIndex, err = b.txs.Insert(rec.Commitment()); err != nil {
		return b.abort(err)
	}

	b.registry.Put(senderAfter)
	if !rec.IsWithdrawal() {
		b.registry.Put(receiverAfter)
	}
	b.transfers = append(b.transfers, tw)
	return nil
}

// Seal closes a full batch and returns its witness. Transaction tree proofs are taken here,
// against the final transaction root.
func (b *Builder) Seal() (*Witness, error) {
	if b.aborted != nil {
		return nil, fmt.Errorf("%w: %v", ErrAborted, b.aborted)
	}
	if b.sealed != nil {
		return b.sealed, nil
	}
	if len(b.transfers) != b.Capacity() {
		return nil, fmt.Errorf("%w: %d of %d transfers", ErrBatchIncomplete, len(b.transfers), b.Capacity())
	}
	w := &Witness{
		BalanceDepth: b.balances.Depth(),
		TxDepth:      b.txs.Depth(),
		PrevRoot:     b.prevRoot,
		NextRoot:     b.balances.Root(),
		TxRoot:       b.txs.Root(),
		Transfers:    make([]TransferWitness, len(b.transfers)),
	}
	for i := range b.transfers {
		proof, err := b.txs.ProveInclusion(b.transfers[i].TxIndex)
		if err != nil {
			return nil, b.abort(err)
		}
		b.transfers[i].TxProof = proof
		w.Transfers[i] = b.transfers[i].clone()
	}
	b.sealed = w
	return w, nil
}
