package batch

import (
	"fmt"

	"github.com/rollupnc/coordinator/account"
	"github.com/rollupnc/coordinator/primitive"
	"github.com/rollupnc/coordinator/transfer"
	"github.com/rollupnc/coordinator/tree"
)

// RawTransferWitness is a TransferWitness as written to json.
type RawTransferWitness struct {
	Transfer        transfer.RawRecord `json:"transfer"`
	SenderBefore    account.RawEntry   `json:"senderBefore"`
	SenderProof     tree.RawProof      `json:"senderProof"`
	ReceiverIndex   uint64             `json:"receiverIndex"`
	ReceiverBefore  account.RawEntry   `json:"receiverBefore"`
	ReceiverProof   tree.RawProof      `json:"receiverProof"`
	TxIndex         uint64             `json:"txIndex"`
	TxProof         tree.RawProof      `json:"txProof"`
	RootBefore      string             `json:"rootBefore"`
	RootAfterSender string             `json:"rootAfterSender"`
	RootAfter       string             `json:"rootAfter"`
}

// RawWitness is a Witness as written to json.
type RawWitness struct {
	BalanceDepth int                  `json:"balanceDepth"`
	TxDepth      int                  `json:"txDepth"`
	PrevRoot     string               `json:"prevRoot"`
	NextRoot     string               `json:"nextRoot"`
	TxRoot       string               `json:"txRoot"`
	Transfers    []RawTransferWitness `json:"transfers"`
}

func (w *Witness) ToRaw() RawWitness {
	raw := RawWitness{
		BalanceDepth: w.BalanceDepth,
		TxDepth:      w.TxDepth,
		PrevRoot:     primitive.ElementString(w.PrevRoot),
		NextRoot:     primitive.ElementString(w.NextRoot),
		TxRoot:       primitive.ElementString(w.TxRoot),
		Transfers:    make([]RawTransferWitness, len(w.Transfers)),
	}
	for i := range w.Transfers {
		tw := &w.Transfers[i]
		raw.Transfers[i] = RawTransferWitness{
			Transfer:        tw.Transfer.ToRaw(),
			SenderBefore:    tw.SenderBefore.ToRaw(),
			SenderProof:     tw.SenderProof.ToRaw(),
			ReceiverIndex:   tw.ReceiverIndex,
			ReceiverBefore:  tw.ReceiverBefore.ToRaw(),
			ReceiverProof:   tw.ReceiverProof.ToRaw(),
			TxIndex:         tw.TxIndex,
			TxProof:         tw.TxProof.ToRaw(),
			RootBefore:      primitive.ElementString(tw.RootBefore),
			RootAfterSender: primitive.ElementString(tw.RootAfterSender),
			RootAfter:       primitive.ElementString(tw.RootAfter),
		}
	}
	return raw
}

// WitnessFromRaw decodes raw and checks its shape, so the result is safe to Check or assign.
func WitnessFromRaw(raw RawWitness) (*Witness, error) {
	if raw.TxDepth < tree.MinDepth || raw.TxDepth > tree.MaxDepth || len(raw.Transfers) != 1<<raw.TxDepth {
		return nil, fmt.Errorf("%w: %d transfers for transaction depth %d", ErrInvalidWitness, len(raw.Transfers), raw.TxDepth)
	}
	var err error
	w := &Witness{
		BalanceDepth: raw.BalanceDepth,
		TxDepth:      raw.TxDepth,
		Transfers:    make([]TransferWitness, len(raw.Transfers)),
	}
	if w.PrevRoot, err = primitive.ParseElement(raw.PrevRoot); err != nil {
		return nil, fmt.Errorf("prevRoot: %w", err)
	}
	if w.NextRoot, err = primitive.ParseElement(raw.NextRoot); err != nil {
		return nil, fmt.Errorf("nextRoot: %w", err)
	}
	if w.TxRoot, err = primitive.ParseElement(raw.TxRoot); err != nil {
		return nil, fmt.Errorf("txRoot: %w", err)
	}
	for i, rt := range raw.Transfers {
		tw := &w.Transfers[i]
		if tw.Transfer, err = transfer.FromRaw(rt.Transfer); err != nil {
			return nil, fmt.Errorf("transfer %d: %w", i, err)
		}
		if tw.SenderBefore, err = account.FromRaw(rt.SenderBefore); err != nil {
			return nil, fmt.Errorf("transfer %d sender: %w", i, err)
		}
		if tw.SenderProof, err = tree.ProofFromRaw(rt.SenderProof); err != nil {
			return nil, fmt.Errorf("transfer %d sender proof: %w", i, err)
		}
		tw.ReceiverIndex = rt.ReceiverIndex
		if tw.ReceiverBefore, err = account.FromRaw(rt.ReceiverBefore); err != nil {
			return nil, fmt.Errorf("transfer %d receiver: %w", i, err)
		}
		if tw.ReceiverProof, err = tree.ProofFromRaw(rt.ReceiverProof); err != nil {
			return nil, fmt.Errorf("transfer %d receiver proof: %w", i, err)
		}
		tw.TxIndex = rt.TxIndex
		if tw.TxProof, err = tree.ProofFromRaw(rt.TxProof); err != nil {
			return nil, fmt.Errorf("transfer %d tx proof: %w", i, err)
		}
		if tw.RootBefore, err = primitive.ParseElement(rt.RootBefore); err != nil {
			return nil, fmt.Errorf("transfer %d rootBefore: %w", i, err)
		}
		if tw.RootAfterSender, err = primitive.ParseElement(rt.RootAfterSender); err != nil {
			return nil, fmt.Errorf("transfer %d rootAfterSender: %w", i, err)
		}
		if tw.RootAfter, err = primitive.ParseElement(rt.RootAfter); err != nil {
			return nil, fmt.Errorf("transfer %d rootAfter: %w", i, err)
		}
	}
	if err := w.CheckShape(); err != nil {
		return nil, err
	}
	return w, nil
}
