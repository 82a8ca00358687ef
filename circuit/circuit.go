// Package circuit provides the update-state circuit certifying a batch, along with the
// conversion from a batch witness to a circuit assignment. batch.Witness.Check is the Go
// equivalent of Define.
package circuit

import (
	tedwards "github.com/consensys/gnark-crypto/ecc/twistededwards"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/algebra/native/twistededwards"
	"github.com/consensys/gnark/std/hash/mimc"
	"github.com/consensys/gnark/std/signature/eddsa"
)

// Transfer is one transfer of the batch together with the account states it touches.
// It is an input to the circuit and is only used in this package.
type Transfer struct {
	SenderX   frontend.Variable
	SenderY   frontend.Variable
	ReceiverX frontend.Variable
	ReceiverY frontend.Variable
	Nonce     frontend.Variable
	Amount    frontend.Variable
	TokenType frontend.Variable
	Signature eddsa.Signature

	SenderBalance   frontend.Variable
	SenderNonce     frontend.Variable
	SenderTokenType frontend.Variable
	SenderSiblings  []frontend.Variable
	SenderPathBits  []frontend.Variable

	ReceiverBalance   frontend.Variable
	ReceiverNonce     frontend.Variable
	ReceiverTokenType frontend.Variable
	ReceiverSiblings  []frontend.Variable
	ReceiverPathBits  []frontend.Variable

	TxSiblings []frontend.Variable
	TxPathBits []frontend.Variable
}

// UpdateState proves that applying Transfers in order moves the balance root from PrevRoot
// to NextRoot, and that the transfers are exactly the leaves of the tree rooted at TxRoot.
type UpdateState struct {
	PrevRoot  frontend.Variable `gnark:",public"`
	NextRoot  frontend.Variable `gnark:",public"`
	TxRoot    frontend.Variable `gnark:",public"`
	Transfers []Transfer        `gnark:""`
}

// NewUpdateState allocates an empty circuit of the given shape, ready for compilation.
func NewUpdateState(balanceDepth, txDepth int) *UpdateState {
	c := &UpdateState{Transfers: make([]Transfer, 1<<txDepth)}
	for i := range c.Transfers {
		tx := &c.Transfers[i]
		tx.SenderSiblings = make([]frontend.Variable, balanceDepth)
		tx.SenderPathBits = make([]frontend.Variable, balanceDepth)
		tx.ReceiverSiblings = make([]frontend.Variable, balanceDepth)
		tx.ReceiverPathBits = make([]frontend.Variable, balanceDepth)
		tx.TxSiblings = make([]frontend.Variable, txDepth)
		tx.TxPathBits = make([]frontend.Variable, txDepth)
	}
	return c
}

// hashAccount computes the account leaf. account.Commit is the Go equivalent.
func hashAccount(hasher *mimc.MiMC, x, y, balance, nonce, tokenType frontend.Variable) frontend.Variable {
	hasher.Reset()
	hasher.Write(x, y, balance, nonce, tokenType)
	return hasher.Sum()
}

// hashTransfer computes the transaction leaf. transfer.Commit is the Go equivalent.
func hashTransfer(hasher *mimc.MiMC, tx *Transfer, senderIndex frontend.Variable) frontend.Variable {
	hasher.Reset()
	hasher.Write(tx.SenderX, tx.SenderY, senderIndex, tx.ReceiverX, tx.ReceiverY, tx.Nonce, tx.Amount, tx.TokenType)
	return hasher.Sum()
}

// computeRoot walks leaf up the path. tree.ComputeRoot is the Go equivalent.
func computeRoot(api frontend.API, hasher *mimc.MiMC, leaf frontend.Variable, siblings, pathBits []frontend.Variable) frontend.Variable {
	current := leaf
	for i := range siblings {
		api.AssertIsBoolean(pathBits[i])
		left := api.Select(pathBits[i], siblings[i], current)
		right := api.Select(pathBits[i], current, siblings[i])
		hasher.Reset()
		hasher.Write(left, right)
		current = hasher.Sum()
	}
	return current
}

// Define defines the actual circuit.
func (circuit *UpdateState) Define(api frontend.API) error {
	curve, err := twistededwards.NewEdCurve(api, tedwards.BN254)
	if err != nil {
		return err
	}
	hasher, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}

	root := circuit.PrevRoot
	for i := range circuit.Transfers {
		tx := &circuit.Transfers[i]

		// the transfer is the i-th leaf of the transaction tree
		senderIndex := api.FromBinary(tx.SenderPathBits...)
		txLeaf := hashTransfer(&hasher, tx, senderIndex)
		api.AssertIsEqual(api.FromBinary(tx.TxPathBits...), i)
		api.AssertIsEqual(computeRoot(api, &hasher, txLeaf, tx.TxSiblings, tx.TxPathBits), circuit.TxRoot)

		// signed by the sender
		hasher.Reset()
		var pub eddsa.PublicKey
		pub.A.X = tx.SenderX
		pub.A.Y = tx.SenderY
		if err := eddsa.Verify(curve, tx.Signature, txLeaf, pub, &hasher); err != nil {
			return err
		}

		// debit the sender
		senderLeaf := hashAccount(&hasher, tx.SenderX, tx.SenderY, tx.SenderBalance, tx.SenderNonce, tx.SenderTokenType)
		api.AssertIsEqual(computeRoot(api, &hasher, senderLeaf, tx.SenderSiblings, tx.SenderPathBits), root)
		api.AssertIsEqual(tx.Nonce, tx.SenderNonce)
		api.AssertIsEqual(tx.TokenType, tx.SenderTokenType)
		api.AssertIsLessOrEqual(tx.Amount, tx.SenderBalance)
		newSenderLeaf := hashAccount(&hasher, tx.SenderX, tx.SenderY,
			api.Sub(tx.SenderBalance, tx.Amount), api.Add(tx.SenderNonce, 1), tx.SenderTokenType)
		root = computeRoot(api, &hasher, newSenderLeaf, tx.SenderSiblings, tx.SenderPathBits)

		// credit the receiver unless the transfer burns into slot 0
		isWithdrawal := api.And(api.IsZero(tx.ReceiverX), api.IsZero(tx.ReceiverY))
		isTransfer := api.Sub(1, isWithdrawal)
		api.AssertIsEqual(api.Mul(isTransfer, api.Sub(tx.TokenType, tx.ReceiverTokenType)), 0)
		api.AssertIsEqual(api.Mul(isWithdrawal, api.FromBinary(tx.ReceiverPathBits...)), 0)

		receiverLeaf := hashAccount(&hasher, tx.ReceiverX, tx.ReceiverY, tx.ReceiverBalance, tx.ReceiverNonce, tx.ReceiverTokenType)
		api.AssertIsEqual(computeRoot(api, &hasher, receiverLeaf, tx.ReceiverSiblings, tx.ReceiverPathBits), root)
		credited := api.Add(tx.ReceiverBalance, api.Mul(tx.Amount, isTransfer))
		api.AssertIsLessOrEqual(tx.ReceiverBalance, credited)
		newReceiverLeaf := hashAccount(&hasher, tx.ReceiverX, tx.ReceiverY, credited, tx.ReceiverNonce, tx.ReceiverTokenType)
		root = computeRoot(api, &hasher, newReceiverLeaf, tx.ReceiverSiblings, tx.ReceiverPathBits)
	}
	api.AssertIsEqual(root, circuit.NextRoot)
	return nil
}
