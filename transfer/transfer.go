// Package transfer defines signed transfer records, the leaves of the transaction tree,
// and the withdrawal claims built from them.
package transfer

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/rollupnc/coordinator/primitive"
)

// ErrBadSignature is returned when a signature does not verify against the sender key.
var ErrBadSignature = errors.New("bad signature")

// Record is one transfer. A receiver equal to the zero key makes it a withdrawal.
type Record struct {
	sender      primitive.PublicKey
	senderIndex uint64
	receiver    primitive.PublicKey
	nonce       uint64
	amount      *big.Int
	tokenType   uint64
	commitment  fr.Element
	signature   *primitive.Signature
}

// New creates an unsigned record. amount must be a field element.
func New(sender primitive.PublicKey, senderIndex uint64, receiver primitive.PublicKey, nonce uint64, amount *big.Int, tokenType uint64) (*Record, error) {
	if err := primitive.CheckRange(amount); err != nil {
		return nil, fmt.Errorf("transfer amount: %w", err)
	}
	r := &Record{
		sender:      sender,
		senderIndex: senderIndex,
		receiver:    receiver,
		nonce:       nonce,
		amount:      new(big.Int).Set(amount),
		tokenType:   tokenType,
	}
	r.commitment = Commit(sender, senderIndex, receiver, nonce, amount, tokenType)
	return r, nil
}

// Commit computes H(sender.x, sender.y, senderIndex, receiver.x, receiver.y, nonce, amount, tokenType).
func Commit(sender primitive.PublicKey, senderIndex uint64, receiver primitive.PublicKey, nonce uint64, amount *big.Int, tokenType uint64) fr.Element {
	var a fr.Element
	a.SetBigInt(amount)
	return primitive.Hash(
		sender.X, sender.Y, primitive.FromUint64(senderIndex),
		receiver.X, receiver.Y,
		primitive.FromUint64(nonce), a, primitive.FromUint64(tokenType),
	)
}

func (r *Record) Sender() primitive.PublicKey   { return r.sender }
func (r *Record) SenderIndex() uint64           { return r.senderIndex }
func (r *Record) Receiver() primitive.PublicKey { return r.receiver }
func (r *Record) Nonce() uint64                 { return r.nonce }
func (r *Record) TokenType() uint64             { return r.tokenType }
func (r *Record) Commitment() fr.Element        { return r.commitment }

func (r *Record) Amount() *big.Int {
	return new(big.Int).Set(r.amount)
}

// Signature returns a copy of the attached signature or nil.
func (r *Record) Signature() *primitive.Signature {
	return r.signature.Clone()
}

// IsWithdrawal reports whether the receiver is the zero key.
func (r *Record) IsWithdrawal() bool {
	return r.receiver.IsZero()
}

// Sign signs the commitment with priv, replacing any earlier signature.
func (r *Record) Sign(priv *primitive.PrivateKey) error {
	sig, err := primitive.Sign(priv, r.commitment)
	if err != nil {
		return fmt.Errorf("sign transfer: %w", err)
	}
	r.signature = sig
	return nil
}

// AttachSignature sets a signature produced elsewhere, typically by the account owner's wallet.
func (r *Record) AttachSignature(sig *primitive.Signature) {
	r.signature = sig.Clone()
}

// Verify reports whether the attached signature is the sender's over the commitment.
func (r *Record) Verify() bool {
	if r.signature == nil {
		return false
	}
	return primitive.Verify(r.sender, r.commitment, r.signature)
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	c := *r
	c.amount = new(big.Int).Set(r.amount)
	c.signature = r.signature.Clone()
	return &c
}

func (r *Record) String() string {
	return fmt.Sprintf("transfer{from: %d, to: %s, nonce: %d, amount: %s, token: %d}",
		r.senderIndex, r.receiver, r.nonce, r.amount, r.tokenType)
}

// RawRecord is a Record as written to json.
type RawRecord struct {
	SenderX     string `json:"senderX"`
	SenderY     string `json:"senderY"`
	SenderIndex uint64 `json:"senderIndex"`
	ReceiverX   string `json:"receiverX"`
	ReceiverY   string `json:"receiverY"`
	Nonce       uint64 `json:"nonce"`
	Amount      string `json:"amount"`
	TokenType   uint64 `json:"tokenType"`
	SignatureRX string `json:"signatureR8x,omitempty"`
	SignatureRY string `json:"signatureR8y,omitempty"`
	SignatureS  string `json:"signatureS,omitempty"`
}

func (r *Record) ToRaw() RawRecord {
	raw := RawRecord{
		SenderX:     primitive.ElementString(r.sender.X),
		SenderY:     primitive.ElementString(r.sender.Y),
		SenderIndex: r.senderIndex,
		ReceiverX:   primitive.ElementString(r.receiver.X),
		ReceiverY:   primitive.ElementString(r.receiver.Y),
		Nonce:       r.nonce,
		Amount:      r.amount.String(),
		TokenType:   r.tokenType,
	}
	if r.signature != nil {
		raw.SignatureRX = primitive.ElementString(r.signature.R8.X)
		raw.SignatureRY = primitive.ElementString(r.signature.R8.Y)
		raw.SignatureS = r.signature.S.String()
	}
	return raw
}

func parsePoint(x, y string) (primitive.Point, error) {
	px, err := primitive.ParseElement(x)
	if err != nil {
		return primitive.Point{}, err
	}
	py, err := primitive.ParseElement(y)
	if err != nil {
		return primitive.Point{}, err
	}
	return primitive.Point{X: px, Y: py}, nil
}

func FromRaw(raw RawRecord) (*Record, error) {
	sender, err := parsePoint(raw.SenderX, raw.SenderY)
	if err != nil {
		return nil, fmt.Errorf("transfer sender: %w", err)
	}
	receiver, err := parsePoint(raw.ReceiverX, raw.ReceiverY)
	if err != nil {
		return nil, fmt.Errorf("transfer receiver: %w", err)
	}
	amount, ok := new(big.Int).SetString(raw.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("transfer amount %q: %w", raw.Amount, primitive.ErrInvalidRange)
	}
	r, err := New(sender, raw.SenderIndex, receiver, raw.Nonce, amount, raw.TokenType)
	if err != nil {
		return nil, err
	}
	if raw.SignatureS == "" {
		return r, nil
	}
	r8, err := parsePoint(raw.SignatureRX, raw.SignatureRY)
	if err != nil {
		return nil, fmt.Errorf("transfer signature: %w", err)
	}
	s, ok := new(big.Int).SetString(raw.SignatureS, 10)
	if !ok {
		return nil, fmt.Errorf("transfer signature scalar %q: %w", raw.SignatureS, primitive.ErrInvalidRange)
	}
	r.signature = &primitive.Signature{R8: r8, S: s}
	return r, nil
}
