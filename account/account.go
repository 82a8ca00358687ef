// Package account holds the account ledger entries whose commitments are the leaves of the
// balance tree.
package account

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/rollupnc/coordinator/primitive"
)

var (
	// ErrOverflow is returned when a credit would leave the field or a nonce would wrap.
	ErrOverflow = errors.New("account overflow")
	// ErrInsufficientBalance is returned when a debit exceeds the balance.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Entry is one account. Its commitment is recomputed on every mutation so it is never stale.
type Entry struct {
	index      uint64
	publicKey  primitive.PublicKey
	balance    *big.Int
	nonce      uint64
	tokenType  uint64
	commitment fr.Element
}

// New creates an entry, failing with primitive.ErrInvalidRange if the balance is not a field element.
func New(index uint64, pk primitive.PublicKey, balance *big.Int, nonce, tokenType uint64) (*Entry, error) {
	if err := primitive.CheckRange(balance); err != nil {
		return nil, fmt.Errorf("account %d balance: %w", index, err)
	}
	e := &Entry{
		index:     index,
		publicKey: pk,
		balance:   new(big.Int).Set(balance),
		nonce:     nonce,
		tokenType: tokenType,
	}
	e.refresh()
	return e, nil
}

// Empty returns the all-zero account at index. Every empty slot has the same commitment.
func Empty(index uint64) *Entry {
	e := &Entry{index: index, balance: new(big.Int)}
	e.refresh()
	return e
}

var emptyLeaf = Commit(primitive.ZeroKey, new(big.Int), 0, 0)

// EmptyLeaf is H(0, 0, 0, 0, 0), the leaf value of every unused balance tree slot.
func EmptyLeaf() fr.Element {
	return emptyLeaf
}

// Commit computes H(pk.x, pk.y, balance, nonce, tokenType). balance must already be range checked.
func Commit(pk primitive.PublicKey, balance *big.Int, nonce, tokenType uint64) fr.Element {
	var b fr.Element
	b.SetBigInt(balance)
	return primitive.Hash(pk.X, pk.Y, b, primitive.FromUint64(nonce), primitive.FromUint64(tokenType))
}

func (e *Entry) refresh() {
	e.commitment = Commit(e.publicKey, e.balance, e.nonce, e.tokenType)
}

func (e *Entry) Index() uint64                  { return e.index }
func (e *Entry) PublicKey() primitive.PublicKey { return e.publicKey }
func (e *Entry) Nonce() uint64                  { return e.nonce }
func (e *Entry) TokenType() uint64              { return e.tokenType }
func (e *Entry) Commitment() fr.Element         { return e.commitment }

// Balance returns a copy of the balance.
func (e *Entry) Balance() *big.Int {
	return new(big.Int).Set(e.balance)
}

// IsEmpty reports whether e is the all-zero tuple.
func (e *Entry) IsEmpty() bool {
	return e.publicKey.IsZero() && e.balance.Sign() == 0 && e.nonce == 0 && e.tokenType == 0
}

// Clone returns a deep copy of e.
func (e *Entry) Clone() *Entry {
	c := *e
	c.balance = new(big.Int).Set(e.balance)
	return &c
}

// Credit adds amount to the balance. The nonce is unchanged.
func (e *Entry) Credit(amount *big.Int) error {
	if err := primitive.CheckRange(amount); err != nil {
		return fmt.Errorf("credit account %d: %w", e.index, err)
	}
	sum := new(big.Int).Add(e.balance, amount)
	if sum.Cmp(primitive.Modulus()) >= 0 {
		return fmt.Errorf("credit account %d: %w", e.index, ErrOverflow)
	}
	e.balance = sum
	e.refresh()
	return nil
}

// Debit removes amount from the balance and increments the nonce.
func (e *Entry) Debit(amount *big.Int) error {
	if err := primitive.CheckRange(amount); err != nil {
		return fmt.Errorf("debit account %d: %w", e.index, err)
	}
	if amount.Cmp(e.balance) > 0 {
		return fmt.Errorf("debit account %d: %w: have %s, need %s", e.index, ErrInsufficientBalance, e.balance, amount)
	}
	if e.nonce == math.MaxUint64 {
		return fmt.Errorf("debit account %d nonce: %w", e.index, ErrOverflow)
	}
	e.balance = new(big.Int).Sub(e.balance, amount)
	e.nonce++
	e.refresh()
	return nil
}

func (e *Entry) String() string {
	return fmt.Sprintf("account{index: %d, key: %s, balance: %s, nonce: %d, token: %d}",
		e.index, e.publicKey, e.balance, e.nonce, e.tokenType)
}

// RawEntry is an Entry as written to disk, with field elements as decimal strings.
type RawEntry struct {
	Index      uint64 `json:"index"`
	PublicKeyX string `json:"publicKeyX"`
	PublicKeyY string `json:"publicKeyY"`
	Balance    string `json:"balance"`
	Nonce      uint64 `json:"nonce"`
	TokenType  uint64 `json:"tokenType"`
}

// ToRaw converts e for writing to json.
func (e *Entry) ToRaw() RawEntry {
	return RawEntry{
		Index:      e.index,
		PublicKeyX: primitive.ElementString(e.publicKey.X),
		PublicKeyY: primitive.ElementString(e.publicKey.Y),
		Balance:    e.balance.String(),
		Nonce:      e.nonce,
		TokenType:  e.tokenType,
	}
}

// FromRaw converts an entry read from json.
func FromRaw(raw RawEntry) (*Entry, error) {
	x, err := primitive.ParseElement(raw.PublicKeyX)
	if err != nil {
		return nil, fmt.Errorf("account %d key x: %w", raw.Index, err)
	}
	y, err := primitive.ParseElement(raw.PublicKeyY)
	if err != nil {
		return nil, fmt.Errorf("account %d key y: %w", raw.Index, err)
	}
	balance, ok := new(big.Int).SetString(raw.Balance, 10)
	if !ok {
		return nil, fmt.Errorf("account %d balance %q: %w", raw.Index, raw.Balance, primitive.ErrInvalidRange)
	}
	return New(raw.Index, primitive.PublicKey{X: x, Y: y}, balance, raw.Nonce, raw.TokenType)
}
