// Package scenario generates a deterministic set of actors, deposits and signed transfers.
// The simulate command runs it end to end and the package tests use it as their fixture.
package scenario

import (
	"fmt"
	"math/big"
	"math/rand"

	"github.com/rollupnc/coordinator/account"
	"github.com/rollupnc/coordinator/deposit"
	"github.com/rollupnc/coordinator/primitive"
	"github.com/rollupnc/coordinator/transfer"
	"github.com/rollupnc/coordinator/tree"
)

const TokenType uint64 = 1

// Names of the actors, in deposit order after the zero-key burn slot.
var Names = []string{"coordinator", "alice", "bob", "charlie", "david"}

var opening = map[string]int64{
	"coordinator": 0,
	"alice":       20,
	"bob":         15,
	"charlie":     0,
	"david":       0,
}

// Scenario holds one signing key per actor.
type Scenario struct {
	keys map[string]*primitive.PrivateKey
}

// New derives the actor keys from seed.
func New(seed int64) (*Scenario, error) {
	rng := rand.New(rand.NewSource(seed))
	s := &Scenario{keys: make(map[string]*primitive.PrivateKey, len(Names))}
	for _, name := range Names {
		priv, err := primitive.GenerateKey(rng)
		if err != nil {
			return nil, fmt.Errorf("key for %s: %w", name, err)
		}
		s.keys[name] = priv
	}
	return s, nil
}

// Key returns the signing key of name. It panics on an unknown actor.
func (s *Scenario) Key(name string) *primitive.PrivateKey {
	priv, ok := s.keys[name]
	if !ok {
		panic("unknown actor " + name)
	}
	return priv
}

func (s *Scenario) PublicKey(name string) primitive.PublicKey {
	return primitive.PublicKeyOf(s.Key(name))
}

// Index is the balance tree slot of name once all deposits are merged in order.
func (s *Scenario) Index(name string) uint64 {
	for i, n := range Names {
		if n == name {
			return uint64(i + 1)
		}
	}
	panic("unknown actor " + name)
}

// Deposits opens the burn slot at index 0 followed by one account per actor.
func (s *Scenario) Deposits() []deposit.Deposit {
	out := []deposit.Deposit{{PublicKey: primitive.ZeroKey, Amount: big.NewInt(0)}}
	for _, name := range Names {
		out = append(out, deposit.Deposit{
			PublicKey: s.PublicKey(name),
			Amount:    big.NewInt(opening[name]),
			TokenType: TokenType,
		})
	}
	return out
}

// Genesis inserts every deposit straight into a fresh balance tree, skipping the merge flow.
func (s *Scenario) Genesis(balanceDepth int) (*tree.Tree, *account.Registry, error) {
	balances, err := tree.New(balanceDepth, account.EmptyLeaf())
	if err != nil {
		return nil, nil, err
	}
	registry := account.NewRegistry()
	for _, d := range s.Deposits() {
		leaf, err := d.Leaf()
		if err != nil {
			return nil, nil, err
		}
		idx, err := balances.Insert(leaf)
		if err != nil {
			return nil, nil, err
		}
		e, err := d.Entry(idx)
		if err != nil {
			return nil, nil, err
		}
		registry.Put(e)
	}
	return balances, registry, nil
}

// Step is one transfer of the scripted batch. An empty To is a withdrawal.
type Step struct {
	From   string
	To     string
	Nonce  uint64
	Amount int64
}

// Steps fills a batch of four: alice pays bob, bob pays david out of what he holds, alice
// pays charlie and finally withdraws.
var Steps = []Step{
	{From: "alice", To: "bob", Nonce: 0, Amount: 5},
	{From: "bob", To: "david", Nonce: 0, Amount: 3},
	{From: "alice", To: "charlie", Nonce: 1, Amount: 2},
	{From: "alice", To: "", Nonce: 2, Amount: 4},
}

// Transfer builds and signs one step.
func (s *Scenario) Transfer(step Step) (*transfer.Record, error) {
	receiver := primitive.ZeroKey
	if step.To != "" {
		receiver = s.PublicKey(step.To)
	}
	rec, err := transfer.New(s.PublicKey(step.From), s.Index(step.From), receiver, step.Nonce, big.NewInt(step.Amount), TokenType)
	if err != nil {
		return nil, err
	}
	if err := rec.Sign(s.Key(step.From)); err != nil {
		return nil, err
	}
	return rec, nil
}

// Transfers builds and signs every step in order.
func (s *Scenario) Transfers() ([]*transfer.Record, error) {
	out := make([]*transfer.Record, len(Steps))
	for i, step := range Steps {
		rec, err := s.Transfer(step)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		out[i] = rec
	}
	return out, nil
}

// WithdrawalStep is the position of the withdrawal inside Steps.
const WithdrawalStep = 3
