// Package deposit collects pending deposits into a fixed-depth subtree and produces the
// proof that grafts the subtree into the first free aligned slot of the balance tree.
package deposit

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/rollupnc/coordinator/account"
	"github.com/rollupnc/coordinator/primitive"
	"github.com/rollupnc/coordinator/tree"
)

var (
	ErrMisaligned = errors.New("next free index is not aligned to the deposit subtree")
	ErrQueueFull  = errors.New("deposit subtree is full")
	ErrQueueEmpty = errors.New("no pending deposits")
)

// Deposit is a request to open an account holding Amount of TokenType.
type Deposit struct {
	PublicKey primitive.PublicKey
	Amount    *big.Int
	TokenType uint64
}

// Leaf is the balance tree leaf the deposit becomes. A zero-key deposit becomes the empty
// leaf, so whatever it carried is burned.
func (d Deposit) Leaf() (fr.Element, error) {
	if err := primitive.CheckRange(d.Amount); err != nil {
		return fr.Element{}, fmt.Errorf("deposit amount: %w", err)
	}
	if d.PublicKey.IsZero() {
		return account.EmptyLeaf(), nil
	}
	return account.Commit(d.PublicKey, d.Amount, 0, d.TokenType), nil
}

// Entry is the account the deposit opens at index.
func (d Deposit) Entry(index uint64) (*account.Entry, error) {
	if d.PublicKey.IsZero() {
		return account.Empty(index), nil
	}
	return account.New(index, d.PublicKey, d.Amount, 0, d.TokenType)
}

// RawDeposit is a Deposit as written to json.
type RawDeposit struct {
	PublicKeyX string `json:"publicKeyX"`
	PublicKeyY string `json:"publicKeyY"`
	Amount     string `json:"amount"`
	TokenType  uint64 `json:"tokenType"`
}

func (d Deposit) ToRaw() RawDeposit {
	return RawDeposit{
		PublicKeyX: primitive.ElementString(d.PublicKey.X),
		PublicKeyY: primitive.ElementString(d.PublicKey.Y),
		Amount:     d.Amount.String(),
		TokenType:  d.TokenType,
	}
}

func FromRaw(raw RawDeposit) (Deposit, error) {
	x, err := primitive.ParseElement(raw.PublicKeyX)
	if err != nil {
		return Deposit{}, fmt.Errorf("deposit key x: %w", err)
	}
	y, err := primitive.ParseElement(raw.PublicKeyY)
	if err != nil {
		return Deposit{}, fmt.Errorf("deposit key y: %w", err)
	}
	amount, ok := new(big.Int).SetString(raw.Amount, 10)
	if !ok {
		return Deposit{}, fmt.Errorf("deposit amount %q: %w", raw.Amount, primitive.ErrInvalidRange)
	}
	return Deposit{PublicKey: primitive.PublicKey{X: x, Y: y}, Amount: amount, TokenType: raw.TokenType}, nil
}

// MergeRequest is everything the settlement authority needs to accept a subtree merge.
// Proof and PathBits run from the subtree root up to the balance tree root.
type MergeRequest struct {
	OldRoot      fr.Element
	NewRoot      fr.Element
	Position     uint64
	Proof        []fr.Element
	PathBits     []uint8
	LeafCount    uint64
	SubtreeRoot  fr.Element
	SubtreeDepth int
	Leaves       []fr.Element
	Deposits     []Deposit
}

// FirstIndex is the balance tree index of the first merged leaf.
func (r *MergeRequest) FirstIndex() uint64 {
	return r.Position << r.SubtreeDepth
}

// Queue accumulates deposits into a subtree of depth subDepth.
type Queue struct {
	subDepth  int
	mainDepth int
	emptyLeaf fr.Element
	sub       *tree.Tree
	pending   []Deposit
}

func NewQueue(subDepth, mainDepth int, emptyLeaf fr.Element) (*Queue, error) {
	if subDepth >= mainDepth {
		return nil, fmt.Errorf("%w: deposit subtree depth %d must be below balance depth %d", tree.ErrDepthOutOfRange, subDepth, mainDepth)
	}
	sub, err := tree.New(subDepth, emptyLeaf)
	if err != nil {
		return nil, fmt.Errorf("deposit subtree: %w", err)
	}
	return &Queue{subDepth: subDepth, mainDepth: mainDepth, emptyLeaf: emptyLeaf, sub: sub}, nil
}

func (q *Queue) SubDepth() int {
	return q.subDepth
}

// Capacity is 2^subDepth.
func (q *Queue) Capacity() uint64 {
	return q.sub.Capacity()
}

// Pending is the number of queued deposits.
func (q *Queue) Pending() int {
	return len(q.pending)
}

// Deposits returns the queued deposits in arrival order.
func (q *Queue) Deposits() []Deposit {
	return append([]Deposit(nil), q.pending...)
}

// Root is the current subtree root, empty slots included.
func (q *Queue) Root() fr.Element {
	return q.sub.Root()
}

// Enqueue adds d to the subtree and reports whether the subtree is now full.
func (q *Queue) Enqueue(d Deposit) (bool, error) {
	leaf, err := d.Leaf()
	if err != nil {
		return false, err
	}
	if uint64(len(q.pending)) >= q.Capacity() {
		return true, ErrQueueFull
	}
	if _, err := q.sub.Insert(leaf); err != nil {
		return false, err
	}
	q.pending = append(q.pending, Deposit{PublicKey: d.PublicKey, Amount: new(big.Int).Set(d.Amount), TokenType: d.TokenType})
	return uint64(len(q.pending)) == q.Capacity(), nil
}

// PrepareMerge pads the subtree with empty leaves and proves the empty aligned slot at
// main's next free index. main is only read.
func (q *Queue) PrepareMerge(main *tree.Tree) (*MergeRequest, error) {
	if len(q.pending) == 0 {
		return nil, ErrQueueEmpty
	}
	if main.Depth() != q.mainDepth {
		return nil, fmt.Errorf("%w: balance tree depth %d, queue built for %d", tree.ErrDepthOutOfRange, main.Depth(), q.mainDepth)
	}
	next := main.NextIndex()
	if next >= main.Capacity() {
		return nil, fmt.Errorf("merge deposits: %w", tree.ErrTreeFull)
	}
	if next%q.Capacity() != 0 {
		return nil, fmt.Errorf("%w: next free index %d, subtree size %d", ErrMisaligned, next, q.Capacity())
	}
	position := next >> q.subDepth

	levels := q.mainDepth - q.subDepth
	proof := make([]fr.Element, levels)
	bits := make([]uint8, levels)
	for i := 0; i < levels; i++ {
		pos := position >> i
		sibling, err := main.Node(q.subDepth+i, pos^1)
		if err != nil {
			return nil, err
		}
		proof[i] = sibling
		bits[i] = uint8(pos & 1)
	}

	leaves := q.sub.Leaves()
	for uint64(len(leaves)) < q.Capacity() {
		leaves = append(leaves, q.emptyLeaf)
	}
	subRoot := q.sub.Root()
	newRoot, err := tree.ComputeRoot(subRoot, proof, bits)
	if err != nil {
		return nil, err
	}
	return &MergeRequest{
		OldRoot:      main.Root(),
		NewRoot:      newRoot,
		Position:     position,
		Proof:        proof,
		PathBits:     bits,
		LeafCount:    q.Capacity(),
		SubtreeRoot:  subRoot,
		SubtreeDepth: q.subDepth,
		Leaves:       leaves,
		Deposits:     q.Deposits(),
	}, nil
}

// Reset clears the queue after its merge was accepted. The queue is left untouched on error.
func (q *Queue) Reset() error {
	sub, err := tree.New(q.subDepth, q.emptyLeaf)
	if err != nil {
		return fmt.Errorf("reset deposit queue: %w", err)
	}
	q.sub = sub
	q.pending = nil
	return nil
}

// VerifyMerge is the acceptance check run by the settlement side: the slot at Position is
// empty under OldRoot and holds SubtreeRoot under NewRoot along the same path.
func VerifyMerge(req *MergeRequest, emptyLeaf fr.Element) bool {
	if req == nil || req.LeafCount != uint64(1)<<req.SubtreeDepth || uint64(len(req.Leaves)) != req.LeafCount {
		return false
	}
	sub, err := tree.Restore(req.SubtreeDepth, emptyLeaf, req.Leaves)
	if err != nil {
		return false
	}
	subRoot := sub.Root()
	if !subRoot.Equal(&req.SubtreeRoot) {
		return false
	}
	z, err := tree.ZeroCache(req.SubtreeDepth, emptyLeaf)
	if err != nil {
		return false
	}
	if !tree.VerifyInclusion(z[req.SubtreeDepth], req.Position, req.Proof, req.PathBits, req.OldRoot) {
		return false
	}
	return tree.VerifyInclusion(req.SubtreeRoot, req.Position, req.Proof, req.PathBits, req.NewRoot)
}

// Apply inserts the merged leaves into a copy of main and returns it. The copy's root must
// come out as req.NewRoot.
func Apply(main *tree.Tree, req *MergeRequest) (*tree.Tree, error) {
	root := main.Root()
	if !root.Equal(&req.OldRoot) || main.NextIndex() != req.FirstIndex() {
		return nil, fmt.Errorf("apply merge at position %d: %w", req.Position, tree.ErrStaleProof)
	}
	next := main.Clone()
	for _, leaf := range req.Leaves {
		if _, err := next.Insert(leaf); err != nil {
			return nil, fmt.Errorf("apply merge at position %d: %w", req.Position, err)
		}
	}
	got := next.Root()
	if !got.Equal(&req.NewRoot) {
		return nil, fmt.Errorf("apply merge at position %d: resulting root differs: %w", req.Position, tree.ErrStaleProof)
	}
	return next, nil
}
