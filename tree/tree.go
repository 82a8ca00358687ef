// Package tree implements the fixed-depth incremental Merkle tree used for the balance tree,
// the transaction tree and the deposit subtree. Unused slots hold the tree's empty leaf, so any
// subtree that was never written hashes to the matching zero cache entry.
package tree

import (
	"errors"
	"fmt"
	"sync"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/rollupnc/coordinator/primitive"
)

const (
	MinDepth = 2
	MaxDepth = 32
)

var (
	ErrTreeFull        = errors.New("tree is full")
	ErrIndexOutOfRange = errors.New("index out of range")
	ErrDepthOutOfRange = errors.New("depth out of range")
	ErrStaleProof      = errors.New("proof does not match current root")
	ErrSlotUnused      = errors.New("slot has not been inserted")
	ErrMalformedProof  = errors.New("malformed proof")
)

// Proof is an inclusion proof ordered from the leaf level up.
// PathBits[i] is 0 when the running hash is the left input at level i.
type Proof struct {
	Siblings []fr.Element
	PathBits []uint8
}

// Clone returns a deep copy of p.
func (p Proof) Clone() Proof {
	return Proof{
		Siblings: append([]fr.Element(nil), p.Siblings...),
		PathBits: append([]uint8(nil), p.PathBits...),
	}
}

// Tree stores only the nodes that differ from the zero cache: levels[l] holds positions
// 0..len-1 at height l, everything to the right is zeroCache[l].
type Tree struct {
	mu        sync.RWMutex
	depth     int
	zeroCache []fr.Element
	levels    [][]fr.Element
}

// ZeroCache returns z with z[0] = emptyLeaf and z[i] = H(z[i-1], z[i-1]) for i in 1..depth.
func ZeroCache(depth int, emptyLeaf fr.Element) ([]fr.Element, error) {
	if depth < MinDepth || depth > MaxDepth {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", ErrDepthOutOfRange, depth, MinDepth, MaxDepth)
	}
	return zeroCache(depth, emptyLeaf), nil
}

func zeroCache(depth int, emptyLeaf fr.Element) []fr.Element {
	z := make([]fr.Element, depth+1)
	z[0] = emptyLeaf
	for i := 1; i <= depth; i++ {
		z[i] = primitive.Hash(z[i-1], z[i-1])
	}
	return z
}

// New creates an empty tree whose root is zeroCache[depth].
func New(depth int, emptyLeaf fr.Element) (*Tree, error) {
	z, err := ZeroCache(depth, emptyLeaf)
	if err != nil {
		return nil, err
	}
	return &Tree{
		depth:     depth,
		zeroCache: z,
		levels:    make([][]fr.Element, depth+1),
	}, nil
}

// Restore rebuilds a tree by inserting leaves in order.
func Restore(depth int, emptyLeaf fr.Element, leaves []fr.Element) (*Tree, error) {
	t, err := New(depth, emptyLeaf)
	if err != nil {
		return nil, err
	}
	for _, leaf := range leaves {
		if _, err := t.Insert(leaf); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Tree) Depth() int {
	return t.depth
}

// Capacity is 2^depth.
func (t *Tree) Capacity() uint64 {
	return uint64(1) << t.depth
}

// EmptyLeaf is zeroCache[0].
func (t *Tree) EmptyLeaf() fr.Element {
	return t.zeroCache[0]
}

// ZeroCache returns a copy of the tree's zero cache.
func (t *Tree) ZeroCache() []fr.Element {
	return append([]fr.Element(nil), t.zeroCache...)
}

func (t *Tree) Root() fr.Element {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.node(t.depth, 0)
}

// NextIndex is the index the next Insert will fill.
func (t *Tree) NextIndex() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return uint64(len(t.levels[0]))
}

// Leaf returns the leaf at index; unused slots return the empty leaf.
func (t *Tree) Leaf(index uint64) (fr.Element, error) {
	if index >= t.Capacity() {
		return fr.Element{}, fmt.Errorf("%w: leaf %d, capacity %d", ErrIndexOutOfRange, index, t.Capacity())
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.node(0, index), nil
}

// Node returns the node at height level and horizontal position pos.
func (t *Tree) Node(level int, pos uint64) (fr.Element, error) {
	if level < 0 || level > t.depth {
		return fr.Element{}, fmt.Errorf("%w: level %d", ErrIndexOutOfRange, level)
	}
	if pos >= uint64(1)<<(t.depth-level) {
		return fr.Element{}, fmt.Errorf("%w: position %d at level %d", ErrIndexOutOfRange, pos, level)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.node(level, pos), nil
}

// Leaves returns a copy of the inserted leaves.
func (t *Tree) Leaves() []fr.Element {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]fr.Element(nil), t.levels[0]...)
}

// Clone returns an independent copy of t.
func (t *Tree) Clone() *Tree {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c := &Tree{
		depth:     t.depth,
		zeroCache: t.zeroCache,
		levels:    make([][]fr.Element, len(t.levels)),
	}
	for i := range t.levels {
		c.levels[i] = append([]fr.Element(nil), t.levels[i]...)
	}
	return c
}

// Insert places leaf at the next free index and returns that index.
func (t *Tree) Insert(leaf fr.Element) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	index := uint64(len(t.levels[0]))
	if index >= t.Capacity() {
		return 0, fmt.Errorf("%w: capacity %d", ErrTreeFull, t.Capacity())
	}
	t.levels[0] = append(t.levels[0], leaf)
	t.rehash(index)
	return index, nil
}

// Update replaces the leaf at an already inserted index.
func (t *Tree) Update(index uint64, leaf fr.Element) error {
	if index >= t.Capacity() {
		return fmt.Errorf("%w: leaf %d, capacity %d", ErrIndexOutOfRange, index, t.Capacity())
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if index >= uint64(len(t.levels[0])) {
		return fmt.Errorf("%w: leaf %d, next free %d", ErrSlotUnused, index, len(t.levels[0]))
	}
	t.levels[0][index] = leaf
	t.rehash(index)
	return nil
}

// ProveInclusion returns the siblings and path bits for index against the current root.
// Unused slots can be proven too: their leaf is the empty leaf.
func (t *Tree) ProveInclusion(index uint64) (Proof, error) {
	if index >= t.Capacity() {
		return Proof{}, fmt.Errorf("%w: leaf %d, capacity %d", ErrIndexOutOfRange, index, t.Capacity())
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	p := Proof{
		Siblings: make([]fr.Element, t.depth),
		PathBits: make([]uint8, t.depth),
	}
	for l := 0; l < t.depth; l++ {
		pos := index >> l
		p.Siblings[l] = t.node(l, pos^1)
		p.PathBits[l] = uint8(pos & 1)
	}
	return p, nil
}

// CheckProof fails with ErrStaleProof unless proof shows leaf at index under the current root.
func (t *Tree) CheckProof(leaf fr.Element, index uint64, proof Proof) error {
	root := t.Root()
	if !VerifyInclusion(leaf, index, proof.Siblings, proof.PathBits, root) {
		return fmt.Errorf("%w: leaf %d", ErrStaleProof, index)
	}
	return nil
}

// node must be called with mu held.
func (t *Tree) node(level int, pos uint64) fr.Element {
	if pos < uint64(len(t.levels[level])) {
		return t.levels[level][pos]
	}
	return t.zeroCache[level]
}

// rehash recomputes the path above index. mu must be held for writing.
func (t *Tree) rehash(index uint64) {
	for l := 1; l <= t.depth; l++ {
		pos := index >> l
		h := primitive.Hash(t.node(l-1, 2*pos), t.node(l-1, 2*pos+1))
		if pos < uint64(len(t.levels[l])) {
			t.levels[l][pos] = h
		} else {
			t.levels[l] = append(t.levels[l], h)
		}
	}
}

// ComputeRoot walks from node up the given path and returns the resulting root.
func ComputeRoot(node fr.Element, siblings []fr.Element, pathBits []uint8) (fr.Element, error) {
	if len(siblings) != len(pathBits) {
		return fr.Element{}, fmt.Errorf("%w: %d siblings, %d path bits", ErrMalformedProof, len(siblings), len(pathBits))
	}
	current := node
	for i, sibling := range siblings {
		switch pathBits[i] {
		case 0:
			current = primitive.Hash(current, sibling)
		case 1:
			current = primitive.Hash(sibling, current)
		default:
			return fr.Element{}, fmt.Errorf("%w: path bit %d is %d", ErrMalformedProof, i, pathBits[i])
		}
	}
	return current, nil
}

// VerifyInclusion reports whether leaf sits at index under root. The path bits must spell
// out index, least significant bit first.
func VerifyInclusion(leaf fr.Element, index uint64, siblings []fr.Element, pathBits []uint8, root fr.Element) bool {
	if len(siblings) != len(pathBits) || len(siblings) > 64 {
		return false
	}
	if len(siblings) < 64 && index>>len(siblings) != 0 {
		return false
	}
	for i, bit := range pathBits {
		if uint64(bit) != (index>>i)&1 {
			return false
		}
	}
	got, err := ComputeRoot(leaf, siblings, pathBits)
	if err != nil {
		return false
	}
	return got.Equal(&root)
}

// RawProof is a Proof as written to json.
type RawProof struct {
	Siblings []string `json:"siblings"`
	PathBits []int    `json:"pathBits"`
}

func (p Proof) ToRaw() RawProof {
	raw := RawProof{
		Siblings: make([]string, len(p.Siblings)),
		PathBits: make([]int, len(p.PathBits)),
	}
	for i := range p.Siblings {
		raw.Siblings[i] = primitive.ElementString(p.Siblings[i])
	}
	for i := range p.PathBits {
		raw.PathBits[i] = int(p.PathBits[i])
	}
	return raw
}

func ProofFromRaw(raw RawProof) (Proof, error) {
	if len(raw.Siblings) != len(raw.PathBits) {
		return Proof{}, fmt.Errorf("%w: %d siblings, %d path bits", ErrMalformedProof, len(raw.Siblings), len(raw.PathBits))
	}
	p := Proof{
		Siblings: make([]fr.Element, len(raw.Siblings)),
		PathBits: make([]uint8, len(raw.PathBits)),
	}
	for i, s := range raw.Siblings {
		e, err := primitive.ParseElement(s)
		if err != nil {
			return Proof{}, fmt.Errorf("sibling %d: %w", i, err)
		}
		p.Siblings[i] = e
	}
	for i, b := range raw.PathBits {
		if b != 0 && b != 1 {
			return Proof{}, fmt.Errorf("%w: path bit %d is %d", ErrMalformedProof, i, b)
		}
		p.PathBits[i] = uint8(b)
	}
	return p, nil
}
