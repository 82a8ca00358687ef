package account

import (
	"github.com/bits-and-blooms/bitset"

	"github.com/rollupnc/coordinator/primitive"
)

type lookupKey struct {
	publicKey primitive.PublicKey
	tokenType uint64
}

// Registry maps slot indices to entries and (key, token) pairs back to slots.
// An index never put is unused: Get returns Empty(index) and IsActive reports false,
// which tells it apart from a live account that happens to hold nothing.
type Registry struct {
	entries map[uint64]*Entry
	byKey   map[lookupKey]uint64
	active  *bitset.BitSet
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[uint64]*Entry),
		byKey:   make(map[lookupKey]uint64),
		active:  bitset.New(0),
	}
}

// Put stores a copy of e and marks its slot active. The first slot registered for a
// (key, token) pair stays the one Lookup returns.
func (r *Registry) Put(e *Entry) {
	c := e.Clone()
	r.entries[c.index] = c
	r.active.Set(uint(c.index))
	k := lookupKey{c.publicKey, c.tokenType}
	if prev, ok := r.byKey[k]; !ok || prev > c.index {
		r.byKey[k] = c.index
	}
}

// Get returns a copy of the entry at index and whether the slot is active.
func (r *Registry) Get(index uint64) (*Entry, bool) {
	e, ok := r.entries[index]
	if !ok {
		return Empty(index), false
	}
	return e.Clone(), true
}

// Lookup finds the slot holding pk's account for tokenType.
func (r *Registry) Lookup(pk primitive.PublicKey, tokenType uint64) (uint64, bool) {
	idx, ok := r.byKey[lookupKey{pk, tokenType}]
	return idx, ok
}

func (r *Registry) IsActive(index uint64) bool {
	return r.active.Test(uint(index))
}

// Len is the number of active slots.
func (r *Registry) Len() int {
	return int(r.active.Count())
}

// Clone returns an independent copy for tentative work.
func (r *Registry) Clone() *Registry {
	c := &Registry{
		entries: make(map[uint64]*Entry, len(r.entries)),
		byKey:   make(map[lookupKey]uint64, len(r.byKey)),
		active:  r.active.Clone(),
	}
	for i, e := range r.entries {
		c.entries[i] = e.Clone()
	}
	for k, v := range r.byKey {
		c.byKey[k] = v
	}
	return c
}

// Entries returns copies of every active entry ordered by index.
func (r *Registry) Entries() []*Entry {
	out := make([]*Entry, 0, len(r.entries))
	for i, ok := r.active.NextSet(0); ok; i, ok = r.active.NextSet(i + 1) {
		out = append(out, r.entries[uint64(i)].Clone())
	}
	return out
}
