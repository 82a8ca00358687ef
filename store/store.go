// Package store persists committed coordinator state in LevelDB.
package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/syndtr/goleveldb/leveldb"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/rollupnc/coordinator/account"
	"github.com/rollupnc/coordinator/deposit"
	"github.com/rollupnc/coordinator/primitive"
	"github.com/rollupnc/coordinator/tree"
)

// ErrCorrupt is returned when stored state does not hash back to its recorded root.
var ErrCorrupt = errors.New("stored state is corrupt")

const (
	metaKey        = "meta/state"
	leafPrefix     = "leaf/balance/"
	zeroPrefix     = "zero/balance/"
	accountPrefix  = "acct/"
	depositPrefix  = "dq/dep/"
	depLeafPrefix  = "dq/leaf/"
	depQueuePrefix = "dq/"
)

func leafKey(i uint64) []byte    { return []byte(fmt.Sprintf("%s%010d", leafPrefix, i)) }
func zeroKey(level int) []byte   { return []byte(fmt.Sprintf("%s%02d", zeroPrefix, level)) }
func accountKey(i uint64) []byte { return []byte(fmt.Sprintf("%s%010d", accountPrefix, i)) }
func depositKey(i int) []byte    { return []byte(fmt.Sprintf("%s%010d", depositPrefix, i)) }
func depLeafKey(i int) []byte    { return []byte(fmt.Sprintf("%s%010d", depLeafPrefix, i)) }

// Snapshot is the committed state of a coordinator.
type Snapshot struct {
	Balances  *tree.Tree
	Registry  *account.Registry
	SubDepth  int
	Pending   []deposit.Deposit
	NextEvent uint64
}

type meta struct {
	BalanceDepth int    `json:"balanceDepth"`
	SubDepth     int    `json:"subDepth"`
	Root         string `json:"root"`
	NextIndex    uint64 `json:"nextIndex"`
	Accounts     int    `json:"accounts"`
	Pending      int    `json:"pending"`
	NextEvent    uint64 `json:"nextEvent"`
}

// Store wraps a LevelDB handle.
type Store struct {
	db *leveldb.DB
}

// Open opens or creates the database at path. An empty path keeps everything in memory.
func Open(path string) (*Store, error) {
	var db *leveldb.DB
	var err error
	if path == "" {
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %q: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSnapshot replaces the stored state with snap in a single batch write.
func (s *Store) SaveSnapshot(snap *Snapshot) error {
	b := new(leveldb.Batch)
	for _, prefix := range []string{leafPrefix, zeroPrefix, accountPrefix, depQueuePrefix} {
		if err := s.deleteRange(b, prefix); err != nil {
			return err
		}
	}

	leaves := snap.Balances.Leaves()
	for i, leaf := range leaves {
		v := leaf.Bytes()
		b.Put(leafKey(uint64(i)), v[:])
	}
	for level, z := range snap.Balances.ZeroCache() {
		v := z.Bytes()
		b.Put(zeroKey(level), v[:])
	}
	entries := snap.Registry.Entries()
	for _, e := range entries {
		v, err := json.Marshal(e.ToRaw())
		if err != nil {
			return fmt.Errorf("encode account %d: %w", e.Index(), err)
		}
		b.Put(accountKey(e.Index()), v)
	}
	for i, d := range snap.Pending {
		leaf, err := d.Leaf()
		if err != nil {
			return fmt.Errorf("pending deposit %d: %w", i, err)
		}
		v, err := json.Marshal(d.ToRaw())
		if err != nil {
			return fmt.Errorf("encode pending deposit %d: %w", i, err)
		}
		b.Put(depositKey(i), v)
		lb := leaf.Bytes()
		b.Put(depLeafKey(i), lb[:])
	}

	root := snap.Balances.Root()
	m, err := json.Marshal(meta{
		BalanceDepth: snap.Balances.Depth(),
		SubDepth:     snap.SubDepth,
		Root:         primitive.ElementString(root),
		NextIndex:    snap.Balances.NextIndex(),
		Accounts:     len(entries),
		Pending:      len(snap.Pending),
		NextEvent:    snap.NextEvent,
	})
	if err != nil {
		return err
	}
	b.Put([]byte(metaKey), m)
	if err := s.db.Write(b, nil); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

func (s *Store) deleteRange(b *leveldb.Batch, prefix string) error {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	for iter.Next() {
		b.Delete(append([]byte(nil), iter.Key()...))
	}
	return iter.Error()
}

// scan returns the values under prefix in key order.
func (s *Store) scan(prefix string) ([][]byte, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()
	var out [][]byte
	for iter.Next() {
		out = append(out, append([]byte(nil), iter.Value()...))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", prefix, err)
	}
	return out, nil
}

func decodeElements(values [][]byte) ([]fr.Element, error) {
	out := make([]fr.Element, len(values))
	for i, v := range values {
		if len(v) != primitive.ModBytes {
			return nil, fmt.Errorf("%w: element %d is %d bytes", ErrCorrupt, i, len(v))
		}
		if err := out[i].SetBytesCanonical(v); err != nil {
			return nil, fmt.Errorf("%w: element %d: %v", ErrCorrupt, i, err)
		}
	}
	return out, nil
}

// LoadSnapshot reads the stored state. found is false when nothing was ever saved.
func (s *Store) LoadSnapshot() (snap *Snapshot, found bool, err error) {
	raw, err := s.db.Get([]byte(metaKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read snapshot: %w", err)
	}
	var m meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, true, fmt.Errorf("%w: meta: %v", ErrCorrupt, err)
	}

	values, err := s.scan(leafPrefix)
	if err != nil {
		return nil, true, err
	}
	if uint64(len(values)) != m.NextIndex {
		return nil, true, fmt.Errorf("%w: %d leaves stored, next index %d", ErrCorrupt, len(values), m.NextIndex)
	}
	leaves, err := decodeElements(values)
	if err != nil {
		return nil, true, err
	}
	balances, err := tree.Restore(m.BalanceDepth, account.EmptyLeaf(), leaves)
	if err != nil {
		return nil, true, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	root := balances.Root()
	if primitive.ElementString(root) != m.Root {
		return nil, true, fmt.Errorf("%w: balance root %s, recorded %s", ErrCorrupt, primitive.ElementString(root), m.Root)
	}

	values, err = s.scan(zeroPrefix)
	if err != nil {
		return nil, true, err
	}
	zeros, err := decodeElements(values)
	if err != nil {
		return nil, true, err
	}
	want := balances.ZeroCache()
	if len(zeros) != len(want) {
		return nil, true, fmt.Errorf("%w: %d zero cache levels stored", ErrCorrupt, len(zeros))
	}
	for i := range zeros {
		if !zeros[i].Equal(&want[i]) {
			return nil, true, fmt.Errorf("%w: zero cache level %d", ErrCorrupt, i)
		}
	}

	registry := account.NewRegistry()
	values, err = s.scan(accountPrefix)
	if err != nil {
		return nil, true, err
	}
	if len(values) != m.Accounts {
		return nil, true, fmt.Errorf("%w: %d accounts stored, recorded %d", ErrCorrupt, len(values), m.Accounts)
	}
	for _, v := range values {
		var re account.RawEntry
		if err := json.Unmarshal(v, &re); err != nil {
			return nil, true, fmt.Errorf("%w: account: %v", ErrCorrupt, err)
		}
		e, err := account.FromRaw(re)
		if err != nil {
			return nil, true, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		leaf, err := balances.Leaf(e.Index())
		if err != nil {
			return nil, true, fmt.Errorf("%w: account %d: %w", ErrCorrupt, e.Index(), err)
		}
		c := e.Commitment()
		if !leaf.Equal(&c) {
			return nil, true, fmt.Errorf("%w: account %d does not match its leaf", ErrCorrupt, e.Index())
		}
		registry.Put(e)
	}

	deps, err := s.scan(depositPrefix)
	if err != nil {
		return nil, true, err
	}
	values, err = s.scan(depLeafPrefix)
	if err != nil {
		return nil, true, err
	}
	if len(deps) != m.Pending || len(values) != m.Pending {
		return nil, true, fmt.Errorf("%w: %d pending deposits recorded", ErrCorrupt, m.Pending)
	}
	depLeaves, err := decodeElements(values)
	if err != nil {
		return nil, true, err
	}
	pending := make([]deposit.Deposit, len(deps))
	for i, v := range deps {
		var rd deposit.RawDeposit
		if err := json.Unmarshal(v, &rd); err != nil {
			return nil, true, fmt.Errorf("%w: pending deposit: %v", ErrCorrupt, err)
		}
		d, err := deposit.FromRaw(rd)
		if err != nil {
			return nil, true, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		leaf, err := d.Leaf()
		if err != nil || !leaf.Equal(&depLeaves[i]) {
			return nil, true, fmt.Errorf("%w: pending deposit %d does not match its leaf", ErrCorrupt, i)
		}
		pending[i] = d
	}

	return &Snapshot{
		Balances:  balances,
		Registry:  registry,
		SubDepth:  m.SubDepth,
		Pending:   pending,
		NextEvent: m.NextEvent,
	}, true, nil
}
