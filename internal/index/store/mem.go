package store

import (
	"bytes"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/syntrixbase/backupindex/internal/index/types"
)

// versionItem is one version in the btree, ordered by its encoded key so the
// memory store iterates exactly like the pebble store.
type versionItem struct {
	key []byte
	rec types.Record
}

func lessVersion(a, b versionItem) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// MemStore is an in-memory Store backed by a btree.
type MemStore struct {
	mu     sync.RWMutex
	tree   *btree.BTreeG[versionItem]
	meta   Meta
	closed bool
}

// NewMemStore creates an empty memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		tree: btree.NewG[versionItem](32, lessVersion),
	}
}

// Apply implements Store.
func (s *MemStore) Apply(rec types.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	s.tree.ReplaceOrInsert(versionItem{key: versionKey(rec), rec: rec})
	return nil
}

// ApplyAll implements Store.
func (s *MemStore) ApplyAll(recs []types.Record) error {
	items := make([]versionItem, len(recs))
	for i, rec := range recs {
		if err := rec.Validate(); err != nil {
			return err
		}
		items[i] = versionItem{key: versionKey(rec), rec: rec}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	for _, it := range items {
		s.tree.ReplaceOrInsert(it)
	}
	return nil
}

// Query implements Store. Iteration runs over a copy-on-write clone of the
// tree, so applies during iteration are not observed and do not block.
func (s *MemStore) Query(opts QueryOptions) iter.Seq2[types.Entry, error] {
	return func(yield func(types.Entry, error) bool) {
		s.mu.RLock()
		if s.closed {
			s.mu.RUnlock()
			yield(types.Entry{}, errClosed)
			return
		}
		tree := s.tree.Clone()
		s.mu.RUnlock()

		start := prefixKey(opts.Prefix)
		var g pathGrouper
		stopped := false
		emit := func(_ string, versions []types.Record) bool {
			e, ok := resolve(versions, opts)
			if !ok {
				return true
			}
			if !yield(e, nil) {
				stopped = true
				return false
			}
			return true
		}

		tree.AscendGreaterOrEqual(versionItem{key: start}, func(it versionItem) bool {
			if !bytes.HasPrefix(it.key, start) {
				return false
			}
			return g.add(it.rec, emit)
		})
		if !stopped {
			g.flush(emit)
		}
	}
}

// Snapshot implements Store.
func (s *MemStore) Snapshot() (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}
	snap := &Snapshot{Meta: s.meta, Versions: make([]types.Record, 0, s.tree.Len())}
	s.tree.Ascend(func(it versionItem) bool {
		snap.Versions = append(snap.Versions, it.rec)
		return true
	})
	return snap, nil
}

// Restore implements Store.
func (s *MemStore) Restore(snap *Snapshot) error {
	tree := btree.NewG[versionItem](32, lessVersion)
	for _, rec := range snap.Versions {
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("invalid snapshot version: %w", err)
		}
		tree.ReplaceOrInsert(versionItem{key: versionKey(rec), rec: rec})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	s.tree = tree
	s.meta = snap.Meta
	return nil
}

// Compact implements Store.
func (s *MemStore) Compact(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errClosed
	}

	var drop []versionItem
	var g pathGrouper
	collect := func(_ string, versions []types.Record) bool {
		n := compactable(versions, cutoff)
		for _, v := range versions[:n] {
			drop = append(drop, versionItem{key: versionKey(v)})
		}
		return true
	}
	s.tree.Ascend(func(it versionItem) bool {
		return g.add(it.rec, collect)
	})
	g.flush(collect)

	for _, it := range drop {
		s.tree.Delete(it)
	}
	return len(drop), nil
}

// Meta implements Store.
func (s *MemStore) Meta() (Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta, nil
}

// SetMeta implements Store.
func (s *MemStore) SetMeta(m Meta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta = m
	return nil
}

// Stats implements Store.
func (s *MemStore) Stats() (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{Versions: s.tree.Len()}
	last := ""
	s.tree.Ascend(func(it versionItem) bool {
		if st.Paths == 0 || it.rec.Path != last {
			st.Paths++
			last = it.rec.Path
		}
		return true
	})
	return st, nil
}

// Clear implements Store.
func (s *MemStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.Clear(false)
	s.meta = Meta{}
	return nil
}

// Close implements Store.
func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// MemOpener hands out memory stores. Destroy forgets the entity's store, which
// is how tests simulate losing the local index.
type MemOpener struct {
	mu     sync.Mutex
	stores map[types.EntityID]*MemStore
}

// NewMemOpener creates a MemOpener.
func NewMemOpener() *MemOpener {
	return &MemOpener{stores: make(map[types.EntityID]*MemStore)}
}

// Open implements Opener.
func (o *MemOpener) Open(entity types.EntityID) (Store, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.stores[entity]; ok && !s.isClosed() {
		return s, nil
	}
	s, ok := o.stores[entity]
	if ok {
		// Reopen keeps contents, like reopening a directory on disk.
		reopened := NewMemStore()
		snap, _ := s.snapshotUnchecked()
		_ = reopened.Restore(snap)
		o.stores[entity] = reopened
		return reopened, nil
	}
	s = NewMemStore()
	o.stores[entity] = s
	return s, nil
}

// Exists implements Opener.
func (o *MemOpener) Exists(entity types.EntityID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.stores[entity]
	return ok
}

// Destroy implements Opener.
func (o *MemOpener) Destroy(entity types.EntityID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.stores, entity)
	return nil
}

func (s *MemStore) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *MemStore) snapshotUnchecked() (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := &Snapshot{Meta: s.meta}
	s.tree.Ascend(func(it versionItem) bool {
		snap.Versions = append(snap.Versions, it.rec)
		return true
	})
	return snap, nil
}
