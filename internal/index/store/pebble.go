package store

import (
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/syntrixbase/backupindex/internal/index/types"
)

var errClosed = errors.New("index store closed")

var keyMeta = []byte("m/meta")

// PebbleStore implements Store on a pebble database. Each entity gets its own
// database directory.
type PebbleStore struct {
	db     DB
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// OpenPebbleStore opens (or creates) the store at path.
func OpenPebbleStore(path string, logger *slog.Logger) (*PebbleStore, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}

	return newPebbleStore(&PebbleDB{db: db}, path, logger), nil
}

func newPebbleStore(db DB, path string, logger *slog.Logger) *PebbleStore {
	return &PebbleStore{
		db:     db,
		path:   path,
		logger: logger.With("component", "index-store", "path", path),
	}
}

// Apply implements Store.
func (s *PebbleStore) Apply(rec types.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	value, err := types.EncodeRecord(rec)
	if err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errClosed
	}
	if err := s.db.Set(versionKey(rec), value, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to apply record: %w", err)
	}
	return nil
}

// ApplyAll implements Store. The records are committed in one batch.
func (s *PebbleStore) ApplyAll(recs []types.Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errClosed
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	for _, rec := range recs {
		if err := rec.Validate(); err != nil {
			return err
		}
		value, err := types.EncodeRecord(rec)
		if err != nil {
			return err
		}
		if err := batch.Set(versionKey(rec), value, nil); err != nil {
			return fmt.Errorf("failed to stage record: %w", err)
		}
	}
	if err := batch.Commit(pebble.NoSync); err != nil {
		return fmt.Errorf("failed to apply records: %w", err)
	}
	return nil
}

// Query implements Store. Each range over the sequence opens a fresh pebble
// iterator, which reads a consistent point-in-time view of the database.
func (s *PebbleStore) Query(opts QueryOptions) iter.Seq2[types.Entry, error] {
	return func(yield func(types.Entry, error) bool) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if s.closed {
			yield(types.Entry{}, errClosed)
			return
		}

		lower := prefixKey(opts.Prefix)
		it, err := s.db.NewIter(&pebble.IterOptions{
			LowerBound: lower,
			UpperBound: prefixUpperBound(lower),
		})
		if err != nil {
			yield(types.Entry{}, fmt.Errorf("failed to create iterator: %w", err))
			return
		}
		defer it.Close()

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

		for valid := it.First(); valid; valid = it.Next() {
			rec, err := types.DecodeRecord(it.Value())
			if err != nil {
				yield(types.Entry{}, err)
				return
			}
			if !g.add(rec, emit) {
				return
			}
		}
		if err := it.Error(); err != nil {
			yield(types.Entry{}, fmt.Errorf("iterator error: %w", err))
			return
		}
		if !stopped {
			g.flush(emit)
		}
	}
}

// scan calls fn for every version in key order.
func (s *PebbleStore) scan(fn func(key []byte, rec types.Record) bool) error {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: versionPrefix,
		UpperBound: prefixUpperBound(versionPrefix),
	})
	if err != nil {
		return fmt.Errorf("failed to create iterator: %w", err)
	}
	defer it.Close()

	for valid := it.First(); valid; valid = it.Next() {
		rec, err := types.DecodeRecord(it.Value())
		if err != nil {
			return err
		}
		key := append([]byte{}, it.Key()...)
		if !fn(key, rec) {
			break
		}
	}
	return it.Error()
}

// Snapshot implements Store.
func (s *PebbleStore) Snapshot() (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errClosed
	}

	meta, err := s.loadMeta()
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Meta: meta}
	err = s.scan(func(_ []byte, rec types.Record) bool {
		snap.Versions = append(snap.Versions, rec)
		return true
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Restore implements Store.
func (s *PebbleStore) Restore(snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}

	if err := s.clearLocked(); err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	for _, rec := range snap.Versions {
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("invalid snapshot version: %w", err)
		}
		value, err := types.EncodeRecord(rec)
		if err != nil {
			return err
		}
		if err := batch.Set(versionKey(rec), value, nil); err != nil {
			return fmt.Errorf("failed to stage version: %w", err)
		}
	}
	metaValue, err := bson.Marshal(snap.Meta)
	if err != nil {
		return err
	}
	if err := batch.Set(keyMeta, metaValue, nil); err != nil {
		return fmt.Errorf("failed to stage meta: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit restore: %w", err)
	}
	s.logger.Debug("store restored", "versions", len(snap.Versions), "txn", snap.Meta.TransactionID)
	return nil
}

// Compact implements Store.
func (s *PebbleStore) Compact(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errClosed
	}

	var drop [][]byte
	var g pathGrouper
	collect := func(_ string, versions []types.Record) bool {
		n := compactable(versions, cutoff)
		for _, v := range versions[:n] {
			drop = append(drop, versionKey(v))
		}
		return true
	}
	err := s.scan(func(_ []byte, rec types.Record) bool {
		return g.add(rec, collect)
	})
	if err != nil {
		return 0, err
	}
	g.flush(collect)

	if len(drop) == 0 {
		return 0, nil
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	for _, k := range drop {
		if err := batch.Delete(k, nil); err != nil {
			return 0, fmt.Errorf("failed to stage delete: %w", err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to commit compaction: %w", err)
	}
	return len(drop), nil
}

func (s *PebbleStore) loadMeta() (Meta, error) {
	value, closer, err := s.db.Get(keyMeta)
	if errors.Is(err, pebble.ErrNotFound) {
		return Meta{}, nil
	}
	if err != nil {
		return Meta{}, fmt.Errorf("failed to read meta: %w", err)
	}
	defer closer.Close()

	var m Meta
	if err := bson.Unmarshal(value, &m); err != nil {
		return Meta{}, fmt.Errorf("failed to decode meta: %w", err)
	}
	return m, nil
}

// Meta implements Store.
func (s *PebbleStore) Meta() (Meta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Meta{}, errClosed
	}
	return s.loadMeta()
}

// SetMeta implements Store.
func (s *PebbleStore) SetMeta(m Meta) error {
	value, err := bson.Marshal(m)
	if err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errClosed
	}
	if err := s.db.Set(keyMeta, value, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write meta: %w", err)
	}
	return nil
}

// Stats implements Store.
func (s *PebbleStore) Stats() (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Stats{}, errClosed
	}
	var st Stats
	last := ""
	err := s.scan(func(key []byte, _ types.Record) bool {
		st.Versions++
		if p := pathFromKey(key); st.Paths == 0 || p != last {
			st.Paths++
			last = p
		}
		return true
	})
	return st, err
}

// Clear implements Store.
func (s *PebbleStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	return s.clearLocked()
}

func (s *PebbleStore) clearLocked() error {
	var keys [][]byte
	if err := s.scan(func(key []byte, _ types.Record) bool {
		keys = append(keys, key)
		return true
	}); err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	for _, k := range keys {
		if err := batch.Delete(k, nil); err != nil {
			return fmt.Errorf("failed to stage delete: %w", err)
		}
	}
	if err := batch.Delete(keyMeta, nil); err != nil {
		return fmt.Errorf("failed to stage meta delete: %w", err)
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit clear: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close pebble database: %w", err)
	}
	return nil
}

// PebbleOpener lays out one pebble database per entity under Dir.
type PebbleOpener struct {
	Dir    string
	Logger *slog.Logger
}

func (o *PebbleOpener) entityPath(entity types.EntityID) string {
	return filepath.Join(o.Dir, url.PathEscape(string(entity)), "index")
}

// Open implements Opener.
func (o *PebbleOpener) Open(entity types.EntityID) (Store, error) {
	return OpenPebbleStore(o.entityPath(entity), o.Logger)
}

// Exists implements Opener.
func (o *PebbleOpener) Exists(entity types.EntityID) bool {
	_, err := os.Stat(o.entityPath(entity))
	return err == nil
}

// Destroy implements Opener.
func (o *PebbleOpener) Destroy(entity types.EntityID) error {
	if err := os.RemoveAll(o.entityPath(entity)); err != nil {
		return fmt.Errorf("failed to remove index store: %w", err)
	}
	return nil
}
