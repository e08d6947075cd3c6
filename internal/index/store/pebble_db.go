package store

import (
	"io"

	"github.com/cockroachdb/pebble"
)

// DB is the subset of *pebble.DB used by PebbleStore. Tests substitute it to
// inject failures.
type DB interface {
	// Get gets the value for the given key. It returns pebble.ErrNotFound if
	// the DB does not contain the key. On success the caller MUST call
	// closer.Close().
	Get(key []byte) (value []byte, closer io.Closer, err error)

	// NewIter returns an unpositioned iterator.
	NewIter(o *pebble.IterOptions) (Iterator, error)

	Set(key, value []byte, o *pebble.WriteOptions) error
	Delete(key []byte, o *pebble.WriteOptions) error

	// NewBatch returns a new empty write-only batch.
	NewBatch() Batch

	Close() error
}

// Iterator is the subset of *pebble.Iterator used by PebbleStore.
type Iterator interface {
	First() bool
	SeekGE(key []byte) bool
	Valid() bool
	Key() []byte
	Value() []byte
	Next() bool
	Error() error
	Close() error
}

// Batch is the subset of *pebble.Batch used by PebbleStore.
type Batch interface {
	Set(key, value []byte, opt *pebble.WriteOptions) error
	Delete(key []byte, opt *pebble.WriteOptions) error
	Commit(o *pebble.WriteOptions) error
	Close() error
}

// PebbleDB wraps a pebble.DB to implement the DB interface.
type PebbleDB struct {
	db *pebble.DB
}

func (p *PebbleDB) Get(key []byte) (value []byte, closer io.Closer, err error) {
	return p.db.Get(key)
}

func (p *PebbleDB) NewIter(o *pebble.IterOptions) (Iterator, error) {
	it, err := p.db.NewIter(o)
	if err != nil {
		return nil, err
	}
	return it, nil
}

func (p *PebbleDB) Set(key, value []byte, o *pebble.WriteOptions) error {
	return p.db.Set(key, value, o)
}

func (p *PebbleDB) Delete(key []byte, o *pebble.WriteOptions) error {
	return p.db.Delete(key, o)
}

func (p *PebbleDB) NewBatch() Batch {
	return p.db.NewBatch()
}

func (p *PebbleDB) Close() error {
	return p.db.Close()
}
