package store

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/backupindex/internal/index/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestPebbleStore_ReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenPebbleStore(dir, testLogger())
	require.NoError(t, err)
	seed(t, s)
	require.NoError(t, s.SetMeta(Meta{TransactionID: 2, LastAppliedSeq: 5, Stale: true}))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "double close is a no-op")

	s, err = OpenPebbleStore(dir, testLogger())
	require.NoError(t, err)
	defer s.Close()

	meta, err := s.Meta()
	require.NoError(t, err)
	assert.Equal(t, Meta{TransactionID: 2, LastAppliedSeq: 5, Stale: true}, meta)
	assert.Len(t, collect(t, s, QueryOptions{IncludeDeleted: true}), 4)
}

func TestPebbleStore_RequiresPath(t *testing.T) {
	_, err := OpenPebbleStore("", nil)
	assert.Error(t, err)
}

func TestPebbleOpener(t *testing.T) {
	o := &PebbleOpener{Dir: t.TempDir(), Logger: testLogger()}
	entity := types.EntityID("client1/fs/default")

	assert.False(t, o.Exists(entity))
	s, err := o.Open(entity)
	require.NoError(t, err)
	require.NoError(t, s.Apply(rec(types.OpAdd, "/a", "j", 1, 0)))
	require.NoError(t, s.Close())
	assert.True(t, o.Exists(entity))

	require.NoError(t, o.Destroy(entity))
	assert.False(t, o.Exists(entity))

	s, err = o.Open(entity)
	require.NoError(t, err)
	defer s.Close()
	st, err := s.Stats()
	require.NoError(t, err)
	assert.Zero(t, st.Versions)
}

// failingDB fails every write and hands out failing iterators.
type failingDB struct {
	err error
}

func (f *failingDB) Get([]byte) ([]byte, io.Closer, error)         { return nil, nil, pebble.ErrNotFound }
func (f *failingDB) NewIter(*pebble.IterOptions) (Iterator, error) { return nil, f.err }
func (f *failingDB) Set([]byte, []byte, *pebble.WriteOptions) error {
	return f.err
}
func (f *failingDB) Delete([]byte, *pebble.WriteOptions) error { return f.err }
func (f *failingDB) NewBatch() Batch                           { return nil }
func (f *failingDB) Close() error                              { return nil }

func TestPebbleStore_SurfacesDBErrors(t *testing.T) {
	boom := errors.New("disk gone")
	s := newPebbleStore(&failingDB{err: boom}, "mock", testLogger())

	err := s.Apply(rec(types.OpAdd, "/a", "j", 1, 0))
	assert.ErrorIs(t, err, boom)

	for _, err := range s.Query(QueryOptions{}) {
		assert.ErrorIs(t, err, boom)
	}

	_, err = s.Snapshot()
	assert.ErrorIs(t, err, boom)

	meta, err := s.Meta()
	require.NoError(t, err)
	assert.Zero(t, meta)
}
