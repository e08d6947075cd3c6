package payload

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/backupindex/internal/index/types"
)

func TestHandleRoundTrip(t *testing.T) {
	a := Artifact{Kind: KindSegment, Entity: "client/fs default", Name: "00000000000000000003"}
	h := HandleFor(a)

	kind, entity, name, err := ParseHandle(h)
	require.NoError(t, err)
	assert.Equal(t, KindSegment, kind)
	assert.Equal(t, a.Entity, entity)
	assert.Equal(t, a.Name, name)

	_, _, _, err = ParseHandle("nope")
	assert.Error(t, err)
}

func TestEnvelope(t *testing.T) {
	a := Artifact{Kind: KindCheckpoint, Entity: "e1", Name: "c1", Body: []byte("snapshot bytes")}
	data, err := Seal(a)
	require.NoError(t, err)

	got, err := Open(data)
	require.NoError(t, err)
	assert.Equal(t, a, got)

	data[len(data)-1] ^= 0x01
	_, err = Open(data)
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.ErrorIs(t, err, types.ErrChunkCorrupt)

	_, err = Open([]byte("short"))
	assert.ErrorIs(t, err, ErrCorrupt)
}

func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"bolt": func(t *testing.T) Store {
			s, err := OpenBoltStore(filepath.Join(t.TempDir(), "payload", "payload.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func TestStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	for name, open := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			a := Artifact{Kind: KindSegment, Entity: "e1", Name: "1", Body: []byte{1, 2, 3}}

			h, err := s.Put(ctx, a)
			require.NoError(t, err)
			assert.Equal(t, HandleFor(a), h)

			body, err := s.Get(ctx, h)
			require.NoError(t, err)
			assert.Equal(t, a.Body, body)

			a.Body = []byte{4}
			h2, err := s.Put(ctx, a)
			require.NoError(t, err)
			assert.Equal(t, h, h2)
			body, err = s.Get(ctx, h)
			require.NoError(t, err)
			assert.Equal(t, []byte{4}, body)

			require.NoError(t, s.Delete(ctx, h))
			_, err = s.Get(ctx, h)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestMemoryStore_Faults(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	boom := errors.New("tape offline")

	s.SetFaults(func(Artifact) error { return boom }, nil)
	_, err := s.Put(ctx, Artifact{Kind: KindCheckpoint, Entity: "e", Name: "x"})
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, s.Len())

	s.SetFaults(nil, nil)
	h, err := s.Put(ctx, Artifact{Kind: KindCheckpoint, Entity: "e", Name: "x", Body: []byte("ok")})
	require.NoError(t, err)

	s.SetFaults(nil, func(Handle) error { return boom })
	_, err = s.Get(ctx, h)
	assert.ErrorIs(t, err, boom)

	s.SetFaults(nil, nil)
	require.True(t, s.Corrupt(h))
	_, err = s.Get(ctx, h)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestBoltStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "payload.db")
	s, err := OpenBoltStore(path)
	require.NoError(t, err)
	h, err := s.Put(ctx, Artifact{Kind: KindCheckpoint, Entity: "e", Name: "c", Body: []byte("cp")})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenBoltStore(path)
	require.NoError(t, err)
	defer s.Close()
	body, err := s.Get(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, []byte("cp"), body)
}
