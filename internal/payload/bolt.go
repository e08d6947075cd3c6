package payload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltStore keeps artifacts in a single bbolt file, one bucket per kind.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (or creates) the bolt file at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if path == "" {
		return nil, fmt.Errorf("payload path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create payload directory: %w", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open payload store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, k := range []Kind{KindCheckpoint, KindSegment} {
			if _, err := tx.CreateBucketIfNotExists([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create payload buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// Put implements Store.
func (s *BoltStore) Put(ctx context.Context, a Artifact) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := Seal(a)
	if err != nil {
		return "", err
	}
	h := HandleFor(a)
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(a.Kind))
		if err != nil {
			return err
		}
		return b.Put([]byte(h), data)
	})
	if err != nil {
		return "", fmt.Errorf("failed to store artifact %s: %w", h, err)
	}
	return h, nil
}

// Get implements Store.
func (s *BoltStore) Get(ctx context.Context, h Handle) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kind, _, _, err := ParseHandle(h)
	if err != nil {
		return nil, err
	}
	var data []byte
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(h)); v != nil {
			data = append([]byte{}, v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", h, err)
	}
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	a, err := Open(data)
	if err != nil {
		return nil, err
	}
	return a.Body, nil
}

// Delete implements Store.
func (s *BoltStore) Delete(ctx context.Context, h Handle) error {
	kind, _, _, err := ParseHandle(h)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(h))
	})
}

// Close implements Store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
