package payload

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps sealed artifacts in memory. The fault hooks let tests
// simulate an unavailable or lossy durable store.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[Handle][]byte

	// PutErr, when set, is consulted before every Put.
	PutErr func(a Artifact) error
	// GetErr, when set, is consulted before every Get.
	GetErr func(h Handle) error
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[Handle][]byte)}
}

// Put implements Store.
func (s *MemoryStore) Put(ctx context.Context, a Artifact) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	hook := s.PutErr
	s.mu.Unlock()
	if hook != nil {
		if err := hook(a); err != nil {
			return "", err
		}
	}

	data, err := Seal(a)
	if err != nil {
		return "", err
	}
	h := HandleFor(a)
	s.mu.Lock()
	s.objects[h] = data
	s.mu.Unlock()
	return h, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, h Handle) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	hook := s.GetErr
	data, ok := s.objects[h]
	s.mu.Unlock()
	if hook != nil {
		if err := hook(h); err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	a, err := Open(data)
	if err != nil {
		return nil, err
	}
	return a.Body, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(ctx context.Context, h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, h)
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }

// SetFaults replaces both fault hooks.
func (s *MemoryStore) SetFaults(put func(Artifact) error, get func(Handle) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PutErr = put
	s.GetErr = get
}

// Corrupt flips a byte of a stored artifact.
func (s *MemoryStore) Corrupt(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[h]
	if !ok || len(data) == 0 {
		return false
	}
	data[len(data)-1] ^= 0xff
	return true
}

// Len returns the number of stored artifacts.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
