// Package payload is the narrow durable payload contract used by the
// checkpoint manager and playback engine: store an artifact, retrieve it by
// handle. The storage medium behind it is irrelevant to the index.
package payload

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/syntrixbase/backupindex/internal/index/types"
)

var (
	// ErrNotFound is returned when a handle does not resolve to an artifact.
	ErrNotFound = errors.New("payload not found")

	// ErrCorrupt is returned when a stored artifact fails its checksum.
	ErrCorrupt = fmt.Errorf("payload corrupt: %w", types.ErrChunkCorrupt)
)

// Kind is the artifact type.
type Kind string

const (
	KindCheckpoint Kind = "checkpoint"
	KindSegment    Kind = "segment"
)

// Artifact is one durable payload.
type Artifact struct {
	Kind   Kind
	Entity types.EntityID
	// Name identifies the artifact within its kind and entity.
	Name string
	Body []byte
}

// Handle is the durable reference returned by Put.
type Handle string

// HandleFor returns the handle an artifact is stored under. Storing the same
// artifact identity twice overwrites it.
func HandleFor(a Artifact) Handle {
	return Handle(string(a.Kind) + "/" + url.PathEscape(string(a.Entity)) + "/" + url.PathEscape(a.Name))
}

// ParseHandle splits a handle into kind, entity and name.
func ParseHandle(h Handle) (Kind, types.EntityID, string, error) {
	parts := strings.Split(string(h), "/")
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("invalid payload handle %q", h)
	}
	entity, err := url.PathUnescape(parts[1])
	if err != nil {
		return "", "", "", fmt.Errorf("invalid payload handle %q: %w", h, err)
	}
	name, err := url.PathUnescape(parts[2])
	if err != nil {
		return "", "", "", fmt.Errorf("invalid payload handle %q: %w", h, err)
	}
	return Kind(parts[0]), types.EntityID(entity), name, nil
}

// Store is the durable payload store.
type Store interface {
	Put(ctx context.Context, a Artifact) (Handle, error)
	Get(ctx context.Context, h Handle) ([]byte, error)
	Delete(ctx context.Context, h Handle) error
	Close() error
}
