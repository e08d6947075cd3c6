package types

import "errors"

// Write errors.
var (
	ErrEntityLocked     = errors.New("entity locked by checkpoint")
	ErrStorageFull      = errors.New("live log storage full")
	ErrSegmentSealed    = errors.New("segment already sealed")
	ErrSequenceConflict = errors.New("record sequence conflict")
	ErrInvalidRecord    = errors.New("invalid record")
)

// Checkpoint errors.
var (
	ErrCheckpointInFlight = errors.New("checkpoint already in flight")
	ErrDurabilityFailed   = errors.New("checkpoint durability failed")
)

// Playback errors.
var (
	ErrMissingCheckpoint  = errors.New("no retrievable checkpoint")
	ErrGapInLog           = errors.New("gap in live log")
	ErrStorageUnavailable = errors.New("durable storage unavailable")
)

// Chunk errors.
var (
	ErrNodeUnreachable = errors.New("node unreachable")
	ErrChunkMissing    = errors.New("chunk missing")
	ErrChunkCorrupt    = errors.New("chunk corrupt")
)

// Lookup and state errors.
var (
	ErrNotFound          = errors.New("not found")
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// IsTransient reports whether err is a condition that is retried locally and
// surfaced as pending rather than as a failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNodeUnreachable) ||
		errors.Is(err, ErrChunkMissing) ||
		errors.Is(err, ErrDurabilityFailed) ||
		errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrEntityLocked)
}
