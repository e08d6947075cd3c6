package chunk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"

	"github.com/syntrixbase/backupindex/internal/catalog"
	"github.com/syntrixbase/backupindex/internal/index/types"
)

// FileMover reads chunk files from their nodes and stages copies for a
// consolidation job under <StageDir>/<job>/<volume>/<chunk>.
type FileMover struct {
	Root     string
	StageDir string
}

// Checksum returns the checksum recorded for chunk contents.
func Checksum(data []byte) uint64 {
	return xxhash.Sum64(data)
}

func (m *FileMover) stagePath(job types.JobID, ref types.ChunkRef) string {
	return filepath.Join(m.StageDir, url.PathEscape(string(job)), url.PathEscape(string(ref.Volume)), url.PathEscape(ref.ID))
}

// CopyChunk stages one chunk for job. A missing source is ErrChunkMissing; a
// checksum mismatch is ErrChunkCorrupt.
func (m *FileMover) CopyChunk(ctx context.Context, job types.JobID, p catalog.Placement) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := os.Open(ChunkPath(m.Root, p.Node, p.Ref))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: chunk %s", types.ErrChunkMissing, p.Ref)
	}
	if err != nil {
		return fmt.Errorf("%w: chunk %s: %v", types.ErrChunkMissing, p.Ref, err)
	}
	defer src.Close()

	dst := m.stagePath(job, p.Ref)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	h := xxhash.New()
	if _, err := io.Copy(io.MultiWriter(out, h), src); err != nil {
		out.Close()
		return fmt.Errorf("failed to read chunk %s: %w", p.Ref, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	if p.Checksum != 0 && h.Sum64() != p.Checksum {
		_ = os.Remove(dst)
		return fmt.Errorf("%w: chunk %s checksum %x, catalog has %x", types.ErrChunkCorrupt, p.Ref, h.Sum64(), p.Checksum)
	}
	return nil
}

// Discard removes everything staged for job.
func (m *FileMover) Discard(_ context.Context, job types.JobID) error {
	return os.RemoveAll(filepath.Join(m.StageDir, url.PathEscape(string(job))))
}

// Staged reports whether a chunk is staged for job.
func (m *FileMover) Staged(job types.JobID, ref types.ChunkRef) bool {
	_, err := os.Stat(m.stagePath(job, ref))
	return err == nil
}

// WriteChunkFile stores data as the chunk file of p on its node and returns
// the placement with its checksum filled in.
func WriteChunkFile(root string, p catalog.Placement, data []byte) (catalog.Placement, error) {
	path := ChunkPath(root, p.Node, p.Ref)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return p, err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return p, err
	}
	p.Size = int64(len(data))
	p.Checksum = Checksum(data)
	return p, nil
}
