package livelog

import (
	"cmp"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/syntrixbase/backupindex/internal/index/types"
)

// segmentCache is the local home of sealed segments until they are released.
type segmentCache interface {
	put(seg types.Segment) error
	get(entity types.EntityID, seq uint64) (types.Segment, error)
	list(entity types.EntityID) ([]types.Segment, error)
	remove(entity types.EntityID, seq uint64) error
}

type memoryCache struct {
	mu   sync.Mutex
	segs map[types.EntityID]map[uint64][]byte
}

func newMemoryCache() *memoryCache {
	return &memoryCache{segs: make(map[types.EntityID]map[uint64][]byte)}
}

func (c *memoryCache) put(seg types.Segment) error {
	data, err := types.EncodeSegment(seg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.segs[seg.Entity]
	if m == nil {
		m = make(map[uint64][]byte)
		c.segs[seg.Entity] = m
	}
	m[seg.Seq] = data
	return nil
}

func (c *memoryCache) get(entity types.EntityID, seq uint64) (types.Segment, error) {
	c.mu.Lock()
	data, ok := c.segs[entity][seq]
	c.mu.Unlock()
	if !ok {
		return types.Segment{}, fmt.Errorf("%w: segment %d of %s", types.ErrNotFound, seq, entity)
	}
	return types.DecodeSegment(data)
}

func (c *memoryCache) list(entity types.EntityID) ([]types.Segment, error) {
	c.mu.Lock()
	var raw [][]byte
	for _, data := range c.segs[entity] {
		raw = append(raw, data)
	}
	c.mu.Unlock()

	out := make([]types.Segment, 0, len(raw))
	for _, data := range raw {
		seg, err := types.DecodeSegment(data)
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	slices.SortFunc(out, func(a, b types.Segment) int { return cmp.Compare(a.Seq, b.Seq) })
	return out, nil
}

func (c *memoryCache) remove(entity types.EntityID, seq uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.segs[entity], seq)
	return nil
}

// fileCache keeps one file per sealed segment:
// <dir>/<entity>/<seq>.seg
type fileCache struct {
	dir string
}

const segmentExt = ".seg"

func newFileCache(dir string) (*fileCache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create live log directory: %w", err)
	}
	return &fileCache{dir: dir}, nil
}

func (c *fileCache) entityDir(entity types.EntityID) string {
	return filepath.Join(c.dir, url.PathEscape(string(entity)))
}

func (c *fileCache) path(entity types.EntityID, seq uint64) string {
	return filepath.Join(c.entityDir(entity), fmt.Sprintf("%020d%s", seq, segmentExt))
}

func (c *fileCache) put(seg types.Segment) error {
	data, err := types.EncodeSegment(seg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(c.entityDir(seg.Entity), 0755); err != nil {
		return err
	}
	final := c.path(seg.Entity, seg.Seq)
	tmp := final + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

func (c *fileCache) get(entity types.EntityID, seq uint64) (types.Segment, error) {
	data, err := os.ReadFile(c.path(entity, seq))
	if errors.Is(err, os.ErrNotExist) {
		return types.Segment{}, fmt.Errorf("%w: segment %d of %s", types.ErrNotFound, seq, entity)
	}
	if err != nil {
		return types.Segment{}, err
	}
	return types.DecodeSegment(data)
}

func (c *fileCache) list(entity types.EntityID) ([]types.Segment, error) {
	entries, err := os.ReadDir(c.entityDir(entity))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []types.Segment
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), segmentExt) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.entityDir(entity), e.Name()))
		if err != nil {
			return nil, err
		}
		seg, err := types.DecodeSegment(data)
		if err != nil {
			return nil, fmt.Errorf("segment file %s: %w", e.Name(), err)
		}
		out = append(out, seg)
	}
	// Zero-padded names sort in sequence order.
	return out, nil
}

func (c *fileCache) remove(entity types.EntityID, seq uint64) error {
	err := os.Remove(c.path(entity, seq))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
