package chunk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/syntrixbase/backupindex/internal/catalog"
	"github.com/syntrixbase/backupindex/internal/index/types"
)

// HTTPNodeProber checks nodes with GET <url>/healthz.
type HTTPNodeProber struct {
	Client *http.Client

	mu   sync.RWMutex
	urls map[types.NodeID]string
}

// NewHTTPNodeProber creates a prober for the given node base URLs.
func NewHTTPNodeProber(urls map[types.NodeID]string, timeout time.Duration) *HTTPNodeProber {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	p := &HTTPNodeProber{
		Client: &http.Client{Timeout: timeout},
		urls:   make(map[types.NodeID]string, len(urls)),
	}
	for n, u := range urls {
		p.urls[n] = strings.TrimRight(u, "/")
	}
	return p
}

// SetURL registers or replaces a node's base URL.
func (p *HTTPNodeProber) SetURL(node types.NodeID, base string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.urls[node] = strings.TrimRight(base, "/")
}

// ProbeNode implements NodeProber.
func (p *HTTPNodeProber) ProbeNode(ctx context.Context, node types.NodeID) error {
	p.mu.RLock()
	base, ok := p.urls[node]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: node %s has no address", types.ErrNodeUnreachable, node)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("%w: node %s: %v", types.ErrNodeUnreachable, node, err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: node %s: %v", types.ErrNodeUnreachable, node, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: node %s answered %d", types.ErrNodeUnreachable, node, resp.StatusCode)
	}
	return nil
}

// FileChunkProber looks for chunk files at <Root>/<node>/<volume>/<chunk>.
type FileChunkProber struct {
	Root string
}

// ChunkPath returns the file holding a chunk on its node.
func ChunkPath(root string, node types.NodeID, ref types.ChunkRef) string {
	return filepath.Join(root, url.PathEscape(string(node)), url.PathEscape(string(ref.Volume)), url.PathEscape(ref.ID))
}

// ProbeChunk implements ChunkProber.
func (p *FileChunkProber) ProbeChunk(_ context.Context, pl catalog.Placement) error {
	path := ChunkPath(p.Root, pl.Node, pl.Ref)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: chunk %s not found at %s", types.ErrChunkMissing, pl.Ref, path)
	}
	if err != nil {
		return fmt.Errorf("%w: chunk %s open failed: %v", types.ErrChunkMissing, pl.Ref, err)
	}
	return f.Close()
}
