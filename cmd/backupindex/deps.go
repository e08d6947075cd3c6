package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/syntrixbase/backupindex/internal/catalog"
	"github.com/syntrixbase/backupindex/internal/chunk"
	"github.com/syntrixbase/backupindex/internal/config"
	"github.com/syntrixbase/backupindex/internal/engine"
	"github.com/syntrixbase/backupindex/internal/events"
	"github.com/syntrixbase/backupindex/internal/index/store"
	"github.com/syntrixbase/backupindex/internal/payload"
)

// openDeps opens the backends cfg selects. On error everything opened so
// far is closed.
func openDeps(ctx context.Context, cfg *config.Config, logger *slog.Logger) (deps engine.Deps, err error) {
	deps = engine.Deps{
		Nodes:  chunk.NewHTTPNodeProber(cfg.NodeURLs(), cfg.Chunk.ProbeTimeout),
		Chunks: &chunk.FileChunkProber{Root: cfg.Chunk.Root},
		Mover:  &chunk.FileMover{Root: cfg.Chunk.Root, StageDir: cfg.Chunk.StageDir},
		Logger: logger,
	}
	defer func() {
		if err != nil {
			closeDeps(ctx, deps)
		}
	}()

	switch cfg.Index.Backend {
	case config.BackendMemory:
		deps.Stores = store.NewMemOpener()
	default:
		deps.Stores = &store.PebbleOpener{Dir: cfg.IndexDir(), Logger: logger}
	}

	switch cfg.Payload.Backend {
	case config.BackendMemory:
		deps.Payloads = payload.NewMemoryStore()
	default:
		bolt, err := payload.OpenBoltStore(cfg.Payload.Path)
		if err != nil {
			return deps, fmt.Errorf("failed to open payload store: %w", err)
		}
		deps.Payloads = bolt
	}

	switch cfg.Catalog.Backend {
	case config.BackendMemory:
		deps.Catalog = catalog.NewMemoryCatalog()
	default:
		mongo, err := catalog.ConnectMongo(ctx, cfg.Catalog.URI, cfg.Catalog.Database)
		if err != nil {
			return deps, fmt.Errorf("failed to connect catalog: %w", err)
		}
		deps.Catalog = mongo
	}

	if cfg.Events.NATSURL == "" {
		deps.Publisher = events.NoopPublisher{}
	} else {
		pub, err := events.DialNATS(cfg.Events.NATSURL, cfg.Events.Stream)
		if err != nil {
			return deps, err
		}
		deps.Publisher = pub
	}
	logger.Info("Backends opened",
		"index", cfg.Index.Backend,
		"payload", cfg.Payload.Backend,
		"catalog", cfg.Catalog.Backend,
		"events", cfg.Events.NATSURL != "",
	)
	return deps, nil
}

// closeDeps releases backends not yet handed to an engine.
func closeDeps(ctx context.Context, deps engine.Deps) {
	if deps.Publisher != nil {
		_ = deps.Publisher.Close()
	}
	if deps.Catalog != nil {
		_ = deps.Catalog.Close(ctx)
	}
	if deps.Payloads != nil {
		_ = deps.Payloads.Close()
	}
}
