package gridcache

import (
	"context"
	"fmt"
	"path"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/regional-access/internal/analyst"
	"github.com/JakeFAU/regional-access/internal/metrics"
)

// Cache resolves grid identifiers to density grids stored under prefix in a blob store.
// Loaded grids are immutable and shared between jobs.
type Cache struct {
	store  analyst.BlobStore
	prefix string
	logger *zap.Logger

	mu    sync.RWMutex
	grids map[string]*analyst.Grid
	group singleflight.Group
}

// New constructs a Cache.
func New(store analyst.BlobStore, prefix string, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		store:  store,
		prefix: prefix,
		logger: logger,
		grids:  make(map[string]*analyst.Grid),
	}
}

// Get returns the grid for id, loading it at most once.
func (c *Cache) Get(ctx context.Context, id string) (*analyst.Grid, error) {
	c.mu.RLock()
	g, ok := c.grids[id]
	c.mu.RUnlock()
	if ok {
		return g, nil
	}

	// The shared load outlives any one caller so a cancelled request does not fail the others.
	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(id, func() (any, error) {
		return c.load(loadCtx, id)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*analyst.Grid), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("load grid %q: %w", id, ctx.Err())
	}
}

func (c *Cache) load(ctx context.Context, id string) (*analyst.Grid, error) {
	objectPath := path.Join(c.prefix, id+".grid")
	rc, err := c.store.GetObject(ctx, objectPath)
	if err != nil {
		metrics.ObserveGridCacheLoad("error")
		return nil, fmt.Errorf("fetch grid %q: %w", id, err)
	}
	defer rc.Close()

	g, err := ReadGrid(rc)
	if err != nil {
		metrics.ObserveGridCacheLoad("error")
		return nil, fmt.Errorf("decode grid %q: %w", id, err)
	}
	metrics.ObserveGridCacheLoad("ok")
	c.mu.Lock()
	c.grids[id] = g
	c.mu.Unlock()
	c.logger.Info("density grid loaded",
		zap.String("grid", id),
		zap.Int("zoom", g.Zoom),
		zap.Int("width", g.Width),
		zap.Int("height", g.Height),
	)
	return g, nil
}
