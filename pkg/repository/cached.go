package repository

import (
	"context"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/winsync/winsync/pkg/engine"
)

// CachedRepository keeps metadata records and installer scripts of the
// current session in memory. The caches are purged when a session starts
// and when it ends, so a long-running agent never serves a record from an
// earlier run. Archive files and profiles are not cached.
type CachedRepository struct {
	inner    Repository
	metadata *lru.Cache[string, []byte]
	scripts  *lru.Cache[string, *engine.InstallerScript]

	hits   atomic.Int64
	misses atomic.Int64
}

var _ Repository = (*CachedRepository)(nil)

// CacheStats counts cache lookups since creation.
type CacheStats struct {
	Hits   int64
	Misses int64
}

// NewCachedRepository wraps inner with caches holding up to size entries
// each.
func NewCachedRepository(inner Repository, size int) (*CachedRepository, error) {
	metadata, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata cache: %w", err)
	}
	scripts, err := lru.New[string, *engine.InstallerScript](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create script cache: %w", err)
	}
	return &CachedRepository{inner: inner, metadata: metadata, scripts: scripts}, nil
}

// Unwrap returns the wrapped repository.
func (c *CachedRepository) Unwrap() Repository {
	return c.inner
}

// Stats returns the hit and miss counters.
func (c *CachedRepository) Stats() CacheStats {
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

func (c *CachedRepository) purge() {
	c.metadata.Purge()
	c.scripts.Purge()
}

// StartSession purges the caches and starts the inner session.
func (c *CachedRepository) StartSession(ctx context.Context) error {
	c.purge()
	return c.inner.StartSession(ctx)
}

// EndSession ends the inner session and purges the caches.
func (c *CachedRepository) EndSession(ctx context.Context) error {
	defer c.purge()
	return c.inner.EndSession(ctx)
}

// FetchMetadata serves the record from the cache when present. Errors are
// never cached.
func (c *CachedRepository) FetchMetadata(ctx context.Context, id string) ([]byte, error) {
	if data, ok := c.metadata.Get(id); ok {
		c.hits.Add(1)
		return data, nil
	}
	c.misses.Add(1)

	data, err := c.inner.FetchMetadata(ctx, id)
	if err != nil {
		return nil, err
	}
	c.metadata.Add(id, data)
	return data, nil
}

// FetchInstallerScript serves the script from the cache when present.
// Packages sharing an installer fetch it once per session.
func (c *CachedRepository) FetchInstallerScript(ctx context.Context, ref string) (*engine.InstallerScript, error) {
	if script, ok := c.scripts.Get(ref); ok {
		c.hits.Add(1)
		return script, nil
	}
	c.misses.Add(1)

	script, err := c.inner.FetchInstallerScript(ctx, ref)
	if err != nil {
		return nil, err
	}
	c.scripts.Add(ref, script)
	return script, nil
}

// FetchArchiveFile passes through to the inner repository.
func (c *CachedRepository) FetchArchiveFile(ctx context.Context, id, filename, destDir string) (string, error) {
	return c.inner.FetchArchiveFile(ctx, id, filename, destDir)
}

// FetchProfiles passes through to the inner repository.
func (c *CachedRepository) FetchProfiles(ctx context.Context) ([]byte, error) {
	return c.inner.FetchProfiles(ctx)
}
