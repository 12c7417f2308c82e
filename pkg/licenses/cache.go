package licenses

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/storage"
)

// Cache lookup results reported to the CacheObserver
const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheStale = "stale"
)

// CacheObserver receives one call per lookup
type CacheObserver interface {
	LicenseCacheLookup(result string)
}

// CacheConfig configures a CachedStore
type CacheConfig struct {
	// TTL bounds how long a fresh entry is served without hitting the store
	TTL time.Duration
	// Size is the maximum number of tenants held in each layer
	Size int
	// LoadTimeout bounds a single store read
	LoadTimeout time.Duration
}

// DefaultCacheConfig returns the request-path defaults
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:         30 * time.Second,
		Size:        10000,
		LoadTimeout: 250 * time.Millisecond,
	}
}

// CachedStore fronts a Store with a short-TTL cache. When the store fails
// it serves the last known good copy and marks the result stale; without
// a copy the error is returned as storage.ErrUnavailable.
type CachedStore struct {
	store     Store
	cfg       CacheConfig
	fresh     *expirable.LRU[string, *TenantLicense]
	lastKnown *lru.Cache[string, *TenantLicense]
	group     singleflight.Group
	observer  CacheObserver
	logger    *observability.Logger

	// generation changes on every invalidation so in-flight loads that
	// started earlier do not repopulate the cache
	mu         sync.Mutex
	generation map[string]uint64
}

// NewCachedStore wraps store. observer and logger may be nil.
func NewCachedStore(store Store, cfg CacheConfig, observer CacheObserver, logger *observability.Logger) (*CachedStore, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheConfig().TTL
	}
	if cfg.Size <= 0 {
		cfg.Size = DefaultCacheConfig().Size
	}
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultCacheConfig().LoadTimeout
	}
	lastKnown, err := lru.New[string, *TenantLicense](cfg.Size)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &CachedStore{
		store:      store,
		cfg:        cfg,
		fresh:      expirable.NewLRU[string, *TenantLicense](cfg.Size, nil, cfg.TTL),
		lastKnown:  lastKnown,
		observer:   observer,
		logger:     logger.WithField("component", "license_cache"),
		generation: make(map[string]uint64),
	}, nil
}

// Lookup returns the tenant's license and whether it came from the
// last-known-good copy because the store was unreachable.
func (c *CachedStore) Lookup(ctx context.Context, tenantID string) (*TenantLicense, bool, error) {
	if l, ok := c.fresh.Get(tenantID); ok {
		c.observe(CacheHit)
		return l.Clone(), false, nil
	}
	c.observe(CacheMiss)

	gen := c.currentGeneration(tenantID)
	ch := c.group.DoChan(tenantID, func() (interface{}, error) {
		// the load outlives a single caller so a cancelled request does not
		// fail every waiter sharing it
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.LoadTimeout)
		defer cancel()
		return c.store.GetLicense(loadCtx, tenantID)
	})

	var (
		loaded *TenantLicense
		err    error
	)
	select {
	case res := <-ch:
		err = res.Err
		if err == nil {
			loaded = res.Val.(*TenantLicense)
		}
	case <-ctx.Done():
		err = storage.Unavailable("licenses", "get", ctx.Err())
	}

	if err == nil {
		if c.currentGeneration(tenantID) == gen {
			c.fresh.Add(tenantID, loaded.Clone())
			c.lastKnown.Add(tenantID, loaded.Clone())
		}
		return loaded.Clone(), false, nil
	}

	if errors.Is(err, ErrLicenseNotFound) {
		c.fresh.Remove(tenantID)
		c.lastKnown.Remove(tenantID)
		return nil, false, err
	}

	if l, ok := c.lastKnown.Get(tenantID); ok {
		c.observe(CacheStale)
		c.logger.WithError(err).WithField("tenant_id", tenantID).Warn("serving stale license")
		return l.Clone(), true, nil
	}
	if !storage.IsUnavailable(err) {
		err = storage.Unavailable("licenses", "get", err)
	}
	return nil, false, err
}

// GetLicense implements Store, discarding the stale flag
func (c *CachedStore) GetLicense(ctx context.Context, tenantID string) (*TenantLicense, error) {
	l, _, err := c.Lookup(ctx, tenantID)
	return l, err
}

// SaveLicense writes through to the store and invalidates the tenant
func (c *CachedStore) SaveLicense(ctx context.Context, license *TenantLicense) error {
	defer c.Invalidate(license.TenantID)
	return c.store.SaveLicense(ctx, license)
}

// ListLicenses reads the store directly
func (c *CachedStore) ListLicenses(ctx context.Context) ([]*TenantLicense, error) {
	return c.store.ListLicenses(ctx)
}

// Invalidate drops every cached copy of the tenant's license
func (c *CachedStore) Invalidate(tenantID string) {
	c.mu.Lock()
	c.generation[tenantID]++
	c.mu.Unlock()
	c.group.Forget(tenantID)
	c.fresh.Remove(tenantID)
	c.lastKnown.Remove(tenantID)
}

// Len returns the number of fresh entries
func (c *CachedStore) Len() int {
	return c.fresh.Len()
}

func (c *CachedStore) currentGeneration(tenantID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation[tenantID]
}

func (c *CachedStore) observe(result string) {
	if c.observer != nil {
		c.observer.LicenseCacheLookup(result)
	}
}
