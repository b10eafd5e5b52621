package apps

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/jobforge/appcatalog/internal/logging"
	"github.com/jobforge/appcatalog/internal/metrics"
)

// CachedStore decorates a Store with a read-through Redis cache for app
// reads. Mutations invalidate the affected keys after the inner store
// commits, so a failed write never poisons the cache.
type CachedStore struct {
	inner Store
	rdb   *redis.Client
	ttl   time.Duration
	log   *logging.Logger
}

// NewCachedStore wraps inner with Redis caching. A zero ttl defaults to one
// minute.
func NewCachedStore(inner Store, rdb *redis.Client, ttl time.Duration, log *logging.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if log == nil {
		log = logging.NewDefault("appcache")
	}
	return &CachedStore{inner: inner, rdb: rdb, ttl: ttl, log: log}
}

func headCacheKey(tenant, id string) string {
	return fmt.Sprintf("appcatalog:app:%s:%s", tenant, id)
}

func versionCacheKey(tenant, id, version string) string {
	return fmt.Sprintf("appcatalog:app:%s:%s:%s", tenant, id, version)
}

func (c *CachedStore) cachedGet(ctx context.Context, key string, load func() (App, error)) (App, error) {
	raw, err := c.rdb.Get(ctx, key).Result()
	if err == nil {
		var app App
		if jsonErr := json.Unmarshal([]byte(raw), &app); jsonErr == nil {
			metrics.RecordCacheLookup("hit")
			return app, nil
		}
	} else if err != redis.Nil {
		c.log.WithError(err).Debug("cache read failed")
	}
	metrics.RecordCacheLookup("miss")

	app, err := load()
	if err != nil {
		return App{}, err
	}
	if encoded, jsonErr := json.Marshal(app); jsonErr == nil {
		if setErr := c.rdb.Set(ctx, key, encoded, c.ttl).Err(); setErr != nil {
			c.log.WithError(setErr).Debug("cache write failed")
		}
	}
	return app, nil
}

// invalidate drops the head key and any listed version keys. Cache errors
// are logged and swallowed; the store result already committed.
func (c *CachedStore) invalidate(ctx context.Context, tenant, id string, versions ...string) {
	keys := []string{headCacheKey(tenant, id)}
	for _, v := range versions {
		keys = append(keys, versionCacheKey(tenant, id, v))
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.log.WithError(err).Debug("cache invalidation failed")
	}
}

func (c *CachedStore) GetAppByName(ctx context.Context, tenant, id string) (App, error) {
	return c.cachedGet(ctx, headCacheKey(tenant, id), func() (App, error) {
		return c.inner.GetAppByName(ctx, tenant, id)
	})
}

func (c *CachedStore) GetAppVersion(ctx context.Context, tenant, id, version string) (App, error) {
	return c.cachedGet(ctx, versionCacheKey(tenant, id, version), func() (App, error) {
		return c.inner.GetAppVersion(ctx, tenant, id, version)
	})
}

// ListApps is not cached; filters vary too much for useful keys.
func (c *CachedStore) ListApps(ctx context.Context, tenant string, filter ListFilter) ([]App, int, error) {
	return c.inner.ListApps(ctx, tenant, filter)
}

func (c *CachedStore) CreateApp(ctx context.Context, app App, hc HistoryContext) (App, error) {
	created, err := c.inner.CreateApp(ctx, app, hc)
	if err == nil {
		c.invalidate(ctx, created.Tenant, created.ID, created.Version)
	}
	return created, err
}

func (c *CachedStore) PutApp(ctx context.Context, current, updated App, hc HistoryContext) (App, error) {
	result, err := c.inner.PutApp(ctx, current, updated, hc)
	if err == nil {
		c.invalidate(ctx, result.Tenant, result.ID, result.Version)
	}
	return result, err
}

func (c *CachedStore) PatchApp(ctx context.Context, current App, patch PatchApp, hc HistoryContext) (App, error) {
	result, err := c.inner.PatchApp(ctx, current, patch, hc)
	if err == nil {
		c.invalidate(ctx, result.Tenant, result.ID, result.Version)
	}
	return result, err
}

func (c *CachedStore) UpdateAppOwner(ctx context.Context, tenant, id, newOwner string, hc HistoryContext) error {
	err := c.inner.UpdateAppOwner(ctx, tenant, id, newOwner, hc)
	if err == nil {
		c.invalidate(ctx, tenant, id)
	}
	return err
}

func (c *CachedStore) UpdateEnabled(ctx context.Context, tenant, id string, enabled bool, hc HistoryContext) error {
	err := c.inner.UpdateEnabled(ctx, tenant, id, enabled, hc)
	if err == nil {
		c.invalidate(ctx, tenant, id)
	}
	return err
}

func (c *CachedStore) SetDeleted(ctx context.Context, tenant, id string, deleted bool, hc HistoryContext) (int64, error) {
	rows, err := c.inner.SetDeleted(ctx, tenant, id, deleted, hc)
	if err == nil {
		c.invalidate(ctx, tenant, id)
	}
	return rows, err
}

func (c *CachedStore) HardDeleteApp(ctx context.Context, tenant, id string) error {
	err := c.inner.HardDeleteApp(ctx, tenant, id)
	if err == nil {
		c.invalidate(ctx, tenant, id)
	}
	return err
}

func (c *CachedStore) GetAppHistory(ctx context.Context, tenant, id string) ([]AppHistoryItem, error) {
	return c.inner.GetAppHistory(ctx, tenant, id)
}

func (c *CachedStore) WriteHistory(ctx context.Context, tenant, id string, item AppHistoryItem) error {
	return c.inner.WriteHistory(ctx, tenant, id, item)
}

func (c *CachedStore) AppCounts(ctx context.Context) ([]TenantAppCount, error) {
	return c.inner.AppCounts(ctx)
}
