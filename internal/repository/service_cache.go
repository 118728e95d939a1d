package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iliyamo/slot-reservation/internal/model"
)

// Catalog resolves bookable services.
type Catalog interface {
	GetService(ctx context.Context, tenantID, serviceID string) (model.Service, error)
}

// CachedCatalog keeps service definitions in Redis as JSON for ttl.  Only
// found services are cached.  Redis failures fall through to the wrapped
// catalog; a cache outage never fails a lookup.
type CachedCatalog struct {
	next   Catalog
	rdb    redis.UniversalClient
	ttl    time.Duration
	prefix string
	log    *zap.Logger
}

// NewCachedCatalog wraps next.  A nil rdb disables caching.
func NewCachedCatalog(next Catalog, rdb redis.UniversalClient, ttl time.Duration, prefix string, log *zap.Logger) *CachedCatalog {
	if prefix == "" {
		prefix = "catalog"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CachedCatalog{next: next, rdb: rdb, ttl: ttl, prefix: prefix, log: log}
}

func (c *CachedCatalog) key(tenantID, serviceID string) string {
	return fmt.Sprintf("%s:service:%s:%s", c.prefix, tenantID, serviceID)
}

// GetService returns the cached service or loads and caches it.
func (c *CachedCatalog) GetService(ctx context.Context, tenantID, serviceID string) (model.Service, error) {
	if c.rdb == nil || c.ttl <= 0 {
		return c.next.GetService(ctx, tenantID, serviceID)
	}
	key := c.key(tenantID, serviceID)

	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var svc model.Service
		if jerr := json.Unmarshal(raw, &svc); jerr == nil {
			return svc, nil
		}
		c.log.Warn("catalog cache: undecodable entry", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		c.log.Warn("catalog cache: get failed", zap.String("key", key), zap.Error(err))
	}

	svc, err := c.next.GetService(ctx, tenantID, serviceID)
	if err != nil {
		return model.Service{}, err
	}
	if b, err := json.Marshal(svc); err == nil {
		if err := c.rdb.Set(ctx, key, b, c.ttl).Err(); err != nil {
			c.log.Warn("catalog cache: set failed", zap.String("key", key), zap.Error(err))
		}
	}
	return svc, nil
}

// Invalidate drops a cached service, e.g. after SaveService.
func (c *CachedCatalog) Invalidate(ctx context.Context, tenantID, serviceID string) error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Del(ctx, c.key(tenantID, serviceID)).Err()
}
