package config

import "time"

// CatalogCacheConfig defines settings for the Redis cache in front of the
// service catalog.  When Enabled is false or no Redis client is configured,
// every lookup goes to MySQL.  Availability itself is never cached; only
// the slowly changing service definitions are.
type CatalogCacheConfig struct {
	Enabled bool
	TTL     time.Duration
	Prefix  string
}

// LoadCatalogCacheConfig reads CATALOG_CACHE_* variables.
func LoadCatalogCacheConfig() CatalogCacheConfig {
	cfg := CatalogCacheConfig{
		Enabled: envBool("CATALOG_CACHE_ENABLED", true),
		TTL:     envDur("CATALOG_CACHE_TTL", 5*time.Minute),
		Prefix:  envStr("CATALOG_CACHE_PREFIX", "catalog"),
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	return cfg
}
