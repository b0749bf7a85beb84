package config

import "time"

// CacheConfig controls the Redis snapshot cache.  Entries are short lived:
// every committed mutation deletes the keys it touched, the TTL only bounds
// how long a missed invalidation can be observed.
type CacheConfig struct {
    Enabled bool
    TTL     time.Duration
    Prefix  string
}

// LoadCacheConfig reads SNAPSHOT_CACHE_* variables.  Defaults are used when
// variables are not set.
func LoadCacheConfig() CacheConfig {
    return CacheConfig{
        Enabled: envBool("SNAPSHOT_CACHE_ENABLED", true),
        TTL:     envDur("SNAPSHOT_CACHE_TTL", 2*time.Second),
        Prefix:  envStr("SNAPSHOT_CACHE_PREFIX", "inventory"),
    }
}
