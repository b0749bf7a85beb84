package config

import "time"

// HoldLimitConfig bounds how fast one holder may create reservations.  The
// bucket holds Capacity tokens and regains one every RefillInterval.
type HoldLimitConfig struct {
    Enabled        bool
    Capacity       int
    RefillInterval time.Duration
    Prefix         string
}

// LoadHoldLimitConfig reads HOLD_LIMIT_* variables.
func LoadHoldLimitConfig() HoldLimitConfig {
    cfg := HoldLimitConfig{
        Enabled:        envBool("HOLD_LIMIT_ENABLED", true),
        Capacity:       envInt("HOLD_LIMIT_CAPACITY", 10),
        RefillInterval: envDur("HOLD_LIMIT_REFILL_INTERVAL", 6*time.Second),
        Prefix:         envStr("HOLD_LIMIT_PREFIX", "rl"),
    }
    if cfg.Capacity < 1 {
        cfg.Capacity = 1
    }
    if cfg.RefillInterval <= 0 {
        cfg.RefillInterval = time.Second
    }
    return cfg
}
