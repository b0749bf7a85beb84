package middleware

import (
    "context"
    "math"
    "net/http"
    "strconv"
    "time"

    "github.com/labstack/echo/v4"
    "github.com/redis/go-redis/v9"

    "github.com/iliyamo/ticket-inventory/internal/config"
    "github.com/iliyamo/ticket-inventory/internal/log"
)

// holdBucket refills continuously: a holder earns one hold every
// interval_ms up to capacity.  State is {level, at_ms} in one hash per
// holder.  Returns {allowed, whole holds left, ms until the next hold}.
var holdBucket = redis.NewScript(`
    local capacity = tonumber(ARGV[2])
    local interval = tonumber(ARGV[3])
    local now = tonumber(ARGV[1])

    local level = tonumber(redis.call('HGET', KEYS[1], 'level') or capacity)
    local at = tonumber(redis.call('HGET', KEYS[1], 'at_ms') or now)
    if now > at then
        level = math.min(capacity, level + (now - at) / interval)
    end

    local ok = 0
    local wait = 0
    if level >= 1 then
        ok = 1
        level = level - 1
    else
        wait = math.ceil((1 - level) * interval)
    end

    redis.call('HSET', KEYS[1], 'level', tostring(level), 'at_ms', now)
    redis.call('PEXPIRE', KEYS[1], capacity * interval)
    return { ok, math.floor(level), wait }
`)

// HoldLimiter limits how many reservations one holder can open per unit
// of time, so a single account cannot sit on inventory through a loop of
// short holds.  It fails open when Redis is unavailable.
func HoldLimiter(cfg config.HoldLimitConfig, rdb redis.Scripter) echo.MiddlewareFunc {
    if !cfg.Enabled || rdb == nil {
        return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
    }
    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            holder := HolderID(c)
            if holder == "" {
                return next(c)
            }
            ctx := c.Request().Context()
            allowed, remaining, retry, err := takeToken(ctx, rdb, cfg, holder, time.Now())
            if err != nil {
                log.FromContext(ctx).WithError(err).Warn("hold limiter unavailable")
                return next(c)
            }

            c.Response().Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.Capacity))
            c.Response().Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
            if !allowed {
                secs := int(math.Ceil(retry.Seconds()))
                c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
                return c.JSON(http.StatusTooManyRequests, echo.Map{
                    "error":       "too_many_requests",
                    "retry_after": secs,
                })
            }
            return next(c)
        }
    }
}

func takeToken(ctx context.Context, rdb redis.Scripter, cfg config.HoldLimitConfig, holder string, now time.Time) (bool, int64, time.Duration, error) {
    key := cfg.Prefix + ":holds:" + holder
    vals, err := holdBucket.Run(ctx, rdb, []string{key},
        now.UnixMilli(), cfg.Capacity, cfg.RefillInterval.Milliseconds()).Int64Slice()
    if err != nil {
        return false, 0, 0, err
    }
    if len(vals) != 3 {
        return false, 0, 0, redis.Nil
    }
    return vals[0] == 1, vals[1], time.Duration(vals[2]) * time.Millisecond, nil
}
