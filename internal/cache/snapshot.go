// Package cache keeps inventory snapshots in Redis for the read path.
// Reserve never consults it; a stale entry can only delay what a client
// sees, never what it can hold.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/ticket-inventory/internal/config"
	"github.com/iliyamo/ticket-inventory/internal/inventory"
	"github.com/iliyamo/ticket-inventory/internal/log"
)

// client is the subset of go-redis the cache needs.
type client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	redis.Scripter
}

// setScript stores a snapshot unless a committed mutation has already
// fenced out its version, or a newer snapshot is already cached.
// KEYS: entry, floor.  ARGV: version, payload, ttl in ms.
var setScript = redis.NewScript(`
local v = tonumber(ARGV[1])
local floor = tonumber(redis.call('GET', KEYS[2]) or '0')
if v < floor then
	return 0
end
local cur = redis.call('GET', KEYS[1])
if cur then
	local ok, snap = pcall(cjson.decode, cur)
	if ok and type(snap) == 'table' and tonumber(snap.version) and tonumber(snap.version) >= v then
		return 0
	end
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 1
`)

// invalidateScript raises the floor to the committed version and drops
// the entry.
// KEYS: entry, floor.  ARGV: committed version, floor ttl in ms.
var invalidateScript = redis.NewScript(`
local v = tonumber(ARGV[1])
local floor = tonumber(redis.call('GET', KEYS[2]) or '0')
if v > floor then
	redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[2])
else
	redis.call('PEXPIRE', KEYS[2], ARGV[2])
end
redis.call('DEL', KEYS[1])
return 1
`)

// Snapshots implements inventory.SnapshotCache.  Redis failures are logged
// and treated as misses.
//
// Each ticket type has an entry key and a floor key holding the highest
// committed version seen by Invalidate.  Set refuses snapshots below the
// floor, so a read that raced a commit cannot reinstate the old token.
type Snapshots struct {
	rdb    client
	ttl    time.Duration
	fence  time.Duration
	prefix string
}

var _ inventory.SnapshotCache = (*Snapshots)(nil)

// NewSnapshots returns nil when the cache is disabled or Redis is
// unavailable, so callers can pass the result to inventory.WithSnapshotCache
// only when it is set.
func NewSnapshots(cfg config.CacheConfig, rdb *redis.Client) *Snapshots {
	if !cfg.Enabled || rdb == nil {
		return nil
	}
	return newSnapshots(cfg, rdb)
}

func newSnapshots(cfg config.CacheConfig, rdb client) *Snapshots {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "inventory"
	}
	// The floor outlives any read that could still be in flight.
	fence := 10 * ttl
	if fence < time.Minute {
		fence = time.Minute
	}
	return &Snapshots{rdb: rdb, ttl: ttl, fence: fence, prefix: prefix}
}

// key hash-tags the id so the entry and its floor share a cluster slot.
func (s *Snapshots) key(ticketTypeID uint64) string {
	return s.prefix + ":snapshot:{" + strconv.FormatUint(ticketTypeID, 10) + "}"
}

func (s *Snapshots) floorKey(ticketTypeID uint64) string {
	return s.key(ticketTypeID) + ":floor"
}

func (s *Snapshots) Get(ctx context.Context, ticketTypeID uint64) (inventory.Snapshot, bool) {
	bs, err := s.rdb.Get(ctx, s.key(ticketTypeID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.FromContext(ctx).WithError(err).Warn("snapshot cache read failed")
		}
		return inventory.Snapshot{}, false
	}
	var snap inventory.Snapshot
	if err := json.Unmarshal(bs, &snap); err != nil || snap.TicketTypeID != ticketTypeID {
		return inventory.Snapshot{}, false
	}
	return snap, true
}

func (s *Snapshots) Set(ctx context.Context, snap inventory.Snapshot) {
	bs, err := json.Marshal(snap)
	if err != nil {
		return
	}
	keys := []string{s.key(snap.TicketTypeID), s.floorKey(snap.TicketTypeID)}
	if err := setScript.Run(ctx, s.rdb, keys, snap.Version, string(bs), s.ttl.Milliseconds()).Err(); err != nil {
		log.FromContext(ctx).WithError(err).Warn("snapshot cache write failed")
	}
}

func (s *Snapshots) Invalidate(ctx context.Context, committed map[uint64]uint64) {
	for id, version := range committed {
		keys := []string{s.key(id), s.floorKey(id)}
		if err := invalidateScript.Run(ctx, s.rdb, keys, version, s.fence.Milliseconds()).Err(); err != nil {
			log.FromContext(ctx).WithError(err).WithField("ticket_type_id", id).Warn("snapshot cache invalidation failed")
		}
	}
}
