package cache

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticket-inventory/internal/config"
	"github.com/iliyamo/ticket-inventory/internal/inventory"
)

// fakeRedis answers with the result constructors go-redis provides for
// mocking.  The cache scripts are run by their Go equivalents, looked up
// by hash.
type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
	err  error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) EvalSha(_ context.Context, sha string, keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewCmdResult(nil, f.err)
	}
	switch sha {
	case setScript.Hash():
		return redis.NewCmdResult(f.set(keys[0], keys[1], args[0].(uint64), args[1].(string), args[2].(int64)), nil)
	case invalidateScript.Hash():
		return redis.NewCmdResult(f.invalidate(keys[0], keys[1], args[0].(uint64), args[1].(int64)), nil)
	}
	return redis.NewCmdResult(nil, errors.New("NOSCRIPT No matching script"))
}

func (f *fakeRedis) set(entry, floorKey string, version uint64, payload string, ttlMs int64) int64 {
	floor, _ := strconv.ParseUint(f.data[floorKey], 10, 64)
	if version < floor {
		return 0
	}
	if cur, ok := f.data[entry]; ok {
		var snap inventory.Snapshot
		if json.Unmarshal([]byte(cur), &snap) == nil && snap.Version >= version {
			return 0
		}
	}
	f.data[entry] = payload
	f.ttls[entry] = time.Duration(ttlMs) * time.Millisecond
	return 1
}

func (f *fakeRedis) invalidate(entry, floorKey string, version uint64, ttlMs int64) int64 {
	floor, _ := strconv.ParseUint(f.data[floorKey], 10, 64)
	if version > floor {
		f.data[floorKey] = strconv.FormatUint(version, 10)
	}
	f.ttls[floorKey] = time.Duration(ttlMs) * time.Millisecond
	delete(f.data, entry)
	return 1
}

func (f *fakeRedis) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.EvalSha(ctx, redis.NewScript(script).Hash(), keys, args...)
}

func (f *fakeRedis) EvalRO(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.Eval(ctx, script, keys, args...)
}

func (f *fakeRedis) EvalShaRO(ctx context.Context, sha string, keys []string, args ...interface{}) *redis.Cmd {
	return f.EvalSha(ctx, sha, keys, args...)
}

func (f *fakeRedis) ScriptExists(_ context.Context, hashes ...string) *redis.BoolSliceCmd {
	out := make([]bool, len(hashes))
	for i, h := range hashes {
		out[i] = h == setScript.Hash() || h == invalidateScript.Hash()
	}
	return redis.NewBoolSliceResult(out, nil)
}

func (f *fakeRedis) ScriptLoad(_ context.Context, script string) *redis.StringCmd {
	return redis.NewStringResult(redis.NewScript(script).Hash(), nil)
}

func sampleSnapshot(id uint64) inventory.Snapshot {
	return inventory.Snapshot{
		TicketTypeID: id, Total: 10, Available: 7, Reserved: 2, Sold: 1,
		Token:     "ticket_type.3.4.1717264800000000000.00ff",
		Version:   4,
		UpdatedAt: time.Date(2026, 6, 1, 18, 0, 0, 0, time.UTC),
	}
}

func TestSetThenGet(t *testing.T) {
	rdb := newFakeRedis()
	c := newSnapshots(config.CacheConfig{Enabled: true, TTL: 3 * time.Second, Prefix: "t"}, rdb)
	ctx := context.Background()

	_, ok := c.Get(ctx, 3)
	assert.False(t, ok)

	c.Set(ctx, sampleSnapshot(3))
	got, ok := c.Get(ctx, 3)
	require.True(t, ok)
	assert.Equal(t, sampleSnapshot(3), got)
	assert.Equal(t, 3*time.Second, rdb.ttls["t:snapshot:{3}"])
}

func TestInvalidateDropsEveryKey(t *testing.T) {
	rdb := newFakeRedis()
	c := newSnapshots(config.CacheConfig{Enabled: true}, rdb)
	ctx := context.Background()

	c.Set(ctx, sampleSnapshot(1))
	c.Set(ctx, sampleSnapshot(2))
	c.Invalidate(ctx, map[uint64]uint64{1: 5, 2: 5})

	_, ok := c.Get(ctx, 1)
	assert.False(t, ok)
	_, ok = c.Get(ctx, 2)
	assert.False(t, ok)
}

func TestRedisErrorsAreMisses(t *testing.T) {
	rdb := newFakeRedis()
	c := newSnapshots(config.CacheConfig{Enabled: true}, rdb)
	ctx := context.Background()

	c.Set(ctx, sampleSnapshot(1))
	rdb.err = errors.New("connection refused")
	_, ok := c.Get(ctx, 1)
	assert.False(t, ok)
	c.Invalidate(ctx, map[uint64]uint64{1: 5})
}

func TestCorruptEntryIsMiss(t *testing.T) {
	rdb := newFakeRedis()
	c := newSnapshots(config.CacheConfig{Enabled: true}, rdb)
	rdb.data[c.key(5)] = "{not json"
	_, ok := c.Get(context.Background(), 5)
	assert.False(t, ok)
}

func TestNewSnapshotsDisabled(t *testing.T) {
	assert.Nil(t, NewSnapshots(config.CacheConfig{Enabled: false}, redis.NewClient(&redis.Options{})))
	assert.Nil(t, NewSnapshots(config.CacheConfig{Enabled: true}, nil))
}

func TestStaleSetAfterInvalidateIsDropped(t *testing.T) {
	rdb := newFakeRedis()
	c := newSnapshots(config.CacheConfig{Enabled: true, TTL: time.Second}, rdb)
	ctx := context.Background()

	// A reader loads version 4, a commit reaches version 5 and invalidates,
	// then the reader's Set lands.
	stale := sampleSnapshot(3)
	c.Invalidate(ctx, map[uint64]uint64{3: 5})
	c.Set(ctx, stale)
	_, ok := c.Get(ctx, 3)
	assert.False(t, ok)
	assert.Equal(t, time.Minute, rdb.ttls[c.floorKey(3)])

	fresh := sampleSnapshot(3)
	fresh.Version = 5
	fresh.Token = "ticket_type.3.5.1717264801000000000.01aa"
	c.Set(ctx, fresh)
	got, ok := c.Get(ctx, 3)
	require.True(t, ok)
	assert.Equal(t, fresh, got)

	// An older snapshot never replaces a newer one.
	c.Set(ctx, stale)
	got, ok = c.Get(ctx, 3)
	require.True(t, ok)
	assert.Equal(t, uint64(5), got.Version)
}

func TestInvalidateKeepsHighestFloor(t *testing.T) {
	rdb := newFakeRedis()
	c := newSnapshots(config.CacheConfig{Enabled: true}, rdb)
	ctx := context.Background()

	c.Invalidate(ctx, map[uint64]uint64{3: 9})
	c.Invalidate(ctx, map[uint64]uint64{3: 6})
	assert.Equal(t, "9", rdb.data[c.floorKey(3)])
}

// TestScriptsAgainstRedis runs the fencing scripts on a real server when
// REDIS_TEST_ADDR is set.
func TestScriptsAgainstRedis(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()
	prefix := "test-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	c := newSnapshots(config.CacheConfig{Enabled: true, TTL: time.Second, Prefix: prefix}, rdb)
	t.Cleanup(func() { rdb.Del(ctx, c.key(3), c.floorKey(3)) })

	stale := sampleSnapshot(3)
	c.Invalidate(ctx, map[uint64]uint64{3: 5})
	c.Set(ctx, stale)
	_, ok := c.Get(ctx, 3)
	assert.False(t, ok)

	fresh := sampleSnapshot(3)
	fresh.Version = 5
	c.Set(ctx, fresh)
	c.Set(ctx, stale)
	got, ok := c.Get(ctx, 3)
	require.True(t, ok)
	assert.Equal(t, uint64(5), got.Version)
}
