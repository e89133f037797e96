package distance

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"poolroute/internal/logging"
	"poolroute/internal/model"
)

// DefaultPrecision rounds coordinates to about 11 m before keying the cache.
const DefaultPrecision = 4

// Entry is one cached origin→destination result.
type Entry struct {
	Minutes float64 `json:"min"`
	Miles   float64 `json:"mi"`
}

// Cache stores pair results keyed by PairKey. Entries expire after their TTL.
type Cache interface {
	GetMany(ctx context.Context, keys []string) (map[string]Entry, error)
	PutMany(ctx context.Context, entries map[string]Entry, ttl time.Duration) error
}

// PairKey rounds both ends to precision decimals so small geocoding jitter shares an entry.
func PairKey(a, b model.Coordinate, precision int) string {
	p := precision
	return fmt.Sprintf("%.*f,%.*f|%.*f,%.*f", p, a.Lat, p, a.Lng, p, b.Lat, p, b.Lng)
}

type memItem struct {
	entry   Entry
	expires time.Time
}

// MemoryCache is a process-local Cache with time-based eviction.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memItem
	now   func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: map[string]memItem{}, now: time.Now}
}

func (c *MemoryCache) GetMany(_ context.Context, keys []string) (map[string]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	out := make(map[string]Entry, len(keys))
	for _, k := range keys {
		it, ok := c.items[k]
		if !ok {
			continue
		}
		if !it.expires.IsZero() && !now.Before(it.expires) {
			delete(c.items, k)
			continue
		}
		out[k] = it.entry
	}
	return out, nil
}

func (c *MemoryCache) PutMany(_ context.Context, entries map[string]Entry, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = c.now().Add(ttl)
	}
	for k, e := range entries {
		c.items[k] = memItem{entry: e, expires: exp}
	}
	return nil
}

// Purge drops expired entries and reports how many were removed.
func (c *MemoryCache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, it := range c.items {
		if !it.expires.IsZero() && !now.Before(it.expires) {
			delete(c.items, k)
			n++
		}
	}
	return n
}

// RunJanitor purges expired entries every interval until ctx ends, so pairs that are never
// read again do not accumulate.
func (c *MemoryCache) RunJanitor(ctx context.Context, every time.Duration, log *zap.Logger) {
	if every <= 0 {
		every = 10 * time.Minute
	}
	log = logging.OrNop(log)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := c.Purge(); n > 0 {
				log.Debug("distance cache purged", zap.Int("removed", n), zap.Int("remaining", c.Len()))
			}
		}
	}
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// RedisCache shares entries across processes; expiry is Redis's own.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisCache(rdb *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = "dm:"
	}
	return &RedisCache{rdb: rdb, prefix: prefix}
}

func (c *RedisCache) GetMany(ctx context.Context, keys []string) (map[string]Entry, error) {
	out := make(map[string]Entry, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.prefix + k
	}
	vals, err := c.rdb.MGet(ctx, full...).Result()
	if err != nil {
		return nil, fmt.Errorf("distance cache: mget: %w", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			continue
		}
		out[keys[i]] = e
	}
	return out, nil
}

func (c *RedisCache) PutMany(ctx context.Context, entries map[string]Entry, ttl time.Duration) error {
	if len(entries) == 0 {
		return nil
	}
	pipe := c.rdb.Pipeline()
	for k, e := range entries {
		b, err := json.Marshal(e)
		if err != nil {
			return err
		}
		pipe.Set(ctx, c.prefix+k, b, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("distance cache: pipeline set: %w", err)
	}
	return nil
}
