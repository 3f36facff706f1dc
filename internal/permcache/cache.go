// Package permcache caches resolved permission sets in two levels: a small
// in-process map for the hot path and Redis for cross-instance sharing.
// Invalidation bumps per-role version counters and fans out over pub/sub so
// every instance drops its local copy.
package permcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/meridian-erp/meridian-erp/internal/rbac"
)

var _ rbac.CachePort = (*Cache)(nil)

const (
	globalVersionKey = "perm:ver:global"
	roleVersionKey   = "perm:ver:role:%d"
	entryKey         = "perm:eff:%d:g%d:r%d"
	invalidateChan   = "perm.invalidate"
	payloadAll       = "all"
)

// Metrics receives cache observations. All methods must accept concurrent use.
type Metrics interface {
	AddCacheHit(level string)
	AddCacheMiss()
}

// Cache is the two-level effective-permission cache. The zero value is not
// usable; construct with New.
type Cache struct {
	client  *redis.Client
	ttl     time.Duration
	l1TTL   time.Duration
	logger  *slog.Logger
	metrics Metrics
	group   singleflight.Group

	mu sync.RWMutex
	l1 map[int64]l1Entry
}

type l1Entry struct {
	codes     []string
	expiresAt time.Time
}

// Option adjusts cache construction.
type Option func(*Cache)

// WithL1TTL overrides the in-process entry lifetime.
func WithL1TTL(ttl time.Duration) Option {
	return func(c *Cache) { c.l1TTL = ttl }
}

// WithMetrics wires cache hit/miss counters.
func WithMetrics(m Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New constructs the cache. ttl bounds the Redis entries; the L1 lifetime
// defaults to a few seconds since pub/sub handles the correctness path.
func New(client *redis.Client, ttl time.Duration, logger *slog.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		client: client,
		ttl:    ttl,
		l1TTL:  5 * time.Second,
		logger: logger,
		l1:     make(map[int64]l1Entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchEffective returns the cached permission set for a role, or computes it
// through load. Concurrent misses for the same role collapse into one load.
func (c *Cache) FetchEffective(ctx context.Context, roleID int64, load func(context.Context) ([]string, error)) ([]string, error) {
	if load == nil {
		return nil, errors.New("permcache: loader required")
	}
	if c == nil || c.client == nil {
		return load(ctx)
	}

	if codes, ok := c.lookupL1(roleID); ok {
		if c.metrics != nil {
			c.metrics.AddCacheHit("l1")
		}
		return codes, nil
	}

	ch := c.group.DoChan(strconv.FormatInt(roleID, 10), func() (any, error) {
		return c.fetchL2(context.WithoutCancel(ctx), roleID, load)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]string), nil
	}
}

func (c *Cache) fetchL2(ctx context.Context, roleID int64, load func(context.Context) ([]string, error)) ([]string, error) {
	key, err := c.buildKey(ctx, roleID)
	if err != nil {
		c.logger.Warn("permcache: version lookup failed, bypassing cache", slog.Any("error", err))
		return load(ctx)
	}

	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var codes []string
		if err := json.Unmarshal(payload, &codes); err == nil {
			if c.metrics != nil {
				c.metrics.AddCacheHit("l2")
			}
			c.storeL1(roleID, codes)
			return codes, nil
		}
		c.logger.Warn("permcache: corrupt entry dropped", slog.String("key", key))
	} else if !errors.Is(err, redis.Nil) {
		c.logger.Warn("permcache: redis get failed, bypassing cache", slog.Any("error", err))
		return load(ctx)
	}

	if c.metrics != nil {
		c.metrics.AddCacheMiss()
	}
	codes, err := load(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(codes)
	if err != nil {
		return nil, err
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("permcache: redis set failed", slog.Any("error", err))
	}
	c.storeL1(roleID, codes)
	return codes, nil
}

// Invalidate bumps the version of each role and broadcasts the drop.
func (c *Cache) Invalidate(ctx context.Context, roleIDs ...int64) error {
	if c == nil || c.client == nil || len(roleIDs) == 0 {
		return nil
	}
	c.dropL1(roleIDs...)
	for _, id := range roleIDs {
		if err := c.client.Incr(ctx, fmt.Sprintf(roleVersionKey, id)).Err(); err != nil {
			return err
		}
	}
	parts := make([]string, len(roleIDs))
	for i, id := range roleIDs {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return c.client.Publish(ctx, invalidateChan, strings.Join(parts, ",")).Err()
}

// InvalidateAll bumps the global version, dropping every cached entry at once.
func (c *Cache) InvalidateAll(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	c.mu.Lock()
	c.l1 = make(map[int64]l1Entry)
	c.mu.Unlock()
	if err := c.client.Incr(ctx, globalVersionKey).Err(); err != nil {
		return err
	}
	return c.client.Publish(ctx, invalidateChan, payloadAll).Err()
}

// Listen subscribes to invalidation broadcasts and drops L1 entries until the
// context is cancelled. Run it once per instance.
func (c *Cache) Listen(ctx context.Context) {
	if c == nil || c.client == nil {
		return
	}
	pubsub := c.client.Subscribe(ctx, invalidateChan)
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				c.applyBroadcast(msg.Payload)
			}
		}
	}()
}

func (c *Cache) applyBroadcast(payload string) {
	if payload == payloadAll {
		c.mu.Lock()
		c.l1 = make(map[int64]l1Entry)
		c.mu.Unlock()
		return
	}
	var ids []int64
	for _, part := range strings.Split(payload, ",") {
		if id, err := strconv.ParseInt(part, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	c.dropL1(ids...)
}

func (c *Cache) buildKey(ctx context.Context, roleID int64) (string, error) {
	global, err := c.version(ctx, globalVersionKey)
	if err != nil {
		return "", err
	}
	role, err := c.version(ctx, fmt.Sprintf(roleVersionKey, roleID))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(entryKey, roleID, global, role), nil
}

func (c *Cache) version(ctx context.Context, key string) (int64, error) {
	ver, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, key, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	return ver, err
}

func (c *Cache) lookupL1(roleID int64) ([]string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.l1[roleID]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.codes, true
}

func (c *Cache) storeL1(roleID int64, codes []string) {
	c.mu.Lock()
	c.l1[roleID] = l1Entry{codes: codes, expiresAt: time.Now().Add(c.l1TTL)}
	c.mu.Unlock()
}

func (c *Cache) dropL1(roleIDs ...int64) {
	if len(roleIDs) == 0 {
		return
	}
	c.mu.Lock()
	for _, id := range roleIDs {
		delete(c.l1, id)
	}
	c.mu.Unlock()
}
