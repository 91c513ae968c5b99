package oracle

import (
	"context"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// priceKey is the Redis key holding the cached SOL price.
const priceKey = "oracle:sol_price_usd"

// PriceCache is a short-TTL cache for the SOL spot price, shared between
// engine instances through Redis when a client is provided. Without Redis
// it degrades to a process-local cache with the same TTL.
type PriceCache struct {
	client *redis.Client
	ttl    time.Duration

	mu       sync.RWMutex
	local    float64
	fetched  time.Time
	hasLocal bool

	redisAvailable atomic.Bool
}

// NewPriceCache creates a price cache. client may be nil for
// memory-only operation. TTLs at or above one minute are clamped to
// 10 seconds: the evaluator must never decide C1 on a stale price.
func NewPriceCache(client *redis.Client, ttl time.Duration) *PriceCache {
	if ttl <= 0 || ttl >= time.Minute {
		ttl = 10 * time.Second
	}

	c := &PriceCache{client: client, ttl: ttl}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			log.Printf("[PRICE-CACHE] Redis unavailable at startup: %v, using in-memory cache", err)
			c.redisAvailable.Store(false)
		} else {
			log.Printf("[PRICE-CACHE] Redis connected successfully")
			c.redisAvailable.Store(true)
		}
	} else {
		c.redisAvailable.Store(false)
	}

	return c
}

// Get returns the cached price and whether a fresh value was present.
func (c *PriceCache) Get(ctx context.Context) (float64, bool) {
	if c.client != nil && c.redisAvailable.Load() {
		val, err := c.client.Get(ctx, priceKey).Result()
		if err == nil {
			if price, perr := strconv.ParseFloat(val, 64); perr == nil && price > 0 {
				return price, true
			}
		} else if err != redis.Nil {
			log.Printf("[PRICE-CACHE] Redis read failed: %v, falling back to in-memory", err)
			c.redisAvailable.Store(false)
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.hasLocal && time.Since(c.fetched) < c.ttl {
		return c.local, true
	}
	return 0, false
}

// Set stores a freshly fetched price.
func (c *PriceCache) Set(ctx context.Context, price float64) {
	c.mu.Lock()
	c.local = price
	c.fetched = time.Now()
	c.hasLocal = true
	c.mu.Unlock()

	if c.client != nil && c.redisAvailable.Load() {
		err := c.client.Set(ctx, priceKey, strconv.FormatFloat(price, 'f', -1, 64), c.ttl).Err()
		if err != nil {
			log.Printf("[PRICE-CACHE] Redis write failed: %v, falling back to in-memory", err)
			c.redisAvailable.Store(false)
		}
	}
}

// TTL returns the configured cache lifetime.
func (c *PriceCache) TTL() time.Duration {
	return c.ttl
}
