package market

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/hourglassbot/hourglass/internal/exchange"
	"github.com/hourglassbot/hourglass/internal/metrics"
)

// DefaultPrecisionTTL is how long a cached precision entry stays valid.
// Instruments change their tick/lot constraints essentially never.
const DefaultPrecisionTTL = 24 * time.Hour

// PrecisionSource is the slice of the venue the cache needs
type PrecisionSource interface {
	GetInstrumentPrecision(ctx context.Context, instID string) (*exchange.Precision, error)
}

// precisionEntry is the Redis wire form; decimals travel as strings
type precisionEntry struct {
	InstID   string    `json:"instId"`
	LotSize  string    `json:"lotSz"`
	TickSize string    `json:"tickSz"`
	MinSize  string    `json:"minSz"`
	CachedAt time.Time `json:"cachedAt"`
}

// PrecisionCache layers an in-process map and an optional Redis cache over
// the venue's instruments endpoint. Redis failures degrade to a REST fetch,
// never to an error; the cache is strictly best-effort.
type PrecisionCache struct {
	source PrecisionSource
	client *redis.Client // nil when Redis is disabled
	ttl    time.Duration

	mu  sync.RWMutex
	mem map[string]*exchange.Precision
}

// NewPrecisionCache creates a precision cache. client may be nil to run
// memory-only.
func NewPrecisionCache(source PrecisionSource, client *redis.Client, ttl time.Duration) *PrecisionCache {
	if ttl == 0 {
		ttl = DefaultPrecisionTTL
	}
	return &PrecisionCache{
		source: source,
		client: client,
		ttl:    ttl,
		mem:    make(map[string]*exchange.Precision),
	}
}

// Get returns the precision for an instrument, fetching and caching it on
// first use.
func (c *PrecisionCache) Get(ctx context.Context, instID string) (*exchange.Precision, error) {
	c.mu.RLock()
	prec, ok := c.mem[instID]
	c.mu.RUnlock()
	if ok {
		metrics.RecordCacheHit()
		return prec, nil
	}

	if prec := c.fromRedis(ctx, instID); prec != nil {
		c.mu.Lock()
		c.mem[instID] = prec
		c.mu.Unlock()
		metrics.RecordCacheHit()
		return prec, nil
	}

	metrics.RecordCacheMiss()
	prec, err := c.source.GetInstrumentPrecision(ctx, instID)
	if err != nil {
		return nil, fmt.Errorf("fetch precision for %s: %w", instID, err)
	}

	c.mu.Lock()
	c.mem[instID] = prec
	c.mu.Unlock()
	c.toRedis(ctx, instID, prec)

	return prec, nil
}

// Invalidate drops an instrument from both cache layers
func (c *PrecisionCache) Invalidate(ctx context.Context, instID string) {
	c.mu.Lock()
	delete(c.mem, instID)
	c.mu.Unlock()

	if c.client == nil {
		return
	}
	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	metrics.RecordRedisOperation("del")
	if err := c.client.Del(cacheCtx, precisionKey(instID)).Err(); err != nil {
		log.Debug().Err(err).Str("inst_id", instID).Msg("Redis precision delete failed")
	}
}

func precisionKey(instID string) string {
	return "hourglass:precision:" + instID
}

// fromRedis reads a cached entry; any failure is treated as a cache miss
func (c *PrecisionCache) fromRedis(ctx context.Context, instID string) *exchange.Precision {
	if c.client == nil {
		return nil
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	metrics.RecordRedisOperation("get")
	cached, err := c.client.Get(cacheCtx, precisionKey(instID)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().
				Err(err).
				Str("inst_id", instID).
				Msg("Redis precision get error - treating as cache miss")
		}
		return nil
	}

	var entry precisionEntry
	if err := json.Unmarshal([]byte(cached), &entry); err != nil {
		log.Warn().Err(err).Str("inst_id", instID).Msg("Failed to unmarshal cached precision")
		return nil
	}

	lot, err1 := decimal.NewFromString(entry.LotSize)
	tick, err2 := decimal.NewFromString(entry.TickSize)
	minSz, err3 := decimal.NewFromString(entry.MinSize)
	if err1 != nil || err2 != nil || err3 != nil {
		log.Warn().Str("inst_id", instID).Msg("Corrupt cached precision, refetching")
		return nil
	}

	return &exchange.Precision{LotSize: lot, TickSize: tick, MinSize: minSz}
}

// toRedis stores an entry with the configured TTL; failure is logged and
// swallowed
func (c *PrecisionCache) toRedis(ctx context.Context, instID string, prec *exchange.Precision) {
	if c.client == nil {
		return
	}

	entry := precisionEntry{
		InstID:   instID,
		LotSize:  prec.LotSize.String(),
		TickSize: prec.TickSize.String(),
		MinSize:  prec.MinSize.String(),
		CachedAt: time.Now(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		log.Warn().Err(err).Str("inst_id", instID).Msg("Failed to marshal precision entry")
		return
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	metrics.RecordRedisOperation("set")
	if err := c.client.Set(cacheCtx, precisionKey(instID), data, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("inst_id", instID).Msg("Failed to cache precision")
	}
}

// Health checks the Redis layer; a nil client is healthy by definition
func (c *PrecisionCache) Health(ctx context.Context) error {
	if c.client == nil {
		return nil
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.client.Ping(cacheCtx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}
