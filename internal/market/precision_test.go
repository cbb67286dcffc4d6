package market

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hourglassbot/hourglass/internal/exchange"
)

type fakePrecisionSource struct {
	mu    sync.Mutex
	calls int
	prec  *exchange.Precision
	err   error
}

func (f *fakePrecisionSource) GetInstrumentPrecision(ctx context.Context, instID string) (*exchange.Precision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.prec, nil
}

func (f *fakePrecisionSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func solPrecision() *exchange.Precision {
	return &exchange.Precision{
		LotSize:  decimal.RequireFromString("0.0001"),
		TickSize: decimal.RequireFromString("0.01"),
		MinSize:  decimal.RequireFromString("0.001"),
	}
}

func TestPrecisionCacheMemoryOnly(t *testing.T) {
	source := &fakePrecisionSource{prec: solPrecision()}
	cache := NewPrecisionCache(source, nil, 0)

	prec, err := cache.Get(context.Background(), "SOL-USDT")
	require.NoError(t, err)
	assert.Equal(t, "0.01", prec.TickSize.String())

	_, err = cache.Get(context.Background(), "SOL-USDT")
	require.NoError(t, err)
	assert.Equal(t, 1, source.callCount(), "second lookup is served from memory")
}

func TestPrecisionCacheSourceError(t *testing.T) {
	source := &fakePrecisionSource{err: fmt.Errorf("venue down")}
	cache := NewPrecisionCache(source, nil, 0)

	_, err := cache.Get(context.Background(), "SOL-USDT")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SOL-USDT")
}

func TestPrecisionCachePopulatesRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	source := &fakePrecisionSource{prec: solPrecision()}
	cache := NewPrecisionCache(source, client, time.Hour)

	_, err := cache.Get(context.Background(), "SOL-USDT")
	require.NoError(t, err)

	key := "hourglass:precision:SOL-USDT"
	require.True(t, mr.Exists(key))
	assert.Greater(t, mr.TTL(key), time.Duration(0), "entries must expire")

	// a fresh process (empty memory) warms itself from Redis, no REST call
	cold := NewPrecisionCache(source, client, time.Hour)
	prec, err := cold.Get(context.Background(), "SOL-USDT")
	require.NoError(t, err)
	assert.Equal(t, "0.0001", prec.LotSize.String())
	assert.Equal(t, 1, source.callCount())
}

func TestPrecisionCacheCorruptRedisEntry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	require.NoError(t, mr.Set("hourglass:precision:SOL-USDT", "{not json"))

	source := &fakePrecisionSource{prec: solPrecision()}
	cache := NewPrecisionCache(source, client, time.Hour)

	prec, err := cache.Get(context.Background(), "SOL-USDT")
	require.NoError(t, err, "corrupt cache entries fall through to the venue")
	assert.Equal(t, "0.01", prec.TickSize.String())
	assert.Equal(t, 1, source.callCount())
}

func TestPrecisionCacheRedisDownFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mr.Close()

	source := &fakePrecisionSource{prec: solPrecision()}
	cache := NewPrecisionCache(source, client, time.Hour)

	prec, err := cache.Get(context.Background(), "SOL-USDT")
	require.NoError(t, err, "a dead Redis must not break precision lookups")
	assert.Equal(t, "0.001", prec.MinSize.String())
}

func TestPrecisionCacheInvalidate(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	source := &fakePrecisionSource{prec: solPrecision()}
	cache := NewPrecisionCache(source, client, time.Hour)

	_, err := cache.Get(context.Background(), "SOL-USDT")
	require.NoError(t, err)

	cache.Invalidate(context.Background(), "SOL-USDT")
	assert.False(t, mr.Exists("hourglass:precision:SOL-USDT"))

	_, err = cache.Get(context.Background(), "SOL-USDT")
	require.NoError(t, err)
	assert.Equal(t, 2, source.callCount())
}

func TestPrecisionCacheHealth(t *testing.T) {
	assert.NoError(t, NewPrecisionCache(&fakePrecisionSource{}, nil, 0).Health(context.Background()))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewPrecisionCache(&fakePrecisionSource{}, client, 0)
	assert.NoError(t, cache.Health(context.Background()))

	mr.Close()
	assert.Error(t, cache.Health(context.Background()))
}
