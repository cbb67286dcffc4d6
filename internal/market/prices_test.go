package market

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hourglassbot/hourglass/internal/exchange"
)

type fakeCandleSource struct {
	mu      sync.Mutex
	calls   int
	candles []exchange.Candle
	err     error
}

func (f *fakeCandleSource) GetHourlyCandles(ctx context.Context, instID string, limit int) ([]exchange.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.candles, nil
}

func (f *fakeCandleSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fixedNow pins the manager clock to a known instant mid-hour
var fixedNow = time.Date(2024, 3, 5, 10, 13, 0, 0, time.UTC)

func newTestManager(source CandleSource) *PriceManager {
	pm := NewPriceManager(source)
	pm.now = func() time.Time { return fixedNow }
	return pm
}

func TestPriceManagerLastPrice(t *testing.T) {
	pm := newTestManager(&fakeCandleSource{})

	_, ok := pm.LastPrice("BTC-USDT")
	assert.False(t, ok)

	pm.OnTick("BTC-USDT", decimal.RequireFromString("98.90"))
	last, ok := pm.LastPrice("BTC-USDT")
	require.True(t, ok)
	assert.Equal(t, "98.9", last.String())

	pm.OnTick("BTC-USDT", decimal.RequireFromString("99.10"))
	last, _ = pm.LastPrice("BTC-USDT")
	assert.Equal(t, "99.1", last.String())
}

func TestPriceManagerCandleSetsReference(t *testing.T) {
	pm := newTestManager(&fakeCandleSource{})
	hour := hourStartMS(fixedNow)

	pm.OnCandle(exchange.CandleEvent{
		InstID: "BTC-USDT",
		Candle: exchange.Candle{TS: hour, Open: decimal.NewFromInt(100)},
	})

	ref, ok := pm.ReferenceFor("BTC-USDT")
	require.True(t, ok)
	assert.Equal(t, "100", ref.String())
}

func TestPriceManagerStaleCandleDoesNotOverwrite(t *testing.T) {
	pm := newTestManager(&fakeCandleSource{})
	hour := hourStartMS(fixedNow)

	pm.OnCandle(exchange.CandleEvent{
		InstID: "BTC-USDT",
		Candle: exchange.Candle{TS: hour, Open: decimal.NewFromInt(100)},
	})
	// a late-delivered frame for the previous hour must not win
	pm.OnCandle(exchange.CandleEvent{
		InstID: "BTC-USDT",
		Candle: exchange.Candle{TS: hour - 3600_000, Open: decimal.NewFromInt(90)},
	})

	ref, ok := pm.ReferenceFor("BTC-USDT")
	require.True(t, ok)
	assert.Equal(t, "100", ref.String())
}

func TestPriceManagerPreviousHourOpenIsNotCurrent(t *testing.T) {
	pm := newTestManager(&fakeCandleSource{err: fmt.Errorf("venue down")})
	hour := hourStartMS(fixedNow)

	pm.OnCandle(exchange.CandleEvent{
		InstID: "BTC-USDT",
		Candle: exchange.Candle{TS: hour - 3600_000, Open: decimal.NewFromInt(90)},
	})

	_, ok := pm.ReferenceFor("BTC-USDT")
	assert.False(t, ok, "an old hour's open is not a valid reference")
}

func TestPriceManagerFetchesOpenOverREST(t *testing.T) {
	hour := hourStartMS(fixedNow)
	source := &fakeCandleSource{candles: []exchange.Candle{
		{TS: hour, Open: decimal.RequireFromString("100.5")},
	}}
	pm := newTestManager(source)

	_, ok := pm.ReferenceFor("BTC-USDT")
	assert.False(t, ok, "first call kicks off the fetch and returns nothing")

	require.Eventually(t, func() bool {
		ref, ok := pm.ReferenceFor("BTC-USDT")
		return ok && ref.String() == "100.5"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, source.callCount())
}

func TestPriceManagerFetchBackoffGate(t *testing.T) {
	source := &fakeCandleSource{err: fmt.Errorf("venue down")}
	pm := newTestManager(source)

	_, ok := pm.ReferenceFor("BTC-USDT")
	assert.False(t, ok)

	// wait for the failed fetch to land and arm the gate
	require.Eventually(t, func() bool {
		return source.callCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	// the clock is pinned, so the 5s gate blocks every further attempt
	for i := 0; i < 10; i++ {
		_, ok = pm.ReferenceFor("BTC-USDT")
		assert.False(t, ok)
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, source.callCount(), "backoff gate must suppress refetching")
}

func TestPriceManagerRefreshAllAtHourBoundary(t *testing.T) {
	hour := hourStartMS(fixedNow)
	source := &fakeCandleSource{candles: []exchange.Candle{
		{TS: hour, Open: decimal.RequireFromString("42.0")},
	}}
	pm := newTestManager(source)

	// both instruments hold opens from the previous hour
	for _, inst := range []string{"BTC-USDT", "ETH-USDT"} {
		pm.OnCandle(exchange.CandleEvent{
			InstID: inst,
			Candle: exchange.Candle{TS: hour - 3600_000, Open: decimal.NewFromInt(1)},
		})
	}

	pm.RefreshAllAtHourBoundary()

	require.Eventually(t, func() bool {
		_, ok1 := pm.ReferenceFor("BTC-USDT")
		_, ok2 := pm.ReferenceFor("ETH-USDT")
		return ok1 && ok2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, source.callCount())

	// a second boundary call with fresh opens is a no-op
	pm.RefreshAllAtHourBoundary()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, source.callCount())
}

func TestPriceManagerRemove(t *testing.T) {
	pm := newTestManager(&fakeCandleSource{})
	pm.OnTick("BTC-USDT", decimal.NewFromInt(1))
	pm.OnTick("ETH-USDT", decimal.NewFromInt(2))
	assert.Len(t, pm.Instruments(), 2)

	pm.Remove("BTC-USDT")
	_, ok := pm.LastPrice("BTC-USDT")
	assert.False(t, ok)
	assert.Equal(t, []string{"ETH-USDT"}, pm.Instruments())
}
