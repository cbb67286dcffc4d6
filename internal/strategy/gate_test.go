package strategy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLimits struct {
	limits    map[string]float64
	blacklist map[string]bool
}

func (f *fakeLimits) LimitFor(instID string) (float64, bool) {
	pct, ok := f.limits[instID]
	return pct, ok
}

func (f *fakeLimits) IsBlacklisted(instID string) bool {
	return f.blacklist[instID]
}

type fakeRefs struct {
	refs map[string]decimal.Decimal
}

func (f *fakeRefs) ReferenceFor(instID string) (decimal.Decimal, bool) {
	ref, ok := f.refs[instID]
	return ref, ok
}

type fakeGain struct {
	mu    sync.Mutex
	skip  bool
	gain  *decimal.Decimal
	calls int
}

func (f *fakeGain) Check(ctx context.Context, instID string, currentOpen decimal.Decimal) (bool, *decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.skip, f.gain
}

func (f *fakeGain) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var gateTS = time.Date(2024, 3, 5, 10, 13, 0, 0, time.UTC)

func newTestGate(gain GainChecker) *Gate {
	limits := &fakeLimits{
		limits:    map[string]float64{"SOL-USDT": 98, "ETH-USDT": 98.5},
		blacklist: map[string]bool{"DOGE-USDT": true},
	}
	limits.limits["DOGE-USDT"] = 98
	refs := &fakeRefs{refs: map[string]decimal.Decimal{
		"SOL-USDT":  decimal.RequireFromString("100"),
		"ETH-USDT":  decimal.RequireFromString("2000"),
		"DOGE-USDT": decimal.RequireFromString("0.2"),
	}}
	return NewGate(limits, refs, gain)
}

func TestGateUnknownInstrument(t *testing.T) {
	gate := newTestGate(nil)

	tick := gate.Check(context.Background(), "XRP-USDT", decimal.RequireFromString("1"), gateTS)
	assert.False(t, tick.HasRef)
	assert.False(t, tick.Buyable())
}

func TestGateMissingReference(t *testing.T) {
	limits := &fakeLimits{limits: map[string]float64{"SOL-USDT": 98}}
	gate := NewGate(limits, &fakeRefs{refs: map[string]decimal.Decimal{}}, nil)

	tick := gate.Check(context.Background(), "SOL-USDT", decimal.RequireFromString("90"), gateTS)
	assert.False(t, tick.HasRef)
	assert.False(t, tick.Buyable())
}

func TestGateQualifyingTick(t *testing.T) {
	gain := &fakeGain{}
	gate := newTestGate(gain)

	tick := gate.Check(context.Background(), "SOL-USDT", decimal.RequireFromString("97.5"), gateTS)
	require.True(t, tick.HasRef)
	assert.Equal(t, "98", tick.LimitPx.String())
	assert.True(t, tick.Below)
	assert.False(t, tick.Vetoed)
	assert.True(t, tick.Buyable())
	assert.Equal(t, 1, gain.callCount())
}

func TestGateLimitPriceExactness(t *testing.T) {
	gate := newTestGate(nil)

	tick := gate.Check(context.Background(), "ETH-USDT", decimal.RequireFromString("1900"), gateTS)
	require.True(t, tick.HasRef)
	// 2000 * 98.5 / 100 with no float drift.
	assert.Equal(t, "1970", tick.LimitPx.String())
}

func TestGateAboveLimitSkipsVetoes(t *testing.T) {
	gain := &fakeGain{skip: true}
	gate := newTestGate(gain)

	tick := gate.Check(context.Background(), "SOL-USDT", decimal.RequireFromString("99"), gateTS)
	require.True(t, tick.HasRef)
	assert.False(t, tick.Below)
	assert.False(t, tick.Vetoed)
	assert.False(t, tick.Buyable())
	assert.Equal(t, 0, gain.callCount(), "gain filter must not run for non-qualifying prices")
}

func TestGateBoundaryPriceQualifies(t *testing.T) {
	gate := newTestGate(&fakeGain{})

	tick := gate.Check(context.Background(), "SOL-USDT", decimal.RequireFromString("98"), gateTS)
	assert.True(t, tick.Below, "price equal to the limit qualifies")
}

func TestGateBlacklistVeto(t *testing.T) {
	gain := &fakeGain{}
	gate := newTestGate(gain)

	tick := gate.Check(context.Background(), "DOGE-USDT", decimal.RequireFromString("0.1"), gateTS)
	require.True(t, tick.HasRef)
	assert.True(t, tick.Below)
	assert.True(t, tick.Vetoed)
	assert.False(t, tick.Buyable())
	assert.Equal(t, 0, gain.callCount(), "blacklist check runs before the gain filter")
}

func TestGateGainVeto(t *testing.T) {
	gainPct := decimal.RequireFromString("6.2")
	gain := &fakeGain{skip: true, gain: &gainPct}
	gate := newTestGate(gain)

	tick := gate.Check(context.Background(), "SOL-USDT", decimal.RequireFromString("97"), gateTS)
	assert.True(t, tick.Below)
	assert.True(t, tick.Vetoed)
	assert.False(t, tick.Buyable())
}

func TestGateNilGainChecker(t *testing.T) {
	gate := newTestGate(nil)

	tick := gate.Check(context.Background(), "SOL-USDT", decimal.RequireFromString("97"), gateTS)
	assert.True(t, tick.Buyable())
}
