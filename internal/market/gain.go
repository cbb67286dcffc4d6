package market

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hourglassbot/hourglass/internal/config"
)

// DefaultGainThresholdPct is the 2-hour gain above which buys are vetoed
var DefaultGainThresholdPct = decimal.NewFromInt(5)

const gainFetchTimeout = 10 * time.Second

// gainEntry caches one filter evaluation. A nil gain records a failed fetch
// so a persistently broken endpoint is not hammered on every qualifying tick.
type gainEntry struct {
	gain *decimal.Decimal
	at   time.Time
}

// GainFilter vetoes buys on instruments that already ran up too far: it
// compares the current hour open against the open from two hours earlier and
// blocks when the gain reaches the threshold. The filter fails open; price
// history being unavailable must never stop trading.
type GainFilter struct {
	source    CandleSource
	threshold decimal.Decimal
	throttle  time.Duration
	logger    zerolog.Logger

	mu    sync.Mutex
	cache map[string]gainEntry

	now func() time.Time
}

// NewGainFilter creates a gain filter. throttle bounds how often the candle
// endpoint is hit per instrument; evaluations in between reuse the cached
// gain.
func NewGainFilter(source CandleSource, threshold decimal.Decimal, throttle time.Duration) *GainFilter {
	return &GainFilter{
		source:    source,
		threshold: threshold,
		throttle:  throttle,
		cache:     make(map[string]gainEntry),
		logger:    config.NewLogger("gain-filter"),
		now:       time.Now,
	}
}

// Check reports whether the buy should be skipped. The second return is the
// computed gain percent, nil when it could not be determined (fail-open).
func (g *GainFilter) Check(ctx context.Context, instID string, currentOpen decimal.Decimal) (bool, *decimal.Decimal) {
	now := g.now()

	g.mu.Lock()
	entry, ok := g.cache[instID]
	g.mu.Unlock()

	if ok && now.Sub(entry.at) < g.throttle {
		return g.verdict(instID, entry.gain), entry.gain
	}

	gain := g.computeGain(ctx, instID, currentOpen)

	g.mu.Lock()
	g.cache[instID] = gainEntry{gain: gain, at: now}
	g.mu.Unlock()

	return g.verdict(instID, gain), gain
}

func (g *GainFilter) verdict(instID string, gain *decimal.Decimal) bool {
	if gain == nil {
		return false
	}
	if gain.GreaterThanOrEqual(g.threshold) {
		g.logger.Debug().
			Str("inst_id", instID).
			Str("gain_pct", gain.String()).
			Msg("2h gain veto")
		return true
	}
	return false
}

// computeGain fetches the last two confirmed hourly candles and measures the
// move from the earlier one's open to the current hour open.
func (g *GainFilter) computeGain(ctx context.Context, instID string, currentOpen decimal.Decimal) *decimal.Decimal {
	fetchCtx, cancel := context.WithTimeout(ctx, gainFetchTimeout)
	defer cancel()

	candles, err := g.source.GetHourlyCandles(fetchCtx, instID, 3)
	if err != nil {
		g.logger.Warn().Err(err).Str("inst_id", instID).Msg("Gain check fetch failed, allowing buy")
		return nil
	}

	// candles arrive newest first; keep the two most recent confirmed ones
	var confirmed []decimal.Decimal
	for _, c := range candles {
		if c.Confirmed {
			confirmed = append(confirmed, c.Open)
			if len(confirmed) == 2 {
				break
			}
		}
	}
	if len(confirmed) < 2 {
		g.logger.Warn().Str("inst_id", instID).Msg("Not enough confirmed candles for gain check, allowing buy")
		return nil
	}

	earlierOpen := confirmed[1]
	if !earlierOpen.IsPositive() {
		return nil
	}

	gain := currentOpen.Sub(earlierOpen).
		Div(earlierOpen).
		Mul(decimal.NewFromInt(100))
	return &gain
}

// Remove drops cached state for an instrument
func (g *GainFilter) Remove(instID string) {
	g.mu.Lock()
	delete(g.cache, instID)
	g.mu.Unlock()
}
