// Package market owns the in-memory market state: last prices, hourly open
// references, the 2-hour gain filter, and the instrument precision cache.
// Everything here is a cache over the venue; losing it is always recoverable.
package market

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hourglassbot/hourglass/internal/config"
	"github.com/hourglassbot/hourglass/internal/exchange"
	"github.com/hourglassbot/hourglass/internal/metrics"
)

const (
	openFetchMin     = 5 * time.Second
	openFetchMax     = 60 * time.Second
	openFetchTimeout = 15 * time.Second
)

// CandleSource is the slice of the venue the price manager needs
type CandleSource interface {
	GetHourlyCandles(ctx context.Context, instID string, limit int) ([]exchange.Candle, error)
}

// priceCell holds per-instrument price state. Each cell has its own lock so
// instruments never contend with each other.
type priceCell struct {
	mu       sync.Mutex
	last     decimal.Decimal
	hasLast  bool
	hourOpen decimal.Decimal
	openTS   int64 // ms epoch of the hour the open belongs to

	// REST fallback pacing for the hour open
	fetchBackoff *backoff.Backoff
	nextFetch    time.Time
	fetching     bool
}

// PriceManager maintains last price and current-hour open per instrument.
// Both WS streams feed it: tickers set the last price, candle frames carry
// the hour open directly. When the stream has not delivered an open yet, a
// REST fetch is triggered in the background, paced per instrument by
// exponential backoff (5s doubling to 60s).
type PriceManager struct {
	source CandleSource
	logger zerolog.Logger

	mu    sync.RWMutex
	cells map[string]*priceCell

	now func() time.Time
}

// NewPriceManager creates a price manager over the given candle source
func NewPriceManager(source CandleSource) *PriceManager {
	return &PriceManager{
		source: source,
		cells:  make(map[string]*priceCell),
		logger: config.NewLogger("prices"),
		now:    time.Now,
	}
}

func (p *PriceManager) cell(instID string) *priceCell {
	p.mu.RLock()
	c, ok := p.cells[instID]
	p.mu.RUnlock()
	if ok {
		return c
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok = p.cells[instID]; ok {
		return c
	}
	c = &priceCell{
		fetchBackoff: &backoff.Backoff{Min: openFetchMin, Max: openFetchMax, Factor: 2},
	}
	p.cells[instID] = c
	return c
}

// hourStartMS returns the ms epoch of the hour containing t
func hourStartMS(t time.Time) int64 {
	return t.Truncate(time.Hour).UnixMilli()
}

// OnTick records a last price. A flowing ticker stream also means the venue
// is reachable, so the open-fetch backoff resets.
func (p *PriceManager) OnTick(instID string, price decimal.Decimal) {
	c := p.cell(instID)
	c.mu.Lock()
	c.last = price
	c.hasLast = true
	c.fetchBackoff.Reset()
	c.mu.Unlock()
}

// OnCandle records the hour open carried by a 1H candle frame. In-progress
// frames count too; their open is final the moment the hour starts. Stale
// frames for earlier hours never overwrite a newer open.
func (p *PriceManager) OnCandle(evt exchange.CandleEvent) {
	c := p.cell(evt.InstID)
	c.mu.Lock()
	if evt.Candle.TS >= c.openTS {
		c.hourOpen = evt.Candle.Open
		c.openTS = evt.Candle.TS
	}
	c.mu.Unlock()
}

// LastPrice returns the most recent tick price
func (p *PriceManager) LastPrice(instID string) (decimal.Decimal, bool) {
	p.mu.RLock()
	c, ok := p.cells[instID]
	p.mu.RUnlock()
	if !ok {
		return decimal.Zero, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasLast {
		return decimal.Zero, false
	}
	return c.last, true
}

// ReferenceFor returns the current hour's open price. When it is not known
// yet, a background REST fetch is triggered (subject to the per-instrument
// backoff gate) and the caller gets nothing this tick; the strategies simply
// skip until the reference arrives.
func (p *PriceManager) ReferenceFor(instID string) (decimal.Decimal, bool) {
	c := p.cell(instID)
	now := p.now()
	currentHour := hourStartMS(now)

	c.mu.Lock()
	if c.openTS == currentHour {
		open := c.hourOpen
		c.mu.Unlock()
		return open, true
	}

	if !c.fetching && now.After(c.nextFetch) {
		c.fetching = true
		c.mu.Unlock()
		go p.fetchHourOpen(instID, c, currentHour)
		return decimal.Zero, false
	}
	c.mu.Unlock()
	return decimal.Zero, false
}

// fetchHourOpen pulls the current hour candle over REST and stores its open.
// Runs off the tick path.
func (p *PriceManager) fetchHourOpen(instID string, c *priceCell, wantHour int64) {
	ctx, cancel := context.WithTimeout(context.Background(), openFetchTimeout)
	defer cancel()

	candles, err := p.source.GetHourlyCandles(ctx, instID, 1)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetching = false

	if err == nil {
		for _, candle := range candles {
			// only the candle for the wanted hour is a valid reference
			if candle.TS == wantHour {
				if candle.TS >= c.openTS {
					c.hourOpen = candle.Open
					c.openTS = candle.TS
				}
				c.fetchBackoff.Reset()
				c.nextFetch = time.Time{}
				metrics.RecordHourOpenFetch(true)
				p.logger.Debug().
					Str("inst_id", instID).
					Str("open", candle.Open.String()).
					Msg("Hour open fetched")
				return
			}
		}
	}

	delay := c.fetchBackoff.Duration()
	c.nextFetch = p.now().Add(delay)
	metrics.RecordHourOpenFetch(false)
	p.logger.Warn().
		Err(err).
		Str("inst_id", instID).
		Dur("retry_in", delay).
		Msg("Hour open fetch failed")
}

// RefreshAllAtHourBoundary forces a fresh open fetch for every instrument
// whose stored open belongs to a previous hour. The supervisor calls this at
// minute >= 1 of each hour, never at minute 0, so the venue has settled the
// boundary candle first.
func (p *PriceManager) RefreshAllAtHourBoundary() {
	currentHour := hourStartMS(p.now())

	p.mu.RLock()
	stale := make(map[string]*priceCell)
	for instID, c := range p.cells {
		stale[instID] = c
	}
	p.mu.RUnlock()

	refreshed := 0
	for instID, c := range stale {
		c.mu.Lock()
		if c.openTS == currentHour || c.fetching {
			c.mu.Unlock()
			continue
		}
		c.fetchBackoff.Reset()
		c.nextFetch = time.Time{}
		c.fetching = true
		c.mu.Unlock()

		go p.fetchHourOpen(instID, c, currentHour)
		refreshed++
	}

	if refreshed > 0 {
		p.logger.Info().Int("instruments", refreshed).Msg("Hour boundary refresh started")
	}
}

// Remove drops all state for an instrument. Called when the registry
// unlists it.
func (p *PriceManager) Remove(instID string) {
	p.mu.Lock()
	delete(p.cells, instID)
	p.mu.Unlock()
}

// Instruments returns the instruments currently tracked
func (p *PriceManager) Instruments() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.cells))
	for instID := range p.cells {
		out = append(out, instID)
	}
	return out
}
