package trading

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hourglassbot/hourglass/internal/config"
	"github.com/hourglassbot/hourglass/internal/exchange"
	"github.com/hourglassbot/hourglass/internal/strategy"
)

// CandleSink consumes every candle frame, confirmed or not. Satisfied by
// *market.PriceManager.
type CandleSink interface {
	OnCandle(evt exchange.CandleEvent)
}

// CandleHealth tracks the last confirmed candle per instrument so the
// supervisor can spot a feed that stopped closing bars.
type CandleHealth struct {
	mu   sync.Mutex
	last map[string]time.Time
}

// NewCandleHealth creates an empty health tracker.
func NewCandleHealth() *CandleHealth {
	return &CandleHealth{last: make(map[string]time.Time)}
}

// Stamp records a confirmed candle for an instrument.
func (h *CandleHealth) Stamp(instID string, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last[instID] = at
}

// Track starts watching an instrument. The clock starts at subscription, not
// at the first candle, so an instrument that never delivers still goes stale.
func (h *CandleHealth) Track(instID string, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.last[instID]; !ok {
		h.last[instID] = at
	}
}

// Forget stops watching an instrument.
func (h *CandleHealth) Forget(instID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.last, instID)
}

// Stale returns the instruments whose last confirmed candle is older than
// limit, sorted for stable logging.
func (h *CandleHealth) Stale(now time.Time, limit time.Duration) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []string
	for instID, at := range h.last {
		if now.Sub(at) > limit {
			out = append(out, instID)
		}
	}
	sort.Strings(out)
	return out
}

// Dispatcher drains the candle stream. Every frame feeds the price manager;
// confirmed frames additionally stamp feed health and fire any sell whose
// deadline falls inside the just-closed hour.
type Dispatcher struct {
	book      *strategy.Book
	lifecycle *Lifecycle
	prices    CandleSink
	health    *CandleHealth

	logger zerolog.Logger
	now    func() time.Time
}

// NewDispatcher creates the candle dispatcher. health may be nil.
func NewDispatcher(book *strategy.Book, lifecycle *Lifecycle, prices CandleSink, health *CandleHealth) *Dispatcher {
	return &Dispatcher{
		book:      book,
		lifecycle: lifecycle,
		prices:    prices,
		health:    health,
		logger:    config.NewLogger("candle-dispatcher"),
		now:       time.Now,
	}
}

// Run consumes candle events until ctx ends or the channel closes.
func (d *Dispatcher) Run(ctx context.Context, candles <-chan exchange.CandleEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-candles:
			if !ok {
				return nil
			}
			d.handle(ctx, evt)
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, evt exchange.CandleEvent) {
	d.prices.OnCandle(evt)

	if !evt.Candle.Confirmed {
		return
	}
	if d.health != nil {
		d.health.Stamp(evt.InstID, d.now())
	}

	// Only the closed bar triggers exits. Positions whose deadline lies in a
	// future hour wait for their own boundary.
	if d.book.TriggerDueFor(evt.InstID, d.now().UnixMilli()) {
		d.logger.Debug().
			Str("inst_id", evt.InstID).
			Int64("bar_ts", evt.Candle.TS).
			Msg("Confirmed candle triggered exit")
		d.lifecycle.SubmitSell(ctx, evt.InstID)
	}
}
