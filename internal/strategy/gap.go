package strategy

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hourglassbot/hourglass/internal/config"
)

// OriginalGap spaces buys out with one global cooldown shared across every
// instrument: after a gap buy fills, no instrument gets another gap buy until
// the cooldown elapses. At most one gap order is in flight at a time; the
// cooldown clock advances on fill, never on signal, so a canceled order does
// not burn the window.
type OriginalGap struct {
	book     *Book
	cooldown time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	pending bool
	lastBuy time.Time
}

// NewOriginalGap creates the original_gap strategy.
func NewOriginalGap(book *Book, cooldown time.Duration) *OriginalGap {
	return &OriginalGap{
		book:     book,
		cooldown: cooldown,
		logger:   config.NewStrategyLogger(FlagOriginalGap),
	}
}

// Name implements Strategy
func (s *OriginalGap) Name() string { return FlagOriginalGap }

// Seed initializes the cooldown clock from the newest gap buy in the order
// log, so a restart inside the window does not allow an early buy.
func (s *OriginalGap) Seed(lastBuy time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lastBuy.After(s.lastBuy) {
		s.lastBuy = lastBuy
		s.logger.Info().
			Time("last_buy", lastBuy).
			Time("next_allowed", lastBuy.Add(s.cooldown)).
			Msg("Cooldown seeded from order log")
	}
}

// OnTick implements Strategy
func (s *OriginalGap) OnTick(tick Tick) *BuySignal {
	if !tick.Buyable() {
		return nil
	}

	s.mu.Lock()
	if s.pending || tick.TS.Before(s.lastBuy.Add(s.cooldown)) {
		s.mu.Unlock()
		return nil
	}
	if !s.book.Reserve(FlagOriginalGap, tick.InstID) {
		s.mu.Unlock()
		return nil
	}
	s.pending = true
	s.mu.Unlock()

	s.logger.Info().
		Str("inst_id", tick.InstID).
		Str("price", tick.Price.String()).
		Str("limit", tick.LimitPx.String()).
		Msg("Buy signal")

	return &BuySignal{
		InstID:  tick.InstID,
		Flag:    FlagOriginalGap,
		Price:   tick.Price,
		LimitPx: tick.LimitPx,
		SizePct: fullSize,
		TS:      tick.TS,
	}
}

// OnFill implements Strategy
func (s *OriginalGap) OnFill(fill Fill) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = false
	if fill.FillTime.After(s.lastBuy) {
		s.lastBuy = fill.FillTime
	}
}

// OnCanceled implements Strategy
func (s *OriginalGap) OnCanceled(instID, ordID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = false
}

var _ Strategy = (*OriginalGap)(nil)
