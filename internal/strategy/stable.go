package strategy

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hourglassbot/hourglass/internal/config"
)

// Stable buys only after the price has held at or below the limit for a
// continuous stretch. A single tick above the limit restarts the clock, so
// the accumulated duration is strictly continuous.
type Stable struct {
	book   *Book
	hold   time.Duration
	logger zerolog.Logger

	mu         sync.Mutex
	belowSince map[string]time.Time
}

// NewStable creates the stable strategy. hold is the continuous
// below-limit duration required before a buy.
func NewStable(book *Book, hold time.Duration) *Stable {
	return &Stable{
		book:       book,
		hold:       hold,
		logger:     config.NewStrategyLogger(FlagStable),
		belowSince: make(map[string]time.Time),
	}
}

// Name implements Strategy
func (s *Stable) Name() string { return FlagStable }

// OnTick implements Strategy
func (s *Stable) OnTick(tick Tick) *BuySignal {
	if !tick.HasRef {
		// No limit to compare against; leave the clock alone rather than
		// punishing a reference fetch gap.
		return nil
	}

	s.mu.Lock()
	if !tick.Below {
		delete(s.belowSince, tick.InstID)
		s.mu.Unlock()
		return nil
	}

	since, ok := s.belowSince[tick.InstID]
	if !ok {
		s.belowSince[tick.InstID] = tick.TS
		s.mu.Unlock()
		return nil
	}
	held := tick.TS.Sub(since)
	s.mu.Unlock()

	if held < s.hold {
		return nil
	}
	if tick.Vetoed {
		// Duration satisfied but buying is blocked; keep the clock running
		// so the buy fires as soon as the veto lifts.
		return nil
	}
	if s.book.HasActive(FlagStable, tick.InstID) {
		return nil
	}
	if !s.book.Reserve(FlagStable, tick.InstID) {
		return nil
	}

	s.mu.Lock()
	delete(s.belowSince, tick.InstID)
	s.mu.Unlock()

	s.logger.Info().
		Str("inst_id", tick.InstID).
		Str("price", tick.Price.String()).
		Str("limit", tick.LimitPx.String()).
		Dur("held", held).
		Msg("Buy signal")

	return &BuySignal{
		InstID:  tick.InstID,
		Flag:    FlagStable,
		Price:   tick.Price,
		LimitPx: tick.LimitPx,
		SizePct: fullSize,
		TS:      tick.TS,
	}
}

// OnFill implements Strategy
func (s *Stable) OnFill(Fill) {}

// OnCanceled implements Strategy
func (s *Stable) OnCanceled(instID, ordID string) {}

// Remove drops per-instrument state when an instrument leaves the registry.
func (s *Stable) Remove(instID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.belowSince, instID)
}

var _ Strategy = (*Stable)(nil)
