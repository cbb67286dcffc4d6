package strategy

import (
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hourglassbot/hourglass/internal/config"
)

var fullSize = decimal.NewFromInt(1)

// HourLimit buys on the first qualifying tick of the hour. It carries no
// state of its own; the book's pending/active guards are the only thing
// between it and a duplicate buy.
type HourLimit struct {
	book   *Book
	logger zerolog.Logger
}

// NewHourLimit creates the hour_limit strategy.
func NewHourLimit(book *Book) *HourLimit {
	return &HourLimit{
		book:   book,
		logger: config.NewStrategyLogger(FlagHourLimit),
	}
}

// Name implements Strategy
func (s *HourLimit) Name() string { return FlagHourLimit }

// OnTick implements Strategy
func (s *HourLimit) OnTick(tick Tick) *BuySignal {
	if !tick.Buyable() {
		return nil
	}
	if s.book.HasActive(FlagHourLimit, tick.InstID) {
		return nil
	}
	if !s.book.Reserve(FlagHourLimit, tick.InstID) {
		return nil
	}

	s.logger.Info().
		Str("inst_id", tick.InstID).
		Str("price", tick.Price.String()).
		Str("limit", tick.LimitPx.String()).
		Msg("Buy signal")

	return &BuySignal{
		InstID:  tick.InstID,
		Flag:    FlagHourLimit,
		Price:   tick.Price,
		LimitPx: tick.LimitPx,
		SizePct: fullSize,
		TS:      tick.TS,
	}
}

// OnFill implements Strategy
func (s *HourLimit) OnFill(Fill) {}

// OnCanceled implements Strategy
func (s *HourLimit) OnCanceled(instID, ordID string) {}

var _ Strategy = (*HourLimit)(nil)
