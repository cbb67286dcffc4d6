// Package strategy implements the four buy strategies and the admission gate
// they share. Strategies are tick-driven: the engine evaluates every ticker
// update through the Gate and hands the result to each strategy, which may
// answer with at most one BuySignal. Order placement, persistence, and selling
// belong to the lifecycle manager; a strategy only decides when to buy.
package strategy

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hourglassbot/hourglass/internal/config"
	"github.com/hourglassbot/hourglass/internal/metrics"
)

// Strategy flags. The flag names the strategy in the order log and must never
// change once rows exist, or recovery loses track of them.
const (
	FlagHourLimit   = "hour_limit"
	FlagStable      = "stable"
	FlagBatch       = "batch"
	FlagOriginalGap = "original_gap"
)

var hundred = decimal.NewFromInt(100)

// Tick is one gate-evaluated price update. Every strategy sees every tick,
// including ticks above the limit, so time-based strategies can reset state.
type Tick struct {
	InstID string
	Price  decimal.Decimal
	TS     time.Time

	// HasRef is false until the hourly open reference is known. LimitPx and
	// Below are meaningless while it is false.
	HasRef  bool
	LimitPx decimal.Decimal
	Below   bool

	// Vetoed means the price qualified but the blacklist or the two-hour
	// gain filter blocked buying on this tick.
	Vetoed bool
}

// Buyable reports whether a strategy may emit a signal for this tick.
func (t Tick) Buyable() bool {
	return t.HasRef && t.Below && !t.Vetoed
}

// BuySignal asks the lifecycle manager to place one buy order.
type BuySignal struct {
	InstID  string
	Flag    string
	Price   decimal.Decimal // last price at emission
	LimitPx decimal.Decimal // ceiling for the order price
	SizePct decimal.Decimal // fraction of the configured notional
	TS      time.Time
}

// Fill reports a confirmed buy fill back to the emitting strategy.
type Fill struct {
	InstID   string
	OrdID    string
	FillTime time.Time
	ExitMS   int64 // sell deadline pinned for the position, ms epoch
}

// Strategy is one buy strategy. Implementations keep their per-instrument
// state behind their own mutex; OnTick must not block.
type Strategy interface {
	// Name returns the flag persisted to the order log.
	Name() string

	// OnTick evaluates one gate-checked tick and returns a signal or nil.
	OnTick(tick Tick) *BuySignal

	// OnFill reports that a buy emitted by this strategy filled.
	OnFill(fill Fill)

	// OnCanceled reports that a buy emitted by this strategy was canceled
	// without filling.
	OnCanceled(instID, ordID string)
}

// LimitSource provides per-instrument limits and the currency blacklist.
type LimitSource interface {
	LimitFor(instID string) (float64, bool)
	IsBlacklisted(instID string) bool
}

// ReferenceSource provides the current hourly open reference.
type ReferenceSource interface {
	ReferenceFor(instID string) (decimal.Decimal, bool)
}

// GainChecker vetoes buys after a steep two-hour rise.
type GainChecker interface {
	Check(ctx context.Context, instID string, currentOpen decimal.Decimal) (bool, *decimal.Decimal)
}

// Gate runs the admission checks shared by all strategies: the hourly
// reference must be known, the price must sit at or below the limit, the base
// currency must not be blacklisted, and the two-hour gain filter must not
// veto. The verdict is computed once per tick and shared.
type Gate struct {
	limits LimitSource
	prices ReferenceSource
	gain   GainChecker // nil disables the gain veto
	logger zerolog.Logger
}

// NewGate creates the shared admission gate.
func NewGate(limits LimitSource, prices ReferenceSource, gain GainChecker) *Gate {
	return &Gate{
		limits: limits,
		prices: prices,
		gain:   gain,
		logger: config.NewLogger("gate"),
	}
}

// Check evaluates one price update against the common admission rules.
func (g *Gate) Check(ctx context.Context, instID string, price decimal.Decimal, ts time.Time) Tick {
	tick := Tick{InstID: instID, Price: price, TS: ts}

	pct, ok := g.limits.LimitFor(instID)
	if !ok {
		return tick
	}
	ref, ok := g.prices.ReferenceFor(instID)
	if !ok {
		return tick
	}

	tick.HasRef = true
	tick.LimitPx = ref.Mul(decimal.NewFromFloat(pct)).Div(hundred)
	tick.Below = price.LessThanOrEqual(tick.LimitPx)
	if !tick.Below {
		return tick
	}

	if g.limits.IsBlacklisted(instID) {
		tick.Vetoed = true
		metrics.RecordBlacklistSkip()
		g.logger.Debug().
			Str("inst_id", instID).
			Str("reason", "blacklist").
			Msg("Buy candidate rejected")
		return tick
	}

	if g.gain != nil {
		if skip, gain := g.gain.Check(ctx, instID, ref); skip {
			tick.Vetoed = true
			metrics.RecordGainVeto()
			evt := g.logger.Debug().
				Str("inst_id", instID).
				Str("reason", "two_hour_gain")
			if gain != nil {
				evt = evt.Str("gain_pct", gain.String())
			}
			evt.Msg("Buy candidate rejected")
		}
	}

	return tick
}
