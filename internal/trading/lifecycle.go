// Package trading owns the life of an order: buys placed for strategy
// signals, the fill-or-cancel window, scheduled exits at minute 55, and the
// idempotent market-sell path. The order log is the single source of truth;
// the in-memory book is a cache the recovery manager can always rebuild.
package trading

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hourglassbot/hourglass/internal/config"
	"github.com/hourglassbot/hourglass/internal/db"
	"github.com/hourglassbot/hourglass/internal/exchange"
	"github.com/hourglassbot/hourglass/internal/market"
	"github.com/hourglassbot/hourglass/internal/metrics"
	"github.com/hourglassbot/hourglass/internal/strategy"
	"github.com/hourglassbot/hourglass/internal/workers"
)

// Poll cadence for buy resolution and sell confirmation. Tests shorten these
// through the Lifecycle fields.
const (
	defaultFirstPollDelay   = 500 * time.Millisecond
	defaultSellPollDelay    = time.Second
	defaultSellPollAttempts = 5
)

// OrderStore is the slice of the order log the trading layer writes and
// scans. *db.DB satisfies it.
type OrderStore interface {
	InsertBuyOrder(ctx context.Context, row *db.OrderRow) error
	MarkCanceled(ctx context.Context, instID, ordID string) error
	MarkFilled(ctx context.Context, instID, ordID, price, size string, sellTime int64) error
	MarkPartiallyFilled(ctx context.Context, instID, ordID, price, size string, sellTime int64) error
	UpdatePriceSize(ctx context.Context, instID, ordID, price, size string) error
	UpdateSize(ctx context.Context, instID, ordID, size string) error
	LinkSellOrder(ctx context.Context, instID, ordID, sellOrderID string) error
	ClearSellOrder(ctx context.Context, instID, ordID string) error
	MarkSoldOut(ctx context.Context, instID, ordID, sellPrice string) (bool, error)
	UnsoldRowsForInstrument(ctx context.Context, instID string, nowMS int64) ([]*db.OrderRow, error)
	UnsoldSince(ctx context.Context, sinceMS int64, limit int) ([]*db.OrderRow, error)
	PlacedRowsOlderThan(ctx context.Context, cutoffMS int64) ([]*db.OrderRow, error)
	SoldOutIDs(ctx context.Context, ordIDs []string) (map[string]bool, error)
}

// LastPriceSource yields the freshest cached last price.
type LastPriceSource interface {
	LastPrice(instID string) (decimal.Decimal, bool)
}

// PrecisionSource yields per-instrument order constraints.
type PrecisionSource interface {
	Get(ctx context.Context, instID string) (*exchange.Precision, error)
}

// Blacklist re-checks the base-currency blacklist at placement time; the
// registry may have refreshed since the signal was emitted.
type Blacklist interface {
	IsBlacklisted(instID string) bool
}

// Notifier delivers trade events out of band. Implementations must not block.
type Notifier interface {
	BuyFilled(instID, flag, price, size string)
	SoldOut(instID, flag, buyPrice, sellPrice, size string)
	SellFailed(instID string, err error)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) BuyFilled(instID, flag, price, size string)             {}
func (NopNotifier) SoldOut(instID, flag, buyPrice, sellPrice, size string) {}
func (NopNotifier) SellFailed(instID string, err error)                    {}

// LifecycleConfig wires the order lifecycle manager.
type LifecycleConfig struct {
	Store     OrderStore
	Venue     exchange.Exchange
	Book      *strategy.Book
	Prices    LastPriceSource
	Precision PrecisionSource
	Blacklist Blacklist
	Notifier  Notifier
	Pool      *workers.Pool

	// AmountUSDT is the full quote notional of one buy; strategies scale it
	// through their SizePct.
	AmountUSDT   decimal.Decimal
	OrderTimeout time.Duration
	Simulation   bool
}

// Lifecycle places buys for strategy signals, resolves them inside the
// fill-or-cancel window, and runs the idempotent sell path.
type Lifecycle struct {
	store     OrderStore
	venue     exchange.Exchange
	book      *strategy.Book
	prices    LastPriceSource
	precision PrecisionSource
	blacklist Blacklist
	notifier  Notifier
	pool      *workers.Pool

	amountUSDT   decimal.Decimal
	orderTimeout time.Duration
	simulation   bool

	firstPollDelay   time.Duration
	sellPollDelay    time.Duration
	sellPollAttempts int

	strategies map[string]strategy.Strategy

	sellMu  sync.Mutex
	selling map[string]bool

	logger zerolog.Logger
	now    func() time.Time
}

// NewLifecycle creates the order lifecycle manager.
func NewLifecycle(cfg LifecycleConfig) *Lifecycle {
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}
	timeout := cfg.OrderTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Lifecycle{
		store:            cfg.Store,
		venue:            cfg.Venue,
		book:             cfg.Book,
		prices:           cfg.Prices,
		precision:        cfg.Precision,
		blacklist:        cfg.Blacklist,
		notifier:         notifier,
		pool:             cfg.Pool,
		amountUSDT:       cfg.AmountUSDT,
		orderTimeout:     timeout,
		simulation:       cfg.Simulation,
		firstPollDelay:   defaultFirstPollDelay,
		sellPollDelay:    defaultSellPollDelay,
		sellPollAttempts: defaultSellPollAttempts,
		strategies:       make(map[string]strategy.Strategy),
		selling:          make(map[string]bool),
		logger:           config.NewLogger("lifecycle"),
		now:              time.Now,
	}
}

// RegisterStrategy connects a strategy for fill and cancel callbacks.
// Must be called before the engine starts placing orders.
func (l *Lifecycle) RegisterStrategy(s strategy.Strategy) {
	l.strategies[s.Name()] = s
}

func (l *Lifecycle) strategyFilled(flag string, fill strategy.Fill) {
	if s, ok := l.strategies[flag]; ok {
		s.OnFill(fill)
	}
}

func (l *Lifecycle) strategyCanceled(flag, instID, ordID string) {
	if s, ok := l.strategies[flag]; ok {
		s.OnCanceled(instID, ordID)
	}
}

// exitDeadlineMS returns minute 55 of the hour after t, as ms epoch. The exit
// always lands in the next hour, so a deadline computed at insertion is
// strictly in the future.
func exitDeadlineMS(t time.Time) int64 {
	return t.Truncate(time.Hour).Add(time.Hour + 55*time.Minute).UnixMilli()
}

// fillPrice picks the best-known execution price from an order detail.
func fillPrice(det *exchange.OrderDetail) decimal.Decimal {
	if det.HasAvgPx && det.AvgPx.IsPositive() {
		return det.AvgPx
	}
	if det.HasFillPx && det.FillPx.IsPositive() {
		return det.FillPx
	}
	return det.RequestedPx
}

// ExecuteBuy runs the buy path for one strategy signal: blacklist re-check,
// effective-price computation, precision formatting, placement, the order-log
// insert, and one early fill poll. The fill-or-cancel resolution is armed
// before the poll so the window is measured from placement.
func (l *Lifecycle) ExecuteBuy(ctx context.Context, sig strategy.BuySignal) {
	logger := l.logger.With().
		Str("inst_id", sig.InstID).
		Str("flag", sig.Flag).
		Logger()

	abort := func(reason string) {
		l.book.Release(sig.Flag, sig.InstID)
		l.strategyCanceled(sig.Flag, sig.InstID, "")
		logger.Debug().Str("reason", reason).Msg("Buy aborted")
	}

	if l.blacklist != nil && l.blacklist.IsBlacklisted(sig.InstID) {
		metrics.RecordBlacklistSkip()
		abort("blacklist")
		return
	}

	// min(last, limit): the order either crosses immediately or rests at the
	// requested limit, never above it.
	last := sig.Price
	if px, ok := l.prices.LastPrice(sig.InstID); ok && px.IsPositive() {
		last = px
	}
	effective := decimal.Min(last, sig.LimitPx)

	prec, err := l.precision.Get(ctx, sig.InstID)
	if err != nil {
		logger.Error().Err(err).Msg("Precision lookup failed")
		metrics.RecordError("precision", "lifecycle")
		abort("precision")
		return
	}

	px := market.RoundDownToStep(effective, prec.TickSize)
	notional := l.amountUSDT.Mul(sig.SizePct)
	size, ok := market.ComputeOrderSize(notional, px, prec.LotSize, prec.MinSize)
	if !ok {
		logger.Warn().
			Str("notional", notional.String()).
			Str("price", px.String()).
			Str("min_size", prec.MinSize.String()).
			Msg("Order size below venue minimum")
		abort("min_size")
		return
	}

	start := l.now()
	ordID, err := l.venue.PlaceLimitBuy(ctx, exchange.PlaceOrderRequest{
		InstID: sig.InstID,
		Px:     px.String(),
		Sz:     size.String(),
		Tag:    sig.Flag,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Buy placement failed")
		metrics.RecordError(metrics.NormalizeExchangeError(err), "lifecycle")
		abort("place")
		return
	}

	row := &db.OrderRow{
		InstID:     sig.InstID,
		Flag:       sig.Flag,
		OrdID:      ordID,
		CreateTime: start.UnixMilli(),
		OrderType:  db.OrderTypeLimit,
		State:      db.StatePlaced,
		Price:      px.String(),
		Size:       size.String(),
		SellTime:   exitDeadlineMS(start),
		Side:       db.SideBuy,
	}
	if err := l.store.InsertBuyOrder(ctx, row); err != nil {
		// A live venue order without a log row is untrackable; cancel it.
		if cerr := l.venue.CancelOrder(ctx, sig.InstID, ordID); cerr != nil {
			logger.Error().Err(cerr).Str("ord_id", ordID).Msg("Cancel of unlogged order failed")
		}
		metrics.RecordError("db", "lifecycle")
		abort("insert")
		return
	}

	l.book.Add(strategy.ActiveOrder{
		InstID:     sig.InstID,
		OrdID:      ordID,
		Flag:       sig.Flag,
		Size:       size,
		CreateTime: start,
	})
	l.book.Release(sig.Flag, sig.InstID)
	metrics.RecordBuyPlaced(sig.Flag)
	metrics.SetActivePositions(l.book.Len())

	logger.Info().
		Str("ord_id", ordID).
		Str("price", px.String()).
		Str("size", size.String()).
		Int64("sell_time", row.SellTime).
		Msg("Buy order placed")

	l.scheduleResolution(ctx, sig.Flag, sig.InstID, ordID, start)

	// Early poll: a fill that lands within the first moments overwrites the
	// requested price and size with the actual ones.
	select {
	case <-ctx.Done():
		return
	case <-time.After(l.firstPollDelay):
	}
	det, err := l.venue.GetOrder(ctx, sig.InstID, ordID)
	if err != nil || !det.AccFillSz.IsPositive() {
		return
	}
	if err := l.store.UpdatePriceSize(ctx, sig.InstID, ordID, fillPrice(det).String(), det.AccFillSz.String()); err != nil {
		logger.Debug().Err(err).Str("ord_id", ordID).Msg("Early fill rewrite skipped")
	}
}

// scheduleResolution arms the fill-or-cancel timer. The resolution runs on
// the worker pool; a rejected submission is retried by the placed-row sweep.
func (l *Lifecycle) scheduleResolution(ctx context.Context, flag, instID, ordID string, createTime time.Time) {
	time.AfterFunc(l.orderTimeout, func() {
		err := l.pool.Submit(func() {
			l.resolveBuy(ctx, flag, instID, ordID, createTime)
		})
		if err != nil {
			l.logger.Error().Err(err).
				Str("inst_id", instID).
				Str("ord_id", ordID).
				Msg("Timeout resolution rejected by worker pool")
		}
	})
}

// resolveBuy enforces the fill-or-cancel window for one placed order. Safe to
// run more than once: the order-log state guards turn a second pass into a
// no-op.
func (l *Lifecycle) resolveBuy(ctx context.Context, flag, instID, ordID string, createTime time.Time) {
	logger := l.logger.With().
		Str("inst_id", instID).
		Str("flag", flag).
		Str("ord_id", ordID).
		Logger()

	det, err := l.venue.GetOrder(ctx, instID, ordID)
	if err != nil {
		logger.Error().Err(err).Msg("Resolution poll failed")
		metrics.RecordError(metrics.NormalizeExchangeError(err), "lifecycle")
		return
	}

	if det.State == exchange.OrderStateLive || det.State == exchange.OrderStatePartiallyFilled {
		if cerr := l.venue.CancelOrder(ctx, instID, ordID); cerr != nil {
			// The cancel races the final fill; re-read to see which won.
			det2, rerr := l.venue.GetOrder(ctx, instID, ordID)
			if rerr != nil || det2.State == exchange.OrderStateLive || det2.State == exchange.OrderStatePartiallyFilled {
				logger.Error().Err(cerr).Msg("Residual cancel failed, order still live")
				return
			}
			det = det2
		} else if det2, rerr := l.venue.GetOrder(ctx, instID, ordID); rerr == nil {
			// Pick up fills that landed before the cancel took effect.
			det = det2
		} else {
			det.State = exchange.OrderStateCanceled
		}
	}

	switch {
	case det.State == exchange.OrderStateFilled:
		l.finishPosition(ctx, flag, instID, ordID, det, createTime, false, logger)
	case det.AccFillSz.IsPositive():
		l.finishPosition(ctx, flag, instID, ordID, det, createTime, true, logger)
	default:
		l.finishCanceled(ctx, flag, instID, ordID, logger)
	}
}

// finishPosition records a filled or partially filled buy: the row gets its
// actual price and size plus the exit deadline derived from the fill time,
// and the emitting strategy hears about the fill exactly once.
func (l *Lifecycle) finishPosition(ctx context.Context, flag, instID, ordID string, det *exchange.OrderDetail, createTime time.Time, partial bool, logger zerolog.Logger) {
	px := fillPrice(det)
	size := det.AccFillSz
	if !size.IsPositive() {
		size = det.RequestedSz
	}

	fillTime := createTime
	if det.FillTime != 0 {
		fillTime = time.UnixMilli(det.FillTime)
	}
	deadline := exitDeadlineMS(fillTime)
	// A group that already holds a filled order exits as one, at the deadline
	// pinned by its first fill.
	if pinned, ok := l.book.GroupDeadline(flag, instID); ok && pinned != 0 {
		deadline = pinned
	}

	mark := l.store.MarkFilled
	msg := "Buy order filled"
	if partial {
		mark = l.store.MarkPartiallyFilled
		msg = "Buy order partially filled, residual canceled"
	}
	if err := mark(ctx, instID, ordID, px.String(), size.String(), deadline); err != nil {
		logger.Warn().Err(err).Msg("Fill not recorded")
		return
	}

	l.book.SetSize(flag, instID, ordID, size)
	l.book.SetFill(flag, instID, ordID, fillTime, deadline)
	l.strategyFilled(flag, strategy.Fill{
		InstID:   instID,
		OrdID:    ordID,
		FillTime: fillTime,
		ExitMS:   deadline,
	})
	metrics.RecordBuyFilled(flag)
	metrics.RecordOrderExecution(float64(l.now().Sub(createTime).Milliseconds()))
	l.notifier.BuyFilled(instID, flag, px.String(), size.String())

	logger.Info().
		Str("price", px.String()).
		Str("size", size.String()).
		Int64("sell_time", deadline).
		Msg(msg)
}

// finishCanceled records a buy that never filled.
func (l *Lifecycle) finishCanceled(ctx context.Context, flag, instID, ordID string, logger zerolog.Logger) {
	if err := l.store.MarkCanceled(ctx, instID, ordID); err != nil {
		logger.Warn().Err(err).Msg("Cancel not recorded")
		return
	}
	l.book.Remove(flag, instID, ordID)
	l.strategyCanceled(flag, instID, ordID)
	metrics.RecordBuyCanceled(flag)
	metrics.SetActivePositions(l.book.Len())
	logger.Info().Msg("Buy order canceled, no fill")
}

// SubmitSell queues one instrument sell on the worker pool. A failed cycle
// resets the sell-triggered marks so the next scheduler pass retries.
func (l *Lifecycle) SubmitSell(ctx context.Context, instID string) {
	err := l.pool.Submit(func() {
		if serr := l.SellInstrument(ctx, instID); serr != nil {
			l.logger.Error().Err(serr).Str("inst_id", instID).Msg("Sell cycle failed")
			l.book.ResetTriggers(instID)
			l.notifier.SellFailed(instID, serr)
		}
	})
	if err != nil {
		l.logger.Error().Err(err).Str("inst_id", instID).Msg("Sell dispatch rejected by worker pool")
		l.book.ResetTriggers(instID)
	}
}

// TriggerDueSells fences and dispatches every position whose exit deadline
// has arrived. Returns the number of instruments dispatched.
func (l *Lifecycle) TriggerDueSells(ctx context.Context, now time.Time) int {
	insts := l.book.TriggerDue(now.UnixMilli())
	for _, instID := range insts {
		l.SubmitSell(ctx, instID)
	}
	return len(insts)
}

// RunPlacedSweep re-resolves placed rows whose fill-or-cancel task was lost,
// typically across a restart. Blocks until ctx ends.
func (l *Lifecycle) RunPlacedSweep(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.sweepPlaced(ctx)
		}
	}
}

// sweepPlaced pushes every expired placed row through the normal timeout
// resolution.
func (l *Lifecycle) sweepPlaced(ctx context.Context) {
	cutoff := l.now().Add(-l.orderTimeout).UnixMilli()
	rows, err := l.store.PlacedRowsOlderThan(ctx, cutoff)
	if err != nil {
		l.logger.Error().Err(err).Msg("Placed-row sweep query failed")
		return
	}

	for _, row := range rows {
		row := row
		err := l.pool.Submit(func() {
			l.resolveBuy(ctx, row.Flag, row.InstID, row.OrdID, time.UnixMilli(row.CreateTime))
		})
		if err != nil {
			l.logger.Warn().Err(err).Str("ord_id", row.OrdID).Msg("Sweep resolution rejected by worker pool")
		}
	}
}
