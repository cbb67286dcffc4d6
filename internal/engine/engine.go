// Package engine wires the trading components together and runs them: the
// market data feeds, the strategy tick loop, the order lifecycle, the sell
// scheduler, recovery, and the supervisor. Everything below this package is a
// component with its own tests; the engine owns only the plumbing between
// them and the process lifecycle.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/hourglassbot/hourglass/internal/config"
	"github.com/hourglassbot/hourglass/internal/exchange"
	"github.com/hourglassbot/hourglass/internal/market"
	"github.com/hourglassbot/hourglass/internal/metrics"
	"github.com/hourglassbot/hourglass/internal/registry"
	"github.com/hourglassbot/hourglass/internal/strategy"
	"github.com/hourglassbot/hourglass/internal/trading"
	"github.com/hourglassbot/hourglass/internal/workers"
)

const signalBufferSize = 64

// Store is the database surface the engine wires: the trading layer's order
// log plus the gap-strategy seed query. *db.DB satisfies it.
type Store interface {
	trading.OrderStore
	LatestBuyTime(ctx context.Context, flag string) (int64, error)
}

// MarketFeed is one WebSocket feed. *exchange.Feed satisfies it.
type MarketFeed interface {
	Run(ctx context.Context) error
	Subscribe(instID string) error
	Unsubscribe(instID string) error
	Tickers() <-chan exchange.TickerEvent
	Candles() <-chan exchange.CandleEvent
	Resubscribed() <-chan struct{}
	LastDataAt() time.Time
}

// instrumentRemover is implemented by strategies that hold per-instrument
// state worth dropping when the registry unlists an instrument.
type instrumentRemover interface {
	Remove(instID string)
}

// Deps carries the externally constructed dependencies. The main binary
// builds these from config; tests substitute fakes.
type Deps struct {
	Cfg       *config.Config
	Store     Store
	Venue     exchange.Exchange
	Tickers   MarketFeed
	Candles   MarketFeed
	Limits    registry.LimitStore
	Precision trading.PrecisionSource
	Notifier  trading.Notifier
}

// Engine is the assembled trading system.
type Engine struct {
	cfg   *config.Config
	store Store
	venue exchange.Exchange

	tickers MarketFeed
	candles MarketFeed

	registry *registry.Registry
	prices   *market.PriceManager
	gain     *market.GainFilter
	gate     *strategy.Gate
	book     *strategy.Book

	gap        *strategy.OriginalGap
	strategies []strategy.Strategy
	byFlag     map[string]strategy.Strategy

	pool       *workers.Pool
	lifecycle  *trading.Lifecycle
	scheduler  *trading.Scheduler
	recovery   *trading.Recovery
	dispatcher *trading.Dispatcher
	health     *trading.CandleHealth

	heartbeat  *Heartbeat
	supervisor *Supervisor

	signals chan strategy.BuySignal

	startedAt time.Time
	logger    zerolog.Logger
	now       func() time.Time
}

// New assembles the engine from its dependencies.
func New(deps Deps) *Engine {
	cfg := deps.Cfg

	pool := workers.NewPool(workers.PoolConfig{
		Name:        "trading",
		MaxWorkers:  cfg.Trading.MaxWorkers,
		NonBlocking: true,
	})

	book := strategy.NewBook()
	prices := market.NewPriceManager(deps.Venue)
	gain := market.NewGainFilter(deps.Venue, market.DefaultGainThresholdPct, cfg.Trading.GainCheckThrottle())
	reg := registry.NewRegistry(deps.Limits, cfg.Registry.RefreshInterval())
	gate := strategy.NewGate(reg, prices, gain)

	// The simulated venue prices fills off the same cache the strategies see.
	if sim, ok := deps.Venue.(*exchange.Simulated); ok {
		sim.SetPriceSource(prices.LastPrice)
	}

	gap := strategy.NewOriginalGap(book, cfg.Trading.GapCooldown())
	strategies := []strategy.Strategy{
		strategy.NewHourLimit(book),
		strategy.NewStable(book, cfg.Trading.StableDuration()),
		strategy.NewBatch(book, cfg.Trading.BatchSlotDelay()),
		gap,
	}
	byFlag := make(map[string]strategy.Strategy, len(strategies))
	for _, s := range strategies {
		byFlag[s.Name()] = s
	}

	lifecycle := trading.NewLifecycle(trading.LifecycleConfig{
		Store:        deps.Store,
		Venue:        deps.Venue,
		Book:         book,
		Prices:       prices,
		Precision:    deps.Precision,
		Blacklist:    reg,
		Notifier:     deps.Notifier,
		Pool:         pool,
		AmountUSDT:   decimal.NewFromInt(int64(cfg.Trading.AmountUSDT)),
		OrderTimeout: cfg.Trading.OrderTimeout(),
		Simulation:   cfg.Trading.SimulationMode,
	})
	for _, s := range strategies {
		lifecycle.RegisterStrategy(s)
	}

	health := trading.NewCandleHealth()
	recovery := trading.NewRecovery(deps.Store, deps.Venue, book, lifecycle)
	heartbeat := NewHeartbeat()

	return &Engine{
		cfg:        cfg,
		store:      deps.Store,
		venue:      deps.Venue,
		tickers:    deps.Tickers,
		candles:    deps.Candles,
		registry:   reg,
		prices:     prices,
		gain:       gain,
		gate:       gate,
		book:       book,
		gap:        gap,
		strategies: strategies,
		byFlag:     byFlag,
		pool:       pool,
		lifecycle:  lifecycle,
		scheduler:  trading.NewScheduler(lifecycle, recovery),
		recovery:   recovery,
		dispatcher: trading.NewDispatcher(book, lifecycle, prices, health),
		health:     health,
		heartbeat:  heartbeat,
		supervisor: NewSupervisor(SupervisorConfig{
			HeartbeatTimeout: cfg.Supervisor.HeartbeatTimeout(),
			CandleTimeout:    cfg.Supervisor.CandleTimeout(),
		}, heartbeat, health, prices, map[string]FeedHealth{
			exchange.ChannelTickers:  deps.Tickers,
			exchange.ChannelCandle1H: deps.Candles,
		}),
		signals:   make(chan strategy.BuySignal, signalBufferSize),
		startedAt: time.Now(),
		logger:    config.NewLogger("engine"),
		now:       time.Now,
	}
}

// Run loads the instrument set, restores state, and drives every component
// until ctx ends. Shutdown is cooperative: the feeds disconnect, the loops
// return, and the worker pool drains before Run comes back.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().
		Str("venue", e.venue.Name()).
		Bool("simulation", e.cfg.Trading.SimulationMode).
		Msg("Engine starting")

	if err := e.registry.Load(ctx); err != nil {
		return err
	}
	e.seedGapCooldown(ctx)
	e.subscribeAll()
	e.recovery.Startup(ctx)
	e.heartbeat.Beat()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.tickers.Run(ctx) })
	g.Go(func() error { return e.candles.Run(ctx) })
	g.Go(func() error { return e.registry.Run(ctx) })
	g.Go(func() error { return e.dispatcher.Run(ctx, e.candles.Candles()) })
	g.Go(func() error { return e.scheduler.Run(ctx) })
	g.Go(func() error { return e.lifecycle.RunPlacedSweep(ctx, e.cfg.Trading.TimeoutCheckInterval()) })
	g.Go(func() error { return e.recovery.RunDeep(ctx) })
	g.Go(func() error { return e.supervisor.Run(ctx) })
	g.Go(func() error { return e.signalLoop(ctx) })
	g.Go(func() error { return e.runLoop(ctx) })

	err := g.Wait()
	e.pool.Stop()
	e.logger.Info().Msg("Engine stopped")

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// subscribeAll puts every registered instrument on both feeds.
func (e *Engine) subscribeAll() {
	instruments := e.registry.Instruments()
	for _, instID := range instruments {
		e.watch(instID)
	}
	e.logger.Info().Int("instruments", len(instruments)).Msg("Feeds subscribed")
}

// seedGapCooldown primes the gap strategy's cooldown from the order log so a
// restart inside the window cannot buy early.
func (e *Engine) seedGapCooldown(ctx context.Context) {
	ms, err := e.store.LatestBuyTime(ctx, strategy.FlagOriginalGap)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Gap cooldown seed query failed")
		return
	}
	if ms > 0 {
		e.gap.Seed(time.UnixMilli(ms))
	}
}

// runLoop is the strategy loop: it consumes ticker events, evaluates the
// gate and the strategies, and follows registry and reconnect events. It is
// also the heartbeat the watchdog observes.
func (e *Engine) runLoop(ctx context.Context) error {
	beat := time.NewTicker(e.cfg.Supervisor.HeartbeatInterval())
	defer beat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-e.tickers.Tickers():
			if !ok {
				return nil
			}
			e.handleTick(ctx, evt)
			e.heartbeat.Beat()

		case <-beat.C:
			// a quiet market still proves the loop is alive
			e.heartbeat.Beat()

		case evt := <-e.registry.Events():
			e.handleRegistryEvent(evt)

		case <-e.candles.Resubscribed():
			// the candle stream has a gap behind it; refetch any hour open
			// the missed frames would have carried
			e.prices.RefreshAllAtHourBoundary()

		case <-e.tickers.Resubscribed():
			// nothing to backfill, the next tick overwrites
		}
	}
}

// handleTick runs one ticker event through the gate and every strategy.
func (e *Engine) handleTick(ctx context.Context, evt exchange.TickerEvent) {
	metrics.RecordTick()
	e.prices.OnTick(evt.InstID, evt.Last)

	tick := e.gate.Check(ctx, evt.InstID, evt.Last, evt.TS)
	for _, s := range e.strategies {
		if sig := s.OnTick(tick); sig != nil {
			e.emit(*sig)
		}
	}
}

// emit queues a buy signal for the lifecycle manager. A signal that cannot
// be queued is withdrawn immediately; its reservation must not outlive it.
func (e *Engine) emit(sig strategy.BuySignal) {
	metrics.RecordBuySignal(sig.Flag)
	select {
	case e.signals <- sig:
	default:
		e.withdraw(sig, "signal buffer full")
	}
}

// signalLoop hands queued signals to the worker pool.
func (e *Engine) signalLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-e.signals:
			if err := e.pool.Submit(func() { e.lifecycle.ExecuteBuy(ctx, sig) }); err != nil {
				e.withdraw(sig, err.Error())
			}
		}
	}
}

// withdraw releases a signal that never reached the buy path.
func (e *Engine) withdraw(sig strategy.BuySignal, reason string) {
	e.book.Release(sig.Flag, sig.InstID)
	if s, ok := e.byFlag[sig.Flag]; ok {
		s.OnCanceled(sig.InstID, "")
	}
	e.logger.Warn().
		Str("inst_id", sig.InstID).
		Str("flag", sig.Flag).
		Str("reason", reason).
		Msg("Buy signal dropped")
}

// handleRegistryEvent follows instrument listings and delistings.
func (e *Engine) handleRegistryEvent(evt registry.Event) {
	switch evt.Type {
	case registry.EventAdded:
		e.logger.Info().
			Str("inst_id", evt.InstID).
			Float64("limit_pct", evt.LimitPercent).
			Msg("Instrument listed")
		e.watch(evt.InstID)
	case registry.EventRemoved:
		e.logger.Info().Str("inst_id", evt.InstID).Msg("Instrument unlisted")
		e.unwatch(evt.InstID)
	}
}

// watch subscribes an instrument on both feeds and starts its candle-health
// clock.
func (e *Engine) watch(instID string) {
	_ = e.tickers.Subscribe(instID)
	_ = e.candles.Subscribe(instID)
	e.health.Track(instID, e.now())
}

// unwatch tears down an instrument's market data and per-instrument strategy
// state. Positions already held keep running to their exit; the gate stops
// new buys the moment the registry dropped the limit.
func (e *Engine) unwatch(instID string) {
	_ = e.tickers.Unsubscribe(instID)
	_ = e.candles.Unsubscribe(instID)
	e.prices.Remove(instID)
	e.gain.Remove(instID)
	e.health.Forget(instID)
	for _, s := range e.strategies {
		if r, ok := s.(instrumentRemover); ok {
			r.Remove(instID)
		}
	}
}

// Status is a point-in-time snapshot for the ops API.
type Status struct {
	Venue           string
	Simulation      bool
	StartedAt       time.Time
	Instruments     int
	ActivePositions int
	TickerDataAt    time.Time
	CandleDataAt    time.Time
	Pool            map[string]interface{}
}

// Status reports the engine's current state.
func (e *Engine) Status() Status {
	return Status{
		Venue:           e.venue.Name(),
		Simulation:      e.cfg.Trading.SimulationMode,
		StartedAt:       e.startedAt,
		Instruments:     e.registry.Count(),
		ActivePositions: e.book.Len(),
		TickerDataAt:    e.tickers.LastDataAt(),
		CandleDataAt:    e.candles.LastDataAt(),
		Pool:            e.pool.Stats(),
	}
}

// Book exposes the position book for the ops API.
func (e *Engine) Book() *strategy.Book { return e.book }
