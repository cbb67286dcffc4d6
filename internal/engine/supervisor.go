package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hourglassbot/hourglass/internal/config"
	"github.com/hourglassbot/hourglass/internal/metrics"
)

const defaultCheckInterval = 30 * time.Second

// Heartbeat is the liveness marker the strategy loop bumps. The watchdog
// reads the age; a loop that stops beating takes the process down so the
// process supervisor can restart it clean.
type Heartbeat struct {
	lastMS atomic.Int64
}

// NewHeartbeat creates a heartbeat starting now.
func NewHeartbeat() *Heartbeat {
	h := &Heartbeat{}
	h.Beat()
	return h
}

// Beat advances the heartbeat.
func (h *Heartbeat) Beat() {
	h.lastMS.Store(time.Now().UnixMilli())
}

// Age returns how long ago the last beat was.
func (h *Heartbeat) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(h.lastMS.Load()))
}

// StaleChecker reports instruments whose confirmed candles stopped arriving.
// *trading.CandleHealth satisfies it.
type StaleChecker interface {
	Stale(now time.Time, limit time.Duration) []string
}

// OpenRefresher refetches hourly open references after an hour boundary.
// *market.PriceManager satisfies it.
type OpenRefresher interface {
	RefreshAllAtHourBoundary()
}

// FeedHealth reports when a market feed last delivered data.
type FeedHealth interface {
	LastDataAt() time.Time
}

// SupervisorConfig holds the watchdog thresholds.
type SupervisorConfig struct {
	HeartbeatTimeout time.Duration
	CandleTimeout    time.Duration
	CheckInterval    time.Duration
}

// Supervisor is the engine's health monitor: the heartbeat watchdog, the
// per-instrument candle health check, the feed silence alarm, and the hourly
// open rollover.
type Supervisor struct {
	cfg       SupervisorConfig
	heartbeat *Heartbeat
	candles   StaleChecker
	prices    OpenRefresher
	feeds     map[string]FeedHealth

	// hour already refreshed; only the Run goroutine touches it
	lastRollover time.Time

	logger zerolog.Logger
	now    func() time.Time
	fatal  func(age time.Duration)
}

// NewSupervisor creates the supervisor.
func NewSupervisor(cfg SupervisorConfig, hb *Heartbeat, candles StaleChecker, prices OpenRefresher, feeds map[string]FeedHealth) *Supervisor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	logger := config.NewLogger("supervisor")

	return &Supervisor{
		cfg:       cfg,
		heartbeat: hb,
		candles:   candles,
		prices:    prices,
		feeds:     feeds,
		logger:    logger,
		now:       time.Now,
		fatal: func(age time.Duration) {
			logger.Fatal().Dur("age", age).Msg("Trading loop heartbeat stalled, exiting")
		},
	}
}

// Run checks health on the configured interval until ctx ends.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.check()
		}
	}
}

// check runs one supervision pass.
func (s *Supervisor) check() {
	now := s.now()

	age := s.heartbeat.Age(now)
	metrics.SetHeartbeatAge(age.Seconds())
	if s.cfg.HeartbeatTimeout > 0 && age > s.cfg.HeartbeatTimeout {
		s.logger.Error().Dur("age", age).Msg("Heartbeat stalled")
		s.fatal(age)
		return
	}

	s.checkFeeds(now)
	s.checkCandles(now)
	s.rollover(now)
}

// checkFeeds alarms on a feed that delivered data before and then went
// silent past the heartbeat window. The feed's own reconnect loop is the
// repair path; this is the signal that it is not working.
func (s *Supervisor) checkFeeds(now time.Time) {
	if s.cfg.HeartbeatTimeout <= 0 {
		return
	}
	for name, feed := range s.feeds {
		last := feed.LastDataAt()
		if last.IsZero() {
			continue
		}
		if silence := now.Sub(last); silence > s.cfg.HeartbeatTimeout {
			metrics.RecordError("feed_stalled", "supervisor")
			s.logger.Error().
				Str("channel", name).
				Dur("silence", silence).
				Msg("Feed delivered no data inside the heartbeat window")
		}
	}
}

// checkCandles alarms per instrument whose confirmed-candle stream stopped.
// The minute-55/59 scheduler still sells on time without candles; this only
// reports the degraded state.
func (s *Supervisor) checkCandles(now time.Time) {
	if s.cfg.CandleTimeout <= 0 {
		return
	}
	stale := s.candles.Stale(now, s.cfg.CandleTimeout)
	metrics.SetStaleCandleInstruments(len(stale))
	for _, instID := range stale {
		s.logger.Error().
			Str("inst_id", instID).
			Dur("limit", s.cfg.CandleTimeout).
			Msg("No confirmed candle inside the health window")
	}
}

// rollover refetches hourly opens once per hour, at minute >= 1 so the venue
// has settled the boundary candle first.
func (s *Supervisor) rollover(now time.Time) {
	hour := now.Truncate(time.Hour)
	if now.Minute() < 1 || !hour.After(s.lastRollover) {
		return
	}
	s.lastRollover = hour
	s.prices.RefreshAllAtHourBoundary()
	s.logger.Info().Time("hour", hour).Msg("Hour rollover refresh")
}
