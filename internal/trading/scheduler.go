package trading

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/hourglassbot/hourglass/internal/config"
)

// Syncer runs the recovery pass the scheduler triggers at each action window.
type Syncer interface {
	SyncCycle(ctx context.Context)
}

// Scheduler is the fallback exit clock. It wakes every minute and, inside
// the two action windows of each hour (minute 55 and minute 59), runs the
// recovery sync and dispatches due sells. The candle dispatcher handles the
// happy path; the scheduler covers hours whose candle never arrived.
type Scheduler struct {
	lifecycle *Lifecycle
	sync      Syncer
	interval  time.Duration

	logger zerolog.Logger
	now    func() time.Time
}

// NewScheduler creates the sell scheduler. sync may be nil.
func NewScheduler(lifecycle *Lifecycle, sync Syncer) *Scheduler {
	return &Scheduler{
		lifecycle: lifecycle,
		sync:      sync,
		interval:  time.Minute,
		logger:    config.NewLogger("sell-scheduler"),
		now:       time.Now,
	}
}

// Run wakes every minute until ctx ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx, s.now())
		}
	}
}

// tick runs one wake-up. Sells move only at minutes 55 and 59.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	minute := now.Minute()
	if minute != 55 && minute != 59 {
		return
	}

	if s.sync != nil {
		s.sync.SyncCycle(ctx)
	}
	if n := s.lifecycle.TriggerDueSells(ctx, now); n > 0 {
		s.logger.Info().
			Int("instruments", n).
			Int("minute", minute).
			Msg("Due sells dispatched")
	}
}
