package trading

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/hourglassbot/hourglass/internal/config"
	"github.com/hourglassbot/hourglass/internal/exchange"
	"github.com/hourglassbot/hourglass/internal/metrics"
	"github.com/hourglassbot/hourglass/internal/strategy"
)

// Recovery windows. The fast path stays cheap; the deep pass casts a wide
// net once a day with its venue lookups rate-capped.
const (
	recentRecoveryWindow = 24 * time.Hour
	recentRecoveryLimit  = 100
	deepRecoveryWindow   = 7 * 24 * time.Hour
	deepRecoveryLimit    = 500
	deepRecoveryEvery    = 24 * time.Hour
	deepLookupsPerSecond = 2
)

// Recovery keeps the in-memory book and the order log convergent: sold-out
// rows leave memory, unsold rows missing from memory are reconstructed, and
// positions already past their deadline are dispatched for sale.
type Recovery struct {
	store     OrderStore
	venue     exchange.Exchange
	book      *strategy.Book
	lifecycle *Lifecycle
	limiter   *rate.Limiter

	logger zerolog.Logger
	now    func() time.Time
}

// NewRecovery creates the recovery manager.
func NewRecovery(store OrderStore, venue exchange.Exchange, book *strategy.Book, lifecycle *Lifecycle) *Recovery {
	return &Recovery{
		store:     store,
		venue:     venue,
		book:      book,
		lifecycle: lifecycle,
		limiter:   rate.NewLimiter(rate.Limit(deepLookupsPerSecond), 1),
		logger:    config.NewLogger("recovery"),
		now:       time.Now,
	}
}

// Startup restores the recent window into memory and immediately dispatches
// every position already past its deadline.
func (r *Recovery) Startup(ctx context.Context) {
	r.SyncCycle(ctx)
	r.lifecycle.TriggerDueSells(ctx, r.now())
}

// SyncCycle evicts sold-out entries from memory and restores the recent
// window of unsold rows. The scheduler runs it at each action window.
func (r *Recovery) SyncCycle(ctx context.Context) {
	r.evictSoldOut(ctx)
	n := r.restore(ctx, recentRecoveryWindow, recentRecoveryLimit, false)
	metrics.RecordRecoveryRestored(metrics.RecoveryScopeRecent, n)
}

// evictSoldOut drops book entries whose rows the log already shows sold out.
func (r *Recovery) evictSoldOut(ctx context.Context) {
	snap := r.book.Snapshot()
	if len(snap) == 0 {
		return
	}

	ids := make([]string, 0, len(snap))
	seen := make(map[string]bool, len(snap))
	for _, o := range snap {
		if !seen[o.OrdID] {
			seen[o.OrdID] = true
			ids = append(ids, o.OrdID)
		}
	}

	sold, err := r.store.SoldOutIDs(ctx, ids)
	if err != nil {
		r.logger.Error().Err(err).Msg("Sold-out lookup failed")
		return
	}

	evicted := 0
	for _, o := range snap {
		if sold[o.OrdID] && r.book.Remove(o.Flag, o.InstID, o.OrdID) {
			evicted++
		}
	}
	if evicted > 0 {
		metrics.SetActivePositions(r.book.Len())
		r.logger.Info().Int("evicted", evicted).Msg("Sold-out positions evicted from memory")
	}
}

// restore reconstructs book entries for unsold rows missing from memory and
// returns how many it added. Rows already in memory keep their entry
// untouched, so repeated passes are idempotent.
func (r *Recovery) restore(ctx context.Context, window time.Duration, limit int, limited bool) int {
	since := r.now().Add(-window).UnixMilli()
	rows, err := r.store.UnsoldSince(ctx, since, limit)
	if err != nil {
		r.logger.Error().Err(err).Msg("Unsold-row scan failed")
		return 0
	}

	restored := 0
	for _, row := range rows {
		if _, ok := r.book.Get(row.Flag, row.InstID, row.OrdID); ok {
			continue
		}

		size, err := decimal.NewFromString(row.Size)
		if err != nil || !size.IsPositive() {
			r.logger.Error().
				Str("inst_id", row.InstID).
				Str("ord_id", row.OrdID).
				Str("size", row.Size).
				Msg("Unsold row has unusable size, not restored")
			continue
		}

		if limited {
			if err := r.limiter.Wait(ctx); err != nil {
				return restored
			}
		}
		fillMS := row.CreateTime
		if det, derr := r.venue.GetOrder(ctx, row.InstID, row.OrdID); derr == nil && det.FillTime != 0 {
			fillMS = det.FillTime
		}

		// The persisted deadline wins: it carries any group pin a plain
		// recomputation from the fill time would lose.
		deadline := row.SellTime
		if deadline == 0 {
			deadline = exitDeadlineMS(time.UnixMilli(fillMS))
		}

		r.book.Add(strategy.ActiveOrder{
			InstID:       row.InstID,
			OrdID:        row.OrdID,
			Flag:         row.Flag,
			Size:         size,
			CreateTime:   time.UnixMilli(row.CreateTime),
			FillTime:     time.UnixMilli(fillMS),
			SellDeadline: deadline,
		})
		restored++

		r.logger.Info().
			Str("inst_id", row.InstID).
			Str("ord_id", row.OrdID).
			Str("flag", row.Flag).
			Int64("sell_time", deadline).
			Msg("Unsold position restored to memory")
	}
	if restored > 0 {
		metrics.SetActivePositions(r.book.Len())
	}
	return restored
}

// RunDeep widens the scan once per day to catch rows the fast path missed.
// The first pass runs right away; restarts therefore cannot push an old
// stuck row past another full day. Blocks until ctx ends.
func (r *Recovery) RunDeep(ctx context.Context) error {
	ticker := time.NewTicker(deepRecoveryEvery)
	defer ticker.Stop()

	for {
		r.deepPass(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// deepPass runs one wide-window restore and dispatches anything now due.
func (r *Recovery) deepPass(ctx context.Context) {
	n := r.restore(ctx, deepRecoveryWindow, deepRecoveryLimit, true)
	metrics.RecordRecoveryRestored(metrics.RecoveryScopeDeep, n)
	r.lifecycle.TriggerDueSells(ctx, r.now())
	r.logger.Info().Int("restored", n).Msg("Deep recovery pass complete")
}
