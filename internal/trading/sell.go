package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hourglassbot/hourglass/internal/db"
	"github.com/hourglassbot/hourglass/internal/exchange"
	"github.com/hourglassbot/hourglass/internal/metrics"
)

// trySellLock claims the per-instrument sell guard without blocking.
func (l *Lifecycle) trySellLock(instID string) bool {
	l.sellMu.Lock()
	defer l.sellMu.Unlock()
	if l.selling[instID] {
		return false
	}
	l.selling[instID] = true
	return true
}

func (l *Lifecycle) sellUnlock(instID string) {
	l.sellMu.Lock()
	defer l.sellMu.Unlock()
	delete(l.selling, instID)
}

// SellInstrument sells every due, unsold position of one instrument, oldest
// buy first. A concurrent call for the same instrument exits immediately.
// Rows that fail stay unsold and eligible for the next cycle; only a known
// sell price ever promotes a row to sold out.
func (l *Lifecycle) SellInstrument(ctx context.Context, instID string) error {
	if !l.trySellLock(instID) {
		return nil
	}
	defer l.sellUnlock(instID)

	rows, err := l.store.UnsoldRowsForInstrument(ctx, instID, l.now().UnixMilli())
	if err != nil {
		metrics.RecordError("db", "sell")
		return fmt.Errorf("scan unsold rows for %s: %w", instID, err)
	}
	if len(rows) == 0 {
		return nil
	}

	failed := 0
	for _, row := range rows {
		if err := l.sellRow(ctx, row); err != nil {
			failed++
			metrics.RecordSellFailure(row.Flag)
			l.logger.Error().Err(err).
				Str("inst_id", row.InstID).
				Str("ord_id", row.OrdID).
				Str("flag", row.Flag).
				Msg("Sell attempt failed")
		}
	}
	if failed > 0 {
		return fmt.Errorf("sell %s: %d of %d rows failed", instID, failed, len(rows))
	}
	return nil
}

// sellRow runs the sell path for one buy row.
func (l *Lifecycle) sellRow(ctx context.Context, row *db.OrderRow) error {
	logger := l.logger.With().
		Str("inst_id", row.InstID).
		Str("ord_id", row.OrdID).
		Str("flag", row.Flag).
		Logger()

	size, err := decimal.NewFromString(row.Size)
	if err != nil || !size.IsPositive() {
		metrics.RecordError("state_inconsistency", "sell")
		return fmt.Errorf("row has unsellable size %q", row.Size)
	}

	// A partial buy's confirmed fill size can drift below what the row
	// recorded. Shrink toward the venue's number; never grow, since a prior
	// partial sell may have reduced the row to a remainder.
	if row.State == db.StatePartiallyFilled && !l.simulation {
		if det, derr := l.venue.GetOrder(ctx, row.InstID, row.OrdID); derr == nil {
			if det.AccFillSz.IsPositive() && det.AccFillSz.LessThan(size) {
				size = det.AccFillSz
				if uerr := l.store.UpdateSize(ctx, row.InstID, row.OrdID, size.String()); uerr != nil {
					logger.Warn().Err(uerr).Msg("Size correction not recorded")
				}
				l.book.SetSize(row.Flag, row.InstID, row.OrdID, size)
				logger.Info().Str("size", size.String()).Msg("Sell size corrected to confirmed fill")
			}
		}
	}

	if row.SellOrderID != nil && *row.SellOrderID != "" {
		remaining, done, err := l.resolveLinkedSell(ctx, row, size, logger)
		if err != nil || done {
			return err
		}
		size = remaining
	}

	return l.placeSell(ctx, row, size, logger)
}

// resolveLinkedSell settles a sell order already linked to the row. done
// means the row needs nothing further this cycle; otherwise the linkage has
// been cleared and the returned remaining size needs a replacement sell.
func (l *Lifecycle) resolveLinkedSell(ctx context.Context, row *db.OrderRow, size decimal.Decimal, logger zerolog.Logger) (decimal.Decimal, bool, error) {
	sellID := *row.SellOrderID
	det, err := l.venue.GetOrder(ctx, row.InstID, sellID)
	if err != nil {
		return size, false, fmt.Errorf("query linked sell %s: %w", sellID, err)
	}

	switch det.State {
	case exchange.OrderStateFilled:
		price, ok := l.resolveSellPrice(ctx, det, row.InstID)
		if !ok {
			// Keep the linkage; the next cycle retries the price lookup.
			return size, false, fmt.Errorf("linked sell %s filled but no price available", sellID)
		}
		return size, true, l.completeSell(ctx, row, price, size, logger)

	case exchange.OrderStateLive, exchange.OrderStatePartiallyFilled:
		// A live sell is polled, never replaced.
		return size, false, fmt.Errorf("linked sell %s still %s", sellID, det.State)

	default:
		// Canceled or unknown: whatever it filled is already sold, only the
		// remainder needs a replacement sell.
		remaining := size.Sub(det.AccFillSz)
		if det.AccFillSz.IsPositive() && !remaining.IsPositive() {
			// The cancel raced the final fill; the position is gone.
			price, ok := l.resolveSellPrice(ctx, det, row.InstID)
			if !ok {
				return size, false, fmt.Errorf("linked sell %s consumed the position but no price available", sellID)
			}
			return size, true, l.completeSell(ctx, row, price, size, logger)
		}
		if det.AccFillSz.IsPositive() {
			if uerr := l.store.UpdateSize(ctx, row.InstID, row.OrdID, remaining.String()); uerr != nil {
				return size, false, fmt.Errorf("record partial sell of %s: %w", sellID, uerr)
			}
			l.book.SetSize(row.Flag, row.InstID, row.OrdID, remaining)
			logger.Info().
				Str("sell_order_id", sellID).
				Str("sold", det.AccFillSz.String()).
				Str("remaining", remaining.String()).
				Msg("Canceled sell partially filled, selling remainder")
		}
		if cerr := l.store.ClearSellOrder(ctx, row.InstID, row.OrdID); cerr != nil {
			return remaining, false, fmt.Errorf("clear dead sell link %s: %w", sellID, cerr)
		}
		return remaining, false, nil
	}
}

// placeSell market-sells the remaining size and confirms the fill. The sell
// order id is persisted before the first poll so a crash cannot orphan a
// live sell.
func (l *Lifecycle) placeSell(ctx context.Context, row *db.OrderRow, size decimal.Decimal, logger zerolog.Logger) error {
	sellID, err := l.venue.PlaceMarketSell(ctx, row.InstID, size.String(), row.Flag)
	if err != nil {
		metrics.RecordError(metrics.NormalizeExchangeError(err), "sell")
		return fmt.Errorf("place market sell: %w", err)
	}
	metrics.RecordSellPlaced(row.Flag)

	if lerr := l.store.LinkSellOrder(ctx, row.InstID, row.OrdID, sellID); lerr != nil {
		// The sell is live either way; resolving it this cycle is the only
		// protection left against a duplicate later.
		logger.Error().Err(lerr).Str("sell_order_id", sellID).Msg("Sell linkage not persisted")
	}

	logger.Info().
		Str("sell_order_id", sellID).
		Str("size", size.String()).
		Msg("Market sell placed")

	var det *exchange.OrderDetail
	for attempt := 0; attempt < l.sellPollAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(l.sellPollDelay):
			}
		}
		d, perr := l.venue.GetOrder(ctx, row.InstID, sellID)
		if perr != nil {
			continue
		}
		det = d
		if det.State == exchange.OrderStateFilled {
			break
		}
	}
	if det == nil || det.State != exchange.OrderStateFilled {
		// Linkage is on the row; the next cycle resumes from the live sell.
		return fmt.Errorf("sell %s not confirmed filled", sellID)
	}

	price, ok := l.resolveSellPrice(ctx, det, row.InstID)
	if !ok {
		return fmt.Errorf("sell %s filled but no price available", sellID)
	}
	return l.completeSell(ctx, row, price, size, logger)
}

// resolveSellPrice finds a price for a filled sell: the venue's average, then
// its fill price, then the cached last, then a fresh ticker. No price, no
// sold-out row.
func (l *Lifecycle) resolveSellPrice(ctx context.Context, det *exchange.OrderDetail, instID string) (decimal.Decimal, bool) {
	if det.HasAvgPx && det.AvgPx.IsPositive() {
		return det.AvgPx, true
	}
	if det.HasFillPx && det.FillPx.IsPositive() {
		return det.FillPx, true
	}
	if l.prices != nil {
		if px, ok := l.prices.LastPrice(instID); ok && px.IsPositive() {
			return px, true
		}
	}
	px, err := l.venue.GetTicker(ctx, instID)
	if err == nil && px.IsPositive() {
		return px, true
	}

	l.logger.Error().
		Str("inst_id", instID).
		Str("ord_id", det.OrdID).
		Msg("No sell price recoverable from any source")
	return decimal.Zero, false
}

// completeSell finalizes a sold position: the row is promoted to sold out
// with its price, the book entry leaves memory, and the trade is announced.
// A row another path already sold is left alone.
func (l *Lifecycle) completeSell(ctx context.Context, row *db.OrderRow, price, size decimal.Decimal, logger zerolog.Logger) error {
	sold, err := l.store.MarkSoldOut(ctx, row.InstID, row.OrdID, price.String())
	if err != nil {
		return fmt.Errorf("mark sold out: %w", err)
	}
	l.book.Remove(row.Flag, row.InstID, row.OrdID)
	metrics.SetActivePositions(l.book.Len())
	if !sold {
		logger.Debug().Msg("Row already sold out")
		return nil
	}

	metrics.RecordSoldOut(row.Flag)
	l.notifier.SoldOut(row.InstID, row.Flag, row.Price, price.String(), size.String())
	logger.Info().
		Str("sell_price", price.String()).
		Str("size", size.String()).
		Msg("Position sold out")
	return nil
}
