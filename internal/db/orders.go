package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// OrderState represents the lifecycle state persisted in the order log.
// A buy row moves placed -> (filled | partially_filled | canceled) and from
// filled/partially_filled exactly once more to sold out. No other transitions
// exist; the UPDATE guards below enforce that at the database.
type OrderState string

const (
	StatePlaced          OrderState = ""
	StateFilled          OrderState = "filled"
	StatePartiallyFilled OrderState = "partially_filled"
	StateCanceled        OrderState = "canceled"
	StateSoldOut         OrderState = "sold out"
)

// Order sides persisted in the order log
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Order types persisted in the order log
const (
	OrderTypeLimit  = "limit"
	OrderTypeMarket = "market"
)

// OrderRow is one row of the order log. Times are ms epoch. Price and size are
// kept as the exact strings sent to or received from the exchange. Size is the
// remaining-to-sell quantity once partial-sell accounting has run.
type OrderRow struct {
	InstID      string
	Flag        string
	OrdID       string
	CreateTime  int64
	OrderType   string
	State       OrderState
	Price       string
	Size        string
	SellTime    int64
	Side        string
	SellOrderID *string
	SellPrice   *string
}

// StateFromExchange maps an exchange order state onto a log state
func StateFromExchange(s string) OrderState {
	switch strings.ToLower(s) {
	case "live":
		return StatePlaced
	case "filled":
		return StateFilled
	case "partially_filled":
		return StatePartiallyFilled
	case "canceled", "cancelled", "mmp_canceled":
		return StateCanceled
	default:
		return StatePlaced
	}
}

const orderColumns = `"instId", flag, "ordId", create_time, "orderType", state, price, size, COALESCE(sell_time, 0), side, sell_order_id, sell_price`

// InsertBuyOrder inserts the order-log row at buy placement
func (db *DB) InsertBuyOrder(ctx context.Context, row *OrderRow) error {
	query := `
		INSERT INTO orders (
			"instId", flag, "ordId", create_time, "orderType", state,
			price, size, sell_time, side, sell_order_id, sell_price
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
	`

	_, err := db.pool.Exec(ctx, query,
		row.InstID,
		row.Flag,
		row.OrdID,
		row.CreateTime,
		row.OrderType,
		row.State,
		row.Price,
		row.Size,
		row.SellTime,
		row.Side,
		row.SellOrderID,
		row.SellPrice,
	)

	if err != nil {
		log.Error().
			Err(err).
			Str("inst_id", row.InstID).
			Str("ord_id", row.OrdID).
			Str("flag", row.Flag).
			Msg("Failed to insert order row")
		return fmt.Errorf("failed to insert order row: %w", err)
	}

	log.Debug().
		Str("inst_id", row.InstID).
		Str("ord_id", row.OrdID).
		Str("flag", row.Flag).
		Int64("sell_time", row.SellTime).
		Msg("Order row inserted")

	return nil
}

// MarkCanceled transitions a placed row to canceled
func (db *DB) MarkCanceled(ctx context.Context, instID, ordID string) error {
	query := `
		UPDATE orders
		SET state = $1
		WHERE "instId" = $2 AND "ordId" = $3 AND state = ''
	`

	result, err := db.pool.Exec(ctx, query, StateCanceled, instID, ordID)
	if err != nil {
		log.Error().
			Err(err).
			Str("inst_id", instID).
			Str("ord_id", ordID).
			Msg("Failed to mark order canceled")
		return fmt.Errorf("failed to mark order canceled: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("order not found or already resolved: %s/%s", instID, ordID)
	}

	log.Debug().
		Str("inst_id", instID).
		Str("ord_id", ordID).
		Msg("Order marked canceled")

	return nil
}

// UpdatePriceSize overwrites price and size on a still-placed row.
// Used by the early post-placement poll when the exchange already reports fills.
func (db *DB) UpdatePriceSize(ctx context.Context, instID, ordID, price, size string) error {
	query := `
		UPDATE orders
		SET price = $1, size = $2
		WHERE "instId" = $3 AND "ordId" = $4 AND state = ''
	`

	result, err := db.pool.Exec(ctx, query, price, size, instID, ordID)
	if err != nil {
		return fmt.Errorf("failed to update order price/size: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("order not found or already resolved: %s/%s", instID, ordID)
	}

	return nil
}

// MarkFilled transitions a placed row to filled with its actual fill price,
// size and the exit deadline recomputed from the fill time
func (db *DB) MarkFilled(ctx context.Context, instID, ordID, price, size string, sellTime int64) error {
	query := `
		UPDATE orders
		SET state = $1, price = $2, size = $3, sell_time = $4
		WHERE "instId" = $5 AND "ordId" = $6 AND state = ''
	`

	result, err := db.pool.Exec(ctx, query, StateFilled, price, size, sellTime, instID, ordID)
	if err != nil {
		log.Error().
			Err(err).
			Str("inst_id", instID).
			Str("ord_id", ordID).
			Msg("Failed to mark order filled")
		return fmt.Errorf("failed to mark order filled: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("order not found or already resolved: %s/%s", instID, ordID)
	}

	log.Debug().
		Str("inst_id", instID).
		Str("ord_id", ordID).
		Str("price", price).
		Str("size", size).
		Int64("sell_time", sellTime).
		Msg("Order marked filled")

	return nil
}

// MarkPartiallyFilled transitions a placed row to partially_filled with the
// confirmed fill price and size
func (db *DB) MarkPartiallyFilled(ctx context.Context, instID, ordID, price, size string, sellTime int64) error {
	query := `
		UPDATE orders
		SET state = $1, price = $2, size = $3, sell_time = $4
		WHERE "instId" = $5 AND "ordId" = $6 AND state = ''
	`

	result, err := db.pool.Exec(ctx, query, StatePartiallyFilled, price, size, sellTime, instID, ordID)
	if err != nil {
		log.Error().
			Err(err).
			Str("inst_id", instID).
			Str("ord_id", ordID).
			Msg("Failed to mark order partially filled")
		return fmt.Errorf("failed to mark order partially filled: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("order not found or already resolved: %s/%s", instID, ordID)
	}

	log.Debug().
		Str("inst_id", instID).
		Str("ord_id", ordID).
		Str("size", size).
		Msg("Order marked partially filled")

	return nil
}

// UpdateSize rewrites the remaining-to-sell size of an unsold row.
// Applied when a canceled sell reports partial fills or when GetOrder shows
// the recorded size drifted from the confirmed fill size.
func (db *DB) UpdateSize(ctx context.Context, instID, ordID, size string) error {
	query := `
		UPDATE orders
		SET size = $1
		WHERE "instId" = $2 AND "ordId" = $3
		  AND state IN ('filled', 'partially_filled')
		  AND sell_price IS NULL
	`

	result, err := db.pool.Exec(ctx, query, size, instID, ordID)
	if err != nil {
		return fmt.Errorf("failed to update order size: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("unsold order not found: %s/%s", instID, ordID)
	}

	log.Debug().
		Str("inst_id", instID).
		Str("ord_id", ordID).
		Str("size", size).
		Msg("Order size corrected")

	return nil
}

// LinkSellOrder records the exchange sell order id on the buy row.
// Persisted before the first sell poll so a crash cannot orphan a live sell.
func (db *DB) LinkSellOrder(ctx context.Context, instID, ordID, sellOrderID string) error {
	query := `
		UPDATE orders
		SET sell_order_id = $1
		WHERE "instId" = $2 AND "ordId" = $3 AND sell_price IS NULL
	`

	result, err := db.pool.Exec(ctx, query, sellOrderID, instID, ordID)
	if err != nil {
		log.Error().
			Err(err).
			Str("inst_id", instID).
			Str("ord_id", ordID).
			Str("sell_order_id", sellOrderID).
			Msg("Failed to link sell order")
		return fmt.Errorf("failed to link sell order: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("unsold order not found: %s/%s", instID, ordID)
	}

	return nil
}

// ClearSellOrder removes a dead sell linkage so a replacement sell may be placed
func (db *DB) ClearSellOrder(ctx context.Context, instID, ordID string) error {
	query := `
		UPDATE orders
		SET sell_order_id = NULL
		WHERE "instId" = $1 AND "ordId" = $2 AND sell_price IS NULL
	`

	if _, err := db.pool.Exec(ctx, query, instID, ordID); err != nil {
		return fmt.Errorf("failed to clear sell order link: %w", err)
	}

	return nil
}

// MarkSoldOut finalizes a buy row: state 'sold out' plus the confirmed sell
// price, set exactly once. The sell_price IS NULL guard makes the call
// idempotent; false means another path already sold this row.
func (db *DB) MarkSoldOut(ctx context.Context, instID, ordID, sellPrice string) (bool, error) {
	query := `
		UPDATE orders
		SET state = $1, sell_price = $2
		WHERE "instId" = $3 AND "ordId" = $4
		  AND state IN ('filled', 'partially_filled')
		  AND sell_price IS NULL
	`

	result, err := db.pool.Exec(ctx, query, StateSoldOut, sellPrice, instID, ordID)
	if err != nil {
		log.Error().
			Err(err).
			Str("inst_id", instID).
			Str("ord_id", ordID).
			Msg("Failed to mark order sold out")
		return false, fmt.Errorf("failed to mark order sold out: %w", err)
	}

	if result.RowsAffected() == 0 {
		return false, nil
	}

	log.Info().
		Str("inst_id", instID).
		Str("ord_id", ordID).
		Str("sell_price", sellPrice).
		Msg("Order sold out")

	return true, nil
}

// GetOrderRow retrieves one row by its primary lookup key.
// Returns (nil, nil) when the row does not exist.
func (db *DB) GetOrderRow(ctx context.Context, instID, ordID string) (*OrderRow, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE "instId" = $1 AND "ordId" = $2
	`

	rows, err := db.pool.Query(ctx, query, instID, ordID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order row: %w", err)
	}
	defer rows.Close()

	found, err := scanOrderRows(rows)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}
	return found[0], nil
}

// UnsoldRowsForInstrument returns every due, unsold buy row of an instrument
// in create_time ascending order. Due means the exit deadline is unset or has
// passed.
func (db *DB) UnsoldRowsForInstrument(ctx context.Context, instID string, nowMS int64) ([]*OrderRow, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE "instId" = $1
		  AND side = 'buy'
		  AND state IN ('filled', 'partially_filled')
		  AND sell_price IS NULL
		  AND (sell_time IS NULL OR sell_time = 0 OR sell_time <= $2)
		ORDER BY create_time ASC
	`

	rows, err := db.pool.Query(ctx, query, instID, nowMS)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsold rows: %w", err)
	}
	defer rows.Close()

	return scanOrderRows(rows)
}

// UnsoldSince returns unsold buy rows created at or after sinceMS, newest
// first, capped at limit. The recovery manager uses it for both the fast
// 24h window and the daily deep scan.
func (db *DB) UnsoldSince(ctx context.Context, sinceMS int64, limit int) ([]*OrderRow, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE side = 'buy'
		  AND state IN ('filled', 'partially_filled')
		  AND sell_price IS NULL
		  AND create_time >= $1
		ORDER BY create_time DESC
		LIMIT $2
	`

	rows, err := db.pool.Query(ctx, query, sinceMS, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsold rows since: %w", err)
	}
	defer rows.Close()

	return scanOrderRows(rows)
}

// PlacedRowsOlderThan returns placed rows whose fill-or-cancel window expired
// before cutoffMS. These are orders whose timeout task was lost, typically
// across a restart.
func (db *DB) PlacedRowsOlderThan(ctx context.Context, cutoffMS int64) ([]*OrderRow, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE side = 'buy'
		  AND state = ''
		  AND create_time <= $1
		ORDER BY create_time ASC
	`

	rows, err := db.pool.Query(ctx, query, cutoffMS)
	if err != nil {
		return nil, fmt.Errorf("failed to query placed rows: %w", err)
	}
	defer rows.Close()

	return scanOrderRows(rows)
}

// SoldOutIDs reports which of the given buy order ids are already sold out.
// The eviction sweep uses it to drop stale entries from memory.
func (db *DB) SoldOutIDs(ctx context.Context, ordIDs []string) (map[string]bool, error) {
	if len(ordIDs) == 0 {
		return map[string]bool{}, nil
	}

	query := `
		SELECT "ordId"
		FROM orders
		WHERE "ordId" = ANY($1)
		  AND (state = 'sold out' OR sell_price IS NOT NULL)
	`

	rows, err := db.pool.Query(ctx, query, ordIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query sold out ids: %w", err)
	}
	defer rows.Close()

	sold := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan sold out id: %w", err)
		}
		sold[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sold out ids: %w", err)
	}

	return sold, nil
}

// LatestBuyTime returns the newest create_time among successful buys of a
// strategy flag, or 0 when none exist. Seeds the gap-strategy cooldown at
// startup.
func (db *DB) LatestBuyTime(ctx context.Context, flag string) (int64, error) {
	query := `
		SELECT COALESCE(MAX(create_time), 0)
		FROM orders
		WHERE flag = $1
		  AND side = 'buy'
		  AND state NOT IN ('', 'canceled')
	`

	var ts int64
	if err := db.pool.QueryRow(ctx, query, flag).Scan(&ts); err != nil {
		return 0, fmt.Errorf("failed to query latest buy time: %w", err)
	}

	return ts, nil
}

// RecentOrders lists order rows newest first, optionally filtered by flag
// and state. Serves the ops API.
func (db *DB) RecentOrders(ctx context.Context, flag string, state *OrderState, limit int) ([]*OrderRow, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE 1=1
	`

	args := []interface{}{}
	argCount := 1

	if flag != "" {
		query += fmt.Sprintf(` AND flag = $%d`, argCount)
		args = append(args, flag)
		argCount++
	}

	if state != nil {
		query += fmt.Sprintf(` AND state = $%d`, argCount)
		args = append(args, *state)
		argCount++
	}

	query += " ORDER BY create_time DESC"

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, limit)
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent orders: %w", err)
	}
	defer rows.Close()

	return scanOrderRows(rows)
}

// CountByState returns row counts grouped by state. Serves the ops API.
func (db *DB) CountByState(ctx context.Context) (map[string]int, error) {
	query := `SELECT state, COUNT(*) FROM orders GROUP BY state`

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count orders by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan state count: %w", err)
		}
		counts[state] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating state counts: %w", err)
	}

	return counts, nil
}

// scanOrderRows scans order rows from a query result
func scanOrderRows(rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}) ([]*OrderRow, error) {
	var out []*OrderRow
	for rows.Next() {
		row := &OrderRow{}
		err := rows.Scan(
			&row.InstID,
			&row.Flag,
			&row.OrdID,
			&row.CreateTime,
			&row.OrderType,
			&row.State,
			&row.Price,
			&row.Size,
			&row.SellTime,
			&row.Side,
			&row.SellOrderID,
			&row.SellPrice,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order row: %w", err)
		}
		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order rows: %w", err)
	}

	return out, nil
}
