package metrics

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// strategyFlags is the bounded set of strategy labels exported by the updater.
var strategyFlags = []string{"hour_limit", "stable", "batch", "original_gap"}

// Updater periodically refreshes database-derived gauges
type Updater struct {
	db       *pgxpool.Pool
	interval time.Duration
	stopCh   chan struct{}
}

// NewUpdater creates a new metrics updater
func NewUpdater(db *pgxpool.Pool, interval time.Duration) *Updater {
	return &Updater{
		db:       db,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the metrics update loop
func (u *Updater) Start(ctx context.Context) {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	u.update(ctx)

	for {
		select {
		case <-ticker.C:
			u.update(ctx)
		case <-u.stopCh:
			log.Info().Msg("Metrics updater stopped")
			return
		case <-ctx.Done():
			log.Info().Msg("Metrics updater context cancelled")
			return
		}
	}
}

// Stop stops the metrics updater
func (u *Updater) Stop() {
	close(u.stopCh)
}

func (u *Updater) update(ctx context.Context) {
	u.updateOrderMetrics(ctx)
	u.updatePoolMetrics()
}

// updateOrderMetrics refreshes the unsold row counts per strategy
func (u *Updater) updateOrderMetrics(ctx context.Context) {
	start := time.Now()

	query := `
		SELECT flag, COUNT(*)
		FROM orders
		WHERE side = 'buy' AND state IN ('', 'filled', 'partially_filled')
		GROUP BY flag
	`

	rows, err := u.db.Query(ctx, query)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch open row counts")
		return
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var flag string
		var count int64
		if err := rows.Scan(&flag, &count); err != nil {
			log.Error().Err(err).Msg("Failed to scan open row count")
			return
		}
		counts[flag] = count
	}
	if err := rows.Err(); err != nil {
		log.Error().Err(err).Msg("Failed to read open row counts")
		return
	}

	// Reset flags with no open rows so stale values don't linger.
	for _, flag := range strategyFlags {
		OpenRowsByStrategy.WithLabelValues(flag).Set(float64(counts[flag]))
	}

	RecordDatabaseQuery("metrics_open_rows", float64(time.Since(start).Milliseconds()))
}

// updatePoolMetrics refreshes connection pool gauges
func (u *Updater) updatePoolMetrics() {
	stat := u.db.Stat()
	UpdateDatabaseConnections(stat.AcquiredConns(), stat.IdleConns())
}
