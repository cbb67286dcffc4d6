package db

import (
	"context"
	"fmt"
)

// InstrumentLimit is one row of the instrument_limits table: the discount
// from hour open, in percent, at which an instrument becomes buyable.
type InstrumentLimit struct {
	InstID       string
	LimitPercent float64
}

// GetInstrumentLimits loads the full tradable-instrument set
func (db *DB) GetInstrumentLimits(ctx context.Context) ([]InstrumentLimit, error) {
	query := `
		SELECT inst_id, limit_percent
		FROM instrument_limits
		ORDER BY inst_id
	`

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query instrument limits: %w", err)
	}
	defer rows.Close()

	var limits []InstrumentLimit
	for rows.Next() {
		var l InstrumentLimit
		if err := rows.Scan(&l.InstID, &l.LimitPercent); err != nil {
			return nil, fmt.Errorf("failed to scan instrument limit: %w", err)
		}
		limits = append(limits, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instrument limits: %w", err)
	}

	return limits, nil
}

// GetBlacklist loads the set of base currencies prohibited from buying
func (db *DB) GetBlacklist(ctx context.Context) ([]string, error) {
	query := `
		SELECT base_ccy
		FROM blacklist
		ORDER BY base_ccy
	`

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query blacklist: %w", err)
	}
	defer rows.Close()

	var bases []string
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("failed to scan blacklist entry: %w", err)
		}
		bases = append(bases, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating blacklist: %w", err)
	}

	return bases, nil
}
