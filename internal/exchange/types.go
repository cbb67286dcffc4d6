package exchange

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Exchange order states as reported by GetOrder
const (
	OrderStateLive            = "live"
	OrderStatePartiallyFilled = "partially_filled"
	OrderStateFilled          = "filled"
	OrderStateCanceled        = "canceled"
)

// PlaceOrderRequest describes a limit buy to place.
// Px and Sz are already formatted to the instrument's precision.
type PlaceOrderRequest struct {
	InstID string
	Px     string
	Sz     string
	Tag    string // strategy flag; used to derive the client order id
}

// OrderDetail is the typed decode of a GetOrder response. The exchange
// transmits all numerics as strings and leaves them empty when unknown, so
// optional fields carry an explicit presence flag instead of a zero value.
type OrderDetail struct {
	OrdID       string
	InstID      string
	State       string
	RequestedPx decimal.Decimal
	RequestedSz decimal.Decimal
	AvgPx       decimal.Decimal
	HasAvgPx    bool
	FillPx      decimal.Decimal
	HasFillPx   bool
	AccFillSz   decimal.Decimal
	FillTime    int64 // ms epoch; 0 when the exchange omitted it
}

// Candle is one 1H candlestick. TS is the bar start in ms epoch.
type Candle struct {
	TS        int64
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Confirmed bool
}

// HourStart returns the bar start as wall-clock time
func (c Candle) HourStart() time.Time {
	return time.UnixMilli(c.TS)
}

// Precision holds the per-instrument order constraints. Cached with a long
// TTL; instruments change their precision essentially never.
type Precision struct {
	LotSize  decimal.Decimal // size step
	TickSize decimal.Decimal // price step
	MinSize  decimal.Decimal // minimum order size in base currency
}

// TickerEvent is one last-price tick from the public WS stream
type TickerEvent struct {
	InstID string
	Last   decimal.Decimal
	TS     time.Time
}

// CandleEvent is one 1H candle frame from the business WS stream.
// Confirmed mirrors Candle.Confirmed for convenient filtering.
type CandleEvent struct {
	InstID string
	Candle Candle
}

// parseDecimal decodes an exchange numeric string. An empty string means the
// field is absent, not zero.
func parseDecimal(s string) (decimal.Decimal, bool, error) {
	if s == "" {
		return decimal.Zero, false, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	return d, true, nil
}

// parseCandle decodes the nine-field candle array
// [ts, o, h, l, c, vol, volCcy, volCcyQuote, confirm].
func parseCandle(fields []string) (Candle, error) {
	if len(fields) < 9 {
		return Candle{}, fmt.Errorf("candle row has %d fields, want 9", len(fields))
	}

	ts, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Candle{}, fmt.Errorf("invalid candle timestamp %q: %w", fields[0], err)
	}

	open, _, err := parseDecimal(fields[1])
	if err != nil {
		return Candle{}, fmt.Errorf("invalid candle open: %w", err)
	}
	high, _, err := parseDecimal(fields[2])
	if err != nil {
		return Candle{}, fmt.Errorf("invalid candle high: %w", err)
	}
	low, _, err := parseDecimal(fields[3])
	if err != nil {
		return Candle{}, fmt.Errorf("invalid candle low: %w", err)
	}
	closePx, _, err := parseDecimal(fields[4])
	if err != nil {
		return Candle{}, fmt.Errorf("invalid candle close: %w", err)
	}

	return Candle{
		TS:        ts,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePx,
		Confirmed: fields[8] == "1",
	}, nil
}
