package exchange

import (
	"context"

	"github.com/shopspring/decimal"
)

// Exchange is the venue-facing surface the trading layer depends on. Both the
// live OKX client and the simulated venue implement it; callers never branch
// on which one they hold.
type Exchange interface {
	// PlaceLimitBuy submits a limit buy and returns the venue order id.
	PlaceLimitBuy(ctx context.Context, req PlaceOrderRequest) (string, error)

	// PlaceMarketSell submits a market sell for size in base currency.
	PlaceMarketSell(ctx context.Context, instID, size, tag string) (string, error)

	// GetOrder fetches the current detail for an order.
	GetOrder(ctx context.Context, instID, orderID string) (*OrderDetail, error)

	// CancelOrder cancels a live order. Canceling an already-filled order
	// returns an error; callers re-read the order to resolve the race.
	CancelOrder(ctx context.Context, instID, orderID string) error

	// GetTicker returns the current last traded price.
	GetTicker(ctx context.Context, instID string) (decimal.Decimal, error)

	// GetHourlyCandles returns up to limit 1H candles, newest first.
	GetHourlyCandles(ctx context.Context, instID string, limit int) ([]Candle, error)

	// GetInstrumentPrecision returns the order size and price constraints.
	GetInstrumentPrecision(ctx context.Context, instID string) (*Precision, error)

	// Name identifies the venue in logs ("okx" or "sim").
	Name() string
}
