package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hourglassbot/hourglass/internal/config"
)

// PublicData is the read-only market data surface the simulated venue
// delegates to. The live OKX client satisfies it, so simulation runs against
// real prices while order flow stays synthetic.
type PublicData interface {
	GetTicker(ctx context.Context, instID string) (decimal.Decimal, error)
	GetHourlyCandles(ctx context.Context, instID string, limit int) ([]Candle, error)
	GetInstrumentPrecision(ctx context.Context, instID string) (*Precision, error)
}

// PriceSource supplies the current last price for fill pricing. Wired to the
// in-memory price cache after startup; until then fills use REST tickers.
type PriceSource func(instID string) (decimal.Decimal, bool)

// Simulated is the paper-trading venue. Buys fill instantly at
// min(limit, last); sells fill instantly at last. Order ids are prefixed
// "sim-<tag>-" so they can never collide with venue ids, and no request
// ever leaves the process for order flow.
type Simulated struct {
	public PublicData
	logger zerolog.Logger

	mu     sync.RWMutex
	orders map[string]*simOrder

	sourceMu sync.RWMutex
	source   PriceSource
}

type simOrder struct {
	ordID     string
	instID    string
	side      string
	state     string
	px        decimal.Decimal
	sz        decimal.Decimal
	fillPx    decimal.Decimal
	accFillSz decimal.Decimal
	fillTime  int64
}

// NewSimulated creates a simulated venue over real public market data
func NewSimulated(public PublicData) *Simulated {
	return &Simulated{
		public: public,
		orders: make(map[string]*simOrder),
		logger: config.NewLogger("sim-exchange"),
	}
}

// SetPriceSource attaches the live price cache. Called once during wiring;
// safe to call while orders are being placed.
func (s *Simulated) SetPriceSource(src PriceSource) {
	s.sourceMu.Lock()
	s.source = src
	s.sourceMu.Unlock()
}

// Name implements Exchange
func (s *Simulated) Name() string { return "sim" }

func newSimOrderID(tag string) string {
	return fmt.Sprintf("sim-%s-%s", tag, uuid.New().String()[:8])
}

// lastPrice resolves the current last price, preferring the in-memory cache
// over a REST round trip.
func (s *Simulated) lastPrice(ctx context.Context, instID string) (decimal.Decimal, error) {
	s.sourceMu.RLock()
	src := s.source
	s.sourceMu.RUnlock()

	if src != nil {
		if last, ok := src(instID); ok && last.IsPositive() {
			return last, nil
		}
	}
	return s.public.GetTicker(ctx, instID)
}

// PlaceLimitBuy implements Exchange. The order fills in full immediately at
// the limit price, or at the current last price when that is lower.
func (s *Simulated) PlaceLimitBuy(ctx context.Context, req PlaceOrderRequest) (string, error) {
	px, ok, err := parseDecimal(req.Px)
	if err != nil || !ok {
		return "", fmt.Errorf("sim buy %s: invalid px %q", req.InstID, req.Px)
	}
	sz, ok, err := parseDecimal(req.Sz)
	if err != nil || !ok {
		return "", fmt.Errorf("sim buy %s: invalid sz %q", req.InstID, req.Sz)
	}

	fillPx := px
	if last, err := s.lastPrice(ctx, req.InstID); err == nil && last.IsPositive() && last.LessThan(px) {
		fillPx = last
	}

	order := &simOrder{
		ordID:     newSimOrderID(req.Tag),
		instID:    req.InstID,
		side:      "buy",
		state:     OrderStateFilled,
		px:        px,
		sz:        sz,
		fillPx:    fillPx,
		accFillSz: sz,
		fillTime:  time.Now().UnixMilli(),
	}

	s.mu.Lock()
	s.orders[order.ordID] = order
	s.mu.Unlock()

	s.logger.Info().
		Str("inst_id", req.InstID).
		Str("order_id", order.ordID).
		Str("limit_px", req.Px).
		Str("fill_px", fillPx.String()).
		Str("sz", req.Sz).
		Str("tag", req.Tag).
		Msg("Simulated buy filled")
	return order.ordID, nil
}

// PlaceMarketSell implements Exchange. The order fills in full immediately
// at the current last price.
func (s *Simulated) PlaceMarketSell(ctx context.Context, instID, size, tag string) (string, error) {
	sz, ok, err := parseDecimal(size)
	if err != nil || !ok {
		return "", fmt.Errorf("sim sell %s: invalid sz %q", instID, size)
	}

	last, err := s.lastPrice(ctx, instID)
	if err != nil {
		return "", fmt.Errorf("sim sell %s: no price: %w", instID, err)
	}

	order := &simOrder{
		ordID:     newSimOrderID(tag),
		instID:    instID,
		side:      "sell",
		state:     OrderStateFilled,
		sz:        sz,
		fillPx:    last,
		accFillSz: sz,
		fillTime:  time.Now().UnixMilli(),
	}

	s.mu.Lock()
	s.orders[order.ordID] = order
	s.mu.Unlock()

	s.logger.Info().
		Str("inst_id", instID).
		Str("order_id", order.ordID).
		Str("fill_px", last.String()).
		Str("sz", size).
		Str("tag", tag).
		Msg("Simulated sell filled")
	return order.ordID, nil
}

// GetOrder implements Exchange
func (s *Simulated) GetOrder(ctx context.Context, instID, orderID string) (*OrderDetail, error) {
	s.mu.RLock()
	order, ok := s.orders[orderID]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("sim order %s/%s: not found", instID, orderID)
	}

	return &OrderDetail{
		OrdID:       order.ordID,
		InstID:      order.instID,
		State:       order.state,
		RequestedPx: order.px,
		RequestedSz: order.sz,
		AvgPx:       order.fillPx,
		HasAvgPx:    true,
		FillPx:      order.fillPx,
		HasFillPx:   true,
		AccFillSz:   order.accFillSz,
		FillTime:    order.fillTime,
	}, nil
}

// CancelOrder implements Exchange. Every simulated order fills on placement,
// so cancellation always reports the same rejection the venue would.
func (s *Simulated) CancelOrder(ctx context.Context, instID, orderID string) error {
	s.mu.RLock()
	_, ok := s.orders[orderID]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("sim cancel %s/%s: not found", instID, orderID)
	}
	return fmt.Errorf("sim cancel %s/%s: order already filled", instID, orderID)
}

// GetTicker implements Exchange by delegating to real market data
func (s *Simulated) GetTicker(ctx context.Context, instID string) (decimal.Decimal, error) {
	return s.public.GetTicker(ctx, instID)
}

// GetHourlyCandles implements Exchange by delegating to real market data
func (s *Simulated) GetHourlyCandles(ctx context.Context, instID string, limit int) ([]Candle, error) {
	return s.public.GetHourlyCandles(ctx, instID, limit)
}

// GetInstrumentPrecision implements Exchange by delegating to real market data
func (s *Simulated) GetInstrumentPrecision(ctx context.Context, instID string) (*Precision, error) {
	return s.public.GetInstrumentPrecision(ctx, instID)
}
