package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"github.com/hourglassbot/hourglass/internal/config"
	"github.com/hourglassbot/hourglass/internal/metrics"
)

const (
	okxDefaultBaseURL = "https://www.okx.com"
	okxRequestTimeout = 10 * time.Second

	tdModeCash = "cash"
)

// OKX is the live venue client over the v5 REST API. All calls go through
// the shared retry policy; when a circuit breaker is attached, through that
// too, so a venue outage fails fast instead of stacking up goroutines.
type OKX struct {
	client  *resty.Client
	creds   Credentials
	retry   RetryConfig
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

// NewOKX creates a live client. baseURL falls back to the production host
// when empty. creds may be empty for public market data only; private
// endpoints will then fail with an auth error. breaker may be nil.
func NewOKX(baseURL string, creds Credentials, breaker *gobreaker.CircuitBreaker) *OKX {
	if baseURL == "" {
		baseURL = okxDefaultBaseURL
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(okxRequestTimeout).
		SetRetryCount(0) // retries are owned by WithRetry

	return &OKX{
		client:  client,
		creds:   creds,
		retry:   DefaultRetryConfig(),
		breaker: breaker,
		logger:  config.NewLogger("exchange"),
	}
}

// Name implements Exchange
func (o *OKX) Name() string { return "okx" }

// apiResponse is the envelope every v5 endpoint wraps its payload in.
// Code "0" means success; anything else is an error described by Msg.
type apiResponse struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type okxTradeAck struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

type okxTicker struct {
	InstID string `json:"instId"`
	Last   string `json:"last"`
	TS     string `json:"ts"`
}

type okxOrderDetail struct {
	OrdID     string `json:"ordId"`
	InstID    string `json:"instId"`
	State     string `json:"state"`
	Px        string `json:"px"`
	Sz        string `json:"sz"`
	AvgPx     string `json:"avgPx"`
	FillPx    string `json:"fillPx"`
	AccFillSz string `json:"accFillSz"`
	FillTime  string `json:"fillTime"`
}

type okxInstrument struct {
	InstID string `json:"instId"`
	LotSz  string `json:"lotSz"`
	TickSz string `json:"tickSz"`
	MinSz  string `json:"minSz"`
	State  string `json:"state"`
}

type placeOrderBody struct {
	InstID  string `json:"instId"`
	TdMode  string `json:"tdMode"`
	ClOrdID string `json:"clOrdId,omitempty"`
	Side    string `json:"side"`
	OrdType string `json:"ordType"`
	Px      string `json:"px,omitempty"`
	Sz      string `json:"sz"`
	TgtCcy  string `json:"tgtCcy,omitempty"`
}

type cancelOrderBody struct {
	InstID string `json:"instId"`
	OrdID  string `json:"ordId"`
}

// newClientOrderID derives a clOrdId from the strategy tag. The venue only
// accepts [a-zA-Z0-9]{1,32}, so the tag is stripped to alphanumerics and
// capped before the random suffix.
func newClientOrderID(tag string) string {
	var prefix strings.Builder
	for _, r := range tag {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			prefix.WriteRune(r)
		}
	}
	p := prefix.String()
	if len(p) > 8 {
		p = p[:8]
	}
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:24]
	return p + suffix
}

// do executes one REST call with retry and optional circuit breaking.
// out, when non-nil, receives the decoded data array.
func (o *OKX) do(ctx context.Context, method, path string, body, out interface{}) error {
	operation := method + " " + strings.SplitN(path, "?", 2)[0]
	start := time.Now()
	err := WithRetry(ctx, o.retry, operation, func() error {
		if o.breaker == nil {
			return o.doOnce(ctx, method, path, body, out)
		}
		_, execErr := o.breaker.Execute(func() (interface{}, error) {
			return nil, o.doOnce(ctx, method, path, body, out)
		})
		return execErr
	})
	metrics.RecordExchangeAPICall(o.Name(), operation, float64(time.Since(start).Milliseconds()), err)
	return err
}

func (o *OKX) doOnce(ctx context.Context, method, path string, body, out interface{}) error {
	req := o.client.R().SetContext(ctx)

	var bodyJSON string
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyJSON = string(raw)
		req.SetHeader("Content-Type", "application/json").SetBody(raw)
	}

	if !o.creds.empty() {
		// the signature covers the request path including the query string
		ts := signTimestamp(time.Now())
		req.SetHeaders(map[string]string{
			"OK-ACCESS-KEY":        o.creds.APIKey,
			"OK-ACCESS-SIGN":       sign(o.creds.SecretKey, ts, method, path, bodyJSON),
			"OK-ACCESS-TIMESTAMP":  ts,
			"OK-ACCESS-PASSPHRASE": o.creds.Passphrase,
		})
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	var envelope apiResponse
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		if resp.IsError() {
			return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode())
		}
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}

	if envelope.Code != "0" {
		// order rejections carry the real reason in data[0].sCode
		var acks []okxTradeAck
		if len(envelope.Data) > 0 && json.Unmarshal(envelope.Data, &acks) == nil &&
			len(acks) > 0 && acks[0].SCode != "" && acks[0].SCode != "0" {
			return fmt.Errorf("%s %s: exchange code %s: %s", method, path, acks[0].SCode, acks[0].SMsg)
		}
		return fmt.Errorf("%s %s: exchange code %s: %s", method, path, envelope.Code, envelope.Msg)
	}

	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("%s %s: decode data: %w", method, path, err)
		}
	}
	return nil
}

// PlaceLimitBuy implements Exchange
func (o *OKX) PlaceLimitBuy(ctx context.Context, req PlaceOrderRequest) (string, error) {
	body := placeOrderBody{
		InstID:  req.InstID,
		TdMode:  tdModeCash,
		ClOrdID: newClientOrderID(req.Tag),
		Side:    "buy",
		OrdType: "limit",
		Px:      req.Px,
		Sz:      req.Sz,
	}

	var acks []okxTradeAck
	if err := o.do(ctx, http.MethodPost, "/api/v5/trade/order", body, &acks); err != nil {
		return "", err
	}
	if len(acks) == 0 || acks[0].OrdID == "" {
		return "", fmt.Errorf("place order %s: empty trade response", req.InstID)
	}

	o.logger.Info().
		Str("inst_id", req.InstID).
		Str("order_id", acks[0].OrdID).
		Str("px", req.Px).
		Str("sz", req.Sz).
		Str("tag", req.Tag).
		Msg("Limit buy placed")
	return acks[0].OrdID, nil
}

// PlaceMarketSell implements Exchange. Size is in base currency; tgtCcy pins
// that explicitly so the venue never interprets it as quote notional.
func (o *OKX) PlaceMarketSell(ctx context.Context, instID, size, tag string) (string, error) {
	body := placeOrderBody{
		InstID:  instID,
		TdMode:  tdModeCash,
		ClOrdID: newClientOrderID(tag),
		Side:    "sell",
		OrdType: "market",
		Sz:      size,
		TgtCcy:  "base_ccy",
	}

	var acks []okxTradeAck
	if err := o.do(ctx, http.MethodPost, "/api/v5/trade/order", body, &acks); err != nil {
		return "", err
	}
	if len(acks) == 0 || acks[0].OrdID == "" {
		return "", fmt.Errorf("place sell %s: empty trade response", instID)
	}

	o.logger.Info().
		Str("inst_id", instID).
		Str("order_id", acks[0].OrdID).
		Str("sz", size).
		Str("tag", tag).
		Msg("Market sell placed")
	return acks[0].OrdID, nil
}

// CancelOrder implements Exchange
func (o *OKX) CancelOrder(ctx context.Context, instID, orderID string) error {
	body := cancelOrderBody{InstID: instID, OrdID: orderID}

	var acks []okxTradeAck
	if err := o.do(ctx, http.MethodPost, "/api/v5/trade/cancel-order", body, &acks); err != nil {
		return err
	}

	o.logger.Info().
		Str("inst_id", instID).
		Str("order_id", orderID).
		Msg("Order canceled")
	return nil
}

// GetOrder implements Exchange
func (o *OKX) GetOrder(ctx context.Context, instID, orderID string) (*OrderDetail, error) {
	q := url.Values{}
	q.Set("instId", instID)
	q.Set("ordId", orderID)
	path := "/api/v5/trade/order?" + q.Encode()

	var rows []okxOrderDetail
	if err := o.do(ctx, http.MethodGet, path, nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("get order %s/%s: not found", instID, orderID)
	}
	return decodeOrderDetail(rows[0])
}

func decodeOrderDetail(row okxOrderDetail) (*OrderDetail, error) {
	detail := &OrderDetail{
		OrdID:  row.OrdID,
		InstID: row.InstID,
		State:  row.State,
	}

	var err error
	if detail.RequestedPx, _, err = parseDecimal(row.Px); err != nil {
		return nil, fmt.Errorf("order %s px: %w", row.OrdID, err)
	}
	if detail.RequestedSz, _, err = parseDecimal(row.Sz); err != nil {
		return nil, fmt.Errorf("order %s sz: %w", row.OrdID, err)
	}
	if detail.AvgPx, detail.HasAvgPx, err = parseDecimal(row.AvgPx); err != nil {
		return nil, fmt.Errorf("order %s avgPx: %w", row.OrdID, err)
	}
	if detail.FillPx, detail.HasFillPx, err = parseDecimal(row.FillPx); err != nil {
		return nil, fmt.Errorf("order %s fillPx: %w", row.OrdID, err)
	}
	if detail.AccFillSz, _, err = parseDecimal(row.AccFillSz); err != nil {
		return nil, fmt.Errorf("order %s accFillSz: %w", row.OrdID, err)
	}
	if row.FillTime != "" {
		ms, err := strconv.ParseInt(row.FillTime, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("order %s fillTime %q: %w", row.OrdID, row.FillTime, err)
		}
		detail.FillTime = ms
	}
	return detail, nil
}

// GetTicker implements Exchange
func (o *OKX) GetTicker(ctx context.Context, instID string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("instId", instID)
	path := "/api/v5/market/ticker?" + q.Encode()

	var rows []okxTicker
	if err := o.do(ctx, http.MethodGet, path, nil, &rows); err != nil {
		return decimal.Zero, err
	}
	if len(rows) == 0 {
		return decimal.Zero, fmt.Errorf("ticker %s: empty response", instID)
	}

	last, ok, err := parseDecimal(rows[0].Last)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ticker %s: %w", instID, err)
	}
	if !ok {
		return decimal.Zero, fmt.Errorf("ticker %s: no last price", instID)
	}
	return last, nil
}

// GetHourlyCandles implements Exchange. Candles come back newest first.
func (o *OKX) GetHourlyCandles(ctx context.Context, instID string, limit int) ([]Candle, error) {
	q := url.Values{}
	q.Set("instId", instID)
	q.Set("bar", "1H")
	q.Set("limit", strconv.Itoa(limit))
	path := "/api/v5/market/candles?" + q.Encode()

	var rows [][]string
	if err := o.do(ctx, http.MethodGet, path, nil, &rows); err != nil {
		return nil, err
	}

	candles := make([]Candle, 0, len(rows))
	for _, row := range rows {
		c, err := parseCandle(row)
		if err != nil {
			return nil, fmt.Errorf("candles %s: %w", instID, err)
		}
		candles = append(candles, c)
	}
	return candles, nil
}

// GetInstrumentPrecision implements Exchange
func (o *OKX) GetInstrumentPrecision(ctx context.Context, instID string) (*Precision, error) {
	q := url.Values{}
	q.Set("instType", "SPOT")
	q.Set("instId", instID)
	path := "/api/v5/public/instruments?" + q.Encode()

	var rows []okxInstrument
	if err := o.do(ctx, http.MethodGet, path, nil, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("instrument %s: not found", instID)
	}

	lot, ok, err := parseDecimal(rows[0].LotSz)
	if err != nil || !ok {
		return nil, fmt.Errorf("instrument %s: missing lotSz: %v", instID, err)
	}
	tick, ok, err := parseDecimal(rows[0].TickSz)
	if err != nil || !ok {
		return nil, fmt.Errorf("instrument %s: missing tickSz: %v", instID, err)
	}
	minSz, ok, err := parseDecimal(rows[0].MinSz)
	if err != nil || !ok {
		return nil, fmt.Errorf("instrument %s: missing minSz: %v", instID, err)
	}

	return &Precision{LotSize: lot, TickSize: tick, MinSize: minSz}, nil
}
