package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hourglassbot/hourglass/internal/db"
	"github.com/hourglassbot/hourglass/internal/engine"
	"github.com/hourglassbot/hourglass/internal/strategy"
)

type fakeLog struct {
	mu       sync.Mutex
	rows     []*db.OrderRow
	rowsErr  error
	pingErr  error
	counts   map[string]int
	gotFlag  string
	gotState *db.OrderState
	gotLimit int
}

func (f *fakeLog) RecentOrders(ctx context.Context, flag string, state *db.OrderState, limit int) ([]*db.OrderRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotFlag = flag
	f.gotState = state
	f.gotLimit = limit
	return f.rows, f.rowsErr
}

func (f *fakeLog) CountByState(ctx context.Context) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts, nil
}

func (f *fakeLog) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

type fakeEngine struct {
	status engine.Status
	book   *strategy.Book
}

func (f *fakeEngine) Status() engine.Status { return f.status }
func (f *fakeEngine) Book() *strategy.Book  { return f.book }

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		status: engine.Status{
			Venue:           "sim",
			Simulation:      true,
			StartedAt:       time.Now().Add(-90 * time.Second),
			Instruments:     12,
			ActivePositions: 2,
			TickerDataAt:    time.Now(),
			CandleDataAt:    time.Now(),
			Pool:            map[string]interface{}{"running_workers": 0},
		},
		book: strategy.NewBook(),
	}
}

func newTestServer(store OrderLog, eng EngineView) *Server {
	return NewServer(Config{Host: "127.0.0.1", Port: 0, Store: store, Engine: eng})
}

func doGet(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var body map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestRoot(t *testing.T) {
	s := newTestServer(&fakeLog{}, newFakeEngine())

	w, body := doGet(t, s, "/")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hourglass", body["service"])
	assert.Equal(t, "running", body["status"])
}

func TestHealth(t *testing.T) {
	store := &fakeLog{}
	s := newTestServer(store, newFakeEngine())

	w, body := doGet(t, s, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])

	store.pingErr = errors.New("connection refused")
	w, body = doGet(t, s, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", body["status"])
}

func TestStatus(t *testing.T) {
	store := &fakeLog{counts: map[string]int{"filled": 3, "sold out": 7}}
	s := newTestServer(store, newFakeEngine())

	w, body := doGet(t, s, "/api/v1/status")
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, "sim", body["venue"])
	assert.Equal(t, true, body["simulation"])
	assert.Equal(t, float64(12), body["instruments"])
	assert.Equal(t, float64(2), body["active_positions"])
	assert.Equal(t, "healthy", body["database"])
	assert.Greater(t, body["uptime_seconds"].(float64), 0.0)

	counts := body["orders_by_state"].(map[string]interface{})
	assert.Equal(t, float64(3), counts["filled"])
	assert.Equal(t, float64(7), counts["sold out"])

	pool := body["pool"].(map[string]interface{})
	assert.Contains(t, pool, "running_workers")

	feeds := body["feeds"].(map[string]interface{})
	assert.Contains(t, feeds, "tickers_last_data_at")
	assert.Contains(t, feeds, "candles_last_data_at")
}

func TestStatusReportsDatabaseDown(t *testing.T) {
	store := &fakeLog{pingErr: errors.New("connection refused")}
	s := newTestServer(store, newFakeEngine())

	w, body := doGet(t, s, "/api/v1/status")
	// status stays readable when the database is down; that is when it matters
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "unhealthy", body["database"])
}

func TestOrdersDefaults(t *testing.T) {
	sellPrice := "95.5"
	store := &fakeLog{rows: []*db.OrderRow{
		{
			InstID: "ETH-USDT", Flag: "hour_limit", OrdID: "ord-2",
			CreateTime: 1700000060000, OrderType: db.OrderTypeLimit,
			State: db.StateFilled, Price: "89", Size: "1.123",
			SellTime: 1700003300000, Side: db.SideBuy,
		},
		{
			InstID: "BTC-USDT", Flag: "stable", OrdID: "ord-1",
			CreateTime: 1700000000000, OrderType: db.OrderTypeLimit,
			State: db.StateSoldOut, Price: "90", Size: "0.01",
			SellTime: 1700003300000, Side: db.SideBuy, SellPrice: &sellPrice,
		},
	}}
	s := newTestServer(store, newFakeEngine())

	w, body := doGet(t, s, "/api/v1/orders")
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, "", store.gotFlag)
	assert.Nil(t, store.gotState)
	assert.Equal(t, defaultOrdersLimit, store.gotLimit)

	assert.Equal(t, float64(2), body["total"])
	orders := body["orders"].([]interface{})
	require.Len(t, orders, 2)

	first := orders[0].(map[string]interface{})
	assert.Equal(t, "ETH-USDT", first["instId"])
	assert.Equal(t, "filled", first["state"])
	assert.Equal(t, "89", first["price"])
	assert.NotContains(t, first, "sell_price")

	second := orders[1].(map[string]interface{})
	assert.Equal(t, "sold out", second["state"])
	assert.Equal(t, "95.5", second["sell_price"])
}

func TestOrdersFilters(t *testing.T) {
	store := &fakeLog{}
	s := newTestServer(store, newFakeEngine())

	w, _ := doGet(t, s, "/api/v1/orders?flag=stable&state=sold%20out&limit=9999")
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, "stable", store.gotFlag)
	require.NotNil(t, store.gotState)
	assert.Equal(t, db.StateSoldOut, *store.gotState)
	assert.Equal(t, maxOrdersLimit, store.gotLimit)
}

func TestOrdersEmptyStateSelectsPlaced(t *testing.T) {
	store := &fakeLog{}
	s := newTestServer(store, newFakeEngine())

	w, _ := doGet(t, s, "/api/v1/orders?state=")
	require.Equal(t, http.StatusOK, w.Code)

	require.NotNil(t, store.gotState)
	assert.Equal(t, db.StatePlaced, *store.gotState)
}

func TestOrdersInvalidLimit(t *testing.T) {
	s := newTestServer(&fakeLog{}, newFakeEngine())

	for _, raw := range []string{"abc", "0", "-5"} {
		w, _ := doGet(t, s, "/api/v1/orders?limit="+raw)
		assert.Equal(t, http.StatusBadRequest, w.Code, "limit=%s", raw)
	}
}

func TestOrdersQueryError(t *testing.T) {
	store := &fakeLog{rowsErr: errors.New("relation does not exist")}
	s := newTestServer(store, newFakeEngine())

	w, body := doGet(t, s, "/api/v1/orders")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, body["error"], "order log")
}

func TestPositions(t *testing.T) {
	eng := newFakeEngine()
	filled := time.Now().Add(-10 * time.Minute)
	eng.book.Add(strategy.ActiveOrder{
		InstID: "ETH-USDT", OrdID: "ord-b", Flag: "batch",
		Size: decimal.RequireFromString("0.337"), CreateTime: filled.Add(-time.Minute),
	})
	eng.book.Add(strategy.ActiveOrder{
		InstID: "BTC-USDT", OrdID: "ord-a", Flag: "hour_limit",
		Size: decimal.RequireFromString("0.01"), CreateTime: filled.Add(-time.Minute),
		FillTime: filled, SellDeadline: filled.Add(time.Hour).UnixMilli(),
	})
	s := newTestServer(&fakeLog{}, eng)

	w, body := doGet(t, s, "/api/v1/positions")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), body["total"])

	positions := body["positions"].([]interface{})
	require.Len(t, positions, 2)

	// the snapshot orders by instrument, so BTC comes first
	first := positions[0].(map[string]interface{})
	assert.Equal(t, "BTC-USDT", first["instId"])
	assert.Equal(t, "0.01", first["size"])
	assert.Equal(t, float64(filled.UnixMilli()), first["fill_time"])
	assert.Equal(t, false, first["sell_triggered"])

	second := positions[1].(map[string]interface{})
	assert.Equal(t, "ETH-USDT", second["instId"])
	assert.NotContains(t, second, "fill_time")
}
