package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded cardinality constants for metric labels.
// These ensure metrics don't have unbounded label values which can cause memory issues.
const (
	// Exchange API error categories (bounded set)
	ExchangeErrorTimeout     = "timeout"
	ExchangeErrorRateLimit   = "rate_limit"
	ExchangeErrorAuth        = "authentication"
	ExchangeErrorNetwork     = "network"
	ExchangeErrorInvalidReq  = "invalid_request"
	ExchangeErrorServerError = "server_error"
	ExchangeErrorOther       = "other"

	// Recovery scan scopes (bounded set)
	RecoveryScopeRecent = "recent"
	RecoveryScopeDeep   = "deep"
)

// NormalizeExchangeError maps arbitrary error messages to bounded set
func NormalizeExchangeError(err error) string {
	if err == nil {
		return ""
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return ExchangeErrorTimeout
	case strings.Contains(errStr, "rate") || strings.Contains(errStr, "429"):
		return ExchangeErrorRateLimit
	case strings.Contains(errStr, "auth") || strings.Contains(errStr, "401") || strings.Contains(errStr, "403"):
		return ExchangeErrorAuth
	case strings.Contains(errStr, "network") || strings.Contains(errStr, "connection"):
		return ExchangeErrorNetwork
	case strings.Contains(errStr, "400") || strings.Contains(errStr, "invalid"):
		return ExchangeErrorInvalidReq
	case strings.Contains(errStr, "500") || strings.Contains(errStr, "502") || strings.Contains(errStr, "503"):
		return ExchangeErrorServerError
	default:
		return ExchangeErrorOther
	}
}

// Trading Flow Metrics
var (
	// Buy signals emitted by strategies
	BuySignals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hourglass_buy_signals_total",
		Help: "Total buy signals emitted by strategy",
	}, []string{"strategy"})

	// Buy orders placed on the exchange
	BuyOrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hourglass_buy_orders_placed_total",
		Help: "Total buy orders placed by strategy",
	}, []string{"strategy"})

	// Buy orders confirmed filled
	BuyOrdersFilled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hourglass_buy_orders_filled_total",
		Help: "Total buy orders filled by strategy",
	}, []string{"strategy"})

	// Buy orders canceled unfilled
	BuyOrdersCanceled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hourglass_buy_orders_canceled_total",
		Help: "Total buy orders canceled without a full fill by strategy",
	}, []string{"strategy"})

	// Sell orders placed
	SellOrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hourglass_sell_orders_placed_total",
		Help: "Total sell orders placed by strategy",
	}, []string{"strategy"})

	// Rows closed out
	RowsSoldOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hourglass_rows_sold_out_total",
		Help: "Total order rows marked sold out by strategy",
	}, []string{"strategy"})

	// Sell attempts that failed and will be retried
	SellFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hourglass_sell_failures_total",
		Help: "Total failed sell attempts by strategy",
	}, []string{"strategy"})

	// Buys skipped by the two-hour gain veto
	GainVetoes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hourglass_gain_vetoes_total",
		Help: "Total buy candidates skipped by the two-hour gain filter",
	})

	// Buys skipped because the base currency is blacklisted
	BlacklistSkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hourglass_blacklist_skips_total",
		Help: "Total buy candidates skipped by the currency blacklist",
	})

	// Positions currently held in memory awaiting sell
	ActivePositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hourglass_active_positions",
		Help: "Number of filled buy orders currently tracked for selling",
	})

	// Unsold rows by strategy, refreshed from the database
	OpenRowsByStrategy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hourglass_open_rows_by_strategy",
		Help: "Unsold order rows in the database by strategy",
	}, []string{"strategy"})

	// Order execution latency
	OrderExecutionLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hourglass_order_execution_latency_ms",
		Help:    "Buy order placement latency in milliseconds",
		Buckets: []float64{100, 250, 500, 1000, 2500, 5000},
	})
)

// Market Data Metrics
var (
	// Ticker events processed by the strategy loop
	TicksReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hourglass_ticks_received_total",
		Help: "Total ticker events processed by the strategy loop",
	})

	// WebSocket reconnects by channel
	WSReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hourglass_ws_reconnects_total",
		Help: "Total WebSocket reconnect attempts by channel",
	}, []string{"channel"})

	// WebSocket frames dropped because a consumer buffer was full
	WSMessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hourglass_ws_messages_dropped_total",
		Help: "Total WebSocket frames dropped on full consumer buffers by channel",
	}, []string{"channel"})

	// Hourly open REST fetches
	HourOpenFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hourglass_hour_open_fetches_total",
		Help: "Total REST fetches of the hourly open price by result",
	}, []string{"result"})

	// Instruments currently registered for trading
	TrackedInstruments = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hourglass_tracked_instruments",
		Help: "Number of instruments currently registered for trading",
	})

	// Instruments whose confirmed-candle stream has gone quiet
	StaleCandleInstruments = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hourglass_stale_candle_instruments",
		Help: "Instruments without a confirmed hourly candle inside the health window",
	})
)

// System Health Metrics
var (
	// Exchange API latency
	ExchangeAPILatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hourglass_exchange_api_latency_ms",
		Help:    "Exchange API latency in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"exchange", "endpoint"})

	// Exchange API errors
	ExchangeAPIErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hourglass_exchange_api_errors_total",
		Help: "Total exchange API errors",
	}, []string{"exchange", "error_type"})

	// Database connections
	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hourglass_database_connections_active",
		Help: "Number of active database connections",
	})

	DatabaseConnectionsIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hourglass_database_connections_idle",
		Help: "Number of idle database connections",
	})

	// Database query duration
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hourglass_database_query_duration_ms",
		Help:    "Database query duration in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	}, []string{"query_type"})

	// Redis cache
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hourglass_cache_hits_total",
		Help: "Total precision cache hits",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hourglass_cache_misses_total",
		Help: "Total precision cache misses",
	})

	RedisOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hourglass_redis_operations_total",
		Help: "Total number of Redis operations by type",
	}, []string{"operation"})

	// HTTP requests to the ops API
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hourglass_api_request_duration_ms",
		Help:    "API request duration in milliseconds",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"method", "path", "status_code"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hourglass_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status_code"})

	// Errors
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hourglass_errors_total",
		Help: "Total number of errors by type",
	}, []string{"type", "component"})

	// Seconds since the engine heartbeat last advanced
	HeartbeatAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hourglass_heartbeat_age_seconds",
		Help: "Seconds since the trading loop heartbeat last advanced",
	})

	// Rows restored from the database into memory
	RecoveryRestoredRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hourglass_recovery_restored_rows_total",
		Help: "Total order rows restored from the database by scan scope",
	}, []string{"scope"})
)

// Helper functions to update metrics

// RecordBuySignal records a buy signal emitted by a strategy
func RecordBuySignal(strategy string) {
	BuySignals.WithLabelValues(strategy).Inc()
}

// RecordBuyPlaced records a buy order placement
func RecordBuyPlaced(strategy string) {
	BuyOrdersPlaced.WithLabelValues(strategy).Inc()
}

// RecordBuyFilled records a confirmed buy fill
func RecordBuyFilled(strategy string) {
	BuyOrdersFilled.WithLabelValues(strategy).Inc()
}

// RecordBuyCanceled records a buy canceled without a full fill
func RecordBuyCanceled(strategy string) {
	BuyOrdersCanceled.WithLabelValues(strategy).Inc()
}

// RecordSellPlaced records a sell order placement
func RecordSellPlaced(strategy string) {
	SellOrdersPlaced.WithLabelValues(strategy).Inc()
}

// RecordSoldOut records a row reaching its terminal state
func RecordSoldOut(strategy string) {
	RowsSoldOut.WithLabelValues(strategy).Inc()
}

// RecordSellFailure records a failed sell attempt
func RecordSellFailure(strategy string) {
	SellFailures.WithLabelValues(strategy).Inc()
}

// RecordGainVeto records a buy skipped by the two-hour gain filter
func RecordGainVeto() {
	GainVetoes.Inc()
}

// RecordBlacklistSkip records a buy skipped by the currency blacklist
func RecordBlacklistSkip() {
	BlacklistSkips.Inc()
}

// SetActivePositions updates the count of positions awaiting sell
func SetActivePositions(count int) {
	ActivePositions.Set(float64(count))
}

// SetTrackedInstruments updates the count of registered instruments
func SetTrackedInstruments(count int) {
	TrackedInstruments.Set(float64(count))
}

// SetStaleCandleInstruments updates the count of instruments with stale
// candle data
func SetStaleCandleInstruments(count int) {
	StaleCandleInstruments.Set(float64(count))
}

// RecordTick records one processed ticker event
func RecordTick() {
	TicksReceived.Inc()
}

// RecordWSReconnect records a WebSocket reconnect attempt
func RecordWSReconnect(channel string) {
	WSReconnects.WithLabelValues(channel).Inc()
}

// RecordWSDrop records a frame dropped on a full consumer buffer
func RecordWSDrop(channel string) {
	WSMessagesDropped.WithLabelValues(channel).Inc()
}

// RecordHourOpenFetch records a REST fetch of an hourly open price
func RecordHourOpenFetch(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	HourOpenFetches.WithLabelValues(result).Inc()
}

// RecordExchangeAPICall records an exchange API call with normalized error category
func RecordExchangeAPICall(exchange, endpoint string, durationMs float64, err error) {
	ExchangeAPILatency.WithLabelValues(exchange, endpoint).Observe(durationMs)
	if err != nil {
		errorCategory := NormalizeExchangeError(err)
		ExchangeAPIErrors.WithLabelValues(exchange, errorCategory).Inc()
	}
}

// RecordOrderExecution records order execution latency
func RecordOrderExecution(durationMs float64) {
	OrderExecutionLatency.Observe(durationMs)
}

// UpdateDatabaseConnections updates database connection metrics
func UpdateDatabaseConnections(active, idle int32) {
	DatabaseConnectionsActive.Set(float64(active))
	DatabaseConnectionsIdle.Set(float64(idle))
}

// RecordDatabaseQuery records a database query
func RecordDatabaseQuery(queryType string, durationMs float64) {
	DatabaseQueryDuration.WithLabelValues(queryType).Observe(durationMs)
}

// RecordCacheHit records a precision cache hit
func RecordCacheHit() {
	CacheHits.Inc()
}

// RecordCacheMiss records a precision cache miss
func RecordCacheMiss() {
	CacheMisses.Inc()
}

// RecordRedisOperation records a Redis operation
func RecordRedisOperation(operation string) {
	RedisOperations.WithLabelValues(operation).Inc()
}

// RecordAPIRequest records an API request with duration
func RecordAPIRequest(method, path, statusCode string, durationMs float64) {
	APIRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationMs)
	HTTPRequests.WithLabelValues(method, path, statusCode).Inc()
}

// RecordError records an error
func RecordError(errorType, component string) {
	Errors.WithLabelValues(errorType, component).Inc()
}

// SetHeartbeatAge updates the heartbeat age gauge
func SetHeartbeatAge(seconds float64) {
	HeartbeatAge.Set(seconds)
}

// RecordRecoveryRestored records rows restored from the database
func RecordRecoveryRestored(scope string, count int) {
	if count > 0 {
		RecoveryRestoredRows.WithLabelValues(scope).Add(float64(count))
	}
}
