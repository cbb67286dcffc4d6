// ws.go implements the WebSocket feeds for real-time OKX market data.
//
// Two independent feeds run concurrently:
//
//   - Ticker feed (public endpoint): subscribes to the "tickers" channel per
//     instrument and streams last-price updates.
//
//   - Candle feed (business endpoint): subscribes to the "candle1H" channel
//     per instrument and streams hourly candles, confirmed and unconfirmed.
//
// Both feeds auto-reconnect with exponential backoff (1s up to 30s) and
// re-subscribe to all tracked instruments on reconnection, then emit a
// synthetic Resubscribed signal so consumers can backfill whatever they
// missed during the gap. The venue drops connections idle for 30s, so a
// text "ping" goes out every 25s and the read deadline detects a silent
// server within 35s.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hourglassbot/hourglass/internal/config"
	"github.com/hourglassbot/hourglass/internal/metrics"
)

// WS channel names
const (
	ChannelTickers  = "tickers"
	ChannelCandle1H = "candle1H"
)

const (
	wsPingInterval     = 25 * time.Second // venue requires activity every 30s
	wsReadTimeout      = 35 * time.Second // one missed pong triggers reconnect
	wsMaxReconnectWait = 30 * time.Second // cap on exponential backoff
	wsWriteTimeout     = 10 * time.Second // deadline for outgoing messages

	tickerBufferSize = 512
	candleBufferSize = 64
)

// Feed manages a single WebSocket connection subscribed to one channel kind
// for a dynamic set of instruments. It handles connection lifecycle,
// subscription tracking, message routing, and automatic reconnection.
type Feed struct {
	url     string
	channel string
	conn    *websocket.Conn
	connMu  sync.Mutex // protects conn reads/writes

	// Track subscriptions for automatic re-subscribe on reconnect
	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	// Typed event channels; consumers read via accessor methods
	tickerCh      chan TickerEvent
	candleCh      chan CandleEvent
	resubscribeCh chan struct{}

	lastDataMs atomic.Int64 // ms epoch of the last data frame, for health checks

	logger zerolog.Logger
}

// NewTickerFeed creates a feed for the public "tickers" channel
func NewTickerFeed(wsURL string) *Feed {
	return newFeed(wsURL, ChannelTickers)
}

// NewCandleFeed creates a feed for the business "candle1H" channel
func NewCandleFeed(wsURL string) *Feed {
	return newFeed(wsURL, ChannelCandle1H)
}

func newFeed(wsURL, channel string) *Feed {
	return &Feed{
		url:           wsURL,
		channel:       channel,
		subscribed:    make(map[string]bool),
		tickerCh:      make(chan TickerEvent, tickerBufferSize),
		candleCh:      make(chan CandleEvent, candleBufferSize),
		resubscribeCh: make(chan struct{}, 1),
		logger:        config.NewLogger("ws-" + channel),
	}
}

// Tickers returns a read-only channel of last-price events
func (f *Feed) Tickers() <-chan TickerEvent { return f.tickerCh }

// Candles returns a read-only channel of hourly candle events
func (f *Feed) Candles() <-chan CandleEvent { return f.candleCh }

// Resubscribed signals each time the feed has (re)connected and replayed its
// subscriptions. Consumers use it to refetch state the stream missed.
func (f *Feed) Resubscribed() <-chan struct{} { return f.resubscribeCh }

// LastDataAt returns when the feed last received a data frame. Zero time
// means no data yet.
func (f *Feed) LastDataAt() time.Time {
	ms := f.lastDataMs.Load()
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		start := time.Now()
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A connection that held for a while earns a fresh backoff
		if time.Since(start) > time.Minute {
			backoff = time.Second
		}

		f.logger.Warn().
			Err(err).
			Dur("backoff", backoff).
			Msg("WebSocket disconnected, reconnecting")
		metrics.RecordWSReconnect(f.channel)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > wsMaxReconnectWait {
			backoff = wsMaxReconnectWait
		}
	}
}

type wsSubArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type wsOpMsg struct {
	Op   string     `json:"op"`
	Args []wsSubArg `json:"args"`
}

// Subscribe adds an instrument to the feed. Safe to call while disconnected;
// the subscription is replayed on the next (re)connect.
func (f *Feed) Subscribe(instID string) error {
	f.subscribedMu.Lock()
	f.subscribed[instID] = true
	f.subscribedMu.Unlock()

	err := f.writeJSON(wsOpMsg{
		Op:   "subscribe",
		Args: []wsSubArg{{Channel: f.channel, InstID: instID}},
	})
	if err != nil {
		// not connected yet; the reconnect path replays the full set
		f.logger.Debug().Str("inst_id", instID).Err(err).Msg("Subscribe deferred to reconnect")
		return nil
	}
	return nil
}

// Unsubscribe removes an instrument from the feed
func (f *Feed) Unsubscribe(instID string) error {
	f.subscribedMu.Lock()
	delete(f.subscribed, instID)
	f.subscribedMu.Unlock()

	err := f.writeJSON(wsOpMsg{
		Op:   "unsubscribe",
		Args: []wsSubArg{{Channel: f.channel, InstID: instID}},
	})
	if err != nil {
		f.logger.Debug().Str("inst_id", instID).Err(err).Msg("Unsubscribe deferred to reconnect")
		return nil
	}
	return nil
}

// Close gracefully closes the connection
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info().Str("channel", f.channel).Msg("WebSocket connected")

	// Tell consumers the stream has a gap behind it
	select {
	case f.resubscribeCh <- struct{}{}:
	default:
	}

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *Feed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	args := make([]wsSubArg, 0, len(f.subscribed))
	for instID := range f.subscribed {
		args = append(args, wsSubArg{Channel: f.channel, InstID: instID})
	}
	f.subscribedMu.RUnlock()

	// an empty args array is rejected by the venue
	if len(args) == 0 {
		return nil
	}
	return f.writeJSON(wsOpMsg{Op: "subscribe", Args: args})
}

type wsFrame struct {
	Event string          `json:"event"`
	Code  string          `json:"code"`
	Msg   string          `json:"msg"`
	Arg   wsSubArg        `json:"arg"`
	Data  json.RawMessage `json:"data"`
}

type wsTickerData struct {
	InstID string `json:"instId"`
	Last   string `json:"last"`
	TS     string `json:"ts"`
}

func (f *Feed) dispatchMessage(data []byte) {
	// keepalive replies are plain text, not JSON
	if string(data) == "pong" {
		return
	}

	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		f.logger.Debug().Str("data", string(data)).Msg("Ignoring non-JSON ws message")
		return
	}

	switch {
	case frame.Event == "error":
		f.logger.Error().
			Str("code", frame.Code).
			Str("msg", frame.Msg).
			Msg("WebSocket error frame")

	case frame.Event != "":
		// subscribe/unsubscribe acks
		f.logger.Debug().
			Str("event", frame.Event).
			Str("inst_id", frame.Arg.InstID).
			Msg("WebSocket ack")

	case len(frame.Data) > 0:
		f.lastDataMs.Store(time.Now().UnixMilli())
		f.routeData(frame)
	}
}

func (f *Feed) routeData(frame wsFrame) {
	switch frame.Arg.Channel {
	case ChannelTickers:
		var rows []wsTickerData
		if err := json.Unmarshal(frame.Data, &rows); err != nil {
			f.logger.Error().Err(err).Msg("Unmarshal ticker frame")
			return
		}
		for _, row := range rows {
			last, ok, err := parseDecimal(row.Last)
			if err != nil || !ok {
				continue
			}
			ts := time.Now()
			if ms, err := strconv.ParseInt(row.TS, 10, 64); err == nil {
				ts = time.UnixMilli(ms)
			}
			evt := TickerEvent{InstID: row.InstID, Last: last, TS: ts}
			select {
			case f.tickerCh <- evt:
			default:
				metrics.RecordWSDrop(f.channel)
				f.logger.Warn().Str("inst_id", row.InstID).Msg("Ticker channel full, dropping event")
			}
		}

	case ChannelCandle1H:
		var rows [][]string
		if err := json.Unmarshal(frame.Data, &rows); err != nil {
			f.logger.Error().Err(err).Msg("Unmarshal candle frame")
			return
		}
		for _, row := range rows {
			candle, err := parseCandle(row)
			if err != nil {
				f.logger.Error().Err(err).Str("inst_id", frame.Arg.InstID).Msg("Bad candle row")
				continue
			}
			evt := CandleEvent{InstID: frame.Arg.InstID, Candle: candle}
			select {
			case f.candleCh <- evt:
			default:
				metrics.RecordWSDrop(f.channel)
				f.logger.Warn().Str("inst_id", frame.Arg.InstID).Msg("Candle channel full, dropping event")
			}
		}

	default:
		f.logger.Debug().Str("channel", frame.Arg.Channel).Msg("Unknown ws data channel")
	}
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("ping")); err != nil {
				f.logger.Warn().Err(err).Msg("Ping failed")
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return f.conn.WriteMessage(msgType, data)
}
