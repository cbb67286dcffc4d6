// Package notify delivers trade events to operators over Telegram. The
// trading path must never wait on a chat API: events are queued on a small
// buffer drained by one sender goroutine, and a full buffer drops the event
// with a warning. A dropped or failed notification has no effect on order
// state; the order log remains the record of what actually happened.
package notify

import (
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/hourglassbot/hourglass/internal/config"
)

const queueSize = 32

// Telegram sends trade notifications to a single chat. It satisfies the
// trading package's Notifier interface.
type Telegram struct {
	send   func(text string) error
	queue  chan string
	done   chan struct{}
	closed sync.Once
	logger zerolog.Logger
}

// NewTelegram creates the notifier and starts its sender goroutine.
func NewTelegram(botToken string, chatID int64) (*Telegram, error) {
	if botToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	if chatID == 0 {
		return nil, fmt.Errorf("chat id is required")
	}

	api, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	t := &Telegram{
		send: func(text string) error {
			msg := tgbotapi.NewMessage(chatID, text)
			msg.ParseMode = "Markdown"
			_, err := api.Send(msg)
			return err
		},
		queue:  make(chan string, queueSize),
		done:   make(chan struct{}),
		logger: config.NewLogger("notify"),
	}
	go t.sendLoop()

	t.logger.Info().
		Str("bot_username", api.Self.UserName).
		Int64("chat_id", chatID).
		Msg("Telegram notifier initialized")

	return t, nil
}

// Close stops the sender goroutine. Queued events that have not been sent
// yet are discarded.
func (t *Telegram) Close() {
	t.closed.Do(func() { close(t.done) })
}

// BuyFilled implements trading.Notifier
func (t *Telegram) BuyFilled(instID, flag, price, size string) {
	t.enqueue(formatBuyFilled(instID, flag, price, size))
}

// SoldOut implements trading.Notifier
func (t *Telegram) SoldOut(instID, flag, buyPrice, sellPrice, size string) {
	t.enqueue(formatSoldOut(instID, flag, buyPrice, sellPrice, size))
}

// SellFailed implements trading.Notifier
func (t *Telegram) SellFailed(instID string, err error) {
	t.enqueue(fmt.Sprintf("⚠️ *Sell failed*\n`%s`\n%v\n\nThe row stays eligible and will be retried.", instID, err))
}

// enqueue hands a message to the sender without blocking.
func (t *Telegram) enqueue(text string) {
	select {
	case t.queue <- text:
	default:
		t.logger.Warn().Msg("Notification queue full, event dropped")
	}
}

func (t *Telegram) sendLoop() {
	for {
		select {
		case <-t.done:
			return
		case text := <-t.queue:
			if err := t.send(text); err != nil {
				t.logger.Error().Err(err).Msg("Failed to send Telegram notification")
			}
		}
	}
}

func formatBuyFilled(instID, flag, price, size string) string {
	return fmt.Sprintf("🟢 *Buy filled*\n`%s`  _%s_\nprice `%s`  size `%s`", instID, flag, price, size)
}

func formatSoldOut(instID, flag, buyPrice, sellPrice, size string) string {
	msg := fmt.Sprintf("🔴 *Sold out*\n`%s`  _%s_\nbuy `%s` → sell `%s`  size `%s`",
		instID, flag, buyPrice, sellPrice, size)
	if pnl, ok := pnlPercent(buyPrice, sellPrice); ok {
		msg += fmt.Sprintf("\nPnL `%s%%`", pnl)
	}
	return msg
}

// pnlPercent computes (sell-buy)/buy as a percentage with two decimals.
// Unparseable prices are possible on rows whose sell price came from a
// ticker fallback; those messages simply omit the PnL line.
func pnlPercent(buyPrice, sellPrice string) (string, bool) {
	buy, err := decimal.NewFromString(buyPrice)
	if err != nil || !buy.IsPositive() {
		return "", false
	}
	sell, err := decimal.NewFromString(sellPrice)
	if err != nil {
		return "", false
	}

	pct := sell.Sub(buy).Div(buy).Mul(decimal.NewFromInt(100)).Round(2)
	s := pct.StringFixed(2)
	if pct.Sign() > 0 {
		s = "+" + s
	}
	return s, true
}
