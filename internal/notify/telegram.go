// Package notify sends trade lifecycle alerts to Telegram. The notifier
// is optional: without a bot token the engine runs silently.
package notify

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/Hasnain410/forex-live-trader/internal/store"
)

// Telegram pushes open/close alerts to a single chat.
type Telegram struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// New connects the bot. Returns (nil, nil) when token is empty so callers
// can pass the result straight to the orchestrator.
func New(token string, chatID int64) (*Telegram, error) {
	if token == "" {
		log.Info().Msg("Telegram notifications disabled, no bot token")
		return nil, nil
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	log.Info().Str("username", api.Self.UserName).Msg("Telegram bot connected")
	return &Telegram{api: api, chatID: chatID}, nil
}

// TradeOpened announces a new position with its levels and sizing.
func (n *Telegram) TradeOpened(t *store.Trade) {
	var b strings.Builder
	emoji := "🟢"
	if t.Direction == store.Short {
		emoji = "🔴"
	}
	fmt.Fprintf(&b, "%s *%s %s* (%s)\n\n", emoji, t.Direction, t.Pair, t.SessionID)
	fmt.Fprintf(&b, "Entry: `%.5f`\n", t.EntryPrice)
	fmt.Fprintf(&b, "TP: `%.5f` (%.1f pips)\n", t.TakeProfitPrice, t.TPPips)
	fmt.Fprintf(&b, "SL: `%.5f` (%.1f pips)\n", t.StopLossPrice, t.SLPips)
	fmt.Fprintf(&b, "Lots: `%s`  Risk: `$%s`\n", t.LotSize.String(), t.RiskCash.StringFixed(2))
	fmt.Fprintf(&b, "Conviction: %d/10", t.Conviction)
	n.send(b.String())
}

// TradeClosed announces the outcome and realized P&L.
func (n *Telegram) TradeClosed(t *store.Trade) {
	var b strings.Builder
	emoji := "✅"
	switch t.Outcome {
	case store.OutcomeLoss:
		emoji = "❌"
	case store.OutcomeTimeout:
		emoji = "⏱"
	case store.OutcomeBreakeven:
		emoji = "➖"
	}
	fmt.Fprintf(&b, "%s *%s %s closed: %s*\n\n", emoji, t.Direction, t.Pair, t.Outcome)
	if t.ExitPrice != nil {
		fmt.Fprintf(&b, "Exit: `%.5f`\n", *t.ExitPrice)
	}
	if t.PnlPips != nil {
		fmt.Fprintf(&b, "Pips: `%+.1f`\n", *t.PnlPips)
	}
	fmt.Fprintf(&b, "P&L: `$%s` (commission $%s)",
		t.PnlCash.StringFixed(2), t.Commission.StringFixed(2))
	n.send(b.String())
}

func (n *Telegram) send(text string) {
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := n.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Telegram send failed")
	}
}
