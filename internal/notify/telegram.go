package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// levelEmoji prefixes the message so urgency is readable at a glance on a
// phone notification.
var levelEmoji = map[Level]string{
	LevelInfo:     "ℹ️",
	LevelWarning:  "⚠️",
	LevelCritical: "\U0001f6a8",
}

// TelegramNotifier pushes alerts to a Telegram chat.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramNotifier authenticates the bot token. Token validation happens
// here so a bad token fails at startup.
func NewTelegramNotifier(botToken string, chatID int64) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("authenticating telegram bot: %w", err)
	}
	return &TelegramNotifier{bot: bot, chatID: chatID}, nil
}

// Notify sends the alert as one message.
func (n *TelegramNotifier) Notify(_ context.Context, alert Alert) error {
	text := fmt.Sprintf("%s *%s*\n%s", levelEmoji[alert.Level], alert.Title, alert.Message)
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := n.bot.Send(msg); err != nil {
		return fmt.Errorf("sending telegram alert: %w", err)
	}
	return nil
}

var _ Notifier = (*TelegramNotifier)(nil)
