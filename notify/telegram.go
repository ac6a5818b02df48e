// Package notify delivers fire-and-forget operator notifications.
// Delivery failures are logged and never surface to callers.
package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"gridops/logger"
)

// Sink delivers one message per call.
type Sink interface {
	Notify(userID, message string)
}

// Telegram pushes messages to a single operator chat. The user id is
// prefixed to the message so one chat can serve many users.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegram builds a sink for the bot token and chat id.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID}, nil
}

// Notify sends asynchronously; errors only hit the log.
func (t *Telegram) Notify(userID, message string) {
	go func() {
		msg := tgbotapi.NewMessage(t.chatID, fmt.Sprintf("[%s] %s", userID, message))
		if _, err := t.bot.Send(msg); err != nil {
			logger.Warnf("Telegram delivery failed: %v", err)
		}
	}()
}

// Nop is the sink used when no notifier is configured.
type Nop struct{}

// Notify drops the message.
func (Nop) Notify(userID, message string) {}

// FromConfig returns a Telegram sink when both values are set, else Nop.
func FromConfig(token string, chatID int64) Sink {
	if token == "" || chatID == 0 {
		logger.Info("Telegram not configured, notifications disabled")
		return Nop{}
	}
	sink, err := NewTelegram(token, chatID)
	if err != nil {
		logger.Warnf("Telegram setup failed, notifications disabled: %v", err)
		return Nop{}
	}
	return sink
}
