// Package notify delivers operator alerts for the grid engine.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"gridbot/logger"
)

// Notifier sends a short plain-text alert.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Nop discards alerts.
type Nop struct{}

func (Nop) Notify(ctx context.Context, text string) error { return nil }

// sendTimeout caps a single Bot API request when the caller sets no deadline.
const sendTimeout = 10 * time.Second

// Telegram posts alerts to a single chat.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegram authenticates the bot token against the Telegram API.
func NewTelegram(token string, chatID int64) (*Telegram, error) {
	return NewTelegramWithEndpoint(token, tgbotapi.APIEndpoint, chatID)
}

// NewTelegramWithEndpoint is NewTelegram against a custom API endpoint
// format (see tgbotapi.APIEndpoint).
func NewTelegramWithEndpoint(token, endpoint string, chatID int64) (*Telegram, error) {
	if token == "" || chatID == 0 {
		return nil, fmt.Errorf("telegram notifier needs a bot token and chat id")
	}
	client := &http.Client{Timeout: sendTimeout}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram login failed: %w", err)
	}
	logger.Infof("📨 Telegram notifications enabled as @%s", bot.Self.UserName)
	return &Telegram{bot: bot, chatID: chatID}, nil
}

// Notify returns once the message is sent or ctx is done, whichever is
// first. The Bot API client takes no context, so an abandoned request keeps
// running in the background until sendTimeout.
func (t *Telegram) Notify(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.DisableWebPagePreview = true

	done := make(chan error, 1)
	go func() {
		_, err := t.bot.Send(msg)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("telegram send failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
