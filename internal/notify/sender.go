package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/basket/leadops/internal/shared"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// LogSender writes alerts to the structured log. It is the fallback when no
// chat destination is configured.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, text string) error {
	s.logger.Warn("admin alert", "text", text)
	return nil
}

// telegramHTTPTimeout caps every Bot API round trip, including the getMe
// handshake in the constructor.
const telegramHTTPTimeout = 10 * time.Second

// TelegramSender posts alerts to a single Telegram chat.
type TelegramSender struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramSender authenticates the bot token against the Telegram API.
func NewTelegramSender(token string, chatID int64) (*TelegramSender, error) {
	return NewTelegramSenderWithEndpoint(token, chatID, tgbotapi.APIEndpoint, nil)
}

// NewTelegramSenderWithEndpoint targets a custom API endpoint, formatted as
// tgbotapi.APIEndpoint is. A nil client gets an http.Client with
// telegramHTTPTimeout.
func NewTelegramSenderWithEndpoint(token string, chatID int64, endpoint string, client tgbotapi.HTTPClient) (*TelegramSender, error) {
	if token == "" || chatID == 0 {
		return nil, shared.NewError(shared.KindConfiguration, "telegram sender needs a bot token and chat id")
	}
	if client == nil {
		client = &http.Client{Timeout: telegramHTTPTimeout}
	}
	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %s", shared.Redact(err.Error()))
	}
	return &TelegramSender{bot: bot, chatID: chatID}, nil
}

// Send returns when the message is delivered or ctx is done, whichever is
// first. The Bot API client takes no context, so an abandoned request runs
// on until the HTTP client timeout.
func (s *TelegramSender) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(s.chatID, text)
	done := make(chan error, 1)
	go func() {
		_, err := s.bot.Send(msg)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("telegram send: %s", shared.Redact(err.Error()))
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telegram send: %w", ctx.Err())
	}
}
