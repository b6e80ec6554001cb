package monitor

import (
	"context"
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/quantarc/blockflow/internal/domain"
)

// AlertSink delivers alerts to an external channel
type AlertSink interface {
	Send(ctx context.Context, alert domain.Alert) error
}

// LogSink writes alerts to the structured log. It is always registered so
// alerts survive a misconfigured Telegram channel.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a log-backed alert sink
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Send(ctx context.Context, alert domain.Alert) error {
	s.logger.Info().
		Str("alert_type", alert.Type).
		Str("symbol", alert.Symbol).
		Str("message", alert.Message).
		Msg("Alert")
	return nil
}

// TelegramSink delivers alerts to a set of Telegram chats
type TelegramSink struct {
	api     *tgbotapi.BotAPI
	chatIDs []int64
	logger  zerolog.Logger
}

// NewTelegramSink creates a Telegram alert sink
func NewTelegramSink(token string, chatIDs []int64, logger zerolog.Logger) (*TelegramSink, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if len(chatIDs) == 0 {
		return nil, fmt.Errorf("at least one telegram chat id is required")
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	logger.Info().
		Str("username", api.Self.UserName).
		Int("chats", len(chatIDs)).
		Msg("Telegram alert sink authorized")

	return &TelegramSink{api: api, chatIDs: chatIDs, logger: logger}, nil
}

// Send delivers the alert to every configured chat. Delivery failures to
// individual chats are logged, not fatal.
func (s *TelegramSink) Send(ctx context.Context, alert domain.Alert) error {
	text := fmt.Sprintf("[%s] %s\n%s", alert.Type, alert.Symbol, alert.Message)

	var lastErr error
	for _, chatID := range s.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		if _, err := s.api.Send(msg); err != nil {
			s.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("Telegram delivery failed")
			lastErr = err
		}
	}
	return lastErr
}

// History is a fixed-capacity ring of recent alerts, newest first on read
type History struct {
	mu   sync.RWMutex
	ring []domain.Alert
	next int
	size int
}

// NewHistory creates an alert history with the given capacity
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 100
	}
	return &History{ring: make([]domain.Alert, capacity)}
}

// Add records an alert, evicting the oldest when full
func (h *History) Add(alert domain.Alert) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.ring[h.next] = alert
	h.next = (h.next + 1) % len(h.ring)
	if h.size < len(h.ring) {
		h.size++
	}
}

// Recent returns up to n alerts, newest first
func (h *History) Recent(n int) []domain.Alert {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if n <= 0 || n > h.size {
		n = h.size
	}

	out := make([]domain.Alert, 0, n)
	for i := 1; i <= n; i++ {
		idx := (h.next - i + len(h.ring)) % len(h.ring)
		out = append(out, h.ring[idx])
	}
	return out
}

// Len returns the number of stored alerts
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.size
}
