package telegram

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"hermes/pkg/logger"
)

// Sender is the outgoing message surface notifications need
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// NotificationService delivers session notices to chats. Delivery is best
// effort; failures are logged and swallowed so session bookkeeping never
// depends on Telegram availability.
type NotificationService struct {
	bot Sender
	log *logger.Logger
}

// NewNotificationService creates a new notification service
func NewNotificationService(bot Sender, log *logger.Logger) *NotificationService {
	return &NotificationService{
		bot: bot,
		log: log.With("component", "telegram_notifications"),
	}
}

// RateLimitExceeded tells a chat it sent too many requests
func (ns *NotificationService) RateLimitExceeded(ctx context.Context, chatID int64, retryAfter time.Duration) {
	text := fmt.Sprintf(
		"⏳ Too many requests. Please try again %s.",
		humanize.Time(time.Now().Add(retryAfter)),
	)

	if err := ns.bot.SendMessage(ctx, chatID, text); err != nil {
		ns.log.Warnw("Failed to send rate limit notice", "chat_id", chatID, "error", err)
	}
}

// SessionExpired tells a chat its session timed out
func (ns *NotificationService) SessionExpired(ctx context.Context, chatID int64) {
	text := "🕐 Your session has expired due to inactivity. Send /start to begin again."

	if err := ns.bot.SendMessage(ctx, chatID, text); err != nil {
		ns.log.Warnw("Failed to send session expiry notice", "chat_id", chatID, "error", err)
	}
}
