package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"hermes/pkg/errors"
	"hermes/pkg/logger"
)

// Bot represents a Telegram bot instance
type Bot struct {
	api         *tgbotapi.BotAPI
	log         *logger.Logger
	rateLimiter *rate.Limiter
}

// Config contains Telegram bot configuration
type Config struct {
	Token          string
	Debug          bool
	HTTPTimeout    time.Duration
	RateLimitBurst int // Rate limiter burst (default: 30)
	RateLimitRate  int // Rate limiter per second (default: 20)
}

// NewBot creates a new Telegram bot instance
func NewBot(cfg Config, log *logger.Logger) (*Bot, error) {
	if cfg.Token == "" {
		return nil, errors.Wrapf(errors.ErrInvalidInput, "telegram bot token is required")
	}

	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.RateLimitBurst == 0 {
		cfg.RateLimitBurst = 30 // Telegram allows bursts
	}
	if cfg.RateLimitRate == 0 {
		cfg.RateLimitRate = 20 // Conservative: 20 msg/sec (Telegram limit is 30)
	}

	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	api, err := tgbotapi.NewBotAPIWithClient(cfg.Token, tgbotapi.APIEndpoint, httpClient)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create telegram bot")
	}

	api.Debug = cfg.Debug

	log.Infof("Authorized on account %s", api.Self.UserName)

	return &Bot{
		api:         api,
		log:         log.With("component", "telegram_bot"),
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RateLimitRate), cfg.RateLimitBurst),
	}, nil
}

// SendMessage sends a text message to a chat
func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	_, err := b.SendMessageAndGetID(ctx, chatID, text)
	return err
}

// SendMessageAndGetID sends a message and returns the sent message id.
// Use this when the id must be tracked for later cleanup.
func (b *Bot) SendMessageAndGetID(ctx context.Context, chatID int64, text string) (int, error) {
	if err := b.rateLimiter.Wait(ctx); err != nil {
		return 0, errors.Wrap(err, "rate limiter wait failed")
	}

	start := time.Now()

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = "Markdown"

	sentMsg, err := b.api.Send(msg)
	if err != nil {
		b.log.Errorw("Failed to send message",
			"chat_id", chatID,
			"error", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return 0, errors.Wrap(err, "failed to send message")
	}

	b.log.Debugw("Message sent successfully",
		"chat_id", chatID,
		"message_id", sentMsg.MessageID,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return sentMsg.MessageID, nil
}

// DeleteMessage deletes a single message
func (b *Bot) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	if err := b.rateLimiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limiter wait failed")
	}

	msg := tgbotapi.NewDeleteMessage(chatID, messageID)
	if _, err := b.api.Request(msg); err != nil {
		return errors.Wrap(err, "failed to delete message")
	}

	return nil
}

// DeleteMessages bulk-deletes up to 100 messages in one API call. The
// library carries no wrapper for deleteMessages, so the request goes out
// raw. Returns the API's ok flag.
func (b *Bot) DeleteMessages(ctx context.Context, chatID int64, messageIDs []int) (bool, error) {
	if len(messageIDs) == 0 {
		return true, nil
	}
	if len(messageIDs) > 100 {
		return false, errors.Wrapf(errors.ErrInvalidInput, "deleteMessages accepts at most 100 ids, got %d", len(messageIDs))
	}

	if err := b.rateLimiter.Wait(ctx); err != nil {
		return false, errors.Wrap(err, "rate limiter wait failed")
	}

	ids, err := json.Marshal(messageIDs)
	if err != nil {
		return false, errors.Wrap(err, "failed to encode message ids")
	}

	params := tgbotapi.Params{
		"chat_id":     strconv.FormatInt(chatID, 10),
		"message_ids": string(ids),
	}

	resp, err := b.api.MakeRequest("deleteMessages", params)
	if err != nil {
		return false, errors.Wrap(err, "deleteMessages request failed")
	}

	b.log.Debugw("Bulk message delete completed",
		"chat_id", chatID,
		"count", len(messageIDs),
		"ok", resp.Ok,
	)

	return resp.Ok, nil
}

// SendTyping sends "typing..." action to chat
func (b *Bot) SendTyping(chatID int64) error {
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	_, err := b.api.Request(action)
	return err
}

// GetAPI returns the underlying Telegram Bot API instance
func (b *Bot) GetAPI() *tgbotapi.BotAPI {
	return b.api
}
