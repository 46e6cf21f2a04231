package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// ErrDelivery marks a message that could not be handed to Telegram.
var ErrDelivery = errors.New("telegram delivery failed")

// Messenger is the outbound half of the platform the dispatcher talks to.
type Messenger interface {
	SendText(ctx context.Context, chatID int64, text string) error
	SendTyping(ctx context.Context, chatID int64) error
}

// Options configure a Client. Zero values select the public Bot API.
type Options struct {
	Endpoint   string // format string with token and method, see tgbotapi.APIEndpoint
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client drives the Telegram Bot API.
type Client struct {
	bot    *tgbotapi.BotAPI
	logger *slog.Logger
}

// NewClient connects to Telegram and verifies the token with getMe.
func NewClient(token string, opts Options) (*Client, error) {
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bot, err := tgbotapi.NewBotAPIWithClient(token, endpoint, httpClient)
	if err != nil {
		return nil, fmt.Errorf("connecting to Telegram: %w", err)
	}
	if err := tgbotapi.SetLogger(&botLogger{logger: logger}); err != nil {
		logger.Warn("telegram: set logger", "error", err)
	}
	return &Client{bot: bot, logger: logger}, nil
}

// BotName returns the bot's username (without the @ prefix).
func (c *Client) BotName() string {
	return c.bot.Self.UserName
}

// SendText sends text to chatID, split into several messages when it exceeds
// the Telegram limit.
func (c *Client) SendText(ctx context.Context, chatID int64, text string) error {
	for _, part := range SplitMessage(text, MaxMessageLen) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrDelivery, err)
		}
		if _, err := c.bot.Send(tgbotapi.NewMessage(chatID, part)); err != nil {
			return fmt.Errorf("%w: sendMessage to %d: %v", ErrDelivery, chatID, err)
		}
	}
	return nil
}

// SendTyping shows the typing indicator in chatID.
func (c *Client) SendTyping(ctx context.Context, chatID int64) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	if _, err := c.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		return fmt.Errorf("%w: sendChatAction to %d: %v", ErrDelivery, chatID, err)
	}
	return nil
}

// SetWebhook points Telegram at url. A non-empty secret is echoed back by
// Telegram in the X-Telegram-Bot-Api-Secret-Token header.
func (c *Client) SetWebhook(url, secret string) error {
	params := tgbotapi.Params{"url": url}
	params.AddNonEmpty("secret_token", secret)
	if _, err := c.bot.MakeRequest("setWebhook", params); err != nil {
		return fmt.Errorf("setWebhook: %w", err)
	}
	return nil
}

// DeleteWebhook removes any webhook so getUpdates can be used.
func (c *Client) DeleteWebhook() error {
	if _, err := c.bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		return fmt.Errorf("deleteWebhook: %w", err)
	}
	return nil
}

// Updates starts long polling. The channel is closed once ctx is done.
func (c *Client) Updates(ctx context.Context, timeoutSec int) tgbotapi.UpdatesChannel {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = timeoutSec

	updates := c.bot.GetUpdatesChan(u)
	go func() {
		<-ctx.Done()
		c.bot.StopReceivingUpdates()
	}()
	return updates
}

// ParseUpdate decodes a webhook payload.
func ParseUpdate(r io.Reader) (tgbotapi.Update, error) {
	var update tgbotapi.Update
	if err := json.NewDecoder(r).Decode(&update); err != nil {
		return tgbotapi.Update{}, fmt.Errorf("decode update: %w", err)
	}
	return update, nil
}

// botLogger routes library logs (polling errors and the like) into slog.
type botLogger struct {
	logger *slog.Logger
}

func (l *botLogger) Println(v ...interface{}) {
	l.logger.Warn("telegram_api: " + strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l *botLogger) Printf(format string, v ...interface{}) {
	l.logger.Warn("telegram_api: " + strings.TrimSpace(fmt.Sprintf(format, v...)))
}
