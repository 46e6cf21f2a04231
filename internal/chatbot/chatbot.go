package chatbot

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"RelayChat/internal/relay"
	"RelayChat/internal/session"
	"RelayChat/internal/telegram"
	"RelayChat/internal/telemetry"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

const (
	GreetingText = "🚀 RelayChat is live\n\n✨ Smart AI\n✨ Context memory\n\nStart chatting 🔥"
	ClearedText  = "🧹 Memory cleared."
	SlowDownText = "⏳ Too many messages. Please slow down."
	HelpText     = "Commands:\n/start - show the greeting\n/clear - forget the conversation\n/help - show this message\n\nAnything else is sent to the assistant."
)

// Responder is the part of the relay the dispatcher needs.
type Responder interface {
	Respond(ctx context.Context, userID, message string) relay.Reply
	Clear(ctx context.Context, userID string) error
	History(ctx context.Context, userID string) (session.Session, error)
}

// Counter reports how many sessions a store holds.
type Counter interface {
	Count() int
}

// Options tune a ChatBot. A zero RateLimitPerSec disables rate limiting.
type Options struct {
	Logger          *slog.Logger
	Metrics         *telemetry.Metrics
	Sessions        Counter // optional, feeds the active_sessions gauge
	RateLimitPerSec float64
	RateLimitBurst  int
}

// ChatBot dispatches Telegram updates to the relay and sends replies back.
type ChatBot struct {
	relay     Responder
	messenger telegram.Messenger
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	sessions  Counter

	limit     rate.Limit
	burst     int
	mu        sync.Mutex
	limiters  map[string]*userLimiter
	lastPrune time.Time
}

type userLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

const (
	limiterPruneEvery = time.Minute
	limiterIdleMin    = 10 * time.Minute
)

// NewChatBot creates a new ChatBot instance
func NewChatBot(r Responder, m telegram.Messenger, opts Options) *ChatBot {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	burst := opts.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}
	return &ChatBot{
		relay:     r,
		messenger: m,
		logger:    logger,
		metrics:   opts.Metrics,
		sessions:  opts.Sessions,
		limit:     rate.Limit(opts.RateLimitPerSec),
		burst:     burst,
		limiters:  make(map[string]*userLimiter),
	}
}

// HandleUpdate processes one Telegram update. Relay and delivery failures are
// handled here; the returned error only reports a dispatch that could not run.
func (cb *ChatBot) HandleUpdate(ctx context.Context, update tgbotapi.Update) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			cb.logger.Error("dispatch panic", "update_id", update.UpdateID, "panic", fmt.Sprint(rec))
			err = fmt.Errorf("dispatch update %d: panic: %v", update.UpdateID, rec)
		}
	}()

	msg := update.Message
	if msg == nil || msg.Chat == nil {
		cb.metrics.Update("other")
		return nil
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		cb.metrics.Update("non_text")
		cb.logger.Debug("ignoring non-text message", "chat_id", msg.Chat.ID)
		return nil
	}

	chatID := msg.Chat.ID
	userID := strconv.FormatInt(chatID, 10)
	if msg.From != nil {
		userID = strconv.FormatInt(msg.From.ID, 10)
	}

	if msg.IsCommand() {
		switch strings.ToLower(msg.Command()) {
		case "start":
			cb.metrics.Update("command")
			cb.send(ctx, chatID, GreetingText)
			return nil
		case "clear":
			cb.metrics.Update("command")
			if err := cb.relay.Clear(ctx, userID); err != nil {
				cb.logger.Error("failed to clear session", "user_id", userID, "error", err)
			}
			cb.observeSessions()
			cb.send(ctx, chatID, ClearedText)
			return nil
		case "help":
			cb.metrics.Update("command")
			cb.send(ctx, chatID, HelpText)
			return nil
		}
	}

	cb.metrics.Update("message")
	if !cb.allow(userID, time.Now()) {
		cb.metrics.Reply("rate_limited", 0)
		cb.logger.Info("rate limited", "user_id", userID)
		cb.send(ctx, chatID, SlowDownText)
		return nil
	}

	if err := cb.messenger.SendTyping(ctx, chatID); err != nil {
		cb.logger.Debug("typing indicator failed", "chat_id", chatID, "error", err)
	}

	start := time.Now()
	reply := cb.relay.Respond(ctx, userID, text)
	outcome := "ok"
	if reply.Fallback {
		outcome = "fallback"
	}
	cb.metrics.Reply(outcome, time.Since(start))
	cb.observeSessions()

	cb.send(ctx, chatID, reply.Text)
	return nil
}

// send delivers text best effort; failures are logged and dropped.
func (cb *ChatBot) send(ctx context.Context, chatID int64, text string) {
	if err := cb.messenger.SendText(ctx, chatID, text); err != nil {
		cb.logger.Warn("delivery failed", "chat_id", chatID, "error", err)
	}
}

func (cb *ChatBot) observeSessions() {
	if cb.sessions != nil {
		cb.metrics.SetActiveSessions(cb.sessions.Count())
	}
}

// allow checks the per-user rate limiter.
func (cb *ChatBot) allow(userID string, now time.Time) bool {
	if cb.limit <= 0 {
		return true
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if now.Sub(cb.lastPrune) >= limiterPruneEvery {
		cb.pruneLimiters(now)
		cb.lastPrune = now
	}
	ul, ok := cb.limiters[userID]
	if !ok {
		ul = &userLimiter{lim: rate.NewLimiter(cb.limit, cb.burst)}
		cb.limiters[userID] = ul
	}
	ul.seen = now
	return ul.lim.AllowN(now, 1)
}

// pruneLimiters drops limiters idle long enough to have refilled their
// bucket, so a fresh limiter behaves the same. Callers hold cb.mu.
func (cb *ChatBot) pruneLimiters(now time.Time) {
	idle := time.Duration(float64(cb.burst) / float64(cb.limit) * float64(time.Second))
	if idle < limiterIdleMin {
		idle = limiterIdleMin
	}
	for id, ul := range cb.limiters {
		if now.Sub(ul.seen) > idle {
			delete(cb.limiters, id)
		}
	}
}

// Poll dispatches long-polled updates, one goroutine per update, until the
// channel closes. In-flight updates run to completion even after ctx is done
// and are waited for before returning.
func (cb *ChatBot) Poll(ctx context.Context, updates <-chan tgbotapi.Update) {
	ctx = context.WithoutCancel(ctx)
	var wg sync.WaitGroup
	for update := range updates {
		wg.Add(1)
		go func(u tgbotapi.Update) {
			defer wg.Done()
			if err := cb.HandleUpdate(ctx, u); err != nil {
				cb.logger.Error("update failed", "update_id", u.UpdateID, "error", err)
			}
		}(update)
	}
	wg.Wait()
}
