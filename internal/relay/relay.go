package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"RelayChat/internal/backend"
	"RelayChat/internal/session"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	DefaultTimeout      = 15 * time.Second
	DefaultModel        = "llama-3.1-8b-instant"
	DefaultTemperature  = 0.7
	DefaultMaxTokens    = 700
	DefaultFallbackText = "⚠️ AI error. Try again."
)

// ErrBusy is returned when an earlier turn for the same user did not finish in time.
var ErrBusy = errors.New("session busy")

// Config is the per-deployment variation point of the relay.
type Config struct {
	SystemPrompt string
	// MaxTurns is the session bound. A store that reports its own bound
	// (session.Bounded) overrides it.
	MaxTurns     int
	Timeout      time.Duration
	Model        string
	Temperature  float32
	MaxTokens    int
	FallbackText string
}

func (c Config) withDefaults() Config {
	if c.MaxTurns <= 0 {
		c.MaxTurns = session.DefaultMaxTurns
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if strings.TrimSpace(c.Model) == "" {
		c.Model = DefaultModel
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if strings.TrimSpace(c.FallbackText) == "" {
		c.FallbackText = DefaultFallbackText
	}
	return c
}

// Reply is always safe to send back to the user. Fallback is set when Text
// is the fixed apology and Err carries the underlying cause.
type Reply struct {
	Text     string
	Fallback bool
	Err      error
	Usage    backend.Usage
}

// Relay turns a session plus one new user message into one assistant reply.
type Relay struct {
	store    session.Store
	provider backend.Provider
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
	meter    metric.Meter
	locks    *turnLocks

	fallbacks metric.Int64Counter
	replies   metric.Int64Counter
}

type Option func(*Relay)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(r *Relay) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

func WithMeter(meter metric.Meter) Option {
	return func(r *Relay) {
		if meter != nil {
			r.meter = meter
		}
	}
}

// New creates a relay over an injected store and provider.
func New(store session.Store, provider backend.Provider, cfg Config, opts ...Option) *Relay {
	r := &Relay{
		store:    store,
		provider: provider,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default(),
		tracer:   tracenoop.NewTracerProvider().Tracer("relay"),
		meter:    metricnoop.NewMeterProvider().Meter("relay"),
		locks:    newTurnLocks(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if b, ok := store.(session.Bounded); ok {
		if bound := b.MaxTurns(); bound > 0 && bound != r.cfg.MaxTurns {
			if cfg.MaxTurns > 0 {
				r.logger.Warn("relay max turns differs from store bound, using store bound",
					"configured", cfg.MaxTurns, "store", bound)
			}
			r.cfg.MaxTurns = bound
		}
	}
	r.fallbacks, _ = r.meter.Int64Counter("relay.fallback",
		metric.WithDescription("Replies answered with the fallback text, by reason"))
	r.replies, _ = r.meter.Int64Counter("relay.reply",
		metric.WithDescription("Replies produced by the completion provider"))
	return r
}

// Config returns the effective configuration.
func (r *Relay) Config() Config {
	return r.cfg
}

// Respond appends message to the user's session, asks the provider for a
// reply and appends that reply on success. It never returns without text.
func (r *Relay) Respond(ctx context.Context, userID, message string) (reply Reply) {
	ctx, span := r.tracer.Start(ctx, "relay.respond", trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			reply = r.fail(ctx, span, userID, fmt.Errorf("relay panic: %v", p))
		}
	}()

	if strings.TrimSpace(userID) == "" {
		return r.fail(ctx, span, userID, fmt.Errorf("%w: empty user id", session.ErrInvalidArgument))
	}
	if strings.TrimSpace(message) == "" {
		return r.fail(ctx, span, userID, fmt.Errorf("%w: empty message", session.ErrInvalidArgument))
	}

	release, err := r.locks.acquire(ctx, userID, r.cfg.Timeout)
	if err != nil {
		return r.fail(ctx, span, userID, err)
	}
	defer release()

	sess, err := r.store.AppendTurn(ctx, userID, session.RoleUser, message)
	if err != nil {
		return r.fail(ctx, span, userID, fmt.Errorf("append user turn: %w", err))
	}

	completion, err := r.complete(ctx, backend.Request{
		Model:       r.cfg.Model,
		Messages:    r.buildPrompt(sess),
		Temperature: r.cfg.Temperature,
		MaxTokens:   r.cfg.MaxTokens,
	})
	if err != nil {
		return r.fail(ctx, span, userID, err)
	}

	if _, err := r.store.AppendTurn(ctx, userID, session.RoleAssistant, completion.Text); err != nil {
		// the user still gets the text; only the history misses it
		r.logger.Warn("failed to store assistant turn", "user_id", userID, "error", err)
	}

	if r.replies != nil {
		r.replies.Add(ctx, 1)
	}
	r.logger.Info("relay reply",
		"user_id", userID,
		"turns", sess.Len()+1,
		"prompt_tokens", completion.Usage.PromptTokens,
		"completion_tokens", completion.Usage.CompletionTokens,
	)
	return Reply{Text: completion.Text, Usage: completion.Usage}
}

// complete runs exactly one provider call bounded by the configured timeout.
// A provider that ignores cancellation is abandoned when the deadline fires.
func (r *Relay) complete(ctx context.Context, req backend.Request) (backend.Completion, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	type result struct {
		completion backend.Completion
		err        error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- result{err: fmt.Errorf("%w: provider panic: %v", backend.ErrUpstream, p)}
			}
		}()
		c, err := r.provider.Complete(callCtx, req)
		done <- result{completion: c, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(res.err, backend.ErrTimeout) {
				return backend.Completion{}, fmt.Errorf("%w: %v", backend.ErrTimeout, res.err)
			}
			return backend.Completion{}, res.err
		}
		if strings.TrimSpace(res.completion.Text) == "" {
			return backend.Completion{}, fmt.Errorf("%w: empty completion", backend.ErrUpstream)
		}
		return res.completion, nil
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return backend.Completion{}, fmt.Errorf("%w: no reply within %s", backend.ErrTimeout, r.cfg.Timeout)
		}
		return backend.Completion{}, fmt.Errorf("%w: %v", backend.ErrUpstream, callCtx.Err())
	}
}

func (r *Relay) buildPrompt(sess session.Session) []backend.Message {
	turns := sess.Turns
	if len(turns) > r.cfg.MaxTurns {
		turns = turns[len(turns)-r.cfg.MaxTurns:]
	}
	messages := make([]backend.Message, 0, len(turns)+1)
	if strings.TrimSpace(r.cfg.SystemPrompt) != "" {
		messages = append(messages, backend.Message{Role: string(session.RoleSystem), Content: r.cfg.SystemPrompt})
	}
	for _, turn := range turns {
		messages = append(messages, backend.Message{Role: string(turn.Role), Content: turn.Content})
	}
	return messages
}

func (r *Relay) fail(ctx context.Context, span trace.Span, userID string, err error) Reply {
	reason := failureReason(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	if reason == "invalid_argument" {
		r.logger.Warn("relay rejected message", "user_id", userID, "error", err)
	} else {
		r.logger.Error("relay failed", "user_id", userID, "reason", reason, "error", err)
	}
	if r.fallbacks != nil {
		r.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
	return Reply{Text: r.cfg.FallbackText, Fallback: true, Err: err}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, backend.ErrTimeout):
		return "timeout"
	case errors.Is(err, backend.ErrUpstream):
		return "upstream"
	case errors.Is(err, session.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrBusy):
		return "busy"
	default:
		return "internal"
	}
}

// Clear empties the user's session once any in-flight turn has finished.
// If that turn does not finish in time the session is cleared anyway.
func (r *Relay) Clear(ctx context.Context, userID string) error {
	release, err := r.locks.acquire(ctx, userID, r.cfg.Timeout)
	if err == nil {
		defer release()
	}
	return r.store.Clear(ctx, userID)
}

// History returns a copy of the user's current session.
func (r *Relay) History(ctx context.Context, userID string) (session.Session, error) {
	return r.store.GetOrCreate(ctx, userID)
}
