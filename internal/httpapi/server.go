package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"RelayChat/internal/chatbot"
	"RelayChat/internal/telegram"
	"RelayChat/internal/telemetry"

	"github.com/go-chi/chi/v5"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// SecretHeader carries the webhook secret Telegram echoes back.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

const maxBodyBytes = 1 << 20

// DefaultWebSessionTTL is how long an idle /api/chat session is kept.
const DefaultWebSessionTTL = 30 * time.Minute

// Dispatcher handles one decoded Telegram update.
type Dispatcher interface {
	HandleUpdate(ctx context.Context, update tgbotapi.Update) error
}

type Options struct {
	WebhookPath    string
	WebhookSecret  string
	AllowAnyOrigin bool
	Version        string
	WebSessionTTL  time.Duration
	Metrics        *telemetry.Metrics
	Logger         *slog.Logger
}

type Server struct {
	bot      Dispatcher
	relay    chatbot.Responder
	opts     Options
	logger   *slog.Logger
	started  time.Time
	upgrader websocket.Upgrader

	mu       sync.Mutex
	webUsers map[string]time.Time // user id -> last use
}

func New(bot Dispatcher, relay chatbot.Responder, opts Options) *Server {
	if opts.WebhookPath == "" {
		opts.WebhookPath = "/webhook"
	}
	if opts.WebSessionTTL <= 0 {
		opts.WebSessionTTL = DefaultWebSessionTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		bot:      bot,
		relay:    relay,
		opts:     opts,
		logger:   logger,
		started:  time.Now(),
		webUsers: make(map[string]time.Time),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if opts.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", s.handleHealth)
	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.opts.Metrics.Handler().ServeHTTP(w, r)
	})

	r.Post(s.opts.WebhookPath, s.handleWebhook)
	r.Get(s.opts.WebhookPath, s.handleWebhookStatus)

	r.HandleFunc("/api/chat", s.handleChat)
	r.Get("/api/chat/ws", s.handleChatWS)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.opts.Version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleWebhookStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("RelayChat webhook active 🚀"))
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if secret := s.opts.WebhookSecret; secret != "" {
		got := r.Header.Get(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			s.logger.Warn("webhook secret mismatch", "remote_addr", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	update, err := telegram.ParseUpdate(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.logger.Error("webhook error", "error", err)
		http.Error(w, "error", http.StatusInternalServerError)
		return
	}

	// Telegram may drop the connection before the reply is sent; the turn still completes.
	ctx := context.WithoutCancel(r.Context())
	if err := s.bot.HandleUpdate(ctx, update); err != nil {
		s.logger.Error("webhook error", "update_id", update.UpdateID, "error", err)
		http.Error(w, "error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

type chatResponse struct {
	Reply     string `json:"reply"`
	SessionID string `json:"session_id,omitempty"`
	Fallback  bool   `json:"fallback,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		respondJSON(w, http.StatusMethodNotAllowed, chatResponse{Reply: "Method not allowed."})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondJSON(w, http.StatusBadRequest, chatResponse{Reply: "Please send a valid message."})
		return
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		respondJSON(w, http.StatusBadRequest, chatResponse{Reply: "Please send a valid message."})
		return
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	} else if _, err := uuid.Parse(sessionID); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "session_id must be a UUID")
		return
	}

	userID := webUserID(sessionID)
	s.touch(userID, time.Now())

	s.opts.Metrics.Update("web")
	start := time.Now()
	reply := s.relay.Respond(r.Context(), userID, message)
	s.opts.Metrics.Reply(outcome(reply.Fallback), time.Since(start))

	respondJSON(w, http.StatusOK, chatResponse{
		Reply:     reply.Text,
		SessionID: sessionID,
		Fallback:  reply.Fallback,
	})
}

// webUserID keeps web sessions apart from Telegram user ids.
func webUserID(sessionID string) string {
	return "web:" + sessionID
}

func (s *Server) touch(userID string, now time.Time) {
	s.mu.Lock()
	s.webUsers[userID] = now
	s.mu.Unlock()
}

// SweepIdle clears web chat sessions unused for longer than the TTL and
// returns how many were dropped.
func (s *Server) SweepIdle(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-s.opts.WebSessionTTL)
	var idle []string
	s.mu.Lock()
	for id, last := range s.webUsers {
		if last.Before(cutoff) {
			idle = append(idle, id)
			delete(s.webUsers, id)
		}
	}
	s.mu.Unlock()

	for _, id := range idle {
		if err := s.relay.Clear(ctx, id); err != nil {
			s.logger.Warn("failed to clear idle web session", "user_id", id, "error", err)
		}
	}
	if len(idle) > 0 {
		s.logger.Debug("swept idle web sessions", "count", len(idle))
	}
	return len(idle)
}

// RunSweeper calls SweepIdle every interval until ctx is done.
func (s *Server) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.SweepIdle(ctx, now)
		}
	}
}

func outcome(fallback bool) string {
	if fallback {
		return "fallback"
	}
	return "ok"
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
