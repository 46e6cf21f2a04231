package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"RelayChat/internal/backend"
	"RelayChat/internal/relay"
	"RelayChat/internal/session"
	"RelayChat/internal/telemetry"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
)

type recordingDispatcher struct {
	mu      sync.Mutex
	updates []tgbotapi.Update
	err     error
}

func (d *recordingDispatcher) HandleUpdate(_ context.Context, u tgbotapi.Update) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.updates = append(d.updates, u)
	return d.err
}

func (d *recordingDispatcher) first() tgbotapi.Update {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.updates[0]
}

func (d *recordingDispatcher) fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.updates)
}

type upperProvider struct{}

func (upperProvider) Name() string { return "upper" }

func (upperProvider) Complete(_ context.Context, req backend.Request) (backend.Completion, error) {
	last := req.Messages[len(req.Messages)-1]
	return backend.Completion{Text: strings.ToUpper(last.Content)}, nil
}

type testEnv struct {
	ts    *httptest.Server
	srv   *Server
	bot   *recordingDispatcher
	store *session.MemoryStore
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := session.NewMemoryStore(10)
	r := relay.New(store, upperProvider{}, relay.Config{Timeout: time.Second}, relay.WithLogger(logger))
	bot := &recordingDispatcher{}

	reg := prometheus.NewRegistry()
	opts.Metrics = telemetry.NewMetricsWith("test_httpapi", reg, reg)
	opts.Logger = logger
	srv := New(bot, r, opts)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, srv: srv, bot: bot, store: store}
}

const updateJSON = `{"update_id":5,"message":{"message_id":1,"date":0,"from":{"id":9,"is_bot":false,"first_name":"A"},"chat":{"id":9,"type":"private"},"text":"hi"}}`

func do(t *testing.T, method, url, body string, header map[string]string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(res.Body)
	return res, string(data)
}

func TestWebhook(t *testing.T) {
	env := newTestEnv(t, Options{})

	res, body := do(t, http.MethodPost, env.ts.URL+"/webhook", updateJSON, nil)
	if res.StatusCode != http.StatusOK || body != "ok" {
		t.Fatalf("status = %d body = %q", res.StatusCode, body)
	}
	if env.bot.count() != 1 || env.bot.first().Message.Text != "hi" {
		t.Fatalf("dispatched %d updates", env.bot.count())
	}
}

func TestWebhook_StatusCodes(t *testing.T) {
	env := newTestEnv(t, Options{WebhookPath: "/tg/hook"})

	tests := []struct {
		name   string
		method string
		body   string
		want   int
	}{
		{"liveness", http.MethodGet, "", http.StatusOK},
		{"disallowed method", http.MethodPut, updateJSON, http.StatusMethodNotAllowed},
		{"malformed body", http.MethodPost, "{not json", http.StatusInternalServerError},
		{"accepted", http.MethodPost, updateJSON, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, _ := do(t, tt.method, env.ts.URL+"/tg/hook", tt.body, nil)
			if res.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", res.StatusCode, tt.want)
			}
		})
	}
	if env.bot.count() != 1 {
		t.Errorf("dispatched %d updates, want 1", env.bot.count())
	}
}

func TestWebhook_DispatchFailure(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.bot.fail(errors.New("dispatch update 5: panic: boom"))

	res, _ := do(t, http.MethodPost, env.ts.URL+"/webhook", updateJSON, nil)
	if res.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", res.StatusCode)
	}
}

func TestWebhook_Secret(t *testing.T) {
	env := newTestEnv(t, Options{WebhookSecret: "s3cret"})

	res, _ := do(t, http.MethodPost, env.ts.URL+"/webhook", updateJSON, map[string]string{SecretHeader: "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong secret status = %d", res.StatusCode)
	}
	res, _ = do(t, http.MethodPost, env.ts.URL+"/webhook", updateJSON, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing secret status = %d", res.StatusCode)
	}
	res, _ = do(t, http.MethodPost, env.ts.URL+"/webhook", updateJSON, map[string]string{SecretHeader: "s3cret"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("good secret status = %d", res.StatusCode)
	}
	if env.bot.count() != 1 {
		t.Errorf("dispatched %d updates, want 1", env.bot.count())
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Options{Version: "v1.2.3"})

	for _, path := range []string{"/", "/healthz"} {
		res, body := do(t, http.MethodGet, env.ts.URL+path, "", nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d", path, res.StatusCode)
		}
		var got map[string]any
		if err := json.Unmarshal([]byte(body), &got); err != nil {
			t.Fatalf("%s: decode %q: %v", path, body, err)
		}
		if got["status"] != "ok" || got["version"] != "v1.2.3" {
			t.Errorf("%s = %v", path, got)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, Options{})
	do(t, http.MethodPost, env.ts.URL+"/api/chat", `{"message":"hello"}`, nil)

	res, body := do(t, http.MethodGet, env.ts.URL+"/metrics", "", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	if !strings.Contains(body, `test_httpapi_replies_total{outcome="ok"} 1`) {
		t.Errorf("metrics missing reply counter:\n%s", body)
	}
}

func postChat(t *testing.T, url string, req chatRequest) (int, chatResponse) {
	t.Helper()
	payload, _ := json.Marshal(req)
	res, err := http.Post(url+"/api/chat", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	var out chatResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return res.StatusCode, out
}

func TestChat(t *testing.T) {
	env := newTestEnv(t, Options{})

	status, first := postChat(t, env.ts.URL, chatRequest{Message: "hello"})
	if status != http.StatusOK || first.Reply != "HELLO" {
		t.Fatalf("status = %d reply = %+v", status, first)
	}
	if _, err := uuid.Parse(first.SessionID); err != nil {
		t.Fatalf("session id %q is not a UUID", first.SessionID)
	}

	status, second := postChat(t, env.ts.URL, chatRequest{Message: "again", SessionID: first.SessionID})
	if status != http.StatusOK || second.SessionID != first.SessionID {
		t.Fatalf("status = %d reply = %+v", status, second)
	}

	sess, _ := env.store.GetOrCreate(context.Background(), webUserID(first.SessionID))
	if sess.Len() != 4 {
		t.Errorf("session len = %d, want 4", sess.Len())
	}
}

func TestChat_Rejects(t *testing.T) {
	env := newTestEnv(t, Options{})

	res, _ := do(t, http.MethodGet, env.ts.URL+"/api/chat", "", nil)
	if res.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", res.StatusCode)
	}

	for _, body := range []string{``, `{}`, `{"message":"   "}`, `{"message":`} {
		res, _ := do(t, http.MethodPost, env.ts.URL+"/api/chat", body, nil)
		if res.StatusCode != http.StatusBadRequest {
			t.Errorf("body %q status = %d, want 400", body, res.StatusCode)
		}
	}

	res, _ = do(t, http.MethodPost, env.ts.URL+"/api/chat", `{"message":"hi","session_id":"../etc"}`, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Errorf("bad session id status = %d, want 400", res.StatusCode)
	}
	if env.store.Count() != 0 {
		t.Errorf("rejected requests created %d sessions", env.store.Count())
	}
}

func TestChatWS(t *testing.T) {
	env := newTestEnv(t, Options{})
	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/api/chat/ws"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	var hello wsReply
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if hello.SessionID == "" {
		t.Fatal("missing session id")
	}

	if err := conn.WriteJSON(wsFrame{Message: "ping"}); err != nil {
		t.Fatal(err)
	}
	var reply wsReply
	if err := conn.ReadJSON(&reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Reply != "PING" {
		t.Fatalf("reply = %+v", reply)
	}

	if err := conn.WriteJSON(wsFrame{Message: " "}); err != nil {
		t.Fatal(err)
	}
	var rejected wsReply
	if err := conn.ReadJSON(&rejected); err != nil {
		t.Fatal(err)
	}
	if rejected.Error == "" {
		t.Fatalf("expected error frame, got %+v", rejected)
	}

	sess, _ := env.store.GetOrCreate(context.Background(), "ws:"+hello.SessionID)
	if sess.Len() != 2 {
		t.Fatalf("session len = %d, want 2", sess.Len())
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.store.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session not released after close, Count() = %d", env.store.Count())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestChat_SweepIdle(t *testing.T) {
	env := newTestEnv(t, Options{WebSessionTTL: time.Minute})

	for i := 0; i < 3; i++ {
		if status, _ := postChat(t, env.ts.URL, chatRequest{Message: "hi"}); status != http.StatusOK {
			t.Fatalf("status = %d", status)
		}
	}
	if env.store.Count() != 3 {
		t.Fatalf("Count() = %d, want 3", env.store.Count())
	}

	ctx := context.Background()
	if n := env.srv.SweepIdle(ctx, time.Now()); n != 0 {
		t.Fatalf("swept %d fresh sessions", n)
	}
	if n := env.srv.SweepIdle(ctx, time.Now().Add(2*time.Minute)); n != 3 {
		t.Fatalf("swept %d, want 3", n)
	}
	if env.store.Count() != 0 {
		t.Fatalf("Count() = %d after sweep, want 0", env.store.Count())
	}
}

func TestDecodeJSON(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		empty bool
		fails bool
	}{
		{"empty", "", true, true},
		{"truncated", `{"message":`, false, true},
		{"garbage", `nope`, false, true},
		{"valid", `{"message":"hi"}`, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(tt.body))
			var req chatRequest
			err := decodeJSON(r, &req)
			if (err != nil) != tt.fails {
				t.Fatalf("err = %v, want failure=%v", err, tt.fails)
			}
			if errors.Is(err, errEmptyBody) != tt.empty {
				t.Fatalf("err = %v, want empty=%v", err, tt.empty)
			}
		})
	}
}
