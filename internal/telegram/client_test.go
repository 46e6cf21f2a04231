package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

const testToken = "123:abc"

// fakeBotAPI records Bot API calls by method name.
type fakeBotAPI struct {
	mu       sync.Mutex
	calls    []string
	forms    []map[string]string
	failSend bool
}

func (f *fakeBotAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	prefix := "/bot" + testToken + "/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	method := strings.TrimPrefix(r.URL.Path, prefix)
	_ = r.ParseForm()
	form := map[string]string{}
	for k := range r.PostForm {
		form[k] = r.PostForm.Get(k)
	}

	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.forms = append(f.forms, form)
	failSend := f.failSend
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch method {
	case "getMe":
		fmt.Fprint(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Relay","username":"relay_bot"}}`)
	case "sendMessage":
		if failSend {
			fmt.Fprint(w, `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`)
			return
		}
		fmt.Fprintf(w, `{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":%s,"type":"private"},"text":"ok"}}`, form["chat_id"])
	default:
		fmt.Fprint(w, `{"ok":true,"result":true}`)
	}
}

func (f *fakeBotAPI) sent(method string) []map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]string
	for i, c := range f.calls {
		if c == method {
			out = append(out, f.forms[i])
		}
	}
	return out
}

func newTestClient(t *testing.T) (*Client, *fakeBotAPI) {
	t.Helper()
	api := &fakeBotAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	c, err := NewClient(testToken, Options{Endpoint: srv.URL + "/bot%s/%s", HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c, api
}

func TestNewClient_VerifiesToken(t *testing.T) {
	c, api := newTestClient(t)
	if c.BotName() != "relay_bot" {
		t.Errorf("BotName = %q", c.BotName())
	}
	if len(api.sent("getMe")) != 1 {
		t.Errorf("getMe calls = %d, want 1", len(api.sent("getMe")))
	}
}

func TestSendText(t *testing.T) {
	c, api := newTestClient(t)

	if err := c.SendText(context.Background(), 42, "hello there"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	msgs := api.sent("sendMessage")
	if len(msgs) != 1 {
		t.Fatalf("sendMessage calls = %d, want 1", len(msgs))
	}
	if msgs[0]["chat_id"] != "42" || msgs[0]["text"] != "hello there" {
		t.Errorf("unexpected form %v", msgs[0])
	}
}

func TestSendText_SplitsLongReplies(t *testing.T) {
	c, api := newTestClient(t)

	text := strings.Repeat("a", MaxMessageLen) + strings.Repeat("b", 10)
	if err := c.SendText(context.Background(), 42, text); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if got := len(api.sent("sendMessage")); got != 2 {
		t.Fatalf("sendMessage calls = %d, want 2", got)
	}
}

func TestSendText_DeliveryError(t *testing.T) {
	c, api := newTestClient(t)
	api.mu.Lock()
	api.failSend = true
	api.mu.Unlock()

	err := c.SendText(context.Background(), 42, "hi")
	if !errors.Is(err, ErrDelivery) {
		t.Fatalf("err = %v, want ErrDelivery", err)
	}
}

func TestSendText_CancelledContext(t *testing.T) {
	c, api := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.SendText(ctx, 42, "hi"); !errors.Is(err, ErrDelivery) {
		t.Fatalf("err = %v, want ErrDelivery", err)
	}
	if len(api.sent("sendMessage")) != 0 {
		t.Error("message sent despite cancelled context")
	}
}

func TestSendTyping(t *testing.T) {
	c, api := newTestClient(t)

	if err := c.SendTyping(context.Background(), 42); err != nil {
		t.Fatalf("SendTyping: %v", err)
	}
	actions := api.sent("sendChatAction")
	if len(actions) != 1 || actions[0]["action"] != "typing" {
		t.Fatalf("unexpected chat actions %v", actions)
	}
}

func TestSetWebhook(t *testing.T) {
	c, api := newTestClient(t)

	if err := c.SetWebhook("https://relay.example.com/webhook", "s3cret"); err != nil {
		t.Fatalf("SetWebhook: %v", err)
	}
	hooks := api.sent("setWebhook")
	if len(hooks) != 1 {
		t.Fatalf("setWebhook calls = %d", len(hooks))
	}
	if hooks[0]["url"] != "https://relay.example.com/webhook" || hooks[0]["secret_token"] != "s3cret" {
		t.Errorf("unexpected form %v", hooks[0])
	}
}

func TestParseUpdate(t *testing.T) {
	body := `{"update_id":10,"message":{"message_id":1,"date":0,"from":{"id":99,"is_bot":false,"first_name":"A"},"chat":{"id":99,"type":"private"},"text":"hi"}}`
	u, err := ParseUpdate(strings.NewReader(body))
	if err != nil {
		t.Fatalf("ParseUpdate: %v", err)
	}
	if u.UpdateID != 10 || u.Message == nil || u.Message.Text != "hi" || u.Message.From.ID != 99 {
		t.Fatalf("unexpected update %+v", u)
	}

	if _, err := ParseUpdate(strings.NewReader("{not json")); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}
