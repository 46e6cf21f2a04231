package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func TestNew_SelectsProvider(t *testing.T) {
	cases := map[string]string{
		"":          KindGroq,
		"groq":      KindGroq,
		"OpenAI":    KindOpenAI,
		"grok":      KindGrok,
		"ollama":    KindOllama,
		"anthropic": KindAnthropic,
	}
	for kind, want := range cases {
		p, err := New(Options{Kind: kind, APIKey: "k"})
		if err != nil {
			t.Fatalf("New(%q): %v", kind, err)
		}
		if p.Name() != want {
			t.Errorf("New(%q).Name() = %q, want %q", kind, p.Name(), want)
		}
	}
	if _, err := New(Options{Kind: "bard"}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
	if RequiresAPIKey("ollama") || !RequiresAPIKey("groq") {
		t.Fatal("RequiresAPIKey mismatch")
	}
}

func TestOllamaClient_Complete(t *testing.T) {
	var got OllamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{"model":"llama3","message":{"role":"assistant","content":"pong"},"done":true,"prompt_eval_count":3,"eval_count":1}`)
	}))
	defer srv.Close()

	c, err := NewOllamaClient(srv.URL, srv.Client()).Complete(context.Background(), Request{
		Model:    "llama3",
		Messages: []Message{{Role: "user", Content: "ping"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if c.Text != "pong" || c.Usage.TotalTokens != 4 {
		t.Fatalf("unexpected completion: %+v", c)
	}
	if got.Stream {
		t.Fatal("expected non-streaming request")
	}
}

func TestAnthropicClient_LiftsSystemPrompt(t *testing.T) {
	var got AnthropicRequest
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get("x-api-key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = io.WriteString(w, `{"content":[{"type":"text","text":"hello"}],"usage":{"input_tokens":5,"output_tokens":2}}`)
	}))
	defer srv.Close()

	c, err := NewAnthropicClient(srv.URL, "secret", srv.Client()).Complete(context.Background(), Request{
		Model:    "claude",
		Messages: []Message{{Role: "system", Content: "rules"}, {Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if c.Text != "hello" {
		t.Fatalf("text = %q", c.Text)
	}
	if got.System != "rules" || len(got.Messages) != 1 || got.MaxTokens != 1024 {
		t.Fatalf("unexpected request: %+v", got)
	}
	if key != "secret" {
		t.Fatalf("x-api-key = %q", key)
	}
}

func TestPostJSON_NonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, strings.Repeat("x", 1000))
	}))
	defer srv.Close()

	_, err := NewOllamaClient(srv.URL, srv.Client()).Complete(context.Background(), Request{Model: "m"})
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}
	if len(err.Error()) > 600 {
		t.Fatalf("error body was not truncated: %d bytes", len(err.Error()))
	}
}

type stubProvider struct {
	completion Completion
	err        error
}

func (s stubProvider) Name() string { return "stub" }

func (s stubProvider) Complete(context.Context, Request) (Completion, error) {
	return s.completion, s.err
}

func TestInstrument_PassesThrough(t *testing.T) {
	tracer := tracenoop.NewTracerProvider().Tracer("test")
	meter := metricnoop.NewMeterProvider().Meter("test")

	ok := Instrument(stubProvider{completion: Completion{Text: "hi"}}, tracer, meter)
	if ok.Name() != "stub" {
		t.Fatalf("Name() = %q", ok.Name())
	}
	c, err := ok.Complete(context.Background(), Request{})
	if err != nil || c.Text != "hi" {
		t.Fatalf("Complete = %+v, %v", c, err)
	}

	failing := Instrument(stubProvider{err: ErrTimeout}, tracer, meter)
	if _, err := failing.Complete(context.Background(), Request{}); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}
