package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const (
	KindGroq      = "groq"
	KindOpenAI    = "openai"
	KindGrok      = "grok"
	KindOllama    = "ollama"
	KindAnthropic = "anthropic"
)

var (
	// ErrUpstream covers non-2xx statuses, malformed bodies and empty completions.
	ErrUpstream = errors.New("upstream error")
	// ErrTimeout is returned when the request deadline expires before a reply arrives.
	ErrTimeout = errors.New("upstream timeout")
)

// Message is one entry of the prompt sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single chat completion call.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float32
	MaxTokens   int
}

// Usage reports token accounting when the provider returns it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Completion is the parsed reply of a successful call.
type Completion struct {
	Text  string
	Model string
	Usage Usage
}

// Provider performs exactly one outbound completion request per Complete call.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (Completion, error)
}

// Options configures a provider built by New.
type Options struct {
	Kind       string
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// New builds the provider named by opts.Kind.
func New(opts Options) (Provider, error) {
	kind := strings.ToLower(strings.TrimSpace(opts.Kind))
	if kind == "" {
		kind = KindGroq
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		// per-call deadlines come from the caller's context
		httpClient = &http.Client{}
	}

	switch kind {
	case KindGroq, KindOpenAI, KindGrok:
		return NewOpenAIClient(kind, firstNonEmpty(opts.BaseURL, defaultBaseURL(kind)), opts.APIKey, httpClient), nil
	case KindOllama:
		return NewOllamaClient(firstNonEmpty(opts.BaseURL, "http://localhost:11434"), httpClient), nil
	case KindAnthropic:
		return NewAnthropicClient(firstNonEmpty(opts.BaseURL, "https://api.anthropic.com"), opts.APIKey, httpClient), nil
	default:
		return nil, fmt.Errorf("unknown backend: %s", opts.Kind)
	}
}

// RequiresAPIKey reports whether the provider kind authenticates with a key.
func RequiresAPIKey(kind string) bool {
	return !strings.EqualFold(strings.TrimSpace(kind), KindOllama)
}

func defaultBaseURL(kind string) string {
	switch kind {
	case KindOpenAI:
		return "https://api.openai.com/v1"
	case KindGrok:
		return "https://api.x.ai/v1"
	default:
		return "https://api.groq.com/openai/v1"
	}
}

// classify maps a transport error onto ErrTimeout or ErrUpstream.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUpstream, err)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
