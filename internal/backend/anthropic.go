package backend

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// AnthropicRequest represents the request body for Anthropic API
type AnthropicRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature float32   `json:"temperature"`
}

// AnthropicContent is one block of the response content
type AnthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// AnthropicResponse represents the response from Anthropic API
type AnthropicResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []AnthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// AnthropicClient calls the Anthropic messages API.
type AnthropicClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewAnthropicClient(baseURL, apiKey string, httpClient *http.Client) *AnthropicClient {
	return &AnthropicClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

func (c *AnthropicClient) Name() string {
	return KindAnthropic
}

// Complete lifts system messages into the top-level system field, which is
// where the messages API expects them.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (Completion, error) {
	var system []string
	messages := make([]Message, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			system = append(system, msg.Content)
			continue
		}
		messages = append(messages, msg)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	body := AnthropicRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      strings.Join(system, "\n\n"),
		Messages:    messages,
		Temperature: req.Temperature,
	}
	headers := map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": "2023-06-01",
	}

	var apiResp AnthropicResponse
	if err := postJSON(ctx, c.httpClient, c.baseURL+"/v1/messages", headers, body, &apiResp); err != nil {
		return Completion{}, err
	}

	var text strings.Builder
	for _, block := range apiResp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	out := strings.TrimSpace(text.String())
	if out == "" {
		return Completion{}, fmt.Errorf("%w: empty response from Anthropic", ErrUpstream)
	}
	return Completion{
		Text:  out,
		Model: apiResp.Model,
		Usage: Usage{
			PromptTokens:     apiResp.Usage.InputTokens,
			CompletionTokens: apiResp.Usage.OutputTokens,
			TotalTokens:      apiResp.Usage.InputTokens + apiResp.Usage.OutputTokens,
		},
	}, nil
}
