package backend

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient talks to any OpenAI-compatible chat completions API (Groq, OpenAI, xAI).
type OpenAIClient struct {
	name   string
	client *openai.Client
}

func NewOpenAIClient(name, baseURL, apiKey string, httpClient *http.Client) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return &OpenAIClient{
		name:   name,
		client: openai.NewClientWithConfig(cfg),
	}
}

func (c *OpenAIClient) Name() string {
	return c.name
}

// Complete sends a chat completion request and returns the first choice.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (Completion, error) {
	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}

	// go-openai omits a zero temperature, so the API would apply its own default.
	temperature := req.Temperature
	if temperature == 0 {
		temperature = math.SmallestNonzeroFloat32
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return Completion{}, classify(ctx, err)
	}

	if len(resp.Choices) == 0 {
		return Completion{}, fmt.Errorf("%w: empty response from %s", ErrUpstream, c.name)
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return Completion{}, fmt.Errorf("%w: empty completion text from %s", ErrUpstream, c.name)
	}

	return Completion{
		Text:  text,
		Model: resp.Model,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}
