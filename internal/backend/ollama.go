package backend

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// OllamaRequest represents the request body for Ollama API
type OllamaRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  *OllamaOptions `json:"options,omitempty"`
}

// OllamaOptions carries sampling parameters
type OllamaOptions struct {
	Temperature float32 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// OllamaResponse represents the response from Ollama API
type OllamaResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Message   struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done            bool `json:"done"`
	PromptEvalCount int  `json:"prompt_eval_count"`
	EvalCount       int  `json:"eval_count"`
}

// OllamaClient calls a local Ollama server.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewOllamaClient(baseURL string, httpClient *http.Client) *OllamaClient {
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (c *OllamaClient) Name() string {
	return KindOllama
}

func (c *OllamaClient) Complete(ctx context.Context, req Request) (Completion, error) {
	body := OllamaRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   false,
		Options:  &OllamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens},
	}

	var apiResp OllamaResponse
	if err := postJSON(ctx, c.httpClient, c.baseURL+"/api/chat", nil, body, &apiResp); err != nil {
		return Completion{}, err
	}

	text := strings.TrimSpace(apiResp.Message.Content)
	if text == "" {
		return Completion{}, fmt.Errorf("%w: empty response from Ollama", ErrUpstream)
	}
	return Completion{
		Text:  text,
		Model: apiResp.Model,
		Usage: Usage{
			PromptTokens:     apiResp.PromptEvalCount,
			CompletionTokens: apiResp.EvalCount,
			TotalTokens:      apiResp.PromptEvalCount + apiResp.EvalCount,
		},
	}, nil
}
