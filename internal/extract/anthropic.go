package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/twiede/mailtask/internal/mailbox"
)

// AnthropicProvider calls the Anthropic messages API.
type AnthropicProvider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewAnthropic creates a provider for the given model.
func NewAnthropic(apiKey, model, baseURL string) *AnthropicProvider {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	return &AnthropicProvider{
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (p *AnthropicProvider) Extract(ctx context.Context, msg mailbox.Message) (Result, error) {
	reqBody := anthropicRequest{
		Model:     p.model,
		MaxTokens: 1024,
		System:    systemPrompt,
		Messages: []anthropicMessage{
			{Role: "user", Content: buildInput(msg.From, msg.Subject, msg.Text)},
		},
	}

	respBody, err := postJSON(ctx, p.httpClient, p.Name(), p.baseURL+"/v1/messages",
		map[string]string{
			"x-api-key":         p.apiKey,
			"anthropic-version": "2023-06-01",
		}, reqBody)
	if err != nil {
		return Result{}, err
	}

	var resp anthropicResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return Result{}, &ProviderError{Provider: p.Name(), Kind: KindTransient, Err: fmt.Errorf("decode response: %w", err)}
	}

	for _, block := range resp.Content {
		if block.Type == "text" {
			result, err := parseResult(block.Text)
			if err != nil {
				return Result{}, &ProviderError{Provider: p.Name(), Kind: KindTransient, Err: err}
			}
			return result, nil
		}
	}
	return Result{}, &ProviderError{Provider: p.Name(), Kind: KindTransient, Err: fmt.Errorf("no text content in response")}
}
