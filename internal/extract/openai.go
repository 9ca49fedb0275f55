package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/twiede/mailtask/internal/mailbox"
)

// OpenAIProvider calls the OpenAI chat completions API. A custom base
// URL lets it serve any OpenAI-compatible inference endpoint.
type OpenAIProvider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAI creates a provider for the given model. baseURL defaults to
// the public OpenAI API.
func NewOpenAI(apiKey, model, baseURL string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	return &OpenAIProvider{
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

type openAIRequest struct {
	Model          string          `json:"model"`
	Messages       []openAIMessage `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (p *OpenAIProvider) Extract(ctx context.Context, msg mailbox.Message) (Result, error) {
	reqBody := openAIRequest{
		Model: p.model,
		Messages: []openAIMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildInput(msg.From, msg.Subject, msg.Text)},
		},
	}
	reqBody.ResponseFormat.Type = "json_object"

	respBody, err := postJSON(ctx, p.httpClient, p.Name(), p.baseURL+"/v1/chat/completions",
		map[string]string{"Authorization": "Bearer " + p.apiKey}, reqBody)
	if err != nil {
		return Result{}, err
	}

	var resp openAIResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return Result{}, &ProviderError{Provider: p.Name(), Kind: KindTransient, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(resp.Choices) == 0 {
		return Result{}, &ProviderError{Provider: p.Name(), Kind: KindTransient, Err: fmt.Errorf("empty choices")}
	}

	result, err := parseResult(resp.Choices[0].Message.Content)
	if err != nil {
		return Result{}, &ProviderError{Provider: p.Name(), Kind: KindTransient, Err: err}
	}
	return result, nil
}
