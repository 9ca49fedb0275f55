package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/twiede/mailtask/internal/mailbox"
)

// GeminiProvider calls the Google Generative Language API.
type GeminiProvider struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// NewGemini creates a provider for the given model.
func NewGemini(apiKey, model, baseURL string) *GeminiProvider {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	return &GeminiProvider{
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
}

func (p *GeminiProvider) Name() string { return "gemini" }

type geminiRequest struct {
	SystemInstruction geminiContent   `json:"system_instruction"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  geminiGenConfig `json:"generationConfig"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	ResponseMIMEType string  `json:"responseMimeType"`
	Temperature      float64 `json:"temperature"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
}

func (p *GeminiProvider) Extract(ctx context.Context, msg mailbox.Message) (Result, error) {
	reqBody := geminiRequest{
		SystemInstruction: geminiContent{Parts: []geminiPart{{Text: systemPrompt}}},
		Contents: []geminiContent{
			{Parts: []geminiPart{{Text: buildInput(msg.From, msg.Subject, msg.Text)}}},
		},
		GenerationConfig: geminiGenConfig{ResponseMIMEType: "application/json"},
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", p.baseURL, p.model)
	respBody, err := postJSON(ctx, p.httpClient, p.Name(), url,
		map[string]string{"x-goog-api-key": p.apiKey}, reqBody)
	if err != nil {
		return Result{}, err
	}

	var resp geminiResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return Result{}, &ProviderError{Provider: p.Name(), Kind: KindTransient, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return Result{}, &ProviderError{Provider: p.Name(), Kind: KindTransient, Err: fmt.Errorf("empty candidates")}
	}

	result, err := parseResult(resp.Candidates[0].Content.Parts[0].Text)
	if err != nil {
		return Result{}, &ProviderError{Provider: p.Name(), Kind: KindTransient, Err: err}
	}
	return result, nil
}
