package provider

import (
	"context"
	"net/http"
	"strings"

	"github.com/creovision/governor/pkg/models"
)

// DefaultOpenAIURL is used when an OpenAI-compatible provider has no URL.
const DefaultOpenAIURL = "https://api.openai.com"

// OpenAI calls an OpenAI-compatible /v1/chat/completions endpoint. DeepSeek
// and Qwen DashScope's compatible mode use the same client with their own URL.
type OpenAI struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewOpenAI creates an OpenAI-compatible client.
func NewOpenAI(name, baseURL, apiKey string, client *http.Client) *OpenAI {
	if baseURL == "" {
		baseURL = DefaultOpenAIURL
	}
	return &OpenAI{name: name, baseURL: baseURL, apiKey: apiKey, client: client}
}

// Name returns the configured provider name.
func (o *OpenAI) Name() string { return o.name }

// Complete sends the conversation and returns the first choice's content.
func (o *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	if o.apiKey == "" {
		return "", &Error{Kind: KindConfigurationMissing, Provider: o.name, Model: req.Model}
	}

	msgs := make([]models.ChatMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, models.ChatMessage{Role: "system", Content: req.SystemPrompt})
	}
	msgs = append(msgs, req.Messages...)

	temp := temperatureOf(req)
	maxTokens := maxTokensOf(req)
	body := models.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	}
	headers := map[string]string{"Authorization": "Bearer " + o.apiKey}

	var resp models.ChatCompletionResponse
	if err := postJSON(ctx, o.client, o.name, req.Model, o.baseURL, "/v1/chat/completions", headers, body, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", &Error{Kind: KindEmptyResponse, Provider: o.name, Model: req.Model, Status: http.StatusOK}
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
