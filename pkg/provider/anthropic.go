package provider

import (
	"context"
	"net/http"
	"strings"

	"github.com/creovision/governor/pkg/models"
)

// DefaultAnthropicURL is used when an Anthropic provider has no URL.
const DefaultAnthropicURL = "https://api.anthropic.com"

// AnthropicVersion is sent as the anthropic-version header.
const AnthropicVersion = "2023-06-01"

// Anthropic calls the Anthropic /v1/messages endpoint.
type Anthropic struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewAnthropic creates an Anthropic client.
func NewAnthropic(name, baseURL, apiKey string, client *http.Client) *Anthropic {
	if baseURL == "" {
		baseURL = DefaultAnthropicURL
	}
	return &Anthropic{name: name, baseURL: baseURL, apiKey: apiKey, client: client}
}

// Name returns the configured provider name.
func (a *Anthropic) Name() string { return a.name }

// Complete sends the conversation and joins the text content blocks.
func (a *Anthropic) Complete(ctx context.Context, req Request) (string, error) {
	if a.apiKey == "" {
		return "", &Error{Kind: KindConfigurationMissing, Provider: a.name, Model: req.Model}
	}

	temp := temperatureOf(req)
	body := models.AnthropicRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		System:      req.SystemPrompt,
		MaxTokens:   maxTokensOf(req),
		Temperature: &temp,
	}
	headers := map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": AnthropicVersion,
	}

	var resp models.AnthropicResponse
	if err := postJSON(ctx, a.client, a.name, req.Model, a.baseURL, "/v1/messages", headers, body, &resp); err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", &Error{Kind: KindEmptyResponse, Provider: a.name, Model: req.Model, Status: http.StatusOK}
	}
	return text, nil
}
