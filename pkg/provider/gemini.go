package provider

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/creovision/governor/pkg/models"
)

// DefaultGeminiURL is used when a Gemini provider has no URL.
const DefaultGeminiURL = "https://generativelanguage.googleapis.com"

// Gemini calls the Gemini generateContent endpoint.
type Gemini struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewGemini creates a Gemini client.
func NewGemini(name, baseURL, apiKey string, client *http.Client) *Gemini {
	if baseURL == "" {
		baseURL = DefaultGeminiURL
	}
	return &Gemini{name: name, baseURL: baseURL, apiKey: apiKey, client: client}
}

// Name returns the configured provider name.
func (g *Gemini) Name() string { return g.name }

// Complete sends the conversation and joins the first candidate's parts.
func (g *Gemini) Complete(ctx context.Context, req Request) (string, error) {
	if g.apiKey == "" {
		return "", &Error{Kind: KindConfigurationMissing, Provider: g.name, Model: req.Model}
	}

	contents := make([]models.GeminiContent, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := m.Role
		if role == "assistant" {
			role = "model"
		}
		contents = append(contents, models.GeminiContent{
			Role:  role,
			Parts: []models.GeminiPart{{Text: m.Content}},
		})
	}

	temp := temperatureOf(req)
	maxTokens := maxTokensOf(req)
	body := models.GeminiRequest{
		Contents: contents,
		GenerationConfig: &models.GeminiGenerationConfig{
			Temperature:     &temp,
			MaxOutputTokens: &maxTokens,
		},
	}
	if req.SystemPrompt != "" {
		body.SystemInstruction = &models.GeminiContent{Parts: []models.GeminiPart{{Text: req.SystemPrompt}}}
	}

	// The key must stay out of the URL, which surfaces in errors and spans.
	path := "/v1beta/models/" + url.PathEscape(req.Model) + ":generateContent"
	headers := map[string]string{"x-goog-api-key": g.apiKey}

	var resp models.GeminiResponse
	if err := postJSON(ctx, g.client, g.name, req.Model, g.baseURL, path, headers, body, &resp); err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 {
		return "", &Error{Kind: KindEmptyResponse, Provider: g.name, Model: req.Model, Status: http.StatusOK}
	}
	var sb strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		sb.WriteString(p.Text)
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", &Error{Kind: KindEmptyResponse, Provider: g.name, Model: req.Model, Status: http.StatusOK}
	}
	return text, nil
}
