package cache

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/creovision/governor/pkg/models"
)

// DefaultHistoryWindow is the number of most recent messages that take part
// in a fingerprint.
const DefaultHistoryWindow = 8

// Key is the tuple a fingerprint is computed from. Topic is stored with the
// payload but does not affect the fingerprint.
type Key struct {
	Text         string
	History      []models.ChatMessage
	SystemPrompt string
	Provider     string
	ModelVersion string
	Topic        string
}

// NormalizeText trims the text and collapses whitespace runs to one space.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeHistory returns the last window non-empty messages in
// chronological order with normalized content and lowercase roles.
func NormalizeHistory(msgs []models.ChatMessage, window int) []models.ChatMessage {
	out := make([]models.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		content := NormalizeText(m.Content)
		if content == "" {
			continue
		}
		out = append(out, models.ChatMessage{
			Role:    strings.ToLower(strings.TrimSpace(m.Role)),
			Content: content,
		})
	}
	if window > 0 && len(out) > window {
		out = out[len(out)-window:]
	}
	return out
}

// RenderHistory renders messages as "role: content" lines.
func RenderHistory(msgs []models.ChatMessage) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// Fingerprint computes the SHA-256 digest identifying a request.
func Fingerprint(k Key, window int) string {
	data, _ := json.Marshal(struct {
		Text     string `json:"t"`
		History  string `json:"h"`
		System   string `json:"s"`
		Provider string `json:"p"`
		Model    string `json:"m"`
	}{
		Text:     NormalizeText(k.Text),
		History:  RenderHistory(NormalizeHistory(k.History, window)),
		System:   strings.TrimSpace(k.SystemPrompt),
		Provider: strings.ToLower(strings.TrimSpace(k.Provider)),
		Model:    strings.TrimSpace(k.ModelVersion),
	})
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:])
}
