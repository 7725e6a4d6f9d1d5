package models

import "time"

// CachePayload is the stored result of a governed AI call.
type CachePayload struct {
	Content   string    `json:"content"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Topic     string    `json:"topic,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CacheEntry stores a cached payload under its fingerprint.
type CacheEntry struct {
	Fingerprint string       `json:"fingerprint"`
	Payload     CachePayload `json:"payload"`
	CreatedAt   time.Time    `json:"created_at"`
	ExpiresAt   time.Time    `json:"expires_at"`
}

// Live reports whether the entry is still servable at now.
func (e CacheEntry) Live(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// CacheStats reports cache performance metrics.
type CacheStats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	Joined      int64   `json:"joined"`
	HitRate     float64 `json:"hit_rate"`
	LiveEntries int64   `json:"live_entries"`
}
