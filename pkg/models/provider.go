package models

import "time"

// ProviderCallResult is the outcome of one orchestrated provider call.
type ProviderCallResult struct {
	Provider string        `json:"provider"`
	Model    string        `json:"model"`
	Content  string        `json:"content"`
	Latency  time.Duration `json:"latency"`
	// Attempts lists every provider tried, in order, including the winner.
	Attempts []ProviderAttempt `json:"attempts,omitempty"`
}

// ProviderAttempt records a single try against one provider.
type ProviderAttempt struct {
	Provider  string        `json:"provider"`
	Model     string        `json:"model"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency"`
}
