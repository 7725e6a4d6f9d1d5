package models

import "time"

// Stage is the conversation phase derived from session counters.
type Stage string

const (
	StageIntro     Stage = "intro"
	StageExplore   Stage = "explore"
	StageCTA       Stage = "cta"
	StageExtension Stage = "extension"
	StageRedirect  Stage = "redirect"
)

// Session tracks quota consumption for one identity.
type Session struct {
	ID            string    `json:"id"`
	Identity      string    `json:"identity"`
	FreeUsed      int       `json:"free_used"`
	PaidUsed      int       `json:"paid_used"`
	PaidAvailable int       `json:"paid_available"`
	CreditsSpent  int64     `json:"credits_spent"`
	MessageCount  int       `json:"message_count"`
	Stage         Stage     `json:"stage"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TotalUsed is the number of user messages charged against the session.
func (s *Session) TotalUsed() int {
	return s.FreeUsed + s.PaidUsed
}

// QuotaSnapshot is a read-only view of an identity's entitlements.
type QuotaSnapshot struct {
	Identity               string `json:"identity"`
	SessionID              string `json:"session_id"`
	FreeLimit              int    `json:"free_limit"`
	FreeUsed               int    `json:"free_used"`
	FreeRemaining          int    `json:"free_remaining"`
	PaidAvailable          int    `json:"paid_available"`
	PaidUsed               int    `json:"paid_used"`
	PaidRemaining          int    `json:"paid_remaining"`
	CreditsSpent           int64  `json:"credits_spent"`
	NextExtensionCost      int64  `json:"next_extension_cost"`
	MessageCount           int    `json:"message_count"`
	Stage                  Stage  `json:"stage"`
	PromoAnalysesRemaining int    `json:"promo_analyses_remaining"`
	FreeTrialAvailable     bool   `json:"free_trial_available"`
	CreditBalance          int64  `json:"credit_balance"`
}

// MessageRecord is one journaled conversation message.
type MessageRecord struct {
	ID            int64     `json:"id"`
	Identity      string    `json:"identity"`
	SessionID     string    `json:"session_id"`
	Role          string    `json:"role"`
	Content       string    `json:"content"`
	MessageNumber int       `json:"message_number"`
	IsFree        bool      `json:"is_free"`
	Provider      string    `json:"provider,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// MessageQueryOpts specifies filters for querying the message journal.
type MessageQueryOpts struct {
	Identity  string
	SessionID string
	Role      string
	Since     time.Time
	Limit     int
}

// JournalStat is a message count grouped by day and role.
type JournalStat struct {
	Day   string `json:"day"`
	Role  string `json:"role"`
	Count int    `json:"count"`
}
