package domain

import "time"

// UsageRecord is one accounted provider call. Records are never mutated
// after creation.
type UsageRecord struct {
	// ID identifies the provider call. Retries of a call share its ID.
	ID               string    `json:"id"`
	RequestID        string    `json:"request_id"`
	Model            string    `json:"model"`
	Provider         string    `json:"provider"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	Cost             float64   `json:"cost"`
	Estimated        bool      `json:"estimated"`
	UserID           string    `json:"user_id,omitempty"`
	ConversationID   string    `json:"conversation_id,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}
