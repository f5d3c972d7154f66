package domain

import "context"

// TokenCountRequest represents a request to count tokens.
type TokenCountRequest struct {
	Model    string           `json:"model"`
	Messages []Message        `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
}

// TokenCountResponse represents the response from counting tokens.
type TokenCountResponse struct {
	InputTokens int    `json:"input_tokens"`
	Model       string `json:"model,omitempty"`
	// Estimated indicates whether the count is an estimate (true) or exact (false)
	Estimated bool `json:"estimated,omitempty"`
}

// TokenCounter provides token counting capabilities.
type TokenCounter interface {
	// CountTokens counts the tokens in the given request.
	CountTokens(ctx context.Context, req *TokenCountRequest) (*TokenCountResponse, error)

	// CountText counts the tokens of a plain string.
	CountText(model, text string) (int, error)

	// SupportsModel returns true if this counter supports the given model.
	SupportsModel(model string) bool
}
