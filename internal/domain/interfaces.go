package domain

import (
	"context"
	"encoding/json"
)

// Provider is implemented by every vendor adapter. Adding a vendor means
// implementing this interface and registering a factory; the orchestrator
// never changes.
type Provider interface {
	// Name returns the configured provider instance name.
	Name() string

	// Complete performs a blocking call and returns the full response.
	Complete(ctx context.Context, req *ChatRequest) (*Response, error)

	// Stream opens a streaming call. The returned stream always ends with
	// a terminal or error chunk.
	Stream(ctx context.Context, req *ChatRequest) (*Stream, error)

	// Capabilities returns the declared capabilities for a served model.
	Capabilities(model string) (ProviderCapabilities, bool)
}

// Passage is a ranked unit of retrieved knowledge.
type Passage struct {
	Text     string  `json:"text"`
	SourceID string  `json:"source_id"`
	Score    float64 `json:"score"`
}

// Retriever is the knowledge retrieval collaborator. An empty result is a
// valid response.
type Retriever interface {
	Search(ctx context.Context, query string, scope []string, topK int) ([]Passage, error)
}

// ToolResult is the outcome of one tool invocation. Exactly one of Result
// or Error is meaningful.
type ToolResult struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Failed reports whether the invocation produced an error.
func (r ToolResult) Failed() bool {
	return r.Error != ""
}

// ToolInvoker is the tool execution collaborator.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolCatalog is optionally implemented by a ToolInvoker that can describe
// the tools it serves.
type ToolCatalog interface {
	Definition(name string) (ToolDefinition, bool)
	Definitions() []ToolDefinition
}
