// Package domain defines the canonical request, response and streaming types
// shared by the orchestrator, its middleware and every provider adapter.
package domain

import (
	"encoding/json"
	"slices"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single chat turn. Ordering within a request is significant.
type Message struct {
	Role    Role   `json:"role" validate:"required,oneof=system user assistant tool"`
	Content string `json:"content"`

	// Name is the tool name for tool-result messages.
	Name string `json:"name,omitempty"`

	// ToolCalls are the directives issued by an assistant turn.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool-result message to the directive it answers.
	ToolCallID string `json:"tool_call_id,omitempty" validate:"required_if=Role tool"`

	// IsError marks a tool result that describes a failed invocation.
	IsError bool `json:"is_error,omitempty"`

	// Sources are populated by context augmentation, never by callers.
	Sources []SourceRef `json:"sources,omitempty"`
}

// HasToolCalls reports whether the message carries tool directives.
func (m Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// ToolCall is a model's request to invoke a named tool.
type ToolCall struct {
	// ID correlates the directive with its tool-result message.
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolDefinition advertises a callable tool to the model.
type ToolDefinition struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description,omitempty"`
	// Parameters is a JSON Schema object describing the arguments.
	Parameters map[string]any `json:"parameters,omitempty"`
}

// HasSchema reports whether the definition carries a parameter schema.
func (t ToolDefinition) HasSchema() bool {
	return t.Parameters != nil
}

// SourceRef identifies a retrieved passage used as context.
type SourceRef struct {
	SourceID string  `json:"source_id"`
	Score    float64 `json:"score"`
}

// GenerationParams are the sampling parameters forwarded to the provider.
type GenerationParams struct {
	Temperature *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   int      `json:"max_tokens,omitempty" validate:"gte=0"`
	TopP        *float64 `json:"top_p,omitempty" validate:"omitempty,gt=0,lte=1"`
}

// ChatRequest is a caller's request. Middleware treats it as immutable and
// derives new requests with Clone.
type ChatRequest struct {
	ID       string           `json:"id,omitempty"`
	Model    string           `json:"model" validate:"required"`
	Messages []Message        `json:"messages" validate:"required,min=1,dive"`
	Params   GenerationParams `json:"params"`
	Tools    []ToolDefinition `json:"tools,omitempty" validate:"dive"`
	Stream   bool             `json:"stream,omitempty"`

	// UseContext opts the request into retrieval augmentation.
	UseContext bool `json:"use_context,omitempty"`
	// DocumentScope restricts retrieval to the listed source ids.
	DocumentScope []string `json:"document_scope,omitempty"`

	UserID         string `json:"user_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Clone returns a deep copy of the request.
func (r *ChatRequest) Clone() *ChatRequest {
	out := *r
	out.Messages = make([]Message, len(r.Messages))
	for i, m := range r.Messages {
		out.Messages[i] = m.clone()
	}
	out.Tools = slices.Clone(r.Tools)
	out.DocumentScope = slices.Clone(r.DocumentScope)
	return &out
}

// WithMessages returns a copy of the request whose history is msgs.
func (r *ChatRequest) WithMessages(msgs []Message) *ChatRequest {
	out := r.Clone()
	out.Messages = msgs
	return out
}

// LastUserMessage returns the most recent user message content.
func (r *ChatRequest) LastUserMessage() (string, bool) {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content, true
		}
	}
	return "", false
}

func (m Message) clone() Message {
	out := m
	out.ToolCalls = slices.Clone(m.ToolCalls)
	out.Sources = slices.Clone(m.Sources)
	return out
}

// Usage holds token counters reported (or estimated) for one provider call.
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	Estimated        bool `json:"estimated,omitempty"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.PromptTokens += u2.PromptTokens
	u.CompletionTokens += u2.CompletionTokens
	u.TotalTokens += u2.TotalTokens
	u.Estimated = u.Estimated || u2.Estimated
}

// Normalize fills TotalTokens when a provider omits it.
func (u Usage) Normalize() Usage {
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

// Finish reasons normalized across providers.
const (
	FinishReasonStop      = "stop"
	FinishReasonLength    = "length"
	FinishReasonToolCalls = "tool_calls"
	FinishReasonCancelled = "cancelled"
)

// Response is a completed provider or orchestrator outcome.
type Response struct {
	ID           string  `json:"id"`
	Model        string  `json:"model"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
	Usage        Usage   `json:"usage"`

	// Sources lists the distinct source ids used as context, in rank order.
	Sources []string `json:"sources,omitempty"`

	// Warnings carry recovered conditions such as ToolLoopTruncated.
	Warnings []*Error `json:"warnings,omitempty"`

	// Messages is the full history that produced Message, including
	// context, tool-call and tool-result turns. Set by the orchestrator.
	Messages []Message `json:"messages,omitempty"`
}

// ToolCalls returns the directives carried by the response message.
func (r *Response) ToolCalls() []ToolCall {
	return r.Message.ToolCalls
}

// Text returns the assistant text of the response.
func (r *Response) Text() string {
	return r.Message.Content
}

// RawArguments converts a vendor's argument string into a JSON value. An
// empty string becomes an empty object; text that is not valid JSON is kept
// as a JSON string so the message stays serializable and the tool can
// report the malformed input.
func RawArguments(s string) json.RawMessage {
	if s == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	quoted, _ := json.Marshal(s)
	return json.RawMessage(quoted)
}
