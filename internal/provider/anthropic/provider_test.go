package anthropic

import (
	"context"
	"net/http"
	"testing"

	"github.com/tjfontaine/polyglot-orchestrator/internal/config"
	"github.com/tjfontaine/polyglot-orchestrator/internal/domain"
	"github.com/tjfontaine/polyglot-orchestrator/internal/provider"
	"github.com/tjfontaine/polyglot-orchestrator/internal/testutil"
)

const messagesURL = "https://vcr.test/v1/messages"

func newTestProvider(t *testing.T, exchanges ...testutil.Exchange) *Provider {
	t.Helper()
	r := testutil.NewVCRRecorder(t, exchanges...)
	catalog := provider.NewCatalog("anthropic", []config.ModelConfig{
		{ID: "claude-sonnet", UpstreamModel: "claude-sonnet-4-5", ContextWindow: 200000, MaxOutputTokens: 8192, SupportsTools: true},
	})
	return New("anthropic", "test-key", catalog,
		WithBaseURL("https://vcr.test/"),
		WithHTTPClient(testutil.VCRHTTPClient(r)),
	)
}

func event(name, data string) string {
	return "event: " + name + "\ndata: " + data
}

func TestProvider_Complete(t *testing.T) {
	p := newTestProvider(t, testutil.JSON(http.MethodPost, messagesURL, `{
		"id": "msg_1",
		"type": "message",
		"role": "assistant",
		"model": "claude-sonnet-4-5",
		"content": [{"type": "text", "text": "Hi! "}, {"type": "text", "text": "How can I help?"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 12, "output_tokens": 6}
	}`))

	resp, err := p.Complete(context.Background(), &domain.ChatRequest{
		Model: "claude-sonnet",
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "Be brief."},
			{Role: domain.RoleUser, Content: "Hello"},
		},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if resp.Text() != "Hi! How can I help?" {
		t.Errorf("Text() = %q", resp.Text())
	}
	if resp.Usage.PromptTokens != 12 || resp.Usage.CompletionTokens != 6 || resp.Usage.TotalTokens != 18 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
	if resp.FinishReason != domain.FinishReasonStop {
		t.Errorf("FinishReason = %q", resp.FinishReason)
	}
}

func TestProvider_CompleteToolUse(t *testing.T) {
	p := newTestProvider(t, testutil.JSON(http.MethodPost, messagesURL, `{
		"id": "msg_2",
		"type": "message",
		"role": "assistant",
		"model": "claude-sonnet-4-5",
		"content": [
			{"type": "text", "text": "Let me calculate."},
			{"type": "tool_use", "id": "toolu_1", "name": "calc", "input": {"expression": "6*7"}}
		],
		"stop_reason": "tool_use",
		"usage": {"input_tokens": 30, "output_tokens": 15}
	}`))

	resp, err := p.Complete(context.Background(), &domain.ChatRequest{
		Model:    "claude-sonnet",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "6*7?"}},
		Tools: []domain.ToolDefinition{{
			Name: "calc",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"expression": map[string]any{"type": "string"}},
				"required":   []any{"expression"},
			},
		}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	calls := resp.ToolCalls()
	if len(calls) != 1 || calls[0].ID != "toolu_1" || calls[0].Name != "calc" {
		t.Fatalf("ToolCalls() = %+v", calls)
	}
	if string(calls[0].Arguments) != `{"expression": "6*7"}` && string(calls[0].Arguments) != `{"expression":"6*7"}` {
		t.Errorf("Arguments = %s", calls[0].Arguments)
	}
	if resp.FinishReason != domain.FinishReasonToolCalls {
		t.Errorf("FinishReason = %q", resp.FinishReason)
	}
}

func TestProvider_CompleteOverloaded(t *testing.T) {
	p := newTestProvider(t, testutil.Exchange{
		Method:      http.MethodPost,
		URL:         messagesURL,
		Status:      529,
		ContentType: "application/json",
		Body:        `{"type": "error", "error": {"type": "overloaded_error", "message": "Overloaded"}}`,
	})

	_, err := p.Complete(context.Background(), &domain.ChatRequest{
		Model:    "claude-sonnet",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hello"}},
	})
	if !domain.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	e, _ := domain.AsError(err)
	if e.Code != domain.ErrorCodeOverloaded {
		t.Errorf("Code = %q", e.Code)
	}
}

func TestProvider_MaxTokensCapability(t *testing.T) {
	p := newTestProvider(t)

	_, err := p.Complete(context.Background(), &domain.ChatRequest{
		Model:    "claude-sonnet",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hello"}},
		Params:   domain.GenerationParams{MaxTokens: 100000},
	})
	if !domain.IsType(err, domain.ErrorTypeCapability) {
		t.Fatalf("expected capability error, got %v", err)
	}
}

func TestProvider_StreamToolUse(t *testing.T) {
	p := newTestProvider(t, testutil.SSE(http.MethodPost, messagesURL,
		event("message_start", `{"type":"message_start","message":{"id":"msg_3","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[],"stop_reason":null,"usage":{"input_tokens":25,"output_tokens":1}}}`),
		event("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Checking"}}`),
		event("content_block_stop", `{"type":"content_block_stop","index":0}`),
		event("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_9","name":"calc","input":{}}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"expression\":"}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"2+3\"}"}}`),
		event("content_block_stop", `{"type":"content_block_stop","index":1}`),
		event("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":18}}`),
		event("message_stop", `{"type":"message_stop"}`),
	))

	s, err := p.Stream(context.Background(), &domain.ChatRequest{
		Model:    "claude-sonnet",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "2+3"}},
		Tools:    []domain.ToolDefinition{{Name: "calc", Parameters: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer s.Close()

	var (
		text  string
		args  string
		done  []*domain.ToolCallDelta
		final domain.Chunk
	)
	for {
		c, ok := s.Next(context.Background())
		if !ok {
			break
		}
		switch c.Type {
		case domain.ChunkTypeDelta:
			text += c.Delta
		case domain.ChunkTypeToolCall:
			args += c.ToolCall.ArgumentsDelta
		case domain.ChunkTypeToolCallDone:
			done = append(done, c.ToolCall)
		}
		final = c
	}

	if text != "Checking" {
		t.Errorf("text = %q", text)
	}
	if args != `{"expression":"2+3"}` {
		t.Errorf("arguments = %q", args)
	}
	if len(done) != 1 || done[0].ID != "toolu_9" || done[0].Index != 1 {
		t.Errorf("done = %+v", done)
	}
	if final.Type != domain.ChunkTypeTerminal {
		t.Fatalf("final chunk = %+v", final)
	}
	if final.FinishReason != domain.FinishReasonToolCalls {
		t.Errorf("FinishReason = %q", final.FinishReason)
	}
	if final.Usage.PromptTokens != 25 || final.Usage.CompletionTokens != 18 {
		t.Errorf("Usage = %+v", final.Usage)
	}
}

func TestToAPIMessages(t *testing.T) {
	msgs, system := toAPIMessages([]domain.Message{
		{Role: domain.RoleSystem, Content: "sys"},
		{Role: domain.RoleSystem, Content: "context"},
		{Role: domain.RoleUser, Content: "q"},
		{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{
			{ID: "a", Name: "calc", Arguments: []byte(`{"expression":"1"}`)},
			{ID: "b", Name: "calc", Arguments: []byte(`{"expression":"2"}`)},
		}},
		{Role: domain.RoleTool, ToolCallID: "a", Content: "1"},
		{Role: domain.RoleTool, ToolCallID: "b", Content: "boom", IsError: true},
	})

	if len(system) != 2 {
		t.Errorf("system = %v", system)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3 (user, assistant, grouped tool results)", len(msgs))
	}
	if len(msgs[1].Content) != 2 {
		t.Errorf("assistant blocks = %d", len(msgs[1].Content))
	}
	if len(msgs[2].Content) != 2 || msgs[2].Content[1].OfToolResult == nil {
		t.Errorf("tool results were not grouped: %+v", msgs[2])
	}
}

func TestRequiredFields(t *testing.T) {
	if got := requiredFields([]any{"a", 1, "b"}); len(got) != 2 || got[1] != "b" {
		t.Errorf("requiredFields([]any) = %v", got)
	}
	if got := requiredFields([]string{"x"}); len(got) != 1 {
		t.Errorf("requiredFields([]string) = %v", got)
	}
	if got := requiredFields(nil); got != nil {
		t.Errorf("requiredFields(nil) = %v", got)
	}
}

func TestProvider_StreamDroppedConnection(t *testing.T) {
	p := newTestProvider(t, testutil.SSE(http.MethodPost, messagesURL,
		event("message_start", `{"type":"message_start","message":{"id":"msg_4","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[],"stop_reason":null,"usage":{"input_tokens":9,"output_tokens":1}}}`),
		event("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Once upon"}}`),
	))

	s, err := p.Stream(context.Background(), &domain.ChatRequest{
		Model:    "claude-sonnet",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Tell me a story"}},
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer s.Close()

	var last domain.Chunk
	for {
		c, ok := s.Next(context.Background())
		if !ok {
			break
		}
		last = c
	}

	if last.Type != domain.ChunkTypeError {
		t.Fatalf("last chunk = %+v, want error", last)
	}
	e, ok := domain.AsError(last.Err)
	if !ok || e.Code != domain.ErrorCodeStreamInterrupted {
		t.Errorf("err = %v, want stream_interrupted", last.Err)
	}
}
