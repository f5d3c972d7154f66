package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/tjfontaine/polyglot-orchestrator/internal/config"
	"github.com/tjfontaine/polyglot-orchestrator/internal/domain"
	"github.com/tjfontaine/polyglot-orchestrator/internal/provider"
	"github.com/tjfontaine/polyglot-orchestrator/internal/provider/registry"
	"github.com/tjfontaine/polyglot-orchestrator/internal/testutil"
)

const testBaseURL = "https://vcr.test/v1"

var completionsURL = testBaseURL + "/chat/completions"

func newTestProvider(t *testing.T, exchanges ...testutil.Exchange) *Provider {
	t.Helper()
	r := testutil.NewVCRRecorder(t, exchanges...)
	catalog := provider.NewCatalog("openai", []config.ModelConfig{
		{ID: "gpt-4o", UpstreamModel: "gpt-4o-2024-08-06", ContextWindow: 128000, SupportsTools: true},
		{ID: "gpt-3.5", ContextWindow: 16000},
	})
	return New("openai", "test-key", catalog,
		WithBaseURL(testBaseURL),
		WithHTTPClient(testutil.VCRHTTPClient(r)),
	)
}

func collect(t *testing.T, s *domain.Stream) []domain.Chunk {
	t.Helper()
	var chunks []domain.Chunk
	for {
		c, ok := s.Next(context.Background())
		if !ok {
			return chunks
		}
		chunks = append(chunks, c)
	}
}

func TestProvider_Complete(t *testing.T) {
	p := newTestProvider(t, testutil.JSON(http.MethodPost, completionsURL, `{
		"id": "chatcmpl-1",
		"object": "chat.completion",
		"model": "gpt-4o-2024-08-06",
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "Hello there"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 9, "completion_tokens": 3, "total_tokens": 12}
	}`))

	resp, err := p.Complete(context.Background(), &domain.ChatRequest{
		Model:    "gpt-4o",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if resp.Text() != "Hello there" {
		t.Errorf("Text() = %q", resp.Text())
	}
	if resp.Model != "gpt-4o" {
		t.Errorf("Model = %q, want canonical id", resp.Model)
	}
	if resp.FinishReason != domain.FinishReasonStop {
		t.Errorf("FinishReason = %q", resp.FinishReason)
	}
	if resp.Usage.PromptTokens != 9 || resp.Usage.CompletionTokens != 3 || resp.Usage.TotalTokens != 12 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
}

func TestProvider_CompleteToolCalls(t *testing.T) {
	p := newTestProvider(t, testutil.JSON(http.MethodPost, completionsURL, `{
		"id": "chatcmpl-2",
		"choices": [{"index": 0, "finish_reason": "tool_calls", "message": {
			"role": "assistant",
			"content": "",
			"tool_calls": [
				{"id": "call_a", "type": "function", "function": {"name": "calc", "arguments": "{\"expression\":\"2+2\"}"}},
				{"id": "call_b", "type": "function", "function": {"name": "clock", "arguments": ""}}
			]
		}}],
		"usage": {"prompt_tokens": 20, "completion_tokens": 10, "total_tokens": 30}
	}`))

	resp, err := p.Complete(context.Background(), &domain.ChatRequest{
		Model:    "gpt-4o",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "what is 2+2 and what time is it"}},
		Tools:    []domain.ToolDefinition{{Name: "calc", Parameters: map[string]any{"type": "object"}}, {Name: "clock", Parameters: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	calls := resp.ToolCalls()
	if len(calls) != 2 {
		t.Fatalf("got %d tool calls, want 2", len(calls))
	}
	if calls[0].ID != "call_a" || calls[0].Name != "calc" {
		t.Errorf("calls[0] = %+v", calls[0])
	}
	var args map[string]string
	if err := json.Unmarshal(calls[0].Arguments, &args); err != nil || args["expression"] != "2+2" {
		t.Errorf("calls[0].Arguments = %s (%v)", calls[0].Arguments, err)
	}
	if string(calls[1].Arguments) != "{}" {
		t.Errorf("empty arguments should become {}, got %s", calls[1].Arguments)
	}
	if resp.FinishReason != domain.FinishReasonToolCalls {
		t.Errorf("FinishReason = %q", resp.FinishReason)
	}
}

func TestProvider_CompleteRateLimited(t *testing.T) {
	p := newTestProvider(t, testutil.Exchange{
		Method:      http.MethodPost,
		URL:         completionsURL,
		Status:      http.StatusTooManyRequests,
		ContentType: "application/json",
		Body:        `{"error": {"message": "Rate limit reached", "type": "requests", "code": "rate_limit_exceeded"}}`,
	})

	_, err := p.Complete(context.Background(), &domain.ChatRequest{
		Model:    "gpt-4o",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hello"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !domain.IsTransient(err) {
		t.Errorf("429 should be transient, got %v", err)
	}
	e, _ := domain.AsError(err)
	if e.Code != domain.ErrorCodeRateLimitExceeded || e.Provider != "openai" {
		t.Errorf("error = %+v", e)
	}
}

func TestProvider_CompleteUnauthorizedIsFatal(t *testing.T) {
	p := newTestProvider(t, testutil.Exchange{
		Method:      http.MethodPost,
		URL:         completionsURL,
		Status:      http.StatusUnauthorized,
		ContentType: "application/json",
		Body:        `{"error": {"message": "Incorrect API key provided", "type": "invalid_request_error", "code": "invalid_api_key"}}`,
	})

	_, err := p.Complete(context.Background(), &domain.ChatRequest{
		Model:    "gpt-4o",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hello"}},
	})
	if !domain.IsType(err, domain.ErrorTypeProviderFatal) {
		t.Fatalf("expected fatal provider error, got %v", err)
	}
}

func TestProvider_CapabilityChecks(t *testing.T) {
	p := newTestProvider(t)

	_, err := p.Complete(context.Background(), &domain.ChatRequest{
		Model:    "gpt-3.5",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hello"}},
		Tools:    []domain.ToolDefinition{{Name: "calc"}},
	})
	if !domain.IsType(err, domain.ErrorTypeCapability) {
		t.Errorf("tools on a non-tool model: got %v", err)
	}

	_, err = p.Complete(context.Background(), &domain.ChatRequest{
		Model:    "unknown",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hello"}},
	})
	if !domain.IsType(err, domain.ErrorTypeUnknownModel) {
		t.Errorf("unknown model: got %v", err)
	}
}

func TestProvider_Stream(t *testing.T) {
	p := newTestProvider(t, testutil.SSE(http.MethodPost, completionsURL,
		`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":""}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"id":"c1","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
		`[DONE]`,
	))

	s, err := p.Stream(context.Background(), &domain.ChatRequest{
		Model:    "gpt-4o",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer s.Close()

	chunks := collect(t, s)
	var text string
	for _, c := range chunks {
		if c.Type == domain.ChunkTypeDelta {
			text += c.Delta
		}
	}
	if text != "Hello" {
		t.Errorf("text = %q", text)
	}

	last := chunks[len(chunks)-1]
	if last.Type != domain.ChunkTypeTerminal {
		t.Fatalf("last chunk = %+v, want terminal", last)
	}
	if last.Usage == nil || last.Usage.TotalTokens != 7 {
		t.Errorf("terminal usage = %+v", last.Usage)
	}
	if last.FinishReason != domain.FinishReasonStop {
		t.Errorf("FinishReason = %q", last.FinishReason)
	}
}

func TestProvider_StreamToolCallFragments(t *testing.T) {
	p := newTestProvider(t, testutil.SSE(http.MethodPost, completionsURL,
		`{"id":"c2","choices":[{"index":0,"delta":{"role":"assistant","tool_calls":[{"index":0,"id":"call_x","type":"function","function":{"name":"calc","arguments":""}}]}}]}`,
		`{"id":"c2","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"expression\":"}}]}}]}`,
		`{"id":"c2","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"1+1\"}"}}]}}]}`,
		`{"id":"c2","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		`[DONE]`,
	))

	s, err := p.Stream(context.Background(), &domain.ChatRequest{
		Model:    "gpt-4o",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "1+1?"}},
		Tools:    []domain.ToolDefinition{{Name: "calc", Parameters: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer s.Close()

	var (
		args string
		done []*domain.ToolCallDelta
		last domain.Chunk
	)
	for _, c := range collect(t, s) {
		switch c.Type {
		case domain.ChunkTypeToolCall:
			if c.ToolCall.Index != 0 {
				t.Errorf("fragment index = %d", c.ToolCall.Index)
			}
			args += c.ToolCall.ArgumentsDelta
		case domain.ChunkTypeToolCallDone:
			done = append(done, c.ToolCall)
		}
		last = c
	}

	if args != `{"expression":"1+1"}` {
		t.Errorf("arguments = %q", args)
	}
	if len(done) != 1 || done[0].ID != "call_x" || done[0].Name != "calc" {
		t.Errorf("done markers = %+v", done)
	}
	if last.Type != domain.ChunkTypeTerminal || last.FinishReason != domain.FinishReasonToolCalls {
		t.Errorf("last chunk = %+v", last)
	}
}

func TestProvider_StreamUnavailable(t *testing.T) {
	p := newTestProvider(t, testutil.Exchange{
		Method:      http.MethodPost,
		URL:         completionsURL,
		Status:      http.StatusServiceUnavailable,
		ContentType: "application/json",
		Body:        `{"error": {"message": "The server is overloaded", "type": "server_error"}}`,
	})

	_, err := p.Stream(context.Background(), &domain.ChatRequest{
		Model:    "gpt-4o",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hello"}},
	})
	if !domain.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestCreateFromConfig(t *testing.T) {
	p, err := CreateFromConfig(config.ProviderConfig{
		Name:    "local",
		Type:    ProviderTypeCompatible,
		BaseURL: "http://localhost:11434/v1",
		Models:  []config.ModelConfig{{ID: "llama3", ContextWindow: 8192}},
	}, registry.CreateOptions{})
	if err != nil {
		t.Fatalf("CreateFromConfig() error = %v", err)
	}
	if p.Name() != "local" {
		t.Errorf("Name() = %q", p.Name())
	}
	caps, ok := p.Capabilities("llama3")
	if !ok || caps.Provider != "local" || caps.ContextWindow != 8192 {
		t.Errorf("Capabilities = %+v, %v", caps, ok)
	}

	if err := ValidateConfig(config.ProviderConfig{Name: "openai"}); err == nil {
		t.Error("openai without api key should fail validation")
	}
	if err := ValidateCompatibleConfig(config.ProviderConfig{Name: "local"}); err == nil {
		t.Error("openai-compatible without base_url should fail validation")
	}
}

func TestProvider_StreamDroppedConnection(t *testing.T) {
	p := newTestProvider(t, testutil.SSE(http.MethodPost, completionsURL,
		`{"id":"c3","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"Once upon"}}]}`,
		`{"id":"c3","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":" a time"}}]}`,
	))

	s, err := p.Stream(context.Background(), &domain.ChatRequest{
		Model:    "gpt-4o",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Tell me a story"}},
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer s.Close()

	chunks := collect(t, s)
	last := chunks[len(chunks)-1]
	if last.Type != domain.ChunkTypeError {
		t.Fatalf("last chunk = %+v, want error", last)
	}
	e, ok := domain.AsError(last.Err)
	if !ok || e.Code != domain.ErrorCodeStreamInterrupted {
		t.Errorf("err = %v, want stream_interrupted", last.Err)
	}
	if e != nil && e.Provider != "openai" {
		t.Errorf("Provider = %q", e.Provider)
	}
}
