// Package openai adapts the OpenAI Chat Completions API, and servers that
// speak the same protocol, to the canonical domain types.
package openai

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tjfontaine/polyglot-orchestrator/internal/codec"
	"github.com/tjfontaine/polyglot-orchestrator/internal/domain"
	"github.com/tjfontaine/polyglot-orchestrator/internal/provider"
)

// ProviderOption configures the provider.
type ProviderOption func(*Provider)

// WithBaseURL sets a custom base URL for the API.
func WithBaseURL(baseURL string) ProviderOption {
	return func(p *Provider) {
		p.baseURL = baseURL
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ProviderOption {
	return func(p *Provider) {
		p.httpClient = httpClient
	}
}

// WithLogger sets the adapter logger.
func WithLogger(logger *slog.Logger) ProviderOption {
	return func(p *Provider) {
		p.logger = logger
	}
}

// WithStreamUsage controls whether streamed requests ask the server to
// append a usage chunk. Some compatible servers reject stream_options.
func WithStreamUsage(enabled bool) ProviderOption {
	return func(p *Provider) {
		p.streamUsage = enabled
	}
}

// Provider implements domain.Provider on top of go-openai.
type Provider struct {
	*provider.Catalog

	name        string
	client      *openai.Client
	baseURL     string
	httpClient  *http.Client
	streamUsage bool
	logger      *slog.Logger
}

// New creates a provider instance named name serving the models in catalog.
func New(name, apiKey string, catalog *provider.Catalog, opts ...ProviderOption) *Provider {
	p := &Provider{
		Catalog:     catalog,
		name:        name,
		streamUsage: true,
		logger:      slog.Default(),
	}

	for _, opt := range opts {
		opt(p)
	}

	cfg := openai.DefaultConfig(apiKey)
	if p.baseURL != "" {
		cfg.BaseURL = p.baseURL
	}
	if p.httpClient != nil {
		cfg.HTTPClient = p.httpClient
	}
	p.client = openai.NewClientWithConfig(cfg)
	return p
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) Complete(ctx context.Context, req *domain.ChatRequest) (*domain.Response, error) {
	if _, err := p.Check(req, false); err != nil {
		return nil, err
	}

	resp, err := p.client.CreateChatCompletion(ctx, p.toAPIRequest(req, false))
	if err != nil {
		return nil, p.translateError(err)
	}

	return p.toResponse(req, resp), nil
}

func (p *Provider) Stream(ctx context.Context, req *domain.ChatRequest) (*domain.Stream, error) {
	if _, err := p.Check(req, true); err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := p.client.CreateChatCompletionStream(streamCtx, p.toAPIRequest(req, true))
	if err != nil {
		cancel()
		return nil, p.translateError(err)
	}

	out := make(chan domain.Chunk)
	go p.pump(streamCtx, stream, out)

	return domain.NewStream(out, cancel), nil
}

// pump forwards vendor stream events until EOF, an error or cancellation.
func (p *Provider) pump(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- domain.Chunk) {
	defer close(out)
	defer stream.Close()

	var (
		usage        domain.Usage
		finishReason string
		calls        toolCallTracker
	)

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			// The client reports [DONE] and a dropped connection alike;
			// only a finish_reason tells them apart.
			if finishReason == "" {
				domain.Emit(ctx, out, domain.ErrorChunk(
					domain.ErrStreamInterrupted("stream ended before a finish reason").WithProvider(p.name)))
				return
			}
			for _, done := range calls.finish() {
				if !domain.Emit(ctx, out, done) {
					return
				}
			}
			domain.Emit(ctx, out, domain.TerminalChunk(usage, finishReason))
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Debug("openai stream failed", "provider", p.name, "error", err)
			domain.Emit(ctx, out, domain.ErrorChunk(p.translateError(err)))
			return
		}

		if resp.Usage != nil {
			usage = domain.Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}

		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			if !domain.Emit(ctx, out, domain.DeltaChunk(choice.Delta.Content)) {
				return
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			if !domain.Emit(ctx, out, calls.fragment(tc)) {
				return
			}
		}

		if choice.FinishReason != "" {
			finishReason = normalizeFinishReason(choice.FinishReason)
			for _, done := range calls.finish() {
				if !domain.Emit(ctx, out, done) {
					return
				}
			}
		}
	}
}

// toolCallTracker remembers streamed tool calls by index so completion
// markers can be emitted once the vendor signals the end of the turn.
type toolCallTracker struct {
	order []int
	ids   map[int]string
	names map[int]string
}

func (t *toolCallTracker) fragment(tc openai.ToolCall) domain.Chunk {
	if t.ids == nil {
		t.ids = make(map[int]string)
		t.names = make(map[int]string)
	}

	index := len(t.order)
	if tc.Index != nil {
		index = *tc.Index
	}
	if _, seen := t.ids[index]; !seen {
		t.order = append(t.order, index)
		t.ids[index] = ""
	}
	if tc.ID != "" {
		t.ids[index] = tc.ID
	}
	if tc.Function.Name != "" {
		t.names[index] = tc.Function.Name
	}

	return domain.Chunk{
		Type: domain.ChunkTypeToolCall,
		ToolCall: &domain.ToolCallDelta{
			Index:          index,
			ID:             tc.ID,
			Name:           tc.Function.Name,
			ArgumentsDelta: tc.Function.Arguments,
		},
	}
}

// finish returns one done marker per open call and resets the tracker.
func (t *toolCallTracker) finish() []domain.Chunk {
	chunks := make([]domain.Chunk, 0, len(t.order))
	for _, index := range t.order {
		chunks = append(chunks, domain.Chunk{
			Type: domain.ChunkTypeToolCallDone,
			ToolCall: &domain.ToolCallDelta{
				Index: index,
				ID:    t.ids[index],
				Name:  t.names[index],
			},
		})
	}
	t.order = nil
	t.ids = nil
	t.names = nil
	return chunks
}

func (p *Provider) toAPIRequest(req *domain.ChatRequest, stream bool) openai.ChatCompletionRequest {
	apiReq := openai.ChatCompletionRequest{
		Model:     p.Upstream(req.Model),
		Messages:  toAPIMessages(req.Messages),
		MaxTokens: req.Params.MaxTokens,
		Stream:    stream,
	}

	if req.Params.Temperature != nil {
		apiReq.Temperature = float32(*req.Params.Temperature)
	}
	if req.Params.TopP != nil {
		apiReq.TopP = float32(*req.Params.TopP)
	}
	if stream && p.streamUsage {
		apiReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}

	if len(req.Tools) > 0 {
		apiReq.Tools = make([]openai.Tool, len(req.Tools))
		for i, t := range req.Tools {
			apiReq.Tools[i] = openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			}
		}
	}

	return apiReq
}

func toAPIMessages(msgs []domain.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(msgs))
	for i, m := range msgs {
		msg := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		// The name field on tool messages is rejected by some compatible servers.
		if m.Role != domain.RoleTool {
			msg.Name = m.Name
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out[i] = msg
	}
	return out
}

func (p *Provider) toResponse(req *domain.ChatRequest, resp openai.ChatCompletionResponse) *domain.Response {
	out := &domain.Response{
		ID:           resp.ID,
		Model:        req.Model,
		Message:      domain.Message{Role: domain.RoleAssistant},
		FinishReason: domain.FinishReasonStop,
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}.Normalize(),
	}

	if len(resp.Choices) == 0 {
		return out
	}

	choice := resp.Choices[0]
	out.Message.Content = choice.Message.Content
	if choice.FinishReason != "" {
		out.FinishReason = normalizeFinishReason(choice.FinishReason)
	}

	for _, tc := range choice.Message.ToolCalls {
		out.Message.ToolCalls = append(out.Message.ToolCalls, domain.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: domain.RawArguments(tc.Function.Arguments),
		})
	}
	// Legacy function_call responses carry no id.
	if fc := choice.Message.FunctionCall; fc != nil && len(out.Message.ToolCalls) == 0 {
		out.Message.ToolCalls = append(out.Message.ToolCalls, domain.ToolCall{
			ID:        resp.ID + "-call-0",
			Name:      fc.Name,
			Arguments: domain.RawArguments(fc.Arguments),
		})
	}
	if len(out.Message.ToolCalls) > 0 {
		out.FinishReason = domain.FinishReasonToolCalls
	}

	return out
}

func normalizeFinishReason(r openai.FinishReason) string {
	switch r {
	case openai.FinishReasonLength:
		return domain.FinishReasonLength
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return domain.FinishReasonToolCalls
	default:
		return domain.FinishReasonStop
	}
}

// translateError maps go-openai errors onto the canonical taxonomy.
func (p *Provider) translateError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return codec.FromStatus(p.name, apiErr.HTTPStatusCode, apiErr.Message).WithCause(err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := reqErr.Error()
		return codec.FromStatus(p.name, reqErr.HTTPStatusCode, msg).WithCause(err)
	}
	return codec.FromError(p.name, err)
}

var _ domain.Provider = (*Provider)(nil)
