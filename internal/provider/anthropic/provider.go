// Package anthropic adapts the Anthropic Messages API to the canonical
// domain types.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

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

// Provider implements domain.Provider using the official Anthropic SDK.
type Provider struct {
	*provider.Catalog

	name       string
	client     anthropic.Client
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a provider instance named name serving the models in catalog.
func New(name, apiKey string, catalog *provider.Catalog, opts ...ProviderOption) *Provider {
	p := &Provider{
		Catalog: catalog,
		name:    name,
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(p)
	}

	// Retries belong to the orchestrator.
	clientOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if p.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(p.baseURL))
	}
	if p.httpClient != nil {
		clientOpts = append(clientOpts, option.WithHTTPClient(p.httpClient))
	}

	p.client = anthropic.NewClient(clientOpts...)
	return p
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) Complete(ctx context.Context, req *domain.ChatRequest) (*domain.Response, error) {
	if _, err := p.Check(req, false); err != nil {
		return nil, err
	}

	msg, err := p.client.Messages.New(ctx, p.toParams(req))
	if err != nil {
		return nil, p.translateError(err)
	}

	return toResponse(req, msg), nil
}

func (p *Provider) Stream(ctx context.Context, req *domain.ChatRequest) (*domain.Stream, error) {
	if _, err := p.Check(req, true); err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream := p.client.Messages.NewStreaming(streamCtx, p.toParams(req))

	// The SDK defers the HTTP exchange to the first Next call; pull it
	// here so connection and status failures are reported synchronously.
	if !stream.Next() {
		err := stream.Err()
		stream.Close()
		cancel()
		if err == nil {
			err = domain.ErrStreamInterrupted("stream ended before any event").WithProvider(p.name)
		}
		return nil, p.translateError(err)
	}

	out := make(chan domain.Chunk)
	go p.pump(streamCtx, stream, out)

	return domain.NewStream(out, cancel), nil
}

type eventStream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
	Close() error
}

// pump forwards events starting with the one already read by Stream.
func (p *Provider) pump(ctx context.Context, stream eventStream, out chan<- domain.Chunk) {
	defer close(out)
	defer stream.Close()

	var (
		usage        domain.Usage
		finishReason = domain.FinishReasonStop
		toolBlocks   = make(map[int64]*domain.ToolCallDelta)
		stopped      bool
	)

	for {
		switch ev := stream.Current().AsAny().(type) {
		case anthropic.MessageStartEvent:
			usage.PromptTokens = int(ev.Message.Usage.InputTokens)

		case anthropic.ContentBlockStartEvent:
			if ev.ContentBlock.Type == "tool_use" {
				tc := &domain.ToolCallDelta{Index: int(ev.Index), ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name}
				toolBlocks[ev.Index] = tc
				if !domain.Emit(ctx, out, domain.Chunk{Type: domain.ChunkTypeToolCall, ToolCall: &domain.ToolCallDelta{
					Index: tc.Index, ID: tc.ID, Name: tc.Name,
				}}) {
					return
				}
			}

		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text != "" && !domain.Emit(ctx, out, domain.DeltaChunk(delta.Text)) {
					return
				}
			case anthropic.InputJSONDelta:
				if delta.PartialJSON == "" {
					break
				}
				if !domain.Emit(ctx, out, domain.Chunk{Type: domain.ChunkTypeToolCall, ToolCall: &domain.ToolCallDelta{
					Index: int(ev.Index), ArgumentsDelta: delta.PartialJSON,
				}}) {
					return
				}
			}

		case anthropic.ContentBlockStopEvent:
			if tc, ok := toolBlocks[ev.Index]; ok {
				delete(toolBlocks, ev.Index)
				if !domain.Emit(ctx, out, domain.Chunk{Type: domain.ChunkTypeToolCallDone, ToolCall: tc}) {
					return
				}
			}

		case anthropic.MessageDeltaEvent:
			if ev.Usage.OutputTokens > 0 {
				usage.CompletionTokens = int(ev.Usage.OutputTokens)
			}
			if ev.Usage.InputTokens > 0 {
				usage.PromptTokens = int(ev.Usage.InputTokens)
			}
			if ev.Delta.StopReason != "" {
				finishReason = normalizeStopReason(ev.Delta.StopReason)
			}

		case anthropic.MessageStopEvent:
			stopped = true
		}

		if !stream.Next() {
			break
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Debug("anthropic stream failed", "provider", p.name, "error", err)
		domain.Emit(ctx, out, domain.ErrorChunk(p.translateError(err)))
		return
	}
	if !stopped {
		domain.Emit(ctx, out, domain.ErrorChunk(
			domain.ErrStreamInterrupted("stream ended before message_stop").WithProvider(p.name)))
		return
	}

	domain.Emit(ctx, out, domain.TerminalChunk(usage, finishReason))
}

func (p *Provider) toParams(req *domain.ChatRequest) anthropic.MessageNewParams {
	messages, system := toAPIMessages(req.Messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.Upstream(req.Model)),
		MaxTokens: int64(p.MaxTokens(req)),
		Messages:  messages,
	}

	for _, s := range system {
		params.System = append(params.System, anthropic.TextBlockParam{Text: s})
	}
	if req.Params.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Params.Temperature)
	}
	if req.Params.TopP != nil {
		params.TopP = anthropic.Float(*req.Params.TopP)
	}
	if len(req.Tools) > 0 {
		params.Tools = toAPITools(req.Tools)
	}

	return params
}

// toAPIMessages lifts system turns into the system prompt and groups
// consecutive tool results into a single user turn.
func toAPIMessages(msgs []domain.Message) ([]anthropic.MessageParam, []string) {
	var (
		out    []anthropic.MessageParam
		system []string
	)

	for _, m := range msgs {
		switch m.Role {
		case domain.RoleSystem:
			system = append(system, m.Content)

		case domain.RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))

		case domain.RoleAssistant:
			param := anthropic.MessageParam{Role: anthropic.MessageParamRoleAssistant}
			if m.Content != "" {
				param.Content = append(param.Content, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any = map[string]any{}
				if len(tc.Arguments) > 0 {
					_ = json.Unmarshal(tc.Arguments, &input)
				}
				param.Content = append(param.Content, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    tc.ID,
						Name:  tc.Name,
						Input: input,
					},
				})
			}
			if len(param.Content) == 0 {
				param.Content = append(param.Content, anthropic.NewTextBlock(""))
			}
			out = append(out, param)

		case domain.RoleTool:
			block := anthropic.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError)
			if n := len(out); n > 0 && out[n-1].Role == anthropic.MessageParamRoleUser && isToolResultTurn(out[n-1]) {
				out[n-1].Content = append(out[n-1].Content, block)
				continue
			}
			out = append(out, anthropic.NewUserMessage(block))
		}
	}

	return out, system
}

func isToolResultTurn(m anthropic.MessageParam) bool {
	for _, b := range m.Content {
		if b.OfToolResult == nil {
			return false
		}
	}
	return len(m.Content) > 0
}

func toAPITools(tools []domain.ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, len(tools))
	for i, t := range tools {
		schema := anthropic.ToolInputSchemaParam{
			Properties: t.Parameters["properties"],
			Required:   requiredFields(t.Parameters["required"]),
		}
		tool := anthropic.ToolParam{
			Name:        t.Name,
			InputSchema: schema,
		}
		if t.Description != "" {
			tool.Description = anthropic.String(t.Description)
		}
		out[i] = anthropic.ToolUnionParam{OfTool: &tool}
	}
	return out
}

// requiredFields accepts both []string and the []any produced by decoding JSON.
func requiredFields(v any) []string {
	switch r := v.(type) {
	case []string:
		return r
	case []any:
		out := make([]string, 0, len(r))
		for _, f := range r {
			if s, ok := f.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func toResponse(req *domain.ChatRequest, msg *anthropic.Message) *domain.Response {
	out := &domain.Response{
		ID:           msg.ID,
		Model:        req.Model,
		Message:      domain.Message{Role: domain.RoleAssistant},
		FinishReason: normalizeStopReason(msg.StopReason),
		Usage: domain.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		}.Normalize(),
	}

	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Message.Content += b.Text
		case anthropic.ToolUseBlock:
			out.Message.ToolCalls = append(out.Message.ToolCalls, domain.ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: domain.RawArguments(string(b.Input)),
			})
		}
	}

	return out
}

func normalizeStopReason(r anthropic.StopReason) string {
	switch r {
	case anthropic.StopReasonMaxTokens:
		return domain.FinishReasonLength
	case anthropic.StopReasonToolUse:
		return domain.FinishReasonToolCalls
	default:
		return domain.FinishReasonStop
	}
}

// translateError maps SDK errors onto the canonical taxonomy.
func (p *Provider) translateError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return codec.FromStatus(p.name, apiErr.StatusCode, apiErr.Error()).WithCause(err)
	}
	return codec.FromError(p.name, err)
}

var _ domain.Provider = (*Provider)(nil)
