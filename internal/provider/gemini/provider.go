// Package gemini adapts the Google Gemini API to the canonical domain types.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"google.golang.org/genai"

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

// Provider implements domain.Provider using the genai SDK.
type Provider struct {
	*provider.Catalog

	name       string
	client     *genai.Client
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a provider instance named name serving the models in catalog.
func New(ctx context.Context, name, apiKey string, catalog *provider.Catalog, opts ...ProviderOption) (*Provider, error) {
	p := &Provider{
		Catalog: catalog,
		name:    name,
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(p)
	}

	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: p.httpClient,
	}
	if p.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	p.client = client
	return p, nil
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) Complete(ctx context.Context, req *domain.ChatRequest) (*domain.Response, error) {
	if _, err := p.Check(req, false); err != nil {
		return nil, err
	}

	contents, cfg := p.toRequest(req)
	resp, err := p.client.Models.GenerateContent(ctx, p.Upstream(req.Model), contents, cfg)
	if err != nil {
		return nil, p.translateError(err)
	}

	return toResponse(req, resp), nil
}

func (p *Provider) Stream(ctx context.Context, req *domain.ChatRequest) (*domain.Stream, error) {
	if _, err := p.Check(req, true); err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	contents, cfg := p.toRequest(req)
	next, stop := iter.Pull2(p.client.Models.GenerateContentStream(streamCtx, p.Upstream(req.Model), contents, cfg))

	// Read the first response here so that status failures are reported
	// synchronously, where the orchestrator can still retry them.
	first, err, ok := next()
	if ok && err != nil {
		stop()
		cancel()
		return nil, p.translateError(err)
	}

	out := make(chan domain.Chunk)
	go p.pump(streamCtx, first, ok, next, stop, out)

	return domain.NewStream(out, cancel), nil
}

func (p *Provider) pump(
	ctx context.Context,
	resp *genai.GenerateContentResponse,
	ok bool,
	next func() (*genai.GenerateContentResponse, error, bool),
	stop func(),
	out chan<- domain.Chunk,
) {
	defer close(out)
	defer stop()

	var (
		usage        domain.Usage
		finishReason = domain.FinishReasonStop
		calls        int
		finished     bool
	)

	for ok {
		if resp.UsageMetadata != nil {
			usage = usageFrom(resp.UsageMetadata)
		}

		if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
			cand := resp.Candidates[0]
			for _, part := range cand.Content.Parts {
				if part.Thought {
					continue
				}
				if part.Text != "" && !domain.Emit(ctx, out, domain.DeltaChunk(part.Text)) {
					return
				}
				if part.FunctionCall != nil {
					// Gemini delivers each call whole: one fragment, then done.
					tc := toToolCall(part.FunctionCall)
					delta := &domain.ToolCallDelta{Index: calls, ID: tc.ID, Name: tc.Name, ArgumentsDelta: string(tc.Arguments)}
					calls++
					if !domain.Emit(ctx, out, domain.Chunk{Type: domain.ChunkTypeToolCall, ToolCall: delta}) {
						return
					}
					if !domain.Emit(ctx, out, domain.Chunk{Type: domain.ChunkTypeToolCallDone, ToolCall: &domain.ToolCallDelta{
						Index: delta.Index, ID: delta.ID, Name: delta.Name,
					}}) {
						return
					}
				}
			}
		}
		if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason != "" {
			finished = true
			if resp.Candidates[0].FinishReason == genai.FinishReasonMaxTokens {
				finishReason = domain.FinishReasonLength
			}
		}

		var err error
		resp, err, ok = next()
		if ok && err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Debug("gemini stream failed", "provider", p.name, "error", err)
			domain.Emit(ctx, out, domain.ErrorChunk(p.translateError(err)))
			return
		}
	}

	if !finished {
		domain.Emit(ctx, out, domain.ErrorChunk(
			domain.ErrStreamInterrupted("stream ended before a finish reason").WithProvider(p.name)))
		return
	}
	if calls > 0 {
		finishReason = domain.FinishReasonToolCalls
	}
	domain.Emit(ctx, out, domain.TerminalChunk(usage, finishReason))
}

func (p *Provider) toRequest(req *domain.ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	contents, system := toContents(req.Messages)

	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(p.MaxTokens(req)),
	}
	if req.Params.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Params.Temperature))
	}
	if req.Params.TopP != nil {
		cfg.TopP = genai.Ptr(float32(*req.Params.TopP))
	}
	if len(system) > 0 {
		parts := make([]*genai.Part, len(system))
		for i, s := range system {
			parts[i] = &genai.Part{Text: s}
		}
		cfg.SystemInstruction = &genai.Content{Role: genai.RoleUser, Parts: parts}
	}
	if len(req.Tools) > 0 {
		cfg.Tools = toTools(req.Tools)
	}

	return contents, cfg
}

func toContents(msgs []domain.Message) ([]*genai.Content, []string) {
	var (
		contents []*genai.Content
		system   []string
	)

	for _, m := range msgs {
		switch m.Role {
		case domain.RoleSystem:
			system = append(system, m.Content)

		case domain.RoleUser:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))

		case domain.RoleAssistant:
			content := &genai.Content{Role: genai.RoleModel}
			if m.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				_ = json.Unmarshal(tc.Arguments, &args)
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args},
				})
			}
			if len(content.Parts) == 0 {
				content.Parts = append(content.Parts, &genai.Part{Text: ""})
			}
			contents = append(contents, content)

		case domain.RoleTool:
			name := m.Name
			if name == "" {
				name = m.ToolCallID
			}
			part := &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       m.ToolCallID,
				Name:     name,
				Response: toolResponse(m),
			}}
			// Parallel results go back in one user turn.
			if n := len(contents); n > 0 && isFunctionResponseTurn(contents[n-1]) {
				contents[n-1].Parts = append(contents[n-1].Parts, part)
				continue
			}
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{part}})
		}
	}

	return contents, system
}

func isFunctionResponseTurn(c *genai.Content) bool {
	if c.Role != genai.RoleUser || len(c.Parts) == 0 {
		return false
	}
	for _, p := range c.Parts {
		if p.FunctionResponse == nil {
			return false
		}
	}
	return true
}

// toolResponse wraps a tool result in the object shape Gemini expects:
// {"output": ...} on success and {"error": ...} on failure.
func toolResponse(m domain.Message) map[string]any {
	key := "output"
	if m.IsError {
		key = "error"
	}
	var v any
	if err := json.Unmarshal([]byte(m.Content), &v); err != nil {
		v = m.Content
	}
	return map[string]any{key: v}
}

func toTools(tools []domain.ToolDefinition) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decl := &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
		}
		if t.HasSchema() {
			decl.Parameters = toSchema(t.Parameters)
		}
		decls = append(decls, decl)
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// toSchema converts a JSON Schema object into genai's schema type. Arrays
// without items default to string items, which Gemini requires.
func toSchema(m map[string]any) *genai.Schema {
	s := &genai.Schema{Type: schemaType(m["type"])}

	if d, ok := m["description"].(string); ok {
		s.Description = d
	}
	if enum, ok := m["enum"].([]any); ok {
		for _, e := range enum {
			if str, ok := e.(string); ok {
				s.Enum = append(s.Enum, str)
			}
		}
	}

	switch s.Type {
	case genai.TypeObject:
		if props, ok := m["properties"].(map[string]any); ok {
			s.Properties = make(map[string]*genai.Schema, len(props))
			for name, prop := range props {
				if pm, ok := prop.(map[string]any); ok {
					s.Properties[name] = toSchema(pm)
				}
			}
		}
		switch req := m["required"].(type) {
		case []string:
			s.Required = req
		case []any:
			for _, r := range req {
				if str, ok := r.(string); ok {
					s.Required = append(s.Required, str)
				}
			}
		}
	case genai.TypeArray:
		if items, ok := m["items"].(map[string]any); ok {
			s.Items = toSchema(items)
		} else {
			s.Items = &genai.Schema{Type: genai.TypeString}
		}
	}

	return s
}

func schemaType(v any) genai.Type {
	t, _ := v.(string)
	switch t {
	case "string":
		return genai.TypeString
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object", "":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

// toToolCall converts a function call, minting an id when the API omits one.
func toToolCall(fc *genai.FunctionCall) domain.ToolCall {
	id := fc.ID
	if id == "" {
		id = "call_" + uuid.NewString()
	}
	args, err := json.Marshal(fc.Args)
	if err != nil || fc.Args == nil {
		args = []byte(`{}`)
	}
	return domain.ToolCall{ID: id, Name: fc.Name, Arguments: args}
}

func toResponse(req *domain.ChatRequest, resp *genai.GenerateContentResponse) *domain.Response {
	out := &domain.Response{
		ID:           resp.ResponseID,
		Model:        req.Model,
		Message:      domain.Message{Role: domain.RoleAssistant},
		FinishReason: domain.FinishReasonStop,
	}
	if resp.UsageMetadata != nil {
		out.Usage = usageFrom(resp.UsageMetadata)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out
	}

	cand := resp.Candidates[0]
	for _, part := range cand.Content.Parts {
		if part.Thought {
			continue
		}
		out.Message.Content += part.Text
		if part.FunctionCall != nil {
			out.Message.ToolCalls = append(out.Message.ToolCalls, toToolCall(part.FunctionCall))
		}
	}

	switch {
	case len(out.Message.ToolCalls) > 0:
		out.FinishReason = domain.FinishReasonToolCalls
	case cand.FinishReason == genai.FinishReasonMaxTokens:
		out.FinishReason = domain.FinishReasonLength
	}

	return out
}

func usageFrom(m *genai.GenerateContentResponseUsageMetadata) domain.Usage {
	return domain.Usage{
		PromptTokens:     int(m.PromptTokenCount),
		CompletionTokens: int(m.CandidatesTokenCount),
		TotalTokens:      int(m.TotalTokenCount),
	}.Normalize()
}

// translateError maps genai errors onto the canonical taxonomy.
func (p *Provider) translateError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return codec.FromStatus(p.name, apiErr.Code, apiErr.Message).WithCause(err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return codec.FromStatus(p.name, apiErrPtr.Code, apiErrPtr.Message).WithCause(err)
	}
	return codec.FromError(p.name, err)
}

var _ domain.Provider = (*Provider)(nil)
