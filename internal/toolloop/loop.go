// Package toolloop attaches tool schemas to requests and drives the
// call/execute/re-call cycle when a model asks for tools.
package toolloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/polyglot-orchestrator/internal/domain"
)

const (
	DefaultMaxIterations = 5
	DefaultToolTimeout   = 30 * time.Second
)

// CallFunc issues one provider call for req. The orchestrator supplies it so
// that every re-call is dispatched, streamed and accounted like the first.
type CallFunc func(ctx context.Context, req *domain.ChatRequest) (*domain.Response, error)

// Option configures a Loop.
type Option func(*Loop)

// WithMaxIterations caps the number of provider re-calls per request.
func WithMaxIterations(n int) Option {
	return func(l *Loop) {
		if n > 0 {
			l.maxIterations = n
		}
	}
}

// WithToolTimeout bounds each tool invocation independently of the request
// deadline.
func WithToolTimeout(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.toolTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		l.logger = logger
	}
}

// Loop is the tool middleware. It holds no per-request state.
type Loop struct {
	invoker       domain.ToolInvoker
	maxIterations int
	toolTimeout   time.Duration
	logger        *slog.Logger
	tracer        trace.Tracer
}

// New creates a Loop executing tools through invoker, which may be nil when
// no tool runtime is configured.
func New(invoker domain.ToolInvoker, opts ...Option) *Loop {
	l := &Loop{
		invoker:       invoker,
		maxIterations: DefaultMaxIterations,
		toolTimeout:   DefaultToolTimeout,
		logger:        slog.Default(),
		tracer:        otel.Tracer("github.com/tjfontaine/polyglot-orchestrator/internal/toolloop"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// MaxIterations returns the configured re-call cap.
func (l *Loop) MaxIterations() int {
	return l.maxIterations
}

// Prepare validates the request's tools against the model and fills missing
// schemas from the invoker's catalog.
func (l *Loop) Prepare(req *domain.ChatRequest, caps domain.ProviderCapabilities) (*domain.ChatRequest, error) {
	if len(req.Tools) == 0 {
		return req, nil
	}
	if !caps.SupportsTools {
		return nil, domain.ErrCapability(fmt.Sprintf("model %q does not support tool calling", caps.Model)).
			WithCode(domain.ErrorCodeToolsUnsupported).
			WithParam("tools")
	}
	if l.invoker == nil {
		return nil, domain.ErrValidation("request supplies tools but no tool runtime is configured").
			WithParam("tools")
	}

	catalog, _ := l.invoker.(domain.ToolCatalog)
	out := req.Clone()
	for i, t := range out.Tools {
		if t.HasSchema() {
			continue
		}
		var def domain.ToolDefinition
		ok := false
		if catalog != nil {
			def, ok = catalog.Definition(t.Name)
		}
		if !ok {
			return nil, domain.ErrValidation(fmt.Sprintf("tool %q has no schema and is not registered", t.Name)).
				WithCode(domain.ErrorCodeUnknownTool).
				WithParam("tools")
		}
		if t.Description != "" {
			def.Description = t.Description
		}
		out.Tools[i] = def
	}
	return out, nil
}

// Result is the outcome of RunLoop.
type Result struct {
	// Response is the last provider response.
	Response *domain.Response
	// Messages is the full history ending with Response's assistant message.
	Messages []domain.Message
	// Iterations counts provider re-calls issued by the loop.
	Iterations int
	// Usage sums the usage of the re-calls.
	Usage     domain.Usage
	Truncated bool
	Warnings  []*domain.Error
}

// RunLoop executes the tool calls of resp, appends their results to the
// history and re-issues the call until the model answers without tool calls
// or the iteration cap is reached. Tool failures become error tool-result
// messages. Errors from call and cancellation of ctx abort the loop; the
// partial Result is returned alongside the error.
func (l *Loop) RunLoop(ctx context.Context, resp *domain.Response, req *domain.ChatRequest, call CallFunc) (*Result, error) {
	history := append([]domain.Message(nil), req.Messages...)
	res := &Result{Response: resp}

	finish := func() *Result {
		res.Messages = append(history, res.Response.Message)
		return res
	}

	for iteration := 0; len(res.Response.ToolCalls()) > 0; iteration++ {
		if iteration >= l.maxIterations {
			res.Truncated = true
			res.Warnings = append(res.Warnings, domain.ErrToolLoopTruncated(iteration))
			l.logger.Warn("tool loop truncated",
				slog.String("request_id", req.ID),
				slog.Int("iterations", iteration))
			break
		}
		if err := ctx.Err(); err != nil {
			return finish(), domain.ErrCancelled(err)
		}

		assistant := res.Response.Message
		assistant.Role = domain.RoleAssistant
		assistant.ToolCalls = dedupe(assistant.ToolCalls)
		history = append(history, assistant)

		for _, tc := range assistant.ToolCalls {
			msg, err := l.invoke(ctx, req.ID, tc)
			if err != nil {
				res.Messages = history
				return res, err
			}
			history = append(history, msg)
		}

		if err := ctx.Err(); err != nil {
			res.Messages = history
			return res, domain.ErrCancelled(err)
		}

		next, err := call(ctx, req.WithMessages(history))
		res.Iterations++
		if err != nil {
			res.Messages = history
			return res, err
		}
		res.Usage.Add(next.Usage)
		res.Response = next
	}

	return finish(), nil
}

// invoke runs one tool call under the per-call timeout. Only cancellation of
// the request context is returned as an error; every other failure is
// folded into the tool-result message.
func (l *Loop) invoke(ctx context.Context, requestID string, tc domain.ToolCall) (domain.Message, error) {
	ctx, span := l.tracer.Start(ctx, "toolloop.invoke", trace.WithAttributes(
		attribute.String("tool.name", tc.Name),
		attribute.String("tool.call_id", tc.ID),
	))
	defer span.End()

	start := time.Now()
	var result domain.ToolResult
	if l.invoker == nil {
		result = domain.ToolResult{Error: "no tool runtime configured"}
	} else {
		callCtx, cancel := context.WithTimeout(ctx, l.toolTimeout)
		r, err := l.invoker.Invoke(callCtx, tc.Name, tc.Arguments)
		cancel()
		switch {
		case err == nil:
			result = r
		case ctx.Err() != nil:
			span.SetStatus(codes.Error, "cancelled")
			return domain.Message{}, domain.ErrCancelled(ctx.Err())
		case errors.Is(err, context.DeadlineExceeded):
			result = domain.ToolResult{Error: fmt.Sprintf("timed out after %s", l.toolTimeout)}
		default:
			result = domain.ToolResult{Error: err.Error()}
		}
	}

	msg := domain.Message{
		Role:       domain.RoleTool,
		Name:       tc.Name,
		ToolCallID: tc.ID,
	}
	if result.Failed() {
		toolErr := domain.ErrToolExecution(tc.Name, result.Error)
		span.SetStatus(codes.Error, toolErr.Error())
		l.logger.Warn("tool execution failed",
			slog.String("request_id", requestID),
			slog.String("tool", tc.Name),
			slog.String("call_id", tc.ID),
			slog.String("error", result.Error))
		msg.Content = toolErr.Message
		msg.IsError = true
		return msg, nil
	}

	l.logger.Debug("tool executed",
		slog.String("request_id", requestID),
		slog.String("tool", tc.Name),
		slog.Duration("duration", time.Since(start)))
	msg.Content = resultContent(result.Result)
	return msg, nil
}

// resultContent renders a tool result for the model. JSON strings are
// unquoted; other values keep their JSON form.
func resultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// dedupe drops repeated directive ids and mints ids for directives that
// arrive without one.
func dedupe(calls []domain.ToolCall) []domain.ToolCall {
	seen := make(map[string]bool, len(calls))
	out := make([]domain.ToolCall, 0, len(calls))
	for _, tc := range calls {
		if tc.ID == "" {
			tc.ID = "call_" + uuid.NewString()
		}
		if seen[tc.ID] {
			continue
		}
		seen[tc.ID] = true
		out = append(out, tc)
	}
	return out
}
