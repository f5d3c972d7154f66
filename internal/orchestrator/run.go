package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/polyglot-orchestrator/internal/domain"
	"github.com/tjfontaine/polyglot-orchestrator/internal/provider"
	"github.com/tjfontaine/polyglot-orchestrator/internal/response"
)

// run is the state of one request.
type run struct {
	o      *Orchestrator
	req    *domain.ChatRequest
	m      *machine
	span   trace.Span
	logger *slog.Logger

	provider domain.Provider
	caps     domain.ProviderCapabilities

	sources  []string
	warnings []*domain.Error

	mu      sync.Mutex
	seq     int
	usage   domain.Usage
	pending []domain.UsageRecord
}

func (o *Orchestrator) newRun(req *domain.ChatRequest, span trace.Span) *run {
	logger := o.logger.With(slog.String("request_id", req.ID), slog.String("model", req.Model))
	return &run{
		o:      o,
		req:    req,
		span:   span,
		logger: logger,
		m:      newMachine(req.ID, logger, span),
	}
}

// start drives the request from Building to Done (blocking) or to
// Streaming, handing the rest to a producer goroutine. release is invoked
// once a streamed request ends.
func (r *run) start(ctx context.Context, release func()) (*Reply, error) {
	// Building
	if err := r.o.validateRequest(r.req); err != nil {
		return nil, r.fail(ctx, err)
	}
	p, caps, err := r.o.registry.Resolve(r.req.Model)
	if err != nil {
		return nil, r.fail(ctx, err)
	}
	r.provider, r.caps = p, caps
	// Adapters only know canonical ids.
	r.req.Model = caps.Model
	if err := provider.CheckCapabilities(caps, r.req, r.req.Stream); err != nil {
		return nil, r.fail(ctx, err)
	}

	if err := r.m.advance(ctx, eventAugment); err != nil {
		return nil, r.fail(ctx, err)
	}
	augmented, err := r.o.augmenter.Augment(ctx, r.req, caps)
	if err != nil {
		return nil, r.fail(ctx, err)
	}
	r.req = augmented.Request
	r.sources = augmented.Sources

	if err := r.m.advance(ctx, eventPrepareTools); err != nil {
		return nil, r.fail(ctx, err)
	}
	prepared, err := r.o.tools.Prepare(r.req, caps)
	if err != nil {
		return nil, r.fail(ctx, err)
	}
	r.req = prepared

	if err := r.m.advance(ctx, eventCall); err != nil {
		return nil, r.fail(ctx, err)
	}

	if r.req.Stream {
		callID := r.nextCallID()
		s, err := r.openStream(ctx, r.req, callID, r.o.retry.MaxAttempts)
		if err != nil {
			return nil, r.fail(ctx, err)
		}
		if err := r.m.advance(ctx, eventStream); err != nil {
			s.Close()
			return nil, r.fail(ctx, err)
		}

		streamCtx, stop := context.WithCancel(ctx)
		out := make(chan domain.Chunk)
		go r.produce(streamCtx, s, callID, out, func() {
			stop()
			release()
		})
		return &Reply{Stream: domain.NewStream(out, stop)}, nil
	}

	resp, err := r.complete(ctx, r.req, r.o.retry.MaxAttempts)
	if err != nil {
		return nil, r.fail(ctx, err)
	}
	if err := r.m.advance(ctx, eventComplete); err != nil {
		return nil, r.fail(ctx, err)
	}

	// Re-calls inside the tool loop get a single attempt.
	final, err := r.finish(ctx, resp, func(ctx context.Context, req *domain.ChatRequest) (*domain.Response, error) {
		return r.complete(ctx, req, 1)
	})
	if err != nil {
		return nil, err
	}
	return &Reply{Response: final}, nil
}

// finish runs the tool loop when resp asks for tools, records cost and
// builds the caller-facing response.
func (r *run) finish(ctx context.Context, resp *domain.Response, call func(context.Context, *domain.ChatRequest) (*domain.Response, error)) (*domain.Response, error) {
	messages := append(append([]domain.Message(nil), r.req.Messages...), resp.Message)

	if len(resp.ToolCalls()) > 0 {
		if err := r.m.advance(ctx, eventLoopTools); err != nil {
			return nil, r.fail(ctx, err)
		}
		loop, err := r.o.tools.RunLoop(ctx, resp, r.req, call)
		if err != nil {
			return nil, r.fail(ctx, err)
		}
		resp = loop.Response
		messages = loop.Messages
		r.warnings = append(r.warnings, loop.Warnings...)
		r.span.SetAttributes(attribute.Int("toolloop.iterations", loop.Iterations))
	}

	if err := r.m.advance(ctx, eventRecordCost); err != nil {
		return nil, r.fail(ctx, err)
	}
	usage := r.recordCost()

	final := *resp
	final.ID = r.req.ID
	final.Model = r.req.Model
	final.Usage = usage
	final.Sources = r.sources
	final.Warnings = r.warnings
	final.Messages = messages

	if err := r.m.advance(ctx, eventFinish); err != nil {
		return nil, r.fail(ctx, err)
	}
	r.logger.Info("request completed",
		slog.Int("prompt_tokens", usage.PromptTokens),
		slog.Int("completion_tokens", usage.CompletionTokens),
		slog.Int("warnings", len(final.Warnings)))
	return &final, nil
}

// produce forwards the provider stream to the caller, runs any tool loop
// with streamed re-calls and ends with a terminal chunk carrying the
// request's aggregate usage.
func (r *run) produce(ctx context.Context, s *domain.Stream, callID string, out chan<- domain.Chunk, done func()) {
	defer done()
	defer close(out)

	call := func(ctx context.Context, req *domain.ChatRequest) (*domain.Response, error) {
		id := r.nextCallID()
		s, err := r.openStream(ctx, req, id, 1)
		if err != nil {
			return nil, err
		}
		return r.forward(ctx, s, id, req, out)
	}

	resp, err := r.forward(ctx, s, callID, r.req, out)
	if err != nil {
		err = r.fail(ctx, err)
	} else {
		resp, err = r.finish(ctx, resp, call)
	}
	if err != nil {
		domain.Emit(ctx, out, domain.ErrorChunk(err))
		return
	}

	terminal := domain.TerminalChunk(resp.Usage, resp.FinishReason)
	terminal.Sources = resp.Sources
	terminal.Warnings = resp.Warnings
	domain.Emit(ctx, out, terminal)
}

// forward relays one provider stream to out, holding back its terminal
// chunk, and returns the aggregated response. Usage of an interrupted
// stream is estimated from the text received so far.
func (r *run) forward(ctx context.Context, s *domain.Stream, callID string, req *domain.ChatRequest, out chan<- domain.Chunk) (*domain.Response, error) {
	defer s.Close()

	agg := response.NewAggregator()
	for {
		c, ok := s.Next(ctx)
		if !ok {
			break
		}
		if err := agg.Add(c); err != nil {
			r.queue(callID, r.estimate(ctx, req, agg.Text()))
			return nil, r.streamError(ctx, err)
		}
		if c.IsTerminal() {
			continue
		}
		if !domain.Emit(ctx, out, c) {
			r.queue(callID, r.estimate(ctx, req, agg.Text()))
			return nil, domain.ErrCancelled(ctx.Err())
		}
	}

	resp, err := agg.Response(req.Model)
	if err != nil {
		r.queue(callID, r.estimate(ctx, req, agg.Text()))
		return nil, r.streamError(ctx, err)
	}
	r.account(ctx, callID, req, resp)
	return resp, nil
}

func (r *run) streamError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return domain.ErrCancelled(ctx.Err())
	}
	if _, ok := domain.AsError(err); ok {
		return err
	}
	return domain.ErrProviderFatal(err.Error()).WithProvider(r.provider.Name()).WithCause(err)
}

// complete issues one blocking provider call, making up to attempts tries
// on transient failures.
func (r *run) complete(ctx context.Context, req *domain.ChatRequest, attempts int) (*domain.Response, error) {
	callID := r.nextCallID()
	var resp *domain.Response
	err := r.withRetry(ctx, callID, attempts, func(ctx context.Context) error {
		var err error
		resp, err = r.provider.Complete(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	resp = response.Normalize(resp)
	r.account(ctx, callID, req, resp)
	return resp, nil
}

// openStream opens a provider stream, making up to attempts tries on
// transient failures.
func (r *run) openStream(ctx context.Context, req *domain.ChatRequest, callID string, attempts int) (*domain.Stream, error) {
	var s *domain.Stream
	err := r.withRetry(ctx, callID, attempts, func(ctx context.Context) error {
		var err error
		s, err = r.provider.Stream(ctx, req)
		return err
	})
	return s, err
}

func (r *run) withRetry(ctx context.Context, callID string, attempts int, fn func(context.Context) error) error {
	policy := r.o.retry
	for attempt := 1; ; attempt++ {
		ctx, span := r.o.tracer.Start(ctx, "orchestrator.provider_call", trace.WithAttributes(
			attribute.String("call.id", callID),
			attribute.String("provider", r.provider.Name()),
			attribute.String("model", r.caps.Model),
			attribute.Int("attempt", attempt),
		))
		err := fn(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return domain.ErrCancelled(ctx.Err())
		}
		if !domain.IsTransient(err) || attempt >= attempts {
			return err
		}

		wait := policy.Backoff(attempt)
		r.logger.Warn("transient provider error, retrying",
			slog.String("call_id", callID),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()))
		if err := sleep(ctx, wait); err != nil {
			return domain.ErrCancelled(err)
		}
	}
}

func (r *run) nextCallID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return fmt.Sprintf("%s/%d", r.req.ID, r.seq)
}

// account queues the usage of one successful call. Missing usage is
// estimated with the token counter.
func (r *run) account(ctx context.Context, callID string, req *domain.ChatRequest, resp *domain.Response) {
	usage := resp.Usage
	if usage.PromptTokens == 0 && usage.CompletionTokens == 0 {
		usage = r.estimate(ctx, req, completionText(resp.Message))
		resp.Usage = usage
	}
	r.queue(callID, usage)
}

// estimate approximates the usage of a call from its request and the text
// produced so far.
func (r *run) estimate(ctx context.Context, req *domain.ChatRequest, completion string) domain.Usage {
	usage := domain.Usage{Estimated: true}
	if n, err := r.o.counter.CountTokens(ctx, &domain.TokenCountRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Tools:    req.Tools,
	}); err == nil {
		usage.PromptTokens = n.InputTokens
	}
	if n, err := r.o.counter.CountText(req.Model, completion); err == nil {
		usage.CompletionTokens = n
	}
	return usage.Normalize()
}

func (r *run) queue(callID string, usage domain.Usage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usage.Add(usage.Normalize())
	r.pending = append(r.pending, domain.UsageRecord{
		ID:               callID,
		RequestID:        r.req.ID,
		Model:            r.caps.Model,
		Provider:         r.caps.Provider,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		Estimated:        usage.Estimated,
		UserID:           r.req.UserID,
		ConversationID:   r.req.ConversationID,
		Timestamp:        time.Now(),
	})
}

// recordCost appends queued records to the ledger and returns the request's
// aggregate usage.
func (r *run) recordCost() domain.Usage {
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	usage := r.usage
	r.mu.Unlock()

	var total float64
	for _, rec := range pending {
		total += r.o.tracker.Record(rec).Cost
	}
	if len(pending) > 0 {
		r.span.SetAttributes(attribute.Float64("cost.usd", total))
	}
	return usage
}

// fail records usage accrued so far and moves the request to Errored.
func (r *run) fail(ctx context.Context, err error) error {
	r.recordCost()
	r.m.fail(ctx)

	r.span.RecordError(err)
	r.span.SetStatus(codes.Error, err.Error())
	if domain.IsType(err, domain.ErrorTypeCancelled) {
		r.logger.Info("request cancelled")
	} else {
		r.logger.Warn("request failed", slog.String("error", err.Error()))
	}
	return err
}

// completionText is the generated content billed as completion tokens.
func completionText(m domain.Message) string {
	text := m.Content
	for _, tc := range m.ToolCalls {
		text += tc.Name + string(tc.Arguments)
	}
	return text
}
