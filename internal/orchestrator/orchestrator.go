// Package orchestrator turns a chat request into one or more provider calls.
// It injects retrieved context, runs the tool loop, accounts every call and
// serves blocking and streamed responses behind a single Send operation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/polyglot-orchestrator/internal/cost"
	"github.com/tjfontaine/polyglot-orchestrator/internal/domain"
	"github.com/tjfontaine/polyglot-orchestrator/internal/rag"
	"github.com/tjfontaine/polyglot-orchestrator/internal/tokens"
	"github.com/tjfontaine/polyglot-orchestrator/internal/toolloop"
)

const tracerName = "github.com/tjfontaine/polyglot-orchestrator/internal/orchestrator"

// Resolver maps model ids to adapters.
type Resolver interface {
	Resolve(modelID string) (domain.Provider, domain.ProviderCapabilities, error)
	Models() []domain.ModelInfo
}

type pricer interface {
	Pricing() map[string]domain.Pricing
}

// Reply is the outcome of Send: exactly one of Response or Stream is set.
type Reply struct {
	Response *domain.Response
	Stream   *domain.Stream
}

// IsStream reports whether the reply is streamed.
func (r *Reply) IsStream() bool {
	return r.Stream != nil
}

// Orchestrator is safe for concurrent use. Per-request state lives in a run
// created by Send; the only shared mutable state is the cost tracker.
type Orchestrator struct {
	registry  Resolver
	tracker   *cost.Tracker
	augmenter *rag.Augmenter
	tools     *toolloop.Loop
	counter   domain.TokenCounter
	validate  *validator.Validate

	retry          RetryPolicy
	requestTimeout time.Duration
	logger         *slog.Logger
	tracer         trace.Tracer

	retriever domain.Retriever
	invoker   domain.ToolInvoker
	ragOpts   []rag.Option
	loopOpts  []toolloop.Option
}

// New creates an Orchestrator with the given options.
func New(opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		retry:    DefaultRetryPolicy,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}

	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if o.registry == nil {
		return nil, errors.New("model registry required (use WithRegistry)")
	}
	if o.counter == nil {
		o.counter = tokens.NewDefaultRegistry()
	}
	if o.tracker == nil {
		var pricing map[string]domain.Pricing
		if p, ok := o.registry.(pricer); ok {
			pricing = p.Pricing()
		}
		o.tracker = cost.NewTracker(pricing, cost.WithLogger(o.logger))
	}

	ragOpts := append([]rag.Option{rag.WithCounter(o.counter), rag.WithLogger(o.logger)}, o.ragOpts...)
	o.augmenter = rag.New(o.retriever, ragOpts...)

	loopOpts := append([]toolloop.Option{toolloop.WithLogger(o.logger)}, o.loopOpts...)
	o.tools = toolloop.New(o.invoker, loopOpts...)

	return o, nil
}

// Send runs req to completion (blocking) or returns a stream of chunks when
// req.Stream is set. Request-level failures are returned as *domain.Error.
// A streamed reply always ends with a terminal chunk carrying aggregate
// usage, sources and warnings, or with an error chunk.
func (o *Orchestrator) Send(ctx context.Context, req *domain.ChatRequest) (*Reply, error) {
	if req == nil {
		return nil, domain.ErrValidation("request must not be nil")
	}
	req = req.Clone()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	cancel := context.CancelFunc(func() {})
	if o.requestTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, o.requestTimeout)
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.send", trace.WithAttributes(
		attribute.String("request.id", req.ID),
		attribute.String("request.model", req.Model),
		attribute.Bool("request.stream", req.Stream),
	))

	r := o.newRun(req, span)
	release := func() {
		span.End()
		cancel()
	}

	reply, err := r.start(ctx, release)
	if err != nil || !reply.IsStream() {
		release()
	}
	return reply, err
}

// AvailableModels lists every registered model with its capabilities.
func (o *Orchestrator) AvailableModels() []domain.ModelInfo {
	return o.registry.Models()
}

// ModelCapabilities returns the capabilities of a model id or alias.
func (o *Orchestrator) ModelCapabilities(id string) (domain.ProviderCapabilities, error) {
	_, caps, err := o.registry.Resolve(id)
	return caps, err
}

// UsageOverview returns ledger totals.
func (o *Orchestrator) UsageOverview() cost.Overview {
	return o.tracker.UsageOverview()
}

// DailyCost returns the cost accrued on the UTC day containing date.
func (o *Orchestrator) DailyCost(date time.Time) float64 {
	return o.tracker.DailyCost(date)
}

// DailySummary returns the usage of the UTC day containing date.
func (o *Orchestrator) DailySummary(date time.Time) cost.DailySummary {
	return o.tracker.DailySummary(date)
}

// Tracker exposes the usage ledger.
func (o *Orchestrator) Tracker() *cost.Tracker {
	return o.tracker
}

// validateRequest checks the request shape before any collaborator runs.
func (o *Orchestrator) validateRequest(req *domain.ChatRequest) error {
	if len(req.Messages) == 0 {
		return domain.ErrValidation("messages must not be empty").WithParam("messages")
	}
	if err := o.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return domain.ErrValidation(fmt.Sprintf("invalid %s: failed %q", fieldPath(fe.Namespace()), fe.Tag())).
				WithParam(fieldPath(fe.Namespace())).
				WithCause(err)
		}
		return domain.ErrValidation(err.Error()).WithCause(err)
	}
	return nil
}

// fieldPath converts "ChatRequest.Messages[0].Role" into "messages[0].role".
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		ns = ns[i+1:]
	}
	return strings.ToLower(ns)
}
