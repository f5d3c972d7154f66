// Package rag injects retrieved passages into a chat request as a system
// context message.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/polyglot-orchestrator/internal/domain"
	"github.com/tjfontaine/polyglot-orchestrator/internal/tokens"
)

const (
	DefaultTopK         = 5
	DefaultSafetyMargin = 256
	DefaultTimeout      = 5 * time.Second
)

const contextPreamble = "Use the following retrieved context to answer. Cite sources by their id when you rely on them.\n"

// Option configures an Augmenter.
type Option func(*Augmenter)

// WithTopK sets how many passages are requested from the retriever.
func WithTopK(k int) Option {
	return func(a *Augmenter) {
		if k > 0 {
			a.topK = k
		}
	}
}

// WithBudget caps the context message size in tokens. Zero derives the
// budget from the model's context window alone.
func WithBudget(tokens int) Option {
	return func(a *Augmenter) {
		a.budgetTokens = tokens
	}
}

// WithSafetyMargin sets the tokens held back from the context window.
func WithSafetyMargin(tokens int) Option {
	return func(a *Augmenter) {
		a.safetyMargin = tokens
	}
}

// WithTimeout bounds each retrieval call.
func WithTimeout(d time.Duration) Option {
	return func(a *Augmenter) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithCounter sets the token counter used for budgeting.
func WithCounter(c domain.TokenCounter) Option {
	return func(a *Augmenter) {
		a.counter = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Augmenter) {
		a.logger = l
	}
}

// Augmenter is the context middleware. It is safe for concurrent use.
type Augmenter struct {
	retriever    domain.Retriever
	counter      domain.TokenCounter
	topK         int
	budgetTokens int
	safetyMargin int
	timeout      time.Duration
	logger       *slog.Logger
	tracer       trace.Tracer
}

// New creates an Augmenter backed by retriever. A nil retriever makes every
// call a passthrough.
func New(retriever domain.Retriever, opts ...Option) *Augmenter {
	a := &Augmenter{
		retriever:    retriever,
		counter:      tokens.NewDefaultRegistry(),
		topK:         DefaultTopK,
		safetyMargin: DefaultSafetyMargin,
		timeout:      DefaultTimeout,
		logger:       slog.Default(),
		tracer:       otel.Tracer("github.com/tjfontaine/polyglot-orchestrator/internal/rag"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Result is the outcome of Augment.
type Result struct {
	// Request is the request to send downstream. It is the caller's request
	// itself when nothing was injected.
	Request *domain.ChatRequest
	// Sources lists distinct source ids of the kept passages in rank order.
	Sources []string
	Kept    int
	Dropped int
	Budget  int
}

// Augment retrieves passages for the latest user message and inserts them
// as a system message after any leading system messages. Retrieval is
// best-effort: failures and empty results pass the request through. Only
// cancellation of ctx is returned as an error.
func (a *Augmenter) Augment(ctx context.Context, req *domain.ChatRequest, caps domain.ProviderCapabilities) (*Result, error) {
	passthrough := &Result{Request: req}
	if !req.UseContext || a.retriever == nil {
		return passthrough, nil
	}

	query, ok := req.LastUserMessage()
	if !ok || strings.TrimSpace(query) == "" {
		return passthrough, nil
	}

	ctx, span := a.tracer.Start(ctx, "rag.augment")
	defer span.End()

	searchCtx, cancel := context.WithTimeout(ctx, a.timeout)
	passages, err := a.retriever.Search(searchCtx, query, req.DocumentScope, a.topK)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.ErrCancelled(ctx.Err())
		}
		a.logger.Warn("retrieval failed, continuing without context",
			slog.String("request_id", req.ID),
			slog.String("error", err.Error()))
		span.RecordError(err)
		return passthrough, nil
	}
	if len(passages) == 0 {
		return passthrough, nil
	}

	ranked := rank(passages)
	budget, err := a.budget(ctx, req, caps)
	if err != nil {
		return nil, err
	}

	kept := ranked
	for len(kept) > 0 {
		n, err := a.messageTokens(req.Model, contextMessage(kept))
		if err != nil {
			return nil, err
		}
		if n <= budget {
			break
		}
		kept = kept[:len(kept)-1]
	}

	res := &Result{
		Request: req,
		Kept:    len(kept),
		Dropped: len(ranked) - len(kept),
		Budget:  budget,
	}
	span.SetAttributes(
		attribute.Int("rag.passages.kept", res.Kept),
		attribute.Int("rag.passages.dropped", res.Dropped),
		attribute.Int("rag.budget_tokens", budget),
	)

	if res.Dropped > 0 {
		truncated := domain.ErrContextBudgetExceeded(res.Kept, res.Dropped, budget)
		a.logger.Debug("context truncated",
			slog.String("request_id", req.ID),
			slog.String("detail", truncated.Error()))
	}
	if len(kept) == 0 {
		return res, nil
	}

	msg := contextMessage(kept)
	res.Request = req.WithMessages(insertContext(req.Messages, msg))
	res.Sources = distinctSources(kept)
	return res, nil
}

// budget returns the tokens available to the context message.
func (a *Augmenter) budget(ctx context.Context, req *domain.ChatRequest, caps domain.ProviderCapabilities) (int, error) {
	budget, bounded := 0, caps.ContextWindow > 0
	if bounded {
		used, err := a.counter.CountTokens(ctx, &domain.TokenCountRequest{
			Model:    req.Model,
			Messages: req.Messages,
			Tools:    req.Tools,
		})
		if err != nil {
			return 0, fmt.Errorf("count request tokens: %w", err)
		}
		reserved := req.Params.MaxTokens
		if reserved == 0 {
			reserved = caps.MaxOutputTokens
		}
		budget = caps.ContextWindow - used.InputTokens - reserved - a.safetyMargin
	}
	if a.budgetTokens > 0 && (!bounded || a.budgetTokens < budget) {
		budget = a.budgetTokens
	} else if !bounded {
		return math.MaxInt, nil
	}
	return max(budget, 0), nil
}

func (a *Augmenter) messageTokens(model string, msg domain.Message) (int, error) {
	resp, err := a.counter.CountTokens(context.Background(), &domain.TokenCountRequest{
		Model:    model,
		Messages: []domain.Message{msg},
	})
	if err != nil {
		return 0, fmt.Errorf("count context tokens: %w", err)
	}
	return resp.InputTokens, nil
}

// rank returns passages sorted by descending score. Ties keep retrieval order.
func rank(passages []domain.Passage) []domain.Passage {
	out := make([]domain.Passage, len(passages))
	copy(out, passages)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func contextMessage(passages []domain.Passage) domain.Message {
	var b strings.Builder
	b.WriteString(contextPreamble)
	refs := make([]domain.SourceRef, 0, len(passages))
	for _, p := range passages {
		fmt.Fprintf(&b, "\n[source: %s]\n%s\n", p.SourceID, p.Text)
		refs = append(refs, domain.SourceRef{SourceID: p.SourceID, Score: p.Score})
	}
	return domain.Message{Role: domain.RoleSystem, Content: b.String(), Sources: refs}
}

// insertContext places msg after the leading system messages.
func insertContext(msgs []domain.Message, msg domain.Message) []domain.Message {
	at := 0
	for at < len(msgs) && msgs[at].Role == domain.RoleSystem {
		at++
	}
	out := make([]domain.Message, 0, len(msgs)+1)
	out = append(out, msgs[:at]...)
	out = append(out, msg)
	return append(out, msgs[at:]...)
}

func distinctSources(passages []domain.Passage) []string {
	seen := make(map[string]bool, len(passages))
	var out []string
	for _, p := range passages {
		if p.SourceID == "" || seen[p.SourceID] {
			continue
		}
		seen[p.SourceID] = true
		out = append(out, p.SourceID)
	}
	return out
}
