package orchestrator

import (
	"errors"
	"log/slog"
	"time"

	"github.com/tjfontaine/polyglot-orchestrator/internal/config"
	"github.com/tjfontaine/polyglot-orchestrator/internal/cost"
	"github.com/tjfontaine/polyglot-orchestrator/internal/domain"
	"github.com/tjfontaine/polyglot-orchestrator/internal/rag"
	"github.com/tjfontaine/polyglot-orchestrator/internal/toolloop"
)

// Option is a functional option for configuring an Orchestrator.
type Option func(*Orchestrator) error

// WithRegistry sets the model resolver. Required.
func WithRegistry(r Resolver) Option {
	return func(o *Orchestrator) error {
		if r == nil {
			return errors.New("registry must not be nil")
		}
		o.registry = r
		return nil
	}
}

// WithCostTracker sets the usage ledger. When omitted, a tracker is built
// from the registry's pricing table.
func WithCostTracker(t *cost.Tracker) Option {
	return func(o *Orchestrator) error {
		o.tracker = t
		return nil
	}
}

// WithRetriever enables context augmentation.
func WithRetriever(r domain.Retriever) Option {
	return func(o *Orchestrator) error {
		o.retriever = r
		return nil
	}
}

// WithToolInvoker sets the tool execution collaborator.
func WithToolInvoker(inv domain.ToolInvoker) Option {
	return func(o *Orchestrator) error {
		o.invoker = inv
		return nil
	}
}

// WithTokenCounter sets the counter used for budgeting and usage estimates.
func WithTokenCounter(c domain.TokenCounter) Option {
	return func(o *Orchestrator) error {
		if c == nil {
			return errors.New("token counter must not be nil")
		}
		o.counter = c
		return nil
	}
}

// WithRetryPolicy sets the retry policy for opening provider calls.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *Orchestrator) error {
		if p.MaxAttempts < 1 {
			return errors.New("retry policy needs at least one attempt")
		}
		o.retry = p
		return nil
	}
}

// WithRequestTimeout bounds a whole request, including streaming and the
// tool loop. Zero disables the bound.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Orchestrator) error {
		o.requestTimeout = d
		return nil
	}
}

// WithRAGOptions forwards options to the context augmenter.
func WithRAGOptions(opts ...rag.Option) Option {
	return func(o *Orchestrator) error {
		o.ragOpts = append(o.ragOpts, opts...)
		return nil
	}
}

// WithToolLoopOptions forwards options to the tool loop.
func WithToolLoopOptions(opts ...toolloop.Option) Option {
	return func(o *Orchestrator) error {
		o.loopOpts = append(o.loopOpts, opts...)
		return nil
	}
}

// WithConfig applies the orchestrator and retrieval sections of cfg.
func WithConfig(cfg *config.Config) Option {
	return func(o *Orchestrator) error {
		oc := cfg.Orchestrator
		o.retry = RetryPolicy{
			MaxAttempts: max(oc.Retry.MaxAttempts, 1),
			BaseDelay:   oc.Retry.BaseDelay,
			MaxDelay:    oc.Retry.MaxDelay,
		}
		o.requestTimeout = oc.RequestTimeout
		o.loopOpts = append(o.loopOpts,
			toolloop.WithMaxIterations(oc.MaxToolIterations),
			toolloop.WithToolTimeout(oc.ToolTimeout),
		)
		o.ragOpts = append(o.ragOpts,
			rag.WithTopK(cfg.RAG.TopK),
			rag.WithBudget(cfg.RAG.BudgetTokens),
			rag.WithSafetyMargin(cfg.RAG.SafetyMargin),
			rag.WithTimeout(cfg.RAG.Timeout),
		)
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) error {
		o.logger = logger
		return nil
	}
}
