// Package tokens provides token counting for context budgeting and for
// estimating usage a provider did not report.
package tokens

import (
	"context"
	"math"
	"strings"

	"github.com/tjfontaine/polyglot-orchestrator/internal/domain"
)

// Registry dispatches to the first counter that supports a model and falls
// back to the character estimator. It satisfies domain.TokenCounter for
// every model.
type Registry struct {
	counters []domain.TokenCounter
	fallback domain.TokenCounter
}

// NewRegistry creates a registry over counters, tried in order.
func NewRegistry(counters ...domain.TokenCounter) *Registry {
	return &Registry{
		counters: counters,
		fallback: NewEstimator(),
	}
}

// NewDefaultRegistry returns a registry with the tiktoken counter for
// OpenAI-family models.
func NewDefaultRegistry() *Registry {
	return NewRegistry(NewOpenAICounter())
}

// Register adds a token counter to the registry.
func (r *Registry) Register(counter domain.TokenCounter) {
	r.counters = append(r.counters, counter)
}

// SetFallback sets the fallback counter for unsupported models.
func (r *Registry) SetFallback(counter domain.TokenCounter) {
	r.fallback = counter
}

// Counter returns the counter used for model.
func (r *Registry) Counter(model string) domain.TokenCounter {
	for _, counter := range r.counters {
		if counter.SupportsModel(model) {
			return counter
		}
	}
	return r.fallback
}

// CountTokens counts the tokens of a message list plus tool definitions.
// A counter failure degrades to the estimator rather than failing.
func (r *Registry) CountTokens(ctx context.Context, req *domain.TokenCountRequest) (*domain.TokenCountResponse, error) {
	resp, err := r.Counter(req.Model).CountTokens(ctx, req)
	if err != nil && r.fallback != nil {
		return r.fallback.CountTokens(ctx, req)
	}
	return resp, err
}

// CountText counts the tokens of a plain string.
func (r *Registry) CountText(model, text string) (int, error) {
	n, err := r.Counter(model).CountText(model, text)
	if err != nil && r.fallback != nil {
		return r.fallback.CountText(model, text)
	}
	return n, err
}

// SupportsModel always returns true.
func (r *Registry) SupportsModel(string) bool {
	return true
}

// Estimator provides token count estimation based on character counts.
// This is a fallback for models without a local tokenizer.
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{
		CharsPerToken: 4.0,
	}
}

// CountTokens estimates the token count.
func (e *Estimator) CountTokens(ctx context.Context, req *domain.TokenCountRequest) (*domain.TokenCountResponse, error) {
	totalChars := 0

	for _, msg := range req.Messages {
		totalChars += len(msg.Role)
		totalChars += len(msg.Content)
		for _, tc := range msg.ToolCalls {
			totalChars += len(tc.Name) + len(tc.Arguments)
		}
		totalChars += 4 // role tokens + separators
	}

	for _, tool := range req.Tools {
		totalChars += len(tool.Name)
		totalChars += len(tool.Description)
		totalChars += 50 // schema overhead
	}

	return &domain.TokenCountResponse{
		InputTokens: e.tokens(totalChars),
		Model:       req.Model,
		Estimated:   true,
	}, nil
}

// CountText estimates the tokens of a plain string.
func (e *Estimator) CountText(_, text string) (int, error) {
	return e.tokens(len(text)), nil
}

func (e *Estimator) tokens(chars int) int {
	if chars == 0 {
		return 0
	}
	return int(math.Ceil(float64(chars) / e.CharsPerToken))
}

// SupportsModel returns true - estimator supports all models as a fallback.
func (e *Estimator) SupportsModel(model string) bool {
	return true
}

// ModelMatcher helps match model names to provider patterns.
type ModelMatcher struct {
	prefixes []string
	exact    []string
}

// NewModelMatcher creates a new model matcher.
func NewModelMatcher(prefixes, exact []string) *ModelMatcher {
	return &ModelMatcher{
		prefixes: prefixes,
		exact:    exact,
	}
}

// Matches returns true if the model matches any pattern.
func (m *ModelMatcher) Matches(model string) bool {
	model = strings.ToLower(model)
	for _, e := range m.exact {
		if model == e {
			return true
		}
	}
	for _, p := range m.prefixes {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

var (
	_ domain.TokenCounter = (*Registry)(nil)
	_ domain.TokenCounter = (*Estimator)(nil)
)
