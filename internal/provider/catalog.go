package provider

import (
	"fmt"
	"sort"

	"github.com/tjfontaine/polyglot-orchestrator/internal/config"
	"github.com/tjfontaine/polyglot-orchestrator/internal/domain"
)

// DefaultMaxTokens is sent to vendors that require an output limit when
// neither the request nor the model declares one.
const DefaultMaxTokens = 4096

type catalogEntry struct {
	caps     domain.ProviderCapabilities
	upstream string
	aliases  []string
}

// Catalog holds the static capabilities of the models one adapter serves.
// It is built once from configuration and is read-only afterwards.
type Catalog struct {
	provider string
	models   map[string]catalogEntry
}

// NewCatalog builds a catalog for the named provider instance.
func NewCatalog(providerName string, models []config.ModelConfig) *Catalog {
	c := &Catalog{
		provider: providerName,
		models:   make(map[string]catalogEntry, len(models)),
	}
	for _, m := range models {
		c.models[m.ID] = catalogEntry{
			caps: domain.ProviderCapabilities{
				Model:             m.ID,
				Provider:          providerName,
				ContextWindow:     m.ContextWindow,
				MaxOutputTokens:   m.MaxOutputTokens,
				SupportsTools:     m.SupportsTools,
				SupportsStreaming: m.StreamingEnabled(),
				Pricing: domain.Pricing{
					InputPer1K:  m.Pricing.InputPer1K,
					OutputPer1K: m.Pricing.OutputPer1K,
				},
			},
			upstream: m.Upstream(),
			aliases:  m.Aliases,
		}
	}
	return c
}

// Capabilities returns the declared capabilities for model.
func (c *Catalog) Capabilities(model string) (domain.ProviderCapabilities, bool) {
	e, ok := c.models[model]
	return e.caps, ok
}

// Models returns the served model ids, sorted.
func (c *Catalog) Models() []string {
	ids := make([]string, 0, len(c.models))
	for id := range c.models {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Aliases returns the configured aliases of model.
func (c *Catalog) Aliases(model string) []string {
	return c.models[model].aliases
}

// Upstream returns the vendor-facing name of model.
func (c *Catalog) Upstream(model string) string {
	if e, ok := c.models[model]; ok {
		return e.upstream
	}
	return model
}

// MaxTokens resolves the output limit to send for req.
func (c *Catalog) MaxTokens(req *domain.ChatRequest) int {
	if req.Params.MaxTokens > 0 {
		return req.Params.MaxTokens
	}
	if caps, ok := c.Capabilities(req.Model); ok && caps.MaxOutputTokens > 0 {
		return caps.MaxOutputTokens
	}
	return DefaultMaxTokens
}

// Check rejects requests that exceed the model's declared capabilities.
func (c *Catalog) Check(req *domain.ChatRequest, stream bool) (domain.ProviderCapabilities, error) {
	caps, ok := c.Capabilities(req.Model)
	if !ok {
		return caps, domain.ErrUnknownModel(req.Model).WithProvider(c.provider)
	}
	return caps, CheckCapabilities(caps, req, stream)
}

// CheckCapabilities reports a CapabilityError when req needs a feature caps
// does not declare.
func CheckCapabilities(caps domain.ProviderCapabilities, req *domain.ChatRequest, stream bool) error {
	if len(req.Tools) > 0 && !caps.SupportsTools {
		return domain.ErrCapability(fmt.Sprintf("model %q does not support tools", caps.Model)).
			WithCode(domain.ErrorCodeToolsUnsupported).
			WithParam("tools").
			WithProvider(caps.Provider)
	}
	if stream && !caps.SupportsStreaming {
		return domain.ErrCapability(fmt.Sprintf("model %q does not support streaming", caps.Model)).
			WithCode(domain.ErrorCodeStreamingUnsupported).
			WithParam("stream").
			WithProvider(caps.Provider)
	}
	if caps.MaxOutputTokens > 0 && req.Params.MaxTokens > caps.MaxOutputTokens {
		return domain.ErrCapability(fmt.Sprintf("max_tokens %d exceeds the model limit of %d", req.Params.MaxTokens, caps.MaxOutputTokens)).
			WithCode(domain.ErrorCodeMaxTokensExceeded).
			WithParam("max_tokens").
			WithProvider(caps.Provider)
	}
	return nil
}
