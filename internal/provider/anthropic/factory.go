package anthropic

import (
	"errors"

	"github.com/tjfontaine/polyglot-orchestrator/internal/config"
	"github.com/tjfontaine/polyglot-orchestrator/internal/domain"
	"github.com/tjfontaine/polyglot-orchestrator/internal/provider"
	"github.com/tjfontaine/polyglot-orchestrator/internal/provider/registry"
)

// ProviderType is the provider type identifier used in configuration.
const ProviderType = "anthropic"

// RegisterProviderFactory registers the Anthropic factory.
func RegisterProviderFactory() {
	if registry.IsRegistered(ProviderType) {
		return
	}
	registry.RegisterFactory(registry.ProviderFactory{
		Type:           ProviderType,
		Description:    "Anthropic API provider (Claude models)",
		Create:         CreateFromConfig,
		ValidateConfig: ValidateConfig,
	})
}

// CreateFromConfig creates a new Anthropic provider from configuration.
func CreateFromConfig(cfg config.ProviderConfig, opts registry.CreateOptions) (domain.Provider, error) {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = provider.NewHTTPClient(cfg.Timeout)
	}

	providerOpts := []ProviderOption{WithHTTPClient(httpClient)}
	if cfg.BaseURL != "" {
		providerOpts = append(providerOpts, WithBaseURL(cfg.BaseURL))
	}
	if opts.Logger != nil {
		providerOpts = append(providerOpts, WithLogger(opts.Logger))
	}

	return New(cfg.Name, cfg.APIKey, provider.NewCatalog(cfg.Name, cfg.Models), providerOpts...), nil
}

// ValidateConfig validates the provider configuration.
func ValidateConfig(cfg config.ProviderConfig) error {
	if cfg.APIKey == "" {
		return errors.New("anthropic: api_key is required")
	}
	return nil
}
