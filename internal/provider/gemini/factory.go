package gemini

import (
	"context"
	"errors"

	"github.com/tjfontaine/polyglot-orchestrator/internal/config"
	"github.com/tjfontaine/polyglot-orchestrator/internal/domain"
	"github.com/tjfontaine/polyglot-orchestrator/internal/provider"
	"github.com/tjfontaine/polyglot-orchestrator/internal/provider/registry"
)

// ProviderType is the provider type identifier used in configuration.
const ProviderType = "gemini"

// RegisterProviderFactory registers the Gemini factory.
func RegisterProviderFactory() {
	if registry.IsRegistered(ProviderType) {
		return
	}
	registry.RegisterFactory(registry.ProviderFactory{
		Type:           ProviderType,
		Description:    "Google Gemini API provider",
		Create:         CreateFromConfig,
		ValidateConfig: ValidateConfig,
	})
}

// CreateFromConfig creates a new Gemini provider from configuration.
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

	return New(context.Background(), cfg.Name, cfg.APIKey, provider.NewCatalog(cfg.Name, cfg.Models), providerOpts...)
}

// ValidateConfig validates the provider configuration.
func ValidateConfig(cfg config.ProviderConfig) error {
	if cfg.APIKey == "" {
		return errors.New("gemini: api_key is required")
	}
	return nil
}
