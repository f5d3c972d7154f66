package openai

import (
	"errors"

	"github.com/tjfontaine/polyglot-orchestrator/internal/config"
	"github.com/tjfontaine/polyglot-orchestrator/internal/domain"
	"github.com/tjfontaine/polyglot-orchestrator/internal/provider"
	"github.com/tjfontaine/polyglot-orchestrator/internal/provider/registry"
)

// ProviderType is the provider type identifier used in configuration.
const ProviderType = "openai"

// ProviderTypeCompatible is the provider type for OpenAI-compatible APIs.
const ProviderTypeCompatible = "openai-compatible"

// RegisterProviderFactories registers both OpenAI provider types.
func RegisterProviderFactories() {
	if !registry.IsRegistered(ProviderType) {
		registry.RegisterFactory(registry.ProviderFactory{
			Type:           ProviderType,
			Description:    "OpenAI Chat Completions API",
			Create:         CreateFromConfig,
			ValidateConfig: ValidateConfig,
		})
	}
	if !registry.IsRegistered(ProviderTypeCompatible) {
		registry.RegisterFactory(registry.ProviderFactory{
			Type:           ProviderTypeCompatible,
			Description:    "OpenAI-compatible API (vLLM, Ollama, LM Studio, ...)",
			Create:         CreateFromConfig,
			ValidateConfig: ValidateCompatibleConfig,
		})
	}
}

// CreateFromConfig creates a new OpenAI provider from configuration.
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
	if cfg.Type == ProviderTypeCompatible {
		providerOpts = append(providerOpts, WithStreamUsage(false))
	}

	return New(cfg.Name, cfg.APIKey, provider.NewCatalog(cfg.Name, cfg.Models), providerOpts...), nil
}

// ValidateConfig validates the provider configuration.
func ValidateConfig(cfg config.ProviderConfig) error {
	if cfg.APIKey == "" {
		return errors.New("openai: api_key is required")
	}
	return nil
}

// ValidateCompatibleConfig requires a base URL; the API key is optional
// since many local servers do not check it.
func ValidateCompatibleConfig(cfg config.ProviderConfig) error {
	if cfg.BaseURL == "" {
		return errors.New("openai-compatible: base_url is required")
	}
	return nil
}
