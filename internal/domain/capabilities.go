package domain

// Pricing is the cost per 1K tokens, in USD.
type Pricing struct {
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
}

// Cost computes the monetary cost of the given token counts.
func (p Pricing) Cost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1000*p.InputPer1K + float64(completionTokens)/1000*p.OutputPer1K
}

// ProviderCapabilities is static per-model metadata loaded at startup.
type ProviderCapabilities struct {
	Model             string  `json:"model"`
	Provider          string  `json:"provider"`
	ContextWindow     int     `json:"context_window"`
	MaxOutputTokens   int     `json:"max_output_tokens,omitempty"`
	SupportsTools     bool    `json:"supports_tools"`
	SupportsStreaming bool    `json:"supports_streaming"`
	Pricing           Pricing `json:"pricing"`
}

// ModelInfo describes a model exposed through the registry.
type ModelInfo struct {
	ID           string               `json:"id"`
	Aliases      []string             `json:"aliases,omitempty"`
	Capabilities ProviderCapabilities `json:"capabilities"`
}
