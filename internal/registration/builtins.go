package registration

import (
	"github.com/tjfontaine/polyglot-orchestrator/internal/provider/anthropic"
	"github.com/tjfontaine/polyglot-orchestrator/internal/provider/gemini"
	"github.com/tjfontaine/polyglot-orchestrator/internal/provider/openai"
	"github.com/tjfontaine/polyglot-orchestrator/internal/tools"
)

// RegisterBuiltins registers built-in provider factories and tools
// explicitly. This replaces init-based side effects and is intended to be
// called from cmd/orchestrator and tests before building registries.
func RegisterBuiltins(toolRegistry *tools.Registry) error {
	RegisterProviderBuiltins()
	return RegisterToolBuiltins(toolRegistry)
}

// RegisterProviderBuiltins registers built-in provider factories only.
func RegisterProviderBuiltins() {
	openai.RegisterProviderFactories()
	anthropic.RegisterProviderFactory()
	gemini.RegisterProviderFactory()
}

// RegisterToolBuiltins registers the built-in local tools.
func RegisterToolBuiltins(r *tools.Registry) error {
	for _, t := range tools.Builtins() {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
