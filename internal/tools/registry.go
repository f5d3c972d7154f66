package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/tjfontaine/polyglot-orchestrator/internal/domain"
)

// Registry manages available tools and serves them to the orchestrator as
// both a domain.ToolInvoker and a domain.ToolCatalog.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	executor *Executor
}

// NewRegistry creates a new empty tool registry.
func NewRegistry(opts ...ExecutorOption) *Registry {
	return &Registry{
		tools:    make(map[string]Tool),
		executor: NewExecutor(opts...),
	}
}

// Register adds a new tool to the registry.
// Returns error if a tool with the same name already exists.
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Definition().Name
	if name == "" {
		return fmt.Errorf("tool has no name")
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool '%s' already registered", name)
	}
	r.tools[name] = tool
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, exists := r.tools[name]
	return tool, exists
}

// Names returns all registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definition implements domain.ToolCatalog.
func (r *Registry) Definition(name string) (domain.ToolDefinition, bool) {
	tool, ok := r.Get(name)
	if !ok {
		return domain.ToolDefinition{}, false
	}
	return tool.Definition(), true
}

// Definitions implements domain.ToolCatalog, sorted by name.
func (r *Registry) Definitions() []domain.ToolDefinition {
	names := r.Names()
	defs := make([]domain.ToolDefinition, 0, len(names))
	for _, name := range names {
		if def, ok := r.Definition(name); ok {
			defs = append(defs, def)
		}
	}
	return defs
}

// Invoke implements domain.ToolInvoker. Unknown tools and tool failures
// are reported in the result; the error is reserved for cancellation of
// ctx itself.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (domain.ToolResult, error) {
	tool, ok := r.Get(name)
	if !ok {
		return FailureResultf("unknown tool %q", name), nil
	}
	return r.executor.Execute(ctx, tool, args)
}

var (
	_ domain.ToolInvoker = (*Registry)(nil)
	_ domain.ToolCatalog = (*Registry)(nil)
)
