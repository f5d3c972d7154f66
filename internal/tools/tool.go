// Package tools provides the local tool-execution collaborator: a registry
// of named tools, an executor that contains their failures, and a small
// set of built-in tools.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tjfontaine/polyglot-orchestrator/internal/domain"
)

// Tool is the interface that all tools must implement.
type Tool interface {
	// Definition returns the name, description and argument schema.
	Definition() domain.ToolDefinition

	// Execute runs the tool with the given arguments. Expected failures
	// (bad input, unreachable resource) are reported through the result;
	// a returned error is treated the same way by the executor.
	Execute(ctx context.Context, args json.RawMessage) (domain.ToolResult, error)
}

// SuccessResult encodes v as the result payload.
func SuccessResult(v any) domain.ToolResult {
	raw, err := json.Marshal(v)
	if err != nil {
		return FailureResultf("encode result: %v", err)
	}
	return domain.ToolResult{Result: raw}
}

// FailureResult creates a failed tool result.
func FailureResult(err error) domain.ToolResult {
	return domain.ToolResult{Error: err.Error()}
}

// FailureResultf creates a failed tool result with a formatted error message.
func FailureResultf(format string, args ...any) domain.ToolResult {
	return domain.ToolResult{Error: fmt.Sprintf(format, args...)}
}

// objectSchema builds a JSON Schema object with string properties.
func objectSchema(required []string, props map[string]string) map[string]any {
	properties := make(map[string]any, len(props))
	for name, desc := range props {
		properties[name] = map[string]any{"type": "string", "description": desc}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		schema["required"] = req
	}
	return schema
}
