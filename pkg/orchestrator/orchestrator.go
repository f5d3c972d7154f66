// Package orchestrator provides the public API for embedding the request
// orchestrator. This is the stable API for external consumers.
package orchestrator

import (
	"github.com/tjfontaine/polyglot-orchestrator/internal/domain"
	"github.com/tjfontaine/polyglot-orchestrator/internal/orchestrator"
	"github.com/tjfontaine/polyglot-orchestrator/internal/registration"
	"github.com/tjfontaine/polyglot-orchestrator/internal/runtime"
	"github.com/tjfontaine/polyglot-orchestrator/internal/storage"
)

// App owns a configured orchestrator and its collaborators.
// See internal/runtime.App for full documentation.
type App = runtime.App

// Option is a functional option for configuring an App.
type Option = runtime.Option

// New creates an App with the given options. Built-in provider factories
// are registered first.
// Example:
//
//	app, err := orchestrator.New(
//	    orchestrator.WithFileConfig("config.yaml"),
//	)
func New(opts ...Option) (*App, error) {
	registration.RegisterProviderBuiltins()
	return runtime.New(opts...)
}

// Configuration options
var (
	WithFileConfig = runtime.WithFileConfig
	WithConfig     = runtime.WithConfig
	WithStore      = runtime.WithStore
	WithHTTPClient = runtime.WithHTTPClient
	WithTools      = runtime.WithTools
	WithLogger     = runtime.WithLogger
)

// Request and response types.
type (
	Orchestrator   = orchestrator.Orchestrator
	Reply          = orchestrator.Reply
	ChatRequest    = domain.ChatRequest
	Message        = domain.Message
	Response       = domain.Response
	Stream         = domain.Stream
	Chunk          = domain.Chunk
	Usage          = domain.Usage
	Error          = domain.Error
	ErrorType      = domain.ErrorType
	Document       = storage.Document
	ToolCall       = domain.ToolCall
	ToolDefinition = domain.ToolDefinition
)

// Message roles.
const (
	RoleSystem    = domain.RoleSystem
	RoleUser      = domain.RoleUser
	RoleAssistant = domain.RoleAssistant
	RoleTool      = domain.RoleTool
)

// Error helpers.
var (
	AsError     = domain.AsError
	IsType      = domain.IsType
	IsTransient = domain.IsTransient
)
