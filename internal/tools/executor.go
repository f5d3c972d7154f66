package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tjfontaine/polyglot-orchestrator/internal/domain"
)

// DefaultTimeout bounds a tool call when the caller's context has no deadline.
const DefaultTimeout = 30 * time.Second

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithTimeout sets the default per-call timeout.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithLogger sets the executor logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// Executor runs tools under a timeout and converts panics, errors and
// overruns into failed results.
type Executor struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewExecutor creates an executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{timeout: DefaultTimeout, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type outcome struct {
	result domain.ToolResult
	err    error
}

// Execute runs tool once. A tool that ignores its context is abandoned
// when the deadline passes; its goroutine finishes in the background.
func (e *Executor) Execute(ctx context.Context, tool Tool, args json.RawMessage) (domain.ToolResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.ToolResult{}, err
	}

	callCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	name := tool.Definition().Name
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("tool panicked", "tool", name, "panic", r)
				done <- outcome{result: FailureResultf("tool %q panicked: %v", name, r)}
			}
		}()
		res, err := tool.Execute(callCtx, args)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return FailureResult(fmt.Errorf("tool %q: %w", name, o.err)), nil
		}
		return o.result, nil
	case <-callCtx.Done():
		// The caller's own cancellation is not a tool failure.
		if ctx.Err() != nil {
			return domain.ToolResult{}, ctx.Err()
		}
		return FailureResultf("tool %q timed out", name), nil
	}
}
