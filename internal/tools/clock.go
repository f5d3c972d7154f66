package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tjfontaine/polyglot-orchestrator/internal/domain"
)

// ClockTool reports the current time, optionally in a named time zone.
type ClockTool struct {
	now func() time.Time
}

// NewClockTool creates the clock tool.
func NewClockTool() *ClockTool { return &ClockTool{now: time.Now} }

func (*ClockTool) Definition() domain.ToolDefinition {
	return domain.ToolDefinition{
		Name:        "clock",
		Description: "Return the current date and time in RFC 3339 format.",
		Parameters: objectSchema(nil, map[string]string{
			"timezone": "IANA time zone name such as Europe/Paris; defaults to UTC",
		}),
	}
}

func (c *ClockTool) Execute(ctx context.Context, args json.RawMessage) (domain.ToolResult, error) {
	var in struct {
		Timezone string `json:"timezone"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return FailureResultf("invalid arguments: %v", err), nil
		}
	}

	loc := time.UTC
	if in.Timezone != "" {
		l, err := time.LoadLocation(in.Timezone)
		if err != nil {
			return FailureResultf("unknown timezone %q", in.Timezone), nil
		}
		loc = l
	}

	return SuccessResult(c.now().In(loc).Format(time.RFC3339)), nil
}

// Builtins returns fresh instances of the built-in tools.
func Builtins() []Tool {
	return []Tool{NewCalcTool(), NewClockTool()}
}
