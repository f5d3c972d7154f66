// Package response normalizes provider outcomes. Its Aggregator folds a
// chunk stream into a single Response, assembling tool calls whose
// arguments arrive split across many chunks.
package response

import (
	"context"
	"fmt"
	"strings"

	"github.com/tjfontaine/polyglot-orchestrator/internal/domain"
)

type pendingCall struct {
	id   string
	name string
	args strings.Builder
	done bool
}

// Aggregator accumulates chunks from one provider stream. Tool-call
// fragments are keyed by correlation id; fragments that carry only an
// index are attributed to the id first seen at that index. A call is
// complete only after its tool_call_done chunk.
type Aggregator struct {
	text    strings.Builder
	calls   map[string]*pendingCall
	order   []string
	indexID map[int]string

	usage        domain.Usage
	finishReason string
	terminal     bool
	err          error
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{
		calls:   make(map[string]*pendingCall),
		indexID: make(map[int]string),
	}
}

// Add folds c into the aggregate. It returns the stream error carried by an
// error chunk, and an error for chunks that arrive after the stream ended.
func (a *Aggregator) Add(c domain.Chunk) error {
	if a.terminal {
		return fmt.Errorf("chunk %q received after the terminal chunk", c.Type)
	}

	switch c.Type {
	case domain.ChunkTypeDelta:
		a.text.WriteString(c.Delta)

	case domain.ChunkTypeToolCall:
		if c.ToolCall == nil {
			return nil
		}
		pc := a.call(c.ToolCall)
		if pc.done {
			return fmt.Errorf("fragment for completed tool call %q", c.ToolCall.ID)
		}
		if c.ToolCall.Name != "" {
			pc.name = c.ToolCall.Name
		}
		pc.args.WriteString(c.ToolCall.ArgumentsDelta)

	case domain.ChunkTypeToolCallDone:
		if c.ToolCall == nil {
			return nil
		}
		pc := a.call(c.ToolCall)
		if c.ToolCall.Name != "" && pc.name == "" {
			pc.name = c.ToolCall.Name
		}
		pc.done = true

	case domain.ChunkTypeTerminal:
		a.terminal = true
		if c.Usage != nil {
			a.usage = *c.Usage
		}
		a.finishReason = c.FinishReason

	case domain.ChunkTypeError:
		a.terminal = true
		a.err = c.Err
		return c.Err
	}

	return nil
}

// call finds or creates the pending call a fragment belongs to.
func (a *Aggregator) call(d *domain.ToolCallDelta) *pendingCall {
	if d.ID == "" {
		if key, ok := a.indexID[d.Index]; ok {
			return a.calls[key]
		}
		return a.track(fmt.Sprintf("index-%d", d.Index), "", d.Index)
	}

	if pc, ok := a.calls[d.ID]; ok {
		a.indexID[d.Index] = d.ID
		return pc
	}
	// The id may arrive after index-only fragments of the same call.
	if key, ok := a.indexID[d.Index]; ok {
		if pc := a.calls[key]; pc.id == "" && !pc.done {
			delete(a.calls, key)
			pc.id = d.ID
			a.calls[d.ID] = pc
			for i, k := range a.order {
				if k == key {
					a.order[i] = d.ID
				}
			}
			a.indexID[d.Index] = d.ID
			return pc
		}
	}
	return a.track(d.ID, d.ID, d.Index)
}

func (a *Aggregator) track(key, id string, index int) *pendingCall {
	pc := &pendingCall{id: id}
	a.calls[key] = pc
	a.order = append(a.order, key)
	a.indexID[index] = key
	return pc
}

// Text returns the text received so far.
func (a *Aggregator) Text() string {
	return a.text.String()
}

// Usage returns the usage reported by the terminal chunk.
func (a *Aggregator) Usage() domain.Usage {
	return a.usage
}

// Terminated reports whether a terminal or error chunk was added.
func (a *Aggregator) Terminated() bool {
	return a.terminal
}

// ToolCalls returns the completed calls in issuance order.
func (a *Aggregator) ToolCalls() []domain.ToolCall {
	var out []domain.ToolCall
	for _, key := range a.order {
		pc := a.calls[key]
		if !pc.done {
			continue
		}
		id := pc.id
		if id == "" {
			id = key
		}
		out = append(out, domain.ToolCall{
			ID:        id,
			Name:      pc.name,
			Arguments: domain.RawArguments(pc.args.String()),
		})
	}
	return out
}

// Response builds the final response. It fails if the stream ended with
// an error, did not end, or left a tool call unfinished.
func (a *Aggregator) Response(model string) (*domain.Response, error) {
	if a.err != nil {
		return nil, a.err
	}
	if !a.terminal {
		return nil, domain.ErrProviderTransient("stream ended without a terminal chunk").
			WithCode(domain.ErrorCodeStreamInterrupted)
	}
	for _, key := range a.order {
		if !a.calls[key].done {
			return nil, domain.ErrProviderFatal(fmt.Sprintf("tool call %q was never completed", key)).
				WithCode(domain.ErrorCodeStreamInterrupted)
		}
	}

	return Normalize(&domain.Response{
		Model: model,
		Message: domain.Message{
			Role:      domain.RoleAssistant,
			Content:   a.text.String(),
			ToolCalls: a.ToolCalls(),
		},
		FinishReason: a.finishReason,
		Usage:        a.usage,
	}), nil
}

// Normalize fills the fields every response must carry regardless of the
// adapter that produced it.
func Normalize(resp *domain.Response) *domain.Response {
	resp.Message.Role = domain.RoleAssistant
	resp.Usage = resp.Usage.Normalize()
	switch {
	case len(resp.Message.ToolCalls) > 0:
		resp.FinishReason = domain.FinishReasonToolCalls
	case resp.FinishReason == "":
		resp.FinishReason = domain.FinishReasonStop
	}
	return resp
}

// Collect drains s into a Response.
func Collect(ctx context.Context, s *domain.Stream, model string) (*domain.Response, error) {
	defer s.Close()

	agg := NewAggregator()
	for {
		c, ok := s.Next(ctx)
		if !ok {
			break
		}
		if err := agg.Add(c); err != nil {
			return nil, err
		}
	}
	return agg.Response(model)
}
