package response

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"github.com/tjfontaine/polyglot-orchestrator/internal/domain"
)

func fragment(index int, id, name, args string) domain.Chunk {
	return domain.Chunk{Type: domain.ChunkTypeToolCall, ToolCall: &domain.ToolCallDelta{Index: index, ID: id, Name: name, ArgumentsDelta: args}}
}

func done(index int, id string) domain.Chunk {
	return domain.Chunk{Type: domain.ChunkTypeToolCallDone, ToolCall: &domain.ToolCallDelta{Index: index, ID: id}}
}

func assertJSON(t *testing.T, want string, got json.RawMessage) {
	t.Helper()
	var w, g any
	if err := json.Unmarshal([]byte(want), &w); err != nil {
		t.Fatalf("bad expected JSON %q: %v", want, err)
	}
	if err := json.Unmarshal(got, &g); err != nil {
		t.Fatalf("invalid JSON %q: %v", got, err)
	}
	if !reflect.DeepEqual(w, g) {
		t.Errorf("JSON = %s, want %s", got, want)
	}
}

func TestCollect_TextAndUsage(t *testing.T) {
	s := domain.NewStreamFromChunks(
		domain.DeltaChunk("The answer "),
		domain.DeltaChunk("is 4."),
		domain.TerminalChunk(domain.Usage{PromptTokens: 10, CompletionTokens: 5}, domain.FinishReasonStop),
	)

	resp, err := Collect(context.Background(), s, "m")
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	if resp.Text() != "The answer is 4." {
		t.Errorf("Text() = %q", resp.Text())
	}
	if resp.Message.Role != domain.RoleAssistant {
		t.Errorf("Role = %q", resp.Message.Role)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("TotalTokens = %d, want 15", resp.Usage.TotalTokens)
	}
	if resp.FinishReason != domain.FinishReasonStop {
		t.Errorf("FinishReason = %q", resp.FinishReason)
	}
}

func TestCollect_SplitToolArguments(t *testing.T) {
	// Two interleaved calls; the second call's id arrives on its first
	// fragment only, later fragments carry just the index.
	s := domain.NewStreamFromChunks(
		fragment(0, "call_a", "calc", `{"expr`),
		fragment(1, "call_b", "clock", `{`),
		fragment(0, "", "", `ession":"2+2"}`),
		fragment(1, "", "", `}`),
		done(0, "call_a"),
		done(1, "call_b"),
		domain.TerminalChunk(domain.Usage{}, domain.FinishReasonToolCalls),
	)

	resp, err := Collect(context.Background(), s, "m")
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	calls := resp.ToolCalls()
	if len(calls) != 2 {
		t.Fatalf("got %d tool calls, want 2", len(calls))
	}
	if calls[0].ID != "call_a" || calls[0].Name != "calc" {
		t.Errorf("calls[0] = %+v", calls[0])
	}
	assertJSON(t, `{"expression":"2+2"}`, calls[0].Arguments)
	if calls[1].ID != "call_b" {
		t.Errorf("calls[1].ID = %q", calls[1].ID)
	}
	assertJSON(t, `{}`, calls[1].Arguments)
	if resp.FinishReason != domain.FinishReasonToolCalls {
		t.Errorf("FinishReason = %q", resp.FinishReason)
	}
}

func TestAggregator_LateID(t *testing.T) {
	agg := NewAggregator()
	for _, c := range []domain.Chunk{
		fragment(0, "", "calc", `{"expression":`),
		fragment(0, "call_late", "", `"1"}`),
		done(0, ""),
		domain.TerminalChunk(domain.Usage{}, ""),
	} {
		if err := agg.Add(c); err != nil {
			t.Fatalf("Add(%+v) error = %v", c, err)
		}
	}

	resp, err := agg.Response("m")
	if err != nil {
		t.Fatalf("Response() error = %v", err)
	}
	calls := resp.ToolCalls()
	if len(calls) != 1 || calls[0].ID != "call_late" {
		t.Fatalf("ToolCalls() = %+v", calls)
	}
	assertJSON(t, `{"expression":"1"}`, calls[0].Arguments)
}

func TestAggregator_IncompleteCallIsNotExposed(t *testing.T) {
	agg := NewAggregator()
	if err := agg.Add(fragment(0, "call_a", "calc", `{"expression":"1"`)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if calls := agg.ToolCalls(); len(calls) != 0 {
		t.Errorf("a call without its done marker is not complete: %+v", calls)
	}

	if err := agg.Add(domain.TerminalChunk(domain.Usage{}, domain.FinishReasonStop)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if _, err := agg.Response("m"); err == nil {
		t.Error("expected an error for an unterminated tool call")
	}
}

func TestAggregator_ErrorChunk(t *testing.T) {
	streamErr := domain.ErrProviderTransient("reset").WithCode(domain.ErrorCodeConnection)
	s := domain.NewStreamFromChunks(domain.DeltaChunk("partial"), domain.ErrorChunk(streamErr))

	_, err := Collect(context.Background(), s, "m")
	if !errors.Is(err, streamErr) {
		t.Errorf("err = %v, want %v", err, streamErr)
	}
}

func TestAggregator_StreamWithoutTerminal(t *testing.T) {
	ch := make(chan domain.Chunk, 1)
	ch <- domain.DeltaChunk("cut")
	close(ch)

	_, err := Collect(context.Background(), domain.NewStream(ch, nil), "m")
	e, ok := domain.AsError(err)
	if !ok {
		t.Fatalf("err = %v, want *domain.Error", err)
	}
	if e.Code != domain.ErrorCodeStreamInterrupted {
		t.Errorf("Code = %q", e.Code)
	}
}

func TestAggregator_ChunkAfterTerminal(t *testing.T) {
	agg := NewAggregator()
	if err := agg.Add(domain.TerminalChunk(domain.Usage{}, domain.FinishReasonStop)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := agg.Add(domain.DeltaChunk("late")); err == nil {
		t.Error("expected an error for a chunk after the terminal")
	}
}

func TestNormalize(t *testing.T) {
	resp := Normalize(&domain.Response{
		Message: domain.Message{ToolCalls: []domain.ToolCall{{ID: "x", Name: "calc"}}},
		Usage:   domain.Usage{PromptTokens: 1, CompletionTokens: 2},
	})
	if resp.Message.Role != domain.RoleAssistant {
		t.Errorf("Role = %q", resp.Message.Role)
	}
	if resp.FinishReason != domain.FinishReasonToolCalls {
		t.Errorf("FinishReason = %q", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 3 {
		t.Errorf("TotalTokens = %d, want 3", resp.Usage.TotalTokens)
	}
}
