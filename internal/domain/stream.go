package domain

import (
	"context"
	"sync"
)

// ChunkType identifies the kind of streamed chunk.
type ChunkType string

const (
	// ChunkTypeDelta carries an incremental text delta.
	ChunkTypeDelta ChunkType = "delta"

	// ChunkTypeToolCall carries a fragment of a tool call.
	ChunkTypeToolCall ChunkType = "tool_call"

	// ChunkTypeToolCallDone marks a tool call as fully received.
	ChunkTypeToolCallDone ChunkType = "tool_call_done"

	// ChunkTypeTerminal ends a successful stream and carries final usage.
	ChunkTypeTerminal ChunkType = "terminal"

	// ChunkTypeError ends a failed stream.
	ChunkTypeError ChunkType = "error"
)

// ToolCallDelta is a fragment of a tool call. Providers may split the
// arguments of one call across many fragments; ID may only be present on
// the first fragment, in which case Index links the rest.
type ToolCallDelta struct {
	Index          int    `json:"index"`
	ID             string `json:"id,omitempty"`
	Name           string `json:"name,omitempty"`
	ArgumentsDelta string `json:"arguments_delta,omitempty"`
}

// Chunk is one incremental unit of a streamed response.
type Chunk struct {
	Type ChunkType `json:"type"`

	// Delta is the text increment for delta chunks.
	Delta string `json:"delta,omitempty"`

	// ToolCall is set for tool_call and tool_call_done chunks.
	ToolCall *ToolCallDelta `json:"tool_call,omitempty"`

	// Usage is set on terminal chunks.
	Usage *Usage `json:"usage,omitempty"`

	// FinishReason is set on terminal chunks.
	FinishReason string `json:"finish_reason,omitempty"`

	// Err is set on error chunks.
	Err error `json:"-"`

	// Sources and Warnings are attached by the orchestrator to the final
	// terminal chunk it emits to callers.
	Sources  []string `json:"sources,omitempty"`
	Warnings []*Error `json:"warnings,omitempty"`
}

// IsTerminal reports whether the chunk ends the stream.
func (c Chunk) IsTerminal() bool {
	return c.Type == ChunkTypeTerminal || c.Type == ChunkTypeError
}

// DeltaChunk builds a text delta chunk.
func DeltaChunk(text string) Chunk {
	return Chunk{Type: ChunkTypeDelta, Delta: text}
}

// TerminalChunk builds a successful end-of-stream chunk.
func TerminalChunk(usage Usage, finishReason string) Chunk {
	u := usage.Normalize()
	return Chunk{Type: ChunkTypeTerminal, Usage: &u, FinishReason: finishReason}
}

// ErrorChunk builds a failed end-of-stream chunk.
func ErrorChunk(err error) Chunk {
	return Chunk{Type: ChunkTypeError, Err: err}
}

// Emit sends c on out unless ctx is done first. Producers use it so that a
// consumer that stops reading never strands the producing goroutine.
func Emit(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// Stream is a lazy, finite, non-restartable sequence of chunks. Every stream
// ends with exactly one terminal or error chunk; a producer that closes its
// channel without sending one surfaces as an interrupted-stream error chunk.
//
// A Stream is consumed by a single goroutine. Close may be called from any
// goroutine.
type Stream struct {
	ch     <-chan Chunk
	cancel context.CancelFunc

	done      bool
	err       error
	closeOnce sync.Once
}

// NewStream wraps a producer channel. cancel, if non-nil, stops the producer
// and is invoked when the stream ends or is closed.
func NewStream(ch <-chan Chunk, cancel context.CancelFunc) *Stream {
	return &Stream{ch: ch, cancel: cancel}
}

// NewStreamFromChunks returns a stream that replays chunks in order.
func NewStreamFromChunks(chunks ...Chunk) *Stream {
	ch := make(chan Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return NewStream(ch, nil)
}

// Next blocks until the next chunk is available. It returns false once the
// terminal chunk has been delivered. If ctx is cancelled while waiting, the
// stream is closed and a cancellation error chunk is returned.
func (s *Stream) Next(ctx context.Context) (Chunk, bool) {
	if s.done {
		return Chunk{}, false
	}

	select {
	case c, ok := <-s.ch:
		if !ok {
			c = ErrorChunk(ErrStreamInterrupted("stream ended without a terminal chunk"))
		}
		if c.IsTerminal() {
			s.finish(c)
		}
		return c, true
	case <-ctx.Done():
		c := ErrorChunk(ErrCancelled(ctx.Err()))
		s.finish(c)
		return c, true
	}
}

// Err returns the error carried by the error chunk, once the stream ended.
func (s *Stream) Err() error {
	return s.err
}

// Done reports whether the terminal chunk has been delivered.
func (s *Stream) Done() bool {
	return s.done
}

// Close stops the producer. It is safe to call more than once.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

func (s *Stream) finish(c Chunk) {
	s.done = true
	if c.Type == ChunkTypeError {
		s.err = c.Err
	}
	s.Close()
}
