package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/looplab/fsm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Request states.
const (
	StateBuilding          = "building"
	StateContextAugmenting = "context_augmenting"
	StateToolPreparing     = "tool_preparing"
	StateCalling           = "calling"
	StateStreaming         = "streaming"
	StateCompleting        = "completing"
	StateToolLooping       = "tool_looping"
	StateCostRecording     = "cost_recording"
	StateDone              = "done"
	StateErrored           = "errored"
)

const (
	eventAugment      = "augment"
	eventPrepareTools = "prepare_tools"
	eventCall         = "call"
	eventStream       = "stream"
	eventComplete     = "complete"
	eventLoopTools    = "loop_tools"
	eventRecordCost   = "record_cost"
	eventFinish       = "finish"
	eventFail         = "fail"
)

var liveStates = []string{
	StateBuilding, StateContextAugmenting, StateToolPreparing, StateCalling,
	StateStreaming, StateCompleting, StateToolLooping, StateCostRecording,
}

// machine tracks one request's progress. Transitions not listed here are
// programming errors.
type machine struct {
	fsm *fsm.FSM
}

func newMachine(requestID string, logger *slog.Logger, span trace.Span) *machine {
	return &machine{fsm: fsm.NewFSM(
		StateBuilding,
		fsm.Events{
			{Name: eventAugment, Src: []string{StateBuilding}, Dst: StateContextAugmenting},
			{Name: eventPrepareTools, Src: []string{StateContextAugmenting}, Dst: StateToolPreparing},
			{Name: eventCall, Src: []string{StateToolPreparing}, Dst: StateCalling},
			{Name: eventStream, Src: []string{StateCalling}, Dst: StateStreaming},
			{Name: eventComplete, Src: []string{StateCalling}, Dst: StateCompleting},
			{Name: eventLoopTools, Src: []string{StateStreaming, StateCompleting}, Dst: StateToolLooping},
			{Name: eventRecordCost, Src: []string{StateStreaming, StateCompleting, StateToolLooping}, Dst: StateCostRecording},
			{Name: eventFinish, Src: []string{StateCostRecording}, Dst: StateDone},
			{Name: eventFail, Src: liveStates, Dst: StateErrored},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Debug("request state changed",
					slog.String("request_id", requestID),
					slog.String("from", e.Src),
					slog.String("state", e.Dst))
				span.AddEvent("state", trace.WithAttributes(attribute.String("state", e.Dst)))
			},
		},
	)}
}

// advance fires event. Transitions still happen after the request context
// is cancelled so that a cancelled request can reach Errored.
func (m *machine) advance(ctx context.Context, event string) error {
	if err := m.fsm.Event(context.WithoutCancel(ctx), event); err != nil {
		return fmt.Errorf("request state %s: event %s: %w", m.fsm.Current(), event, err)
	}
	return nil
}

// fail moves a live request to Errored. It is a no-op once terminal.
func (m *machine) fail(ctx context.Context) {
	if m.fsm.Can(eventFail) {
		_ = m.fsm.Event(context.WithoutCancel(ctx), eventFail)
	}
}

func (m *machine) current() string {
	return m.fsm.Current()
}
