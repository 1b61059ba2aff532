package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/pkg/models"
)

// Event types emitted during one agent run, in taxonomy order.
const (
	EventAgentStart         = "agent_start"
	EventTurnStart          = "turn_start"
	EventMessageStart       = "message_start"
	EventThinkingStart      = "thinking_start"
	EventThinkingDelta      = "thinking_delta"
	EventThinkingEnd        = "thinking_end"
	EventTextDelta          = "text_delta"
	EventMessageUpdate      = "message_update"
	EventToolCallStart      = "tool_call_start"
	EventToolCallDelta      = "tool_call_delta"
	EventToolCallEnd        = "tool_call_end"
	EventMessageEnd         = "message_end"
	EventTurnEnd            = "turn_end"
	EventToolExecStart      = "tool_execution_start"
	EventToolExecUpdate     = "tool_execution_update"
	EventToolExecEnd        = "tool_execution_end"
	EventTurnAborted        = "turn_aborted"
	EventAgentEnd           = "agent_end"
	EventCompactionStart    = "compaction_start"
	EventCompactionComplete = "compaction_complete"
)

// Terminal agent_end reasons.
const (
	ReasonCompleted = "completed"
	ReasonAbort     = "abort"
	ReasonError     = "error"
)

// Emitter publishes the events of one agent run with a monotonic sequence
// and the run/session correlation fields filled in. message_update events
// are coalesced by time and byte thresholds so long streams stay O(n).
type Emitter struct {
	bus        *bus.Bus
	runID      string
	sessionKey string
	seq        atomic.Uint64
	turn       atomic.Int64

	// message_update coalescing state, owned by the streaming goroutine.
	mu          sync.Mutex
	lastUpdate  time.Time
	lastPartial string
	sinceUpdate int

	updateInterval time.Duration
	updateBytes    int
}

const (
	defaultUpdateInterval = 50 * time.Millisecond
	defaultUpdateBytes    = 512
)

// NewEmitter creates an emitter for one run. bus may be nil, which makes
// every emit a no-op (used by isolated runs that nobody observes).
func NewEmitter(b *bus.Bus, runID, sessionKey string) *Emitter {
	return &Emitter{
		bus:            b,
		runID:          runID,
		sessionKey:     sessionKey,
		updateInterval: defaultUpdateInterval,
		updateBytes:    defaultUpdateBytes,
	}
}

// RunID returns the run identifier carried on every event.
func (e *Emitter) RunID() string { return e.runID }

// SetTurn records the turn index attached to subsequent events.
func (e *Emitter) SetTurn(turn int) { e.turn.Store(int64(turn)) }

// Emit publishes one event with correlation fields and the next sequence
// number.
func (e *Emitter) Emit(ctx context.Context, eventType string, data map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ctx, bus.Event{
		Type:       eventType,
		Timestamp:  time.Now(),
		RunID:      e.runID,
		SessionKey: e.sessionKey,
		Seq:        e.seq.Add(1),
		Data:       data,
	})
}

// TextDelta emits the granular delta and, when the coalescing thresholds
// are met, a message_update carrying the cumulative content.
func (e *Emitter) TextDelta(ctx context.Context, delta, cumulative string) {
	e.Emit(ctx, EventTextDelta, map[string]any{"text": delta})

	e.mu.Lock()
	e.sinceUpdate += len(delta)
	due := e.sinceUpdate >= e.updateBytes || time.Since(e.lastUpdate) >= e.updateInterval
	if due {
		e.lastUpdate = time.Now()
		e.sinceUpdate = 0
	}
	e.mu.Unlock()

	if due {
		e.MessageUpdate(ctx, cumulative)
	}
}

// MessageUpdate emits a snapshot of the in-progress assistant content.
func (e *Emitter) MessageUpdate(ctx context.Context, cumulative string) {
	e.mu.Lock()
	e.lastPartial = cumulative
	e.mu.Unlock()
	e.Emit(ctx, EventMessageUpdate, map[string]any{
		"partial": cumulative,
		"turn":    int(e.turn.Load()),
	})
}

// FlushUpdate emits a final message_update before message_end so snapshot
// clients always see the full text. Skipped when the last update already
// carried the same content.
func (e *Emitter) FlushUpdate(ctx context.Context, cumulative string) {
	e.mu.Lock()
	skip := cumulative == e.lastPartial
	e.lastUpdate = time.Now()
	e.sinceUpdate = 0
	e.mu.Unlock()
	if !skip {
		e.MessageUpdate(ctx, cumulative)
	}
}

// ToolCall emits the start/end pair for one complete tool call. Providers
// deliver calls whole, so there are no tool_call_delta events to forward
// and no dangling starts.
func (e *Emitter) ToolCall(ctx context.Context, call models.ToolCall) {
	e.Emit(ctx, EventToolCallStart, map[string]any{
		"tool_call_id": call.ID,
		"name":         call.Name,
	})
	e.Emit(ctx, EventToolCallEnd, map[string]any{
		"tool_call_id": call.ID,
		"name":         call.Name,
		"arguments":    string(call.Arguments),
	})
}
