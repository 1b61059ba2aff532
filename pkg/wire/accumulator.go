package wire

import (
	"encoding/json"
	"strings"
	"sync"
)

// AgentEvent is the payload shape of agent-run event frames. Data keys
// depend on Type; see the taxonomy emitted by the agent loop.
type AgentEvent struct {
	Type       string         `json:"type"`
	RunID      string         `json:"run_id,omitempty"`
	SessionKey string         `json:"session_key,omitempty"`
	Seq        uint64         `json:"seq,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// ToolCallView is a tool call reconstructed from the event stream.
type ToolCallView struct {
	ID        string
	Name      string
	Arguments string
}

type runState struct {
	text      strings.Builder
	thinking  strings.Builder
	toolCalls []ToolCallView
	complete  bool
}

// Accumulator rebuilds streamed assistant output on the client side. The
// gateway's stream proxy strips the cumulative "partial" field from
// message_update frames to save bandwidth; feeding every event frame of a
// run into an Accumulator yields the exact final content.
type Accumulator struct {
	mu   sync.Mutex
	runs map[string]*runState
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{runs: make(map[string]*runState)}
}

// Feed consumes one event frame. Non-event frames and frames without a
// run id are ignored.
func (a *Accumulator) Feed(frame *Frame) error {
	if frame == nil || frame.Type != TypeEvent || len(frame.Data) == 0 {
		return nil
	}
	var ev AgentEvent
	if err := json.Unmarshal(frame.Data, &ev); err != nil {
		return err
	}
	runID := ev.RunID
	if runID == "" {
		runID = frame.RunID
	}
	if runID == "" {
		return nil
	}
	a.FeedEvent(runID, ev)
	return nil
}

// FeedEvent consumes one decoded agent event for the given run.
func (a *Accumulator) FeedEvent(runID string, ev AgentEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	state := a.runs[runID]
	if state == nil {
		state = &runState{}
		a.runs[runID] = state
	}

	switch ev.Type {
	case "message_start":
		state.text.Reset()
		state.thinking.Reset()
		state.toolCalls = nil
		state.complete = false
	case "text_delta":
		state.text.WriteString(stringField(ev.Data, "text"))
	case "thinking_delta":
		state.thinking.WriteString(stringField(ev.Data, "text"))
	case "message_update":
		// Unproxied streams still carry the cumulative snapshot; prefer it
		// when present so both wire shapes converge on the same content.
		if partial, ok := ev.Data["partial"].(string); ok {
			state.text.Reset()
			state.text.WriteString(partial)
		}
	case "tool_call_end":
		state.toolCalls = append(state.toolCalls, ToolCallView{
			ID:        stringField(ev.Data, "tool_call_id"),
			Name:      stringField(ev.Data, "name"),
			Arguments: stringField(ev.Data, "arguments"),
		})
	case "message_end":
		state.complete = true
	}
}

// Content returns the assistant text accumulated so far for the run.
func (a *Accumulator) Content(runID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if state := a.runs[runID]; state != nil {
		return state.text.String()
	}
	return ""
}

// Thinking returns the reasoning text accumulated so far for the run.
func (a *Accumulator) Thinking(runID string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if state := a.runs[runID]; state != nil {
		return state.thinking.String()
	}
	return ""
}

// ToolCalls returns the tool calls seen in the run's current message.
func (a *Accumulator) ToolCalls(runID string) []ToolCallView {
	a.mu.Lock()
	defer a.mu.Unlock()
	if state := a.runs[runID]; state != nil {
		return append([]ToolCallView(nil), state.toolCalls...)
	}
	return nil
}

// Complete reports whether the run's current message has ended.
func (a *Accumulator) Complete(runID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if state := a.runs[runID]; state != nil {
		return state.complete
	}
	return false
}

// Reset discards accumulated state for the run.
func (a *Accumulator) Reset(runID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.runs, runID)
}

func stringField(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	s, _ := data[key].(string)
	return s
}
