// Package providers defines the LLM provider abstraction: a single Stream
// operation that normalises heterogeneous model streaming APIs into one
// cancellable event sequence the agent loop consumes. Concrete adapters
// live alongside; the registry routes model identifiers to adapters.
package providers

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/haasonsaas/relay/pkg/models"
)

// EventKind enumerates the normalised stream event kinds.
type EventKind string

const (
	KindThinkingStart EventKind = "thinking_start"
	KindThinkingDelta EventKind = "thinking_delta"
	KindThinkingEnd   EventKind = "thinking_end"
	KindTextDelta     EventKind = "text_delta"
	KindToolCall      EventKind = "tool_call"
	KindDone          EventKind = "done"
	KindError         EventKind = "error"
)

// Event is one element of a provider stream.
//
// Adapters must not interleave KindToolCall with KindTextDelta inside one
// model turn: tool calls come after text is finished, or instead of text.
type Event struct {
	Kind EventKind

	// Text carries the fragment for text_delta and thinking_delta.
	Text string

	// ToolCalls carries the calls for a tool_call event, in emission order.
	ToolCalls []models.ToolCall

	// FinishReason and Usage accompany done.
	FinishReason string
	Usage        *Usage

	// Err accompanies error events.
	Err error
}

// Usage is token accounting reported by a provider.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates counts from another usage record.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// ToolSpec describes a callable tool to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// StreamRequest enumerates every recognised streaming option. Adapters
// ignore options their backend cannot express.
//
// When Tools is empty an adapter MUST configure its backend to forbid
// function calling so the model cannot hallucinate calls.
type StreamRequest struct {
	Messages     []models.AgentMessage
	Model        string
	Tools        []ToolSpec
	Thinking     models.ThinkingLevel
	MaxTokens    int
	Temperature  float64
	EnableSearch bool
}

// Model describes one model a provider can serve.
type Model struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	ContextWindow int    `json:"context_window,omitempty"`
	MaxOutput     int    `json:"max_output,omitempty"`
}

// Provider adapts one LLM backend into the normalised stream.
type Provider interface {
	Name() string
	Models() []Model
	Stream(ctx context.Context, req *StreamRequest) (*Stream, error)
}

// Stream is a cancellable iterator of Events. The producing goroutine
// closes the events channel when the stream ends for any reason; Close
// asks it to stop early and is safe to call more than once.
type Stream struct {
	events <-chan Event
	cancel context.CancelFunc
}

// NewStream wraps a producer channel. cancel may be nil.
func NewStream(events <-chan Event, cancel context.CancelFunc) *Stream {
	if cancel == nil {
		cancel = func() {}
	}
	return &Stream{events: events, cancel: cancel}
}

// Events returns the event channel. It is closed when the stream ends.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Close cancels the stream. Pending events may still be delivered until
// the channel closes.
func (s *Stream) Close() {
	s.cancel()
}

// ErrNoProvider is returned when no provider can serve a model.
var ErrNoProvider = errors.New("no provider for model")

// FinishReasonUnknown is reported when a stream ends without a done event.
const FinishReasonUnknown = "unknown"
