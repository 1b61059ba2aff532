package providers

import (
	"strings"

	"github.com/haasonsaas/relay/pkg/models"
)

// Accumulator folds a provider event stream into the final assistant
// message. The agent loop owns one per turn; after the stream drains,
// Message() yields the AgentMessage to append to the session log.
type Accumulator struct {
	text      strings.Builder
	thinking  strings.Builder
	toolCalls []models.ToolCall
	finish    string
	usage     Usage
	err       error
}

// Add consumes one stream event.
func (a *Accumulator) Add(ev Event) {
	switch ev.Kind {
	case KindTextDelta:
		a.text.WriteString(ev.Text)
	case KindThinkingDelta:
		a.thinking.WriteString(ev.Text)
	case KindToolCall:
		a.toolCalls = append(a.toolCalls, ev.ToolCalls...)
	case KindDone:
		if ev.FinishReason != "" {
			a.finish = ev.FinishReason
		}
		a.usage.Add(ev.Usage)
	case KindError:
		if a.err == nil {
			a.err = ev.Err
		}
	}
}

// Text returns the assistant text accumulated so far.
func (a *Accumulator) Text() string { return a.text.String() }

// Thinking returns the reasoning text accumulated so far.
func (a *Accumulator) Thinking() string { return a.thinking.String() }

// ToolCalls returns the collected tool calls in emission order. Duplicate
// ids are kept; ids only correlate events with results.
func (a *Accumulator) ToolCalls() []models.ToolCall { return a.toolCalls }

// FinishReason returns the reported finish reason, defaulting to
// "unknown" when the stream ended without a done event.
func (a *Accumulator) FinishReason() string {
	if a.finish == "" {
		return FinishReasonUnknown
	}
	return a.finish
}

// Usage returns accumulated token usage.
func (a *Accumulator) Usage() Usage { return a.usage }

// Err returns the first error event seen, if any.
func (a *Accumulator) Err() error { return a.err }

// Message builds the final assistant message.
func (a *Accumulator) Message() models.AgentMessage {
	msg := models.NewAssistantMessage(a.text.String(), a.toolCalls)
	msg.Thinking = a.thinking.String()
	return msg
}
