package providers

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// Scripted is a provider that replays configured event sequences: the
// first Stream call plays the first script, the second call the second,
// and so on. It backs tests and the dry-run serve mode. When the scripts
// run out it repeats the last one.
type Scripted struct {
	name    string
	mu      sync.Mutex
	scripts [][]Event
	calls   int
	delay   time.Duration

	// Requests records every StreamRequest received, for assertions.
	Requests []*StreamRequest
}

// NewScripted builds a scripted provider from per-turn event sequences.
func NewScripted(name string, scripts ...[]Event) *Scripted {
	if name == "" {
		name = "scripted"
	}
	return &Scripted{name: name, scripts: scripts}
}

// WithDelay makes the provider pause between events, approximating a real
// network stream.
func (p *Scripted) WithDelay(d time.Duration) *Scripted {
	p.delay = d
	return p
}

func (p *Scripted) Name() string { return p.name }

func (p *Scripted) Models() []Model {
	return []Model{{ID: p.name + "-1", Name: "Scripted", ContextWindow: 128000}}
}

// Stream replays the next script. Events stop early when ctx is
// cancelled; the channel is always closed.
func (p *Scripted) Stream(ctx context.Context, req *StreamRequest) (*Stream, error) {
	p.mu.Lock()
	script := []Event{{Kind: KindDone, FinishReason: "stop"}}
	if len(p.scripts) > 0 {
		idx := p.calls
		if idx >= len(p.scripts) {
			idx = len(p.scripts) - 1
		}
		script = p.scripts[idx]
	}
	p.calls++
	p.Requests = append(p.Requests, req)
	delay := p.delay
	p.mu.Unlock()

	streamCtx, cancel := context.WithCancel(ctx)
	events := make(chan Event)
	go func() {
		defer close(events)
		for _, ev := range script {
			if delay > 0 {
				select {
				case <-streamCtx.Done():
					return
				case <-time.After(delay):
				}
			}
			select {
			case events <- ev:
			case <-streamCtx.Done():
				return
			}
		}
	}()
	return NewStream(events, cancel), nil
}

// Calls returns how many times Stream has been invoked.
func (p *Scripted) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// TextScript builds a script that streams text in the given fragments and
// finishes normally.
func TextScript(fragments ...string) []Event {
	events := make([]Event, 0, len(fragments)+1)
	for _, f := range fragments {
		events = append(events, Event{Kind: KindTextDelta, Text: f})
	}
	return append(events, Event{Kind: KindDone, FinishReason: "stop"})
}

// ToolCallScript builds a script that emits the given tool calls and
// finishes with the tool_use reason.
func ToolCallScript(calls ...models.ToolCall) []Event {
	return []Event{
		{Kind: KindToolCall, ToolCalls: calls},
		{Kind: KindDone, FinishReason: "tool_use"},
	}
}

// ThinkingScript wraps fragments in a thinking block followed by text.
func ThinkingScript(thinking string, text string) []Event {
	return []Event{
		{Kind: KindThinkingStart},
		{Kind: KindThinkingDelta, Text: thinking},
		{Kind: KindThinkingEnd},
		{Kind: KindTextDelta, Text: text},
		{Kind: KindDone, FinishReason: "stop"},
	}
}
