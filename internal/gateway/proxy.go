package gateway

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/pkg/wire"
)

// defaultBatchSize bounds a buffered connection's pending event batch.
const defaultBatchSize = 8

// StreamProxy sits between the event bus and the wire. Run-scoped agent
// events are forwarded only to the connection that started the run, with
// the cumulative "partial" snapshot stripped from message_update frames;
// clients rebuild the text from deltas. Service events broadcast to every
// operator connection. Connections that opted into buffered mode get
// events in batches flushed on any *_end event.
type StreamProxy struct {
	bus     *bus.Bus
	runtime *Runtime
	logger  *slog.Logger

	mu      sync.Mutex
	conns   map[*conn]struct{}
	pending map[*conn][]*wire.Frame
	unsub   func()
}

// NewStreamProxy builds the proxy. Start subscribes it to the bus.
func NewStreamProxy(b *bus.Bus, runtime *Runtime, logger *slog.Logger) *StreamProxy {
	if logger == nil {
		logger = slog.Default().With("component", "stream_proxy")
	}
	return &StreamProxy{
		bus:     b,
		runtime: runtime,
		logger:  logger,
		conns:   make(map[*conn]struct{}),
		pending: make(map[*conn][]*wire.Frame),
	}
}

// Start begins forwarding. Events are consumed on the bus's async
// dispatch goroutine so a slow socket never blocks publishers.
func (p *StreamProxy) Start() {
	p.unsub = p.bus.SubscribeAsync(bus.Wildcard, p.forward)
}

// Stop detaches from the bus.
func (p *StreamProxy) Stop() {
	if p.unsub != nil {
		p.unsub()
		p.unsub = nil
	}
}

// Attach registers a connection after its handshake.
func (p *StreamProxy) Attach(c *conn) {
	p.mu.Lock()
	p.conns[c] = struct{}{}
	p.mu.Unlock()
}

// ConnCount reports how many handshaken connections are attached.
func (p *StreamProxy) ConnCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Detach removes a closed connection and orphans its runs.
func (p *StreamProxy) Detach(c *conn) {
	p.mu.Lock()
	delete(p.conns, c)
	delete(p.pending, c)
	p.mu.Unlock()
	p.runtime.detachConn(c)
}

func (p *StreamProxy) forward(ctx context.Context, ev bus.Event) {
	if ev.RunID != "" {
		p.forwardRunEvent(ev)
		return
	}
	p.broadcast(ev)
}

func (p *StreamProxy) forwardRunEvent(ev bus.Event) {
	c := p.runtime.connFor(ev.RunID)
	if c == nil {
		return
	}

	frame, err := wire.NewEventFrame(ev.Type, wire.AgentEvent{
		Type:       ev.Type,
		RunID:      ev.RunID,
		SessionKey: ev.SessionKey,
		Seq:        ev.Seq,
		Data:       stripPartial(ev.Type, ev.Data),
	}, ev.RunID, ev.Seq)
	if err != nil {
		p.logger.Error("event frame encoding failed", "type", ev.Type, "error", err)
		return
	}
	p.deliver(c, frame, isFlushEvent(ev.Type))
}

// broadcast sends a service event to every connection whose identity may
// observe it. Non-run events carry no session ownership, so only
// operator connections receive them.
func (p *StreamProxy) broadcast(ev bus.Event) {
	frame, err := wire.NewEventFrame(ev.Type, ev.Data, "", 0)
	if err != nil {
		p.logger.Error("event frame encoding failed", "type", ev.Type, "error", err)
		return
	}

	p.mu.Lock()
	targets := make([]*conn, 0, len(p.conns))
	for c := range p.conns {
		targets = append(targets, c)
	}
	p.mu.Unlock()

	for _, c := range targets {
		if c.Identity().Role != auth.RoleOperator {
			continue
		}
		p.deliver(c, frame, isFlushEvent(ev.Type))
	}
}

// deliver sends the frame now, or queues it when the connection asked
// for buffered delivery. flush forces the queued batch out.
func (p *StreamProxy) deliver(c *conn, frame *wire.Frame, flush bool) {
	c.mu.Lock()
	buffered := c.buffered
	batch := c.batchSize
	c.mu.Unlock()
	if !buffered {
		c.sendFrame(frame)
		return
	}
	if batch <= 0 {
		batch = defaultBatchSize
	}

	p.mu.Lock()
	p.pending[c] = append(p.pending[c], frame)
	var out []*wire.Frame
	if flush || len(p.pending[c]) >= batch {
		out = p.pending[c]
		delete(p.pending, c)
	}
	p.mu.Unlock()

	for _, f := range out {
		if !c.sendFrame(f) {
			return
		}
	}
}

// isFlushEvent reports whether an event type terminates a phase and must
// flush buffered batches.
func isFlushEvent(eventType string) bool {
	return strings.HasSuffix(eventType, "_end") || eventType == "agent_end" || eventType == "turn_aborted"
}

// stripPartial drops the cumulative snapshot from message_update payloads
// before they cross the wire. The map is copied; bus subscribers share
// the original.
func stripPartial(eventType string, data map[string]any) map[string]any {
	if eventType != "message_update" || data == nil {
		return data
	}
	if _, ok := data["partial"]; !ok {
		return data
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if k == "partial" {
			continue
		}
		out[k] = v
	}
	return out
}

// eventStreams lists the event types a client may observe, for the
// connect hello.
func eventStreams() []string {
	return []string{
		"agent_start", "turn_start", "message_start",
		"thinking_start", "thinking_delta", "thinking_end",
		"text_delta", "message_update",
		"tool_call_start", "tool_call_delta", "tool_call_end",
		"message_end", "turn_end",
		"tool_execution_start", "tool_execution_update", "tool_execution_end",
		"turn_aborted", "agent_end",
		"compaction_start", "compaction_complete",
		"exec.approval.requested", "exec.approval.resolved",
		"config.changed",
		"job-added", "job-updated", "job-removed", "job-started", "job-finished",
		"system.event",
	}
}
