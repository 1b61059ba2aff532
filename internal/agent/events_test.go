package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/pkg/models"
)

func TestEmitterSequencesMonotonic(t *testing.T) {
	b := bus.New()
	defer b.Close()
	rec := &recorder{}
	rec.subscribe(b)

	em := NewEmitter(b, "run_1", "main:test:1")
	em.Emit(context.Background(), EventAgentStart, nil)
	em.Emit(context.Background(), EventTurnStart, nil)
	em.Emit(context.Background(), EventAgentEnd, nil)

	var last uint64
	for _, ev := range rec.events {
		if ev.Seq <= last {
			t.Fatalf("seq %d after %d, want strictly increasing", ev.Seq, last)
		}
		last = ev.Seq
		if ev.RunID != "run_1" || ev.SessionKey != "main:test:1" {
			t.Errorf("correlation fields = %q/%q", ev.RunID, ev.SessionKey)
		}
	}
}

func TestEmitterCoalescesMessageUpdates(t *testing.T) {
	b := bus.New()
	defer b.Close()
	rec := &recorder{}
	rec.subscribe(b)

	em := NewEmitter(b, "run_2", "k")
	em.updateInterval = 1<<62 - 1 // never due by time
	em.updateBytes = 10

	cumulative := ""
	for i := 0; i < 8; i++ {
		cumulative += "abc"
		em.TextDelta(context.Background(), "abc", cumulative)
	}

	deltas := rec.find(EventTextDelta)
	updates := rec.find(EventMessageUpdate)
	if len(deltas) != 8 {
		t.Errorf("text_delta count = %d, want 8", len(deltas))
	}
	// 24 bytes at a 10-byte threshold: updates fire on crossing, not per delta.
	if len(updates) == 0 || len(updates) >= 8 {
		t.Errorf("message_update count = %d, want coalesced (0 < n < 8)", len(updates))
	}
	lastUpdate := updates[len(updates)-1]
	if partial, _ := lastUpdate.Data["partial"].(string); partial == "" {
		t.Error("message_update missing cumulative partial")
	}
}

func TestEmitterToolCallPairs(t *testing.T) {
	b := bus.New()
	defer b.Close()
	rec := &recorder{}
	rec.subscribe(b)

	em := NewEmitter(b, "run_3", "k")
	em.ToolCall(context.Background(), models.ToolCall{
		ID:        "c1",
		Name:      "echo",
		Arguments: json.RawMessage(`{"t":"x"}`),
	})

	starts := rec.find(EventToolCallStart)
	ends := rec.find(EventToolCallEnd)
	if len(starts) != 1 || len(ends) != 1 {
		t.Fatalf("start/end counts = %d/%d, want 1/1", len(starts), len(ends))
	}
	if ends[0].Data["arguments"] != `{"t":"x"}` {
		t.Errorf("tool_call_end arguments = %v", ends[0].Data["arguments"])
	}
}
