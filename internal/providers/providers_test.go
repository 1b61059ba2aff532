package providers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/retry"
	"github.com/haasonsaas/relay/pkg/models"
)

func drain(t *testing.T, s *Stream) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func TestScriptedReplaysScriptsInOrder(t *testing.T) {
	p := NewScripted("test",
		TextScript("one"),
		TextScript("two"),
	)

	for i, want := range []string{"one", "two"} {
		s, err := p.Stream(context.Background(), &StreamRequest{Model: "test-1"})
		if err != nil {
			t.Fatalf("Stream #%d: %v", i, err)
		}
		var acc Accumulator
		for _, ev := range drain(t, s) {
			acc.Add(ev)
		}
		if acc.Text() != want {
			t.Errorf("turn %d text = %q, want %q", i, acc.Text(), want)
		}
	}

	// Exhausted scripts repeat the last one.
	s, _ := p.Stream(context.Background(), &StreamRequest{})
	var acc Accumulator
	for _, ev := range drain(t, s) {
		acc.Add(ev)
	}
	if acc.Text() != "two" {
		t.Errorf("overflow turn text = %q, want two", acc.Text())
	}
}

func TestScriptedCancellation(t *testing.T) {
	p := NewScripted("slow", TextScript("a", "b", "c", "d")).WithDelay(50 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	s, err := p.Stream(ctx, &StreamRequest{})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	// Read one event, then cancel; the stream must close promptly.
	select {
	case <-s.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("no first event")
	}
	cancel()

	closed := make(chan struct{})
	go func() {
		for range s.Events() {
		}
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed after cancel")
	}
}

func TestAccumulatorMessage(t *testing.T) {
	var acc Accumulator
	call := models.ToolCall{ID: "c1", Name: "echo", Arguments: json.RawMessage(`{"t":"hi"}`)}
	for _, ev := range []Event{
		{Kind: KindThinkingStart},
		{Kind: KindThinkingDelta, Text: "hmm"},
		{Kind: KindThinkingEnd},
		{Kind: KindTextDelta, Text: "Hello"},
		{Kind: KindTextDelta, Text: " there"},
		{Kind: KindToolCall, ToolCalls: []models.ToolCall{call}},
		{Kind: KindDone, FinishReason: "tool_use", Usage: &Usage{InputTokens: 10, OutputTokens: 5}},
	} {
		acc.Add(ev)
	}

	msg := acc.Message()
	if msg.Role != models.RoleAssistant {
		t.Errorf("Role = %q", msg.Role)
	}
	if msg.Content != "Hello there" {
		t.Errorf("Content = %q", msg.Content)
	}
	if msg.Thinking != "hmm" {
		t.Errorf("Thinking = %q", msg.Thinking)
	}
	if len(msg.ToolCalls) != 1 || msg.ToolCalls[0].ID != "c1" {
		t.Errorf("ToolCalls = %+v", msg.ToolCalls)
	}
	if acc.FinishReason() != "tool_use" {
		t.Errorf("FinishReason = %q", acc.FinishReason())
	}
	if acc.Usage().InputTokens != 10 {
		t.Errorf("Usage = %+v", acc.Usage())
	}
}

func TestAccumulatorFinishReasonDefaultsUnknown(t *testing.T) {
	var acc Accumulator
	acc.Add(Event{Kind: KindTextDelta, Text: "x"})
	if acc.FinishReason() != FinishReasonUnknown {
		t.Errorf("FinishReason = %q, want %q", acc.FinishReason(), FinishReasonUnknown)
	}
}

func TestRegistryPrefixRouting(t *testing.T) {
	reg := NewRegistry()
	alpha := NewScripted("alpha")
	beta := NewScripted("beta")
	reg.Register(alpha)
	reg.Register(beta)
	reg.RoutePrefix("beta-", "beta")
	reg.RoutePrefix("beta-special-", "alpha")

	p, err := reg.Resolve("beta-large")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.Name() != "beta" {
		t.Errorf("Resolve(beta-large) = %q, want beta", p.Name())
	}

	// Longest prefix wins.
	p, _ = reg.Resolve("beta-special-1")
	if p.Name() != "alpha" {
		t.Errorf("Resolve(beta-special-1) = %q, want alpha", p.Name())
	}

	// Unrouted models use the default (first registered).
	p, _ = reg.Resolve("mystery-model")
	if p.Name() != "alpha" {
		t.Errorf("Resolve(mystery-model) = %q, want alpha", p.Name())
	}
}

func TestRegistryEmpty(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Resolve("anything"); !errors.Is(err, ErrNoProvider) {
		t.Errorf("Resolve on empty registry = %v, want ErrNoProvider", err)
	}
}

func TestRegistrySetDefault(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewScripted("alpha"))
	reg.Register(NewScripted("beta"))
	if err := reg.SetDefault("beta"); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}
	p, _ := reg.Resolve("")
	if p.Name() != "beta" {
		t.Errorf("default = %q, want beta", p.Name())
	}
	if err := reg.SetDefault("missing"); err == nil {
		t.Error("SetDefault(missing) should fail")
	}
}

func TestRetryingRecoversTransientFailures(t *testing.T) {
	inner := &flakyProvider{failures: 2, script: TextScript("ok")}
	p := NewRetrying(inner, retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}, nil)

	s, err := p.Stream(context.Background(), &StreamRequest{Model: "m"})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	var acc Accumulator
	for _, ev := range drain(t, s) {
		acc.Add(ev)
	}
	if acc.Text() != "ok" {
		t.Errorf("text = %q, want ok", acc.Text())
	}
	if inner.calls != 3 {
		t.Errorf("inner calls = %d, want 3", inner.calls)
	}
}

func TestRetryingStopsOnPermanentError(t *testing.T) {
	inner := &flakyProvider{failures: 10, permanent: true}
	p := NewRetrying(inner, retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond}, nil)

	if _, err := p.Stream(context.Background(), &StreamRequest{}); err == nil {
		t.Fatal("expected error")
	}
	if inner.calls != 1 {
		t.Errorf("inner calls = %d, want 1", inner.calls)
	}
}

type flakyProvider struct {
	failures  int
	calls     int
	permanent bool
	script    []Event
}

func (f *flakyProvider) Name() string    { return "flaky" }
func (f *flakyProvider) Models() []Model { return nil }

func (f *flakyProvider) Stream(ctx context.Context, req *StreamRequest) (*Stream, error) {
	f.calls++
	if f.calls <= f.failures {
		err := errors.New("connection reset")
		if f.permanent {
			return nil, retry.Permanent(errors.New("invalid api key"))
		}
		return nil, err
	}
	events := make(chan Event, len(f.script))
	for _, ev := range f.script {
		events <- ev
	}
	close(events)
	return NewStream(events, nil), nil
}
