package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/internal/tools"
)

func newTestRuntime(t *testing.T, scripted *providers.Scripted) *Runtime {
	t.Helper()
	reg := providers.NewRegistry()
	reg.Register(scripted)
	b := bus.New()
	t.Cleanup(b.Close)
	deps := agent.Deps{
		Providers: reg,
		Tools:     tools.NewRunner(tools.NewRegistry()),
		Store:     sessions.NewMemoryStore(),
		Bus:       b,
	}
	return NewRuntime(deps, agent.Config{DefaultModel: "scripted-1"})
}

func TestRunSyncReturnsFinalMessages(t *testing.T) {
	rt := newTestRuntime(t, providers.NewScripted("scripted", providers.TextScript("hello there")))

	run, msgs, err := rt.RunSync(context.Background(), RunRequest{
		SessionKey: "main:test:1",
		Text:       "hi",
	})
	if err != nil {
		t.Fatalf("RunSync() error = %v", err)
	}
	if run.ID == "" {
		t.Error("run.ID is empty")
	}
	final := lastAssistant(msgs)
	if final.Content != "hello there" {
		t.Errorf("final content = %q, want %q", final.Content, "hello there")
	}
	if got := len(rt.ActiveRuns()); got != 0 {
		t.Errorf("ActiveRuns() after RunSync = %d, want 0", got)
	}
}

func TestSecondRunOnBusySessionRejected(t *testing.T) {
	scripted := providers.NewScripted("scripted", providers.TextScript("slow")).
		WithDelay(50 * time.Millisecond)
	rt := newTestRuntime(t, scripted)

	run, err := rt.StartRun(context.Background(), nil, RunRequest{
		SessionKey: "main:test:1",
		Text:       "first",
	})
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	_, _, err = rt.RunSync(context.Background(), RunRequest{
		SessionKey: "main:test:1",
		Text:       "second",
	})
	if !errors.Is(err, ErrRunActive) {
		t.Fatalf("RunSync() on busy session error = %v, want ErrRunActive", err)
	}

	// A different session is not blocked.
	if _, _, err := rt.RunSync(context.Background(), RunRequest{
		SessionKey: "main:test:2",
		Text:       "other",
	}); err != nil {
		t.Fatalf("RunSync() on idle session error = %v", err)
	}

	if err := rt.Loop("main:test:1").WaitForIdle(context.Background()); err != nil {
		t.Fatalf("WaitForIdle() error = %v", err)
	}
	waitForRelease(t, rt, run.ID)
}

func TestRunSlotReleasedAfterCompletion(t *testing.T) {
	rt := newTestRuntime(t, providers.NewScripted("scripted", providers.TextScript("one")))

	for i := 0; i < 2; i++ {
		if _, _, err := rt.RunSync(context.Background(), RunRequest{
			SessionKey: "main:test:1",
			Text:       "go",
		}); err != nil {
			t.Fatalf("RunSync() round %d error = %v", i, err)
		}
	}
}

func TestAbortRunUnknownID(t *testing.T) {
	rt := newTestRuntime(t, providers.NewScripted("scripted"))
	if err := rt.AbortRun("run_missing", errors.New("stop")); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("AbortRun(unknown) = %v, want ErrRunNotFound", err)
	}
	if n := rt.AbortSession("main:test:9", errors.New("stop")); n != 0 {
		t.Errorf("AbortSession(idle) = %d, want 0", n)
	}
}

func TestAbortSessionStopsActiveRun(t *testing.T) {
	scripted := providers.NewScripted("scripted", providers.TextScript("a", "b", "c", "d")).
		WithDelay(30 * time.Millisecond)
	rt := newTestRuntime(t, scripted)

	run, err := rt.StartRun(context.Background(), nil, RunRequest{
		SessionKey: "main:test:1",
		Text:       "long answer please",
	})
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}

	if n := rt.AbortSession("main:test:1", errors.New("changed my mind")); n != 1 {
		t.Fatalf("AbortSession() = %d, want 1", n)
	}
	if err := rt.Loop("main:test:1").WaitForIdle(context.Background()); err != nil {
		t.Fatalf("WaitForIdle() error = %v", err)
	}
	waitForRelease(t, rt, run.ID)
}

func TestStartRunOutlivesRequestContext(t *testing.T) {
	rt := newTestRuntime(t, providers.NewScripted("scripted", providers.TextScript("done")))

	ctx, cancel := context.WithCancel(context.Background())
	_, err := rt.StartRun(ctx, nil, RunRequest{SessionKey: "main:test:1", Text: "go"})
	cancel()
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if err := rt.Loop("main:test:1").WaitForIdle(context.Background()); err != nil {
		t.Fatalf("WaitForIdle() error = %v", err)
	}

	session, err := rt.deps.Store.Get(context.Background(), "main:test:1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := lastAssistant(session.Messages).Content; got != "done" {
		t.Errorf("assistant content = %q, want %q", got, "done")
	}
}

func TestDetachConnClearsOwnership(t *testing.T) {
	scripted := providers.NewScripted("scripted", providers.TextScript("x")).
		WithDelay(40 * time.Millisecond)
	rt := newTestRuntime(t, scripted)

	c := &conn{done: make(chan struct{})}
	run, err := rt.StartRun(context.Background(), c, RunRequest{
		SessionKey: "main:test:1",
		Text:       "go",
	})
	if err != nil {
		t.Fatalf("StartRun() error = %v", err)
	}
	if rt.connFor(run.ID) != c {
		t.Fatal("connFor() did not return the owning connection")
	}

	rt.detachConn(c)
	if rt.connFor(run.ID) != nil {
		t.Error("connFor() after detach is not nil")
	}
	if err := rt.Loop("main:test:1").WaitForIdle(context.Background()); err != nil {
		t.Fatalf("WaitForIdle() error = %v", err)
	}
	waitForRelease(t, rt, run.ID)
}

// waitForRelease polls until the run's goroutine has released its slot.
// WaitForIdle returns when the loop finishes; release happens right after.
func waitForRelease(t *testing.T, rt *Runtime, runID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rt.connFor(runID) == nil && len(rt.ActiveRuns()) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s still active", runID)
}
