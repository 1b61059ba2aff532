package channels

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

func newRegisteredPlugin(t *testing.T, typ models.ChannelType) *lifecyclePlugin {
	t.Helper()
	p := &lifecyclePlugin{}
	p.BasePlugin = NewBasePlugin(typ, p)
	return p
}

func TestRegistryRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(newRegisteredPlugin(t, "alpha")); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(newRegisteredPlugin(t, "alpha")); err == nil {
		t.Error("Register(duplicate) = nil, want error")
	}
	if _, ok := r.Get("alpha"); !ok {
		t.Error("Get(alpha) not found after register")
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("Get(missing) found, want absent")
	}
}

func TestRegistryStartStopAll(t *testing.T) {
	r := NewRegistry()
	a := newRegisteredPlugin(t, "alpha")
	b := newRegisteredPlugin(t, "beta")
	if err := r.Register(a); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(b); err != nil {
		t.Fatal(err)
	}

	if err := r.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll() error = %v", err)
	}
	statuses := r.Statuses()
	if len(statuses) != 2 {
		t.Fatalf("Statuses() len = %d, want 2", len(statuses))
	}
	for typ, status := range statuses {
		if !status.Connected {
			t.Errorf("channel %s not connected after StartAll", typ)
		}
	}
	if err := r.StopAll(context.Background()); err != nil {
		t.Fatalf("StopAll() error = %v", err)
	}
}

func TestRegistryAggregateMessages(t *testing.T) {
	r := NewRegistry()
	a := newRegisteredPlugin(t, "alpha")
	b := newRegisteredPlugin(t, "beta")
	if err := r.Register(a); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(b); err != nil {
		t.Fatal(err)
	}
	if err := r.StartAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer r.StopAll(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	merged := r.AggregateMessages(ctx)

	if err := a.Deliver(ctx, &models.Message{ID: "from-a", Channel: "alpha"}); err != nil {
		t.Fatal(err)
	}
	if err := b.Deliver(ctx, &models.Message{ID: "from-b", Channel: "beta"}); err != nil {
		t.Fatal(err)
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case msg := <-merged:
			seen[msg.ID] = true
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for merged message %d", i)
		}
	}
	if !seen["from-a"] || !seen["from-b"] {
		t.Errorf("merged messages = %v, want both channels represented", seen)
	}
}
