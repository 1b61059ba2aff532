package aborts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAbortOnce(t *testing.T) {
	ctl, tok := New()
	if tok.Aborted() {
		t.Fatal("new token reports aborted")
	}
	if tok.Err() != nil {
		t.Fatalf("Err() = %v, want nil", tok.Err())
	}

	reason := errors.New("user requested")
	ctl.Abort(reason)

	if !tok.Aborted() {
		t.Fatal("token not aborted after Abort")
	}
	if tok.Reason() != reason {
		t.Fatalf("Reason() = %v, want %v", tok.Reason(), reason)
	}

	// Second abort keeps the first reason.
	ctl.Abort(errors.New("other"))
	if tok.Reason() != reason {
		t.Fatalf("Reason() after second abort = %v, want %v", tok.Reason(), reason)
	}
}

func TestAbortNilReasonDefaults(t *testing.T) {
	ctl, tok := New()
	ctl.Abort(nil)
	if !errors.Is(tok.Reason(), ErrAborted) {
		t.Fatalf("Reason() = %v, want ErrAborted", tok.Reason())
	}
}

func TestListenersFireInOrder(t *testing.T) {
	ctl, tok := New()
	var order []int
	tok.AddListener(func(error) { order = append(order, 1) })
	tok.AddListener(func(error) { panic("swallowed") })
	tok.AddListener(func(error) { order = append(order, 3) })

	ctl.Abort(nil)

	if len(order) != 2 || order[0] != 1 || order[1] != 3 {
		t.Fatalf("listener order = %v, want [1 3]", order)
	}
}

func TestAddListenerAfterAbortRunsSynchronously(t *testing.T) {
	ctl, tok := New()
	ctl.Abort(errors.New("done"))

	called := false
	tok.AddListener(func(reason error) {
		called = true
		if reason == nil {
			t.Error("listener got nil reason")
		}
	})
	if !called {
		t.Fatal("listener not invoked synchronously on aborted token")
	}
}

func TestRemoveListener(t *testing.T) {
	ctl, tok := New()
	called := false
	remove := tok.AddListener(func(error) { called = true })
	remove()
	ctl.Abort(nil)
	if called {
		t.Fatal("removed listener was invoked")
	}
}

func TestRemoveListenerConcurrentWithAbort(t *testing.T) {
	for i := 0; i < 100; i++ {
		ctl, tok := New()
		remove := tok.AddListener(func(error) {})

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			ctl.Abort(nil)
		}()
		go func() {
			defer wg.Done()
			remove()
		}()
		wg.Wait()

		if !tok.Aborted() {
			t.Fatal("token not aborted")
		}
	}
}

func TestDoneChannel(t *testing.T) {
	ctl, tok := New()
	select {
	case <-tok.Done():
		t.Fatal("Done() closed before abort")
	default:
	}
	ctl.Abort(nil)
	select {
	case <-tok.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() not closed after abort")
	}
}

func TestCombine(t *testing.T) {
	ctlA, tokA := New()
	_, tokB := New()
	combined := Combine(tokA, tokB)

	if combined.Aborted() {
		t.Fatal("combined token aborted before any input")
	}
	reason := errors.New("input a")
	ctlA.Abort(reason)
	if !combined.Aborted() {
		t.Fatal("combined token not aborted after input abort")
	}
	if combined.Reason() != reason {
		t.Fatalf("combined Reason() = %v, want %v", combined.Reason(), reason)
	}
}

func TestCombineAlreadyAborted(t *testing.T) {
	ctl, tok := New()
	ctl.Abort(nil)
	combined := Combine(tok)
	if !combined.Aborted() {
		t.Fatal("combining an aborted token must abort immediately")
	}
}

func TestWithTimeout(t *testing.T) {
	_, tok := WithTimeout(10 * time.Millisecond)
	select {
	case <-tok.Done():
	case <-time.After(time.Second):
		t.Fatal("timeout token never fired")
	}
	if !errors.Is(tok.Reason(), ErrTimeout) {
		t.Fatalf("Reason() = %v, want ErrTimeout", tok.Reason())
	}
}

func TestWithTimeoutManualAbortWins(t *testing.T) {
	ctl, tok := WithTimeout(time.Hour)
	reason := errors.New("manual")
	ctl.Abort(reason)
	if tok.Reason() != reason {
		t.Fatalf("Reason() = %v, want %v", tok.Reason(), reason)
	}
}

func TestAsContext(t *testing.T) {
	ctl, tok := New()
	ctx, cancel := tok.AsContext(context.Background())
	defer cancel()

	select {
	case <-ctx.Done():
		t.Fatal("context done before abort")
	default:
	}

	ctl.Abort(nil)
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled after abort")
	}
}
