package channels

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/retry"
)

// stubSleep replaces the backoff wait and records requested delays.
func stubSleep(m *ConnectionManager) *[]time.Duration {
	var mu sync.Mutex
	delays := &[]time.Duration{}
	m.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		*delays = append(*delays, d)
		mu.Unlock()
		return ctx.Err()
	}
	return delays
}

func TestConnectSuccess(t *testing.T) {
	var transitions []ConnState
	m := NewConnectionManager(
		func(context.Context) error { return nil },
		nil,
		ConnConfig{MaxAttempts: 3},
		WithStateChange(func(from, to ConnState, err error) {
			transitions = append(transitions, to)
		}),
	)
	stubSleep(m)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if m.State() != StateConnected {
		t.Errorf("State() = %v, want %v", m.State(), StateConnected)
	}
	want := []ConnState{StateConnecting, StateConnected}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestConnectRetriesThenSucceeds(t *testing.T) {
	calls := 0
	m := NewConnectionManager(
		func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("refused")
			}
			return nil
		},
		nil,
		ConnConfig{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: 10 * time.Second},
	)
	delays := stubSleep(m)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if calls != 3 {
		t.Errorf("connect calls = %d, want 3", calls)
	}
	// Jitter adds at most 25% on top of the base delay.
	wantBase := []time.Duration{time.Second, 2 * time.Second}
	if len(*delays) != len(wantBase) {
		t.Fatalf("delays = %v, want %d entries", *delays, len(wantBase))
	}
	for i, base := range wantBase {
		got := (*delays)[i]
		if got < base || got > base+base/4 {
			t.Errorf("delay[%d] = %v, want in [%v, %v]", i, got, base, base+base/4)
		}
	}
}

func TestConnectExhaustsToError(t *testing.T) {
	connErr := errors.New("refused")
	m := NewConnectionManager(
		func(context.Context) error { return connErr },
		nil,
		ConnConfig{MaxAttempts: 3},
	)
	stubSleep(m)

	err := m.Connect(context.Background())
	if !errors.Is(err, connErr) {
		t.Errorf("Connect() error = %v, want %v", err, connErr)
	}
	if m.State() != StateError {
		t.Errorf("State() = %v, want %v", m.State(), StateError)
	}
}

func TestConnectPermanentErrorSkipsRetry(t *testing.T) {
	calls := 0
	m := NewConnectionManager(
		func(context.Context) error {
			calls++
			return retry.Permanent(errors.New("bad credentials"))
		},
		nil,
		ConnConfig{MaxAttempts: 5},
	)
	stubSleep(m)

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("Connect() = nil, want error")
	}
	if calls != 1 {
		t.Errorf("connect calls = %d, want 1 (no retries on permanent error)", calls)
	}
	if m.State() != StateError {
		t.Errorf("State() = %v, want %v", m.State(), StateError)
	}
}

func TestConnectionErrorTriggersReconnect(t *testing.T) {
	calls := 0
	reconnected := make(chan struct{})
	m := NewConnectionManager(
		func(context.Context) error {
			calls++
			if calls > 1 {
				defer close(reconnected)
			}
			return nil
		},
		nil,
		ConnConfig{MaxAttempts: 3},
	)
	stubSleep(m)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !m.ConnectionError(errors.New("reset by peer")) {
		t.Fatal("ConnectionError() = false, want reconnect started")
	}

	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect did not run")
	}
	// ConnectionError from a non-connected state is ignored.
	m2 := NewConnectionManager(func(context.Context) error { return nil }, nil, ConnConfig{})
	if m2.ConnectionError(errors.New("x")) {
		t.Error("ConnectionError() on disconnected manager = true, want false")
	}
}

func TestDisconnectStopsManager(t *testing.T) {
	disconnected := false
	m := NewConnectionManager(
		func(context.Context) error { return nil },
		func(context.Context) error { disconnected = true; return nil },
		ConnConfig{},
	)
	stubSleep(m)

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := m.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if !disconnected {
		t.Error("disconnect fn not called")
	}
	if m.State() != StateStopped {
		t.Errorf("State() = %v, want %v", m.State(), StateStopped)
	}
	if err := m.Connect(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("Connect() after stop = %v, want %v", err, ErrStopped)
	}
}

func TestDisconnectFromDisconnected(t *testing.T) {
	m := NewConnectionManager(func(context.Context) error { return nil }, nil, ConnConfig{})
	if err := m.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if m.State() != StateStopped {
		t.Errorf("State() = %v, want %v", m.State(), StateStopped)
	}
}

func TestBackoffCapsAtMaxDelay(t *testing.T) {
	calls := 0
	m := NewConnectionManager(
		func(context.Context) error {
			calls++
			return errors.New("refused")
		},
		nil,
		ConnConfig{MaxAttempts: 6, InitialDelay: time.Second, MaxDelay: 4 * time.Second, Jitter: false},
	)
	delays := stubSleep(m)

	_ = m.Connect(context.Background())
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second}
	if len(*delays) != len(want) {
		t.Fatalf("delays = %v, want %d entries", *delays, len(want))
	}
	for i := range want {
		if (*delays)[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, (*delays)[i], want[i])
		}
	}
}
