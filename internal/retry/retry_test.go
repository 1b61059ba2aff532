package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	result := Do(context.Background(), Config{MaxAttempts: 3}, func(attempt int) error {
		calls++
		return nil
	})
	if result.Err != nil {
		t.Fatalf("Err = %v, want nil", result.Err)
	}
	if calls != 1 || result.Attempts != 1 {
		t.Errorf("calls = %d, Attempts = %d, want 1, 1", calls, result.Attempts)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
	result := Do(context.Background(), cfg, func(attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if result.Err != nil {
		t.Fatalf("Err = %v, want nil", result.Err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
	result := Do(context.Background(), cfg, func(int) error {
		calls++
		return errors.New("always fails")
	})
	if result.Err == nil {
		t.Fatal("Err = nil, want error")
	}
	if calls != 3 || result.Attempts != 3 {
		t.Errorf("calls = %d, Attempts = %d, want 3, 3", calls, result.Attempts)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Millisecond}
	result := Do(context.Background(), cfg, func(int) error {
		calls++
		return Permanent(errors.New("bad credentials"))
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !IsPermanent(result.Err) {
		t.Errorf("result error not permanent: %v", result.Err)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := Do(ctx, Config{MaxAttempts: 3}, func(int) error {
		t.Fatal("op ran with cancelled context")
		return nil
	})
	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("Err = %v, want context.Canceled", result.Err)
	}
}

func TestDoWithValue(t *testing.T) {
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Millisecond}
	value, result := DoWithValue(context.Background(), cfg, func(attempt int) (string, error) {
		if attempt < 2 {
			return "", errors.New("not yet")
		}
		return "ok", nil
	})
	if result.Err != nil {
		t.Fatalf("Err = %v, want nil", result.Err)
	}
	if value != "ok" {
		t.Errorf("value = %q, want ok", value)
	}
}

func TestPermanentNil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("nil should not be retryable")
	}
	if !IsRetryable(errors.New("x")) {
		t.Error("plain error should be retryable")
	}
	if IsRetryable(Permanent(errors.New("x"))) {
		t.Error("permanent error should not be retryable")
	}
}

func TestBackoffGrowth(t *testing.T) {
	base := 100 * time.Millisecond
	max := 10 * time.Second

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{10, 10 * time.Second}, // capped
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt, base, max, 2.0); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffWithJitterBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		got := BackoffWithJitter(2, base, time.Minute, 2.0)
		if got < 100*time.Millisecond || got >= 300*time.Millisecond {
			t.Fatalf("jittered backoff %v outside [100ms, 300ms)", got)
		}
	}
}

func TestJitterBounds(t *testing.T) {
	d := 1 * time.Second
	for i := 0; i < 50; i++ {
		got := Jitter(d, 0.25)
		if got < d || got > d+250*time.Millisecond {
			t.Fatalf("Jitter(%v, 0.25) = %v outside [1s, 1.25s]", d, got)
		}
	}
	if Jitter(0, 0.25) != 0 {
		t.Error("Jitter of zero duration should be zero")
	}
}
