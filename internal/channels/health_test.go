package channels

import (
	"context"
	"testing"
	"time"
)

func TestHealthCheckerFiresAfterThreshold(t *testing.T) {
	healthy := false
	var fired []HealthStatus
	h := NewHealthChecker(
		func(context.Context) HealthStatus {
			return HealthStatus{Healthy: healthy, Message: "probe", LastCheck: time.Now()}
		},
		func(s HealthStatus) { fired = append(fired, s) },
		HealthConfig{FailureThreshold: 3},
		nil,
	)

	for i := 0; i < 2; i++ {
		h.runOnce()
	}
	if len(fired) != 0 {
		t.Fatalf("callback fired after 2 failures, want threshold 3")
	}
	h.runOnce()
	if len(fired) != 1 {
		t.Fatalf("callback count = %d after 3 failures, want 1", len(fired))
	}
	// Staying unhealthy past the threshold does not re-fire.
	h.runOnce()
	if len(fired) != 1 {
		t.Errorf("callback count = %d, want 1 (no repeat past threshold)", len(fired))
	}

	// One healthy result resets the streak.
	healthy = true
	h.runOnce()
	healthy = false
	for i := 0; i < 3; i++ {
		h.runOnce()
	}
	if len(fired) != 2 {
		t.Errorf("callback count = %d after reset and new streak, want 2", len(fired))
	}
}

func TestHealthCheckerTimeoutApplied(t *testing.T) {
	h := NewHealthChecker(
		func(ctx context.Context) HealthStatus {
			deadline, ok := ctx.Deadline()
			if !ok {
				t.Error("check context has no deadline")
			}
			if remaining := time.Until(deadline); remaining > 150*time.Millisecond {
				t.Errorf("deadline %v away, want <= timeout", remaining)
			}
			return HealthStatus{Healthy: true}
		},
		nil,
		HealthConfig{Timeout: 100 * time.Millisecond},
		nil,
	)
	h.runOnce()
	if !h.Last().Healthy {
		t.Error("Last().Healthy = false, want true")
	}
}

func TestHealthCheckerStartStop(t *testing.T) {
	checks := make(chan struct{}, 10)
	h := NewHealthChecker(
		func(context.Context) HealthStatus {
			select {
			case checks <- struct{}{}:
			default:
			}
			return HealthStatus{Healthy: true}
		},
		nil,
		HealthConfig{Interval: 10 * time.Millisecond},
		nil,
	)
	h.Start()
	select {
	case <-checks:
	case <-time.After(time.Second):
		t.Fatal("no check ran within 1s")
	}
	h.Stop()
	h.Stop() // idempotent
}
