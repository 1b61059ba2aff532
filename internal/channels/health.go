package channels

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultHealthInterval   = 30 * time.Second
	defaultHealthTimeout    = 10 * time.Second
	defaultFailureThreshold = 3
)

// HealthConfig controls the periodic health check loop.
type HealthConfig struct {
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold int
}

func (c HealthConfig) withDefaults() HealthConfig {
	if c.Interval <= 0 {
		c.Interval = defaultHealthInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultHealthTimeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultFailureThreshold
	}
	return c
}

// HealthChecker runs a plugin health probe on an interval. After
// FailureThreshold consecutive failures it fires the unhealthy callback,
// which typically asks the connection manager to reconnect. The counter
// resets on the first healthy result.
type HealthChecker struct {
	check       func(context.Context) HealthStatus
	onUnhealthy func(HealthStatus)
	cfg         HealthConfig
	logger      *slog.Logger

	mu       sync.Mutex
	last     HealthStatus
	failures int

	running bool
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// NewHealthChecker creates a checker around the given probe. onUnhealthy
// may be nil.
func NewHealthChecker(check func(context.Context) HealthStatus, onUnhealthy func(HealthStatus), cfg HealthConfig, logger *slog.Logger) *HealthChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthChecker{
		check:       check,
		onUnhealthy: onUnhealthy,
		cfg:         cfg.withDefaults(),
		logger:      logger,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start launches the check loop. The first check runs after one interval.
func (h *HealthChecker) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()
	go h.run()
}

// Stop halts the loop and waits for it to exit. Idempotent, and safe on a
// checker that never started.
func (h *HealthChecker) Stop() {
	h.once.Do(func() { close(h.stop) })
	h.mu.Lock()
	running := h.running
	h.mu.Unlock()
	if running {
		<-h.done
	}
}

// Last returns the most recent health status.
func (h *HealthChecker) Last() HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

func (h *HealthChecker) run() {
	defer close(h.done)
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.runOnce()
		}
	}
}

// runOnce executes a single bounded check and updates the failure streak.
func (h *HealthChecker) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.Timeout)
	status := h.check(ctx)
	cancel()

	h.mu.Lock()
	h.last = status
	if status.Healthy {
		h.failures = 0
		h.mu.Unlock()
		return
	}
	h.failures++
	crossed := h.failures == h.cfg.FailureThreshold
	streak := h.failures
	h.mu.Unlock()

	h.logger.Warn("health check failed", "failures", streak, "message", status.Message)
	if crossed && h.onUnhealthy != nil {
		h.onUnhealthy(status)
	}
}
