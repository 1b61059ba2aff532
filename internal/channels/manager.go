package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/relay/internal/retry"
)

// ConnState is a connection manager state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateError        ConnState = "error"
	StateStopped      ConnState = "stopped"
)

// ErrStopped is returned when connecting through a stopped manager.
var ErrStopped = errors.New("connection manager stopped")

// ConnConfig controls reconnection behavior. Delay for attempt n is
// min(InitialDelay * 2^(n-1), MaxDelay), plus up to 25% jitter when
// Jitter is set. MaxAttempts <= 0 means retry forever.
type ConnConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Jitter       bool
}

// DefaultConnConfig returns the baseline reconnection config.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		MaxAttempts:  5,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Jitter:       true,
	}
}

func (c ConnConfig) withDefaults() ConnConfig {
	def := DefaultConnConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = def.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	return c
}

// StateChangeFunc observes every transition. err is the failure that drove
// the transition, nil for clean ones.
type StateChangeFunc func(from, to ConnState, err error)

// ConnectionManager drives a connect/disconnect pair through the channel
// connection state machine with exponential backoff between attempts.
type ConnectionManager struct {
	connect    func(context.Context) error
	disconnect func(context.Context) error

	cfg      ConnConfig
	logger   *slog.Logger
	metrics  *Metrics
	onChange StateChangeFunc

	mu          sync.Mutex
	state       ConnState
	lastErr     error
	retryCancel context.CancelFunc
	retryDone   chan struct{}

	// sleep is replaced in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// ManagerOption configures a ConnectionManager.
type ManagerOption func(*ConnectionManager)

// WithManagerLogger sets the manager logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *ConnectionManager) { m.logger = l }
}

// WithManagerMetrics wires the manager to a channel metrics collector.
func WithManagerMetrics(metrics *Metrics) ManagerOption {
	return func(m *ConnectionManager) { m.metrics = metrics }
}

// WithStateChange registers the transition callback.
func WithStateChange(fn StateChangeFunc) ManagerOption {
	return func(m *ConnectionManager) { m.onChange = fn }
}

// NewConnectionManager creates a manager around the given connect and
// disconnect functions. disconnect may be nil.
func NewConnectionManager(connect, disconnect func(context.Context) error, cfg ConnConfig, opts ...ManagerOption) *ConnectionManager {
	m := &ConnectionManager{
		connect:    connect,
		disconnect: disconnect,
		cfg:        cfg.withDefaults(),
		logger:     slog.Default(),
		state:      StateDisconnected,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current state.
func (m *ConnectionManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError returns the error from the most recent failed attempt.
func (m *ConnectionManager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// transition moves to a new state under the lock and fires the callback
// outside it.
func (m *ConnectionManager) transition(to ConnState, err error) {
	m.mu.Lock()
	from := m.state
	if from == to && errors.Is(m.lastErr, err) {
		m.mu.Unlock()
		return
	}
	m.state = to
	m.lastErr = err
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(from, to, err)
	}
}

// Connect runs the initial connection attempt and, on failure, retries
// with backoff until connected, exhausted, or the context ends. It blocks
// for the whole sequence; use ConnectionError for background recovery.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateStopped:
		m.mu.Unlock()
		return ErrStopped
	case StateConnected, StateConnecting, StateReconnecting:
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("connect from state %s", state)
	}
	m.mu.Unlock()

	m.transition(StateConnecting, nil)
	if err := m.connect(ctx); err == nil {
		if m.metrics != nil {
			m.metrics.RecordConnectionOpened()
		}
		m.transition(StateConnected, nil)
		return nil
	} else if ctx.Err() != nil || retry.IsPermanent(err) {
		m.transition(StateError, err)
		return err
	} else {
		m.logger.Warn("initial connect failed", "error", err)
		m.transition(StateReconnecting, err)
	}
	return m.retryLoop(ctx)
}

// ConnectionError reports a dropped connection. From connected state it
// records the close and starts a background reconnect loop; in any other
// state it is ignored. Returns true if a reconnect was started.
func (m *ConnectionManager) ConnectionError(err error) bool {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.retryCancel = cancel
	m.retryDone = done
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordConnectionClosed()
	}
	m.transition(StateReconnecting, err)
	go func() {
		defer close(done)
		if err := m.retryLoop(ctx); err != nil {
			m.logger.Error("reconnect abandoned", "error", err)
		}
	}()
	return true
}

// retryLoop attempts reconnection with backoff until success or
// exhaustion. Caller must already have moved the state to reconnecting.
func (m *ConnectionManager) retryLoop(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		if m.cfg.MaxAttempts > 0 && attempt > m.cfg.MaxAttempts {
			err := m.LastError()
			if err == nil {
				err = fmt.Errorf("reconnect attempts exhausted after %d tries", m.cfg.MaxAttempts)
			}
			m.transition(StateError, err)
			return err
		}

		delay := retry.Backoff(attempt, m.cfg.InitialDelay, m.cfg.MaxDelay, 2)
		if m.cfg.Jitter {
			delay = retry.Jitter(delay, 0.25)
		}
		if err := m.sleep(ctx, delay); err != nil {
			m.transition(StateError, err)
			return err
		}
		if m.State() == StateStopped {
			return ErrStopped
		}

		if m.metrics != nil {
			m.metrics.RecordReconnectAttempt()
		}
		err := m.connect(ctx)
		if err == nil {
			if m.metrics != nil {
				m.metrics.RecordConnectionOpened()
			}
			m.transition(StateConnected, nil)
			return nil
		}
		if ctx.Err() != nil || retry.IsPermanent(err) {
			m.transition(StateError, err)
			return err
		}
		m.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
		m.transition(StateReconnecting, err)
	}
}

// Disconnect stops any reconnect loop, tears the connection down, and
// moves to stopped. Valid from every state.
func (m *ConnectionManager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	cancel := m.retryCancel
	done := m.retryDone
	wasConnected := m.state == StateConnected
	m.retryCancel = nil
	m.retryDone = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	var err error
	if wasConnected && m.disconnect != nil {
		err = m.disconnect(ctx)
		if m.metrics != nil {
			m.metrics.RecordConnectionClosed()
		}
	}
	m.transition(StateStopped, err)
	return err
}
