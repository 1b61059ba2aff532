package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// Plugin is the interface every channel implementation satisfies. It unifies
// messaging backends behind one lifecycle, send surface, and health surface.
type Plugin interface {
	// Type returns the channel type this plugin serves.
	Type() models.ChannelType

	// Start brings the channel up: init, connect, then ready.
	Start(ctx context.Context) error

	// Stop shuts the channel down and closes the inbound message stream.
	Stop(ctx context.Context) error

	// SendText delivers text to a conversation. replyTo may be empty.
	// Returns the platform message id of the first delivered chunk.
	SendText(ctx context.Context, target, text, replyTo string) (string, error)

	// SendMedia delivers an attachment with an optional caption.
	SendMedia(ctx context.Context, target string, att models.Attachment, caption string) (string, error)

	// Messages returns the inbound stream. Closed when the plugin stops.
	Messages() <-chan *models.Message

	// Status returns the current connection status.
	Status() Status

	// HealthCheck verifies connectivity to the upstream service.
	HealthCheck(ctx context.Context) HealthStatus

	// Metrics returns a point-in-time metrics snapshot.
	Metrics() MetricsSnapshot
}

// Status is the connection status of a channel.
type Status struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
	LastPing  int64  `json:"last_ping,omitempty"` // Unix timestamp
}

// HealthStatus is the result of one health check.
type HealthStatus struct {
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
	Message   string        `json:"message,omitempty"`
	LastCheck time.Time     `json:"last_check"`
}

// Hooks are the template-method extension points a plugin implements.
// BasePlugin drives them in a fixed order: OnInit, OnStart, OnReady on the
// way up; OnStop, OnDestroy on the way down. The message hooks run for
// every inbound and outbound message.
type Hooks interface {
	OnInit(ctx context.Context) error
	OnStart(ctx context.Context, config map[string]any) error
	OnReady(ctx context.Context) error
	OnStop(ctx context.Context) error
	OnDestroy(ctx context.Context) error

	// OnMessageReceived may rewrite the message or drop it by returning nil.
	OnMessageReceived(msg *models.Message) (*models.Message, error)
	OnMessageSent(msg *models.Message)
}

// NopHooks provides no-op defaults so plugins override only what they need.
type NopHooks struct{}

func (NopHooks) OnInit(context.Context) error                  { return nil }
func (NopHooks) OnStart(context.Context, map[string]any) error { return nil }
func (NopHooks) OnReady(context.Context) error                 { return nil }
func (NopHooks) OnStop(context.Context) error                  { return nil }
func (NopHooks) OnDestroy(context.Context) error               { return nil }
func (NopHooks) OnMessageSent(*models.Message)                 {}
func (NopHooks) OnMessageReceived(m *models.Message) (*models.Message, error) {
	return m, nil
}

var (
	// ErrAlreadyStarted is returned by Start on a running plugin.
	ErrAlreadyStarted = errors.New("channel plugin already started")
	// ErrNotStarted is returned when delivering to a stopped plugin.
	ErrNotStarted = errors.New("channel plugin not started")
)

const defaultInboundBuffer = 64

// BasePlugin carries the shared lifecycle, status, metrics, and inbound
// queue. Concrete plugins embed it and pass themselves as the Hooks.
type BasePlugin struct {
	typ     models.ChannelType
	hooks   Hooks
	logger  *slog.Logger
	metrics *Metrics
	config  map[string]any

	inbound chan *models.Message
	started atomic.Bool

	status   Status
	statusMu sync.RWMutex
}

// BaseOption configures a BasePlugin.
type BaseOption func(*BasePlugin)

// WithLogger sets the plugin logger.
func WithLogger(l *slog.Logger) BaseOption {
	return func(b *BasePlugin) { b.logger = l }
}

// WithConfig sets the config map passed to OnStart.
func WithConfig(cfg map[string]any) BaseOption {
	return func(b *BasePlugin) { b.config = cfg }
}

// WithInboundBuffer sets the inbound queue capacity.
func WithInboundBuffer(n int) BaseOption {
	return func(b *BasePlugin) {
		if n > 0 {
			b.inbound = make(chan *models.Message, n)
		}
	}
}

// NewBasePlugin creates the shared plugin core for the given channel type.
func NewBasePlugin(typ models.ChannelType, hooks Hooks, opts ...BaseOption) *BasePlugin {
	b := &BasePlugin{
		typ:     typ,
		hooks:   hooks,
		logger:  slog.Default(),
		metrics: NewMetrics(typ),
		inbound: make(chan *models.Message, defaultInboundBuffer),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Type returns the channel type.
func (b *BasePlugin) Type() models.ChannelType { return b.typ }

// Logger returns the plugin logger.
func (b *BasePlugin) Logger() *slog.Logger { return b.logger }

// Start runs the template lifecycle: OnInit, OnStart(config), OnReady.
// Any hook failure aborts the start and leaves the plugin stopped.
func (b *BasePlugin) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	for _, step := range []struct {
		name string
		fn   func(context.Context) error
	}{
		{"init", b.hooks.OnInit},
		{"start", func(ctx context.Context) error { return b.hooks.OnStart(ctx, b.config) }},
		{"ready", b.hooks.OnReady},
	} {
		if err := step.fn(ctx); err != nil {
			b.started.Store(false)
			b.SetStatus(false, err.Error())
			return fmt.Errorf("channel %s %s: %w", b.typ, step.name, err)
		}
	}
	b.SetStatus(true, "")
	b.logger.Info("channel started", "channel", b.typ)
	return nil
}

// Stop runs OnStop then OnDestroy and closes the inbound stream. Safe to
// call on a plugin that never started.
func (b *BasePlugin) Stop(ctx context.Context) error {
	if !b.started.CompareAndSwap(true, false) {
		return nil
	}
	var firstErr error
	if err := b.hooks.OnStop(ctx); err != nil {
		firstErr = err
	}
	if err := b.hooks.OnDestroy(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	close(b.inbound)
	b.SetStatus(false, "")
	b.logger.Info("channel stopped", "channel", b.typ)
	return firstErr
}

// Deliver pushes an inbound message through the OnMessageReceived filter
// and into the inbound stream. A nil return from the filter drops the
// message silently.
func (b *BasePlugin) Deliver(ctx context.Context, msg *models.Message) error {
	if !b.started.Load() {
		return ErrNotStarted
	}
	filtered, err := b.hooks.OnMessageReceived(msg)
	if err != nil {
		b.metrics.RecordError(CodeOf(err))
		return err
	}
	if filtered == nil {
		return nil
	}
	select {
	case b.inbound <- filtered:
		b.metrics.RecordMessageReceived()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NoteSent records a successful outbound delivery and runs OnMessageSent.
func (b *BasePlugin) NoteSent(msg *models.Message) {
	b.metrics.RecordMessageSent()
	b.hooks.OnMessageSent(msg)
}

// NoteSendFailed records a failed outbound delivery.
func (b *BasePlugin) NoteSendFailed(err error) {
	b.metrics.RecordMessageFailed()
	b.metrics.RecordError(CodeOf(err))
}

// Messages returns the inbound message stream.
func (b *BasePlugin) Messages() <-chan *models.Message { return b.inbound }

// Status returns the current connection status.
func (b *BasePlugin) Status() Status {
	b.statusMu.RLock()
	defer b.statusMu.RUnlock()
	return b.status
}

// SetStatus updates the connection status and last ping time.
func (b *BasePlugin) SetStatus(connected bool, errMsg string) {
	b.statusMu.Lock()
	defer b.statusMu.Unlock()
	b.status = Status{Connected: connected, Error: errMsg, LastPing: time.Now().Unix()}
}

// HealthCheck reports health from the tracked status. Plugins with a real
// upstream probe shadow this method.
func (b *BasePlugin) HealthCheck(ctx context.Context) HealthStatus {
	start := time.Now()
	status := b.Status()
	healthy := status.Connected && status.Error == ""
	message := "ok"
	if !healthy {
		message = status.Error
		if message == "" {
			message = "not connected"
		}
	}
	_ = ctx
	return HealthStatus{
		Healthy:   healthy,
		Latency:   time.Since(start),
		Message:   message,
		LastCheck: time.Now(),
	}
}

// Metrics returns a snapshot of the plugin metrics.
func (b *BasePlugin) Metrics() MetricsSnapshot { return b.metrics.Snapshot() }

// Raw returns the live metrics collector for recording latencies.
func (b *BasePlugin) Raw() *Metrics { return b.metrics }
