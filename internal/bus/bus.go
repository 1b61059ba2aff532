// Package bus provides the typed publish/subscribe fabric that carries
// agent, cron, channel, and approval events between subsystems and out to
// gateway connections.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a single published occurrence. Type names are dotted or
// underscore-separated strings owned by the emitting subsystem
// (for example "text_delta" or "cron.job-finished").
type Event struct {
	Type       string         `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	RunID      string         `json:"run_id,omitempty"`
	SessionKey string         `json:"session_key,omitempty"`
	Seq        uint64         `json:"seq,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Handler receives published events. Sync handlers run inline on the
// publishing goroutine; async handlers run sequentially on the bus's
// dispatch goroutine with a detached context.
type Handler func(ctx context.Context, ev Event)

// Wildcard subscribes to every event type.
const Wildcard = "*"

const defaultQueueSize = 1024

type subscription struct {
	id    uint64
	typ   string
	fn    Handler
	async bool
	once  bool
	fired atomic.Bool
}

type asyncJob struct {
	sub *subscription
	ev  Event
}

// Bus dispatches events to subscribers. The zero value is not usable; use New.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]*subscription
	nextID uint64
	logger *slog.Logger

	queue  chan asyncJob
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithQueueSize sets the async dispatch queue capacity.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queue = make(chan asyncJob, n)
		}
	}
}

// New creates a bus and starts its async dispatch goroutine.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[string][]*subscription),
		logger: slog.Default(),
		queue:  make(chan asyncJob, defaultQueueSize),
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.wg.Add(1)
	go b.dispatch()
	return b
}

func (b *Bus) dispatch() {
	defer b.wg.Done()
	for {
		select {
		case job := <-b.queue:
			b.invoke(context.Background(), job.sub, job.ev)
		case <-b.closed:
			// Drain whatever is already queued, then exit.
			for {
				select {
				case job := <-b.queue:
					b.invoke(context.Background(), job.sub, job.ev)
				default:
					return
				}
			}
		}
	}
}

// Close stops async dispatch after draining queued events. Sync delivery
// keeps working; further async deliveries are dropped.
func (b *Bus) Close() {
	b.once.Do(func() {
		close(b.closed)
	})
	b.wg.Wait()
}

// Subscribe registers a synchronous handler for the given event type
// (or Wildcard). The returned function removes the subscription.
func (b *Bus) Subscribe(eventType string, fn Handler) (unsubscribe func()) {
	return b.add(eventType, fn, false, false)
}

// SubscribeAsync registers a handler invoked on the dispatch goroutine.
func (b *Bus) SubscribeAsync(eventType string, fn Handler) (unsubscribe func()) {
	return b.add(eventType, fn, true, false)
}

// Once registers a synchronous handler removed after its first delivery.
func (b *Bus) Once(eventType string, fn Handler) (unsubscribe func()) {
	return b.add(eventType, fn, false, true)
}

func (b *Bus) add(eventType string, fn Handler, async, once bool) func() {
	if fn == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	sub := &subscription{id: b.nextID, typ: eventType, fn: fn, async: async, once: once}
	b.subs[eventType] = append(b.subs[eventType], sub)
	b.mu.Unlock()

	return func() { b.remove(sub) }
}

func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.typ]
	for i, cand := range list {
		if cand == sub {
			b.subs[sub.typ] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.typ]) == 0 {
		delete(b.subs, sub.typ)
	}
}

// Publish delivers ev to exact-type subscribers first, then wildcard
// subscribers, each group in subscription order. A zero Timestamp is
// filled in. Handler panics are logged and do not stop delivery.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	snapshot := make([]*subscription, 0, len(b.subs[ev.Type])+len(b.subs[Wildcard]))
	snapshot = append(snapshot, b.subs[ev.Type]...)
	if ev.Type != Wildcard {
		snapshot = append(snapshot, b.subs[Wildcard]...)
	}
	b.mu.RUnlock()

	for _, sub := range snapshot {
		if sub.once {
			if !sub.fired.CompareAndSwap(false, true) {
				continue
			}
			b.remove(sub)
		}
		if sub.async {
			b.enqueue(sub, ev)
			continue
		}
		b.invoke(ctx, sub, ev)
	}
}

// enqueue adds an async delivery, dropping the oldest queued delivery when
// the queue is full so publishers never block.
func (b *Bus) enqueue(sub *subscription, ev Event) {
	select {
	case <-b.closed:
		return
	default:
	}
	job := asyncJob{sub: sub, ev: ev}
	for {
		select {
		case b.queue <- job:
			return
		default:
		}
		select {
		case dropped := <-b.queue:
			b.logger.Warn("event bus queue full, dropping oldest event",
				"dropped_type", dropped.ev.Type,
				"pending_type", ev.Type)
		default:
		}
	}
}

func (b *Bus) invoke(ctx context.Context, sub *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event subscriber panicked",
				"event_type", ev.Type,
				"panic", r)
		}
	}()
	sub.fn(ctx, ev)
}
