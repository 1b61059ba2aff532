// Package aborts implements cooperative cancellation for agent runs.
//
// A Token is observed by the agent loop, providers, and tools; the paired
// Controller is held by whoever may cancel (the gateway, a timeout, the
// session owner). Unlike context.Context, a Token carries an explicit
// reason and supports ordered listeners, which the event pipeline uses to
// emit terminal events exactly once.
package aborts

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrAborted is the default reason when none is supplied.
var ErrAborted = errors.New("aborted")

// ErrTimeout is the reason used by timeout-armed tokens.
var ErrTimeout = errors.New("aborted: timeout")

// removed is atomic: trigger reads it after releasing the token mutex,
// while a concurrent remove may still flip it.
type listener struct {
	fn      func(error)
	removed atomic.Bool
}

// Token reports whether an abort has been requested. Safe for concurrent use.
type Token struct {
	mu        sync.Mutex
	aborted   bool
	reason    error
	listeners []*listener
	done      chan struct{}
}

// Controller triggers the abort on its paired Token.
type Controller struct {
	token *Token
}

// New returns a fresh controller/token pair.
func New() (*Controller, *Token) {
	t := &Token{done: make(chan struct{})}
	return &Controller{token: t}, t
}

// Abort triggers the token with the given reason. A nil reason becomes
// ErrAborted. Aborting an already-aborted token is a no-op. Listeners run
// in insertion order; panics in listeners are swallowed.
func (c *Controller) Abort(reason error) {
	c.token.trigger(reason)
}

// Token returns the paired token.
func (c *Controller) Token() *Token { return c.token }

func (t *Token) trigger(reason error) {
	if reason == nil {
		reason = ErrAborted
	}
	t.mu.Lock()
	if t.aborted {
		t.mu.Unlock()
		return
	}
	t.aborted = true
	t.reason = reason
	fire := t.listeners
	t.listeners = nil
	close(t.done)
	t.mu.Unlock()

	for _, l := range fire {
		if l.removed.Load() {
			continue
		}
		invoke(l.fn, reason)
	}
}

func invoke(fn func(error), reason error) {
	defer func() { _ = recover() }()
	fn(reason)
}

// Aborted reports whether the token has been triggered.
func (t *Token) Aborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted
}

// Reason returns the abort reason, or nil if not aborted.
func (t *Token) Reason() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Err returns the abort reason if the token is aborted, else nil. Callers
// use it the way they would ctx.Err() at a checkpoint.
func (t *Token) Err() error {
	return t.Reason()
}

// Done returns a channel closed when the token aborts.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// AddListener registers fn to run once on abort, after previously added
// listeners. If the token is already aborted, fn runs synchronously before
// AddListener returns. The returned function removes the listener; removal
// after firing is a no-op.
func (t *Token) AddListener(fn func(error)) (remove func()) {
	t.mu.Lock()
	if t.aborted {
		reason := t.reason
		t.mu.Unlock()
		invoke(fn, reason)
		return func() {}
	}
	l := &listener{fn: fn}
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()

	return func() {
		l.removed.Store(true)
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, cand := range t.listeners {
			if cand == l {
				t.listeners = append(t.listeners[:i], t.listeners[i+1:]...)
				break
			}
		}
	}
}

// Combine returns a token that aborts as soon as any input token aborts,
// carrying the first input's reason. Inputs that are already aborted take
// effect immediately.
func Combine(tokens ...*Token) *Token {
	ctl, combined := New()
	for _, tok := range tokens {
		if tok == nil {
			continue
		}
		tok.AddListener(func(reason error) {
			ctl.Abort(reason)
		})
	}
	return combined
}

// WithTimeout returns a pair whose token aborts with ErrTimeout after d,
// unless the controller aborts it first. The timer is released when the
// token fires for any reason.
func WithTimeout(d time.Duration) (*Controller, *Token) {
	ctl, tok := New()
	timer := time.AfterFunc(d, func() {
		ctl.Abort(ErrTimeout)
	})
	tok.AddListener(func(error) {
		timer.Stop()
	})
	return ctl, tok
}

// AsContext derives a context that is cancelled when the token aborts.
// The caller must call the returned cancel to release resources when the
// operation finishes normally.
func (t *Token) AsContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	remove := t.AddListener(func(error) {
		cancel()
	})
	return ctx, func() {
		remove()
		cancel()
	}
}
