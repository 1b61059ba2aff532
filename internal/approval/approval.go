// Package approval implements the exec approval workflow: tools raise a
// request for a command, an operator approves or rejects it over the
// gateway, and the tool blocks until resolution or timeout.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/bus"
)

// Status of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Bus event types published by the manager.
const (
	EventRequested = "exec.approval.requested"
	EventResolved  = "exec.approval.resolved"
)

var (
	// ErrNotFound is returned for unknown request IDs.
	ErrNotFound = errors.New("approval request not found")
	// ErrResolved is returned when deciding an already resolved request.
	ErrResolved = errors.New("approval request already resolved")
	// ErrExpired is returned when deciding or awaiting an expired request.
	ErrExpired = errors.New("approval request expired")
	// ErrRejected is returned by Wait when the request was rejected.
	ErrRejected = errors.New("approval request rejected")
	// ErrTimeout is returned by Wait when no decision arrived in time.
	ErrTimeout = errors.New("approval request timed out")
)

// Request is one approval request for a command.
type Request struct {
	ID          string            `json:"id"`
	Command     string            `json:"command"`
	Context     map[string]string `json:"context,omitempty"`
	Status      Status            `json:"status"`
	RequestedAt time.Time         `json:"requested_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
	ResolvedAt  time.Time         `json:"resolved_at,omitempty"`
	ResolvedBy  string            `json:"resolved_by,omitempty"`
	// Expired is set on listings for pending requests past their TTL.
	Expired bool `json:"expired,omitempty"`
	// Auto marks requests approved by policy without operator action.
	Auto bool `json:"auto,omitempty"`
}

func (r *Request) clone() *Request {
	c := *r
	if r.Context != nil {
		c.Context = make(map[string]string, len(r.Context))
		for k, v := range r.Context {
			c.Context[k] = v
		}
	}
	return &c
}

// Policy is one approval rule. Rules are evaluated in order; the first
// pattern match wins. RequireApproval beats AutoApprove within a rule.
type Policy struct {
	Pattern         string   `yaml:"pattern" json:"pattern"`
	AutoApprove     bool     `yaml:"auto_approve" json:"auto_approve"`
	RequireApproval bool     `yaml:"require_approval" json:"require_approval"`
	AllowedUsers    []string `yaml:"allowed_users,omitempty" json:"allowed_users,omitempty"`
}

// Matches reports whether the policy pattern matches a command. Patterns
// support "*", exact match, "prefix*", "*suffix", and bare substrings.
func (p Policy) Matches(command string) bool {
	pattern := strings.TrimSpace(p.Pattern)
	command = strings.TrimSpace(command)
	switch {
	case pattern == "":
		return false
	case pattern == "*":
		return true
	case pattern == command:
		return true
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(command, pattern[:len(pattern)-1])
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(command, pattern[1:])
	default:
		return strings.Contains(command, pattern)
	}
}

// allows reports whether the requesting user may benefit from auto
// approval under this rule.
func (p Policy) allows(user string) bool {
	if len(p.AllowedUsers) == 0 {
		return true
	}
	for _, u := range p.AllowedUsers {
		if u == user {
			return true
		}
	}
	return false
}

// DefaultWaitTimeout bounds how long a tool blocks on a decision.
const DefaultWaitTimeout = 5 * time.Minute

// Manager tracks approval requests and resolves them against policies
// and operator decisions. It implements the exec tool's Approver.
type Manager struct {
	bus         *bus.Bus
	logger      *slog.Logger
	ttl         time.Duration
	waitTimeout time.Duration

	mu        sync.Mutex
	policies  []Policy
	pending   map[string]*entry
	resolved  map[string]*Request
	callbacks []func(Request)

	now func() time.Time
}

type entry struct {
	req  *Request
	done chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithTTL sets how long requests stay decidable.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithWaitTimeout sets the default Wait deadline.
func WithWaitTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.waitTimeout = d
		}
	}
}

// WithPolicies sets the initial policy list.
func WithPolicies(policies []Policy) Option {
	return func(m *Manager) { m.policies = append([]Policy(nil), policies...) }
}

// NewManager creates a manager publishing lifecycle events to b. b may
// be nil for isolated use.
func NewManager(b *bus.Bus, opts ...Option) *Manager {
	m := &Manager{
		bus:         b,
		logger:      slog.Default(),
		ttl:         DefaultWaitTimeout,
		waitTimeout: DefaultWaitTimeout,
		pending:     make(map[string]*entry),
		resolved:    make(map[string]*Request),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetPolicies replaces the policy list.
func (m *Manager) SetPolicies(policies []Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies = append([]Policy(nil), policies...)
}

// OnResolved registers a callback invoked asynchronously for every
// resolution, including auto approvals.
func (m *Manager) OnResolved(fn func(Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// Request records a new approval request for command. Policy evaluation
// happens first: an auto-approve match returns an already approved
// request, so callers can skip the wait. Everything else is stored
// pending and broadcast as exec.approval.requested.
func (m *Manager) Request(ctx context.Context, command string, meta map[string]string) (*Request, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("approval: command is empty")
	}
	now := m.now()
	req := &Request{
		ID:          "apr_" + uuid.NewString(),
		Command:     command,
		Context:     meta,
		Status:      StatusPending,
		RequestedAt: now,
		ExpiresAt:   now.Add(m.ttl),
	}

	m.mu.Lock()
	if p, matched := m.matchPolicy(command); matched && p.AutoApprove && !p.RequireApproval && p.allows(meta["user"]) {
		req.Status = StatusApproved
		req.ResolvedAt = now
		req.ResolvedBy = "policy:" + p.Pattern
		req.Auto = true
		m.resolved[req.ID] = req
		callbacks := append([](func(Request))(nil), m.callbacks...)
		m.mu.Unlock()

		m.publish(ctx, EventResolved, req)
		m.fire(callbacks, req)
		return req.clone(), nil
	}
	m.pending[req.ID] = &entry{req: req, done: make(chan struct{})}
	m.mu.Unlock()

	m.logger.Info("approval requested", "request_id", req.ID, "command", command)
	m.publish(ctx, EventRequested, req)
	return req.clone(), nil
}

// matchPolicy returns the first policy matching command. Caller holds mu.
func (m *Manager) matchPolicy(command string) (Policy, bool) {
	for _, p := range m.policies {
		if p.Matches(command) {
			return p, true
		}
	}
	return Policy{}, false
}

// Wait blocks until the request resolves, the timeout passes, or ctx
// ends. timeout <= 0 uses the manager default. Approval returns nil;
// rejection returns ErrRejected.
func (m *Manager) Wait(ctx context.Context, id string, timeout time.Duration) error {
	m.mu.Lock()
	if req, ok := m.resolved[id]; ok {
		m.mu.Unlock()
		if req.Status == StatusApproved {
			return nil
		}
		return ErrRejected
	}
	e, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	if timeout <= 0 {
		timeout = m.waitTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-e.done:
		if e.req.Status == StatusApproved {
			return nil
		}
		return ErrRejected
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Approve resolves a pending request positively.
func (m *Manager) Approve(ctx context.Context, id, by string) error {
	return m.resolve(ctx, id, by, StatusApproved)
}

// Reject resolves a pending request negatively.
func (m *Manager) Reject(ctx context.Context, id, by string) error {
	return m.resolve(ctx, id, by, StatusRejected)
}

func (m *Manager) resolve(ctx context.Context, id, by string, status Status) error {
	m.mu.Lock()
	if _, ok := m.resolved[id]; ok {
		m.mu.Unlock()
		return ErrResolved
	}
	e, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if m.now().After(e.req.ExpiresAt) {
		m.mu.Unlock()
		return ErrExpired
	}
	e.req.Status = status
	e.req.ResolvedAt = m.now()
	e.req.ResolvedBy = by
	delete(m.pending, id)
	m.resolved[id] = e.req
	callbacks := append([](func(Request))(nil), m.callbacks...)
	m.mu.Unlock()

	close(e.done)
	m.logger.Info("approval resolved",
		"request_id", id, "status", status, "by", by)
	m.publish(ctx, EventResolved, e.req)
	m.fire(callbacks, e.req)
	return nil
}

// Get returns a request by ID, pending or resolved.
func (m *Manager) Get(id string) (*Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.pending[id]; ok {
		out := e.req.clone()
		out.Expired = m.now().After(e.req.ExpiresAt)
		return out, true
	}
	if req, ok := m.resolved[id]; ok {
		return req.clone(), true
	}
	return nil, false
}

// ListPending returns pending requests sorted by age, oldest first.
// Expired entries stay listed with Expired set so operators see what
// timed out.
func (m *Manager) ListPending() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	out := make([]*Request, 0, len(m.pending))
	for _, e := range m.pending {
		req := e.req.clone()
		req.Expired = now.After(e.req.ExpiresAt)
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}

// Prune drops resolved requests and expired pending ones older than the
// given age. Returns how many were removed.
func (m *Manager) Prune(olderThan time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-olderThan)
	removed := 0
	for id, req := range m.resolved {
		if req.RequestedAt.Before(cutoff) {
			delete(m.resolved, id)
			removed++
		}
	}
	for id, e := range m.pending {
		if e.req.RequestedAt.Before(cutoff) && m.now().After(e.req.ExpiresAt) {
			delete(m.pending, id)
			close(e.done)
			removed++
		}
	}
	return removed
}

// Authorize implements the exec tool Approver: raise a request and block
// on the decision. Auto-approved commands return immediately. The request
// ID comes back with a grant so the caller can record which approval
// covered the command.
func (m *Manager) Authorize(ctx context.Context, command string, meta map[string]string) (string, error) {
	req, err := m.Request(ctx, command, meta)
	if err != nil {
		return "", err
	}
	if req.Status == StatusApproved {
		return req.ID, nil
	}
	if err := m.Wait(ctx, req.ID, m.waitTimeout); err != nil {
		return "", fmt.Errorf("command %q not approved: %w", command, err)
	}
	return req.ID, nil
}

func (m *Manager) publish(ctx context.Context, eventType string, req *Request) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(ctx, bus.Event{
		Type:      eventType,
		Timestamp: m.now(),
		Data: map[string]any{
			"request_id": req.ID,
			"command":    req.Command,
			"status":     string(req.Status),
			"auto":       req.Auto,
			"expires_at": req.ExpiresAt,
		},
	})
}

func (m *Manager) fire(callbacks []func(Request), req *Request) {
	snapshot := *req.clone()
	for _, fn := range callbacks {
		go fn(snapshot)
	}
}
