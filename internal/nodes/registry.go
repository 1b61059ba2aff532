package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNodeNotFound     = errors.New("node not found")
	ErrNodeNotApproved  = errors.New("node not approved")
	ErrNodeRevoked      = errors.New("node access revoked")
	ErrNodeOffline      = errors.New("node not connected")
	ErrCapabilityDenied = errors.New("node does not declare capability")
)

// Registry manages node records and the live connections used for
// invoke routing.
type Registry struct {
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	nodes map[string]*Node
	conns map[string]Invoker
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithClock overrides the clock, used in tests.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		logger: slog.Default().With("component", "nodes"),
		now:    time.Now,
		nodes:  make(map[string]*Node),
		conns:  make(map[string]Invoker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register records a node. New nodes start pending until an operator
// approves them; re-registration of a known node refreshes its
// declared capabilities and metadata but never its approval state.
func (r *Registry) Register(req RegisterRequest) (*Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	id := strings.TrimSpace(req.NodeID)
	if id == "" {
		id = "node_" + uuid.NewString()
	}

	if existing, ok := r.nodes[id]; ok {
		if existing.Status == StatusRevoked {
			return nil, ErrNodeRevoked
		}
		existing.Capabilities = append([]string(nil), req.Capabilities...)
		existing.Metadata = req.Metadata
		if req.Name != "" {
			existing.Name = req.Name
		}
		if req.Platform != "" {
			existing.Platform = req.Platform
		}
		existing.UpdatedAt = now
		return existing.clone(), nil
	}

	node := &Node{
		ID:           id,
		Name:         req.Name,
		Platform:     req.Platform,
		Status:       StatusPending,
		Capabilities: append([]string(nil), req.Capabilities...),
		Metadata:     req.Metadata,
		RegisteredAt: now,
		UpdatedAt:    now,
	}
	r.nodes[id] = node
	r.logger.Info("node registered", "node_id", id, "capabilities", node.Capabilities)
	return node.clone(), nil
}

// Approve moves a pending node into the approved set.
func (r *Registry) Approve(id string) (*Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return nil, ErrNodeNotFound
	}
	if node.Status == StatusRevoked {
		return nil, ErrNodeRevoked
	}
	if node.Status == StatusPending {
		if _, connected := r.conns[id]; connected {
			node.Status = StatusOnline
		} else {
			node.Status = StatusOffline
		}
		node.UpdatedAt = r.now()
		r.logger.Info("node approved", "node_id", id)
	}
	return node.clone(), nil
}

// Reject removes a pending node. Approved nodes must be revoked or
// unregistered instead.
func (r *Registry) Reject(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return ErrNodeNotFound
	}
	if node.Status != StatusPending {
		return fmt.Errorf("node %s is %s, not pending", id, node.Status)
	}
	delete(r.nodes, id)
	delete(r.conns, id)
	r.logger.Info("node rejected", "node_id", id)
	return nil
}

// Connect attaches a live connection to an approved node.
func (r *Registry) Connect(id string, inv Invoker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return ErrNodeNotFound
	}
	switch node.Status {
	case StatusRevoked:
		return ErrNodeRevoked
	case StatusPending:
		// A pending node may hold a connection while it waits; it goes
		// online when approved.
		r.conns[id] = inv
		node.LastSeen = r.now()
		return nil
	}
	r.conns[id] = inv
	now := r.now()
	node.Status = StatusOnline
	node.LastSeen = now
	node.UpdatedAt = now
	r.logger.Debug("node connected", "node_id", id)
	return nil
}

// Disconnect detaches a node's connection.
func (r *Registry) Disconnect(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.conns, id)
	node, ok := r.nodes[id]
	if !ok {
		return
	}
	if node.Status == StatusOnline {
		now := r.now()
		node.Status = StatusOffline
		node.LastSeen = now
		node.UpdatedAt = now
	}
	r.logger.Debug("node disconnected", "node_id", id)
}

// Heartbeat refreshes a connected node's last seen time.
func (r *Registry) Heartbeat(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if node, ok := r.nodes[id]; ok {
		node.LastSeen = r.now()
	}
}

// Revoke withdraws a node's access and drops its connection.
func (r *Registry) Revoke(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[id]
	if !ok {
		return ErrNodeNotFound
	}
	node.Status = StatusRevoked
	node.UpdatedAt = r.now()
	delete(r.conns, id)
	r.logger.Info("node revoked", "node_id", id)
	return nil
}

// Unregister deletes a node entirely.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[id]; !ok {
		return ErrNodeNotFound
	}
	delete(r.nodes, id)
	delete(r.conns, id)
	r.logger.Info("node unregistered", "node_id", id)
	return nil
}

// Get returns one node.
func (r *Registry) Get(id string) (*Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[id]
	if !ok {
		return nil, ErrNodeNotFound
	}
	return node.clone(), nil
}

// List returns all nodes sorted by id.
func (r *Registry) List() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Node, 0, len(r.nodes))
	for _, node := range r.nodes {
		out = append(out, node.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Online returns the ids of currently connected approved nodes.
func (r *Registry) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.conns))
	for id := range r.conns {
		if node, ok := r.nodes[id]; ok && node.Status == StatusOnline {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Invoke routes a method to a connected node. The capability is the
// method's prefix before the first dot ("camera.snap" needs "camera")
// and must appear in the node's declared list.
func (r *Registry) Invoke(ctx context.Context, id, method string, params json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	node, ok := r.nodes[id]
	var inv Invoker
	if ok {
		inv = r.conns[id]
	}
	var snapshot *Node
	if ok {
		snapshot = node.clone()
	}
	r.mu.RUnlock()

	if !ok {
		return nil, ErrNodeNotFound
	}
	switch snapshot.Status {
	case StatusRevoked:
		return nil, ErrNodeRevoked
	case StatusPending:
		return nil, ErrNodeNotApproved
	}
	if inv == nil {
		return nil, ErrNodeOffline
	}
	capability := method
	if i := strings.Index(method, "."); i > 0 {
		capability = method[:i]
	}
	if !snapshot.hasCapability(capability) {
		return nil, fmt.Errorf("%w: %s", ErrCapabilityDenied, capability)
	}

	result, err := inv.Invoke(ctx, method, params)
	if err != nil {
		return nil, fmt.Errorf("invoke %s on node %s: %w", method, id, err)
	}
	r.Heartbeat(id)
	return result, nil
}
