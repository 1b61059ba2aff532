// Package nodes tracks remote worker nodes reachable through the
// gateway. A node registers with a capability list, waits for operator
// approval, and once connected can be invoked by capability-prefixed
// method names routed over its live gateway connection.
package nodes

import (
	"context"
	"encoding/json"
	"time"
)

// Status of a registered node.
type Status string

const (
	// StatusPending means the node registered but has not been approved.
	StatusPending Status = "pending"
	// StatusOnline means the node is approved and currently connected.
	StatusOnline Status = "online"
	// StatusOffline means the node is approved but not connected.
	StatusOffline Status = "offline"
	// StatusRevoked means the node's access was withdrawn.
	StatusRevoked Status = "revoked"
)

// Node is one registered worker.
type Node struct {
	ID           string            `json:"id"`
	Name         string            `json:"name,omitempty"`
	Platform     string            `json:"platform,omitempty"`
	Status       Status            `json:"status"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	LastSeen     time.Time         `json:"last_seen,omitempty"`
}

func (n *Node) clone() *Node {
	c := *n
	c.Capabilities = append([]string(nil), n.Capabilities...)
	if n.Metadata != nil {
		c.Metadata = make(map[string]string, len(n.Metadata))
		for k, v := range n.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// hasCapability reports whether the node declared the capability.
func (n *Node) hasCapability(capability string) bool {
	for _, c := range n.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// RegisterRequest is what a node presents when it registers.
type RegisterRequest struct {
	NodeID       string            `json:"node_id,omitempty"`
	Name         string            `json:"name,omitempty"`
	Platform     string            `json:"platform,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Invoker routes a method call to a connected node. The gateway
// registers one per live node connection.
type Invoker interface {
	Invoke(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)

func (f InvokerFunc) Invoke(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	return f(ctx, method, params)
}
