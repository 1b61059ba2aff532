package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// Tool is a schema-typed callable unit exposed to the model.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (*models.ToolResult, error)
}

// ProgressReporter is an optional capability for tools that stream progress
// while executing. The runner prefers it over Execute when the caller passes
// a progress callback.
type ProgressReporter interface {
	ExecuteWithProgress(ctx context.Context, params json.RawMessage, progress func(string)) (*models.ToolResult, error)
}

// PermissionRequirer is an optional capability declaring the permissions a
// tool needs. Tools without it require none.
type PermissionRequirer interface {
	RequiredPermissions() []string
}

// Config holds per-tool execution limits applied by the runner.
type Config struct {
	// Timeout bounds a single execution. Zero uses the runner default.
	Timeout time.Duration

	// MaxOutputSize truncates result content beyond this many characters.
	// Zero uses the runner default.
	MaxOutputSize int

	// AllowedPermissions is the set the tool's required permissions must be
	// a subset of. Nil allows nothing for tools that require permissions.
	AllowedPermissions []string

	// RateLimitPerMinute caps executions in a sliding 60-second window.
	// Zero means unlimited.
	RateLimitPerMinute int
}

// DefaultConfig returns the runner-wide execution limits.
func DefaultConfig() Config {
	return Config{
		Timeout:       30 * time.Second,
		MaxOutputSize: 64000,
	}
}

// PermissionError reports permissions the tool requires but the config does
// not allow.
type PermissionError struct {
	Tool    string
	Missing []string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("tool %s denied: missing permissions %v", e.Tool, e.Missing)
}

// RateLimitError reports a tool exceeding its sliding-window rate limit.
type RateLimitError struct {
	Tool  string
	Limit int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("tool %s rate limited: %d calls per minute exceeded", e.Tool, e.Limit)
}

// TimeoutError reports a tool execution exceeding its timeout.
type TimeoutError struct {
	Tool    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("tool %s timed out after %s", e.Tool, e.Timeout)
}

// ValidationError reports parameters rejected by the tool's JSON schema.
type ValidationError struct {
	Tool   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("tool %s parameters invalid: %s", e.Tool, e.Reason)
}

// Registry manages available tools with thread-safe registration and lookup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool by its name, replacing any existing tool with the
// same name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Names returns all registered tool names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
