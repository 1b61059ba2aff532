package channels

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/haasonsaas/relay/pkg/models"
)

// Registry holds the active channel plugins keyed by type.
type Registry struct {
	mu      sync.RWMutex
	plugins map[models.ChannelType]Plugin
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[models.ChannelType]Plugin)}
}

// Register adds a plugin. Registering the same type twice is an error.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[p.Type()]; exists {
		return fmt.Errorf("channel %s already registered", p.Type())
	}
	r.plugins[p.Type()] = p
	return nil
}

// Get returns the plugin for a channel type.
func (r *Registry) Get(typ models.ChannelType) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[typ]
	return p, ok
}

// All returns the registered plugins in stable type order.
func (r *Registry) All() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type() < out[j].Type() })
	return out
}

// StartAll starts every plugin, stopping on the first failure.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, p := range r.All() {
		if err := p.Start(ctx); err != nil {
			return fmt.Errorf("start channel %s: %w", p.Type(), err)
		}
	}
	return nil
}

// StopAll stops every plugin and returns the last error encountered.
func (r *Registry) StopAll(ctx context.Context) error {
	var lastErr error
	for _, p := range r.All() {
		if err := p.Stop(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Statuses returns the connection status of every registered channel.
func (r *Registry) Statuses() map[models.ChannelType]Status {
	out := make(map[models.ChannelType]Status)
	for _, p := range r.All() {
		out[p.Type()] = p.Status()
	}
	return out
}

// AggregateMessages fans in the inbound streams of all registered plugins
// into one channel. The output closes when ctx ends; individual plugin
// streams closing simply stop contributing.
func (r *Registry) AggregateMessages(ctx context.Context) <-chan *models.Message {
	out := make(chan *models.Message)
	var wg sync.WaitGroup

	for _, p := range r.All() {
		wg.Add(1)
		go func(p Plugin) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-p.Messages():
					if !ok {
						return
					}
					select {
					case out <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}(p)
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
