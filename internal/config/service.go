package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	schemavalidate "github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/relay/internal/bus"
)

// EventChanged is published on the bus after a config apply or reload.
const EventChanged = "config.changed"

// Service exposes the running configuration over the gateway:
// get/set/patch/apply plus the generated schema. Writes go through
// schema validation and the atomic Save.
type Service struct {
	path   string
	bus    *bus.Bus
	logger *slog.Logger

	mu        sync.RWMutex
	cfg       *Config
	validator *schemavalidate.Schema
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger sets the service logger.
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// NewService wraps a loaded config. b may be nil.
func NewService(path string, cfg *Config, b *bus.Bus, opts ...ServiceOption) (*Service, error) {
	raw, err := JSONSchema()
	if err != nil {
		return nil, fmt.Errorf("generate config schema: %w", err)
	}
	validator, err := schemavalidate.CompileString("relay-config.json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("compile config schema: %w", err)
	}
	s := &Service{
		path:      path,
		bus:       b,
		logger:    slog.Default().With("component", "config"),
		cfg:       cfg,
		validator: validator,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Current returns the live config.
func (s *Service) Current() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Get returns the config as a map with secret values masked.
func (s *Service) Get() (map[string]any, error) {
	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()

	raw, err := toMap(cfg)
	if err != nil {
		return nil, err
	}
	redactMap(raw)
	return raw, nil
}

// Schema returns the generated JSON schema.
func (s *Service) Schema() (json.RawMessage, error) {
	raw, err := JSONSchema()
	if err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

// Set replaces the whole config with the given document.
func (s *Service) Set(ctx context.Context, raw map[string]any) (*Config, error) {
	return s.apply(ctx, raw)
}

// Patch deep-merges the given document into the current config and
// applies the result.
func (s *Service) Patch(ctx context.Context, patch map[string]any) (*Config, error) {
	s.mu.RLock()
	current, err := toMap(s.cfg)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, mergeMaps(current, patch))
}

// Apply validates an explicit document and makes it live, persisting
// to disk and announcing the change.
func (s *Service) Apply(ctx context.Context, raw map[string]any) (*Config, error) {
	return s.apply(ctx, raw)
}

func (s *Service) apply(ctx context.Context, raw map[string]any) (*Config, error) {
	cfg, err := s.decode(raw)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cfg = cfg
	path := s.path
	s.mu.Unlock()

	if path != "" {
		if err := Save(path, cfg); err != nil {
			return nil, fmt.Errorf("persist config: %w", err)
		}
	}
	s.announce(ctx, "apply")
	return cfg, nil
}

// decode turns a raw document into a validated Config. Defaults are
// applied before schema validation so partial documents pass.
func (s *Service) decode(raw map[string]any) (*Config, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode config document: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config document: %w", err)
	}
	ApplyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	full, err := toMap(&cfg)
	if err != nil {
		return nil, err
	}
	if err := s.validator.Validate(full); err != nil {
		return nil, fmt.Errorf("config schema validation: %w", err)
	}
	return &cfg, nil
}

// Reload replaces the live config from disk, used by the file watcher.
func (s *Service) Reload(ctx context.Context) error {
	s.mu.RLock()
	path := s.path
	s.mu.RUnlock()

	cfg, err := Load(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.announce(ctx, "reload")
	return nil
}

func (s *Service) announce(ctx context.Context, reason string) {
	s.logger.Info("config changed", "reason", reason)
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, bus.Event{
		Type:      EventChanged,
		Timestamp: time.Now(),
		Data:      map[string]any{"reason": reason},
	})
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// mergeMaps deep-merges b over a, returning a new map. Nested maps
// merge; everything else is replaced.
func mergeMaps(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if bm, ok := v.(map[string]any); ok {
			if am, ok := out[k].(map[string]any); ok {
				out[k] = mergeMaps(am, bm)
				continue
			}
		}
		out[k] = v
	}
	return out
}

const redactedPlaceholder = "[redacted]"

// redactMap masks values under secret-looking keys in place.
func redactMap(raw map[string]any) {
	for k, v := range raw {
		switch val := v.(type) {
		case map[string]any:
			redactMap(val)
		case string:
			if val != "" && isSecretKey(k) {
				raw[k] = redactedPlaceholder
			}
		}
	}
}

func isSecretKey(key string) bool {
	key = strings.ToLower(key)
	for _, marker := range []string{"secret", "token", "api_key", "password"} {
		if strings.Contains(key, marker) {
			return true
		}
	}
	return false
}
