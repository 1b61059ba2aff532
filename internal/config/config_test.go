package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/bus"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "workspace: /tmp/relay-test\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Gateway.Port != 8787 {
		t.Errorf("Gateway.Port = %d, want 8787", cfg.Gateway.Port)
	}
	if cfg.Sessions.Backend != "file" {
		t.Errorf("Sessions.Backend = %q, want file", cfg.Sessions.Backend)
	}
	if cfg.Sessions.Dir != filepath.Join("/tmp/relay-test", "sessions") {
		t.Errorf("Sessions.Dir = %q", cfg.Sessions.Dir)
	}
	if cfg.Approval.WaitTimeout != 5*time.Minute {
		t.Errorf("Approval.WaitTimeout = %v", cfg.Approval.WaitTimeout)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("RELAY_TEST_SECRET", "from-env")
	cfg, err := Load(writeConfig(t, "auth:\n  jwt_secret: ${RELAY_TEST_SECRET}\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("Auth.JWTSecret = %q, want from-env", cfg.Auth.JWTSecret)
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Gateway.Host != "127.0.0.1" {
		t.Errorf("Gateway.Host = %q", cfg.Gateway.Host)
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Gateway.Port = -1
	cfg.Sessions.Backend = "cassandra"
	cfg.Logging.Level = "loud"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want joined errors")
	}
	for _, want := range []string{"gateway.port", "sessions.backend", "logging.level"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error %q missing %q", err, want)
		}
	}
}

func TestValidatePostgresNeedsURL(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Sessions.Backend = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() = nil, want postgres_url error")
	}
	cfg.Sessions.PostgresURL = "postgres://localhost/relay"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	cfg := &Config{Workspace: "/tmp/relay-test"}
	ApplyDefaults(cfg)
	cfg.Agent.DefaultModel = "test-model"

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Agent.DefaultModel != "test-model" {
		t.Errorf("round trip DefaultModel = %q", got.Agent.DefaultModel)
	}
}

func newTestService(t *testing.T, b *bus.Bus) *Service {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	cfg := &Config{Workspace: t.TempDir()}
	ApplyDefaults(cfg)
	svc, err := NewService(path, cfg, b)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc
}

func TestServiceGetRedactsSecrets(t *testing.T) {
	svc := newTestService(t, nil)
	svc.Current().Auth.JWTSecret = "super-secret"
	svc.Current().Gateway.SharedSecret = "hunter2"

	raw, err := svc.Get()
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	auth := raw["auth"].(map[string]any)
	if auth["jwt_secret"] != redactedPlaceholder {
		t.Errorf("jwt_secret = %v, want redacted", auth["jwt_secret"])
	}
	gateway := raw["gateway"].(map[string]any)
	if gateway["shared_secret"] != redactedPlaceholder {
		t.Errorf("shared_secret = %v, want redacted", gateway["shared_secret"])
	}
	// Non-secret values pass through.
	if gateway["host"] != "127.0.0.1" {
		t.Errorf("host = %v", gateway["host"])
	}
}

func TestServicePatchDeepMerges(t *testing.T) {
	b := bus.New()
	defer b.Close()
	changed := make(chan bus.Event, 1)
	b.Subscribe(EventChanged, func(ctx context.Context, ev bus.Event) { changed <- ev })

	svc := newTestService(t, b)
	before := svc.Current().Gateway.Host

	cfg, err := svc.Patch(context.Background(), map[string]any{
		"agent": map[string]any{"default_model": "patched-model"},
	})
	if err != nil {
		t.Fatalf("Patch() error = %v", err)
	}
	if cfg.Agent.DefaultModel != "patched-model" {
		t.Errorf("DefaultModel = %q, want patched-model", cfg.Agent.DefaultModel)
	}
	if cfg.Gateway.Host != before {
		t.Errorf("Gateway.Host = %q, want untouched %q", cfg.Gateway.Host, before)
	}

	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Error("config.changed not published after patch")
	}
}

func TestServiceApplyRejectsInvalid(t *testing.T) {
	svc := newTestService(t, nil)
	_, err := svc.Apply(context.Background(), map[string]any{
		"sessions": map[string]any{"backend": "cassandra"},
	})
	if err == nil {
		t.Fatal("Apply(invalid) = nil, want error")
	}
	// The live config is untouched on failure.
	if svc.Current().Sessions.Backend != "file" {
		t.Errorf("backend after failed apply = %q", svc.Current().Sessions.Backend)
	}
}

func TestServiceApplyPersists(t *testing.T) {
	svc := newTestService(t, nil)
	if _, err := svc.Set(context.Background(), map[string]any{
		"workspace": svc.Current().Workspace,
		"agent":     map[string]any{"default_model": "persisted"},
	}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	reloaded, err := Load(svc.path)
	if err != nil {
		t.Fatalf("Load() after Set = %v", err)
	}
	if reloaded.Agent.DefaultModel != "persisted" {
		t.Errorf("persisted DefaultModel = %q", reloaded.Agent.DefaultModel)
	}
}

func TestJSONSchemaGenerates(t *testing.T) {
	raw, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	for _, want := range []string{"gateway", "sessions", "approval"} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("schema missing %q section", want)
		}
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	b := bus.New()
	defer b.Close()
	changed := make(chan bus.Event, 2)
	b.Subscribe(EventChanged, func(ctx context.Context, ev bus.Event) { changed <- ev })

	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	cfg := &Config{Workspace: dir}
	ApplyDefaults(cfg)
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	svc, err := NewService(path, cfg, b)
	if err != nil {
		t.Fatal(err)
	}
	w, err := NewWatcher(svc, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Close()

	cfg2 := *cfg
	cfg2.Agent.DefaultModel = "watched-model"
	if err := Save(path, &cfg2); err != nil {
		t.Fatal(err)
	}

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not reload after file change")
	}
	if svc.Current().Agent.DefaultModel != "watched-model" {
		t.Errorf("reloaded DefaultModel = %q", svc.Current().Agent.DefaultModel)
	}
}
