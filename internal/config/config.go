// Package config holds the relay configuration: the struct, the YAML
// loader, the JSON schema, and the gateway-facing config service.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root relay configuration.
type Config struct {
	Workspace string          `yaml:"workspace" json:"workspace"`
	Gateway   GatewayConfig   `yaml:"gateway" json:"gateway"`
	Auth      AuthConfig      `yaml:"auth" json:"auth"`
	Agent     AgentConfig     `yaml:"agent" json:"agent"`
	Providers ProvidersConfig `yaml:"providers" json:"providers"`
	Sessions  SessionsConfig  `yaml:"sessions" json:"sessions"`
	Channels  ChannelsConfig  `yaml:"channels" json:"channels"`
	Tools     ToolsConfig     `yaml:"tools" json:"tools"`
	Approval  ApprovalConfig  `yaml:"approval" json:"approval"`
	Cron      CronConfig      `yaml:"cron" json:"cron"`
	Memory    MemoryConfig    `yaml:"memory" json:"memory"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing" json:"tracing"`
}

type GatewayConfig struct {
	Host         string        `yaml:"host" json:"host"`
	Port         int           `yaml:"port" json:"port"`
	SharedSecret string        `yaml:"shared_secret" json:"shared_secret,omitempty"`
	PingInterval time.Duration `yaml:"ping_interval" json:"ping_interval"`
	ReadLimit    int64         `yaml:"read_limit" json:"read_limit"`
}

type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret" json:"jwt_secret,omitempty"`
	TokenExpiry time.Duration `yaml:"token_expiry" json:"token_expiry"`
}

type AgentConfig struct {
	DefaultModel  string `yaml:"default_model" json:"default_model"`
	MaxIterations int    `yaml:"max_iterations" json:"max_iterations"`
	QueueMode     string `yaml:"queue_mode" json:"queue_mode"`
}

type ProvidersConfig struct {
	Default string                    `yaml:"default" json:"default"`
	Entries map[string]ProviderConfig `yaml:"entries" json:"entries,omitempty"`
}

type ProviderConfig struct {
	BaseURL      string `yaml:"base_url" json:"base_url,omitempty"`
	APIKey       string `yaml:"api_key" json:"api_key,omitempty"`
	DefaultModel string `yaml:"default_model" json:"default_model,omitempty"`
}

type SessionsConfig struct {
	Backend     string `yaml:"backend" json:"backend"` // memory, file, postgres
	Dir         string `yaml:"dir" json:"dir,omitempty"`
	PostgresURL string `yaml:"postgres_url" json:"postgres_url,omitempty"`
}

type ChannelsConfig struct {
	Bridge BridgeConfig `yaml:"bridge" json:"bridge"`
}

type BridgeConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	URL     string `yaml:"url" json:"url,omitempty"`
	Token   string `yaml:"token" json:"token,omitempty"`
}

type ToolsConfig struct {
	Allowed       []string      `yaml:"allowed" json:"allowed,omitempty"`
	Timeout       time.Duration `yaml:"timeout" json:"timeout"`
	MaxOutputSize int           `yaml:"max_output_size" json:"max_output_size"`
	Exec          ExecConfig    `yaml:"exec" json:"exec"`
}

type ExecConfig struct {
	Enabled      bool     `yaml:"enabled" json:"enabled"`
	AllowedBins  []string `yaml:"allowed_bins" json:"allowed_bins,omitempty"`
	WorkingDir   string   `yaml:"working_dir" json:"working_dir,omitempty"`
	MaxOutputKiB int      `yaml:"max_output_kib" json:"max_output_kib"`
}

type ApprovalConfig struct {
	WaitTimeout time.Duration          `yaml:"wait_timeout" json:"wait_timeout"`
	TTL         time.Duration          `yaml:"ttl" json:"ttl"`
	Policies    []ApprovalPolicyConfig `yaml:"policies" json:"policies,omitempty"`
}

type ApprovalPolicyConfig struct {
	Pattern         string   `yaml:"pattern" json:"pattern"`
	AutoApprove     bool     `yaml:"auto_approve" json:"auto_approve,omitempty"`
	RequireApproval bool     `yaml:"require_approval" json:"require_approval,omitempty"`
	AllowedUsers    []string `yaml:"allowed_users" json:"allowed_users,omitempty"`
}

type CronConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Dir     string `yaml:"dir" json:"dir,omitempty"`
}

type MemoryConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path,omitempty"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

type TracingConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Endpoint string `yaml:"endpoint" json:"endpoint,omitempty"`
}

// DefaultPath returns ~/.relay/relay.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "relay.yaml"
	}
	return filepath.Join(home, ".relay", "relay.yaml")
}

// Load reads and parses the configuration file, expanding ${VAR}
// references and applying defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultPath()
	}
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	ApplyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values in place.
func ApplyDefaults(cfg *Config) {
	if cfg.Workspace == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cfg.Workspace = filepath.Join(home, ".relay")
		} else {
			cfg.Workspace = ".relay"
		}
	}
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 8787
	}
	if cfg.Gateway.PingInterval == 0 {
		cfg.Gateway.PingInterval = 30 * time.Second
	}
	if cfg.Gateway.ReadLimit == 0 {
		cfg.Gateway.ReadLimit = 1 << 20
	}
	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}
	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = 24
	}
	if cfg.Agent.QueueMode == "" {
		cfg.Agent.QueueMode = "one"
	}
	if cfg.Providers.Default == "" {
		cfg.Providers.Default = "scripted"
	}
	if cfg.Sessions.Backend == "" {
		cfg.Sessions.Backend = "file"
	}
	if cfg.Sessions.Dir == "" {
		cfg.Sessions.Dir = filepath.Join(cfg.Workspace, "sessions")
	}
	if cfg.Tools.Timeout == 0 {
		cfg.Tools.Timeout = 60 * time.Second
	}
	if cfg.Tools.MaxOutputSize == 0 {
		cfg.Tools.MaxOutputSize = 64 * 1024
	}
	if cfg.Tools.Exec.MaxOutputKiB == 0 {
		cfg.Tools.Exec.MaxOutputKiB = 256
	}
	if cfg.Approval.WaitTimeout == 0 {
		cfg.Approval.WaitTimeout = 5 * time.Minute
	}
	if cfg.Approval.TTL == 0 {
		cfg.Approval.TTL = time.Hour
	}
	if cfg.Cron.Dir == "" {
		cfg.Cron.Dir = filepath.Join(cfg.Workspace, "cron")
	}
	if cfg.Memory.Path == "" {
		cfg.Memory.Path = filepath.Join(cfg.Workspace, "memory.db")
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate collects all structural problems into one joined error.
func (c *Config) Validate() error {
	var errs []error
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		errs = append(errs, fmt.Errorf("gateway.port %d out of range", c.Gateway.Port))
	}
	switch c.Sessions.Backend {
	case "memory", "file":
	case "postgres":
		if strings.TrimSpace(c.Sessions.PostgresURL) == "" {
			errs = append(errs, errors.New("sessions.postgres_url required for postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("sessions.backend %q unknown", c.Sessions.Backend))
	}
	switch c.Agent.QueueMode {
	case "one", "all":
	default:
		errs = append(errs, fmt.Errorf("agent.queue_mode %q unknown", c.Agent.QueueMode))
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q unknown", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q unknown", c.Logging.Format))
	}
	if c.Channels.Bridge.Enabled && strings.TrimSpace(c.Channels.Bridge.URL) == "" {
		errs = append(errs, errors.New("channels.bridge.url required when bridge enabled"))
	}
	if c.Tracing.Enabled && strings.TrimSpace(c.Tracing.Endpoint) == "" {
		errs = append(errs, errors.New("tracing.endpoint required when tracing enabled"))
	}
	return errors.Join(errs...)
}

// Save writes the config as YAML via a temp file and rename.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".relay-*.yaml")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
