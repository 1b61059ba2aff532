// Package app is the relay process container: it constructs every
// subsystem from configuration, wires them together, and runs the
// ordered start/stop lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/approval"
	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/bootstrap"
	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/internal/channels"
	"github.com/haasonsaas/relay/internal/channels/wsbridge"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/cron"
	"github.com/haasonsaas/relay/internal/devices"
	"github.com/haasonsaas/relay/internal/gateway"
	"github.com/haasonsaas/relay/internal/memory"
	"github.com/haasonsaas/relay/internal/nodes"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/internal/retry"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

// stopTimeout bounds the graceful shutdown of each subsystem.
const stopTimeout = 10 * time.Second

// Options configure process construction.
type Options struct {
	// ConfigPath locates the YAML config. Empty uses the default path.
	ConfigPath string

	// Version is stamped into the gateway hello and traces.
	Version string

	// LogLevel and LogFormat override the config file when non-empty.
	LogLevel  string
	LogFormat string
}

// App holds the wired subsystems of one relay process.
type App struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	metrics     *observability.Metrics
	traceStop   func(context.Context) error
	bus         *bus.Bus
	store       sessions.Store
	provReg     *providers.Registry
	toolReg     *tools.Registry
	runner      *tools.Runner
	approvals   *approval.Manager
	runtime     *gateway.Runtime
	chanReg     *channels.Registry
	cronEngine  *cron.Engine
	deviceStore *devices.Store
	nodeReg     *nodes.Registry
	memStore    *memory.Store
	authSvc     *auth.Service
	cfgService  *config.Service
	cfgWatcher  *config.Watcher
	gw          *gateway.Server

	shutdown context.CancelFunc
	restart  bool
}

// New loads configuration and constructs every subsystem. Nothing is
// started; call Run.
func New(opts Options) (*App, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.Logging.Format = opts.LogFormat
	}

	log := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logger := log.Slog()

	a := &App{cfg: cfg, opts: opts, logger: logger}

	if cfg.Metrics.Enabled {
		a.metrics = observability.NewMetrics(nil)
	}
	if cfg.Tracing.Enabled {
		_, stop := observability.NewTracer(observability.TraceConfig{
			ServiceName:    "relay",
			ServiceVersion: opts.Version,
			Endpoint:       cfg.Tracing.Endpoint,
		})
		a.traceStop = stop
	}

	a.bus = bus.New()

	if _, err := bootstrap.Seed(cfg.Workspace); err != nil {
		return nil, fmt.Errorf("seed workspace: %w", err)
	}

	if a.store, err = buildSessionStore(cfg); err != nil {
		return nil, err
	}

	a.provReg = buildProviders(cfg, logger)

	a.approvals = approval.NewManager(a.bus,
		approval.WithLogger(logger),
		approval.WithTTL(cfg.Approval.TTL),
		approval.WithWaitTimeout(cfg.Approval.WaitTimeout),
		approval.WithPolicies(approvalPolicies(cfg)),
	)

	a.toolReg = buildTools(cfg, a.approvals)
	a.runner = tools.NewRunner(a.toolReg,
		tools.WithLogger(logger),
		tools.WithObservability(a.metrics),
		tools.WithDefaults(tools.Config{
			Timeout:            cfg.Tools.Timeout,
			MaxOutputSize:      cfg.Tools.MaxOutputSize,
			AllowedPermissions: cfg.Tools.Allowed,
		}),
	)

	a.runtime = gateway.NewRuntime(agent.Deps{
		Providers: a.provReg,
		Tools:     a.runner,
		Store:     a.store,
		Bus:       a.bus,
		Logger:    logger,
		Metrics:   a.metrics,
	}, agent.Config{
		DefaultModel: cfg.Agent.DefaultModel,
		MaxTurns:     cfg.Agent.MaxIterations,
		SteeringMode: queueMode(cfg.Agent.QueueMode),
		FollowUpMode: queueMode(cfg.Agent.QueueMode),
	}, gateway.WithSystemPrompt(func(context.Context) string {
		return bootstrap.Builder{Root: cfg.Workspace, Tools: a.toolReg}.Build()
	}))

	a.chanReg = channels.NewRegistry()
	if cfg.Channels.Bridge.Enabled {
		bridge, err := wsbridge.New(wsbridge.Config{
			URL:   cfg.Channels.Bridge.URL,
			Token: cfg.Channels.Bridge.Token,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("build bridge channel: %w", err)
		}
		if err := a.chanReg.Register(bridge); err != nil {
			return nil, err
		}
	}

	cronStore, err := cron.NewStore(cfg.Cron.Dir)
	if err != nil {
		return nil, fmt.Errorf("open cron store: %w", err)
	}
	a.cronEngine = cron.NewEngine(cronStore, a.bus,
		cron.WithLogger(logger),
		cron.WithSystemEventHandler(a.cronSystemEvent),
		cron.WithIsolatedAgentRunner(a.cronAgentTurn),
	)

	if a.deviceStore, err = devices.NewStore(filepath.Join(cfg.Workspace, "credentials")); err != nil {
		return nil, fmt.Errorf("open device store: %w", err)
	}
	a.nodeReg = nodes.NewRegistry(nodes.WithLogger(logger))

	if cfg.Memory.Enabled {
		if a.memStore, err = memory.Open(cfg.Memory.Path); err != nil {
			return nil, fmt.Errorf("open memory store: %w", err)
		}
	}

	a.authSvc = auth.NewService(auth.Config{
		JWTSecret:    cfg.Auth.JWTSecret,
		TokenExpiry:  cfg.Auth.TokenExpiry,
		SharedSecret: cfg.Gateway.SharedSecret,
	})

	cfgPath := opts.ConfigPath
	if cfgPath == "" {
		cfgPath = config.DefaultPath()
	}
	if a.cfgService, err = config.NewService(cfgPath, cfg, a.bus, config.WithServiceLogger(logger)); err != nil {
		return nil, err
	}

	a.gw, err = gateway.NewServer(gateway.Config{
		Host:         cfg.Gateway.Host,
		Port:         cfg.Gateway.Port,
		SharedSecret: cfg.Gateway.SharedSecret,
		PingInterval: cfg.Gateway.PingInterval,
		ReadLimit:    cfg.Gateway.ReadLimit,
		Version:      opts.Version,
	}, gateway.Deps{
		Runtime:   a.runtime,
		Sessions:  a.store,
		Bus:       a.bus,
		Auth:      a.authSvc,
		Devices:   a.deviceStore,
		Nodes:     a.nodeReg,
		Channels:  a.chanReg,
		Cron:      a.cronEngine,
		Approvals: a.approvals,
		Memory:    a.memStore,
		Config:    a.cfgService,
		Metrics:   a.metrics,
		Logger:    logger,
		Shutdown:  a.Shutdown,
		Restart:   a.requestRestart,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Config exposes the loaded configuration.
func (a *App) Config() *config.Config { return a.cfg }

// Shutdown triggers a graceful stop of a running app. Safe before Run.
func (a *App) Shutdown() {
	if a.shutdown != nil {
		a.shutdown()
	}
}

func (a *App) requestRestart() {
	a.restart = true
	a.Shutdown()
}

// RestartRequested reports whether the last Run ended via system.restart.
func (a *App) RestartRequested() bool { return a.restart }

// Run starts every subsystem, serves until a signal or shutdown request,
// then stops everything in reverse order.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	a.shutdown = cancel

	runCtx, stopPumps := context.WithCancel(context.Background())
	defer stopPumps()

	if err := a.chanReg.StartAll(runCtx); err != nil {
		a.logger.Warn("channel start failed, reconnect manager will retry", "error", err)
	}
	go a.pumpChannelMessages(runCtx)

	if a.cfg.Cron.Enabled {
		if err := a.cronEngine.Start(runCtx); err != nil {
			return fmt.Errorf("start cron: %w", err)
		}
	}

	watcher, err := config.NewWatcher(a.cfgService, a.logger)
	if err != nil {
		a.logger.Warn("config watcher unavailable", "error", err)
	} else {
		a.cfgWatcher = watcher
	}

	gwErr, err := a.gw.Start(runCtx)
	if err != nil {
		return err
	}
	a.logger.Info("relay up", "addr", a.gw.Addr(), "version", a.opts.Version)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-gwErr:
		if serveErr != nil {
			a.logger.Error("gateway serve failed", "error", serveErr)
		}
	}

	a.stop()
	return serveErr
}

// stop tears subsystems down in reverse construction order.
func (a *App) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	if err := a.gw.Shutdown(ctx); err != nil {
		a.logger.Warn("gateway shutdown", "error", err)
	}
	if a.cfgWatcher != nil {
		if err := a.cfgWatcher.Close(); err != nil {
			a.logger.Warn("config watcher close", "error", err)
		}
	}
	if a.cronEngine.Running() {
		if err := a.cronEngine.Stop(ctx); err != nil {
			a.logger.Warn("cron stop", "error", err)
		}
	}
	if err := a.chanReg.StopAll(ctx); err != nil {
		a.logger.Warn("channel stop", "error", err)
	}
	if a.memStore != nil {
		if err := a.memStore.Close(); err != nil {
			a.logger.Warn("memory close", "error", err)
		}
	}
	if a.traceStop != nil {
		if err := a.traceStop(ctx); err != nil {
			a.logger.Warn("tracer shutdown", "error", err)
		}
	}
	a.bus.Close()
	a.logger.Info("relay stopped")
}

// pumpChannelMessages feeds inbound channel traffic to the agent and
// sends the reply back over the originating channel.
func (a *App) pumpChannelMessages(ctx context.Context) {
	for msg := range a.chanReg.AggregateMessages(ctx) {
		go a.handleChannelMessage(ctx, msg)
	}
}

func (a *App) handleChannelMessage(ctx context.Context, msg *models.Message) {
	if strings.TrimSpace(msg.Content) == "" {
		return
	}
	key := sessions.Key("main", msg.Channel, msg.ChannelID)
	_, msgs, err := a.runtime.RunSync(ctx, gateway.RunRequest{
		SessionKey: key,
		Text:       msg.Content,
	})
	if err != nil {
		if errors.Is(err, gateway.ErrRunActive) {
			a.logger.Debug("dropping channel message, session busy", "session_key", key)
			return
		}
		a.logger.Error("channel agent run failed", "session_key", key, "error", err)
		return
	}
	reply := finalAssistantText(msgs)
	if reply == "" {
		return
	}
	plugin, ok := a.chanReg.Get(msg.Channel)
	if !ok {
		return
	}
	if _, err := plugin.SendText(ctx, msg.ChannelID, reply, msg.ID); err != nil {
		a.logger.Error("channel reply failed",
			"channel", msg.Channel, "target", msg.ChannelID, "error", err)
	}
}

// cronSystemEvent appends a system_event payload to the owning agent's
// main cron session as a system-role message, then broadcasts it on the
// bus so connected clients see it too.
func (a *App) cronSystemEvent(ctx context.Context, text, agentID string) error {
	if agentID == "" {
		agentID = "main"
	}
	key := sessions.Key(agentID, models.ChannelCron, "main")
	session, err := a.store.GetOrCreate(ctx, key)
	if err != nil {
		return fmt.Errorf("load session %s: %w", key, err)
	}
	session.Messages = append(session.Messages, models.NewSystemMessage(text))
	if err := a.store.Save(ctx, session); err != nil {
		return fmt.Errorf("persist session %s: %w", key, err)
	}

	a.bus.Publish(ctx, bus.Event{
		Type:      "system.event",
		Timestamp: time.Now(),
		Data:      map[string]any{"text": text, "agent_id": agentID, "source": "cron"},
	})
	return nil
}

// cronAgentTurn runs an agent_turn payload in a fresh isolated session.
func (a *App) cronAgentTurn(ctx context.Context, job *cron.Job) (*cron.AgentResult, error) {
	agentID := job.AgentID
	if agentID == "" {
		agentID = "main"
	}
	key := sessions.Key(agentID, models.ChannelCron,
		fmt.Sprintf("%s-%d", job.ID, time.Now().UnixMilli()))

	_, msgs, err := a.runtime.RunSync(ctx, gateway.RunRequest{
		SessionKey: key,
		Text:       job.Payload.Prompt,
		Model:      job.Payload.Model,
	})
	if err != nil {
		return &cron.AgentResult{Success: false, SessionKey: key}, err
	}
	full := finalAssistantText(msgs)
	return &cron.AgentResult{
		Success:      true,
		Summary:      summarize(full, 200),
		FullResponse: full,
		SessionKey:   key,
		Model:        job.Payload.Model,
	}, nil
}

func finalAssistantText(msgs []models.AgentMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleAssistant && msgs[i].Content != "" {
			return msgs[i].Content
		}
	}
	return ""
}

func summarize(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

func queueMode(mode string) agent.QueueMode {
	if mode == "all" {
		return agent.QueueModeAll
	}
	return agent.QueueModeOne
}

// buildSessionStore selects the configured persistence backend.
func buildSessionStore(cfg *config.Config) (sessions.Store, error) {
	switch cfg.Sessions.Backend {
	case "memory":
		return sessions.NewMemoryStore(), nil
	case "file":
		return sessions.NewFileStore(cfg.Sessions.Dir)
	case "postgres":
		return sessions.NewPostgresStoreFromDSN(cfg.Sessions.PostgresURL, nil)
	}
	return nil, fmt.Errorf("sessions.backend %q unknown", cfg.Sessions.Backend)
}

// buildProviders registers the available model providers. Configured
// entries without a matching adapter are reported, not fatal.
func buildProviders(cfg *config.Config, logger *slog.Logger) *providers.Registry {
	reg := providers.NewRegistry()
	scripted := providers.NewScripted("scripted")
	reg.Register(providers.NewRetrying(scripted, retry.Config{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Factor:       2,
		Jitter:       true,
	}, logger))
	for name := range cfg.Providers.Entries {
		if _, ok := reg.Get(name); !ok {
			logger.Warn("no adapter for configured provider", "provider", name)
		}
	}
	if cfg.Providers.Default != "" {
		if err := reg.SetDefault(cfg.Providers.Default); err != nil {
			logger.Warn("default provider not registered, using first",
				"provider", cfg.Providers.Default)
		}
	}
	return reg
}

// buildTools assembles the builtin tool set.
func buildTools(cfg *config.Config, approver tools.Approver) *tools.Registry {
	reg := tools.NewRegistry()
	reg.Register(tools.NewEchoTool())
	reg.Register(tools.NewTimeTool())
	if cfg.Tools.Exec.Enabled {
		workdir := cfg.Tools.Exec.WorkingDir
		if workdir == "" {
			workdir = cfg.Workspace
		}
		reg.Register(tools.NewExecTool(tools.ExecConfig{
			Workspace:       workdir,
			AllowedCommands: cfg.Tools.Exec.AllowedBins,
			DefaultTimeout:  cfg.Tools.Timeout,
			MaxOutput:       cfg.Tools.Exec.MaxOutputKiB * 1024,
		}, approver))
	}
	return reg
}

// approvalPolicies maps config policy entries to the approval manager's
// shape.
func approvalPolicies(cfg *config.Config) []approval.Policy {
	out := make([]approval.Policy, 0, len(cfg.Approval.Policies))
	for _, p := range cfg.Approval.Policies {
		out = append(out, approval.Policy{
			Pattern:         p.Pattern,
			AutoApprove:     p.AutoApprove,
			RequireApproval: p.RequireApproval,
			AllowedUsers:    p.AllowedUsers,
		})
	}
	return out
}
