package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

// Runner wraps tool execution with the standard pipeline: permission check,
// sliding-window rate limit, schema validation, timeout, output truncation,
// and metrics. Failures of any stage fold into a failed ToolResult rather
// than an error; the conversation always gets a tool result back.
type Runner struct {
	registry *Registry
	defaults Config
	logger   *slog.Logger
	obs      *observability.Metrics

	mu       sync.Mutex
	configs  map[string]Config
	recent   map[string][]time.Time
	metrics  map[string]*Metrics
	schemas  sync.Map
	disabled map[string]bool
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// WithDefaults overrides the runner-wide execution limits.
func WithDefaults(cfg Config) RunnerOption {
	return func(r *Runner) { r.defaults = cfg }
}

// WithObservability wires Prometheus recording for executions.
func WithObservability(m *observability.Metrics) RunnerOption {
	return func(r *Runner) { r.obs = m }
}

// NewRunner creates a runner over a registry.
func NewRunner(registry *Registry, opts ...RunnerOption) *Runner {
	r := &Runner{
		registry: registry,
		defaults: DefaultConfig(),
		configs:  make(map[string]Config),
		recent:   make(map[string][]time.Time),
		metrics:  make(map[string]*Metrics),
		disabled: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Registry returns the underlying tool registry.
func (r *Runner) Registry() *Registry {
	return r.registry
}

// Configure sets per-tool limits, overriding the defaults for that tool.
func (r *Runner) Configure(name string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[name] = cfg
}

// SetEnabled enables or disables a tool without unregistering it.
func (r *Runner) SetEnabled(name string, enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disabled[name] = !enabled
}

// Execute runs one tool call through the full pipeline.
func (r *Runner) Execute(ctx context.Context, call models.ToolCall) *models.ToolResult {
	return r.ExecuteWithProgress(ctx, call, nil)
}

// ExecuteWithProgress is Execute with a progress callback. Tools implementing
// ProgressReporter receive it; others run plain Execute.
func (r *Runner) ExecuteWithProgress(ctx context.Context, call models.ToolCall, progress func(string)) *models.ToolResult {
	start := time.Now()

	tool, ok := r.registry.Get(call.Name)
	if !ok {
		return failed(fmt.Sprintf("tool not found: %s", call.Name), start)
	}
	if r.isDisabled(call.Name) {
		return failed(fmt.Sprintf("tool disabled: %s", call.Name), start)
	}

	cfg := r.configFor(call.Name)
	m := r.metricsFor(call.Name)

	if err := checkPermissions(tool, cfg); err != nil {
		return r.fold(ctx, call.Name, m, start, err)
	}
	if err := r.checkRateLimit(call.Name, cfg); err != nil {
		return r.fold(ctx, call.Name, m, start, err)
	}
	if err := r.validateParams(tool, call.Arguments); err != nil {
		return r.fold(ctx, call.Name, m, start, err)
	}

	result, err := r.run(ctx, tool, call, cfg, progress)
	duration := time.Since(start)

	if err != nil {
		timedOut := false
		if _, ok := err.(*TimeoutError); ok {
			timedOut = true
		}
		m.record(false, timedOut, duration)
		r.observe(call.Name, statusFor(err), duration)
		r.logger.Warn("tool execution failed",
			"tool", call.Name,
			"tool_call_id", call.ID,
			"error", err,
			"duration_ms", duration.Milliseconds(),
		)
		return &models.ToolResult{
			Success:         false,
			Error:           err.Error(),
			ExecutionTimeMs: duration.Milliseconds(),
		}
	}

	if result == nil {
		result = &models.ToolResult{Success: true}
	}
	result.Content = truncate(result.Content, cfg.MaxOutputSize)
	result.ExecutionTimeMs = duration.Milliseconds()

	status := "success"
	if !result.Success {
		status = "error"
	}
	m.record(result.Success, false, duration)
	r.observe(call.Name, status, duration)
	return result
}

// run executes the tool body under a timeout with panic recovery.
func (r *Runner) run(ctx context.Context, tool Tool, call models.ToolCall, cfg Config, progress func(string)) (*models.ToolResult, error) {
	execCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	type outcome struct {
		result *models.ToolResult
		err    error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- outcome{err: fmt.Errorf("tool %s panicked: %v\n%s", call.Name, rec, debug.Stack())}
			}
		}()

		if progress != nil {
			if pr, ok := tool.(ProgressReporter); ok {
				result, err := pr.ExecuteWithProgress(execCtx, call.Arguments, progress)
				ch <- outcome{result: result, err: err}
				return
			}
		}
		result, err := tool.Execute(execCtx, call.Arguments)
		ch <- outcome{result: result, err: err}
	}()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TimeoutError{Tool: call.Name, Timeout: cfg.Timeout}
	}
}

// Metrics returns a snapshot of a tool's accumulated metrics.
func (r *Runner) Metrics(name string) MetricsSnapshot {
	return r.metricsFor(name).Snapshot()
}

// AllMetrics returns snapshots for every tool that has executed.
func (r *Runner) AllMetrics() map[string]MetricsSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]MetricsSnapshot, len(r.metrics))
	for name, m := range r.metrics {
		out[name] = m.Snapshot()
	}
	return out
}

func (r *Runner) fold(ctx context.Context, name string, m *Metrics, start time.Time, err error) *models.ToolResult {
	duration := time.Since(start)
	m.record(false, false, duration)
	r.observe(name, statusFor(err), duration)
	r.logger.Debug("tool call rejected", "tool", name, "error", err)
	return &models.ToolResult{
		Success:         false,
		Error:           err.Error(),
		ExecutionTimeMs: duration.Milliseconds(),
	}
}

func (r *Runner) observe(name, status string, duration time.Duration) {
	if r.obs != nil {
		r.obs.RecordToolExecution(name, status, duration.Seconds())
	}
}

func (r *Runner) configFor(name string) Config {
	r.mu.Lock()
	cfg, ok := r.configs[name]
	r.mu.Unlock()
	if !ok {
		cfg = Config{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = r.defaults.Timeout
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = r.defaults.MaxOutputSize
	}
	if cfg.RateLimitPerMinute == 0 {
		cfg.RateLimitPerMinute = r.defaults.RateLimitPerMinute
	}
	if cfg.AllowedPermissions == nil {
		cfg.AllowedPermissions = r.defaults.AllowedPermissions
	}
	return cfg
}

func (r *Runner) metricsFor(name string) *Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.metrics[name]
	if !ok {
		m = &Metrics{}
		r.metrics[name] = m
	}
	return m
}

func (r *Runner) isDisabled(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disabled[name]
}

const rateWindow = 60 * time.Second

// checkRateLimit enforces the sliding-window rate limit and records the
// call when permitted.
func (r *Runner) checkRateLimit(name string, cfg Config) error {
	if cfg.RateLimitPerMinute <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rateWindow)
	window := r.recent[name]
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= cfg.RateLimitPerMinute {
		r.recent[name] = kept
		return &RateLimitError{Tool: name, Limit: cfg.RateLimitPerMinute}
	}
	r.recent[name] = append(kept, now)
	return nil
}

func (r *Runner) validateParams(tool Tool, params json.RawMessage) error {
	schemaBytes := tool.Schema()
	if len(schemaBytes) == 0 {
		return nil
	}

	compiled, err := r.compileSchema(tool.Name(), schemaBytes)
	if err != nil {
		// A broken schema must not brick the tool.
		r.logger.Warn("tool schema failed to compile", "tool", tool.Name(), "error", err)
		return nil
	}

	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return &ValidationError{Tool: tool.Name(), Reason: fmt.Sprintf("parameters are not valid JSON: %v", err)}
	}
	if err := compiled.Validate(decoded); err != nil {
		return &ValidationError{Tool: tool.Name(), Reason: err.Error()}
	}
	return nil
}

func (r *Runner) compileSchema(name string, schemaBytes json.RawMessage) (*jsonschema.Schema, error) {
	key := name + ":" + string(schemaBytes)
	if cached, ok := r.schemas.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", string(schemaBytes))
	if err != nil {
		return nil, err
	}
	r.schemas.Store(key, compiled)
	return compiled, nil
}

func checkPermissions(tool Tool, cfg Config) error {
	requirer, ok := tool.(PermissionRequirer)
	if !ok {
		return nil
	}
	required := requirer.RequiredPermissions()
	if len(required) == 0 {
		return nil
	}

	allowed := make(map[string]bool, len(cfg.AllowedPermissions))
	for _, p := range cfg.AllowedPermissions {
		allowed[p] = true
	}
	var missing []string
	for _, p := range required {
		if !allowed[p] {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return &PermissionError{Tool: tool.Name(), Missing: missing}
	}
	return nil
}

func truncate(content string, max int) string {
	if max <= 0 || len(content) <= max {
		return content
	}
	return content[:max] + fmt.Sprintf("\n[Output truncated at %d characters]", max)
}

func statusFor(err error) string {
	switch err.(type) {
	case *TimeoutError:
		return "timeout"
	default:
		return "error"
	}
}

func failed(msg string, start time.Time) *models.ToolResult {
	return &models.ToolResult{
		Success:         false,
		Error:           msg,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}
}

// Metrics accumulates per-tool execution counters. Counters are monotonic
// for the life of the process.
type Metrics struct {
	mu            sync.Mutex
	total         uint64
	successful    uint64
	failed        uint64
	timeouts      uint64
	totalDuration time.Duration
	lastDuration  time.Duration
}

func (m *Metrics) record(success, timeout bool, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total++
	if success {
		m.successful++
	} else {
		m.failed++
	}
	if timeout {
		m.timeouts++
	}
	m.totalDuration += duration
	m.lastDuration = duration
}

// Snapshot returns a point-in-time copy of the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := MetricsSnapshot{
		Total:         m.total,
		Successful:    m.successful,
		Failed:        m.failed,
		Timeouts:      m.timeouts,
		TotalDuration: m.totalDuration,
		LastDuration:  m.lastDuration,
	}
	if m.total > 0 {
		snap.AverageDuration = m.totalDuration / time.Duration(m.total)
	}
	return snap
}

// MetricsSnapshot is a point-in-time copy of a tool's metrics.
type MetricsSnapshot struct {
	Total           uint64
	Successful      uint64
	Failed          uint64
	Timeouts        uint64
	TotalDuration   time.Duration
	AverageDuration time.Duration
	LastDuration    time.Duration
}
