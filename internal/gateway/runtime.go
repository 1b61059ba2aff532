package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/pkg/models"
)

// ErrRunActive is returned when a session already has an agent run in
// flight. Callers should retry after the run completes.
var ErrRunActive = errors.New("an agent run is already active for this session")

// ErrRunNotFound is returned when aborting an unknown run.
var ErrRunNotFound = errors.New("run not found")

// Runtime owns the per-session agent loops and the table of active runs.
// It serializes runs per session: the gateway rejects a second prompt
// against a busy session instead of queueing it.
type Runtime struct {
	deps agent.Deps
	cfg  agent.Config

	// systemPrompt produces the bootstrap system prompt for new
	// sessions. Nil leaves sessions without one.
	systemPrompt func(ctx context.Context) string

	mu    sync.Mutex
	loops map[string]*agent.Loop
	runs  map[string]*Run
	byKey map[string]string
}

// Run is one in-flight agent run.
type Run struct {
	ID         string    `json:"run_id"`
	SessionKey string    `json:"session_key"`
	StartedAt  time.Time `json:"started_at"`

	conn *conn
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithSystemPrompt sets the bootstrap prompt hook.
func WithSystemPrompt(fn func(ctx context.Context) string) RuntimeOption {
	return func(r *Runtime) { r.systemPrompt = fn }
}

// NewRuntime creates the run manager over the given agent dependencies.
func NewRuntime(deps agent.Deps, cfg agent.Config, opts ...RuntimeOption) *Runtime {
	if deps.Logger == nil {
		deps.Logger = slog.Default().With("component", "runtime")
	}
	r := &Runtime{
		deps:  deps,
		cfg:   cfg,
		loops: make(map[string]*agent.Loop),
		runs:  make(map[string]*Run),
		byKey: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Loop returns the session's loop, creating it on first use.
func (r *Runtime) Loop(key string) *agent.Loop {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loopLocked(key)
}

func (r *Runtime) loopLocked(key string) *agent.Loop {
	if l, ok := r.loops[key]; ok {
		return l
	}
	l := agent.NewLoop(key, r.deps, r.cfg)
	r.loops[key] = l
	return l
}

// RunRequest describes one agent invocation.
type RunRequest struct {
	SessionKey string
	Text       string
	Messages   []models.AgentMessage
	Model      string
	RunID      string
}

// reserve claims the session's run slot and registers the run.
func (r *Runtime) reserve(req RunRequest, c *conn) (*Run, *agent.Loop, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if req.SessionKey == "" {
		return nil, nil, errors.New("session key is required")
	}
	if _, busy := r.byKey[req.SessionKey]; busy {
		return nil, nil, ErrRunActive
	}
	id := req.RunID
	if id == "" {
		id = "run_" + uuid.NewString()
	}
	if _, dup := r.runs[id]; dup {
		return nil, nil, errors.New("run id already in use: " + id)
	}
	run := &Run{ID: id, SessionKey: req.SessionKey, StartedAt: time.Now(), conn: c}
	r.runs[id] = run
	r.byKey[req.SessionKey] = id
	return run, r.loopLocked(req.SessionKey), nil
}

func (r *Runtime) release(run *Run) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, run.ID)
	if r.byKey[run.SessionKey] == run.ID {
		delete(r.byKey, run.SessionKey)
	}
}

func (r *Runtime) promptRequest(ctx context.Context, req RunRequest, runID string) agent.PromptRequest {
	preq := agent.PromptRequest{
		Text:     req.Text,
		Messages: req.Messages,
		Model:    req.Model,
		RunID:    runID,
	}
	if r.systemPrompt != nil {
		preq.SystemPrompt = r.systemPrompt(ctx)
	}
	return preq
}

// StartRun begins a streaming run and returns immediately. Events flow
// to the originating connection via the stream proxy. The run outlives
// the request context.
func (r *Runtime) StartRun(ctx context.Context, c *conn, req RunRequest) (*Run, error) {
	run, loop, err := r.reserve(req, c)
	if err != nil {
		return nil, err
	}
	preq := r.promptRequest(ctx, req, run.ID)
	go func() {
		defer r.release(run)
		if _, err := loop.Prompt(context.WithoutCancel(ctx), preq); err != nil {
			r.deps.Logger.Warn("streaming run failed",
				"run_id", run.ID, "session_key", run.SessionKey, "error", err)
		}
	}()
	return run, nil
}

// RunSync executes a run to completion and returns the final message log.
func (r *Runtime) RunSync(ctx context.Context, req RunRequest) (*Run, []models.AgentMessage, error) {
	run, loop, err := r.reserve(req, nil)
	if err != nil {
		return nil, nil, err
	}
	defer r.release(run)
	msgs, err := loop.Prompt(ctx, r.promptRequest(ctx, req, run.ID))
	return run, msgs, err
}

// AbortRun cancels one run by id.
func (r *Runtime) AbortRun(runID string, reason error) error {
	r.mu.Lock()
	run, ok := r.runs[runID]
	var loop *agent.Loop
	if ok {
		loop = r.loops[run.SessionKey]
	}
	r.mu.Unlock()
	if !ok || loop == nil {
		return ErrRunNotFound
	}
	loop.Abort(reason)
	return nil
}

// AbortSession cancels the session's active run, if any. Returns the
// number of runs aborted (0 or 1).
func (r *Runtime) AbortSession(key string, reason error) int {
	r.mu.Lock()
	_, ok := r.byKey[key]
	var loop *agent.Loop
	if ok {
		loop = r.loops[key]
	}
	r.mu.Unlock()
	if !ok || loop == nil {
		return 0
	}
	loop.Abort(reason)
	return 1
}

// Steer queues an interrupting message on the session's loop.
func (r *Runtime) Steer(key, text string) { r.Loop(key).Steer(text) }

// FollowUp queues a follow-up message on the session's loop.
func (r *Runtime) FollowUp(key, text string) { r.Loop(key).FollowUp(text) }

// ActiveRuns snapshots the in-flight runs, oldest first.
func (r *Runtime) ActiveRuns() []Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Run, 0, len(r.runs))
	for _, run := range r.runs {
		out = append(out, Run{ID: run.ID, SessionKey: run.SessionKey, StartedAt: run.StartedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// connFor returns the connection that should receive a run's events.
func (r *Runtime) connFor(runID string) *conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.runs[runID]; ok {
		return run.conn
	}
	return nil
}

// detachConn clears the conn pointer on every run owned by a closed
// connection. The runs keep executing; their events just stop
// forwarding.
func (r *Runtime) detachConn(c *conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, run := range r.runs {
		if run.conn == c {
			run.conn = nil
		}
	}
}
