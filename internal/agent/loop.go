// Package agent implements the turn state machine at the heart of relay:
// it streams provider output, dispatches tool calls, honours steering,
// follow-up, and abort requests, and emits the run's event stream.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/aborts"
	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

// ErrRunning is returned when a turn is already active for the session.
// The gateway maps it to UNAVAILABLE with a retry hint.
var ErrRunning = errors.New("agent run already active for session")

// ErrMaxTurns is returned when a run exceeds its turn budget without the
// model finishing.
var ErrMaxTurns = errors.New("maximum turns reached")

// ConvertFunc transforms the session log into the messages sent to the
// provider. The default drops host-only messages and keeps tool fields.
type ConvertFunc func(msgs []models.AgentMessage) []models.AgentMessage

// TransformFunc rewrites the provider-bound context. The default is
// identity; context-window management hooks in here.
type TransformFunc func(ctx context.Context, msgs []models.AgentMessage) ([]models.AgentMessage, error)

// Deps carries the collaborators a loop needs. Providers, Tools, and
// Store are required; Bus, Logger, and Metrics are optional.
type Deps struct {
	Providers *providers.Registry
	Tools     *tools.Runner
	Store     sessions.Store
	Bus       *bus.Bus
	Logger    *slog.Logger
	Metrics   *observability.Metrics
}

// Config tunes loop behavior. Zero values take defaults.
type Config struct {
	// DefaultModel is used when the session does not pin one.
	DefaultModel string

	// MaxTokens is passed to the provider on every stream.
	MaxTokens int

	// MaxTurns bounds provider round-trips per run.
	MaxTurns int

	// SteeringMode and FollowUpMode select drain behavior for the queues.
	SteeringMode QueueMode
	FollowUpMode QueueMode

	// ConvertToLLM and TransformContext are the two context hooks applied
	// before every provider call, in that order.
	ConvertToLLM     ConvertFunc
	TransformContext TransformFunc
}

func (c Config) withDefaults() Config {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = 25
	}
	if c.SteeringMode == "" {
		c.SteeringMode = QueueModeOne
	}
	if c.FollowUpMode == "" {
		c.FollowUpMode = QueueModeOne
	}
	if c.ConvertToLLM == nil {
		c.ConvertToLLM = DefaultConvertToLLM
	}
	if c.TransformContext == nil {
		c.TransformContext = func(_ context.Context, msgs []models.AgentMessage) ([]models.AgentMessage, error) {
			return msgs, nil
		}
	}
	return c
}

// DefaultConvertToLLM drops host-only messages and preserves everything
// else, including tool calls and tool results.
func DefaultConvertToLLM(msgs []models.AgentMessage) []models.AgentMessage {
	out := make([]models.AgentMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.HostOnly() {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Loop drives agent turns for exactly one session. All public methods are
// safe for concurrent use, but only one run executes at a time; a second
// Prompt or Continue while a run is active fails with ErrRunning.
type Loop struct {
	key  string
	deps Deps
	cfg  Config

	queue *Queue

	mu      sync.Mutex
	running bool
	ctl     *aborts.Controller
	tok     *aborts.Token
	idleCh  chan struct{}
}

// NewLoop creates the loop for a session key.
func NewLoop(key string, deps Deps, cfg Config) *Loop {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	q := NewQueue()
	q.SetSteeringMode(cfg.SteeringMode)
	q.SetFollowUpMode(cfg.FollowUpMode)

	ctl, tok := aborts.New()
	idle := make(chan struct{})
	close(idle)
	return &Loop{
		key:    key,
		deps:   deps,
		cfg:    cfg,
		queue:  q,
		ctl:    ctl,
		tok:    tok,
		idleCh: idle,
	}
}

// SessionKey returns the session this loop drives.
func (l *Loop) SessionKey() string { return l.key }

// Queue exposes the steering/follow-up queue, mainly for tests and the
// gateway's inject handlers.
func (l *Loop) Queue() *Queue { return l.queue }

// PromptRequest seeds a new conversation turn.
type PromptRequest struct {
	// Text is the user prompt. Ignored when Messages is set.
	Text string

	// Messages overrides Text with explicit seed messages.
	Messages []models.AgentMessage

	// SystemPrompt is inserted as the leading system message when the
	// session does not have one yet.
	SystemPrompt string

	// Model pins the session model for this and later runs.
	Model string

	// RunID correlates events. Empty generates one.
	RunID string

	// Images attach to the user prompt.
	Images []models.ImageContent
}

// Prompt seeds the session with the request and runs the loop to
// completion, returning the final message log.
func (l *Loop) Prompt(ctx context.Context, req PromptRequest) ([]models.AgentMessage, error) {
	session, err := l.deps.Store.GetOrCreate(ctx, l.key)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	if req.Model != "" {
		session.Model = req.Model
	}
	if req.SystemPrompt != "" && len(session.SystemMessages()) == 0 {
		session.Messages = append([]models.AgentMessage{models.NewSystemMessage(req.SystemPrompt)}, session.Messages...)
	}
	seeds := req.Messages
	if len(seeds) == 0 {
		seeds = []models.AgentMessage{models.NewUserMessage(req.Text, req.Images...)}
	}
	session.Messages = append(session.Messages, seeds...)

	return l.run(ctx, session, req.RunID)
}

// Continue runs the loop against the session's existing message log.
func (l *Loop) Continue(ctx context.Context, runID string) ([]models.AgentMessage, error) {
	session, err := l.deps.Store.Get(ctx, l.key)
	if err != nil {
		return nil, err
	}
	return l.run(ctx, session, runID)
}

// Steer enqueues an interrupting user message. It takes effect at the
// next checkpoint: before the next provider call, or between tool calls
// (remaining calls in the batch are skipped).
func (l *Loop) Steer(text string) {
	l.queue.Steer(QueuedMessage{Content: text})
}

// FollowUp enqueues a user message processed after the current turn's
// tools complete. Steering always has priority.
func (l *Loop) FollowUp(text string) {
	l.queue.FollowUp(QueuedMessage{Content: text})
}

// Abort cooperatively stops the active run. A nil reason becomes the
// generic abort error. Aborting an idle loop is a no-op; each run starts
// with a fresh token.
func (l *Loop) Abort(reason error) {
	l.mu.Lock()
	ctl := l.ctl
	running := l.running
	l.mu.Unlock()
	if running {
		ctl.Abort(reason)
	}
}

// WaitForIdle blocks until no run is active and both queues are empty.
func (l *Loop) WaitForIdle(ctx context.Context) error {
	for {
		l.mu.Lock()
		idle := !l.running && l.queue.Empty()
		ch := l.idleCh
		l.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// begin claims the run slot and arms a fresh abort token.
func (l *Loop) begin() (*aborts.Token, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return nil, ErrRunning
	}
	l.running = true
	l.ctl, l.tok = aborts.New()
	l.idleCh = make(chan struct{})
	return l.tok, nil
}

func (l *Loop) end() {
	l.mu.Lock()
	l.running = false
	close(l.idleCh)
	l.mu.Unlock()
}

// run executes the turn state machine until the model finishes, the run
// aborts, or an error surfaces.
func (l *Loop) run(ctx context.Context, session *models.Session, runID string) ([]models.AgentMessage, error) {
	tok, err := l.begin()
	if err != nil {
		return nil, err
	}
	defer l.end()

	if runID == "" {
		runID = "run_" + uuid.NewString()
	}
	ctx = observability.AddRunID(observability.AddSessionKey(ctx, l.key), runID)
	em := NewEmitter(l.deps.Bus, runID, l.key)
	logger := l.deps.Logger.With("run_id", runID, "session_key", l.key)

	em.Emit(ctx, EventAgentStart, map[string]any{"session_key": l.key})
	logger.Info("agent run started", "turn_count", session.TurnCount)

	reason, runErr := l.turns(ctx, session, em, tok, logger)

	session.IsStreaming = false
	session.StreamMessage = nil
	session.PendingToolCalls = nil
	session.UpdatedAt = time.Now()
	if saveErr := l.deps.Store.Save(ctx, session); saveErr != nil {
		logger.Error("failed to persist session", "error", saveErr)
		if runErr == nil {
			reason, runErr = ReasonError, fmt.Errorf("persist session: %w", saveErr)
		}
	}

	if reason == ReasonAbort {
		em.Emit(ctx, EventTurnAborted, map[string]any{"turn": session.TurnCount})
	}
	em.Emit(ctx, EventAgentEnd, map[string]any{"reason": reason})
	if l.deps.Metrics != nil {
		l.deps.Metrics.RecordAgentRun(reason)
	}
	logger.Info("agent run finished", "reason", reason, "turns", session.TurnCount)

	if runErr != nil {
		return nil, runErr
	}
	out := make([]models.AgentMessage, len(session.Messages))
	copy(out, session.Messages)
	return out, nil
}

// turns is the iteration body of the state machine. It returns the
// terminal reason and, for provider or persistence failures, the error
// to surface to the caller. Abort is not an error.
func (l *Loop) turns(ctx context.Context, session *models.Session, em *Emitter, tok *aborts.Token, logger *slog.Logger) (string, error) {
	turnsThisRun := 0
	for {
		if tok.Aborted() {
			return ReasonAbort, nil
		}

		// Steering interrupts between phases: drain, then loop back so the
		// abort check runs again before the provider is called.
		if steering := l.queue.DrainSteering(); len(steering) > 0 {
			for _, m := range steering {
				session.Messages = append(session.Messages, models.NewUserMessage(m.Content, m.Images...))
			}
			continue
		}

		if turnsThisRun >= l.cfg.MaxTurns {
			return ReasonError, fmt.Errorf("%w: %d", ErrMaxTurns, l.cfg.MaxTurns)
		}
		turnsThisRun++
		session.TurnCount++
		em.SetTurn(session.TurnCount)
		em.Emit(ctx, EventTurnStart, map[string]any{"turn": session.TurnCount})

		turnStart := time.Now()
		assistant, calls, err := l.streamTurn(ctx, session, em, tok)
		if err != nil {
			if tok.Aborted() {
				return ReasonAbort, nil
			}
			logger.Error("provider stream failed", "error", err)
			return ReasonError, err
		}
		if l.deps.Metrics != nil {
			l.deps.Metrics.RecordAgentTurn(l.modelFor(session), time.Since(turnStart).Seconds())
		}

		session.Messages = append(session.Messages, assistant)
		em.Emit(ctx, EventTurnEnd, map[string]any{
			"turn":           session.TurnCount,
			"has_tool_calls": len(calls) > 0,
		})

		if tok.Aborted() {
			// The partial assistant message is kept; its calls are answered
			// so the transcript stays well-formed.
			l.recordSkipped(session, calls, "Skipped: run aborted")
			return ReasonAbort, nil
		}

		if len(calls) == 0 {
			if !l.queue.HasSteering() {
				if followUps := l.queue.DrainFollowUp(); len(followUps) > 0 {
					for _, m := range followUps {
						session.Messages = append(session.Messages, models.NewUserMessage(m.Content, m.Images...))
					}
					continue
				}
				return ReasonCompleted, nil
			}
			continue
		}

		l.executeToolCalls(ctx, session, em, tok, calls)

		session.UpdatedAt = time.Now()
		if err := l.deps.Store.Save(ctx, session); err != nil {
			logger.Error("failed to persist session at turn boundary", "error", err)
			return ReasonError, fmt.Errorf("persist session: %w", err)
		}

		if tok.Aborted() {
			return ReasonAbort, nil
		}
		if !l.queue.HasSteering() {
			for _, m := range l.queue.DrainFollowUp() {
				session.Messages = append(session.Messages, models.NewUserMessage(m.Content, m.Images...))
			}
		}
	}
}

func (l *Loop) modelFor(session *models.Session) string {
	if session.Model != "" {
		return session.Model
	}
	return l.cfg.DefaultModel
}

func (l *Loop) toolSpecs() []providers.ToolSpec {
	list := l.deps.Tools.Registry().List()
	specs := make([]providers.ToolSpec, 0, len(list))
	for _, t := range list {
		specs = append(specs, providers.ToolSpec{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return specs
}

// streamTurn runs one provider stream and returns the assembled assistant
// message plus any tool calls the model produced.
func (l *Loop) streamTurn(ctx context.Context, session *models.Session, em *Emitter, tok *aborts.Token) (models.AgentMessage, []models.ToolCall, error) {
	msgs := l.cfg.ConvertToLLM(session.Messages)
	msgs, err := l.cfg.TransformContext(ctx, msgs)
	if err != nil {
		return models.AgentMessage{}, nil, fmt.Errorf("transform context: %w", err)
	}

	model := l.modelFor(session)
	provider, err := l.deps.Providers.Resolve(model)
	if err != nil {
		return models.AgentMessage{}, nil, err
	}

	req := &providers.StreamRequest{
		Messages:  msgs,
		Model:     model,
		Tools:     l.toolSpecs(),
		Thinking:  session.Thinking,
		MaxTokens: l.cfg.MaxTokens,
	}

	streamCtx, cancel := tok.AsContext(ctx)
	defer cancel()

	stream, err := provider.Stream(streamCtx, req)
	if err != nil {
		return models.AgentMessage{}, nil, err
	}
	defer stream.Close()

	em.Emit(ctx, EventMessageStart, map[string]any{"turn": session.TurnCount})
	streaming := models.AgentMessage{Role: models.RoleAssistant}
	session.IsStreaming = true
	session.StreamMessage = &streaming

	var acc providers.Accumulator
	for ev := range stream.Events() {
		switch ev.Kind {
		case providers.KindThinkingStart:
			em.Emit(ctx, EventThinkingStart, nil)
		case providers.KindThinkingDelta:
			acc.Add(ev)
			em.Emit(ctx, EventThinkingDelta, map[string]any{"text": ev.Text})
			streaming.Thinking = acc.Thinking()
		case providers.KindThinkingEnd:
			em.Emit(ctx, EventThinkingEnd, nil)
		case providers.KindTextDelta:
			acc.Add(ev)
			em.TextDelta(ctx, ev.Text, acc.Text())
			streaming.Content = acc.Text()
		case providers.KindToolCall:
			acc.Add(ev)
			for _, call := range ev.ToolCalls {
				em.ToolCall(ctx, call)
			}
			session.PendingToolCalls = acc.ToolCalls()
		case providers.KindDone, providers.KindError:
			acc.Add(ev)
		}
	}

	em.FlushUpdate(ctx, acc.Text())
	em.Emit(ctx, EventMessageEnd, map[string]any{
		"content":       acc.Text(),
		"finish_reason": acc.FinishReason(),
	})
	session.IsStreaming = false
	session.StreamMessage = nil

	if err := acc.Err(); err != nil {
		return models.AgentMessage{}, nil, err
	}

	if u := acc.Usage(); u.InputTokens > 0 || u.OutputTokens > 0 {
		if session.Metadata == nil {
			session.Metadata = make(map[string]any)
		}
		session.Metadata["last_usage"] = map[string]any{
			"input_tokens":  u.InputTokens,
			"output_tokens": u.OutputTokens,
		}
	}
	return acc.Message(), acc.ToolCalls(), nil
}

// executeToolCalls processes calls sequentially in emission order. A
// steering message or abort arriving between calls skips the remainder;
// skipped calls still get tool results so every assistant tool_calls list
// has its matching contiguous toolResult suffix. No tool_execution events
// are emitted for skipped calls.
func (l *Loop) executeToolCalls(ctx context.Context, session *models.Session, em *Emitter, tok *aborts.Token, calls []models.ToolCall) {
	for i, call := range calls {
		if tok.Aborted() {
			l.recordSkipped(session, calls[i:], "Skipped: run aborted")
			return
		}
		if l.queue.HasSteering() {
			l.recordSkipped(session, calls[i:], "Skipped due to steering interrupt")
			return
		}

		em.Emit(ctx, EventToolExecStart, map[string]any{
			"tool_call_id": call.ID,
			"name":         call.Name,
		})

		toolCtx, cancel := tok.AsContext(ctx)
		progress := func(update string) {
			em.Emit(ctx, EventToolExecUpdate, map[string]any{
				"tool_call_id": call.ID,
				"name":         call.Name,
				"output":       update,
			})
		}
		result := l.deps.Tools.ExecuteWithProgress(toolCtx, call, progress)
		cancel()

		data := map[string]any{
			"tool_call_id": call.ID,
			"name":         call.Name,
			"success":      result.Success,
			"duration_ms":  result.ExecutionTimeMs,
		}
		content := result.Content
		if result.Success {
			data["result"] = result.Content
		} else {
			data["error"] = result.Error
			content = "Error: " + result.Error
		}
		em.Emit(ctx, EventToolExecEnd, data)
		session.Messages = append(session.Messages, models.NewToolResultMessage(call.ID, content))
	}
	session.PendingToolCalls = nil
}

// recordSkipped answers unprocessed tool calls without emitting
// tool_execution events for them.
func (l *Loop) recordSkipped(session *models.Session, calls []models.ToolCall, reason string) {
	for _, call := range calls {
		session.Messages = append(session.Messages, models.NewToolResultMessage(call.ID, reason))
	}
	session.PendingToolCalls = nil
}
