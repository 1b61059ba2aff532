package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/haasonsaas/relay/internal/approval"
	"github.com/haasonsaas/relay/internal/bus"
	"github.com/haasonsaas/relay/internal/memory"
	"github.com/haasonsaas/relay/pkg/wire"
)

// --- exec approval ---

func (s *Server) approvalManager() (*approval.Manager, *wire.Error) {
	if s.deps.Approvals == nil {
		return nil, unavailable("exec approval")
	}
	return s.deps.Approvals, nil
}

type approvalParams struct {
	ID      string            `json:"id,omitempty"`
	Command string            `json:"command,omitempty"`
	Context map[string]string `json:"context,omitempty"`
	Approve *bool             `json:"approve,omitempty"`
	By      string            `json:"by,omitempty"`
}

func (p approvalParams) resolvedBy(c *conn) string {
	if p.By != "" {
		return p.By
	}
	return c.Identity().Subject
}

func (s *Server) handleApprovalRequest(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	mgr, werr := s.approvalManager()
	if werr != nil {
		return nil, werr
	}
	var p approvalParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	if p.Command == "" {
		return nil, wire.NewError(wire.CodeInvalidRequest, "command is required")
	}
	req, err := mgr.Request(ctx, p.Command, p.Context)
	if err != nil {
		return nil, wireError(err)
	}
	return map[string]any{"request": req}, nil
}

func (s *Server) handleApprovalResolve(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	mgr, werr := s.approvalManager()
	if werr != nil {
		return nil, werr
	}
	var p approvalParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	if p.Approve == nil {
		return nil, wire.NewError(wire.CodeInvalidRequest, "approve is required")
	}
	var err error
	if *p.Approve {
		err = mgr.Approve(ctx, p.ID, p.resolvedBy(c))
	} else {
		err = mgr.Reject(ctx, p.ID, p.resolvedBy(c))
	}
	if err != nil {
		return nil, approvalError(err)
	}
	return map[string]any{"resolved": true}, nil
}

func (s *Server) handleApprovalApprove(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	mgr, werr := s.approvalManager()
	if werr != nil {
		return nil, werr
	}
	var p approvalParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	if err := mgr.Approve(ctx, p.ID, p.resolvedBy(c)); err != nil {
		return nil, approvalError(err)
	}
	return map[string]any{"approved": true}, nil
}

func (s *Server) handleApprovalDeny(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	mgr, werr := s.approvalManager()
	if werr != nil {
		return nil, werr
	}
	var p approvalParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	if err := mgr.Reject(ctx, p.ID, p.resolvedBy(c)); err != nil {
		return nil, approvalError(err)
	}
	return map[string]any{"denied": true}, nil
}

// handleApprovalTimeout force-rejects a pending request on behalf of the
// waiting tool, recording the timeout as the resolver.
func (s *Server) handleApprovalTimeout(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	mgr, werr := s.approvalManager()
	if werr != nil {
		return nil, werr
	}
	var p approvalParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	if err := mgr.Reject(ctx, p.ID, "timeout"); err != nil {
		return nil, approvalError(err)
	}
	return map[string]any{"timedOut": true}, nil
}

func (s *Server) handleApprovalList(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	mgr, werr := s.approvalManager()
	if werr != nil {
		return nil, werr
	}
	return map[string]any{"pending": mgr.ListPending()}, nil
}

func approvalError(err error) *wire.Error {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		return wire.NewError(wire.CodeInvalidRequest, err.Error())
	case errors.Is(err, approval.ErrResolved), errors.Is(err, approval.ErrExpired):
		return wire.NewError(wire.CodeInvalidRequest, err.Error())
	}
	return wireError(err)
}

// --- memory ---

func (s *Server) memoryStore() (*memory.Store, *wire.Error) {
	if s.deps.Memory == nil {
		return nil, unavailable("memory")
	}
	return s.deps.Memory, nil
}

type memoryParams struct {
	Query      string   `json:"query,omitempty"`
	Text       string   `json:"text,omitempty"`
	SessionKey string   `json:"sessionKey,omitempty"`
	Kind       string   `json:"kind,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Limit      int      `json:"limit,omitempty"`
}

func (s *Server) handleMemorySearch(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	store, werr := s.memoryStore()
	if werr != nil {
		return nil, werr
	}
	var p memoryParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	results, err := store.Search(ctx, p.Query, memory.SearchOptions{
		SessionKey: p.SessionKey,
		Kind:       memory.Kind(p.Kind),
		Limit:      p.Limit,
	})
	if err != nil {
		return nil, wire.NewError(wire.CodeInvalidRequest, err.Error())
	}
	return map[string]any{"results": results}, nil
}

func (s *Server) handleMemoryAdd(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	store, werr := s.memoryStore()
	if werr != nil {
		return nil, werr
	}
	var p memoryParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	entry, err := store.Add(ctx, memory.Entry{
		SessionKey: p.SessionKey,
		Kind:       memory.Kind(p.Kind),
		Text:       p.Text,
		Tags:       p.Tags,
	})
	if err != nil {
		return nil, wire.NewError(wire.CodeInvalidRequest, err.Error())
	}
	return map[string]any{"entry": entry}, nil
}

func (s *Server) handleMemorySync(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	store, werr := s.memoryStore()
	if werr != nil {
		return nil, werr
	}
	var p memoryParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	key := p.SessionKey
	if key == "" {
		key = s.defaultSessionKey(c)
	}
	added, err := store.Sync(ctx, s.deps.Sessions, key)
	if err != nil {
		return nil, wireError(err)
	}
	return map[string]any{"added": added}, nil
}

// --- config ---

func (s *Server) handleConfigGet(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	if s.deps.Config == nil {
		return nil, unavailable("config service")
	}
	raw, err := s.deps.Config.Get()
	if err != nil {
		return nil, wireError(err)
	}
	return map[string]any{"config": raw}, nil
}

type configWriteParams struct {
	Config map[string]any `json:"config"`
}

func (s *Server) handleConfigSet(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	return s.configWrite(ctx, params, func(ctx context.Context, doc map[string]any) error {
		_, err := s.deps.Config.Set(ctx, doc)
		return err
	})
}

func (s *Server) handleConfigPatch(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	return s.configWrite(ctx, params, func(ctx context.Context, doc map[string]any) error {
		_, err := s.deps.Config.Patch(ctx, doc)
		return err
	})
}

func (s *Server) handleConfigApply(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	return s.configWrite(ctx, params, func(ctx context.Context, doc map[string]any) error {
		_, err := s.deps.Config.Apply(ctx, doc)
		return err
	})
}

func (s *Server) configWrite(ctx context.Context, params json.RawMessage, apply func(context.Context, map[string]any) error) (any, *wire.Error) {
	if s.deps.Config == nil {
		return nil, unavailable("config service")
	}
	var p configWriteParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	if p.Config == nil {
		return nil, wire.NewError(wire.CodeInvalidRequest, "config document is required")
	}
	if err := apply(ctx, p.Config); err != nil {
		return nil, wire.NewError(wire.CodeInvalidRequest, err.Error())
	}
	return map[string]any{"applied": true}, nil
}

func (s *Server) handleConfigSchema(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	if s.deps.Config == nil {
		return nil, unavailable("config service")
	}
	schema, err := s.deps.Config.Schema()
	if err != nil {
		return nil, wireError(err)
	}
	return map[string]any{"schema": schema}, nil
}

// --- system ---

func (s *Server) handleSystemPresence(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	result := map[string]any{
		"server":   ServerName,
		"version":  s.cfg.Version,
		"uptimeS":  int(s.Uptime().Seconds()),
		"runs":     s.deps.Runtime.ActiveRuns(),
		"clients":  s.proxy.ConnCount(),
		"protocol": wire.MaxProtocol,
	}
	if s.deps.Channels != nil {
		result["channels"] = s.deps.Channels.Statuses()
	}
	return result, nil
}

type systemEventParams struct {
	Type string         `json:"type,omitempty"`
	Data map[string]any `json:"data,omitempty"`
}

// handleSystemEvent broadcasts an operator-authored event to every
// connected operator via the bus.
func (s *Server) handleSystemEvent(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	var p systemEventParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	eventType := p.Type
	if eventType == "" {
		eventType = "system.event"
	}
	s.deps.Bus.Publish(ctx, bus.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      p.Data,
	})
	return map[string]any{"published": true}, nil
}

func (s *Server) handleSystemShutdown(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	if s.deps.Shutdown == nil {
		return nil, unavailable("shutdown control")
	}
	s.logger.Info("shutdown requested", "by", c.Identity().Subject)
	// Let the response flush before the listener goes away.
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.deps.Shutdown()
	}()
	return map[string]any{"shuttingDown": true}, nil
}

func (s *Server) handleSystemRestart(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	if s.deps.Restart == nil {
		return nil, unavailable("restart control")
	}
	s.logger.Info("restart requested", "by", c.Identity().Subject)
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.deps.Restart()
	}()
	return map[string]any{"restarting": true}, nil
}
