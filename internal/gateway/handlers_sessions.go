package gateway

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/pkg/models"
	"github.com/haasonsaas/relay/pkg/wire"
)

// sessionSummary is the message-free view returned by listing methods.
type sessionSummary struct {
	ID           string             `json:"id"`
	Key          string             `json:"key"`
	AgentID      string             `json:"agent_id,omitempty"`
	Channel      models.ChannelType `json:"channel,omitempty"`
	Title        string             `json:"title,omitempty"`
	Model        string             `json:"model,omitempty"`
	TurnCount    int                `json:"turn_count"`
	MessageCount int                `json:"message_count"`
	UpdatedAt    int64              `json:"updated_at"`
}

func summarize(s *models.Session) sessionSummary {
	return sessionSummary{
		ID:           s.ID,
		Key:          s.Key,
		AgentID:      s.AgentID,
		Channel:      s.Channel,
		Title:        s.Title,
		Model:        s.Model,
		TurnCount:    s.TurnCount,
		MessageCount: len(s.Messages),
		UpdatedAt:    s.UpdatedAt.UnixMilli(),
	}
}

type sessionsListParams struct {
	Agent   string `json:"agent,omitempty"`
	Channel string `json:"channel,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Offset  int    `json:"offset,omitempty"`
}

func (s *Server) handleSessionsList(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	var p sessionsListParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	list, err := s.deps.Sessions.List(ctx, sessions.ListOptions{
		Agent:   p.Agent,
		Channel: models.ChannelType(p.Channel),
		Limit:   p.Limit,
		Offset:  p.Offset,
	})
	if err != nil {
		return nil, wireError(err)
	}
	out := make([]sessionSummary, 0, len(list))
	for _, session := range list {
		out = append(out, summarize(session))
	}
	return map[string]any{"sessions": out}, nil
}

type sessionRefParams struct {
	SessionKey string `json:"sessionKey,omitempty"`
	Ref        string `json:"ref,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

func (p sessionRefParams) ref() string {
	if p.SessionKey != "" {
		return p.SessionKey
	}
	return p.Ref
}

func (s *Server) handleSessionsPreview(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	var p sessionRefParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	session, err := sessions.Resolve(ctx, s.deps.Sessions, p.ref())
	if err != nil {
		return nil, wireError(err)
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 10
	}
	msgs := session.Messages
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return map[string]any{"session": summarize(session), "messages": msgs}, nil
}

func (s *Server) handleSessionsResolve(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	var p sessionRefParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	session, err := sessions.Resolve(ctx, s.deps.Sessions, p.ref())
	if err != nil {
		return nil, wireError(err)
	}
	return map[string]any{"key": session.Key, "id": session.ID}, nil
}

type sessionsPatchParams struct {
	SessionKey string                `json:"sessionKey"`
	Title      *string               `json:"title,omitempty"`
	Model      *string               `json:"model,omitempty"`
	Thinking   *models.ThinkingLevel `json:"thinking,omitempty"`
	Metadata   map[string]any        `json:"metadata,omitempty"`
}

func (s *Server) handleSessionsPatch(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	var p sessionsPatchParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	if p.SessionKey == "" {
		return nil, wire.NewError(wire.CodeInvalidRequest, "sessionKey is required")
	}
	err := s.deps.Sessions.UpdateState(ctx, p.SessionKey, func(session *models.Session) error {
		if p.Title != nil {
			session.Title = *p.Title
		}
		if p.Model != nil {
			session.Model = *p.Model
		}
		if p.Thinking != nil {
			session.Thinking = *p.Thinking
		}
		for k, v := range p.Metadata {
			if session.Metadata == nil {
				session.Metadata = make(map[string]any)
			}
			session.Metadata[k] = v
		}
		return nil
	})
	if err != nil {
		return nil, wireError(err)
	}
	return map[string]any{"patched": true}, nil
}

// handleSessionsReset clears the conversation but keeps the leading
// system messages and the session identity.
func (s *Server) handleSessionsReset(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	var p sessionRefParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	err := s.deps.Sessions.UpdateState(ctx, p.ref(), func(session *models.Session) error {
		head := 0
		for head < len(session.Messages) && session.Messages[head].Role == models.RoleSystem {
			head++
		}
		session.Messages = session.Messages[:head]
		session.TurnCount = 0
		return nil
	})
	if err != nil {
		return nil, wireError(err)
	}
	return map[string]any{"reset": true}, nil
}

func (s *Server) handleSessionsDelete(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	var p sessionRefParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	if err := s.deps.Sessions.Delete(ctx, p.ref()); err != nil {
		return nil, wireError(err)
	}
	return map[string]any{"deleted": true}, nil
}

func (s *Server) handleSessionsCompact(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	var p sessionRefParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	key := p.ref()
	if key == "" {
		return nil, wire.NewError(wire.CodeInvalidRequest, "sessionKey is required")
	}
	if err := s.deps.Runtime.Loop(key).Compact(ctx); err != nil {
		return nil, wireError(err)
	}
	return map[string]any{"compacted": true}, nil
}
