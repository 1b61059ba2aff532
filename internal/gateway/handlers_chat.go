package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/pkg/models"
	"github.com/haasonsaas/relay/pkg/wire"
)

// defaultSessionKey scopes a caller without an explicit session to its
// own gateway conversation.
func (s *Server) defaultSessionKey(c *conn) string {
	return sessions.Key("main", models.ChannelGateway, c.Identity().Subject)
}

type agentParams struct {
	Message    string `json:"message"`
	SessionKey string `json:"sessionKey,omitempty"`
	Model      string `json:"model,omitempty"`
	Stream     bool   `json:"stream,omitempty"`
	RunID      string `json:"runId,omitempty"`
}

func (s *Server) handleAgent(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	var p agentParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	if p.Message == "" {
		return nil, wire.NewError(wire.CodeInvalidRequest, "message is required")
	}
	key := p.SessionKey
	if key == "" {
		key = s.defaultSessionKey(c)
	}
	req := RunRequest{SessionKey: key, Text: p.Message, Model: p.Model, RunID: p.RunID}

	if p.Stream {
		run, err := s.deps.Runtime.StartRun(ctx, c, req)
		if err != nil {
			return nil, wireError(err)
		}
		return map[string]any{
			"runId":      run.ID,
			"acceptedAt": run.StartedAt.UnixMilli(),
			"streaming":  true,
		}, nil
	}

	run, msgs, err := s.deps.Runtime.RunSync(ctx, req)
	if err != nil {
		return nil, wireError(err)
	}
	final := lastAssistant(msgs)
	result := map[string]any{
		"runId": run.ID,
		"response": map[string]any{
			"text":      final.Content,
			"toolCalls": toolCallNames(msgs),
		},
	}
	if session, err := s.deps.Sessions.Get(ctx, key); err == nil {
		result["sessionId"] = session.ID
		if usage, ok := session.Metadata["last_usage"]; ok {
			result["usage"] = usage
		}
	}
	return result, nil
}

func lastAssistant(msgs []models.AgentMessage) models.AgentMessage {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleAssistant {
			return msgs[i]
		}
	}
	return models.AgentMessage{}
}

func toolCallNames(msgs []models.AgentMessage) []string {
	var names []string
	for _, m := range msgs {
		for _, call := range m.ToolCalls {
			names = append(names, call.Name)
		}
	}
	return names
}

type chatSendParams struct {
	Text       string `json:"text"`
	SessionKey string `json:"sessionKey,omitempty"`
	Model      string `json:"model,omitempty"`
}

// handleChatSend injects a user message and kicks off a streaming run.
// The message id is returned immediately; the response streams as run
// events.
func (s *Server) handleChatSend(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	var p chatSendParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	if p.Text == "" {
		return nil, wire.NewError(wire.CodeInvalidRequest, "text is required")
	}
	key := p.SessionKey
	if key == "" {
		key = s.defaultSessionKey(c)
	}

	msg := models.NewUserMessage(p.Text)
	msg.ID = "msg_" + uuid.NewString()
	run, err := s.deps.Runtime.StartRun(ctx, c, RunRequest{
		SessionKey: key,
		Messages:   []models.AgentMessage{msg},
		Model:      p.Model,
	})
	if err != nil {
		return nil, wireError(err)
	}
	return map[string]any{"messageId": msg.ID, "runId": run.ID}, nil
}

type chatHistoryParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit,omitempty"`
}

func (s *Server) handleChatHistory(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	var p chatHistoryParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	key := p.SessionKey
	if key == "" {
		key = s.defaultSessionKey(c)
	}
	session, err := s.deps.Sessions.Get(ctx, key)
	if err != nil {
		return nil, wireError(err)
	}
	msgs := session.Messages
	if p.Limit > 0 && len(msgs) > p.Limit {
		msgs = msgs[len(msgs)-p.Limit:]
	}
	return map[string]any{"sessionKey": session.Key, "messages": msgs}, nil
}

type chatAbortParams struct {
	RunID      string `json:"runId,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
}

func (s *Server) handleChatAbort(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	var p chatAbortParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	reason := errors.New("aborted by " + c.Identity().Subject)
	switch {
	case p.RunID != "":
		if err := s.deps.Runtime.AbortRun(p.RunID, reason); err != nil {
			return map[string]any{"aborted": false, "count": 0}, nil
		}
		return map[string]any{"aborted": true, "count": 1}, nil
	case p.SessionKey != "":
		n := s.deps.Runtime.AbortSession(p.SessionKey, reason)
		return map[string]any{"aborted": n > 0, "count": n}, nil
	}
	return nil, wire.NewError(wire.CodeInvalidRequest, "runId or sessionKey is required")
}

type chatInjectParams struct {
	SessionKey string `json:"sessionKey"`
	Text       string `json:"text"`
	Role       string `json:"role,omitempty"`
}

// handleChatInject appends a message to the session log without running
// a turn. The next run sees it as conversation history.
func (s *Server) handleChatInject(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	var p chatInjectParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	if p.SessionKey == "" || p.Text == "" {
		return nil, wire.NewError(wire.CodeInvalidRequest, "sessionKey and text are required")
	}

	var msg models.AgentMessage
	switch p.Role {
	case "", "system":
		msg = models.NewSystemMessage(p.Text)
	case "user":
		msg = models.NewUserMessage(p.Text)
	case "assistant":
		msg = models.NewAssistantMessage(p.Text, nil)
	default:
		return nil, wire.NewErrorf(wire.CodeInvalidRequest, "role %q cannot be injected", p.Role)
	}
	msg.ID = "msg_" + uuid.NewString()
	msg.CreatedAt = time.Now()

	if _, err := s.deps.Sessions.GetOrCreate(ctx, p.SessionKey); err != nil {
		return nil, wireError(err)
	}
	if err := s.deps.Sessions.AppendMessages(ctx, p.SessionKey, msg); err != nil {
		return nil, wireError(err)
	}
	return map[string]any{"injected": true, "messageId": msg.ID}, nil
}
