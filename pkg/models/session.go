package models

import "time"

// Session is the durable conversational state identified by a session key.
//
// The exported fields up to UpdatedAt are persisted; the remaining fields
// are per-process stream observability state and are reset on load. A
// session is only ever mutated by the single task driving its current turn.
type Session struct {
	ID        string         `json:"id"`
	Key       string         `json:"key"`
	AgentID   string         `json:"agent_id,omitempty"`
	Channel   ChannelType    `json:"channel,omitempty"`
	ChannelID string         `json:"channel_id,omitempty"`
	Title     string         `json:"title,omitempty"`
	Model     string         `json:"model,omitempty"`
	Thinking  ThinkingLevel  `json:"thinking,omitempty"`
	TurnCount int            `json:"turn_count"`
	Messages  []AgentMessage `json:"messages"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`

	// Ephemeral stream state, maintained by the agent loop for observers.
	IsStreaming      bool          `json:"-"`
	StreamMessage    *AgentMessage `json:"-"`
	PendingToolCalls []ToolCall    `json:"-"`
}

// Clone returns a deep copy of the session. Ephemeral stream state is not
// carried over.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.IsStreaming = false
	out.StreamMessage = nil
	out.PendingToolCalls = nil
	out.Messages = make([]AgentMessage, len(s.Messages))
	for i, m := range s.Messages {
		out.Messages[i] = m.Clone()
	}
	if s.Metadata != nil {
		out.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// LastMessage returns the most recent message, or nil for an empty log.
func (s *Session) LastMessage() *AgentMessage {
	if len(s.Messages) == 0 {
		return nil
	}
	return &s.Messages[len(s.Messages)-1]
}

// SystemMessages returns the system-role messages in log order.
func (s *Session) SystemMessages() []AgentMessage {
	var out []AgentMessage
	for _, m := range s.Messages {
		if m.Role == RoleSystem {
			out = append(out, m)
		}
	}
	return out
}
