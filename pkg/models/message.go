package models

import (
	"encoding/json"
	"errors"
	"time"
)

// ChannelType represents a messaging platform.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelDiscord  ChannelType = "discord"
	ChannelSlack    ChannelType = "slack"
	ChannelBridge   ChannelType = "wsbridge"
	ChannelGateway  ChannelType = "gateway"
	ChannelCron     ChannelType = "cron"
)

// Direction indicates if a message is inbound or outbound.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Role indicates the author of an AgentMessage.
type Role string

const (
	RoleSystem     Role = "system"
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "toolResult"
	RoleCustom     Role = "custom"
)

// ThinkingLevel selects how much extended reasoning a provider is asked for.
type ThinkingLevel string

const (
	ThinkingOff    ThinkingLevel = "off"
	ThinkingLow    ThinkingLevel = "low"
	ThinkingMedium ThinkingLevel = "medium"
	ThinkingHigh   ThinkingLevel = "high"
)

// ValidThinkingLevel reports whether s names a known thinking level.
func ValidThinkingLevel(s string) bool {
	switch ThinkingLevel(s) {
	case ThinkingOff, ThinkingLow, ThinkingMedium, ThinkingHigh:
		return true
	}
	return false
}

// AgentMessage is one entry in a session's conversation log.
//
// Shape invariants: ToolCallID is set iff Role is toolResult; ToolCalls may
// be set only on assistant messages; Custom messages are host-only and are
// never transmitted to a provider. Use the New*Message constructors to get
// well-formed values.
type AgentMessage struct {
	ID         string         `json:"id,omitempty"`
	Role       Role           `json:"role"`
	Content    string         `json:"content"`
	Thinking   string         `json:"thinking,omitempty"`
	Images     []ImageContent `json:"images,omitempty"`
	ToolCalls  []ToolCall     `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Custom     bool           `json:"custom,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at,omitempty"`
}

// ImageContent is an inline image attached to a user message.
type ImageContent struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"` // base64
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult represents the outcome of a tool execution.
//
// Exactly one of Content (success) or Error (failure) is meaningful; a
// successful result never has an empty Content and Error at once.
type ToolResult struct {
	Success         bool           `json:"success"`
	Content         string         `json:"content"`
	Error           string         `json:"error,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
}

// NewSystemMessage builds a system-role message.
func NewSystemMessage(content string) AgentMessage {
	return AgentMessage{Role: RoleSystem, Content: content, CreatedAt: time.Now()}
}

// NewUserMessage builds a user-role message, optionally with inline images.
func NewUserMessage(content string, images ...ImageContent) AgentMessage {
	return AgentMessage{Role: RoleUser, Content: content, Images: images, CreatedAt: time.Now()}
}

// NewAssistantMessage builds an assistant-role message carrying any tool
// calls the model produced.
func NewAssistantMessage(content string, toolCalls []ToolCall) AgentMessage {
	return AgentMessage{Role: RoleAssistant, Content: content, ToolCalls: toolCalls, CreatedAt: time.Now()}
}

// NewToolResultMessage builds the toolResult message answering one tool call.
func NewToolResultMessage(toolCallID, content string) AgentMessage {
	return AgentMessage{Role: RoleToolResult, ToolCallID: toolCallID, Content: content, CreatedAt: time.Now()}
}

// NewCustomMessage builds a host-only message that is visible to observers
// but never sent to a provider.
func NewCustomMessage(content string, metadata map[string]any) AgentMessage {
	return AgentMessage{Role: RoleCustom, Content: content, Custom: true, Metadata: metadata, CreatedAt: time.Now()}
}

var (
	errToolCallIDRole = errors.New("tool_call_id requires toolResult role")
	errMissingCallID  = errors.New("toolResult message requires tool_call_id")
	errToolCallsRole  = errors.New("tool_calls allowed only on assistant messages")
	errUnknownRole    = errors.New("unknown message role")
)

// Validate checks the shape invariants documented on AgentMessage.
func (m *AgentMessage) Validate() error {
	switch m.Role {
	case RoleSystem, RoleUser, RoleAssistant, RoleToolResult, RoleCustom:
	default:
		return errUnknownRole
	}
	if m.ToolCallID != "" && m.Role != RoleToolResult {
		return errToolCallIDRole
	}
	if m.Role == RoleToolResult && m.ToolCallID == "" {
		return errMissingCallID
	}
	if len(m.ToolCalls) > 0 && m.Role != RoleAssistant {
		return errToolCallsRole
	}
	return nil
}

// HostOnly reports whether the message must be withheld from providers.
func (m *AgentMessage) HostOnly() bool {
	return m.Custom || m.Role == RoleCustom
}

// Clone returns a deep copy of the message.
func (m AgentMessage) Clone() AgentMessage {
	out := m
	if len(m.Images) > 0 {
		out.Images = append([]ImageContent(nil), m.Images...)
	}
	if len(m.ToolCalls) > 0 {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			out.ToolCalls[i] = tc
			if tc.Arguments != nil {
				out.ToolCalls[i].Arguments = append(json.RawMessage(nil), tc.Arguments...)
			}
		}
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Message is the unified channel-side message format. Channel plugins emit
// and consume this shape; the gateway converts it to and from AgentMessage.
type Message struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id,omitempty"`
	Channel     ChannelType    `json:"channel"`
	ChannelID   string         `json:"channel_id"` // platform conversation/thread id
	SenderID    string         `json:"sender_id,omitempty"`
	SenderName  string         `json:"sender_name,omitempty"`
	Direction   Direction      `json:"direction"`
	Content     string         `json:"content"`
	ReplyToID   string         `json:"reply_to_id,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Attachment represents a file or media attachment on a channel message.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image, audio, video, document
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// User represents an authenticated operator.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email,omitempty"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}
