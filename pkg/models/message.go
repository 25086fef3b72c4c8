package models

import (
	"encoding/json"
	"time"
)

// ChannelType represents the origin of a session. The robot brain core has
// no chat channels; "robot" is the only channel in practice, but the field
// is kept so session keys retain the teacher's `agent:<id>:<channel>` shape.
type ChannelType string

const (
	ChannelRobot ChannelType = "robot"
)

// Direction indicates if a message is inbound or outbound.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is a single entry in a session's append-only transcript
// (SessionMessage in spec terms). Transcript lines are the JSON
// serialization of exactly this struct.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"timestamp"`

	// ToolCallID/ToolName/ToolResultData are populated on tool-role
	// messages: the single result this message reports.
	ToolCallID     string          `json:"tool_call_id,omitempty"`
	ToolName       string          `json:"tool_name,omitempty"`
	ToolResultData *ToolResult     `json:"tool_result,omitempty"`

	// ToolCalls/ToolResults carry a full multi-call turn for an
	// assistant message that requested several tools at once.
	ToolCalls   []ToolCall     `json:"tool_calls,omitempty"`
	ToolResults []ToolResult   `json:"tool_results,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	Channel     ChannelType  `json:"channel,omitempty"`
	ChannelID   string       `json:"channel_id,omitempty"`
	Direction   Direction    `json:"direction,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// IsCompactionSummary reports whether this message is the synthetic summary
// a compaction pass prepends in place of the messages it replaced.
func (m *Message) IsCompactionSummary() bool {
	if m == nil || m.Metadata == nil {
		return false
	}
	v, ok := m.Metadata["is_compaction_summary"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Attachment represents a file or media attachment.
type Attachment struct {
	ID       string `json:"id"`
	Type     string `json:"type"` // image, audio, video, document
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Input    json.RawMessage `json:"input"`
}

// ToolResultStatus is the outcome of a single tool execution.
type ToolResultStatus string

const (
	ToolStatusSuccess ToolResultStatus = "SUCCESS"
	ToolStatusError   ToolResultStatus = "ERROR"
	ToolStatusTimeout ToolResultStatus = "TIMEOUT"
	ToolStatusDenied  ToolResultStatus = "DENIED"
	ToolStatusSkipped ToolResultStatus = "SKIPPED"
)

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string           `json:"tool_call_id"`
	ToolName   string           `json:"tool_name,omitempty"`
	Content    string           `json:"content"`
	IsError    bool             `json:"is_error,omitempty"`
	Status     ToolResultStatus `json:"status,omitempty"`
	DurationMs int64            `json:"duration_ms,omitempty"`
}

// SessionState is the lifecycle state of a Session.
type SessionState string

const (
	SessionCreated   SessionState = "created"
	SessionActive    SessionState = "active"
	SessionPaused    SessionState = "paused"
	SessionCompacting SessionState = "compacting"
	SessionClosed    SessionState = "closed"
	SessionArchived  SessionState = "archived"
)

// Session represents a conversation thread: one per-agent transcript
// identified by an opaque ID and a human-readable SessionKey of the form
// `agent:<agent_id>:main` or `agent:<agent_id>:subagent:<uuid>`.
type Session struct {
	ID        string      `json:"id"`
	AgentID   string      `json:"agent_id"`
	Channel   ChannelType `json:"channel"`
	ChannelID string      `json:"channel_id"`
	Key       string      `json:"key"`
	SessionKey string     `json:"session_key"`
	Title     string      `json:"title,omitempty"`

	State           SessionState `json:"state"`
	ModelName       string       `json:"model_name,omitempty"`
	ParentSessionID string       `json:"parent_session_id,omitempty"`
	ResetPolicy     string       `json:"reset_policy,omitempty"`
	LastActivity    time.Time    `json:"last_activity"`
	MessageCount    int          `json:"message_count"`
	TokenCount      int          `json:"token_count"`

	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// IsSubagent reports whether this session belongs to a spawned sub-agent.
func (s *Session) IsSubagent() bool {
	if s == nil {
		return false
	}
	if s.ParentSessionID != "" {
		return true
	}
	if s.Metadata == nil {
		return false
	}
	b, _ := s.Metadata["is_subagent"].(bool)
	return b
}

// User represents an authenticated user.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Agent represents a configured AI agent.
type Agent struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	Name         string         `json:"name"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Model        string         `json:"model"`
	Provider     string         `json:"provider"`
	Tools        []string       `json:"tools,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// APIKey represents an API key for programmatic access.
type APIKey struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Name       string    `json:"name"`
	Prefix     string    `json:"prefix"` // First 8 chars for identification
	Scopes     []string  `json:"scopes,omitempty"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
