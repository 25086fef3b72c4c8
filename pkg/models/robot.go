package models

import (
	"encoding/json"
	"time"
)

// CommandPriority orders commands delivered to the motion controller.
type CommandPriority string

const (
	PriorityEmergency  CommandPriority = "EMERGENCY"
	PriorityHigh       CommandPriority = "HIGH"
	PriorityNormal     CommandPriority = "NORMAL"
	PriorityLow        CommandPriority = "LOW"
	PriorityBackground CommandPriority = "BACKGROUND"
)

// Command is a high-level semantic instruction produced by a Behavior and
// translated by the brain-cerebellum bridge into Actions for the external
// real-time motion controller.
type Command struct {
	ID           string          `json:"command_id"`
	CommandType  string          `json:"command_type"`
	Parameters   map[string]any  `json:"parameters"`
	Priority     CommandPriority `json:"priority"`
	SourceAgent  string          `json:"source_agent"`
	CreatedAt    time.Time       `json:"created_at"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
}

// CommandTypes enumerates the vocabulary the fallback behavior may emit.
// Any other string is still forwarded opaquely by the bridge/broadcaster.
var CommandTypes = []string{
	"navigate", "move", "forward", "backward", "turn_left", "turn_right",
	"stop", "grasp", "place", "pour", "patrol", "clean",
	"circle_left", "circle_right", "spin_left", "spin_right",
}

// ActionStatus is the outcome of a single translated Action.
type ActionStatus string

const (
	ActionPending   ActionStatus = "PENDING"
	ActionRunning   ActionStatus = "RUNNING"
	ActionCompleted ActionStatus = "COMPLETED"
	ActionError     ActionStatus = "ERROR"
	ActionTimeout   ActionStatus = "TIMEOUT"
	ActionCancelled ActionStatus = "CANCELLED"
)

// Action is one low-level step a translator produces from a Command.
type Action struct {
	ID         string         `json:"action_id"`
	CommandID  string         `json:"command_id"`
	ActionType string         `json:"action_type"`
	Parameters map[string]any `json:"parameters"`
	Status     ActionStatus   `json:"status"`
}

// CommandFeedback aggregates the status of all Actions a Command produced.
type CommandFeedback struct {
	CommandID string       `json:"command_id"`
	Status    ActionStatus `json:"status"`
	Error     string       `json:"error,omitempty"`
}

// SpawnStatus is the lifecycle state of a spawned sub-agent.
type SpawnStatus string

const (
	SpawnAccepted  SpawnStatus = "ACCEPTED"
	SpawnRunning   SpawnStatus = "RUNNING"
	SpawnCompleted SpawnStatus = "COMPLETED"
	SpawnError     SpawnStatus = "ERROR"
	SpawnTimeout   SpawnStatus = "TIMEOUT"
	SpawnCancelled SpawnStatus = "CANCELLED"
	SpawnSkipped   SpawnStatus = "SKIPPED"
)

// SpawnCleanupMode controls what happens to a sub-agent's session once it
// completes.
type SpawnCleanupMode string

const (
	CleanupKeep   SpawnCleanupMode = "keep"
	CleanupDelete SpawnCleanupMode = "delete"
)

// ANNOUNCESkip is the reserved literal a sub-agent can return as its whole
// response to suppress the completion announce.
const ANNOUNCESkip = "ANNOUNCE_SKIP"

// SpawnRequest captures a request to create a background sub-agent.
type SpawnRequest struct {
	ParentSessionID   string           `json:"parent_session_id"`
	TargetAgentID     string           `json:"target_agent_id"`
	Task              string           `json:"task"`
	Model             string           `json:"model,omitempty"`
	RunTimeoutSeconds int              `json:"run_timeout_seconds,omitempty"`
	Cleanup           SpawnCleanupMode `json:"cleanup,omitempty"`
	ArchiveAfterMin   int              `json:"archive_after_minutes,omitempty"`
	Announce          bool             `json:"announce"`
}

// SpawnResult is the outcome of a spawn, populated progressively as the
// sub-agent runs.
type SpawnResult struct {
	SpawnID        string      `json:"spawn_id"`
	SessionID      string      `json:"session_id"`
	SessionKey     string      `json:"session_key"`
	Status         SpawnStatus `json:"status"`
	Response       string      `json:"response,omitempty"`
	Error          string      `json:"error,omitempty"`
	TokensUsed     int         `json:"tokens_used"`
	RuntimeSeconds float64     `json:"runtime_seconds"`
}

// AnnounceMessage is delivered to registered callbacks when a sub-agent
// finishes, unless its result was the literal ANNOUNCESkip.
type AnnounceMessage struct {
	SpawnID        string      `json:"spawn_id"`
	Status         SpawnStatus `json:"status"`
	Summary        string      `json:"summary"`
	Result         string      `json:"result,omitempty"`
	Error          string      `json:"error,omitempty"`
	RuntimeSeconds float64     `json:"runtime_seconds"`
	TokensUsed     int         `json:"tokens_used"`
	SessionKey     string      `json:"session_key"`
	SessionID      string      `json:"session_id"`
}

// StreamEventType enumerates the stream event families the agent loop and
// stream handler emit.
type StreamEventType string

const (
	EventLifecycleStart StreamEventType = "lifecycle:start"
	EventLifecycleEnd   StreamEventType = "lifecycle:end"
	EventLifecycleError StreamEventType = "lifecycle:error"
	EventAssistantDelta StreamEventType = "assistant:delta"
	EventAssistantEnd   StreamEventType = "assistant:end"
	EventToolStart      StreamEventType = "tool:start"
	EventToolUpdate     StreamEventType = "tool:update"
	EventToolEnd        StreamEventType = "tool:end"
	EventCompactionStart StreamEventType = "compaction:start"
	EventCompactionEnd   StreamEventType = "compaction:end"
	EventStatus         StreamEventType = "status"
	EventHeartbeat      StreamEventType = "heartbeat"
)

// StreamEvent is one entry on the run event bus (internal/agent's stream
// handler) and the wire format exposed to intra-process subscribers.
type StreamEvent struct {
	ID        string          `json:"id"`
	Sequence  int64           `json:"sequence"`
	Type      StreamEventType `json:"type"`
	RunID     string          `json:"run_id"`
	SessionID string          `json:"session_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// ProcessMode records whether a ProcessResult was produced by the LLM
// fallback path or a pure rule-based match.
type ProcessMode string

const (
	ModeLLM  ProcessMode = "llm"
	ModeRule ProcessMode = "rule"
)

// ProcessResult is the return value of the top-level process(user_input)
// orchestration.
type ProcessResult struct {
	TraceID         string         `json:"trace_id"`
	ChatResponse    string         `json:"chat_response"`
	Commands        []Command      `json:"ros2_commands"`
	BehaviorName    string         `json:"behavior_name"`
	Success         bool           `json:"success"`
	Error           string         `json:"error,omitempty"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
	Mode            ProcessMode    `json:"mode"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// BehaviorResult is what a Behavior.Execute call produces before the
// orchestrator wraps it into a ProcessResult.
type BehaviorResult struct {
	ChatResponse string    `json:"chat_response"`
	Commands     []Command `json:"ros2_commands"`
	Steps        []string  `json:"steps,omitempty"`
}
