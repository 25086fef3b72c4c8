// Package subagent creates and manages background agents derived from a
// parent session: spawn, force-cancel, and result announcement.
package subagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/nexus/internal/agent"
	"github.com/haasonsaas/nexus/internal/sessions"
	"github.com/haasonsaas/nexus/internal/tools/policy"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Status is a spawn's lifecycle status.
type Status string

const (
	StatusAccepted  Status = "ACCEPTED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusError     Status = "ERROR"
	StatusTimeout   Status = "TIMEOUT"
	StatusCancelled Status = "CANCELLED"
	StatusSkipped   Status = "SKIPPED"
)

// IsTerminal reports whether this status ends the spawn's lifecycle.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusTimeout, StatusCancelled, StatusSkipped:
		return true
	default:
		return false
	}
}

// SubAgent represents a spawned sub-agent and its accumulated result.
type SubAgent struct {
	ID              string    `json:"id"`
	ParentID        string    `json:"parent_id"`
	ParentSessionID string    `json:"parent_session_id"`
	SessionID       string    `json:"session_id"`
	SessionKey      string    `json:"session_key"`
	Name            string    `json:"name"`
	Task            string    `json:"task"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	CompletedAt     time.Time `json:"completed_at,omitempty"`
	RuntimeSeconds  float64   `json:"runtime_seconds,omitempty"`
	TokensUsed      int       `json:"tokens_used,omitempty"`
	Result          string    `json:"result,omitempty"`
	Error           string    `json:"error,omitempty"`
	AllowedTools    []string  `json:"allowed_tools,omitempty"`
	DeniedTools     []string  `json:"denied_tools,omitempty"`
	Cleanup         string    `json:"cleanup,omitempty"` // "delete" or "keep"
	Announce        bool      `json:"announce"`
}

// deniedByDefault lists tools sub-agents never get, regardless of the
// caller's allow/deny lists, to prevent nested spawn loops.
var deniedByDefault = []string{"spawn_subagent", "sessions_spawn"}

// SpawnOptions configures an individual spawn call.
type SpawnOptions struct {
	RunTimeoutSeconds int
	Announce         bool
	Cleanup          string // "delete" (default) or "keep"
	ArchiveAfter     time.Duration
}

type runningTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager manages sub-agent lifecycle: spawning, force-cancellation, and
// completion announcement.
type Manager struct {
	mu          sync.RWMutex
	agents      map[string]*SubAgent
	tasks       map[string]*runningTask
	runtime     *agent.Runtime
	sessions    sessions.Store
	maxActive   int
	activeCount int64
	announcers  []AnnounceFunc
	queue       *AnnounceQueue
}

// AnnounceFunc receives a completed spawn's announcement.
type AnnounceFunc func(ctx context.Context, msg *AnnounceMessage) error

// AnnounceMessage reports a finished spawn to registered callbacks.
type AnnounceMessage struct {
	SpawnID        string  `json:"spawn_id"`
	Status         Status  `json:"status"`
	Summary        string  `json:"summary"`
	Result         string  `json:"result,omitempty"`
	Error          string  `json:"error,omitempty"`
	RuntimeSeconds float64 `json:"runtime_seconds"`
	TokensUsed     int     `json:"tokens_used"`
	SessionKey     string  `json:"session_key"`
	SessionID      string  `json:"session_id"`
}

// announceSkip is the reserved literal a sub-agent's final response can be to
// suppress the completion announcement.
const announceSkip = "ANNOUNCE_SKIP"

// NewManager creates a new sub-agent manager bound to runtime for execution
// and store for sub-session persistence.
func NewManager(runtime *agent.Runtime, maxActive int) *Manager {
	return NewManagerWithStore(runtime, nil, maxActive)
}

// NewManagerWithStore creates a manager that also closes/archives its
// sub-sessions in store on completion.
func NewManagerWithStore(runtime *agent.Runtime, store sessions.Store, maxActive int) *Manager {
	if maxActive <= 0 {
		maxActive = 5
	}
	return &Manager{
		agents:    make(map[string]*SubAgent),
		tasks:     make(map[string]*runningTask),
		runtime:   runtime,
		sessions:  store,
		maxActive: maxActive,
		queue:     NewAnnounceQueue(),
	}
}

// AddAnnouncer registers a callback invoked with every non-skipped spawn
// completion.
func (m *Manager) AddAnnouncer(fn AnnounceFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.announcers = append(m.announcers, fn)
}

// DrainAnnouncements removes and returns all queued announcement items for a
// parent session key, for a caller to fold into that session's next turn
// (e.g. as steering/follow-up messages).
func (m *Manager) DrainAnnouncements(sessionKey string) []*AnnounceQueueItem {
	return m.queue.DequeueAll(sessionKey)
}

// Spawn creates a sub-session and starts a sub-agent running task in the
// background, returning immediately with status ACCEPTED.
func (m *Manager) Spawn(ctx context.Context, parentID, parentSessionID, parentSessionKey, name, task string, allowedTools, deniedTools []string, opts SpawnOptions) (*SubAgent, error) {
	if atomic.LoadInt64(&m.activeCount) >= int64(m.maxActive) {
		return nil, fmt.Errorf("max active sub-agents reached (%d)", m.maxActive)
	}
	if m.runtime == nil {
		return nil, errors.New("subagent: no runtime configured")
	}

	spawnID := uuid.NewString()
	sessionKey := fmt.Sprintf("agent:%s:subagent:%s", name, spawnID)
	cleanup := opts.Cleanup
	if cleanup == "" {
		cleanup = "delete"
	}

	sa := &SubAgent{
		ID:              spawnID,
		ParentID:        parentID,
		ParentSessionID: parentSessionID,
		SessionID:       sessionKey,
		SessionKey:      sessionKey,
		Name:            name,
		Task:            task,
		Status:          StatusAccepted,
		CreatedAt:       time.Now(),
		AllowedTools:    allowedTools,
		DeniedTools:     append(append([]string{}, deniedTools...), deniedByDefault...),
		Cleanup:         cleanup,
		Announce:        opts.Announce,
	}

	session := &models.Session{
		ID:              sessionKey,
		AgentID:         parentID,
		Key:             sessionKey,
		SessionKey:      sessionKey,
		State:           models.SessionActive,
		ParentSessionID: parentSessionID,
		Metadata: map[string]any{
			"is_subagent": true,
			"spawn_id":    spawnID,
		},
		CreatedAt: sa.CreatedAt,
		UpdatedAt: sa.CreatedAt,
	}
	if m.sessions != nil {
		if err := m.sessions.Create(ctx, session); err != nil {
			return nil, fmt.Errorf("create sub-session: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if opts.RunTimeoutSeconds > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, time.Duration(opts.RunTimeoutSeconds)*time.Second)
	}

	m.mu.Lock()
	m.agents[spawnID] = sa
	m.tasks[spawnID] = &runningTask{cancel: cancel, done: make(chan struct{})}
	task := m.tasks[spawnID]
	m.mu.Unlock()

	atomic.AddInt64(&m.activeCount, 1)
	sa.Status = StatusRunning

	go m.runSubAgent(runCtx, sa, session, task, parentSessionKey, opts.ArchiveAfter)

	return sa, nil
}

// runSubAgent executes the sub-agent's task to completion, then completes
// the spawn and fires its announcement.
func (m *Manager) runSubAgent(ctx context.Context, sa *SubAgent, session *models.Session, task *runningTask, parentSessionKey string, archiveAfter time.Duration) {
	start := time.Now()
	defer func() {
		close(task.done)
		atomic.AddInt64(&m.activeCount, -1)
	}()

	msg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: sa.SessionID,
		Role:      models.RoleUser,
		Content:   sa.Task,
		CreatedAt: start,
	}

	resolver := policy.NewResolver()
	toolPolicy := &policy.Policy{Allow: sa.AllowedTools, Deny: sa.DeniedTools}
	ctx = agent.WithToolPolicy(ctx, resolver, toolPolicy)
	ctx = agent.WithSystemPrompt(ctx, BuildSubagentSystemPrompt(SubagentSystemPromptParams{
		RequesterSessionKey: parentSessionKey,
		ChildSessionKey:     sa.SessionKey,
		Task:                sa.Task,
	}))

	chunks, err := m.runtime.Process(ctx, session, msg)

	var result string
	if err == nil {
		for chunk := range chunks {
			if chunk.Error != nil {
				err = chunk.Error
				break
			}
			if chunk.Text != "" {
				result += chunk.Text
			}
		}
	}

	status := StatusCompleted
	errMsg := ""
	switch {
	case err != nil:
		errMsg = err.Error()
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			status = StatusTimeout
		case errors.Is(ctx.Err(), context.Canceled):
			status = StatusCancelled
		default:
			status = StatusError
		}
	case result == announceSkip:
		status = StatusSkipped
	}

	runtimeSeconds := time.Since(start).Seconds()
	m.completeSubAgent(sa.ID, result, errMsg, status, runtimeSeconds)
	m.closeSubSession(session, sa.Cleanup, archiveAfter)

	if !sa.Announce || status == StatusSkipped {
		return
	}
	m.fireAnnouncement(sa, parentSessionKey, result, errMsg, status, runtimeSeconds)
}

// closeSubSession ends the sub-session per its cleanup policy: "delete"
// removes it right away, "keep" schedules archival after archiveAfter (or
// archives immediately if archiveAfter is 0).
func (m *Manager) closeSubSession(session *models.Session, cleanup string, archiveAfter time.Duration) {
	if m.sessions == nil {
		return
	}
	if cleanup == "keep" {
		archive := func() {
			session.State = models.SessionArchived
			_ = m.sessions.Update(context.Background(), session)
		}
		if archiveAfter > 0 {
			time.AfterFunc(archiveAfter, archive)
			return
		}
		archive()
		return
	}
	_ = m.sessions.Delete(context.Background(), session.ID)
}

func (m *Manager) fireAnnouncement(sa *SubAgent, parentSessionKey, result, errMsg string, status Status, runtimeSeconds float64) {
	summary := fmt.Sprintf(`Sub-agent "%s" %s`, sa.Name, announceSummaryVerb(status))
	announceMsg := &AnnounceMessage{
		SpawnID:        sa.ID,
		Status:         status,
		Summary:        summary,
		Result:         result,
		Error:          errMsg,
		RuntimeSeconds: runtimeSeconds,
		TokensUsed:     sa.TokensUsed,
		SessionKey:     sa.SessionKey,
		SessionID:      sa.SessionID,
	}

	ctx := context.Background()
	m.mu.RLock()
	announcers := append([]AnnounceFunc{}, m.announcers...)
	m.mu.RUnlock()
	for _, fn := range announcers {
		_ = fn(ctx, announceMsg)
	}

	if parentSessionKey == "" {
		return
	}
	outcome := &SubagentRunOutcome{Status: announceOutcomeStatus(status), Error: errMsg}
	statsLine := BuildStatsLine(&StatsLine{
		Runtime:    FormatDurationShort(time.Duration(runtimeSeconds * float64(time.Second))),
		SessionKey: sa.SessionKey,
		SessionID:  sa.SessionID,
	})
	trigger := BuildTriggerMessage(TriggerMessageParams{
		Label:     sa.Name,
		Task:      sa.Task,
		Outcome:   outcome,
		Reply:     result,
		StatsLine: statsLine,
	})
	m.queue.Enqueue(parentSessionKey, &AnnounceQueueItem{
		Prompt:      trigger,
		SummaryLine: summary,
		EnqueuedAt:  time.Now(),
		SessionKey:  sa.SessionKey,
	}, nil)
}

func announceSummaryVerb(status Status) string {
	switch status {
	case StatusCompleted:
		return "completed successfully"
	case StatusTimeout:
		return "timed out"
	case StatusCancelled:
		return "was cancelled"
	case StatusError:
		return "failed"
	default:
		return "finished"
	}
}

func announceOutcomeStatus(status Status) string {
	switch status {
	case StatusCompleted:
		return "ok"
	case StatusTimeout:
		return "timeout"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// completeSubAgent records a spawn's terminal state.
func (m *Manager) completeSubAgent(id, result, errMsg string, status Status, runtimeSeconds float64) *SubAgent {
	m.mu.Lock()
	defer m.mu.Unlock()

	sa, ok := m.agents[id]
	if !ok {
		return nil
	}

	sa.CompletedAt = time.Now()
	sa.RuntimeSeconds = runtimeSeconds
	sa.Status = status
	sa.Result = result
	sa.Error = errMsg
	return sa
}

// Get returns a sub-agent by ID.
func (m *Manager) Get(id string) (*SubAgent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sa, ok := m.agents[id]
	return sa, ok
}

// List returns all sub-agents for a parent agent ID.
func (m *Manager) List(parentID string) []*SubAgent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*SubAgent
	for _, sa := range m.agents {
		if sa.ParentID == parentID {
			result = append(result, sa)
		}
	}
	return result
}

// GetRunningTasks returns the spawn IDs that currently have a live task
// handle (running or just-accepted).
func (m *Manager) GetRunningTasks() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	return ids
}

// StopSpawn cancels a spawn's task handle (not just a status bit), waits up
// to timeout for it to unwind, and marks it CANCELLED if it was still
// running. force cancels even a spawn the caller hasn't observed as running.
func (m *Manager) StopSpawn(ctx context.Context, id string, timeout time.Duration, force bool) error {
	m.mu.Lock()
	sa, ok := m.agents[id]
	t, hasTask := m.tasks[id]
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("sub-agent not found: %s", id)
	}
	if !hasTask {
		if !force {
			return fmt.Errorf("sub-agent has no running task: %s", id)
		}
		return nil
	}

	running := sa.Status == StatusRunning || sa.Status == StatusAccepted
	if !running && !force {
		return fmt.Errorf("sub-agent not running: %s", sa.Status)
	}

	t.cancel()

	waitCtx := ctx
	if timeout > 0 {
		var waitCancel context.CancelFunc
		waitCtx, waitCancel = context.WithTimeout(ctx, timeout)
		defer waitCancel()
	}
	select {
	case <-t.done:
	case <-waitCtx.Done():
	}

	m.mu.Lock()
	if sa.Status == StatusRunning || sa.Status == StatusAccepted {
		sa.Status = StatusCancelled
		sa.CompletedAt = time.Now()
		sa.Error = "cancelled via stop_spawn"
	}
	delete(m.tasks, id)
	m.mu.Unlock()
	return nil
}

// StopAllForSession cancels every spawn whose parent session matches
// sessionID.
func (m *Manager) StopAllForSession(ctx context.Context, sessionID string) int {
	m.mu.RLock()
	var ids []string
	for id, sa := range m.agents {
		if sa.ParentSessionID == sessionID {
			if _, running := m.tasks[id]; running {
				ids = append(ids, id)
			}
		}
	}
	m.mu.RUnlock()

	stopped := 0
	for _, id := range ids {
		if err := m.StopSpawn(ctx, id, 5*time.Second, true); err == nil {
			stopped++
		}
	}
	return stopped
}

// StopAll emergency-cancels every currently running spawn.
func (m *Manager) StopAll(ctx context.Context) int {
	m.mu.RLock()
	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	stopped := 0
	for _, id := range ids {
		if err := m.StopSpawn(ctx, id, 5*time.Second, true); err == nil {
			stopped++
		}
	}
	return stopped
}

// ActiveCount returns the number of active sub-agents.
func (m *Manager) ActiveCount() int {
	return int(atomic.LoadInt64(&m.activeCount))
}

// SpawnTool is a tool for spawning sub-agents.
type SpawnTool struct {
	manager *Manager
}

// NewSpawnTool creates a new spawn tool.
func NewSpawnTool(manager *Manager) *SpawnTool {
	return &SpawnTool{manager: manager}
}

// Name returns the tool name.
func (t *SpawnTool) Name() string {
	return "spawn_subagent"
}

// Description returns the tool description.
func (t *SpawnTool) Description() string {
	return "Spawn a sub-agent to work on a specific task. Returns the sub-agent ID for tracking."
}

// Schema returns the tool's input schema.
func (t *SpawnTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{
				"type":        "string",
				"description": "A short name for the sub-agent (e.g., 'researcher', 'coder')",
			},
			"task": map[string]any{
				"type":        "string",
				"description": "The task for the sub-agent to complete",
			},
			"allowed_tools": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Tools the sub-agent is allowed to use (optional, defaults to all)",
			},
			"denied_tools": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Tools the sub-agent is NOT allowed to use (optional)",
			},
			"run_timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Hard deadline for the sub-agent run, 0 for no timeout (optional)",
			},
			"announce": map[string]any{
				"type":        "boolean",
				"description": "Announce the result back into the parent session when the sub-agent finishes (default true)",
			},
		},
		"required": []string{"name", "task"},
	}
}

// Execute spawns a sub-agent.
func (t *SpawnTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var params struct {
		Name              string   `json:"name"`
		Task              string   `json:"task"`
		AllowedTools      []string `json:"allowed_tools"`
		DeniedTools       []string `json:"denied_tools"`
		RunTimeoutSeconds int      `json:"run_timeout_seconds"`
		Announce          *bool    `json:"announce"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}

	if params.Name == "" {
		return "", fmt.Errorf("name is required")
	}
	if params.Task == "" {
		return "", fmt.Errorf("task is required")
	}

	parentID := ""
	parentSessionID := ""
	parentSessionKey := ""
	if session := agent.SessionFromContext(ctx); session != nil {
		parentID = session.AgentID
		parentSessionID = session.ID
		parentSessionKey = session.SessionKey
	}

	announce := true
	if params.Announce != nil {
		announce = *params.Announce
	}

	sa, err := t.manager.Spawn(ctx, parentID, parentSessionID, parentSessionKey, params.Name, params.Task, params.AllowedTools, params.DeniedTools, SpawnOptions{
		RunTimeoutSeconds: params.RunTimeoutSeconds,
		Announce:          announce,
	})
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("Sub-agent '%s' spawned with ID: %s\nTask: %s\nUse subagent_status to check progress.", params.Name, sa.ID, params.Task), nil
}

// StatusTool is a tool for checking sub-agent status.
type StatusTool struct {
	manager *Manager
}

// NewStatusTool creates a new status tool.
func NewStatusTool(manager *Manager) *StatusTool {
	return &StatusTool{manager: manager}
}

// Name returns the tool name.
func (t *StatusTool) Name() string {
	return "subagent_status"
}

// Description returns the tool description.
func (t *StatusTool) Description() string {
	return "Check the status of a sub-agent or list all sub-agents."
}

// Schema returns the tool's input schema.
func (t *StatusTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id": map[string]any{
				"type":        "string",
				"description": "Sub-agent ID to check (optional, omit to list all)",
			},
		},
	}
}

// Execute checks sub-agent status.
func (t *StatusTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var params struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}

	if params.ID != "" {
		sa, ok := t.manager.Get(params.ID)
		if !ok {
			return "", fmt.Errorf("sub-agent not found: %s", params.ID)
		}

		result := fmt.Sprintf("Sub-agent: %s (%s)\nStatus: %s\nTask: %s\n", sa.Name, sa.ID, sa.Status, sa.Task)
		if sa.Status == StatusCompleted {
			result += fmt.Sprintf("Result: %s\n", sa.Result)
		}
		if sa.Status == StatusError || sa.Status == StatusTimeout {
			result += fmt.Sprintf("Error: %s\n", sa.Error)
		}
		return result, nil
	}

	parentID := ""
	if session := agent.SessionFromContext(ctx); session != nil {
		parentID = session.AgentID
	}

	agents := t.manager.List(parentID)
	if len(agents) == 0 {
		return "No sub-agents found.", nil
	}

	result := fmt.Sprintf("Active sub-agents: %d/%d\n\n", t.manager.ActiveCount(), t.manager.maxActive)
	for _, sa := range agents {
		result += fmt.Sprintf("- %s (%s): %s - %s\n", sa.Name, sa.ID, sa.Status, truncate(sa.Task, 50))
	}
	return result, nil
}

// CancelTool is a tool for force-cancelling sub-agents.
type CancelTool struct {
	manager *Manager
}

// NewCancelTool creates a new cancel tool.
func NewCancelTool(manager *Manager) *CancelTool {
	return &CancelTool{manager: manager}
}

// Name returns the tool name.
func (t *CancelTool) Name() string {
	return "subagent_cancel"
}

// Description returns the tool description.
func (t *CancelTool) Description() string {
	return "Cancel a running sub-agent, waiting briefly for it to unwind."
}

// Schema returns the tool's input schema.
func (t *CancelTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id": map[string]any{
				"type":        "string",
				"description": "Sub-agent ID to cancel",
			},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "How long to wait for the sub-agent to stop before giving up (default 5)",
			},
			"force": map[string]any{
				"type":        "boolean",
				"description": "Cancel even if the sub-agent isn't observed as running",
			},
		},
		"required": []string{"id"},
	}
}

// Execute cancels a sub-agent.
func (t *CancelTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var params struct {
		ID             string `json:"id"`
		TimeoutSeconds int    `json:"timeout_seconds"`
		Force          bool   `json:"force"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return "", fmt.Errorf("invalid input: %w", err)
	}

	if params.ID == "" {
		return "", fmt.Errorf("id is required")
	}

	timeout := 5 * time.Second
	if params.TimeoutSeconds > 0 {
		timeout = time.Duration(params.TimeoutSeconds) * time.Second
	}

	if err := t.manager.StopSpawn(ctx, params.ID, timeout, params.Force); err != nil {
		return "", err
	}

	return fmt.Sprintf("Sub-agent %s cancelled.", params.ID), nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
