package agent

import (
	"sync"

	"github.com/haasonsaas/nexus/pkg/models"
)

// RunStatus is the terminal outcome of one agentic loop run.
type RunStatus string

const (
	RunStatusSuccess   RunStatus = "success"
	RunStatusError     RunStatus = "error"
	RunStatusTimeout   RunStatus = "timeout"
	RunStatusCancelled RunStatus = "cancelled"
)

// ToolCallSummary is the introspection-facing summary of one executed tool
// call within a run (no raw arguments/results, just enough to audit).
type ToolCallSummary struct {
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	DurationMs int64     `json:"duration_ms"`
}

// RunResult is the terminal record of one agentic loop run, kept in a
// bounded ring buffer on the Runtime for introspection (e.g. a status tool
// or diagnostics endpoint can list recent runs without reaching into
// session storage).
type RunResult struct {
	RunID      string            `json:"run_id"`
	SessionID  string            `json:"session_id"`
	AgentID    string            `json:"agent_id,omitempty"`
	Status     RunStatus         `json:"status"`
	Response   string            `json:"response"`
	ToolCalls  []ToolCallSummary `json:"tool_calls,omitempty"`
	TokensUsed int               `json:"tokens_used"`
	Iterations int               `json:"iterations"`
}

// RunResultBuffer is a fixed-capacity, concurrency-safe ring buffer of the
// most recent RunResults. Once full, the oldest entry is overwritten.
type RunResultBuffer struct {
	mu       sync.Mutex
	capacity int
	entries  []RunResult
	next     int
	filled   bool
}

// NewRunResultBuffer creates a ring buffer holding up to capacity entries.
// capacity <= 0 is treated as 1.
func NewRunResultBuffer(capacity int) *RunResultBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RunResultBuffer{
		capacity: capacity,
		entries:  make([]RunResult, capacity),
	}
}

// Add records a run result, overwriting the oldest entry if full.
func (b *RunResultBuffer) Add(result RunResult) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[b.next] = result
	b.next = (b.next + 1) % b.capacity
	if b.next == 0 {
		b.filled = true
	}
}

// Recent returns the buffered results, most-recent-first.
func (b *RunResultBuffer) Recent() []RunResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	var count int
	if b.filled {
		count = b.capacity
	} else {
		count = b.next
	}

	out := make([]RunResult, 0, count)
	for i := 0; i < count; i++ {
		idx := (b.next - 1 - i + b.capacity) % b.capacity
		out = append(out, b.entries[idx])
	}
	return out
}

// ForSession filters Recent() to a single session id.
func (b *RunResultBuffer) ForSession(sessionID string) []RunResult {
	all := b.Recent()
	out := make([]RunResult, 0, len(all))
	for _, r := range all {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out
}

// QueueMode governs how messages that arrive while a run is already in
// progress for a session are handled.
type QueueMode string

const (
	// QueueModeCollect (default) lets enqueued messages wait for the
	// current run to finish before they're processed.
	QueueModeCollect QueueMode = "COLLECT"

	// QueueModeSteer aborts remaining tool calls in the current turn and
	// replaces the next INTAKE input with the new message, between tool
	// calls only.
	QueueModeSteer QueueMode = "STEER"

	// QueueModeFollowup starts a fresh run for the new message once the
	// current run completes.
	QueueModeFollowup QueueMode = "FOLLOWUP"
)

// RouteMidRunMessage dispatches a message that arrived while a run is
// already in progress for the session, according to mode: STEER enqueues it
// as a SteeringMessage (interrupts the tool loop between calls and replaces
// the next INTAKE); FOLLOWUP enqueues it as a FollowUpMessage (starts a
// fresh run once the current one completes); COLLECT does nothing here —
// the caller is expected to simply hold the message and resubmit it after
// the run finishes, since a session already serializes runs via its own
// lock.
// runResultFromStats builds a RunResult from a completed run's accumulated
// stats and terminal error, for recording into a RunResultBuffer.
func runResultFromStats(runID string, session *models.Session, runErr error, stats *models.RunStats) RunResult {
	status := RunStatusSuccess
	switch {
	case stats.TimedOut:
		status = RunStatusTimeout
	case stats.Cancelled:
		status = RunStatusCancelled
	case runErr != nil || stats.Errors > 0:
		status = RunStatusError
	}

	result := RunResult{
		RunID:      runID,
		SessionID:  session.ID,
		Status:     status,
		TokensUsed: stats.InputTokens + stats.OutputTokens,
		Iterations: stats.Iters,
	}
	if session != nil {
		result.AgentID = session.AgentID
	}
	if runErr != nil {
		result.Response = runErr.Error()
	}
	return result
}

func (m QueueMode) RouteMidRunMessage(q *SteeringQueue, content string) {
	if q == nil {
		return
	}
	switch m {
	case QueueModeSteer:
		q.SteerText(content)
	case QueueModeFollowup:
		q.FollowUpText(content)
	case QueueModeCollect:
		// Caller holds the message; nothing to enqueue.
	}
}
