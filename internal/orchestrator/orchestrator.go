// Package orchestrator implements the top-level process(user_input)
// pipeline: match a behavior, execute it, forward any resulting commands
// to the bridge and broadcaster, record one observation memory, and
// return a ProcessResult.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/internal/behavior"
	"github.com/haasonsaas/nexus/internal/bridge"
	"github.com/haasonsaas/nexus/internal/broadcaster"
	"github.com/haasonsaas/nexus/internal/memory"
	"github.com/haasonsaas/nexus/pkg/models"
)

const defaultObservationImportance = 3.0

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Orchestrator wires the behavior matcher, bridge, broadcaster, and memory
// stream together behind a single Process entry point.
type Orchestrator struct {
	matcher     *behavior.Matcher
	bridge      *bridge.Bridge
	broadcaster *broadcaster.Broadcaster
	memories    *memory.Stream
	logger      *slog.Logger
	now         Clock
	agentID     string

	traceSeq uint64
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

func WithClock(clock Clock) Option {
	return func(o *Orchestrator) { o.now = clock }
}

// New creates an Orchestrator. broadcaster may be nil (commands are then
// only forwarded to the bridge, never fanned out externally); memories may
// be nil (no observation memory is recorded).
func New(agentID string, matcher *behavior.Matcher, br *bridge.Bridge, bc *broadcaster.Broadcaster, memories *memory.Stream, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		agentID:     agentID,
		matcher:     matcher,
		bridge:      br,
		broadcaster: bc,
		memories:    memories,
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) nextTraceID() string {
	n := atomic.AddUint64(&o.traceSeq, 1)
	return fmt.Sprintf("trace-%d-%s", n, uuid.NewString()[:8])
}

// Process runs the full process(user_input) pipeline and returns a
// ProcessResult. It never panics on a behavior error — errors are
// captured in the result's Error field with Success=false.
func (o *Orchestrator) Process(ctx context.Context, userInput string) models.ProcessResult {
	start := o.now()
	traceID := o.nextTraceID()

	selected, _ := o.matcher.Match(userInput)
	result, mode, err := selected.Execute(ctx, userInput)

	processResult := models.ProcessResult{
		TraceID:      traceID,
		BehaviorName: selected.Name(),
		Mode:         mode,
	}

	if err != nil {
		processResult.Success = false
		processResult.Error = err.Error()
		processResult.ExecutionTimeMs = o.now().Sub(start).Milliseconds()
		return processResult
	}

	processResult.ChatResponse = result.ChatResponse
	processResult.Success = true

	commands := make([]models.Command, 0, len(result.Commands))
	for _, cmd := range result.Commands {
		cmd.ID = uuid.NewString()
		cmd.SourceAgent = o.agentID
		cmd.CreatedAt = o.now()
		if cmd.Priority == "" {
			cmd.Priority = models.PriorityNormal
		}
		commands = append(commands, cmd)
		o.dispatch(ctx, cmd)
	}
	processResult.Commands = commands

	o.recordObservation(ctx, userInput, processResult)

	processResult.ExecutionTimeMs = o.now().Sub(start).Milliseconds()
	return processResult
}

// dispatch forwards cmd to the bridge (non-blocking) and queues it for the
// broadcaster. Both are best-effort: a bridge/broadcaster failure does not
// fail process() as a whole — it is logged and surfaced only via bridge
// feedback, not the top-level ProcessResult.
func (o *Orchestrator) dispatch(ctx context.Context, cmd models.Command) {
	if o.bridge != nil {
		go func() {
			if _, err := o.bridge.SendCommand(ctx, cmd, false, 0); err != nil {
				o.logger.Warn("bridge send_command failed", "command_id", cmd.ID, "command_type", cmd.CommandType, "error", err)
			}
		}()
	}
	if o.broadcaster != nil {
		o.broadcaster.BroadcastCommand(cmd)
	}
}

func (o *Orchestrator) recordObservation(ctx context.Context, userInput string, result models.ProcessResult) {
	if o.memories == nil {
		return
	}
	description := fmt.Sprintf("user said %q; responded %q with %d command(s) via %s",
		userInput, result.ChatResponse, len(result.Commands), result.BehaviorName)
	if _, err := o.memories.CreateMemory(ctx, o.agentID, description, models.MemoryObservation, defaultObservationImportance, nil); err != nil {
		o.logger.Warn("failed to record observation memory", "trace_id", result.TraceID, "error", err)
	}
}
