// Package bridge translates high-level semantic Commands into low-level
// Action sequences for an external real-time motion controller, and fans
// terminal command feedback back to callers.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/nexus/pkg/models"
)

// LifecycleNotifier is called whenever the bridge has a lifecycle event
// worth surfacing externally (currently just emergency_stop). The
// broadcaster is the typical subscriber.
type LifecycleNotifier func(event string, payload map[string]any)

// Bridge is the brain-cerebellum bridge: it owns a translator registry and
// a controller transport, and tracks in-flight commands so feedback can be
// aggregated and emergency_stop can resolve everything outstanding.
type Bridge struct {
	registry  *Registry
	transport ControllerTransport
	mock      bool
	logger    *slog.Logger
	notify    LifecycleNotifier

	idSeq uint64

	mu      sync.Mutex
	pending map[string]*pendingCommand
	stopped bool
}

type pendingCommand struct {
	mu      sync.Mutex
	actions map[string]models.ActionStatus
	done    chan struct{}
	closed  bool
}

// Option configures a Bridge at construction time.
type Option func(*Bridge)

// WithMock forces mock mode: commands are recorded but never reach a real
// transport, and feedback is synthesized as an immediate success.
func WithMock() Option {
	return func(b *Bridge) { b.mock = true }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) { b.logger = logger }
}

// WithLifecycleNotifier registers a callback invoked on lifecycle events
// (emergency_stop).
func WithLifecycleNotifier(fn LifecycleNotifier) Option {
	return func(b *Bridge) { b.notify = fn }
}

// New creates a Bridge. transport may be nil when WithMock is used.
func New(registry *Registry, transport ControllerTransport, opts ...Option) *Bridge {
	if registry == nil {
		registry = NewRegistry()
	}
	b := &Bridge{
		registry:  registry,
		transport: transport,
		logger:    slog.Default(),
		pending:   make(map[string]*pendingCommand),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.mock && b.transport == nil {
		b.transport = NewMockTransport()
	}
	if b.transport != nil {
		b.transport.Subscribe(b.onActionStatus)
	}
	return b
}

func (b *Bridge) nextActionID() string {
	n := atomic.AddUint64(&b.idSeq, 1)
	return fmt.Sprintf("action-%d", n)
}

// SendCommand translates cmd via the registry and publishes every produced
// Action to the transport. In mock mode it records the command and returns
// a synthetic success immediately. When wait is true, it blocks until every
// action for this command reports a terminal status or timeout elapses,
// whichever comes first; timeout <= 0 means wait indefinitely (bounded only
// by ctx).
func (b *Bridge) SendCommand(ctx context.Context, cmd models.Command, wait bool, timeout time.Duration) (models.CommandFeedback, error) {
	if b.mock {
		if translator := b.registry.Find(cmd); translator != nil {
			for _, a := range translator.Translate(cmd, b.nextActionID) {
				_ = b.transport.Publish(ctx, a)
			}
		}
		return models.CommandFeedback{CommandID: cmd.ID, Status: models.ActionCompleted}, nil
	}

	translator := b.registry.Find(cmd)
	if translator == nil {
		return models.CommandFeedback{
			CommandID: cmd.ID,
			Status:    models.ActionError,
			Error:     fmt.Sprintf("no translator for command type %q", cmd.CommandType),
		}, &ErrNoTranslator{CommandType: cmd.CommandType}
	}

	actions := translator.Translate(cmd, b.nextActionID)

	pc := &pendingCommand{
		actions: make(map[string]models.ActionStatus, len(actions)),
		done:    make(chan struct{}),
	}
	for _, a := range actions {
		pc.actions[a.ID] = models.ActionPending
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return models.CommandFeedback{CommandID: cmd.ID, Status: models.ActionCancelled}, nil
	}
	b.pending[cmd.ID] = pc
	b.mu.Unlock()

	for _, a := range actions {
		if err := b.transport.Publish(ctx, a); err != nil {
			b.logger.Error("publish action failed", "action_id", a.ID, "command_id", cmd.ID, "error", err)
			pc.setStatus(a.ID, models.ActionError)
		}
	}
	b.maybeComplete(cmd.ID, pc)

	if !wait {
		return models.CommandFeedback{CommandID: cmd.ID, Status: pc.aggregate()}, nil
	}

	return b.awaitCompletion(ctx, cmd.ID, pc, timeout)
}

func (b *Bridge) awaitCompletion(ctx context.Context, commandID string, pc *pendingCommand, timeout time.Duration) (models.CommandFeedback, error) {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-pc.done:
		return models.CommandFeedback{CommandID: commandID, Status: pc.aggregate()}, nil
	case <-timeoutCh:
		pc.markOutstandingTimeout()
		b.clearPending(commandID)
		return models.CommandFeedback{CommandID: commandID, Status: models.ActionTimeout}, nil
	case <-ctx.Done():
		pc.markOutstandingCancelled()
		b.clearPending(commandID)
		return models.CommandFeedback{CommandID: commandID, Status: models.ActionCancelled}, ctx.Err()
	}
}

func (b *Bridge) onActionStatus(actionID string, status models.ActionStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for commandID, pc := range b.pending {
		if _, ok := pc.actions[actionID]; ok {
			pc.setStatus(actionID, status)
			b.maybeCompleteLocked(commandID, pc)
			return
		}
	}
}

// maybeComplete checks whether every action of a just-dispatched command is
// already terminal (e.g. a synchronous mock transport resolves instantly)
// and closes its done channel if so.
func (b *Bridge) maybeComplete(commandID string, pc *pendingCommand) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeCompleteLocked(commandID, pc)
}

func (b *Bridge) maybeCompleteLocked(commandID string, pc *pendingCommand) {
	if pc.allTerminal() {
		pc.close()
		delete(b.pending, commandID)
	}
}

func (b *Bridge) clearPending(commandID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, commandID)
}

// EmergencyStop publishes a cancel signal to the transport, notifies the
// lifecycle subscriber, and resolves every pending command with CANCELLED.
func (b *Bridge) EmergencyStop(ctx context.Context) error {
	b.mu.Lock()
	b.stopped = true
	pending := make(map[string]*pendingCommand, len(b.pending))
	for id, pc := range b.pending {
		pending[id] = pc
	}
	b.pending = make(map[string]*pendingCommand)
	b.mu.Unlock()

	for _, pc := range pending {
		pc.markOutstandingCancelled()
		pc.close()
	}

	if b.notify != nil {
		b.notify("emergency_stop", map[string]any{"cancelled_commands": len(pending)})
	}

	if b.transport != nil {
		cancelAction := models.Action{ID: b.nextActionID(), ActionType: "emergency_stop", Status: models.ActionPending}
		if err := b.transport.Publish(ctx, cancelAction); err != nil {
			b.logger.Warn("emergency_stop signal publish failed", "error", err)
		}
	}
	return nil
}

// Resume clears the stopped latch so new commands can be accepted again.
func (b *Bridge) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = false
}

func (pc *pendingCommand) setStatus(actionID string, status models.ActionStatus) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.actions[actionID] = status
}

func (pc *pendingCommand) allTerminal() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for _, status := range pc.actions {
		switch status {
		case models.ActionCompleted, models.ActionError, models.ActionTimeout, models.ActionCancelled:
		default:
			return false
		}
	}
	return true
}

func (pc *pendingCommand) markOutstandingTimeout() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for id, status := range pc.actions {
		if status == models.ActionPending || status == models.ActionRunning {
			pc.actions[id] = models.ActionTimeout
		}
	}
}

func (pc *pendingCommand) markOutstandingCancelled() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for id, status := range pc.actions {
		if status == models.ActionPending || status == models.ActionRunning {
			pc.actions[id] = models.ActionCancelled
		}
	}
}

func (pc *pendingCommand) close() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if !pc.closed {
		pc.closed = true
		close(pc.done)
	}
}

// aggregate computes the command-level status: COMPLETED iff every action
// completed, else the worst terminal status among CANCELLED > ERROR >
// TIMEOUT, else RUNNING if anything is still in flight.
func (pc *pendingCommand) aggregate() models.ActionStatus {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	allCompleted := true
	sawCancelled, sawError, sawTimeout, sawInFlight := false, false, false, false
	for _, status := range pc.actions {
		if status != models.ActionCompleted {
			allCompleted = false
		}
		switch status {
		case models.ActionCancelled:
			sawCancelled = true
		case models.ActionError:
			sawError = true
		case models.ActionTimeout:
			sawTimeout = true
		case models.ActionPending, models.ActionRunning:
			sawInFlight = true
		}
	}
	switch {
	case allCompleted:
		return models.ActionCompleted
	case sawCancelled:
		return models.ActionCancelled
	case sawError:
		return models.ActionError
	case sawTimeout:
		return models.ActionTimeout
	case sawInFlight:
		return models.ActionRunning
	default:
		return models.ActionError
	}
}
