package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/nexus/pkg/models"
)

// RiskLevel classifies how severe an observed runtime risk is.
type RiskLevel string

const (
	RiskCritical RiskLevel = "critical"
	RiskHigh     RiskLevel = "high"
	RiskInfo     RiskLevel = "info"
)

// RiskCategory groups a risk by the subsystem it concerns.
type RiskCategory string

const (
	RiskCategoryControl  RiskCategory = "CTL"
	RiskCategoryHardware RiskCategory = "HW"
)

// RiskEvent is one detection emitted by RiskMonitor.Observe.
type RiskEvent struct {
	Level       RiskLevel
	Category    RiskCategory
	Title       string
	Description string
	DetectedAt  time.Time
}

// dangerousVelocity is the magnitude (in any of vx/vy/wz) above which a
// move/navigate command is treated as a runtime safety risk.
const dangerousVelocity = 5.0

// graspFailureWindow bounds how far back RiskMonitor looks when counting
// consecutive grasp failures.
const graspFailureWindow = 5 * time.Minute

// graspFailureThreshold is the number of grasp failures within
// graspFailureWindow that trips an emergency stop.
const graspFailureThreshold = 3

// RiskMonitor watches bridge command feedback for dangerous patterns —
// excessive commanded velocity and repeated grasp failures — and triggers
// Bridge.EmergencyStop when a threshold is crossed.
type RiskMonitor struct {
	bridge *Bridge
	logger *slog.Logger

	mu            sync.Mutex
	graspFailures []time.Time
	events        []RiskEvent
}

// NewRiskMonitor creates a monitor bound to bridge. Call Observe after
// every SendCommand completes.
func NewRiskMonitor(bridge *Bridge, logger *slog.Logger) *RiskMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RiskMonitor{bridge: bridge, logger: logger}
}

// Observe inspects a just-dispatched command and its terminal feedback,
// recording and acting on any detected risk.
func (m *RiskMonitor) Observe(ctx context.Context, cmd models.Command, feedback models.CommandFeedback) {
	if risk, ok := m.checkVelocity(cmd); ok {
		m.record(risk)
		m.logger.Warn("dangerous command velocity detected", "command_id", cmd.ID, "command_type", cmd.CommandType)
	}

	if m.isGraspFailure(cmd, feedback) {
		if risk, trip := m.recordGraspFailure(); trip {
			m.record(risk)
			m.logger.Error("repeated grasp failures, triggering emergency stop", "command_id", cmd.ID)
			_ = m.bridge.EmergencyStop(ctx)
		}
	}
}

func (m *RiskMonitor) checkVelocity(cmd models.Command) (RiskEvent, bool) {
	switch cmd.CommandType {
	case "move", "navigate", "forward", "backward":
	default:
		return RiskEvent{}, false
	}

	for _, key := range []string{"vx", "vy", "wz", "speed"} {
		v, ok := cmd.Parameters[key]
		if !ok {
			continue
		}
		f, ok := toFloat(v)
		if !ok {
			continue
		}
		if f < 0 {
			f = -f
		}
		if f > dangerousVelocity {
			return RiskEvent{
				Level:       RiskHigh,
				Category:    RiskCategoryControl,
				Title:       "excessive commanded velocity",
				Description: "command " + cmd.ID + " requested " + key + " beyond the safety threshold",
				DetectedAt:  time.Now(),
			}, true
		}
	}
	return RiskEvent{}, false
}

func (m *RiskMonitor) isGraspFailure(cmd models.Command, feedback models.CommandFeedback) bool {
	switch cmd.CommandType {
	case "grasp", "pick", "grab":
	default:
		return false
	}
	return feedback.Status == models.ActionError || feedback.Status == models.ActionTimeout
}

func (m *RiskMonitor) recordGraspFailure() (RiskEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.graspFailures = append(m.graspFailures, now)

	cutoff := now.Add(-graspFailureWindow)
	fresh := m.graspFailures[:0]
	for _, t := range m.graspFailures {
		if t.After(cutoff) {
			fresh = append(fresh, t)
		}
	}
	m.graspFailures = fresh

	if len(m.graspFailures) >= graspFailureThreshold {
		m.graspFailures = nil
		return RiskEvent{
			Level:       RiskCritical,
			Category:    RiskCategoryHardware,
			Title:       "repeated grasp failures",
			Description: "grasp command failed repeatedly within the monitoring window",
			DetectedAt:  now,
		}, true
	}
	return RiskEvent{}, false
}

func (m *RiskMonitor) record(risk RiskEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, risk)
}

// Events returns every risk recorded so far.
func (m *RiskMonitor) Events() []RiskEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RiskEvent, len(m.events))
	copy(out, m.events)
	return out
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
