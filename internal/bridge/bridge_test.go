package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/nexus/pkg/models"
)

func TestSendCommand_MockModeReturnsSyntheticSuccess(t *testing.T) {
	b := New(NewRegistry(), nil, WithMock())

	feedback, err := b.SendCommand(context.Background(), models.Command{ID: "c1", CommandType: "move"}, true, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if feedback.Status != models.ActionCompleted {
		t.Errorf("expected COMPLETED, got %s", feedback.Status)
	}
}

func TestSendCommand_NoTranslatorReturnsFailureFeedback(t *testing.T) {
	mock := NewMockTransport()
	b := New(NewRegistry(), mock)

	feedback, err := b.SendCommand(context.Background(), models.Command{ID: "c1", CommandType: "dance"}, true, 0)
	if err == nil {
		t.Fatal("expected an error for unmatched command type")
	}
	if feedback.Status != models.ActionError {
		t.Errorf("expected ERROR feedback, got %s", feedback.Status)
	}
}

func TestSendCommand_MoverCompletesWhenTransportReportsSuccess(t *testing.T) {
	mock := NewMockTransport()
	b := New(NewRegistry(), mock)

	feedback, err := b.SendCommand(context.Background(), models.Command{ID: "c1", CommandType: "navigate", Parameters: map[string]any{"x": 1.0}}, true, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if feedback.Status != models.ActionCompleted {
		t.Errorf("expected COMPLETED, got %s", feedback.Status)
	}
	if len(mock.Published()) != 1 {
		t.Errorf("expected 1 published action for mover, got %d", len(mock.Published()))
	}
}

func TestSendCommand_GrasperProducesFourActions(t *testing.T) {
	mock := NewMockTransport()
	b := New(NewRegistry(), mock)

	feedback, err := b.SendCommand(context.Background(), models.Command{ID: "c2", CommandType: "grasp"}, true, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if feedback.Status != models.ActionCompleted {
		t.Errorf("expected COMPLETED, got %s", feedback.Status)
	}
	if len(mock.Published()) != 4 {
		t.Errorf("expected 4 published actions for grasper, got %d", len(mock.Published()))
	}
}

// blockingTransport never reports action completion on its own, so the
// caller can exercise the wait-timeout path deterministically.
type blockingTransport struct {
	published []models.Action
}

func (t *blockingTransport) Publish(ctx context.Context, action models.Action) error {
	t.published = append(t.published, action)
	return nil
}
func (t *blockingTransport) Subscribe(fn func(string, models.ActionStatus)) {}

func TestSendCommand_WaitTimesOutWhenTransportNeverReports(t *testing.T) {
	b := New(NewRegistry(), &blockingTransport{})

	feedback, err := b.SendCommand(context.Background(), models.Command{ID: "c3", CommandType: "move"}, true, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if feedback.Status != models.ActionTimeout {
		t.Errorf("expected TIMEOUT, got %s", feedback.Status)
	}
}

func TestEmergencyStop_CancelsPendingCommands(t *testing.T) {
	b := New(NewRegistry(), &blockingTransport{})

	resultCh := make(chan models.CommandFeedback, 1)
	go func() {
		fb, _ := b.SendCommand(context.Background(), models.Command{ID: "c4", CommandType: "move"}, true, 2*time.Second)
		resultCh <- fb
	}()

	// give SendCommand time to register the pending command
	time.Sleep(20 * time.Millisecond)
	if err := b.EmergencyStop(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case fb := <-resultCh:
		if fb.Status != models.ActionCancelled {
			t.Errorf("expected CANCELLED, got %s", fb.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("emergency stop did not resolve the pending command")
	}
}

func TestEmergencyStop_NotifiesLifecycleSubscriber(t *testing.T) {
	var gotEvent string
	b := New(NewRegistry(), NewMockTransport(), WithLifecycleNotifier(func(event string, payload map[string]any) {
		gotEvent = event
	}))

	if err := b.EmergencyStop(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotEvent != "emergency_stop" {
		t.Errorf("expected emergency_stop notification, got %q", gotEvent)
	}
}

func TestRiskMonitor_TripsOnRepeatedGraspFailures(t *testing.T) {
	var stopped bool
	b := New(NewRegistry(), NewMockTransport(), WithLifecycleNotifier(func(event string, payload map[string]any) {
		if event == "emergency_stop" {
			stopped = true
		}
	}))

	monitor := NewRiskMonitor(b, nil)
	failFeedback := models.CommandFeedback{Status: models.ActionError}
	for i := 0; i < graspFailureThreshold; i++ {
		monitor.Observe(context.Background(), models.Command{ID: "g", CommandType: "grasp"}, failFeedback)
	}

	if !stopped {
		t.Error("expected repeated grasp failures to trigger emergency stop")
	}
}

func TestRiskMonitor_DetectsExcessiveVelocity(t *testing.T) {
	b := New(NewRegistry(), NewMockTransport())
	monitor := NewRiskMonitor(b, nil)

	monitor.Observe(context.Background(), models.Command{
		ID:          "v1",
		CommandType: "move",
		Parameters:  map[string]any{"vx": 10.0},
	}, models.CommandFeedback{Status: models.ActionCompleted})

	events := monitor.Events()
	if len(events) != 1 || events[0].Level != RiskHigh {
		t.Errorf("expected one high-severity velocity risk, got %+v", events)
	}
}
