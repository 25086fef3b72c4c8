package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/nexus/internal/behavior"
	"github.com/haasonsaas/nexus/internal/bridge"
	"github.com/haasonsaas/nexus/internal/memory"
	"github.com/haasonsaas/nexus/pkg/models"
)

type stubBehavior struct {
	name    string
	conf    float64
	result  models.BehaviorResult
	mode    models.ProcessMode
	err     error
}

func (s *stubBehavior) Name() string             { return s.name }
func (s *stubBehavior) CanHandle(string) float64 { return s.conf }
func (s *stubBehavior) Execute(ctx context.Context, utterance string) (models.BehaviorResult, models.ProcessMode, error) {
	return s.result, s.mode, s.err
}

func fixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}

func TestProcess_SuccessAssemblesProcessResult(t *testing.T) {
	b := &stubBehavior{
		name: "greeter",
		conf: 0.9,
		result: models.BehaviorResult{
			ChatResponse: "hi!",
			Commands:     []models.Command{{CommandType: "forward"}},
		},
		mode: models.ModeRule,
	}
	matcher := behavior.NewMatcher(behavior.NewFallback(nil), 0.5)
	matcher.Register(b)

	br := bridge.New(bridge.NewRegistry(), bridge.NewMockTransport())
	mem := memory.NewStream(nil)

	orch := New("robot-1", matcher, br, nil, mem, WithClock(fixedClock(time.Unix(0, 0))))

	result := orch.Process(context.Background(), "go forward")

	if !result.Success {
		t.Fatalf("expected success, got error %q", result.Error)
	}
	if result.BehaviorName != "greeter" {
		t.Errorf("expected behavior name greeter, got %s", result.BehaviorName)
	}
	if result.ChatResponse != "hi!" {
		t.Errorf("unexpected chat response: %s", result.ChatResponse)
	}
	if len(result.Commands) != 1 {
		t.Fatalf("expected 1 command, got %d", len(result.Commands))
	}
	cmd := result.Commands[0]
	if cmd.ID == "" {
		t.Error("expected a generated command id")
	}
	if cmd.SourceAgent != "robot-1" {
		t.Errorf("expected source_agent robot-1, got %s", cmd.SourceAgent)
	}
	if cmd.Priority != models.PriorityNormal {
		t.Errorf("expected default priority NORMAL, got %s", cmd.Priority)
	}
	if result.TraceID == "" {
		t.Error("expected a trace id")
	}
}

func TestProcess_BehaviorErrorReturnsFailureResult(t *testing.T) {
	b := &stubBehavior{name: "broken", conf: 0.9, err: errors.New("kaboom")}
	matcher := behavior.NewMatcher(behavior.NewFallback(nil), 0.5)
	matcher.Register(b)

	orch := New("robot-1", matcher, nil, nil, nil)

	result := orch.Process(context.Background(), "anything")
	if result.Success {
		t.Fatal("expected failure")
	}
	if result.Error != "kaboom" {
		t.Errorf("expected error message to propagate, got %q", result.Error)
	}
	if len(result.Commands) != 0 {
		t.Errorf("expected no commands on error, got %+v", result.Commands)
	}
}

func TestProcess_RecordsOneObservationMemory(t *testing.T) {
	b := &stubBehavior{name: "greeter", conf: 0.9, result: models.BehaviorResult{ChatResponse: "ok"}}
	matcher := behavior.NewMatcher(behavior.NewFallback(nil), 0.5)
	matcher.Register(b)

	mem := memory.NewStream(nil)
	orch := New("robot-1", matcher, nil, nil, mem)

	orch.Process(context.Background(), "hello")

	stats := mem.Stats()
	if stats.Total != 1 {
		t.Errorf("expected exactly one memory recorded, got %d", stats.Total)
	}
}

func TestProcess_NoMatchUsesFallback(t *testing.T) {
	matcher := behavior.NewMatcher(behavior.NewFallback(nil), 0.5)

	orch := New("robot-1", matcher, nil, nil, nil)
	result := orch.Process(context.Background(), "xyzzy plugh")

	if result.BehaviorName != "fallback" {
		t.Errorf("expected fallback behavior, got %s", result.BehaviorName)
	}
	if result.Mode != models.ModeRule {
		t.Errorf("expected rule mode from fallback with no inference func, got %s", result.Mode)
	}
}
