package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/haasonsaas/nexus/pkg/models"
)

// publishActionMethod is the fully-qualified gRPC method the transport
// streams Actions to on the external motion controller.
const publishActionMethod = "/openrobobrain.controller.v1.MotionController/PublishAction"

// ControllerTransport publishes a translated Action to the real-time motion
// controller and reports its terminal status back to the bridge.
type ControllerTransport interface {
	// Publish sends action to the controller. It does not block for
	// completion; completion is reported asynchronously via Subscribe.
	Publish(ctx context.Context, action models.Action) error
	// Subscribe registers a callback invoked whenever the controller
	// reports an action's terminal status.
	Subscribe(fn func(actionID string, status models.ActionStatus))
}

// GRPCTransport publishes actions to the motion controller over a gRPC
// client stream, encoding each Action as a structpb.Struct so no
// proto-generated client stub is required.
type GRPCTransport struct {
	conn *grpc.ClientConn

	mu        sync.Mutex
	listeners []func(actionID string, status models.ActionStatus)
}

// NewGRPCTransport wraps an established gRPC connection to the motion
// controller.
func NewGRPCTransport(conn *grpc.ClientConn) *GRPCTransport {
	return &GRPCTransport{conn: conn}
}

func (t *GRPCTransport) Subscribe(fn func(actionID string, status models.ActionStatus)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

func (t *GRPCTransport) notify(actionID string, status models.ActionStatus) {
	t.mu.Lock()
	listeners := append([]func(string, models.ActionStatus){}, t.listeners...)
	t.mu.Unlock()
	for _, fn := range listeners {
		fn(actionID, status)
	}
}

// Publish marshals action into a structpb.Struct and invokes the
// controller's PublishAction RPC as a unary call (one action per call; the
// bridge issues one call per produced Action, which is functionally
// equivalent to streaming them in order over the same connection).
func (t *GRPCTransport) Publish(ctx context.Context, action models.Action) error {
	payload, err := actionToStruct(action)
	if err != nil {
		return fmt.Errorf("encode action: %w", err)
	}

	reply := &structpb.Struct{}
	if err := t.conn.Invoke(ctx, publishActionMethod, payload, reply); err != nil {
		return fmt.Errorf("publish action %s: %w", action.ID, err)
	}

	if status, ok := reply.Fields["status"]; ok {
		t.notify(action.ID, models.ActionStatus(status.GetStringValue()))
	}
	return nil
}

func actionToStruct(action models.Action) (*structpb.Struct, error) {
	raw, err := json.Marshal(action)
	if err != nil {
		return nil, err
	}
	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil, err
	}
	return structpb.NewStruct(asMap)
}

// MockTransport records every published action instead of contacting a
// real controller, and immediately reports it completed. Used when the
// bridge runs in mock mode (no external controller available) and in
// tests.
type MockTransport struct {
	mu        sync.Mutex
	published []models.Action
	listeners []func(actionID string, status models.ActionStatus)
}

func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

func (t *MockTransport) Subscribe(fn func(actionID string, status models.ActionStatus)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

func (t *MockTransport) Publish(ctx context.Context, action models.Action) error {
	t.mu.Lock()
	t.published = append(t.published, action)
	listeners := append([]func(string, models.ActionStatus){}, t.listeners...)
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(action.ID, models.ActionCompleted)
	}
	return nil
}

// Published returns every action recorded so far, for test assertions.
func (t *MockTransport) Published() []models.Action {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.Action, len(t.published))
	copy(out, t.published)
	return out
}
