package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/nexus/pkg/models"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return fs
}

func TestFileStore_CreateAndGet(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()

	session := &models.Session{AgentID: "agent-1", Channel: models.ChannelRobot, Key: "agent:agent-1:main"}
	if err := fs.Create(ctx, session); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if session.ID == "" {
		t.Fatal("expected generated session ID")
	}
	if session.State != models.SessionCreated {
		t.Errorf("State = %v, want %v", session.State, models.SessionCreated)
	}

	got, err := fs.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AgentID != "agent-1" {
		t.Errorf("AgentID = %q, want %q", got.AgentID, "agent-1")
	}

	byKey, err := fs.GetByKey(ctx, "agent:agent-1:main")
	if err != nil {
		t.Fatalf("GetByKey: %v", err)
	}
	if byKey.ID != session.ID {
		t.Errorf("GetByKey returned %q, want %q", byKey.ID, session.ID)
	}
}

func TestFileStore_GetOrCreate(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()

	first, err := fs.GetOrCreate(ctx, "agent:a1:main", "a1", models.ChannelRobot, "")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	second, err := fs.GetOrCreate(ctx, "agent:a1:main", "a1", models.ChannelRobot, "")
	if err != nil {
		t.Fatalf("GetOrCreate second: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("expected same session returned, got %q and %q", first.ID, second.ID)
	}
}

func TestFileStore_AppendMessageTranscriptMonotonicity(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()

	session, err := fs.GetOrCreate(ctx, "agent:a1:main", "a1", models.ChannelRobot, "")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	contents := []string{"hello", "world", "third"}
	for _, c := range contents {
		if err := fs.AppendMessage(ctx, session.ID, &models.Message{Role: models.RoleUser, Content: c}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	history, err := fs.GetHistory(ctx, session.ID, 0)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(history) != len(contents) {
		t.Fatalf("history length = %d, want %d", len(history), len(contents))
	}
	for i, c := range contents {
		if history[i].Content != c {
			t.Errorf("history[%d].Content = %q, want %q", i, history[i].Content, c)
		}
	}

	updated, err := fs.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if updated.MessageCount != len(contents) {
		t.Errorf("MessageCount = %d, want %d", updated.MessageCount, len(contents))
	}
	if updated.State != models.SessionActive {
		t.Errorf("State = %v, want %v (first user message transitions CREATED->ACTIVE)", updated.State, models.SessionActive)
	}
}

func TestFileStore_GetHistoryLimit(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()
	session, _ := fs.GetOrCreate(ctx, "agent:a1:main", "a1", models.ChannelRobot, "")

	for i := 0; i < 5; i++ {
		if err := fs.AppendMessage(ctx, session.ID, &models.Message{Role: models.RoleUser, Content: "m"}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}
	history, err := fs.GetHistory(ctx, session.ID, 2)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
}

func TestFileStore_CompactSession(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()
	session, _ := fs.GetOrCreate(ctx, "agent:a1:main", "a1", models.ChannelRobot, "")

	for i := 0; i < 10; i++ {
		if err := fs.AppendMessage(ctx, session.ID, &models.Message{Role: models.RoleUser, Content: "m"}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	summary := &models.Message{
		Role:     models.RoleSystem,
		Content:  "[对话摘要 — compressed at now]\n\nsummary text",
		Metadata: map[string]any{"is_compaction_summary": true},
	}
	newMessages := []*models.Message{summary}
	if err := fs.CompactSession(ctx, session.ID, newMessages, 42); err != nil {
		t.Fatalf("CompactSession: %v", err)
	}

	history, err := fs.GetHistory(ctx, session.ID, 0)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("history length after compaction = %d, want 1", len(history))
	}
	if !history[0].IsCompactionSummary() {
		t.Error("expected surviving message to be flagged as compaction summary")
	}

	updated, _ := fs.Get(ctx, session.ID)
	if updated.TokenCount != 42 {
		t.Errorf("TokenCount = %d, want 42", updated.TokenCount)
	}
}

func TestFileStore_ArchiveSession(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()
	session, _ := fs.GetOrCreate(ctx, "agent:a1:main", "a1", models.ChannelRobot, "")

	if err := fs.ArchiveSession(ctx, session.ID); err != nil {
		t.Fatalf("ArchiveSession: %v", err)
	}

	if _, err := fs.GetByKey(ctx, "agent:a1:main"); err == nil {
		t.Error("expected archived session to be removed from index")
	}

	if err := fs.ArchiveSession(ctx, session.ID); err == nil {
		t.Error("expected second archive to fail")
	}
}

func TestFileStore_CheckAndResetSession_Manual(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()
	policy := ResetPolicy{Mode: "manual", TriggerPrefixes: []string{"/reset"}}

	session, err := fs.CheckAndResetSession(ctx, "agent:a1:main", "a1", models.ChannelRobot, "", "hello", policy)
	if err != nil {
		t.Fatalf("CheckAndResetSession: %v", err)
	}
	firstID := session.ID

	same, err := fs.CheckAndResetSession(ctx, "agent:a1:main", "a1", models.ChannelRobot, "", "not a trigger", policy)
	if err != nil {
		t.Fatalf("CheckAndResetSession: %v", err)
	}
	if same.ID != firstID {
		t.Errorf("expected same session without trigger, got %q want %q", same.ID, firstID)
	}

	reset, err := fs.CheckAndResetSession(ctx, "agent:a1:main", "a1", models.ChannelRobot, "", "/reset", policy)
	if err != nil {
		t.Fatalf("CheckAndResetSession: %v", err)
	}
	if reset.ID == firstID {
		t.Error("expected /reset to archive and create a new session")
	}
}

func TestResetPolicy_Daily(t *testing.T) {
	policy := ResetPolicy{Mode: "daily", AtHour: 4}
	loc := time.UTC

	now := time.Date(2026, 7, 30, 4, 1, 0, 0, loc)
	lastActivity := time.Date(2026, 7, 30, 3, 59, 0, 0, loc)
	if !policy.ShouldReset(now, lastActivity, "") {
		t.Error("expected reset: last_activity before today's 04:00 boundary, now past boundary")
	}

	now2 := time.Date(2026, 7, 30, 4, 5, 0, 0, loc)
	lastActivity2 := time.Date(2026, 7, 30, 4, 2, 0, 0, loc)
	if policy.ShouldReset(now2, lastActivity2, "") {
		t.Error("expected no reset: last_activity after today's boundary")
	}
}

func TestResetPolicy_Idle(t *testing.T) {
	policy := ResetPolicy{Mode: "idle", IdleMinutes: 30}
	now := time.Now()
	if !policy.ShouldReset(now, now.Add(-31*time.Minute), "") {
		t.Error("expected reset after exceeding idle_minutes")
	}
	if policy.ShouldReset(now, now.Add(-10*time.Minute), "") {
		t.Error("expected no reset within idle_minutes")
	}
}

func TestResetPolicy_ManualPrefixCaseInsensitive(t *testing.T) {
	policy := ResetPolicy{Mode: "manual", TriggerPrefixes: []string{"/reset"}}
	now := time.Now()
	if !policy.ShouldReset(now, now, "  /RESET now") {
		t.Error("expected case-insensitive prefix match with leading whitespace")
	}
	if policy.ShouldReset(now, now, "reset /") {
		t.Error("expected no match: trigger is not a prefix of the input")
	}
}

func TestResetPolicy_Never(t *testing.T) {
	policy := ResetPolicy{Mode: "never"}
	now := time.Now()
	if policy.ShouldReset(now, now.Add(-365*24*time.Hour), "") {
		t.Error("never policy must not auto-reset")
	}
	manual := ResetPolicy{Mode: "never", TriggerPrefixes: []string{"/new"}}
	if !manual.ShouldReset(now, now, "/new") {
		t.Error("never policy must still honor manual triggers")
	}
}

func TestFileStore_PruneOldSessions(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()

	old, _ := fs.GetOrCreate(ctx, "agent:a1:main", "a1", models.ChannelRobot, "")
	oldMeta, _ := fs.Get(ctx, old.ID)
	oldMeta.LastActivity = time.Now().AddDate(0, 0, -100)
	if err := fs.Update(ctx, oldMeta); err != nil {
		t.Fatalf("Update: %v", err)
	}

	fresh, _ := fs.GetOrCreate(ctx, "agent:a1:subagent:u1", "a1", models.ChannelRobot, "")

	archived, err := fs.PruneOldSessions(ctx, 30, 0)
	if err != nil {
		t.Fatalf("PruneOldSessions: %v", err)
	}
	if len(archived) != 1 || archived[0] != old.ID {
		t.Errorf("archived = %v, want [%s]", archived, old.ID)
	}

	if _, err := fs.Get(ctx, fresh.ID); err != nil {
		t.Errorf("fresh session should survive prune: %v", err)
	}
}
