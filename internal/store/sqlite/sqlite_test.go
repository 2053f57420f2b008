package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/webforge/internal/store"
)

func openTestStores(t *testing.T) *store.Stores {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStores(db)
}

func seedSession(t *testing.T, s *store.Stores) *store.Session {
	t.Helper()
	ctx := context.Background()
	u := &store.User{Username: "alice", PasswordHash: "x"}
	if err := s.Users.Create(ctx, u); err != nil {
		t.Fatal(err)
	}
	sess := &store.Session{ID: "sess1", UserID: u.ID, Title: "测试会话"}
	if err := s.Sessions.Create(ctx, sess); err != nil {
		t.Fatal(err)
	}
	return sess
}

func TestUserRoundTrip(t *testing.T) {
	s := openTestStores(t)
	ctx := context.Background()

	u := &store.User{Username: "bob", PasswordHash: "h"}
	if err := s.Users.Create(ctx, u); err != nil {
		t.Fatal(err)
	}
	if u.ID == 0 {
		t.Fatal("id not assigned")
	}

	got, err := s.Users.GetByUsername(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != u.ID || got.PasswordHash != "h" {
		t.Errorf("got %+v", got)
	}

	if _, err := s.Users.GetByUsername(ctx, "nobody"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing user error = %v", err)
	}

	// Usernames are unique.
	if err := s.Users.Create(ctx, &store.User{Username: "bob", PasswordHash: "h2"}); err == nil {
		t.Error("duplicate username accepted")
	}
}

func TestMessagesOrderAndQueries(t *testing.T) {
	s := openTestStores(t)
	sess := seedSession(t, s)
	ctx := context.Background()

	rows := []*store.Message{
		{SessionID: sess.ID, Role: store.RoleUser, Content: "u1"},
		{SessionID: sess.ID, Role: store.RoleAssistant, Content: "a1"},
		{SessionID: sess.ID, Role: store.RoleSystem, Content: "note1"},
		{SessionID: sess.ID, Role: store.RoleSystem, Content: "note2"},
		{SessionID: sess.ID, Role: store.RoleAssistant, Content: "a2"},
	}
	for _, m := range rows {
		if err := s.Messages.Create(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.Messages.ListBySession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 5 || list[0].Content != "u1" || list[4].Content != "a2" {
		t.Errorf("insertion order broken: %+v", list)
	}

	latest, err := s.Messages.LatestAssistant(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if latest.Content != "a2" {
		t.Errorf("latest assistant = %q", latest.Content)
	}

	notes, err := s.Messages.RecentSystem(ctx, sess.ID, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 2 || notes[0].Content != "note2" {
		t.Errorf("recent system = %+v", notes)
	}
}

func TestMessageFinalizePreservesToolCallString(t *testing.T) {
	s := openTestStores(t)
	sess := seedSession(t, s)
	ctx := context.Background()

	m := &store.Message{SessionID: sess.ID, Role: store.RoleAssistant, Content: ""}
	if err := s.Messages.Create(ctx, m); err != nil {
		t.Fatal(err)
	}

	raw := `[{"id":"call_1","type":"function","function":{"name":"write","arguments":"{\"filename\": \"index.html\"}"}}]`
	if err := s.Messages.Finalize(ctx, m.ID, "done", "thought", raw); err != nil {
		t.Fatal(err)
	}

	got, err := s.Messages.LatestAssistant(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ToolCalls != raw {
		t.Errorf("tool_calls round-trip changed bytes:\n got %q\nwant %q", got.ToolCalls, raw)
	}
	if got.ReasoningContent != "thought" || got.Content != "done" {
		t.Errorf("finalize lost fields: %+v", got)
	}
}

func TestStepsAppendUpdateList(t *testing.T) {
	s := openTestStores(t)
	sess := seedSession(t, s)
	ctx := context.Background()

	msg := &store.Message{SessionID: sess.ID, Role: store.RoleAssistant}
	if err := s.Messages.Create(ctx, msg); err != nil {
		t.Fatal(err)
	}

	thinking := &store.ExecutionStep{
		SessionID: sess.ID, MessageID: msg.ID, UserID: sess.UserID,
		Iteration: 1, Status: store.StepThinking, Progress: 15,
	}
	if err := s.Steps.Append(ctx, thinking); err != nil {
		t.Fatal(err)
	}
	if thinking.ID == 0 {
		t.Fatal("step id not assigned")
	}

	if err := s.Steps.UpdateReasoning(ctx, thinking.ID, "ABCDE", 20); err != nil {
		t.Fatal(err)
	}

	done := &store.ExecutionStep{
		SessionID: sess.ID, MessageID: msg.ID, UserID: sess.UserID,
		Iteration: 1, Status: store.StepCompleted, Progress: 100,
	}
	if err := s.Steps.Append(ctx, done); err != nil {
		t.Fatal(err)
	}

	steps, err := s.Steps.ListByMessage(ctx, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 2 {
		t.Fatalf("steps = %d", len(steps))
	}
	if steps[0].ReasoningContent != "ABCDE" || steps[0].Progress != 20 {
		t.Errorf("in-place update lost: %+v", steps[0])
	}
	if !steps[0].UpdatedAt.After(steps[0].CreatedAt) {
		t.Error("updated_at not bumped by reasoning update")
	}

	latest, err := s.Steps.LatestByMessage(ctx, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if latest.Status != store.StepCompleted {
		t.Errorf("latest = %s", latest.Status)
	}
}

func TestTodoSnapshotUpsert(t *testing.T) {
	s := openTestStores(t)
	sess := seedSession(t, s)
	ctx := context.Background()

	if todos, err := s.Todos.List(ctx, sess.ID); err != nil || todos != nil {
		t.Fatalf("empty snapshot: %v %v", todos, err)
	}

	first := []store.TodoItem{{Content: "a", Status: store.TodoPending, ActiveForm: "doing a"}}
	if err := s.Todos.Replace(ctx, sess.ID, first); err != nil {
		t.Fatal(err)
	}
	second := []store.TodoItem{
		{Content: "a", Status: store.TodoCompleted, ActiveForm: "doing a"},
		{Content: "b", Status: store.TodoPending, ActiveForm: "doing b"},
	}
	if err := s.Todos.Replace(ctx, sess.ID, second); err != nil {
		t.Fatal(err)
	}

	todos, err := s.Todos.List(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(todos) != 2 || todos[0].Status != store.TodoCompleted {
		t.Errorf("snapshot = %+v", todos)
	}
}

func TestSessionTouchAndDelete(t *testing.T) {
	s := openTestStores(t)
	sess := seedSession(t, s)
	ctx := context.Background()

	before := sess.UpdatedAt
	if err := s.Sessions.Touch(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Sessions.Get(ctx, sess.ID)
	if !got.UpdatedAt.After(before) {
		t.Error("touch did not bump updated_at")
	}

	if err := s.Sessions.Delete(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Sessions.Get(ctx, sess.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("deleted session error = %v", err)
	}
}
