package agent

import (
	"context"
	"sync"
	"time"

	"github.com/nextlevelbuilder/webforge/internal/store"
)

// In-memory store implementations backing the loop tests.

type memStores struct {
	mu       sync.Mutex
	messages []store.Message
	steps    []store.ExecutionStep
	todos    map[string][]store.TodoItem
	sessions map[string]*store.Session
	nextMsg  int64
	nextStep int64
}

func newMemStores() (*memStores, *store.Stores) {
	m := &memStores{
		todos:    make(map[string][]store.TodoItem),
		sessions: make(map[string]*store.Session),
	}
	return m, &store.Stores{
		Sessions: (*memSessionStore)(m),
		Messages: (*memMessageStore)(m),
		Steps:    (*memStepStore)(m),
		Todos:    (*memTodoStore)(m),
	}
}

type memSessionStore memStores

func (m *memSessionStore) Create(ctx context.Context, s *store.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now
	m.sessions[s.ID] = s
	return nil
}

func (m *memSessionStore) Get(ctx context.Context, id string) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s, nil
}

func (m *memSessionStore) ListByUser(ctx context.Context, userID int64) ([]store.Session, error) {
	return nil, nil
}

func (m *memSessionStore) Update(ctx context.Context, s *store.Session) error { return nil }

func (m *memSessionStore) Touch(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		s.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *memSessionStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

type memMessageStore memStores

func (m *memMessageStore) Create(ctx context.Context, msg *store.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextMsg++
	msg.ID = m.nextMsg
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	m.messages = append(m.messages, *msg)
	return nil
}

func (m *memMessageStore) ListBySession(ctx context.Context, sessionID string) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Message
	for _, msg := range m.messages {
		if msg.SessionID == sessionID {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *memMessageStore) LatestAssistant(ctx context.Context, sessionID string) (*store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.messages) - 1; i >= 0; i-- {
		if m.messages[i].SessionID == sessionID && m.messages[i].Role == store.RoleAssistant {
			msg := m.messages[i]
			return &msg, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memMessageStore) RecentSystem(ctx context.Context, sessionID string, k int) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Message
	for i := len(m.messages) - 1; i >= 0 && len(out) < k; i-- {
		if m.messages[i].SessionID == sessionID && m.messages[i].Role == store.RoleSystem {
			out = append(out, m.messages[i])
		}
	}
	return out, nil
}

func (m *memMessageStore) Finalize(ctx context.Context, id int64, content, reasoning, toolCalls string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.messages {
		if m.messages[i].ID == id {
			m.messages[i].Content = content
			m.messages[i].ReasoningContent = reasoning
			m.messages[i].ToolCalls = toolCalls
			return nil
		}
	}
	return store.ErrNotFound
}

type memStepStore memStores

func (m *memStepStore) Append(ctx context.Context, s *store.ExecutionStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextStep++
	s.ID = m.nextStep
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = s.CreatedAt
	m.steps = append(m.steps, *s)
	return nil
}

func (m *memStepStore) UpdateReasoning(ctx context.Context, id int64, reasoning string, progress float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.steps {
		if m.steps[i].ID == id {
			m.steps[i].ReasoningContent = reasoning
			m.steps[i].Progress = progress
			m.steps[i].UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memStepStore) ListByMessage(ctx context.Context, messageID int64) ([]store.ExecutionStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.ExecutionStep
	for _, s := range m.steps {
		if s.MessageID == messageID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memStepStore) LatestByMessage(ctx context.Context, messageID int64) (*store.ExecutionStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.steps) - 1; i >= 0; i-- {
		if m.steps[i].MessageID == messageID {
			s := m.steps[i]
			return &s, nil
		}
	}
	return nil, store.ErrNotFound
}

type memTodoStore memStores

func (m *memTodoStore) Replace(ctx context.Context, sessionID string, todos []store.TodoItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.todos[sessionID] = todos
	return nil
}

func (m *memTodoStore) List(ctx context.Context, sessionID string) ([]store.TodoItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.todos[sessionID], nil
}
