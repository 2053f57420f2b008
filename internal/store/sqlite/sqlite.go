// Package sqlite implements the store interfaces on pure-Go SQLite.
// Zero CGO required; the default standalone backend.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/webforge/internal/store"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL REFERENCES users(id),
	title TEXT NOT NULL,
	is_public INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	reasoning_content TEXT,
	tool_calls TEXT,
	tool_call_id TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);

CREATE TABLE IF NOT EXISTS execution_steps (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	message_id INTEGER NOT NULL REFERENCES messages(id),
	user_id INTEGER NOT NULL,
	iteration INTEGER NOT NULL DEFAULT 1,
	status TEXT NOT NULL,
	reasoning_content TEXT,
	tool_name TEXT,
	tool_arguments TEXT,
	tool_call_id TEXT,
	tool_result TEXT,
	tool_error TEXT,
	progress REAL NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_steps_message ON execution_steps(message_id, id);

CREATE TABLE IF NOT EXISTS todo_snapshots (
	session_id TEXT PRIMARY KEY REFERENCES sessions(id),
	todos_json TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Open opens (creating if needed) the SQLite database at path and applies
// the schema. A single shared connection serializes all writers, avoiding
// SQLITE_BUSY from concurrent goroutines.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return db, nil
}

// NewStores returns all store implementations over one database handle.
func NewStores(db *sql.DB) *store.Stores {
	return &store.Stores{
		Users:    &UserStore{db: db},
		Sessions: &SessionStore{db: db},
		Messages: &MessageStore{db: db},
		Steps:    &StepStore{db: db},
		Todos:    &TodoStore{db: db},
	}
}

func unix(t time.Time) int64 { return t.UTC().UnixNano() }

func fromUnix(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func text(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// UserStore implements store.UserStore.
type UserStore struct{ db *sql.DB }

func (s *UserStore) Create(ctx context.Context, u *store.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)`,
		u.Username, u.PasswordHash, unix(u.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	u.ID, err = res.LastInsertId()
	return err
}

func (s *UserStore) GetByUsername(ctx context.Context, username string) (*store.User, error) {
	return s.get(ctx, `SELECT id, username, password_hash, created_at FROM users WHERE username = ?`, username)
}

func (s *UserStore) GetByID(ctx context.Context, id int64) (*store.User, error) {
	return s.get(ctx, `SELECT id, username, password_hash, created_at FROM users WHERE id = ?`, id)
}

func (s *UserStore) get(ctx context.Context, query string, arg any) (*store.User, error) {
	var u store.User
	var created int64
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Username, &u.PasswordHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.CreatedAt = fromUnix(created)
	return &u, nil
}

// SessionStore implements store.SessionStore.
type SessionStore struct{ db *sql.DB }

func (s *SessionStore) Create(ctx context.Context, sess *store.Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	sess.UpdatedAt = sess.CreatedAt
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, title, is_public, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.Title, sess.IsPublic, unix(sess.CreatedAt), unix(sess.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, id string) (*store.Session, error) {
	var sess store.Session
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, is_public, created_at, updated_at FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.IsPublic, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.CreatedAt, sess.UpdatedAt = fromUnix(created), fromUnix(updated)
	return &sess, nil
}

func (s *SessionStore) ListByUser(ctx context.Context, userID int64) ([]store.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, is_public, created_at, updated_at
		 FROM sessions WHERE user_id = ? ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Session
	for rows.Next() {
		var sess store.Session
		var created, updated int64
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.IsPublic, &created, &updated); err != nil {
			return nil, err
		}
		sess.CreatedAt, sess.UpdatedAt = fromUnix(created), fromUnix(updated)
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SessionStore) Update(ctx context.Context, sess *store.Session) error {
	sess.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ?, is_public = ?, updated_at = ? WHERE id = ?`,
		sess.Title, sess.IsPublic, unix(sess.UpdatedAt), sess.ID,
	)
	return err
}

func (s *SessionStore) Touch(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, unix(time.Now().UTC()), id)
	return err
}

func (s *SessionStore) Delete(ctx context.Context, id string) error {
	for _, q := range []string{
		`DELETE FROM execution_steps WHERE session_id = ?`,
		`DELETE FROM messages WHERE session_id = ?`,
		`DELETE FROM todo_snapshots WHERE session_id = ?`,
		`DELETE FROM sessions WHERE id = ?`,
	} {
		if _, err := s.db.ExecContext(ctx, q, id); err != nil {
			return err
		}
	}
	return nil
}

// MessageStore implements store.MessageStore.
type MessageStore struct{ db *sql.DB }

func (s *MessageStore) Create(ctx context.Context, m *store.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (session_id, role, content, reasoning_content, tool_calls, tool_call_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.SessionID, string(m.Role), m.Content,
		nullable(m.ReasoningContent), nullable(m.ToolCalls), nullable(m.ToolCallID),
		unix(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	m.ID, err = res.LastInsertId()
	return err
}

const messageCols = `id, session_id, role, content, reasoning_content, tool_calls, tool_call_id, created_at`

func scanMessage(sc interface{ Scan(...any) error }) (store.Message, error) {
	var m store.Message
	var role string
	var reasoning, toolCalls, toolCallID sql.NullString
	var created int64
	err := sc.Scan(&m.ID, &m.SessionID, &role, &m.Content, &reasoning, &toolCalls, &toolCallID, &created)
	if err != nil {
		return m, err
	}
	m.Role = store.Role(role)
	m.ReasoningContent = text(reasoning)
	m.ToolCalls = text(toolCalls)
	m.ToolCallID = text(toolCallID)
	m.CreatedAt = fromUnix(created)
	return m, nil
}

func (s *MessageStore) ListBySession(ctx context.Context, sessionID string) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageCols+` FROM messages WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *MessageStore) LatestAssistant(ctx context.Context, sessionID string) (*store.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE session_id = ? AND role = 'assistant' ORDER BY id DESC LIMIT 1`, sessionID)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *MessageStore) RecentSystem(ctx context.Context, sessionID string, k int) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE session_id = ? AND role = 'system' ORDER BY id DESC LIMIT ?`, sessionID, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *MessageStore) Finalize(ctx context.Context, id int64, content, reasoning, toolCalls string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, reasoning_content = ?, tool_calls = ? WHERE id = ?`,
		content, nullable(reasoning), nullable(toolCalls), id,
	)
	return err
}

// StepStore implements store.StepStore.
type StepStore struct{ db *sql.DB }

func (s *StepStore) Append(ctx context.Context, step *store.ExecutionStep) error {
	now := time.Now().UTC()
	if step.CreatedAt.IsZero() {
		step.CreatedAt = now
	}
	step.UpdatedAt = step.CreatedAt
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_steps
		 (session_id, message_id, user_id, iteration, status, reasoning_content,
		  tool_name, tool_arguments, tool_call_id, tool_result, tool_error, progress,
		  created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.SessionID, step.MessageID, step.UserID, step.Iteration, string(step.Status),
		nullable(step.ReasoningContent), nullable(step.ToolName), nullable(step.ToolArguments),
		nullable(step.ToolCallID), nullable(step.ToolResult), nullable(step.ToolError),
		step.Progress, unix(step.CreatedAt), unix(step.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("append step: %w", err)
	}
	step.ID, err = res.LastInsertId()
	return err
}

func (s *StepStore) UpdateReasoning(ctx context.Context, id int64, reasoning string, progress float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE execution_steps SET reasoning_content = ?, progress = ?, updated_at = ? WHERE id = ?`,
		reasoning, progress, unix(time.Now().UTC()), id,
	)
	return err
}

const stepCols = `id, session_id, message_id, user_id, iteration, status, reasoning_content,
	tool_name, tool_arguments, tool_call_id, tool_result, tool_error, progress, created_at, updated_at`

func scanStep(sc interface{ Scan(...any) error }) (store.ExecutionStep, error) {
	var st store.ExecutionStep
	var status string
	var reasoning, toolName, toolArgs, toolCallID, toolResult, toolError sql.NullString
	var created, updated int64
	err := sc.Scan(&st.ID, &st.SessionID, &st.MessageID, &st.UserID, &st.Iteration, &status,
		&reasoning, &toolName, &toolArgs, &toolCallID, &toolResult, &toolError,
		&st.Progress, &created, &updated)
	if err != nil {
		return st, err
	}
	st.Status = store.StepStatus(status)
	st.ReasoningContent = text(reasoning)
	st.ToolName = text(toolName)
	st.ToolArguments = text(toolArgs)
	st.ToolCallID = text(toolCallID)
	st.ToolResult = text(toolResult)
	st.ToolError = text(toolError)
	st.CreatedAt, st.UpdatedAt = fromUnix(created), fromUnix(updated)
	return st, nil
}

func (s *StepStore) ListByMessage(ctx context.Context, messageID int64) ([]store.ExecutionStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepCols+` FROM execution_steps WHERE message_id = ? ORDER BY id ASC`, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.ExecutionStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *StepStore) LatestByMessage(ctx context.Context, messageID int64) (*store.ExecutionStep, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepCols+` FROM execution_steps WHERE message_id = ? ORDER BY id DESC LIMIT 1`, messageID)
	st, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// TodoStore implements store.TodoStore with one snapshot row per session.
type TodoStore struct{ db *sql.DB }

func (s *TodoStore) Replace(ctx context.Context, sessionID string, todos []store.TodoItem) error {
	if todos == nil {
		todos = []store.TodoItem{}
	}
	data, err := json.Marshal(todos)
	if err != nil {
		return fmt.Errorf("marshal todos: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO todo_snapshots (session_id, todos_json, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET todos_json = excluded.todos_json, updated_at = excluded.updated_at`,
		sessionID, string(data), unix(time.Now().UTC()),
	)
	return err
}

func (s *TodoStore) List(ctx context.Context, sessionID string) ([]store.TodoItem, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT todos_json FROM todo_snapshots WHERE session_id = ?`, sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var todos []store.TodoItem
	if err := json.Unmarshal([]byte(raw), &todos); err != nil {
		return nil, fmt.Errorf("parse todo snapshot: %w", err)
	}
	return todos, nil
}
