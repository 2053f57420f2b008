// Package pg implements the store interfaces on PostgreSQL.
// Schema is managed by golang-migrate (see migrations/).
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver

	"github.com/nextlevelbuilder/webforge/internal/store"
)

// Open connects to Postgres with the given DSN.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pg: ping: %w", err)
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
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO users (username, password_hash, created_at) VALUES ($1, $2, $3) RETURNING id`,
		u.Username, u.PasswordHash, u.CreatedAt,
	).Scan(&u.ID)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *UserStore) GetByUsername(ctx context.Context, username string) (*store.User, error) {
	return s.get(ctx, `SELECT id, username, password_hash, created_at FROM users WHERE username = $1`, username)
}

func (s *UserStore) GetByID(ctx context.Context, id int64) (*store.User, error) {
	return s.get(ctx, `SELECT id, username, password_hash, created_at FROM users WHERE id = $1`, id)
}

func (s *UserStore) get(ctx context.Context, query string, arg any) (*store.User, error) {
	var u store.User
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
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
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sess.ID, sess.UserID, sess.Title, sess.IsPublic, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, id string) (*store.Session, error) {
	var sess store.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, is_public, created_at, updated_at FROM sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.IsPublic, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *SessionStore) ListByUser(ctx context.Context, userID int64) ([]store.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, is_public, created_at, updated_at
		 FROM sessions WHERE user_id = $1 ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Session
	for rows.Next() {
		var sess store.Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.IsPublic, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SessionStore) Update(ctx context.Context, sess *store.Session) error {
	sess.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = $1, is_public = $2, updated_at = $3 WHERE id = $4`,
		sess.Title, sess.IsPublic, sess.UpdatedAt, sess.ID,
	)
	return err
}

func (s *SessionStore) Touch(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET updated_at = $1 WHERE id = $2`, time.Now().UTC(), id)
	return err
}

func (s *SessionStore) Delete(ctx context.Context, id string) error {
	for _, q := range []string{
		`DELETE FROM execution_steps WHERE session_id = $1`,
		`DELETE FROM messages WHERE session_id = $1`,
		`DELETE FROM todo_snapshots WHERE session_id = $1`,
		`DELETE FROM sessions WHERE id = $1`,
	} {
		if _, err := s.db.ExecContext(ctx, q, id); err != nil {
			return err
		}
	}
	return nil
}

// MessageStore implements store.MessageStore.
type MessageStore struct{ db *sql.DB }

const messageCols = `id, session_id, role, content, reasoning_content, tool_calls, tool_call_id, created_at`

func (s *MessageStore) Create(ctx context.Context, m *store.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO messages (session_id, role, content, reasoning_content, tool_calls, tool_call_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		m.SessionID, string(m.Role), m.Content,
		nullable(m.ReasoningContent), nullable(m.ToolCalls), nullable(m.ToolCallID),
		m.CreatedAt,
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

func scanMessage(sc interface{ Scan(...any) error }) (store.Message, error) {
	var m store.Message
	var role string
	var reasoning, toolCalls, toolCallID sql.NullString
	err := sc.Scan(&m.ID, &m.SessionID, &role, &m.Content, &reasoning, &toolCalls, &toolCallID, &m.CreatedAt)
	if err != nil {
		return m, err
	}
	m.Role = store.Role(role)
	m.ReasoningContent = text(reasoning)
	m.ToolCalls = text(toolCalls)
	m.ToolCallID = text(toolCallID)
	return m, nil
}

func (s *MessageStore) ListBySession(ctx context.Context, sessionID string) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageCols+` FROM messages WHERE session_id = $1 ORDER BY id ASC`, sessionID)
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
		 WHERE session_id = $1 AND role = 'assistant' ORDER BY id DESC LIMIT 1`, sessionID)
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
		 WHERE session_id = $1 AND role = 'system' ORDER BY id DESC LIMIT $2`, sessionID, k)
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
		`UPDATE messages SET content = $1, reasoning_content = $2, tool_calls = $3 WHERE id = $4`,
		content, nullable(reasoning), nullable(toolCalls), id,
	)
	return err
}

// StepStore implements store.StepStore.
type StepStore struct{ db *sql.DB }

const stepCols = `id, session_id, message_id, user_id, iteration, status, reasoning_content,
	tool_name, tool_arguments, tool_call_id, tool_result, tool_error, progress, created_at, updated_at`

func (s *StepStore) Append(ctx context.Context, step *store.ExecutionStep) error {
	if step.CreatedAt.IsZero() {
		step.CreatedAt = time.Now().UTC()
	}
	step.UpdatedAt = step.CreatedAt
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO execution_steps
		 (session_id, message_id, user_id, iteration, status, reasoning_content,
		  tool_name, tool_arguments, tool_call_id, tool_result, tool_error, progress,
		  created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14) RETURNING id`,
		step.SessionID, step.MessageID, step.UserID, step.Iteration, string(step.Status),
		nullable(step.ReasoningContent), nullable(step.ToolName), nullable(step.ToolArguments),
		nullable(step.ToolCallID), nullable(step.ToolResult), nullable(step.ToolError),
		step.Progress, step.CreatedAt, step.UpdatedAt,
	).Scan(&step.ID)
	if err != nil {
		return fmt.Errorf("append step: %w", err)
	}
	return nil
}

func (s *StepStore) UpdateReasoning(ctx context.Context, id int64, reasoning string, progress float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE execution_steps SET reasoning_content = $1, progress = $2, updated_at = $3 WHERE id = $4`,
		reasoning, progress, time.Now().UTC(), id,
	)
	return err
}

func scanStep(sc interface{ Scan(...any) error }) (store.ExecutionStep, error) {
	var st store.ExecutionStep
	var status string
	var reasoning, toolName, toolArgs, toolCallID, toolResult, toolError sql.NullString
	err := sc.Scan(&st.ID, &st.SessionID, &st.MessageID, &st.UserID, &st.Iteration, &status,
		&reasoning, &toolName, &toolArgs, &toolCallID, &toolResult, &toolError,
		&st.Progress, &st.CreatedAt, &st.UpdatedAt)
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
	return st, nil
}

func (s *StepStore) ListByMessage(ctx context.Context, messageID int64) ([]store.ExecutionStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepCols+` FROM execution_steps WHERE message_id = $1 ORDER BY id ASC`, messageID)
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
		`SELECT `+stepCols+` FROM execution_steps WHERE message_id = $1 ORDER BY id DESC LIMIT 1`, messageID)
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
		`INSERT INTO todo_snapshots (session_id, todos_json, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (session_id) DO UPDATE SET todos_json = EXCLUDED.todos_json, updated_at = EXCLUDED.updated_at`,
		sessionID, string(data), time.Now().UTC(),
	)
	return err
}

func (s *TodoStore) List(ctx context.Context, sessionID string) ([]store.TodoItem, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT todos_json FROM todo_snapshots WHERE session_id = $1`, sessionID).Scan(&raw)
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
