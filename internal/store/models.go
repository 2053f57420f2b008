package store

import (
	"encoding/json"
	"time"
)

// Role identifies who produced a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// StepStatus is the state of one execution step of the agent loop.
type StepStatus string

const (
	StepThinking      StepStatus = "thinking"
	StepToolCalling   StepStatus = "tool_calling"
	StepToolExecuting StepStatus = "tool_executing"
	StepToolCompleted StepStatus = "tool_completed"
	StepCompleted     StepStatus = "completed"
	StepFailed        StepStatus = "failed"
)

// Terminal reports whether a step status ends a turn's visible progress.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed
}

// User is a registered account. Only identity is relevant to the core.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Session is a user-scoped workspace: one conversation, one sandbox
// directory, one todo list.
type Session struct {
	ID        string    `json:"id"`
	UserID    int64     `json:"user_id"`
	Title     string    `json:"title"`
	IsPublic  bool      `json:"is_public"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is one entry in a session's chat history.
//
// ToolCalls holds the provider's tool-call array as its original JSON
// string; it is never rebuilt from parsed form, so the bytes echoed back
// to the provider match what it sent.
type Message struct {
	ID               int64     `json:"id"`
	SessionID        string    `json:"session_id"`
	Role             Role      `json:"role"`
	Content          string    `json:"content"`
	ReasoningContent string    `json:"reasoning_content,omitempty"`
	ToolCalls        string    `json:"-"`
	ToolCallID       string    `json:"tool_call_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// MarshalJSON renders tool_calls as parsed JSON for API consumers while
// the struct keeps the raw string internally.
func (m Message) MarshalJSON() ([]byte, error) {
	type alias Message
	out := struct {
		alias
		ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
	}{alias: alias(m)}
	if m.ToolCalls != "" && json.Valid([]byte(m.ToolCalls)) {
		out.ToolCalls = json.RawMessage(m.ToolCalls)
	}
	return json.Marshal(out)
}

// ExecutionStep is one durably recorded transition of the agent loop.
type ExecutionStep struct {
	ID               int64      `json:"id"`
	SessionID        string     `json:"session_id"`
	MessageID        int64      `json:"message_id"`
	UserID           int64      `json:"-"`
	Iteration        int        `json:"iteration"`
	Status           StepStatus `json:"status"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolName         string     `json:"tool_name,omitempty"`
	ToolArguments    string     `json:"-"`
	ToolCallID       string     `json:"tool_call_id,omitempty"`
	ToolResult       string     `json:"tool_result,omitempty"`
	ToolError        string     `json:"tool_error,omitempty"`
	Progress         float64    `json:"progress"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// MarshalJSON renders tool_arguments as a parsed object (clients consume
// structured arguments; the stored form stays the provider's raw string).
func (s ExecutionStep) MarshalJSON() ([]byte, error) {
	type alias ExecutionStep
	out := struct {
		alias
		ToolArguments json.RawMessage `json:"tool_arguments,omitempty"`
	}{alias: alias(s)}
	if s.ToolArguments != "" && json.Valid([]byte(s.ToolArguments)) {
		out.ToolArguments = json.RawMessage(s.ToolArguments)
	}
	return json.Marshal(out)
}

// Todo status values.
const (
	TodoPending    = "pending"
	TodoInProgress = "in_progress"
	TodoCompleted  = "completed"
)

// TodoItem is one entry of a session's task snapshot.
type TodoItem struct {
	Content    string `json:"content"`
	Status     string `json:"status"`
	ActiveForm string `json:"activeForm"`
}
