// Package providers holds the streaming chat-completion client the agent
// loop drives. The wire protocol is the OpenAI-compatible chat API with
// DeepSeek's reasoning extension (reasoning_content on deltas and on
// echoed assistant messages).
package providers

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Provider is the interface the agent loop talks to.
type Provider interface {
	// Chat sends a non-streaming request and returns the full response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// ChatStream streams the response, invoking onEvent for each stream
	// event, and returns the final accumulated response. On a transport
	// error mid-stream it falls back to one non-streaming call.
	ChatStream(ctx context.Context, req ChatRequest, onEvent func(StreamEvent)) (*ChatResponse, error)

	// Name returns the provider identifier.
	Name() string
}

// Message is a conversation message in provider form.
//
// ToolCalls carries each call's arguments as the raw JSON string received
// from the provider; the string is echoed back byte-identical.
type Message struct {
	Role             string     `json:"role"`
	Content          string     `json:"content"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID       string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // raw JSON object string
}

// ToolDefinition describes one tool offered to the model.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function ToolFunctionSchema `json:"function"`
}

// ToolFunctionSchema is the JSON-schema description of a function tool.
type ToolFunctionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ChatRequest is the input for a Chat/ChatStream call.
type ChatRequest struct {
	Messages        []Message
	Tools           []ToolDefinition
	Model           string
	EnableReasoning bool
}

// ChatResponse is the accumulated result of one model turn.
type ChatResponse struct {
	Content          string
	ReasoningContent string
	ToolCalls        []ToolCall
	FinishReason     string // "stop", "tool_calls", "length"
}

// StreamEventType discriminates stream events.
type StreamEventType string

const (
	// EventReasoningDelta carries a new fragment of model thinking.
	EventReasoningDelta StreamEventType = "reasoning_delta"
	// EventToolCalls signals the turn ends with tool calls; emitted once.
	EventToolCalls StreamEventType = "tool_calls"
	// EventDone signals the turn ended with text only.
	EventDone StreamEventType = "done"
)

// StreamEvent is one event of a streaming response.
type StreamEvent struct {
	Type StreamEventType

	// Reasoning delta fields.
	Chunk       string
	Accumulated string

	// Finalization fields (tool_calls / done).
	Content   string
	Reasoning string
	ToolCalls []ToolCall
}

// HTTPError is a non-2xx response from the provider.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider HTTP %d: %s", e.Status, e.Body)
}

// Retryable reports whether the request may be retried.
func (e *HTTPError) Retryable() bool {
	return e.Status == 429 || e.Status >= 500
}

// ParseRetryAfter parses a Retry-After header value in seconds.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// ValidateRequest checks the outbound message shape against the
// provider's invariants before sending: an assistant message carrying
// tool_calls must also carry reasoning_content (the Go zero value "" is
// acceptable; the field is always serialized for such messages, see
// wireMessage), and a tool message must reference a tool_call_id.
func ValidateRequest(req ChatRequest) error {
	ids := make(map[string]bool)
	for i, m := range req.Messages {
		switch m.Role {
		case "assistant":
			for _, tc := range m.ToolCalls {
				if tc.ID == "" || tc.Name == "" {
					return fmt.Errorf("message %d: tool call missing id or name", i)
				}
				ids[tc.ID] = true
			}
		case "tool":
			if m.ToolCallID == "" {
				return fmt.Errorf("message %d: tool message without tool_call_id", i)
			}
			if !ids[m.ToolCallID] {
				return fmt.Errorf("message %d: tool_call_id %q has no preceding assistant tool call", i, m.ToolCallID)
			}
		}
	}
	return nil
}
