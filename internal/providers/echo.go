package providers

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// echoCall is the provider echo shape for one stored tool call:
// {id, type: "function", function: {name, arguments: "<JSON string>"}}.
type echoCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// MarshalToolCalls renders tool calls in the echo shape for storage.
// HTML escaping is disabled so stored bytes match what went on the wire.
func MarshalToolCalls(calls []ToolCall) (string, error) {
	if len(calls) == 0 {
		return "", nil
	}
	out := make([]echoCall, len(calls))
	for i, tc := range calls {
		out[i].ID = tc.ID
		out[i].Type = "function"
		out[i].Function.Name = tc.Name
		out[i].Function.Arguments = tc.Arguments
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(out); err != nil {
		return "", fmt.Errorf("marshal tool calls: %w", err)
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// ParseToolCalls reads a stored echo-shape array back into tool calls,
// preserving each arguments string as stored.
func ParseToolCalls(raw string) ([]ToolCall, error) {
	if raw == "" {
		return nil, nil
	}
	var stored []echoCall
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("parse tool calls: %w", err)
	}
	calls := make([]ToolCall, len(stored))
	for i, c := range stored {
		calls[i] = ToolCall{ID: c.ID, Name: c.Function.Name, Arguments: c.Function.Arguments}
	}
	return calls, nil
}
