package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"
)

// DeepSeekProvider implements Provider for the DeepSeek chat API (and any
// other OpenAI-compatible endpoint). Reasoning mode streams
// reasoning_content deltas and requires the reasoning_content field to be
// echoed on every assistant message that carries tool_calls.
type DeepSeekProvider struct {
	name          string
	apiKey        string
	apiBase       string
	model         string
	reasonerModel string
	client        *http.Client
	retryConfig   RetryConfig
}

// NewDeepSeekProvider creates a DeepSeek client. reasonerModel is used
// when a request enables reasoning; model otherwise.
func NewDeepSeekProvider(apiKey, apiBase, model, reasonerModel string) *DeepSeekProvider {
	if apiBase == "" {
		apiBase = "https://api.deepseek.com"
	}
	apiBase = strings.TrimRight(apiBase, "/")
	if model == "" {
		model = "deepseek-chat"
	}
	if reasonerModel == "" {
		reasonerModel = "deepseek-reasoner"
	}
	return &DeepSeekProvider{
		name:          "deepseek",
		apiKey:        apiKey,
		apiBase:       apiBase,
		model:         model,
		reasonerModel: reasonerModel,
		client:        &http.Client{Timeout: 300 * time.Second},
		retryConfig:   DefaultRetryConfig(),
	}
}

func (p *DeepSeekProvider) Name() string { return p.name }

func (p *DeepSeekProvider) resolveModel(req ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	if req.EnableReasoning {
		return p.reasonerModel
	}
	return p.model
}

// Chat sends a non-streaming request.
func (p *DeepSeekProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, fmt.Errorf("%s: invalid request: %w", p.name, err)
	}
	body := p.buildRequestBody(req, false)

	return RetryDo(ctx, p.retryConfig, func() (*ChatResponse, error) {
		respBody, err := p.doRequest(ctx, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var apiResp apiResponse
		if err := json.NewDecoder(respBody).Decode(&apiResp); err != nil {
			return nil, fmt.Errorf("%s: decode response: %w", p.name, err)
		}
		return p.parseResponse(&apiResp), nil
	})
}

// ChatStream streams the response. Reasoning fragments arrive as
// EventReasoningDelta; the terminal event is EventToolCalls when the turn
// ends with tool calls, EventDone otherwise. If the stream breaks after
// the connection was established, it falls back to one non-streaming
// call and synthesizes the terminal event from that.
func (p *DeepSeekProvider) ChatStream(ctx context.Context, req ChatRequest, onEvent func(StreamEvent)) (*ChatResponse, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, fmt.Errorf("%s: invalid request: %w", p.name, err)
	}
	body := p.buildRequestBody(req, true)

	// Retry only the connection phase; once streaming starts, a broken
	// stream falls through to the non-streaming fallback below.
	respBody, err := RetryDo(ctx, p.retryConfig, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, body)
	})
	if err != nil {
		return nil, err
	}

	resp, streamErr := p.consumeStream(ctx, respBody, onEvent)
	respBody.Close()
	if streamErr == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	slog.Warn("provider stream broken, falling back to non-streaming call",
		"provider", p.name, "error", streamErr)

	resp, err = p.Chat(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s: stream failed (%v) and fallback failed: %w", p.name, streamErr, err)
	}
	p.emitTerminal(resp, onEvent)
	return resp, nil
}

// consumeStream reads SSE lines, accumulating content, reasoning and
// indexed tool-call fragments.
func (p *DeepSeekProvider) consumeStream(ctx context.Context, body io.Reader, onEvent func(StreamEvent)) (*ChatResponse, error) {
	result := &ChatResponse{FinishReason: "stop"}
	accumulators := make(map[int]*toolCallAccumulator)
	var reasoning strings.Builder

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}

		var chunk apiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		delta := choice.Delta
		if delta.ReasoningContent != "" {
			reasoning.WriteString(delta.ReasoningContent)
			if onEvent != nil {
				onEvent(StreamEvent{
					Type:        EventReasoningDelta,
					Chunk:       delta.ReasoningContent,
					Accumulated: reasoning.String(),
				})
			}
		}
		if delta.Content != "" {
			result.Content += delta.Content
		}

		for _, tc := range delta.ToolCalls {
			acc, ok := accumulators[tc.Index]
			if !ok {
				acc = &toolCallAccumulator{}
				accumulators[tc.Index] = acc
			}
			if tc.ID != "" {
				acc.id = tc.ID
			}
			if tc.Function.Name != "" {
				acc.name = strings.TrimSpace(tc.Function.Name)
			}
			acc.args.WriteString(tc.Function.Arguments)
		}

		if choice.FinishReason != "" {
			result.FinishReason = choice.FinishReason
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	result.ReasoningContent = reasoning.String()
	result.ToolCalls = finalizeToolCalls(accumulators)
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}
	p.emitTerminal(result, onEvent)
	return result, nil
}

func (p *DeepSeekProvider) emitTerminal(resp *ChatResponse, onEvent func(StreamEvent)) {
	if onEvent == nil {
		return
	}
	if len(resp.ToolCalls) > 0 {
		onEvent(StreamEvent{
			Type:      EventToolCalls,
			Content:   resp.Content,
			Reasoning: resp.ReasoningContent,
			ToolCalls: resp.ToolCalls,
		})
		return
	}
	onEvent(StreamEvent{
		Type:      EventDone,
		Content:   resp.Content,
		Reasoning: resp.ReasoningContent,
	})
}

type toolCallAccumulator struct {
	id   string
	name string
	args strings.Builder
}

// finalizeToolCalls orders accumulated calls by stream index and keeps
// each argument string exactly as concatenated from the wire.
func finalizeToolCalls(accs map[int]*toolCallAccumulator) []ToolCall {
	if len(accs) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(accs))
	for i := range accs {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	out := make([]ToolCall, 0, len(accs))
	for _, i := range indexes {
		acc := accs[i]
		args := acc.args.String()
		if args == "" {
			args = "{}"
		}
		out = append(out, ToolCall{ID: acc.id, Name: acc.name, Arguments: args})
	}
	return out
}

// buildRequestBody converts messages to the OpenAI wire format. Tool call
// arguments are embedded as their original JSON strings; an assistant
// message carrying tool_calls always serializes a reasoning_content field
// (possibly the empty string); DeepSeek rejects the echo otherwise.
func (p *DeepSeekProvider) buildRequestBody(req ChatRequest, stream bool) map[string]any {
	msgs := make([]map[string]any, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, wireMessage(m))
	}

	body := map[string]any{
		"model":    p.resolveModel(req),
		"messages": msgs,
		"stream":   stream,
	}
	if len(req.Tools) > 0 {
		body["tools"] = req.Tools
		body["tool_choice"] = "auto"
	}
	if req.EnableReasoning {
		body["thinking"] = map[string]any{"type": "enabled"}
	}
	return body
}

// wireMessage renders one message for the request body.
func wireMessage(m Message) map[string]any {
	msg := map[string]any{
		"role":    m.Role,
		"content": m.Content,
	}
	if len(m.ToolCalls) > 0 {
		calls := make([]map[string]any, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			calls[i] = map[string]any{
				"id":   tc.ID,
				"type": "function",
				"function": map[string]any{
					"name":      tc.Name,
					"arguments": tc.Arguments,
				},
			}
		}
		msg["tool_calls"] = calls
		// Required field whenever tool_calls is present, even when empty.
		msg["reasoning_content"] = m.ReasoningContent
	} else if m.ReasoningContent != "" {
		msg["reasoning_content"] = m.ReasoningContent
	}
	if m.ToolCallID != "" {
		msg["tool_call_id"] = m.ToolCallID
	}
	return msg
}

func (p *DeepSeekProvider) doRequest(ctx context.Context, body any) (io.ReadCloser, error) {
	// Encode without HTML escaping so echoed tool-call argument strings
	// keep their original bytes.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(body); err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.apiBase+"/chat/completions", bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", p.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("%s: %s", p.name, string(respBody)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

func (p *DeepSeekProvider) parseResponse(resp *apiResponse) *ChatResponse {
	result := &ChatResponse{FinishReason: "stop"}
	if len(resp.Choices) == 0 {
		return result
	}
	msg := resp.Choices[0].Message
	result.Content = msg.Content
	result.ReasoningContent = msg.ReasoningContent
	result.FinishReason = resp.Choices[0].FinishReason

	for _, tc := range msg.ToolCalls {
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      strings.TrimSpace(tc.Function.Name),
			Arguments: args,
		})
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}
	return result
}

// Wire types for responses and stream chunks.

type apiResponse struct {
	Choices []struct {
		Message      apiMessage `json:"message"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
}

type apiMessage struct {
	Content          string        `json:"content"`
	ReasoningContent string        `json:"reasoning_content"`
	ToolCalls        []apiToolCall `json:"tool_calls"`
}

type apiToolCall struct {
	ID       string `json:"id"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type apiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}
