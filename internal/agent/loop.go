// Package agent drives the think→act loop for one user turn: prompt
// assembly, provider streaming, tool dispatch, durable step recording
// and live event fan-out.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/webforge/internal/bus"
	"github.com/nextlevelbuilder/webforge/internal/providers"
	"github.com/nextlevelbuilder/webforge/internal/sandbox"
	"github.com/nextlevelbuilder/webforge/internal/store"
	"github.com/nextlevelbuilder/webforge/internal/tools"
)

// toolResultStepLimit bounds the result prefix stored on a
// tool_completed step; the tool message keeps the full text.
const toolResultStepLimit = 1000

// errorSentinel prefixes the assistant content when a turn dies on an
// unrecoverable loop error.
const errorSentinel = "AI服务出错："

// Config tunes the loop.
type Config struct {
	MaxIterations   int
	EnableReasoning bool
	Streaming       bool
	ToolTimeout     time.Duration
	BashTimeout     time.Duration
	MaxToolCalls    int // per assistant message; extra calls are dropped
}

// Loop is the agent execution engine shared by all sessions. Per-turn
// state lives on the stack of Run.
type Loop struct {
	provider  providers.Provider
	stores    *store.Stores
	fs        *sandbox.Service
	hub       *bus.Hub
	assembler *Assembler
	cfg       Config
	tracer    trace.Tracer
}

// New creates the loop engine.
func New(provider providers.Provider, stores *store.Stores, fs *sandbox.Service, hub *bus.Hub, assembler *Assembler, cfg Config) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 100
	}
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = 20
	}
	return &Loop{
		provider:  provider,
		stores:    stores,
		fs:        fs,
		hub:       hub,
		assembler: assembler,
		cfg:       cfg,
		tracer:    otel.Tracer("webforge/agent"),
	}
}

// Turn identifies one user turn: the session, its owner, and the empty
// assistant message row created by the create-message handler.
type Turn struct {
	SessionID   string
	UserID      int64
	AssistantID int64
}

// Run executes the full turn. It is launched as a background goroutine
// by the create-message handler; all failures are folded into the
// assistant message and the session's event stream.
func (l *Loop) Run(ctx context.Context, turn Turn) {
	ctx, span := l.tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("session.id", turn.SessionID),
		attribute.Int64("message.id", turn.AssistantID),
	))
	defer span.End()

	// Hold the event queue for the whole turn so live consumers never
	// observe it being destroyed mid-run.
	l.hub.Acquire(turn.SessionID)
	defer l.hub.Release(turn.SessionID)

	if err := l.runTurn(ctx, turn); err != nil {
		slog.Error("agent loop failed", "session", turn.SessionID, "message", turn.AssistantID, "error", err)
		span.RecordError(err)

		// Finalize durably first, then notify: a reconnecting client
		// must see the failure in the stores even if the event is lost.
		if ferr := l.stores.Messages.Finalize(ctx, turn.AssistantID, errorSentinel+err.Error(), "", ""); ferr != nil {
			slog.Error("failed to finalize assistant message after error", "error", ferr)
		}
		l.hub.Publish(turn.SessionID, bus.Event{
			Name:    bus.EventError,
			Payload: map[string]any{"error": err.Error()},
		})
	}
}

func (l *Loop) runTurn(ctx context.Context, turn Turn) error {
	messages, err := l.assembler.Build(ctx, turn.SessionID, turn.UserID, turn.AssistantID)
	if err != nil {
		return err
	}

	registry := tools.NewRegistry(tools.RegistryConfig{
		SessionID:   turn.SessionID,
		UserID:      turn.UserID,
		Sandbox:     l.fs,
		Todos:       l.stores.Todos,
		ToolTimeout: l.cfg.ToolTimeout,
		BashTimeout: l.cfg.BashTimeout,
	})
	toolDefs := registry.Defs()

	var contentParts []string
	var finalReasoning string
	var finalToolCalls []providers.ToolCall
	iteration := 0

	for iteration < l.cfg.MaxIterations {
		iteration++

		// A fresh thinking row per iteration; reasoning deltas grow it
		// in place as the stream advances.
		thinking := &store.ExecutionStep{
			SessionID: turn.SessionID,
			MessageID: turn.AssistantID,
			UserID:    turn.UserID,
			Iteration: iteration,
			Status:    store.StepThinking,
			Progress:  progressThinking(iteration),
		}
		if err := l.saveStep(ctx, turn.SessionID, thinking); err != nil {
			return err
		}

		resp, err := l.callProvider(ctx, turn, messages, toolDefs, iteration, thinking)
		if err != nil {
			l.failStep(ctx, turn, iteration, "", "", "", err)
			return fmt.Errorf("LLM call failed (iteration %d): %w", iteration, err)
		}

		if resp.Content != "" {
			contentParts = append(contentParts, resp.Content)
		}
		if resp.ReasoningContent != "" {
			finalReasoning = resp.ReasoningContent
		}

		// Provider echo shape for the next iteration's input: content,
		// tool calls with their original argument strings, and the
		// reasoning text (mandatory alongside tool_calls).
		assistantMsg := providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}
		if len(resp.ToolCalls) > 0 {
			assistantMsg.ReasoningContent = resp.ReasoningContent
			finalToolCalls = resp.ToolCalls
		} else if resp.ReasoningContent != "" {
			assistantMsg.ReasoningContent = resp.ReasoningContent
		}
		messages = append(messages, assistantMsg)

		if len(resp.ToolCalls) == 0 {
			break
		}

		// The stream finalized with tool calls: record the transition
		// with the reasoning accumulated so far before dispatching.
		calling := &store.ExecutionStep{
			SessionID:        turn.SessionID,
			MessageID:        turn.AssistantID,
			UserID:           turn.UserID,
			Iteration:        iteration,
			Status:           store.StepToolCalling,
			ReasoningContent: resp.ReasoningContent,
			Progress:         progressToolCalling(iteration),
		}
		if err := l.saveStep(ctx, turn.SessionID, calling); err != nil {
			return err
		}

		calls := resp.ToolCalls
		if len(calls) > l.cfg.MaxToolCalls {
			slog.Warn("tool call count exceeds limit, dropping extras",
				"session", turn.SessionID, "count", len(calls), "limit", l.cfg.MaxToolCalls)
			calls = calls[:l.cfg.MaxToolCalls]
		}

		for _, tc := range calls {
			toolMsg, err := l.dispatchToolCall(ctx, turn, registry, iteration, tc)
			if err != nil {
				return err
			}
			messages = append(messages, toolMsg)
		}
	}

	// Terminal step: the turn's visible progress completes even when the
	// iteration budget ran out with tool calls still pending.
	completed := &store.ExecutionStep{
		SessionID: turn.SessionID,
		MessageID: turn.AssistantID,
		UserID:    turn.UserID,
		Iteration: iteration,
		Status:    store.StepCompleted,
		Progress:  progressDone,
	}
	if err := l.saveStep(ctx, turn.SessionID, completed); err != nil {
		return err
	}

	toolCallsJSON := ""
	if len(finalToolCalls) > 0 {
		if toolCallsJSON, err = providers.MarshalToolCalls(finalToolCalls); err != nil {
			return err
		}
	}
	finalContent := strings.Join(contentParts, "\n\n")
	if err := l.stores.Messages.Finalize(ctx, turn.AssistantID, finalContent, finalReasoning, toolCallsJSON); err != nil {
		return fmt.Errorf("finalize assistant message: %w", err)
	}
	if err := l.stores.Sessions.Touch(ctx, turn.SessionID); err != nil {
		slog.Warn("failed to bump session timestamp", "session", turn.SessionID, "error", err)
	}

	l.hub.Publish(turn.SessionID, bus.Event{
		Name:    bus.EventDone,
		Payload: map[string]any{"done": true},
	})
	slog.Info("agent turn completed", "session", turn.SessionID, "message", turn.AssistantID, "iterations", iteration)
	return nil
}

// callProvider performs one model call, streaming when enabled. The
// thinking step is updated in place for each reasoning delta, and a
// thinking_delta event follows every update.
func (l *Loop) callProvider(ctx context.Context, turn Turn, messages []providers.Message, toolDefs []providers.ToolDefinition, iteration int, thinking *store.ExecutionStep) (*providers.ChatResponse, error) {
	ctx, span := l.tracer.Start(ctx, "llm.chat", trace.WithAttributes(
		attribute.Int("iteration", iteration),
		attribute.Int("messages", len(messages)),
	))
	defer span.End()

	req := providers.ChatRequest{
		Messages:        messages,
		Tools:           toolDefs,
		EnableReasoning: l.cfg.EnableReasoning,
	}

	if !l.cfg.Streaming {
		resp, err := l.provider.Chat(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp.ReasoningContent != "" {
			l.updateThinking(ctx, turn, thinking, resp.ReasoningContent, iteration)
		}
		return resp, nil
	}

	return l.provider.ChatStream(ctx, req, func(ev providers.StreamEvent) {
		if ev.Type == providers.EventReasoningDelta {
			l.updateThinking(ctx, turn, thinking, ev.Accumulated, iteration)
		}
	})
}

// updateThinking grows the in-flight thinking row and emits a
// thinking_delta event carrying the updated step. Durable write first,
// event second.
func (l *Loop) updateThinking(ctx context.Context, turn Turn, thinking *store.ExecutionStep, accumulated string, iteration int) {
	progress := progressReasoning(iteration)
	if err := l.stores.Steps.UpdateReasoning(ctx, thinking.ID, accumulated, progress); err != nil {
		slog.Warn("failed to update thinking step", "step", thinking.ID, "error", err)
		return
	}
	thinking.ReasoningContent = accumulated
	thinking.Progress = progress
	thinking.UpdatedAt = time.Now().UTC()

	l.hub.Publish(turn.SessionID, bus.Event{
		Name:    bus.EventThinkingDelta,
		Payload: stepPayload(thinking),
		ID:      fmt.Sprintf("step_%d", thinking.ID),
	})
}

// dispatchToolCall runs one tool call through its step transitions and
// returns the provider-format tool message for the next iteration.
// Tool failures do not abort the turn: the error is recorded as a failed
// step and fed back to the model as the tool result.
func (l *Loop) dispatchToolCall(ctx context.Context, turn Turn, registry *tools.Registry, iteration int, tc providers.ToolCall) (providers.Message, error) {
	ctx, span := l.tracer.Start(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("tool.name", tc.Name),
		attribute.String("tool.call_id", tc.ID),
	))
	defer span.End()

	base := store.ExecutionStep{
		SessionID:     turn.SessionID,
		MessageID:     turn.AssistantID,
		UserID:        turn.UserID,
		Iteration:     iteration,
		ToolName:      tc.Name,
		ToolArguments: tc.Arguments,
		ToolCallID:    tc.ID,
	}

	calling := base
	calling.Status = store.StepToolCalling
	calling.Progress = progressToolCalling(iteration)
	if err := l.saveStep(ctx, turn.SessionID, &calling); err != nil {
		return providers.Message{}, err
	}

	executing := base
	executing.Status = store.StepToolExecuting
	executing.Progress = progressToolExecuting(iteration)
	if err := l.saveStep(ctx, turn.SessionID, &executing); err != nil {
		return providers.Message{}, err
	}

	slog.Info("tool call", "session", turn.SessionID, "tool", tc.Name, "args_len", len(tc.Arguments))
	result, execErr := registry.Execute(ctx, tc.Name, tc.Arguments)

	var toolContent string
	if execErr != nil {
		toolContent = fmt.Sprintf("工具 %s 执行失败: %v", tc.Name, execErr)
		span.RecordError(execErr)
		slog.Warn("tool error", "session", turn.SessionID, "tool", tc.Name, "error", execErr)

		failed := base
		failed.Status = store.StepFailed
		failed.ToolError = toolContent
		failed.Progress = progressToolCompleted(iteration)
		if err := l.saveStep(ctx, turn.SessionID, &failed); err != nil {
			return providers.Message{}, err
		}
	} else {
		toolContent = result

		done := base
		done.Status = store.StepToolCompleted
		done.ToolResult = truncate(result, toolResultStepLimit)
		done.Progress = progressToolCompleted(iteration)
		if err := l.saveStep(ctx, turn.SessionID, &done); err != nil {
			return providers.Message{}, err
		}
	}

	// Commit the tool message immediately so the next iteration's prompt
	// assembly sees it.
	toolMessage := &store.Message{
		SessionID:  turn.SessionID,
		Role:       store.RoleTool,
		Content:    toolContent,
		ToolCallID: tc.ID,
	}
	if err := l.stores.Messages.Create(ctx, toolMessage); err != nil {
		return providers.Message{}, fmt.Errorf("persist tool message: %w", err)
	}

	if execErr == nil && tc.Name == "todo" {
		l.publishTodosUpdate(turn.SessionID, result)
	}

	return providers.Message{
		Role:       "tool",
		Content:    toolContent,
		ToolCallID: tc.ID,
	}, nil
}

// publishTodosUpdate mirrors a successful todo snapshot onto the event
// stream so the UI updates without polling.
func (l *Loop) publishTodosUpdate(sessionID, result string) {
	var summary tools.Summary
	if err := json.Unmarshal([]byte(result), &summary); err != nil {
		slog.Warn("todo result is not a summary, skipping event", "error", err)
		return
	}
	l.hub.Publish(sessionID, bus.Event{
		Name:    bus.EventTodosUpdate,
		Payload: summary,
	})
}

// failStep records a terminal failed step so no turn ends with its last
// step in a non-terminal status.
func (l *Loop) failStep(ctx context.Context, turn Turn, iteration int, toolName, args, callID string, cause error) {
	failed := &store.ExecutionStep{
		SessionID:     turn.SessionID,
		MessageID:     turn.AssistantID,
		UserID:        turn.UserID,
		Iteration:     iteration,
		Status:        store.StepFailed,
		ToolName:      toolName,
		ToolArguments: args,
		ToolCallID:    callID,
		ToolError:     cause.Error(),
		Progress:      progressThinking(iteration),
	}
	if err := l.saveStep(ctx, turn.SessionID, failed); err != nil {
		slog.Error("failed to record failed step", "error", err)
	}
}

// saveStep persists a step row, then emits its event. The write commits
// before the event so replay via the step store is always at least as
// complete as the live stream.
func (l *Loop) saveStep(ctx context.Context, sessionID string, step *store.ExecutionStep) error {
	if err := l.stores.Steps.Append(ctx, step); err != nil {
		return fmt.Errorf("persist %s step: %w", step.Status, err)
	}
	l.hub.Publish(sessionID, bus.Event{
		Name:    eventName(step.Status),
		Payload: stepPayload(step),
		ID:      fmt.Sprintf("step_%d", step.ID),
	})
	return nil
}

func eventName(status store.StepStatus) string {
	switch status {
	case store.StepThinking:
		return bus.EventThinking
	case store.StepToolCalling:
		return bus.EventToolCalling
	case store.StepToolExecuting:
		return bus.EventToolExecuting
	case store.StepToolCompleted:
		return bus.EventToolCompleted
	case store.StepCompleted:
		return bus.EventCompleted
	case store.StepFailed:
		return bus.EventFailed
	default:
		return "step"
	}
}

func stepPayload(step *store.ExecutionStep) map[string]any {
	return map[string]any{"type": "step", "data": step}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
