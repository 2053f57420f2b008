// Package tools implements the fixed tool set the model drives the
// sandbox with, plus the registry that dispatches calls by name.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nextlevelbuilder/webforge/internal/providers"
	"github.com/nextlevelbuilder/webforge/internal/sandbox"
	"github.com/nextlevelbuilder/webforge/internal/store"
)

// Tool is one named capability offered to the model. Execute returns the
// string fed back as the tool message; an error marks the call failed
// (the loop records a failed step and lets the model recover).
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Registry holds the tools of one session turn, keyed by name.
type Registry struct {
	tools   map[string]Tool
	timeout time.Duration
}

// RegistryConfig wires the per-session dependencies of the tool set.
type RegistryConfig struct {
	SessionID   string
	UserID      int64
	Sandbox     *sandbox.Service
	Todos       store.TodoStore
	ToolTimeout time.Duration // per-call budget, 0 = 30s
	BashTimeout time.Duration // bash subprocess budget, 0 = 30s
}

// NewRegistry builds the fixed tool set for one session.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 30 * time.Second
	}
	if cfg.BashTimeout <= 0 {
		cfg.BashTimeout = 30 * time.Second
	}
	r := &Registry{
		tools:   make(map[string]Tool),
		timeout: cfg.ToolTimeout,
	}
	r.register(&ListTool{fs: cfg.Sandbox, userID: cfg.UserID, sessionID: cfg.SessionID})
	r.register(&ReadTool{fs: cfg.Sandbox, userID: cfg.UserID, sessionID: cfg.SessionID})
	r.register(&WriteTool{fs: cfg.Sandbox, userID: cfg.UserID, sessionID: cfg.SessionID})
	r.register(&BashTool{dir: cfg.Sandbox.Dir(cfg.UserID, cfg.SessionID), timeout: cfg.BashTimeout})
	r.register(&CheckTool{dir: cfg.Sandbox.Dir(cfg.UserID, cfg.SessionID)})
	r.register(&TodoTool{todos: cfg.Todos, sessionID: cfg.SessionID})
	return r
}

func (r *Registry) register(t Tool) { r.tools[t.Name()] = t }

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Defs returns the provider-format definitions for all tools, in a
// stable order.
func (r *Registry) Defs() []providers.ToolDefinition {
	defs := make([]providers.ToolDefinition, 0, len(r.tools))
	for _, name := range r.Names() {
		t := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Execute parses the raw argument JSON and dispatches the named tool
// under the per-call timeout. Malformed argument JSON falls back to an
// empty object so the tool itself reports what is missing.
func (r *Registry) Execute(ctx context.Context, name, argsJSON string) (string, error) {
	tool, ok := r.tools[name]
	if !ok {
		available := strings.Join(r.Names(), ", ")
		return "", fmt.Errorf("未知的工具：%s。可用工具：%s", name, available)
	}

	args := map[string]any{}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			slog.Warn("tool arguments are not valid JSON, using empty object",
				"tool", name, "error", err)
			args = map[string]any{}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		result string
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		result, err := tool.Execute(ctx, args)
		ch <- outcome{result, err}
	}()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-ctx.Done():
		return "", fmt.Errorf("工具 %s 执行超时（>%s）", name, r.timeout)
	}
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}
