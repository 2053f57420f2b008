package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/webforge/internal/store"
)

// TodoTool replaces the session's task snapshot with the submitted list
// and returns a JSON summary with per-status counts.
type TodoTool struct {
	todos     store.TodoStore
	sessionID string
}

func (t *TodoTool) Name() string { return "todo" }

func (t *TodoTool) Description() string {
	return "任务列表管理工具。用于记录和追踪任务进度。\n" +
		"每次调用会完全替换当前 session 的 todo 列表。\n" +
		"状态类型：pending（待处理）、in_progress（进行中）、completed（已完成）"
}

func (t *TodoTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"todos": map[string]any{
				"type":        "array",
				"description": "完整的任务列表",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"content": map[string]any{
							"type":        "string",
							"description": "任务描述（祈使句形式，如：创建 HTML 结构）",
						},
						"status": map[string]any{
							"type":        "string",
							"enum":        []string{"pending", "in_progress", "completed"},
							"description": "任务状态",
						},
						"activeForm": map[string]any{
							"type":        "string",
							"description": "任务的进行时形式（如：正在创建 HTML 结构）",
						},
					},
					"required": []string{"content", "status", "activeForm"},
				},
			},
		},
		"required": []string{"todos"},
	}
}

// Summary is the structured result returned to the model and mirrored on
// the todos_update event.
type Summary struct {
	Todos      []store.TodoItem `json:"todos"`
	Total      int              `json:"total"`
	Completed  int              `json:"completed"`
	InProgress int              `json:"in_progress"`
	Pending    int              `json:"pending"`
}

func (t *TodoTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	raw, ok := args["todos"]
	if !ok {
		return "错误：必须提供 todos 参数", nil
	}
	// Round-trip through JSON to coerce the generic decode into items.
	data, err := json.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("序列化 todos 失败: %w", err)
	}
	var todos []store.TodoItem
	if err := json.Unmarshal(data, &todos); err != nil {
		return "错误：todos 必须是 {content, status, activeForm} 对象数组", nil
	}

	if err := t.todos.Replace(ctx, t.sessionID, todos); err != nil {
		return "", fmt.Errorf("保存任务列表失败: %w", err)
	}

	summary := Summarize(todos)
	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Summarize counts a snapshot's items by status.
func Summarize(todos []store.TodoItem) Summary {
	s := Summary{Todos: todos, Total: len(todos)}
	if s.Todos == nil {
		s.Todos = []store.TodoItem{}
	}
	for _, item := range todos {
		switch item.Status {
		case store.TodoCompleted:
			s.Completed++
		case store.TodoInProgress:
			s.InProgress++
		default:
			s.Pending++
		}
	}
	return s
}
