package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/webforge/internal/providers"
	"github.com/nextlevelbuilder/webforge/internal/sandbox"
	"github.com/nextlevelbuilder/webforge/internal/store"
)

// systemPrompt is the fixed web-dev assistant contract sent as the
// leading system message of every provider request.
const systemPrompt = `你是一个专业的网页开发AI助手，通过工具调用在沙箱环境中帮助用户构建Web应用。

## 可用工具

1. **todo** - 任务列表管理（每次调用完全替换当前任务列表）
2. **list** - 列出沙箱中的所有文件
3. **read** - 读取文件内容
4. **write** - 创建或修改文件（会完全覆盖）
5. **bash** - 执行bash命令（ls, cat, mkdir, rm, mv, grep等）
6. **check** - 代码质量检查（type: html|css|js|all）

## 实现偏好（非常重要）

- 默认使用原生 HTML、CSS、JavaScript 实现功能。
- 不要使用任何前端框架或库：React、Vue、Svelte、Angular、jQuery 等。
- 不要使用 JSX、TSX 或 TypeScript；仅使用原生 ES6+。
- 不要引入打包/构建工具或包管理：Vite、Webpack、Rollup、Babel、npm/pnpm/yarn 等。
- 不要通过 CDN 引入大型 UI/JS 框架（如 Bootstrap、Tailwind 等），除非用户明确要求。
- 优先使用三文件结构：index.html、style.css、script.js；脚本用普通 <script> 标签即可。

## 代码质量与安全

- 使用语义化 HTML、响应式 CSS（flex/grid），现代 ES6+ 语法。
- 处理用户输入时避免使用 innerHTML 拼接，使用 textContent 或安全的 DOM API。
- 避免全局变量污染；可访问性：合理使用 label、aria-* 属性。

## 工作流程

1. 用 **todo** 分解任务
2. 用 **list** 查看现有文件
3. 用 **read** 读取要修改的文件
4. 用 **write** 创建/修改文件（修改前务必先 read）
5. 用 **check** 验证代码质量
6. 向用户简洁说明改动点与使用方式

## 注意事项

- 始终用中文与用户交流。
- 回答中不要粘贴完整代码，重点说明做了什么与如何使用；完整代码请写入文件。`

// noteTrimLen bounds each recent system note injected into the
// contextual prompt.
const noteTrimLen = 150

// ContextInputs is the session state folded into each user message.
type ContextInputs struct {
	Files           []string
	Pending         []store.TodoItem
	RecentCompleted []store.TodoItem
	RecentNotes     []string // oldest first, already trimmed
}

// ContextualUserPrompt rewrites a user message with the current sandbox
// listing, todo state and recent system notes so the model always sees
// ground truth, then the original text under its own header.
func ContextualUserPrompt(in ContextInputs, userMessage string) string {
	var parts []string

	if len(in.Files) > 0 {
		parts = append(parts, "## 当前沙箱文件")
		for _, name := range in.Files {
			parts = append(parts, "- "+name)
		}
		parts = append(parts, "")
	}

	if len(in.Pending) > 0 {
		parts = append(parts, fmt.Sprintf("## 待办任务（%d项）", len(in.Pending)))
		for i, todo := range in.Pending {
			parts = append(parts, fmt.Sprintf("%d. %s", i+1, todo.Content))
		}
		parts = append(parts, "")
	}

	if len(in.RecentCompleted) > 0 {
		parts = append(parts, fmt.Sprintf("## 已完成任务（最近%d项）", len(in.RecentCompleted)))
		for i, todo := range in.RecentCompleted {
			parts = append(parts, fmt.Sprintf("%d. %s ✓", i+1, todo.Content))
		}
		parts = append(parts, "")
	}

	if len(in.RecentNotes) > 0 {
		parts = append(parts, "## 最近操作")
		for _, note := range in.RecentNotes {
			parts = append(parts, "- "+note)
		}
		parts = append(parts, "")
	}

	parts = append(parts, "## 用户消息", userMessage)
	return strings.Join(parts, "\n")
}

// TrimNote shortens a system note for context injection.
func TrimNote(content string) string {
	if runes := []rune(content); len(runes) > noteTrimLen {
		return string(runes[:noteTrimLen]) + "..."
	}
	return content
}

// TruncateUserInput caps a new user message before persistence,
// appending the warning marker when anything was cut.
func TruncateUserInput(content string, max int, warning string) string {
	if max <= 0 || len(content) <= max {
		return content
	}
	return content[:max] + warning
}

// Assembler builds the provider-bound message array for a session.
type Assembler struct {
	Messages   store.MessageStore
	Todos      store.TodoStore
	Sandbox    *sandbox.Service
	MaxHistory int
	Truncation bool
}

// Build returns the ordered provider messages: the fixed system prompt,
// then the stored history with user messages rewritten to contextual
// prompts and assistant/tool messages in provider echo shape, truncated
// per the history strategy when enabled. excludeID names the assistant
// row being built this turn; it is still empty and must not be sent.
func (a *Assembler) Build(ctx context.Context, sessionID string, userID, excludeID int64) ([]providers.Message, error) {
	stored, err := a.Messages.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	in, err := a.gatherContext(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	out := make([]providers.Message, 0, len(stored)+1)
	out = append(out, providers.Message{Role: "system", Content: systemPrompt})

	for _, m := range stored {
		if m.ID == excludeID {
			continue
		}
		switch m.Role {
		case store.RoleUser:
			out = append(out, providers.Message{
				Role:    "user",
				Content: ContextualUserPrompt(in, m.Content),
			})
		case store.RoleAssistant:
			msg := providers.Message{Role: "assistant", Content: m.Content}
			if m.ToolCalls != "" {
				calls, err := providers.ParseToolCalls(m.ToolCalls)
				if err != nil {
					return nil, fmt.Errorf("message %d: %w", m.ID, err)
				}
				msg.ToolCalls = calls
				// Provider requirement: reasoning must ride along with
				// tool_calls, verbatim, even when empty.
				msg.ReasoningContent = m.ReasoningContent
			}
			out = append(out, msg)
		case store.RoleTool:
			out = append(out, providers.Message{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		case store.RoleSystem:
			out = append(out, providers.Message{Role: "system", Content: m.Content})
		}
	}

	if a.Truncation {
		out = Truncate(out, a.MaxHistory)
	}
	return out, nil
}

func (a *Assembler) gatherContext(ctx context.Context, sessionID string, userID int64) (ContextInputs, error) {
	var in ContextInputs

	files, err := a.Sandbox.List(userID, sessionID)
	if err != nil {
		return in, fmt.Errorf("list sandbox: %w", err)
	}
	in.Files = files

	todos, err := a.Todos.List(ctx, sessionID)
	if err != nil {
		return in, fmt.Errorf("load todos: %w", err)
	}
	in.Pending = store.Pending(todos)
	in.RecentCompleted = store.RecentCompleted(todos, 5)

	notes, err := a.Messages.RecentSystem(ctx, sessionID, 3)
	if err != nil {
		return in, fmt.Errorf("load system notes: %w", err)
	}
	// Store returns newest first; render oldest first.
	for i := len(notes) - 1; i >= 0; i-- {
		in.RecentNotes = append(in.RecentNotes, TrimNote(notes[i].Content))
	}
	return in, nil
}

// Truncate applies the history strategy: always keep the leading system
// prompt, every stored system message, the first user message, the
// newest maxHistory assistant messages, and the tool messages whose
// tool_call_id belongs to a kept assistant. All other user messages are
// dropped. Relative order is preserved.
func Truncate(msgs []providers.Message, maxHistory int) []providers.Message {
	if len(msgs) == 0 {
		return msgs
	}
	if maxHistory <= 0 {
		maxHistory = 20
	}

	assistantTotal := 0
	for _, m := range msgs[1:] {
		if m.Role == "assistant" {
			assistantTotal++
		}
	}
	dropAssistants := assistantTotal - maxHistory

	keptCallIDs := make(map[string]bool)
	firstUserSeen := false
	assistantsSeen := 0

	keep := make([]bool, len(msgs))
	keep[0] = true // synthetic leading system prompt

	for i := 1; i < len(msgs); i++ {
		m := msgs[i]
		switch m.Role {
		case "system":
			keep[i] = true
		case "user":
			if !firstUserSeen {
				firstUserSeen = true
				keep[i] = true
			}
		case "assistant":
			assistantsSeen++
			if assistantsSeen > dropAssistants {
				keep[i] = true
				for _, tc := range m.ToolCalls {
					keptCallIDs[tc.ID] = true
				}
			}
		case "tool":
			keep[i] = keptCallIDs[m.ToolCallID]
		}
	}

	out := make([]providers.Message, 0, len(msgs))
	for i, m := range msgs {
		if keep[i] {
			out = append(out, m)
		}
	}
	return out
}
