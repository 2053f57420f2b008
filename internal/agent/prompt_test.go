package agent

import (
	"fmt"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/webforge/internal/providers"
	"github.com/nextlevelbuilder/webforge/internal/store"
)

func TestContextualUserPrompt(t *testing.T) {
	in := ContextInputs{
		Files: []string{"index.html", "style.css"},
		Pending: []store.TodoItem{
			{Content: "创建 HTML 结构", Status: store.TodoPending},
			{Content: "添加样式", Status: store.TodoInProgress},
		},
		RecentCompleted: []store.TodoItem{{Content: "初始化项目", Status: store.TodoCompleted}},
		RecentNotes:     []string{"文件 index.html 已修改"},
	}
	got := ContextualUserPrompt(in, "做一个 Todo List")

	for _, want := range []string{
		"## 当前沙箱文件",
		"- index.html",
		"## 待办任务（2项）",
		"1. 创建 HTML 结构",
		"## 已完成任务（最近1项）",
		"1. 初始化项目 ✓",
		"## 最近操作",
		"- 文件 index.html 已修改",
		"## 用户消息",
		"做一个 Todo List",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q:\n%s", want, got)
		}
	}

	// The original user text must come last.
	if !strings.HasSuffix(got, "做一个 Todo List") {
		t.Error("user message is not the final section")
	}
}

func TestContextualUserPromptEmptyState(t *testing.T) {
	got := ContextualUserPrompt(ContextInputs{}, "你好")
	if !strings.HasPrefix(got, "## 用户消息") {
		t.Errorf("empty context should lead with the user header:\n%s", got)
	}
}

func TestTrimNote(t *testing.T) {
	long := strings.Repeat("a", 200)
	got := TrimNote(long)
	if len(got) != noteTrimLen+3 || !strings.HasSuffix(got, "...") {
		t.Errorf("TrimNote length = %d", len(got))
	}
	if TrimNote("short") != "short" {
		t.Error("short note must pass through")
	}
}

func TestTruncateUserInput(t *testing.T) {
	tests := []struct {
		name    string
		content string
		max     int
		warning string
		want    string
	}{
		{"no truncation", strings.Repeat("a", 5), 10, "...", strings.Repeat("a", 5)},
		{"exact length", strings.Repeat("a", 10), 10, "...", strings.Repeat("a", 10)},
		{"truncated with warning", strings.Repeat("a", 15), 10, "...(截取)", strings.Repeat("a", 10) + "...(截取)"},
		{"truncated without warning", strings.Repeat("a", 15), 10, "", strings.Repeat("a", 10)},
		{"zero max disables", strings.Repeat("a", 15), 0, "...", strings.Repeat("a", 15)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TruncateUserInput(tt.content, tt.max, tt.warning); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

// buildHistory builds the S5 fixture: lead system prompt + n rounds of
// (user, assistant-with-tool-call, tool) plus k system notes sprinkled in.
func buildHistory(rounds, notes int) []providers.Message {
	msgs := []providers.Message{{Role: "system", Content: "lead system prompt"}}
	noteEvery := 0
	if notes > 0 {
		noteEvery = rounds / notes
	}
	for i := 1; i <= rounds; i++ {
		msgs = append(msgs, providers.Message{Role: "user", Content: fmt.Sprintf("user%d", i)})
		callID := fmt.Sprintf("call_%d", i)
		msgs = append(msgs, providers.Message{
			Role:      "assistant",
			Content:   fmt.Sprintf("assistant%d", i),
			ToolCalls: []providers.ToolCall{{ID: callID, Name: "list", Arguments: "{}"}},
		})
		msgs = append(msgs, providers.Message{Role: "tool", ToolCallID: callID, Content: "result"})
		if noteEvery > 0 && i%noteEvery == 0 && len(msgs) > 0 {
			msgs = append(msgs, providers.Message{Role: "system", Content: fmt.Sprintf("note after round %d", i)})
		}
	}
	return msgs
}

func TestTruncatePreservesRequiredMessages(t *testing.T) {
	msgs := buildHistory(25, 5)
	got := Truncate(msgs, 20)

	if got[0].Role != "system" || got[0].Content != "lead system prompt" {
		t.Fatal("leading system prompt must stay first")
	}

	var systems, users, assistants, toolMsgs int
	var firstUser string
	keptCalls := make(map[string]bool)
	for _, m := range got[1:] {
		switch m.Role {
		case "system":
			systems++
		case "user":
			users++
			if firstUser == "" {
				firstUser = m.Content
			}
		case "assistant":
			assistants++
			for _, tc := range m.ToolCalls {
				keptCalls[tc.ID] = true
			}
		case "tool":
			toolMsgs++
			if !keptCalls[m.ToolCallID] {
				t.Errorf("tool message %s kept without its assistant", m.ToolCallID)
			}
		}
	}

	if systems != 5 {
		t.Errorf("system notes = %d, want all 5", systems)
	}
	if users != 1 || firstUser != "user1" {
		t.Errorf("users = %d (first %q), want only the first user message", users, firstUser)
	}
	if assistants != 20 {
		t.Errorf("assistants = %d, want 20 newest", assistants)
	}
	if toolMsgs != 20 {
		t.Errorf("tool messages = %d, want one per kept assistant", toolMsgs)
	}

	// The kept assistants must be the newest ones.
	for _, m := range got {
		if m.Role == "assistant" && m.Content == "assistant1" {
			t.Error("oldest assistant survived truncation")
		}
	}
}

func TestTruncateKeepsOrder(t *testing.T) {
	msgs := buildHistory(25, 5)
	got := Truncate(msgs, 20)

	index := func(list []providers.Message, role, content string) int {
		for i, m := range list {
			if m.Role == role && m.Content == content {
				return i
			}
		}
		return -1
	}
	a24 := index(got, "assistant", "assistant24")
	a25 := index(got, "assistant", "assistant25")
	if a24 == -1 || a25 == -1 || a24 > a25 {
		t.Errorf("relative assistant order broken: %d, %d", a24, a25)
	}
	n1 := index(got, "system", "note after round 5")
	n2 := index(got, "system", "note after round 10")
	if n1 == -1 || n2 == -1 || n1 > n2 {
		t.Errorf("system note order broken: %d, %d", n1, n2)
	}
}

func TestTruncateNoOpWhenUnderLimit(t *testing.T) {
	msgs := buildHistory(3, 0)
	got := Truncate(msgs, 20)
	// Dropping only applies to user messages beyond the first; with 3
	// assistants nothing else is dropped.
	var assistants int
	for _, m := range got {
		if m.Role == "assistant" {
			assistants++
		}
	}
	if assistants != 3 {
		t.Errorf("assistants = %d, want 3", assistants)
	}
}

func TestTruncateEmpty(t *testing.T) {
	if got := Truncate(nil, 20); len(got) != 0 {
		t.Errorf("Truncate(nil) = %v", got)
	}
}
