package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/webforge/internal/sandbox"
)

// ListTool lists the session's sandbox files.
type ListTool struct {
	fs        *sandbox.Service
	userID    int64
	sessionID string
}

func (t *ListTool) Name() string { return "list" }

func (t *ListTool) Description() string {
	return "列出沙箱中的所有文件。用于查看当前项目结构。"
}

func (t *ListTool) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}

func (t *ListTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	names, err := t.fs.List(t.userID, t.sessionID)
	if err != nil {
		return "", fmt.Errorf("列出文件失败: %w", err)
	}
	if len(names) == 0 {
		return "沙箱为空，没有任何文件。", nil
	}
	var b strings.Builder
	b.WriteString("沙箱文件列表：\n")
	for _, name := range names {
		fmt.Fprintf(&b, "- %s\n", name)
	}
	return b.String(), nil
}

// ReadTool reads one sandbox file.
type ReadTool struct {
	fs        *sandbox.Service
	userID    int64
	sessionID string
}

func (t *ReadTool) Name() string { return "read" }

func (t *ReadTool) Description() string {
	return "读取文件内容。在修改前仔细阅读现有代码。"
}

func (t *ReadTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"filename": map[string]any{
				"type":        "string",
				"description": "要读取的文件名，例如：index.html",
			},
		},
		"required": []string{"filename"},
	}
}

func (t *ReadTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	filename := stringArg(args, "filename")
	if filename == "" {
		return "错误：必须提供 filename 参数", nil
	}
	content, err := t.fs.Read(t.userID, t.sessionID, filename)
	switch {
	case errors.Is(err, sandbox.ErrNotFound):
		return fmt.Sprintf("文件不存在: %s", filename), nil
	case errors.Is(err, sandbox.ErrInvalidName):
		return fmt.Sprintf("无效的文件名: %s", filename), nil
	case err != nil:
		return "", err
	}
	return content, nil
}

// WriteTool creates or overwrites one sandbox file. Quota and name
// violations are errors so the loop records a failed step.
type WriteTool struct {
	fs        *sandbox.Service
	userID    int64
	sessionID string
}

func (t *WriteTool) Name() string { return "write" }

func (t *WriteTool) Description() string {
	return "创建或修改文件（会完全覆盖现有内容，修改前务必先 read）。"
}

func (t *WriteTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"filename": map[string]any{
				"type":        "string",
				"description": "文件名，例如：style.css",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "完整的文件内容",
			},
		},
		"required": []string{"filename", "content"},
	}
}

func (t *WriteTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	filename := stringArg(args, "filename")
	if filename == "" {
		return "", fmt.Errorf("必须提供 filename 参数")
	}
	content := stringArg(args, "content")
	if err := t.fs.Write(t.userID, t.sessionID, filename, content); err != nil {
		return "", fmt.Errorf("写入 %s 失败: %w", filename, err)
	}
	return fmt.Sprintf("已写入 %s（%d 字节）", filename, len(content)), nil
}
