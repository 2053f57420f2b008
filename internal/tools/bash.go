package tools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// allowedCommands is the bash first-token allow-list. Anything else is
// rejected before a process is spawned.
var allowedCommands = map[string]bool{
	"ls":    true,
	"cat":   true,
	"head":  true,
	"tail":  true,
	"grep":  true,
	"find":  true,
	"mkdir": true,
	"rm":    true,
	"mv":    true,
	"cp":    true,
	"pwd":   true,
	"echo":  true,
}

// BashTool executes shell commands pinned to the session directory with
// a restricted PATH and a wall-clock deadline. Failures are reported as
// result strings so the model can correct itself.
type BashTool struct {
	dir     string
	timeout time.Duration
}

func (t *BashTool) Name() string { return "bash" }

func (t *BashTool) Description() string {
	return "执行bash命令（仅限沙箱内操作）。" +
		"支持的命令：ls（列出文件）, cat（查看文件）, grep（搜索）, " +
		"mkdir（创建目录）, rm（删除）, mv（移动）, cp（复制）等。"
}

func (t *BashTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "要执行的bash命令，例如：ls -la, cat index.html",
			},
		},
		"required": []string{"command"},
	}
}

func (t *BashTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	command := strings.TrimSpace(stringArg(args, "command"))
	if command == "" {
		return "错误：命令为空", nil
	}

	fields := strings.Fields(command)
	base := fields[0]
	if !allowedCommands[base] {
		allowed := make([]string, 0, len(allowedCommands))
		for name := range allowedCommands {
			allowed = append(allowed, name)
		}
		sort.Strings(allowed)
		return fmt.Sprintf("错误：不允许执行命令 '%s'。仅支持：%s", base, strings.Join(allowed, ", ")), nil
	}

	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return "", fmt.Errorf("创建沙箱目录失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	// sh -c keeps quoting/globbing semantics; the allow-list above has
	// already constrained the first token.
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = t.dir
	cmd.Env = []string{
		"PATH=/usr/bin:/bin",
		"HOME=" + t.dir,
		"LANG=C.UTF-8",
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Sprintf("错误：命令执行超时（>%s）", t.timeout), nil
	}
	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return fmt.Sprintf("命令执行失败（退出码: %d）\n%s", exitCode, stderr.String()), nil
	}

	output := stdout.String()
	if output == "" {
		return "命令执行成功（无输出）", nil
	}
	return output, nil
}
