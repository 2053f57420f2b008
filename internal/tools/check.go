package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Per-type defaults when check runs without an explicit filename.
var checkDefaultFiles = map[string]string{
	"html": "index.html",
	"css":  "style.css",
	"js":   "script.js",
}

var checkInstallHints = map[string]string{
	"html": "brew install tidy-html5 (macOS) 或 apt-get install tidy (Linux)",
	"css":  "npm install -g stylelint",
	"js":   "npm install -g eslint",
}

var checkCommands = map[string]string{
	"html": "tidy",
	"css":  "stylelint",
	"js":   "eslint",
}

const checkTimeout = 10 * time.Second

// CheckTool lints HTML/CSS/JS via external tools. A missing linter
// produces an install hint, not an error.
type CheckTool struct {
	dir string

	// lookPath is swapped in tests; defaults to exec.LookPath.
	lookPath func(string) (string, error)
}

func (t *CheckTool) Name() string { return "check" }

func (t *CheckTool) Description() string {
	return `检查代码质量。

支持以下检查类型：
- html: 检查HTML语法（使用 tidy）
- css: 检查CSS语法（使用 stylelint）
- js: 检查JavaScript语法（使用 eslint）

参数示例：
{"type": "html", "filename": "index.html"}
{"type": "all"}  # 检查所有默认文件

注意：如果检查工具未安装，会返回提示信息而不会报错`
}

func (t *CheckTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"type": map[string]any{
				"type":        "string",
				"enum":        []string{"html", "css", "js", "all"},
				"description": "检查类型",
			},
			"filename": map[string]any{
				"type":        "string",
				"description": "文件名（当type为all时可选）",
			},
		},
		"required": []string{"type"},
	}
}

func (t *CheckTool) available(checkType string) bool {
	look := t.lookPath
	if look == nil {
		look = exec.LookPath
	}
	_, err := look(checkCommands[checkType])
	return err == nil
}

func (t *CheckTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	checkType := stringArg(args, "type")
	filename := stringArg(args, "filename")

	if checkType == "all" {
		var results []string
		for _, ct := range []string{"html", "css", "js"} {
			name := filename
			if name == "" {
				name = checkDefaultFiles[ct]
			}
			if !t.available(ct) {
				results = append(results, fmt.Sprintf("**%s检查**: 检查工具未安装，跳过此项检查", strings.ToUpper(ct)))
				continue
			}
			results = append(results, fmt.Sprintf("**%s检查**:\n%s", strings.ToUpper(ct), t.runCheck(ctx, ct, name)))
		}
		return strings.Join(results, "\n\n"), nil
	}

	if _, ok := checkCommands[checkType]; !ok {
		return fmt.Sprintf("错误：未知的检查类型 '%s'，支持 html|css|js|all", checkType), nil
	}
	if !t.available(checkType) {
		return fmt.Sprintf("%s检查工具未安装。\n如需使用此功能，请先安装：\n- %s",
			strings.ToUpper(checkType), checkInstallHints[checkType]), nil
	}
	if filename == "" {
		filename = checkDefaultFiles[checkType]
	}
	return t.runCheck(ctx, checkType, filename), nil
}

func (t *CheckTool) runCheck(ctx context.Context, checkType, filename string) string {
	path := filepath.Join(t.dir, filename)

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	var cmd *exec.Cmd
	switch checkType {
	case "html":
		cmd = exec.CommandContext(ctx, "tidy", "-q", "-e", path)
	case "css":
		cmd = exec.CommandContext(ctx, "stylelint", path)
	case "js":
		cmd = exec.CommandContext(ctx, "eslint", path)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	switch checkType {
	case "html":
		// tidy exits 1 for warnings it could still parse through.
		if err == nil || exitCode(err) == 1 {
			if stderr.Len() == 0 {
				return "✅ HTML检查通过，无语法错误"
			}
			return fmt.Sprintf("⚠️ HTML发现问题:\n%s", stderr.String())
		}
		return fmt.Sprintf("❌ HTML检查失败:\n%s", stderr.String())
	case "css":
		if err == nil {
			return "✅ CSS检查通过"
		}
		return fmt.Sprintf("⚠️ CSS发现问题:\n%s", stdout.String())
	default:
		if err == nil {
			return "✅ JavaScript检查通过"
		}
		return fmt.Sprintf("⚠️ JavaScript发现问题:\n%s", stdout.String())
	}
}

func exitCode(err error) int {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}
