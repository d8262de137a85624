package tools

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// dangerousPatterns are refused outright regardless of which agent asks.
var dangerousPatterns = []string{
	"rm -rf /",
	"rm -rf /*",
	"mkfs",
	"dd if=",
	":(){",
	"> /dev/sda",
	"chmod -R 777 /",
	"shutdown",
	"reboot",
}

// RunCommandTool executes a shell command in the project root.
type RunCommandTool struct {
	Root string
}

type runCommandArgs struct {
	Command string `json:"command" jsonschema:"required,description=Shell command to run"`
}

func (t *RunCommandTool) Info() ToolInfo {
	return ToolInfo{
		Name:        "run_command",
		Description: "Run a shell command in the project root",
		Family:      FamilySystem,
		SideEffect:  SideEffectDangerous,
		Parameters: []ToolParameter{
			{Name: "command", Type: "string", Description: "Shell command", Required: true},
		},
	}
}

func (t *RunCommandTool) Execute(ctx context.Context, args map[string]any) ToolResult {
	var a runCommandArgs
	if err := decodeArgs(args, &a); err != nil {
		return errorResult("run_command", err.Error())
	}
	if strings.TrimSpace(a.Command) == "" {
		return errorResult("run_command", "command is required")
	}
	lower := strings.ToLower(a.Command)
	for _, p := range dangerousPatterns {
		if strings.Contains(lower, p) {
			return errorResult("run_command", fmt.Sprintf("refused: command matches dangerous pattern %q", p))
		}
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", a.Command)
	cmd.Dir = t.Root
	// Without WaitDelay, Wait blocks until orphaned grandchildren release
	// the output pipes, so a context-deadline kill would not return promptly.
	cmd.WaitDelay = time.Second
	out, err := cmd.CombinedOutput()
	output := string(out)
	if len(output) > maxReadBytes {
		output = output[:maxReadBytes]
	}
	if err != nil {
		return ToolResult{
			Success:  false,
			Content:  output,
			Error:    fmt.Sprintf("command failed: %v", err),
			ToolName: "run_command",
		}
	}
	return successResult("run_command", output)
}

// SystemInfoTool reports basic host facts.
type SystemInfoTool struct{}

func (t *SystemInfoTool) Info() ToolInfo {
	return ToolInfo{
		Name:        "system_info",
		Description: "Report OS, architecture, CPU count, and working directory",
		Family:      FamilySystem,
		SideEffect:  SideEffectReadOnly,
	}
}

func (t *SystemInfoTool) Execute(ctx context.Context, args map[string]any) ToolResult {
	wd, _ := os.Getwd()
	host, _ := os.Hostname()
	info := map[string]any{
		"os":       runtime.GOOS,
		"arch":     runtime.GOARCH,
		"cpus":     runtime.NumCPU(),
		"hostname": host,
		"cwd":      wd,
	}
	content := fmt.Sprintf("os=%s arch=%s cpus=%d hostname=%s cwd=%s",
		runtime.GOOS, runtime.GOARCH, runtime.NumCPU(), host, wd)
	return valueResult("system_info", content, info)
}
