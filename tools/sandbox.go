package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/arbiterhq/arbiter/errs"
)

// Sandbox execution limits.
const (
	defaultSandboxTimeout = 30 * time.Second
	maxSandboxTimeout     = 120 * time.Second
)

// SandboxRunner executes snippets of untrusted code in a supported
// language within a time budget.
type SandboxRunner interface {
	Run(ctx context.Context, language, code string, timeout time.Duration) (string, error)
}

// sandboxInterpreters maps supported languages to interpreter argv; the
// code snippet is appended as the final argument.
var sandboxInterpreters = map[string][]string{
	"python":     {"python3", "-c"},
	"javascript": {"node", "-e"},
	"shell":      {"sh", "-c"},
}

// SandboxLanguages lists the languages the command sandbox accepts.
func SandboxLanguages() []string {
	return []string{"python", "javascript", "shell"}
}

// CommandSandbox runs code through host interpreters inside the project
// root. Shell snippets go through the same dangerous-pattern refusal
// list as run_command.
type CommandSandbox struct {
	Root string
}

func (s *CommandSandbox) Run(ctx context.Context, language, code string, timeout time.Duration) (string, error) {
	argv, ok := sandboxInterpreters[language]
	if !ok {
		return "", errs.Newf(errs.KindValidation, "unsupported language: %s (supported: %s)",
			language, strings.Join(SandboxLanguages(), ", "))
	}
	if strings.TrimSpace(code) == "" {
		return "", errs.New(errs.KindValidation, "code is required")
	}
	if language == "shell" {
		lower := strings.ToLower(code)
		for _, p := range dangerousPatterns {
			if strings.Contains(lower, p) {
				return "", errs.Newf(errs.KindRefused, "refused: code matches dangerous pattern %q", p)
			}
		}
	}

	if timeout <= 0 {
		timeout = defaultSandboxTimeout
	}
	if timeout > maxSandboxTimeout {
		timeout = maxSandboxTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], append(argv[1:], code)...)
	cmd.Dir = s.Root
	// Without WaitDelay, Wait blocks until orphaned grandchildren release
	// the output pipes, so the deadline kill would not return promptly.
	cmd.WaitDelay = time.Second
	out, err := cmd.CombinedOutput()
	output := string(out)
	if len(output) > maxReadBytes {
		output = output[:maxReadBytes]
	}
	if ctx.Err() == context.DeadlineExceeded {
		return output, errs.Newf(errs.KindTimeout, "execution exceeded %s", timeout)
	}
	if err != nil {
		return output, fmt.Errorf("execution failed: %w", err)
	}
	return output, nil
}
