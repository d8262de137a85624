package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/arbiterhq/arbiter/llms"
	"github.com/arbiterhq/arbiter/tools"
)

// maxToolIterations caps both tool loops. Hitting the cap returns the
// last model text rather than an error.
const maxToolIterations = 5

var (
	toolLinePattern = regexp.MustCompile(`TOOL:\s*(\w+)`)
	argsLinePattern = regexp.MustCompile(`ARGS:\s*({[^}]+})`)
)

// parseToolRequest extracts a prompted tool invocation from model output.
// A malformed or missing ARGS block yields empty args rather than a
// failure; the tool's own validation reports what is missing.
func parseToolRequest(text string) (name string, args map[string]any, ok bool) {
	m := toolLinePattern.FindStringSubmatch(text)
	if m == nil {
		return "", nil, false
	}
	name = m[1]
	args = map[string]any{}
	if am := argsLinePattern.FindStringSubmatch(text); am != nil {
		if err := json.Unmarshal([]byte(am[1]), &args); err != nil {
			args = map[string]any{}
		}
	}
	return name, args, true
}

// runReactLoop drives the prompted tool protocol: the model emits
// TOOL:/ARGS: lines, we execute and feed the result back, until the
// model answers without a tool request or the iteration cap is hit.
// The bool is true when the cap was hit: the last text is returned as
// the answer, flagged rather than failed.
func (e *Engine) runReactLoop(ctx context.Context, provider llms.LLMProvider, profile Profile, task string, history []llms.Message) (string, []ToolInvocation, bool, error) {
	defs := e.tools.Definitions(profile.ToolFamilies)
	system := reactSystemPrompt(profile.Type, defs)

	messages := append([]llms.Message{}, history...)
	messages = append(messages, llms.Message{Role: llms.RoleUser, Content: task})

	var invocations []ToolInvocation
	lastText := ""
	for i := 0; i < maxToolIterations; i++ {
		reply, err := provider.Chat(ctx, messages, llms.Options{
			System:      system,
			Temperature: 0.2,
		})
		if err != nil {
			return "", invocations, false, err
		}
		lastText = reply.Text

		name, args, ok := parseToolRequest(reply.Text)
		if !ok {
			return reply.Text, invocations, false, nil
		}

		result, inv := e.executeTool(ctx, name, args)
		invocations = append(invocations, inv)

		messages = append(messages,
			llms.Message{Role: llms.RoleAssistant, Content: reply.Text},
			llms.Message{Role: llms.RoleUser, Content: fmt.Sprintf("TOOL RESULT:\n%s", result)},
		)
	}
	return lastText, invocations, true, nil
}

// executeTool runs one tool and flattens the result to the text fed
// back to the model. Unknown tools and failures come back as error
// strings so the model can recover.
func (e *Engine) executeTool(ctx context.Context, name string, args map[string]any) (string, ToolInvocation) {
	result := e.tools.Execute(ctx, name, args)
	if e.metrics != nil {
		e.metrics.ObserveToolCall(name, result.Success)
	}
	inv := ToolInvocation{Name: name, Args: args, ElapsedMS: float64(result.ExecutionTime.Milliseconds())}
	if !result.Success {
		return fmt.Sprintf("Error: %s", result.Error), inv
	}
	return flattenResult(result), inv
}

func flattenResult(result tools.ToolResult) string {
	if result.Content != "" {
		return result.Content
	}
	if result.Value != nil {
		data, err := json.Marshal(result.Value)
		if err == nil {
			return string(data)
		}
	}
	return "(no output)"
}

// stripToolLines removes any leftover TOOL:/ARGS: lines from a final
// answer so they never leak to the user.
func stripToolLines(text string) string {
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "TOOL:") || strings.HasPrefix(trimmed, "ARGS:") {
			continue
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
