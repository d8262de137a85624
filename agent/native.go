package agent

import (
	"context"

	"github.com/arbiterhq/arbiter/llms"
)

// runNativeToolLoop drives provider-native tool calling: the model
// returns structured tool calls, we execute each and feed the results
// back as tool messages, until it stops requesting tools or the
// iteration cap is hit. The bool is true when the cap was hit.
func (e *Engine) runNativeToolLoop(ctx context.Context, provider llms.LLMProvider, profile Profile, task string, history []llms.Message) (string, []ToolInvocation, bool, error) {
	defs := e.tools.Definitions(profile.ToolFamilies)

	messages := append([]llms.Message{}, history...)
	messages = append(messages, llms.Message{Role: llms.RoleUser, Content: task})

	opts := llms.Options{
		System:      SystemPrompt(profile.Type),
		Temperature: 0.2,
		MaxTokens:   4096,
		Tools:       defs,
	}

	var invocations []ToolInvocation
	lastText := ""
	for i := 0; i < maxToolIterations; i++ {
		reply, err := provider.Chat(ctx, messages, opts)
		if err != nil {
			return "", invocations, false, err
		}
		lastText = reply.Text
		if len(reply.ToolCalls) == 0 {
			return reply.Text, invocations, false, nil
		}

		messages = append(messages, llms.Message{
			Role:      llms.RoleAssistant,
			Content:   reply.Text,
			ToolCalls: reply.ToolCalls,
		})
		for _, call := range reply.ToolCalls {
			args := call.Arguments
			if args == nil {
				args = map[string]any{}
			}
			result, inv := e.executeTool(ctx, call.Name, args)
			invocations = append(invocations, inv)
			messages = append(messages, llms.Message{
				Role:       llms.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}
	return lastText, invocations, true, nil
}
