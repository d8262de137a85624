package agent

import (
	"fmt"
	"strings"

	"github.com/arbiterhq/arbiter/llms"
)

// englishOnly is appended to every system prompt. Small local models
// drift into other languages without it.
const englishOnly = "Always respond in English."

var systemPrompts = map[string]string{
	TypeCoder: "You are an expert software engineer. Write clean, working code " +
		"and explain briefly. When editing a file, read it first and replace " +
		"exact existing text rather than rewriting whole files.",
	TypeReasoner: "You are a careful analyst. Break problems down, weigh " +
		"options, and state your reasoning before conclusions.",
	TypeResearcher: "You are a research assistant. Find accurate, current " +
		"information and cite where it came from.",
	TypeExecutor: "You are a systems operator. Perform the requested file and " +
		"command operations precisely and report what you did.",
	TypeGeneral: "You are a helpful assistant. Answer clearly and concisely.",
	TypeConsultant: "You are a senior consultant. Give thorough, expert-level " +
		"analysis with concrete recommendations.",
	TypeSecurity: "You are a security researcher performing authorized " +
		"assessments. Analyze vulnerabilities, explain attack surfaces, and " +
		"recommend mitigations.",
	TypeVisionLocal: "You describe and analyze images. Be specific about " +
		"visible text, layout, and notable elements.",
	TypeVisionCloud: "You describe and analyze images in detail. Be specific " +
		"about visible text, layout, and notable elements.",
}

// SystemPrompt returns the base system prompt for an agent type.
func SystemPrompt(agentType string) string {
	p, ok := systemPrompts[agentType]
	if !ok {
		p = systemPrompts[TypeGeneral]
	}
	return p + " " + englishOnly
}

// reactSystemPrompt builds the prompted tool-use instructions for
// backends without native tool calling.
func reactSystemPrompt(agentType string, defs []llms.ToolDefinition) string {
	var b strings.Builder
	b.WriteString(SystemPrompt(agentType))
	if len(defs) == 0 {
		return b.String()
	}
	b.WriteString("\n\nYou have access to these tools:\n")
	for _, d := range defs {
		fmt.Fprintf(&b, "- %s: %s\n", d.Name, d.Description)
	}
	b.WriteString("\nTo use a tool, respond with exactly:\n")
	b.WriteString("TOOL: <tool_name>\n")
	b.WriteString("ARGS: {\"param\": \"value\"}\n")
	b.WriteString("\nAfter the tool result you will continue the conversation. ")
	b.WriteString("When you have the final answer, respond normally without TOOL lines.")
	return b.String()
}
