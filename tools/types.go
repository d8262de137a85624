// Package tools implements the tool registry, the builtin tool families,
// and the declarative tool-chain executor.
package tools

import (
	"context"
	"time"
)

// Family groups related tools. Agents are granted whole families.
type Family string

const (
	FamilyCode   Family = "code"
	FamilyFile   Family = "file"
	FamilySystem Family = "system"
	FamilyWeb    Family = "web"
	FamilyOSINT  Family = "osint"
	FamilyMemory Family = "memory"
)

// SideEffect classifies what a tool may do to the world.
type SideEffect string

const (
	SideEffectReadOnly   SideEffect = "read_only"
	SideEffectMutating   SideEffect = "mutating"
	SideEffectExternalIO SideEffect = "external_io"
	SideEffectDangerous  SideEffect = "dangerous"
)

// ToolParameter describes one argument in a tool's schema.
type ToolParameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// ToolInfo is the static descriptor of a tool.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Family      Family          `json:"family"`
	SideEffect  SideEffect      `json:"side_effect"`
	Parameters  []ToolParameter `json:"parameters"`
}

// ToolResult is the outcome of one tool invocation. Content is the textual
// form fed back to the model; Value carries the structured result for chain
// steps that operate on lists and maps.
type ToolResult struct {
	Success       bool           `json:"success"`
	Content       string         `json:"content"`
	Value         any            `json:"value,omitempty"`
	Error         string         `json:"error,omitempty"`
	ToolName      string         `json:"tool_name"`
	ExecutionTime time.Duration  `json:"execution_time"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Tool is a named operation invokable by agents.
type Tool interface {
	Info() ToolInfo
	Execute(ctx context.Context, args map[string]any) ToolResult
}

func successResult(name, content string) ToolResult {
	return ToolResult{Success: true, Content: content, ToolName: name}
}

func valueResult(name, content string, value any) ToolResult {
	return ToolResult{Success: true, Content: content, Value: value, ToolName: name}
}

func errorResult(name, msg string) ToolResult {
	return ToolResult{Success: false, Error: msg, ToolName: name}
}
