// Package llms provides a uniform interface over the LLM backends the
// orchestrator talks to: OpenAI-compatible local servers, Ollama, the
// tool-native Anthropic API, and an OpenAI-compatible cloud vision API.
package llms

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn in a conversation. Content holds plain text; Parts
// holds mixed text/image content for vision backends. ToolCallID links a
// tool-role message back to the call it answers.
type Message struct {
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	Parts      []ContentPart `json:"parts,omitempty"`
	ToolCalls  []ToolCall    `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

// ContentPart is one element of a multimodal message.
type ContentPart struct {
	Type     string `json:"type"` // "text" or "image_url"
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// ToolDefinition describes a callable tool for backends with a native tool
// protocol. Parameters is a JSON Schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is a structured tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Options tunes a single chat call. Zero values defer to the provider's
// configured defaults.
type Options struct {
	System      string
	Temperature float64
	MaxTokens   int
	Tools       []ToolDefinition
}

// Reply is the result of a non-streaming chat call.
type Reply struct {
	Text      string
	ToolCalls []ToolCall
	Tokens    int
}

// Stream event types.
type EventType string

const (
	EventChunk    EventType = "chunk"
	EventToolCall EventType = "tool_call"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// StreamEvent is one element of a streaming response. The producer closes
// the channel after emitting exactly one terminal event (done or error).
type StreamEvent struct {
	Type     EventType
	Content  string
	ToolCall *ToolCall
	Err      error
}

// StreamBufferSize bounds the producer/consumer gap on streaming channels.
const StreamBufferSize = 256

// LLMProvider is the uniform backend interface.
type LLMProvider interface {
	// Name identifies the provider for logs and error messages.
	Name() string
	// Chat performs a blocking chat call.
	Chat(ctx context.Context, messages []Message, opts Options) (*Reply, error)
	// ChatStream starts a streaming chat call. The returned channel is
	// closed by the producer after the terminal event.
	ChatStream(ctx context.Context, messages []Message, opts Options) (<-chan StreamEvent, error)
	// Available reports whether the backend can be called right now
	// (credentials present). Endpoint liveness is only known at call time.
	Available() bool
}
