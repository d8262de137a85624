package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryEntry is one remembered value.
type MemoryEntry struct {
	Value     string   `json:"value"`
	Timestamp int64    `json:"timestamp"`
	Tags      []string `json:"tags,omitempty"`
}

// MemoryStore persists code snippets and project context as two JSON files
// under the memory directory. Writes are serialized under a single lock;
// each mutation rewrites the owning file.
type MemoryStore struct {
	mu          sync.Mutex
	snippetFile string
	contextFile string
	snippets    map[string]MemoryEntry
	contexts    map[string]MemoryEntry
}

// NewMemoryStore opens (or creates) the store under dir.
func NewMemoryStore(dir string) (*MemoryStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create memory dir: %w", err)
	}
	s := &MemoryStore{
		snippetFile: filepath.Join(dir, "code_snippets.json"),
		contextFile: filepath.Join(dir, "context_memory.json"),
		snippets:    map[string]MemoryEntry{},
		contexts:    map[string]MemoryEntry{},
	}
	if err := loadJSONFile(s.snippetFile, &s.snippets); err != nil {
		return nil, err
	}
	if err := loadJSONFile(s.contextFile, &s.contexts); err != nil {
		return nil, err
	}
	return s, nil
}

func loadJSONFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func saveJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// SaveSnippet stores a snippet under a key.
func (s *MemoryStore) SaveSnippet(key, value string, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snippets[key] = MemoryEntry{Value: value, Timestamp: time.Now().Unix(), Tags: tags}
	return saveJSONFile(s.snippetFile, s.snippets)
}

// GetSnippet retrieves a snippet by key.
func (s *MemoryStore) GetSnippet(key string) (MemoryEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.snippets[key]
	return e, ok
}

// ListSnippets returns snippet keys in sorted order.
func (s *MemoryStore) ListSnippets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.snippets))
	for k := range s.snippets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SaveContext stores a project context value.
func (s *MemoryStore) SaveContext(key, value string, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts[key] = MemoryEntry{Value: value, Timestamp: time.Now().Unix(), Tags: tags}
	return saveJSONFile(s.contextFile, s.contexts)
}

// GetContext retrieves a project context value.
func (s *MemoryStore) GetContext(key string) (MemoryEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.contexts[key]
	return e, ok
}

// SaveSnippetTool stores a reusable code snippet.
type SaveSnippetTool struct {
	Store *MemoryStore
}

type saveSnippetArgs struct {
	Key   string `json:"key" jsonschema:"required,description=Name to store the snippet under"`
	Value string `json:"value" jsonschema:"required,description=Snippet content"`
	Tags  string `json:"tags" jsonschema:"description=Comma-separated tags"`
}

func (t *SaveSnippetTool) Info() ToolInfo {
	return ToolInfo{
		Name:        "save_snippet",
		Description: "Save a reusable code snippet to memory",
		Family:      FamilyMemory,
		SideEffect:  SideEffectMutating,
		Parameters: []ToolParameter{
			{Name: "key", Type: "string", Description: "Snippet name", Required: true},
			{Name: "value", Type: "string", Description: "Snippet content", Required: true},
			{Name: "tags", Type: "string", Description: "Comma-separated tags", Required: false},
		},
	}
}

func (t *SaveSnippetTool) Execute(ctx context.Context, args map[string]any) ToolResult {
	var a saveSnippetArgs
	if err := decodeArgs(args, &a); err != nil {
		return errorResult("save_snippet", err.Error())
	}
	if a.Key == "" {
		return errorResult("save_snippet", "key is required")
	}
	if err := t.Store.SaveSnippet(a.Key, a.Value, splitTags(a.Tags)); err != nil {
		return errorResult("save_snippet", fmt.Sprintf("failed to save: %v", err))
	}
	return successResult("save_snippet", fmt.Sprintf("Saved snippet %q", a.Key))
}

// GetSnippetTool retrieves a saved snippet.
type GetSnippetTool struct {
	Store *MemoryStore
}

type getSnippetArgs struct {
	Key string `json:"key" jsonschema:"required,description=Snippet name"`
}

func (t *GetSnippetTool) Info() ToolInfo {
	return ToolInfo{
		Name:        "get_snippet",
		Description: "Retrieve a saved code snippet",
		Family:      FamilyMemory,
		SideEffect:  SideEffectReadOnly,
		Parameters: []ToolParameter{
			{Name: "key", Type: "string", Description: "Snippet name", Required: true},
		},
	}
}

func (t *GetSnippetTool) Execute(ctx context.Context, args map[string]any) ToolResult {
	var a getSnippetArgs
	if err := decodeArgs(args, &a); err != nil {
		return errorResult("get_snippet", err.Error())
	}
	entry, ok := t.Store.GetSnippet(a.Key)
	if !ok {
		known := strings.Join(t.Store.ListSnippets(), ", ")
		return errorResult("get_snippet", fmt.Sprintf("no snippet %q (known: %s)", a.Key, known))
	}
	return successResult("get_snippet", entry.Value)
}

// SaveContextTool stores project context.
type SaveContextTool struct {
	Store *MemoryStore
}

type saveContextArgs struct {
	Key   string `json:"key" jsonschema:"required,description=Context key"`
	Value string `json:"value" jsonschema:"required,description=Context value"`
	Tags  string `json:"tags" jsonschema:"description=Comma-separated tags"`
}

func (t *SaveContextTool) Info() ToolInfo {
	return ToolInfo{
		Name:        "save_context",
		Description: "Save a project context fact to memory",
		Family:      FamilyMemory,
		SideEffect:  SideEffectMutating,
		Parameters: []ToolParameter{
			{Name: "key", Type: "string", Description: "Context key", Required: true},
			{Name: "value", Type: "string", Description: "Context value", Required: true},
			{Name: "tags", Type: "string", Description: "Comma-separated tags", Required: false},
		},
	}
}

func (t *SaveContextTool) Execute(ctx context.Context, args map[string]any) ToolResult {
	var a saveContextArgs
	if err := decodeArgs(args, &a); err != nil {
		return errorResult("save_context", err.Error())
	}
	if a.Key == "" {
		return errorResult("save_context", "key is required")
	}
	if err := t.Store.SaveContext(a.Key, a.Value, splitTags(a.Tags)); err != nil {
		return errorResult("save_context", fmt.Sprintf("failed to save: %v", err))
	}
	return successResult("save_context", fmt.Sprintf("Saved context %q", a.Key))
}

// GetContextTool retrieves project context.
type GetContextTool struct {
	Store *MemoryStore
}

type getContextArgs struct {
	Key string `json:"key" jsonschema:"required,description=Context key"`
}

func (t *GetContextTool) Info() ToolInfo {
	return ToolInfo{
		Name:        "get_context",
		Description: "Retrieve a project context fact",
		Family:      FamilyMemory,
		SideEffect:  SideEffectReadOnly,
		Parameters: []ToolParameter{
			{Name: "key", Type: "string", Description: "Context key", Required: true},
		},
	}
}

func (t *GetContextTool) Execute(ctx context.Context, args map[string]any) ToolResult {
	var a getContextArgs
	if err := decodeArgs(args, &a); err != nil {
		return errorResult("get_context", err.Error())
	}
	entry, ok := t.Store.GetContext(a.Key)
	if !ok {
		return errorResult("get_context", fmt.Sprintf("no context %q", a.Key))
	}
	return successResult("get_context", entry.Value)
}

func splitTags(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
