package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arbiterhq/arbiter/config"
	"github.com/arbiterhq/arbiter/registry"
)

// defaultToolTimeout bounds a single tool invocation.
const defaultToolTimeout = 30 * time.Second

// Registry is the tool catalog. It is populated at startup and read-only
// afterwards.
type Registry struct {
	*registry.BaseRegistry[Tool]

	mu        sync.RWMutex
	order     []string
	argProtos map[string]any
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		BaseRegistry: registry.NewBaseRegistry[Tool](),
		argProtos:    make(map[string]any),
	}
}

// RegisterTool adds a tool. argsProto is an optional zero-value args struct
// used to derive the JSON Schema for tool-native backends; nil falls back
// to the declared parameter list.
func (r *Registry) RegisterTool(tool Tool, argsProto any) error {
	info := tool.Info()
	if err := r.Register(info.Name, tool); err != nil {
		return err
	}
	r.mu.Lock()
	r.order = append(r.order, info.Name)
	if argsProto != nil {
		r.argProtos[info.Name] = argsProto
	}
	r.mu.Unlock()
	return nil
}

// ByFamilies returns descriptors of all tools in the given families, in
// registration order.
func (r *Registry) ByFamilies(families []Family) []ToolInfo {
	wanted := make(map[Family]bool, len(families))
	for _, f := range families {
		wanted[f] = true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var infos []ToolInfo
	for _, name := range r.order {
		tool, ok := r.Get(name)
		if !ok {
			continue
		}
		info := tool.Info()
		if wanted[info.Family] {
			infos = append(infos, info)
		}
	}
	return infos
}

// AllInfos returns every registered tool descriptor in registration order.
func (r *Registry) AllInfos() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]ToolInfo, 0, len(r.order))
	for _, name := range r.order {
		if tool, ok := r.Get(name); ok {
			infos = append(infos, tool.Info())
		}
	}
	return infos
}

// Execute invokes a tool by name with a bounded timeout. Unknown tools and
// handler failures come back as failed results, never as panics: the agent
// loop feeds the error text to the model, which can recover.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) ToolResult {
	tool, ok := r.Get(name)
	if !ok {
		return errorResult(name, fmt.Sprintf("unknown tool: %s", name))
	}
	ctx, cancel := context.WithTimeout(ctx, defaultToolTimeout)
	defer cancel()

	start := time.Now()
	result := tool.Execute(ctx, args)
	result.ExecutionTime = time.Since(start)
	result.ToolName = name
	if ctx.Err() == context.DeadlineExceeded && !result.Success && result.Error == "" {
		result.Error = "tool timed out"
	}
	return result
}

// NewBuiltinRegistry registers every builtin tool family against the
// configured workspace.
func NewBuiltinRegistry(cfg *config.Config) (*Registry, error) {
	r := NewRegistry()
	root := cfg.Workspace.ProjectRoot

	memStore, err := NewMemoryStore(cfg.Memory.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory store: %w", err)
	}

	builtins := []struct {
		tool  Tool
		proto any
	}{
		// file
		{&ReadFileTool{Root: root}, &readFileArgs{}},
		{&WriteFileTool{Root: root}, &writeFileArgs{}},
		{&DeleteFileTool{Root: root}, &deleteFileArgs{}},
		{&ListDirectoryTool{Root: root}, &listDirectoryArgs{}},
		{&GlobFilesTool{Root: root}, &globFilesArgs{}},
		// code
		{&GrepSearchTool{Root: root}, &grepSearchArgs{}},
		{&CountLinesTool{Root: root}, &countLinesArgs{}},
		{&AnalyzeCodeTool{Root: root}, &analyzeCodeArgs{}},
		// system
		{&RunCommandTool{Root: root}, &runCommandArgs{}},
		{&SystemInfoTool{}, nil},
		// web
		{&FetchURLTool{}, &fetchURLArgs{}},
		{&HTTPHeadersTool{}, &httpHeadersArgs{}},
		// osint
		{&DNSLookupTool{}, &dnsLookupArgs{}},
		{&ReverseDNSTool{}, &reverseDNSArgs{}},
		{&PortCheckTool{}, &portCheckArgs{}},
		// memory
		{&SaveSnippetTool{Store: memStore}, &saveSnippetArgs{}},
		{&GetSnippetTool{Store: memStore}, &getSnippetArgs{}},
		{&SaveContextTool{Store: memStore}, &saveContextArgs{}},
		{&GetContextTool{Store: memStore}, &getContextArgs{}},
	}
	for _, b := range builtins {
		if err := r.RegisterTool(b.tool, b.proto); err != nil {
			return nil, err
		}
	}
	return r, nil
}
