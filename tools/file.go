package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// maxReadBytes caps file reads fed back into prompts.
const maxReadBytes = 256 * 1024

// ReadFileTool reads a file inside the project root.
type ReadFileTool struct {
	Root string
}

type readFileArgs struct {
	Path string `json:"path" jsonschema:"required,description=Path to the file relative to the project root"`
}

func (t *ReadFileTool) Info() ToolInfo {
	return ToolInfo{
		Name:        "read_file",
		Description: "Read the contents of a file",
		Family:      FamilyFile,
		SideEffect:  SideEffectReadOnly,
		Parameters: []ToolParameter{
			{Name: "path", Type: "string", Description: "Path to the file", Required: true},
		},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) ToolResult {
	var a readFileArgs
	if err := decodeArgs(args, &a); err != nil {
		return errorResult("read_file", err.Error())
	}
	path, err := resolveWithin(t.Root, a.Path)
	if err != nil {
		return errorResult("read_file", err.Error())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errorResult("read_file", fmt.Sprintf("failed to read %s: %v", a.Path, err))
	}
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
	}
	return successResult("read_file", string(data))
}

// WriteFileTool writes a file inside the project root, snapshotting any
// prior content to a sibling .bak file first.
type WriteFileTool struct {
	Root string
}

type writeFileArgs struct {
	Path    string `json:"path" jsonschema:"required,description=Path to the file relative to the project root"`
	Content string `json:"content" jsonschema:"required,description=Full content to write"`
}

func (t *WriteFileTool) Info() ToolInfo {
	return ToolInfo{
		Name:        "write_file",
		Description: "Write content to a file (creates a .bak backup of existing content)",
		Family:      FamilyFile,
		SideEffect:  SideEffectMutating,
		Parameters: []ToolParameter{
			{Name: "path", Type: "string", Description: "Path to the file", Required: true},
			{Name: "content", Type: "string", Description: "Content to write", Required: true},
		},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) ToolResult {
	var a writeFileArgs
	if err := decodeArgs(args, &a); err != nil {
		return errorResult("write_file", err.Error())
	}
	path, err := resolveWithin(t.Root, a.Path)
	if err != nil {
		return errorResult("write_file", err.Error())
	}
	if prior, err := os.ReadFile(path); err == nil {
		if err := os.WriteFile(path+".bak", prior, 0o644); err != nil {
			return errorResult("write_file", fmt.Sprintf("failed to write backup: %v", err))
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errorResult("write_file", fmt.Sprintf("failed to create directory: %v", err))
	}
	if err := os.WriteFile(path, []byte(a.Content), 0o644); err != nil {
		return errorResult("write_file", fmt.Sprintf("failed to write %s: %v", a.Path, err))
	}
	return successResult("write_file", fmt.Sprintf("Wrote %d bytes to %s", len(a.Content), a.Path))
}

// DeleteFileTool removes a file inside the project root.
type DeleteFileTool struct {
	Root string
}

type deleteFileArgs struct {
	Path string `json:"path" jsonschema:"required,description=Path to the file relative to the project root"`
}

func (t *DeleteFileTool) Info() ToolInfo {
	return ToolInfo{
		Name:        "delete_file",
		Description: "Delete a file",
		Family:      FamilyFile,
		SideEffect:  SideEffectMutating,
		Parameters: []ToolParameter{
			{Name: "path", Type: "string", Description: "Path to the file", Required: true},
		},
	}
}

func (t *DeleteFileTool) Execute(ctx context.Context, args map[string]any) ToolResult {
	var a deleteFileArgs
	if err := decodeArgs(args, &a); err != nil {
		return errorResult("delete_file", err.Error())
	}
	path, err := resolveWithin(t.Root, a.Path)
	if err != nil {
		return errorResult("delete_file", err.Error())
	}
	info, err := os.Stat(path)
	if err != nil {
		return errorResult("delete_file", fmt.Sprintf("cannot delete %s: %v", a.Path, err))
	}
	if info.IsDir() {
		return errorResult("delete_file", fmt.Sprintf("refusing to delete directory: %s", a.Path))
	}
	if err := os.Remove(path); err != nil {
		return errorResult("delete_file", fmt.Sprintf("failed to delete %s: %v", a.Path, err))
	}
	return successResult("delete_file", fmt.Sprintf("Deleted %s", a.Path))
}

// ListDirectoryTool lists directory entries inside the project root.
type ListDirectoryTool struct {
	Root string
}

type listDirectoryArgs struct {
	Path string `json:"path" jsonschema:"description=Directory to list (defaults to the project root)"`
}

func (t *ListDirectoryTool) Info() ToolInfo {
	return ToolInfo{
		Name:        "list_directory",
		Description: "List files and directories",
		Family:      FamilyFile,
		SideEffect:  SideEffectReadOnly,
		Parameters: []ToolParameter{
			{Name: "path", Type: "string", Description: "Directory to list", Required: false},
		},
	}
}

func (t *ListDirectoryTool) Execute(ctx context.Context, args map[string]any) ToolResult {
	var a listDirectoryArgs
	if err := decodeArgs(args, &a); err != nil {
		return errorResult("list_directory", err.Error())
	}
	if a.Path == "" {
		a.Path = "."
	}
	path, err := resolveWithin(t.Root, a.Path)
	if err != nil {
		return errorResult("list_directory", err.Error())
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return errorResult("list_directory", fmt.Sprintf("failed to list %s: %v", a.Path, err))
	}
	names := make([]string, 0, len(entries))
	var sb strings.Builder
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
		sb.WriteString(name)
		sb.WriteString("\n")
	}
	return valueResult("list_directory", sb.String(), names)
}

// GlobFilesTool matches files by glob pattern under a directory.
type GlobFilesTool struct {
	Root string
}

type globFilesArgs struct {
	Pattern string `json:"pattern" jsonschema:"required,description=Glob pattern such as *.py"`
	Path    string `json:"path" jsonschema:"description=Directory to search (defaults to the project root)"`
}

func (t *GlobFilesTool) Info() ToolInfo {
	return ToolInfo{
		Name:        "glob_files",
		Description: "Find files matching a glob pattern",
		Family:      FamilyFile,
		SideEffect:  SideEffectReadOnly,
		Parameters: []ToolParameter{
			{Name: "pattern", Type: "string", Description: "Glob pattern", Required: true},
			{Name: "path", Type: "string", Description: "Directory to search", Required: false},
		},
	}
}

func (t *GlobFilesTool) Execute(ctx context.Context, args map[string]any) ToolResult {
	var a globFilesArgs
	if err := decodeArgs(args, &a); err != nil {
		return errorResult("glob_files", err.Error())
	}
	if a.Pattern == "" {
		return errorResult("glob_files", "pattern is required")
	}
	dir := a.Path
	if dir == "" {
		dir = "."
	}
	base, err := resolveWithin(t.Root, dir)
	if err != nil {
		return errorResult("glob_files", err.Error())
	}
	var matches []string
	err = filepath.WalkDir(base, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		ok, _ := filepath.Match(a.Pattern, d.Name())
		if ok {
			matches = append(matches, p)
		}
		return nil
	})
	if err != nil {
		return errorResult("glob_files", fmt.Sprintf("search failed: %v", err))
	}
	sort.Strings(matches)
	return valueResult("glob_files", strings.Join(matches, "\n"), matches)
}
