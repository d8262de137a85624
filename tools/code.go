package tools

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// GrepSearchTool searches files for a regular expression.
type GrepSearchTool struct {
	Root string
}

type grepSearchArgs struct {
	Pattern string   `json:"pattern" jsonschema:"required,description=Regular expression to search for"`
	Files   []string `json:"files" jsonschema:"description=Files to search; when empty the whole project root is searched"`
}

func (t *GrepSearchTool) Info() ToolInfo {
	return ToolInfo{
		Name:        "grep_search",
		Description: "Search files for a pattern, returning matching lines",
		Family:      FamilyCode,
		SideEffect:  SideEffectReadOnly,
		Parameters: []ToolParameter{
			{Name: "pattern", Type: "string", Description: "Regular expression", Required: true},
			{Name: "files", Type: "array", Description: "Files to search", Required: false},
		},
	}
}

func (t *GrepSearchTool) Execute(ctx context.Context, args map[string]any) ToolResult {
	var a grepSearchArgs
	if err := decodeArgs(args, &a); err != nil {
		return errorResult("grep_search", err.Error())
	}
	if a.Pattern == "" {
		return errorResult("grep_search", "pattern is required")
	}
	re, err := regexp.Compile(a.Pattern)
	if err != nil {
		// Fall back to a literal search for patterns that are not valid
		// regular expressions.
		re = regexp.MustCompile(regexp.QuoteMeta(a.Pattern))
	}

	files := a.Files
	if len(files) == 0 {
		glob := &GlobFilesTool{Root: t.Root}
		r := glob.Execute(ctx, map[string]any{"pattern": "*"})
		if list, ok := r.Value.([]string); ok {
			files = list
		}
	}

	type match struct {
		File string `json:"file"`
		Line int    `json:"line"`
		Text string `json:"text"`
	}
	var matches []any
	var sb strings.Builder
	for _, f := range files {
		path, err := resolveWithin(t.Root, f)
		if err != nil {
			continue
		}
		file, err := os.Open(path)
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(file)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()
			if re.MatchString(line) {
				matches = append(matches, match{File: f, Line: lineNo, Text: strings.TrimSpace(line)})
				fmt.Fprintf(&sb, "%s:%d: %s\n", f, lineNo, strings.TrimSpace(line))
			}
		}
		file.Close()
	}
	return valueResult("grep_search", sb.String(), matches)
}

// CountLinesTool counts lines in a file.
type CountLinesTool struct {
	Root string
}

type countLinesArgs struct {
	Path string `json:"path" jsonschema:"required,description=File to count lines in"`
}

func (t *CountLinesTool) Info() ToolInfo {
	return ToolInfo{
		Name:        "count_lines",
		Description: "Count the lines in a file",
		Family:      FamilyCode,
		SideEffect:  SideEffectReadOnly,
		Parameters: []ToolParameter{
			{Name: "path", Type: "string", Description: "File path", Required: true},
		},
	}
}

func (t *CountLinesTool) Execute(ctx context.Context, args map[string]any) ToolResult {
	var a countLinesArgs
	if err := decodeArgs(args, &a); err != nil {
		return errorResult("count_lines", err.Error())
	}
	path, err := resolveWithin(t.Root, a.Path)
	if err != nil {
		return errorResult("count_lines", err.Error())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errorResult("count_lines", fmt.Sprintf("failed to read %s: %v", a.Path, err))
	}
	count := strings.Count(string(data), "\n")
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		count++
	}
	return valueResult("count_lines", fmt.Sprintf("%d", count), count)
}

var todoMarker = regexp.MustCompile(`\b(TODO|FIXME|XXX|HACK)\b`)

// AnalyzeCodeTool produces a quick structural summary of a source file.
type AnalyzeCodeTool struct {
	Root string
}

type analyzeCodeArgs struct {
	Path string `json:"path" jsonschema:"required,description=Source file to analyze"`
}

func (t *AnalyzeCodeTool) Info() ToolInfo {
	return ToolInfo{
		Name:        "analyze_code",
		Description: "Summarize a source file: lines, functions, TODO markers",
		Family:      FamilyCode,
		SideEffect:  SideEffectReadOnly,
		Parameters: []ToolParameter{
			{Name: "path", Type: "string", Description: "Source file", Required: true},
		},
	}
}

var functionDecl = regexp.MustCompile(`^\s*(func |def |function |fn |public |private )`)

func (t *AnalyzeCodeTool) Execute(ctx context.Context, args map[string]any) ToolResult {
	var a analyzeCodeArgs
	if err := decodeArgs(args, &a); err != nil {
		return errorResult("analyze_code", err.Error())
	}
	path, err := resolveWithin(t.Root, a.Path)
	if err != nil {
		return errorResult("analyze_code", err.Error())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errorResult("analyze_code", fmt.Sprintf("failed to read %s: %v", a.Path, err))
	}

	lines := strings.Split(string(data), "\n")
	functions, todos, blanks := 0, 0, 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			blanks++
		}
		if functionDecl.MatchString(line) {
			functions++
		}
		if todoMarker.MatchString(line) {
			todos++
		}
	}
	summary := map[string]any{
		"lines":     len(lines),
		"blank":     blanks,
		"functions": functions,
		"todos":     todos,
	}
	content := fmt.Sprintf("%s: %d lines (%d blank), ~%d functions, %d TODO markers",
		a.Path, len(lines), blanks, functions, todos)
	return valueResult("analyze_code", content, summary)
}
