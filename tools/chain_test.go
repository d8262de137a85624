package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T, root string) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.RegisterTool(&GlobFilesTool{Root: root}, &globFilesArgs{}))
	require.NoError(t, r.RegisterTool(&GrepSearchTool{Root: root}, &grepSearchArgs{}))
	require.NoError(t, r.RegisterTool(&ReadFileTool{Root: root}, &readFileArgs{}))
	require.NoError(t, r.RegisterTool(&WriteFileTool{Root: root}, &writeFileArgs{}))
	return r
}

func TestFindTodosChain(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.py"), []byte("# TODO: one\nx = 1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.py"), []byte("# TODO: two\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "c.txt"), []byte("# TODO: not python\n"), 0o644))

	reg := testRegistry(t, root)
	exec := NewChainExecutor(reg, "")

	chain := FindTodosChain(root, "TODO")
	require.NoError(t, exec.Execute(context.Background(), chain))

	assert.Equal(t, ChainCompleted, chain.Status)
	assert.Equal(t, 2, chain.Variables["todo_count"])
	for _, step := range chain.Steps {
		assert.Equal(t, ChainCompleted, step.Status)
	}
}

func TestChainFailureStopsExecution(t *testing.T) {
	reg := testRegistry(t, t.TempDir())
	exec := NewChainExecutor(reg, "")

	chain := NewToolChain("failing", "", []*ChainStep{
		{ID: "bad", Type: StepToolCall, Tool: "no_such_tool"},
		{ID: "after", Type: StepTransform, Transform: "count", Parameters: map[string]any{"input": "x"}},
	}, nil)

	err := exec.Execute(context.Background(), chain)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step bad failed")
	assert.Equal(t, ChainFailed, chain.Status)
	assert.Equal(t, ChainFailed, chain.Steps[0].Status)
	assert.Equal(t, ChainPending, chain.Steps[1].Status)
}

func TestConditionBranches(t *testing.T) {
	reg := testRegistry(t, t.TempDir())
	exec := NewChainExecutor(reg, "")

	chain := NewToolChain("branch", "", []*ChainStep{
		{
			ID:        "check",
			Type:      StepCondition,
			Condition: "$count > 3",
			Parameters: map[string]any{
				"true_steps": []map[string]any{
					{"id": "t", "type": "transform", "transform": "to_json", "parameters": map[string]any{"input": "big"}, "save_as": "branch"},
				},
				"false_steps": []map[string]any{
					{"id": "f", "type": "transform", "transform": "to_json", "parameters": map[string]any{"input": "small"}, "save_as": "branch"},
				},
			},
		},
	}, map[string]any{"count": 5})

	require.NoError(t, exec.Execute(context.Background(), chain))
	assert.Equal(t, `"big"`, chain.Variables["branch"])
}

func TestLoopBindsItem(t *testing.T) {
	reg := testRegistry(t, t.TempDir())
	exec := NewChainExecutor(reg, "")

	chain := NewToolChain("loop", "", []*ChainStep{
		{
			ID:   "each",
			Type: StepLoop,
			Parameters: map[string]any{
				"items": []any{"a", "b", "c"},
				"steps": []map[string]any{
					{"id": "inner", "type": "transform", "transform": "to_json", "parameters": map[string]any{"input": "$item"}},
				},
			},
			SaveAs: "collected",
		},
	}, nil)

	require.NoError(t, exec.Execute(context.Background(), chain))
	assert.Equal(t, []any{`"a"`, `"b"`, `"c"`}, chain.Variables["collected"])
	_, stillBound := chain.Variables["item"]
	assert.False(t, stillBound)
}

func TestSubstituteVariables(t *testing.T) {
	vars := map[string]any{"name": "value", "list": []string{"x"}}

	got := SubstituteVariables(map[string]any{
		"direct":  "$name",
		"nested":  map[string]any{"inner": "$list"},
		"unknown": "$missing",
		"plain":   "text",
	}, vars).(map[string]any)

	assert.Equal(t, "value", got["direct"])
	assert.Equal(t, []string{"x"}, got["nested"].(map[string]any)["inner"])
	assert.Equal(t, "$missing", got["unknown"])
	assert.Equal(t, "text", got["plain"])

	// Substituting an already-resolved structure changes nothing.
	again := SubstituteVariables(got, vars)
	assert.Equal(t, got, again)
}

func TestSubstituteVariablesSkipsBranchPrograms(t *testing.T) {
	vars := map[string]any{"x": "resolved"}
	got := SubstituteVariables(map[string]any{
		"true_steps": []any{map[string]any{"parameters": map[string]any{"input": "$x"}}},
		"input":      "$x",
	}, vars).(map[string]any)

	assert.Equal(t, "resolved", got["input"])
	branch := got["true_steps"].([]any)[0].(map[string]any)
	assert.Equal(t, "$x", branch["parameters"].(map[string]any)["input"])
}

func TestEvaluateCondition(t *testing.T) {
	vars := map[string]any{"count": 5, "name": "abc", "ratio": 2.5}

	tests := []struct {
		expr string
		want bool
	}{
		{"$count > 3", true},
		{"$count < 3", false},
		{"$count == 5", true},
		{"$count != 5", false},
		{"$count >= 5", true},
		{"$count <= 4", false},
		{"$ratio > 2", true},
		{`$name == "abc"`, true},
		{"$name == abc", true},
		{"$count exists", true},
		{"$missing exists", false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := EvaluateCondition(tt.expr, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := EvaluateCondition("", vars)
	assert.Error(t, err)
	_, err = EvaluateCondition("no operator here", vars)
	assert.Error(t, err)
}

func TestTransforms(t *testing.T) {
	tests := []struct {
		name   string
		input  any
		params map[string]any
		want   any
	}{
		{"count", []any{1, 2, 3}, nil, 3},
		{"first", []any{"a", "b"}, nil, "a"},
		{"last", []any{"a", "b"}, nil, "b"},
		{"join", []any{"a", "b"}, nil, "a, b"},
		{"join", []any{"a", "b"}, map[string]any{"separator": "-"}, "a-b"},
		{"split", "a, b", nil, []any{"a", "b"}},
		{"to_json", map[string]any{"k": "v"}, nil, `{"k":"v"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := applyTransform(tt.name, tt.input, tt.params)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := applyTransform("nope", nil, nil)
	assert.Error(t, err)
}
