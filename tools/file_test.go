package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadWriteRoundTrip(t *testing.T) {
	root := t.TempDir()
	write := &WriteFileTool{Root: root}
	read := &ReadFileTool{Root: root}

	res := write.Execute(context.Background(), map[string]any{
		"path": "sub/dir/out.txt", "content": "hello",
	})
	require.True(t, res.Success, res.Error)

	res = read.Execute(context.Background(), map[string]any{"path": "sub/dir/out.txt"})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "hello", res.Content)
}

func TestWriteSnapshotsExistingFile(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "f.txt"), []byte("old"), 0o644))

	write := &WriteFileTool{Root: root}
	res := write.Execute(context.Background(), map[string]any{"path": "f.txt", "content": "new"})
	require.True(t, res.Success, res.Error)

	backup, err := os.ReadFile(filepath.Join(root, "f.txt.bak"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(backup))

	current, err := os.ReadFile(filepath.Join(root, "f.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(current))
}

func TestPathEscapeRefused(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	tests := []struct {
		name string
		tool Tool
		args map[string]any
	}{
		{"read traversal", &ReadFileTool{Root: root}, map[string]any{"path": "../../etc/passwd"}},
		{"write absolute", &WriteFileTool{Root: root}, map[string]any{"path": filepath.Join(outside, "x"), "content": "x"}},
		{"delete traversal", &DeleteFileTool{Root: root}, map[string]any{"path": "../victim"}},
		{"list traversal", &ListDirectoryTool{Root: root}, map[string]any{"path": ".."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tt.tool.Execute(context.Background(), tt.args)
			assert.False(t, res.Success)
			assert.Contains(t, res.Error, "escapes project root")
		})
	}
}

func TestSymlinkEscapeRefused(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("s"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

	read := &ReadFileTool{Root: root}
	res := read.Execute(context.Background(), map[string]any{"path": "link/secret"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "escapes project root")
}

func TestDeleteRefusesDirectories(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "d"), 0o755))

	del := &DeleteFileTool{Root: root}
	res := del.Execute(context.Background(), map[string]any{"path": "d"})
	assert.False(t, res.Success)
}

func TestGlobFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.go"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.go"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "c.txt"), nil, 0o644))

	glob := &GlobFilesTool{Root: root}
	res := glob.Execute(context.Background(), map[string]any{"pattern": "*.go"})
	require.True(t, res.Success, res.Error)
	require.Len(t, res.Value, 2)
}

func TestRunCommandRefusesDangerous(t *testing.T) {
	run := &RunCommandTool{Root: t.TempDir()}
	res := run.Execute(context.Background(), map[string]any{"command": "rm -rf / --no-preserve-root"})
	assert.False(t, res.Success)
}

func TestRegistryUnknownTool(t *testing.T) {
	r := NewRegistry()
	res := r.Execute(context.Background(), "missing", nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "unknown tool")
}
