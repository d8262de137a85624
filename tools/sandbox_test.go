package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/errs"
)

func TestSandboxRunsShellSnippet(t *testing.T) {
	sb := &CommandSandbox{Root: t.TempDir()}
	out, err := sb.Run(context.Background(), "shell", "echo hello", 0)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)
}

func TestSandboxRejectsUnknownLanguage(t *testing.T) {
	sb := &CommandSandbox{Root: t.TempDir()}
	_, err := sb.Run(context.Background(), "ruby", "puts 1", 0)
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	assert.Contains(t, err.Error(), "python, javascript, shell")
}

func TestSandboxRequiresCode(t *testing.T) {
	sb := &CommandSandbox{Root: t.TempDir()}
	_, err := sb.Run(context.Background(), "python", "   ", 0)
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestSandboxRefusesDangerousShell(t *testing.T) {
	sb := &CommandSandbox{Root: t.TempDir()}
	_, err := sb.Run(context.Background(), "shell", "rm -rf / --no-preserve-root", 0)
	require.Error(t, err)
	assert.Equal(t, errs.KindRefused, errs.KindOf(err))
}

func TestSandboxEnforcesTimeout(t *testing.T) {
	sb := &CommandSandbox{Root: t.TempDir()}
	start := time.Now()
	_, err := sb.Run(context.Background(), "shell", "sleep 5", time.Second)
	require.Error(t, err)
	assert.Equal(t, errs.KindTimeout, errs.KindOf(err))
	assert.Less(t, time.Since(start), 3*time.Second)
}
