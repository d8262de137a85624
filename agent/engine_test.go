package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/config"
	"github.com/arbiterhq/arbiter/errs"
	"github.com/arbiterhq/arbiter/llms"
	"github.com/arbiterhq/arbiter/memory"
	"github.com/arbiterhq/arbiter/tools"
)

// fakeProvider returns scripted replies in order, repeating the last one.
type fakeProvider struct {
	name      string
	replies   []llms.Reply
	calls     int
	available bool
	seen      [][]llms.Message
}

func (f *fakeProvider) Name() string    { return f.name }
func (f *fakeProvider) Available() bool { return f.available }

func (f *fakeProvider) Chat(ctx context.Context, messages []llms.Message, opts llms.Options) (*llms.Reply, error) {
	f.seen = append(f.seen, messages)
	i := f.calls
	if i >= len(f.replies) {
		i = len(f.replies) - 1
	}
	f.calls++
	reply := f.replies[i]
	return &reply, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, messages []llms.Message, opts llms.Options) (<-chan llms.StreamEvent, error) {
	reply, _ := f.Chat(ctx, messages, opts)
	ch := make(chan llms.StreamEvent, llms.StreamBufferSize)
	go func() {
		defer close(ch)
		ch <- llms.StreamEvent{Type: llms.EventChunk, Content: reply.Text}
		ch <- llms.StreamEvent{Type: llms.EventDone}
	}()
	return ch, nil
}

func testEngineProviders(t *testing.T, providers map[string]llms.LLMProvider) *Engine {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.py"), []byte("print('hi')\n"), 0o644))

	cfg := &config.Config{}
	cfg.Workspace.ProjectRoot = root
	cfg.Memory.Dir = filepath.Join(root, "memory")

	reg, err := tools.NewBuiltinRegistry(cfg)
	require.NoError(t, err)
	mem, err := memory.NewStore(cfg.Memory.Dir)
	require.NoError(t, err)

	llmReg := llms.NewLLMRegistry()
	for name, p := range providers {
		require.NoError(t, llmReg.Register(name, p))
	}
	return NewEngine(llmReg, reg, mem, nil, nil)
}

func testEngine(t *testing.T, providers map[string]*fakeProvider) *Engine {
	t.Helper()
	generic := map[string]llms.LLMProvider{}
	for name, p := range providers {
		generic[name] = p
	}
	return testEngineProviders(t, generic)
}

func TestExecuteTaskReactLoop(t *testing.T) {
	local := &fakeProvider{
		name:      "local",
		available: true,
		replies: []llms.Reply{
			{Text: "TOOL: glob_files\nARGS: {\"pattern\": \"*.py\"}"},
			{Text: "There is one Python file."},
		},
	}
	e := testEngine(t, map[string]*fakeProvider{"local": local})

	result, err := e.ExecuteTask(context.Background(), TaskRequest{
		Instruction: "fix the bug in my python code",
	})
	require.NoError(t, err)
	assert.Equal(t, "coder", result.AgentUsed)
	assert.Equal(t, "There is one Python file.", result.Response)
	assert.Equal(t, []string{"glob_files"}, result.ToolsUsed)

	// Second call carries the tool result back to the model.
	require.Len(t, local.seen, 2)
	last := local.seen[1][len(local.seen[1])-1]
	assert.Equal(t, llms.RoleUser, last.Role)
	assert.Contains(t, last.Content, "TOOL RESULT:")
}

func TestExecuteTaskUnknownToolRecovers(t *testing.T) {
	local := &fakeProvider{
		name:      "local",
		available: true,
		replies: []llms.Reply{
			{Text: "TOOL: no_such_tool\nARGS: {}"},
			{Text: "Never mind, done."},
		},
	}
	e := testEngine(t, map[string]*fakeProvider{"local": local})

	result, err := e.ExecuteTask(context.Background(), TaskRequest{
		Instruction: "debug the error", Agent: TypeCoder,
	})
	require.NoError(t, err)
	assert.Equal(t, "Never mind, done.", result.Response)
	assert.Equal(t, []string{"no_such_tool"}, result.ToolsUsed)

	last := local.seen[1][len(local.seen[1])-1]
	assert.Contains(t, last.Content, "unknown tool")
}

func TestVisionCloudFallsBackToLocal(t *testing.T) {
	cloud := &fakeProvider{name: "vision_cloud", available: false, replies: []llms.Reply{{}}}
	localVision := &fakeProvider{
		name:      "vision_local",
		available: true,
		replies:   []llms.Reply{{Text: "A terminal window."}},
	}
	e := testEngine(t, map[string]*fakeProvider{
		"vision_cloud": cloud,
		"vision_local": localVision,
	})

	result, err := e.ExecuteTask(context.Background(), TaskRequest{
		Instruction: "describe this screenshot",
		Agent:       TypeVisionCloud,
		ImageURL:    "data:image/png;base64,xyz",
	})
	require.NoError(t, err)
	assert.Equal(t, TypeVisionLocal, result.AgentUsed)
	assert.Equal(t, "A terminal window.", result.Response)
	assert.Contains(t, result.ToolsUsed, "fallback_to_local_vision")
	assert.Zero(t, cloud.calls)
}

func TestConsultantFallsBackToReasoner(t *testing.T) {
	anthropic := &fakeProvider{name: "anthropic", available: false, replies: []llms.Reply{{}}}
	local := &fakeProvider{
		name:      "local",
		available: true,
		replies:   []llms.Reply{{Text: "Considered opinion."}},
	}
	e := testEngine(t, map[string]*fakeProvider{
		"anthropic": anthropic,
		"local":     local,
	})

	result, err := e.ExecuteTask(context.Background(), TaskRequest{
		Instruction: "advise me", Agent: TypeConsultant,
	})
	require.NoError(t, err)
	assert.Equal(t, TypeReasoner, result.AgentUsed)
	assert.Contains(t, result.ToolsUsed, "fallback_to_reasoner")
}

func TestExecuteTaskRecordsSession(t *testing.T) {
	local := &fakeProvider{name: "local", available: true, replies: []llms.Reply{{Text: "hi"}}}
	e := testEngine(t, map[string]*fakeProvider{"local": local})

	sessionID := e.Memory().CreateSession("u1")
	_, err := e.ExecuteTask(context.Background(), TaskRequest{
		Instruction: "explain the logic here", Agent: TypeReasoner, SessionID: sessionID,
	})
	require.NoError(t, err)

	history, err := e.Memory().History(sessionID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "assistant", history[1].Role)
	assert.Equal(t, TypeReasoner, history[1].Agent)
}

func TestStreamingEventOrder(t *testing.T) {
	cloud := &fakeProvider{
		name:      "vision_cloud",
		available: true,
		replies:   []llms.Reply{{Text: "streamed answer"}},
	}
	e := testEngine(t, map[string]*fakeProvider{"vision_cloud": cloud})

	events := e.ExecuteTaskStreaming(context.Background(), TaskRequest{
		Instruction: "hello", Agent: TypeVisionCloud,
	})

	var types []string
	var doneData map[string]any
	for ev := range events {
		types = append(types, ev.Type)
		if ev.Type == "done" {
			doneData = ev.Data
		}
	}
	require.NotEmpty(t, types)
	assert.Equal(t, "start", types[0])
	assert.Equal(t, "done", types[len(types)-1])
	assert.Contains(t, types, "chunk")
	assert.Equal(t, "streamed answer", doneData["response"])
	assert.Equal(t, TypeVisionCloud, doneData["agent_used"])
}

func TestReactLoopStopsAtIterationCap(t *testing.T) {
	local := &fakeProvider{
		name:      "local",
		available: true,
		// Always asks for another tool; the loop has to cut it off.
		replies: []llms.Reply{{Text: "Still checking.\nTOOL: glob_files\nARGS: {\"pattern\": \"*.py\"}"}},
	}
	e := testEngine(t, map[string]*fakeProvider{"local": local})

	result, err := e.ExecuteTask(context.Background(), TaskRequest{
		Instruction: "audit everything", Agent: TypeCoder,
	})
	require.NoError(t, err)
	assert.True(t, result.BudgetExhausted)
	assert.Equal(t, "Still checking.", result.Response)
	require.Len(t, result.ToolsUsed, 6)
	assert.Equal(t, string(errs.KindBudget), result.ToolsUsed[5])
	for _, name := range result.ToolsUsed[:5] {
		assert.Equal(t, "glob_files", name)
	}
}

func TestStreamingToolEventSchema(t *testing.T) {
	local := &fakeProvider{
		name:      "local",
		available: true,
		replies: []llms.Reply{
			{Text: "TOOL: glob_files\nARGS: {\"pattern\": \"*.py\"}"},
			{Text: "One Python file."},
		},
	}
	e := testEngine(t, map[string]*fakeProvider{"local": local})

	events := e.ExecuteTaskStreaming(context.Background(), TaskRequest{
		Instruction: "count python files", Agent: TypeCoder,
	})

	var types []string
	var toolData, doneData map[string]any
	for ev := range events {
		types = append(types, ev.Type)
		switch ev.Type {
		case "tool":
			toolData = ev.Data
		case "done":
			doneData = ev.Data
		}
	}
	assert.Equal(t, []string{"start", "tool", "chunk", "done"}, types)

	require.NotNil(t, toolData)
	assert.Equal(t, "glob_files", toolData["name"])
	assert.Equal(t, map[string]any{"pattern": "*.py"}, toolData["args"])
	_, hasElapsed := toolData["elapsed_ms"].(float64)
	assert.True(t, hasElapsed)

	require.NotNil(t, doneData)
	assert.Equal(t, false, doneData["budget_exhausted"])
	assert.Equal(t, []string{"glob_files"}, doneData["tools_used"])
}

func TestStreamingBudgetCapReachesDoneEvent(t *testing.T) {
	local := &fakeProvider{
		name:      "local",
		available: true,
		replies:   []llms.Reply{{Text: "Still checking.\nTOOL: glob_files\nARGS: {\"pattern\": \"*.py\"}"}},
	}
	e := testEngine(t, map[string]*fakeProvider{"local": local})

	events := e.ExecuteTaskStreaming(context.Background(), TaskRequest{
		Instruction: "audit everything", Agent: TypeCoder,
	})

	toolEvents := 0
	var doneData map[string]any
	for ev := range events {
		switch ev.Type {
		case "tool":
			toolEvents++
		case "done":
			doneData = ev.Data
		}
	}
	assert.Equal(t, 5, toolEvents)
	require.NotNil(t, doneData)
	assert.Equal(t, true, doneData["budget_exhausted"])
	assert.Contains(t, doneData["tools_used"], string(errs.KindBudget))
}

func TestStreamingEmitsErrorEvent(t *testing.T) {
	// No backends registered: resolution fails before any work starts.
	e := testEngine(t, nil)

	events := e.ExecuteTaskStreaming(context.Background(), TaskRequest{
		Instruction: "plan something", Agent: TypeReasoner,
	})

	var collected []StreamEvent
	for ev := range events {
		collected = append(collected, ev)
	}
	require.Len(t, collected, 1)
	assert.Equal(t, "error", collected[0].Type)
	assert.NotEmpty(t, collected[0].Data["content"])
	assert.NotEmpty(t, collected[0].Data["kind"])
}

// floodProvider streams far more chunks than the event buffer holds.
type floodProvider struct {
	chunks int
}

func (f *floodProvider) Name() string    { return "flood" }
func (f *floodProvider) Available() bool { return true }

func (f *floodProvider) Chat(ctx context.Context, messages []llms.Message, opts llms.Options) (*llms.Reply, error) {
	return &llms.Reply{Text: "x"}, nil
}

func (f *floodProvider) ChatStream(ctx context.Context, messages []llms.Message, opts llms.Options) (<-chan llms.StreamEvent, error) {
	ch := make(chan llms.StreamEvent, f.chunks+1)
	go func() {
		defer close(ch)
		for i := 0; i < f.chunks; i++ {
			ch <- llms.StreamEvent{Type: llms.EventChunk, Content: "x"}
		}
		ch <- llms.StreamEvent{Type: llms.EventDone}
	}()
	return ch, nil
}

func TestStreamingCutsOffStalledConsumer(t *testing.T) {
	flood := &floodProvider{chunks: 2 * llms.StreamBufferSize}
	e := testEngineProviders(t, map[string]llms.LLMProvider{"vision_cloud": flood})
	e.stallTimeout = 100 * time.Millisecond

	events := e.ExecuteTaskStreaming(context.Background(), TaskRequest{
		Instruction: "hello", Agent: TypeVisionCloud,
	})

	// Stall long enough for the producer to give up, then drain.
	time.Sleep(150 * time.Millisecond)

	var last StreamEvent
	for ev := range events {
		last = ev
	}
	require.Equal(t, "error", last.Type)
	assert.Equal(t, string(errs.KindBackpressure), last.Data["kind"])

	// The producer cleaned up after itself.
	assert.Empty(t, e.ActiveTasks())
}

func TestActiveTasksDrainAfterExecution(t *testing.T) {
	local := &fakeProvider{name: "local", available: true, replies: []llms.Reply{{Text: "ok"}}}
	e := testEngine(t, map[string]*fakeProvider{"local": local})

	_, err := e.ExecuteTask(context.Background(), TaskRequest{Instruction: "plan something", Agent: TypeReasoner})
	require.NoError(t, err)

	assert.Empty(t, e.ActiveTasks())
	stats := e.Stats()
	assert.Equal(t, 1, stats[TypeReasoner].Tasks)
	assert.Zero(t, stats[TypeReasoner].Failures)
}
