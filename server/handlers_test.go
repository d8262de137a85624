package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterhq/arbiter/agent"
	"github.com/arbiterhq/arbiter/config"
	"github.com/arbiterhq/arbiter/errs"
	"github.com/arbiterhq/arbiter/llms"
	"github.com/arbiterhq/arbiter/memory"
	"github.com/arbiterhq/arbiter/team"
	"github.com/arbiterhq/arbiter/tools"
	"github.com/arbiterhq/arbiter/workflow"
)

// cannedGen satisfies the planner and team Generator interfaces.
type cannedGen struct {
	output string
}

func (g *cannedGen) Generate(ctx context.Context, agentType, prompt string) (string, error) {
	return g.output, nil
}

// fakeProvider is an always-available backend with a canned reply.
type fakeProvider struct {
	text string
}

func (p *fakeProvider) Name() string    { return "fake" }
func (p *fakeProvider) Available() bool { return true }

func (p *fakeProvider) Chat(ctx context.Context, messages []llms.Message, opts llms.Options) (*llms.Reply, error) {
	return &llms.Reply{Text: p.text}, nil
}

func (p *fakeProvider) ChatStream(ctx context.Context, messages []llms.Message, opts llms.Options) (<-chan llms.StreamEvent, error) {
	ch := make(chan llms.StreamEvent, 2)
	ch <- llms.StreamEvent{Type: llms.EventChunk, Content: p.text}
	ch <- llms.StreamEvent{Type: llms.EventDone}
	close(ch)
	return ch, nil
}

// stubSandbox records the last run and returns canned results.
type stubSandbox struct {
	language string
	code     string
	timeout  time.Duration
	output   string
	err      error
}

func (s *stubSandbox) Run(ctx context.Context, language, code string, timeout time.Duration) (string, error) {
	s.language, s.code, s.timeout = language, code, timeout
	return s.output, s.err
}

type serverFixture struct {
	srv     *httptest.Server
	sandbox *stubSandbox
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	root := t.TempDir()

	cfg := &config.Config{}
	cfg.Workspace.ProjectRoot = root
	cfg.Memory.Dir = filepath.Join(root, "memory")

	toolReg, err := tools.NewBuiltinRegistry(cfg)
	require.NoError(t, err)
	mem, err := memory.NewStore(cfg.Memory.Dir)
	require.NoError(t, err)

	providers := llms.NewLLMRegistry()
	require.NoError(t, providers.Register("local", &fakeProvider{text: "hi!"}))
	require.NoError(t, providers.Register("ollama", &fakeProvider{text: "hi!"}))
	engine := agent.NewEngine(providers, toolReg, mem, nil, nil)

	gen := &cannedGen{output: `{"choice": "A", "confidence": 0.9}`}
	planStore, err := workflow.NewPlanStore(cfg.Memory.Dir)
	require.NoError(t, err)
	planner := workflow.NewPlanner(gen, planStore)
	executor := workflow.NewExecutor(planStore, func(ctx context.Context, agentType, instruction string) (string, error) {
		return "ok", nil
	})
	coordinator, err := team.NewCoordinator(gen, cfg.Memory.Dir)
	require.NoError(t, err)

	sandbox := &stubSandbox{}
	s := New(config.ServerConfig{Host: "127.0.0.1", Port: 0}, engine, planner, executor, coordinator, nil, nil, sandbox)
	srv := httptest.NewServer(s.routes())
	t.Cleanup(srv.Close)
	return &serverFixture{srv: srv, sandbox: sandbox}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	return newServerFixture(t).srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestClassifyEndpoint(t *testing.T) {
	srv := newTestServer(t)
	resp := postJSON(t, srv.URL+"/classify", map[string]string{
		"instruction": "Write a fibonacci function in python",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "coder", body["agent_type"])
	assert.Equal(t, "single_agent", body["strategy"])

	classification := body["classification"].(map[string]any)
	assert.Equal(t, "simple", classification["complexity"])
	assert.Equal(t, true, classification["requires_tools"])

	agentCfg := body["agent_config"].(map[string]any)
	assert.Equal(t, "Code Specialist", agentCfg["name"])
}

func TestClassifyRequiresInstruction(t *testing.T) {
	srv := newTestServer(t)
	resp := postJSON(t, srv.URL+"/classify", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "error", body["status"])
	assert.NotEmpty(t, body["error"])
}

func TestChatRequiresMessage(t *testing.T) {
	srv := newTestServer(t)
	resp := postJSON(t, srv.URL+"/chat", map[string]string{"message": "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatStartsSessionAndSummarizes(t *testing.T) {
	srv := newTestServer(t)
	resp := postJSON(t, srv.URL+"/chat", map[string]string{"message": "hello there"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)

	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "hi!", body["response"])
	id, _ := body["session_id"].(string)
	require.NotEmpty(t, id)

	summary := body["conversation_summary"].(map[string]any)
	assert.Equal(t, 2.0, summary["total_messages"])

	// The session exists and holds the exchange.
	resp2, err := http.Get(srv.URL + "/session/" + id)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	session := decode(t, resp2)
	assert.Equal(t, 2.0, session["total_messages"])
}

func TestChatKeepsClientSessionID(t *testing.T) {
	srv := newTestServer(t)
	resp := postJSON(t, srv.URL+"/chat", map[string]string{
		"message":    "hello again",
		"session_id": "sess-abc",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "sess-abc", body["session_id"])

	resp2, err := http.Get(srv.URL + "/session/sess-abc")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	resp2.Body.Close()
}

func TestVoteRequiresTwoOptions(t *testing.T) {
	srv := newTestServer(t)
	resp := postJSON(t, srv.URL+"/vote", map[string]any{
		"question": "pick one",
		"options":  []string{"only"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode(t, resp)
	assert.Contains(t, body["error"], "at least 2 options")
}

func TestVoteEndpoint(t *testing.T) {
	srv := newTestServer(t)
	resp := postJSON(t, srv.URL+"/vote", map[string]any{
		"question": "pick one",
		"options":  []string{"A", "B"},
		"context":  "background",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "A", body["choice"])
	assert.Equal(t, 1.0, body["consensus"])
	_, hasReasoning := body["final_reasoning"]
	assert.True(t, hasReasoning)
}

func TestAgentsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/agents")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	agents := body["agents"].([]any)
	assert.Len(t, agents, 9)
	// Only the two fake backends are registered in this test.
	available := 0
	for _, a := range agents {
		if a.(map[string]any)["available"] == true {
			available++
		}
	}
	assert.Greater(t, available, 0)
}

func TestSessionLifecycle(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/session", map[string]string{"user_id": "u1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := decode(t, resp)["session_id"].(string)
	require.NotEmpty(t, id)

	resp, err := http.Get(srv.URL + "/session/" + id)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	summary := decode(t, resp)
	assert.Equal(t, id, summary["session_id"])
	assert.Equal(t, 0.0, summary["total_messages"])

	resp = postJSON(t, srv.URL+"/session/"+id+"/save", map[string]string{"name": "test"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/sessions")
	require.NoError(t, err)
	sessions := decode(t, resp)["sessions"].([]any)
	assert.Len(t, sessions, 1)
}

func TestSessionNotFound(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/session/does-not-exist")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "error", body["status"])
}

func TestPlanEndpointFallsBackGracefully(t *testing.T) {
	srv := newTestServer(t)
	resp := postJSON(t, srv.URL+"/plan", map[string]string{"task": "ship it"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	plan := decode(t, resp)
	require.NotEmpty(t, plan["plan_id"])
	steps := plan["steps"].([]any)
	require.NotEmpty(t, steps)
	assert.NotEmpty(t, plan["required_agents"])
	assert.Equal(t, "Task completed", plan["expected_output"])
	assert.Greater(t, plan["estimated_duration"], 0.0)

	// The created plan can be executed by id.
	resp = postJSON(t, srv.URL+"/plan/"+plan["plan_id"].(string)+"/execute", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decode(t, resp)
	assert.Equal(t, "completed", report["status"])
	assert.Equal(t, true, report["success"])
	assert.Equal(t, 1.0, report["steps_completed"])
}

func TestPlanExecuteUnknownID(t *testing.T) {
	srv := newTestServer(t)
	resp := postJSON(t, srv.URL+"/plan/nope/execute", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDelegateRequiresTask(t *testing.T) {
	srv := newTestServer(t)
	resp := postJSON(t, srv.URL+"/delegate", map[string]string{"from_agent": "general"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDelegateRoutesHelpRequests(t *testing.T) {
	srv := newTestServer(t)
	// No to_agent: the coordinator picks a helper.
	resp := postJSON(t, srv.URL+"/delegate", map[string]any{
		"from_agent":     "general",
		"task":           "xyzzy plugh",
		"parent_task_id": "task-3",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "reasoner", body["to"])
	assert.Equal(t, "task-3", body["parent_task_id"])
	assert.Equal(t, "normal", body["priority"])
}

func TestSandboxExecuteDefaults(t *testing.T) {
	fx := newServerFixture(t)
	fx.sandbox.output = "4\n"

	resp := postJSON(t, fx.srv.URL+"/sandbox/execute", map[string]any{"code": "print(2+2)"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "4\n", body["output"])
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "python", fx.sandbox.language)
	assert.Equal(t, "print(2+2)", fx.sandbox.code)
}

func TestSandboxExecuteRequiresCode(t *testing.T) {
	fx := newServerFixture(t)
	resp := postJSON(t, fx.srv.URL+"/sandbox/execute", map[string]any{"language": "python"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSandboxExecuteRejectsUnknownLanguage(t *testing.T) {
	fx := newServerFixture(t)
	fx.sandbox.err = errs.New(errs.KindValidation, "unsupported language: ruby")

	resp := postJSON(t, fx.srv.URL+"/sandbox/execute", map[string]any{
		"code":     "puts 1",
		"language": "ruby",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	body := decode(t, resp)
	assert.Contains(t, body["error"], "unsupported language")
}

func TestSandboxExecuteReportsRuntimeFailure(t *testing.T) {
	fx := newServerFixture(t)
	fx.sandbox.output = "Traceback (most recent call last)"
	fx.sandbox.err = errors.New("execution failed: exit status 1")

	resp := postJSON(t, fx.srv.URL+"/sandbox/execute", map[string]any{"code": "boom()"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "error", body["status"])
	assert.Contains(t, body["output"], "Traceback")
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t)
	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/chat", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
