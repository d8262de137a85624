package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/arbiterhq/arbiter/errs"
	"github.com/arbiterhq/arbiter/llms"
	"github.com/arbiterhq/arbiter/logger"
	"github.com/arbiterhq/arbiter/memory"
	"github.com/arbiterhq/arbiter/routing"
	"github.com/arbiterhq/arbiter/telemetry"
	"github.com/arbiterhq/arbiter/tools"
)

// historyWindow is how many prior session messages are replayed into a
// task's conversation.
const historyWindow = 10

// streamStallTimeout is how long a stalled stream consumer gets to
// drain before the stream is cut off with a backpressure error.
const streamStallTimeout = 30 * time.Second

// TaskRequest is one unit of work for the engine.
type TaskRequest struct {
	Instruction string
	SessionID   string
	Agent       string // explicit agent override; empty means route
	ImageURL    string
}

// TaskResult is the outcome of one executed task. BudgetExhausted is
// set when a tool loop hit its iteration cap and the answer is the last
// model text rather than a deliberate final one.
type TaskResult struct {
	TaskID          string          `json:"task_id"`
	SessionID       string          `json:"session_id,omitempty"`
	Response        string          `json:"response"`
	AgentUsed       string          `json:"agent_used"`
	AgentName       string          `json:"agent_name"`
	ToolsUsed       []string        `json:"tools_used"`
	BudgetExhausted bool            `json:"budget_exhausted,omitempty"`
	ExecutionTime   float64         `json:"execution_time"`
	Routing         routing.Routing `json:"routing"`
}

// ToolInvocation is one tool call made during a task.
type ToolInvocation struct {
	Name      string         `json:"name"`
	Args      map[string]any `json:"args"`
	ElapsedMS float64        `json:"elapsed_ms"`
}

func toolNames(invocations []ToolInvocation) []string {
	names := make([]string, 0, len(invocations))
	for _, inv := range invocations {
		names = append(names, inv.Name)
	}
	return names
}

// StreamEvent is one server-sent event of a streaming task.
type StreamEvent struct {
	Type string
	Data map[string]any
}

// ActiveTask describes one in-flight task.
type ActiveTask struct {
	TaskID      string    `json:"task_id"`
	Agent       string    `json:"agent"`
	Instruction string    `json:"instruction"`
	StartedAt   time.Time `json:"started_at"`
}

// AgentStats is the per-agent in-process counter set.
type AgentStats struct {
	Tasks         int     `json:"tasks"`
	Failures      int     `json:"failures"`
	TotalSeconds  float64 `json:"total_seconds"`
	LastExecution float64 `json:"last_execution_seconds"`
}

// Engine executes tasks: routes them, resolves a backend with fallback,
// runs the appropriate tool loop, and records telemetry.
type Engine struct {
	providers *llms.LLMRegistry
	tools     *tools.Registry
	memory    *memory.Store
	evaluator *telemetry.Evaluator
	metrics   *telemetry.Metrics
	router    *routing.Router
	logger    *slog.Logger

	// stallTimeout bounds a single blocked stream send.
	stallTimeout time.Duration

	mu     sync.RWMutex
	active map[string]ActiveTask
	stats  map[string]*AgentStats
}

// NewEngine wires the engine. evaluator and metrics may be nil.
func NewEngine(providers *llms.LLMRegistry, toolReg *tools.Registry, mem *memory.Store, evaluator *telemetry.Evaluator, metrics *telemetry.Metrics) *Engine {
	return &Engine{
		providers: providers,
		tools:     toolReg,
		memory:    mem,
		evaluator: evaluator,
		metrics:   metrics,
		router:    routing.NewRouter(routing.NewClassifier(), RoutingMeta()),
		logger:    logger.Get("engine"),

		stallTimeout: streamStallTimeout,

		active: map[string]ActiveTask{},
		stats:  map[string]*AgentStats{},
	}
}

// Router exposes the engine's router for the classify endpoint and the
// keyword table hot-reload.
func (e *Engine) Router() *routing.Router {
	return e.router
}

// Tools exposes the tool registry.
func (e *Engine) Tools() *tools.Registry {
	return e.tools
}

// Memory exposes the session store.
func (e *Engine) Memory() *memory.Store {
	return e.memory
}

// ActiveTasks returns a snapshot of in-flight tasks.
func (e *Engine) ActiveTasks() []ActiveTask {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]ActiveTask, 0, len(e.active))
	for _, t := range e.active {
		out = append(out, t)
	}
	return out
}

// Stats returns a snapshot of per-agent counters.
func (e *Engine) Stats() map[string]AgentStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]AgentStats, len(e.stats))
	for k, v := range e.stats {
		out[k] = *v
	}
	return out
}

func (e *Engine) trackStart(taskID, agent, instruction string) {
	e.mu.Lock()
	e.active[taskID] = ActiveTask{TaskID: taskID, Agent: agent, Instruction: instruction, StartedAt: time.Now()}
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.ActiveTasks.Inc()
	}
}

func (e *Engine) trackEnd(taskID, agent string, seconds float64, success bool) {
	e.mu.Lock()
	delete(e.active, taskID)
	st, ok := e.stats[agent]
	if !ok {
		st = &AgentStats{}
		e.stats[agent] = st
	}
	st.Tasks++
	if !success {
		st.Failures++
	}
	st.TotalSeconds += seconds
	st.LastExecution = seconds
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.ActiveTasks.Dec()
		e.metrics.ObserveTask(agent, seconds, success)
	}
}

// resolveAgent picks the agent for a request: explicit override wins,
// otherwise the router decides.
func (e *Engine) resolveAgent(req TaskRequest) (Profile, routing.Routing) {
	route := e.router.Route(req.Instruction)
	if req.Agent != "" {
		profile := ProfileFor(req.Agent)
		route.Agent = profile.Type
		route.AgentMeta = routing.AgentMeta{Name: profile.Name, Capabilities: profile.Capabilities, Speed: profile.Speed}
		return profile, route
	}
	return ProfileFor(route.Agent), route
}

// resolveProvider returns a usable backend for the profile, following
// the fallback chain when the primary has no credentials. The returned
// marker is non-empty when a fallback was taken.
func (e *Engine) resolveProvider(profile Profile) (llms.LLMProvider, Profile, string, error) {
	provider, err := e.providers.Get(profile.Backend)
	if err == nil && provider.Available() {
		return provider, profile, "", nil
	}

	fb, ok := fallbacks[profile.Type]
	if !ok {
		if err != nil {
			return nil, profile, "", err
		}
		return nil, profile, "", errs.Newf(errs.KindRefused, "backend %s unavailable for agent %s", profile.Backend, profile.Type)
	}

	e.logger.Warn("backend unavailable, falling back",
		"agent", profile.Type, "fallback", fb.Agent)
	fbProfile := ProfileFor(fb.Agent)
	fbProvider, fbErr := e.providers.Get(fbProfile.Backend)
	if fbErr != nil {
		return nil, profile, "", fbErr
	}
	if !fbProvider.Available() {
		return nil, profile, "", errs.Newf(errs.KindRefused, "fallback backend %s unavailable", fbProfile.Backend)
	}
	return fbProvider, fbProfile, fb.Marker, nil
}

// sessionHistory converts recent session messages into LLM turns.
func (e *Engine) sessionHistory(sessionID string) []llms.Message {
	if sessionID == "" || e.memory == nil {
		return nil
	}
	msgs, err := e.memory.History(sessionID, historyWindow)
	if err != nil {
		return nil
	}
	out := make([]llms.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		out = append(out, llms.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// ExecuteTask runs one task to completion.
func (e *Engine) ExecuteTask(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	taskID := uuid.NewString()
	profile, route := e.resolveAgent(req)

	provider, profile, marker, err := e.resolveProvider(profile)
	if err != nil {
		return nil, err
	}

	e.trackStart(taskID, profile.Type, req.Instruction)
	start := time.Now()

	ctx, span := telemetry.Tracer("engine").Start(ctx, "task.execute")
	span.SetAttributes(
		attribute.String("task.id", taskID),
		attribute.String("agent.type", profile.Type),
		attribute.String("agent.backend", profile.Backend),
	)

	response, invocations, exhausted, runErr := e.run(ctx, provider, profile, req)
	if runErr != nil {
		span.SetStatus(codes.Error, runErr.Error())
	}
	span.End()

	toolsUsed := toolNames(invocations)
	if exhausted {
		toolsUsed = append(toolsUsed, string(errs.KindBudget))
	}
	if marker != "" {
		toolsUsed = append([]string{marker}, toolsUsed...)
	}

	elapsed := time.Since(start).Seconds()
	e.trackEnd(taskID, profile.Type, elapsed, runErr == nil)
	e.record(req, profile, response, toolsUsed, elapsed, runErr)

	if runErr != nil {
		return nil, runErr
	}
	if toolsUsed == nil {
		toolsUsed = []string{}
	}
	return &TaskResult{
		TaskID:          taskID,
		SessionID:       req.SessionID,
		Response:        response,
		AgentUsed:       profile.Type,
		AgentName:       profile.Name,
		ToolsUsed:       toolsUsed,
		BudgetExhausted: exhausted,
		ExecutionTime:   elapsed,
		Routing:         route,
	}, nil
}

// run dispatches to the right execution mode for the profile.
func (e *Engine) run(ctx context.Context, provider llms.LLMProvider, profile Profile, req TaskRequest) (string, []ToolInvocation, bool, error) {
	history := e.sessionHistory(req.SessionID)

	switch {
	case profile.Vision && req.ImageURL != "":
		text, err := e.runVision(ctx, provider, profile, req)
		return text, nil, false, err
	case profile.NativeTools:
		return e.runNativeToolLoop(ctx, provider, profile, req.Instruction, history)
	case len(profile.ToolFamilies) > 0:
		text, used, exhausted, err := e.runReactLoop(ctx, provider, profile, req.Instruction, history)
		return stripToolLines(text), used, exhausted, err
	default:
		messages := append(history, llms.Message{Role: llms.RoleUser, Content: req.Instruction})
		reply, err := provider.Chat(ctx, messages, llms.Options{System: SystemPrompt(profile.Type), Temperature: 0.7})
		if err != nil {
			return "", nil, false, err
		}
		return reply.Text, nil, false, nil
	}
}

func (e *Engine) runVision(ctx context.Context, provider llms.LLMProvider, profile Profile, req TaskRequest) (string, error) {
	msg := llms.Message{
		Role: llms.RoleUser,
		Parts: []llms.ContentPart{
			{Type: "text", Text: req.Instruction},
			{Type: "image_url", ImageURL: req.ImageURL},
		},
	}
	reply, err := provider.Chat(ctx, []llms.Message{msg}, llms.Options{System: SystemPrompt(profile.Type), Temperature: 0.2})
	if err != nil {
		return "", err
	}
	return reply.Text, nil
}

// record writes the execution into session memory and telemetry. A
// fresh session id starts a session on first use.
func (e *Engine) record(req TaskRequest, profile Profile, response string, toolsUsed []string, seconds float64, runErr error) {
	if e.memory != nil && req.SessionID != "" {
		e.memory.EnsureSession(req.SessionID, "")
		_ = e.memory.AddMessage(req.SessionID, "user", req.Instruction, "", nil)
		if runErr == nil {
			_ = e.memory.AddMessage(req.SessionID, "assistant", response, profile.Type, toolsUsed)
		}
	}
	if e.evaluator != nil {
		errMsg := ""
		if runErr != nil {
			errMsg = runErr.Error()
		}
		if _, err := e.evaluator.LogExecution(telemetry.Execution{
			AgentType:  profile.Type,
			Task:       req.Instruction,
			Response:   response,
			DurationMS: seconds * 1000,
			Success:    runErr == nil,
			Error:      errMsg,
			ToolsUsed:  toolsUsed,
			SessionID:  req.SessionID,
		}); err != nil {
			e.logger.Warn("telemetry write failed", "error", err)
		}
	}
}

// Generate is the plain completion helper used by the planner, voting,
// and collaboration layers. No tools, no session, no telemetry.
func (e *Engine) Generate(ctx context.Context, agentType, prompt string) (string, error) {
	profile := ProfileFor(agentType)
	provider, profile, _, err := e.resolveProvider(profile)
	if err != nil {
		return "", err
	}
	reply, err := provider.Chat(ctx, []llms.Message{{Role: llms.RoleUser, Content: prompt}}, llms.Options{
		System:      SystemPrompt(profile.Type),
		Temperature: 0.7,
	})
	if err != nil {
		return "", err
	}
	return reply.Text, nil
}

// ExecuteTaskStreaming runs a task and emits start/chunk/tool/done/error
// events on the returned channel. The producer closes the channel after
// the terminal event.
func (e *Engine) ExecuteTaskStreaming(ctx context.Context, req TaskRequest) <-chan StreamEvent {
	out := make(chan StreamEvent, llms.StreamBufferSize)

	go func() {
		defer close(out)

		taskID := uuid.NewString()
		profile, route := e.resolveAgent(req)

		provider, profile, marker, err := e.resolveProvider(profile)
		if err != nil {
			e.send(ctx, out, errorEvent(err))
			return
		}

		if !e.send(ctx, out, StreamEvent{Type: "start", Data: map[string]any{
			"agent":      profile.Type,
			"agent_name": profile.Name,
			"routing":    route,
			"task_id":    taskID,
			"session_id": req.SessionID,
		}}) {
			return
		}

		e.trackStart(taskID, profile.Type, req.Instruction)
		start := time.Now()

		var response string
		var toolsUsed []string
		var exhausted bool
		var runErr error

		useToolLoop := profile.NativeTools || len(profile.ToolFamilies) > 0
		if profile.Vision && req.ImageURL != "" {
			useToolLoop = false
		}

		if useToolLoop {
			// Tool loops are request/response; the result arrives as a
			// single chunk after tool events.
			var invocations []ToolInvocation
			response, invocations, exhausted, runErr = e.run(ctx, provider, profile, req)
			toolsUsed = toolNames(invocations)
			if exhausted {
				toolsUsed = append(toolsUsed, string(errs.KindBudget))
			}
			for _, inv := range invocations {
				args := inv.Args
				if args == nil {
					args = map[string]any{}
				}
				if !e.send(ctx, out, StreamEvent{Type: "tool", Data: map[string]any{
					"name":       inv.Name,
					"args":       args,
					"elapsed_ms": inv.ElapsedMS,
				}}) {
					return
				}
			}
			if runErr == nil && response != "" {
				if !e.send(ctx, out, StreamEvent{Type: "chunk", Data: map[string]any{"content": response}}) {
					return
				}
			}
		} else {
			response, runErr = e.streamDirect(ctx, out, provider, profile, req)
		}

		if marker != "" {
			toolsUsed = append([]string{marker}, toolsUsed...)
			if runErr == nil && !e.send(ctx, out, StreamEvent{Type: "tool", Data: map[string]any{
				"name":       marker,
				"args":       map[string]any{},
				"elapsed_ms": 0.0,
			}}) {
				return
			}
		}

		elapsed := time.Since(start).Seconds()
		e.trackEnd(taskID, profile.Type, elapsed, runErr == nil)
		e.record(req, profile, response, toolsUsed, elapsed, runErr)

		if runErr != nil {
			// send already emitted the terminal backpressure event.
			if errs.KindOf(runErr) != errs.KindBackpressure {
				e.send(ctx, out, errorEvent(runErr))
			}
			return
		}
		if toolsUsed == nil {
			toolsUsed = []string{}
		}
		e.send(ctx, out, StreamEvent{Type: "done", Data: map[string]any{
			"execution_time":   elapsed,
			"tools_used":       toolsUsed,
			"budget_exhausted": exhausted,
			"response":         response,
			"agent_used":       profile.Type,
			"agent_name":       profile.Name,
		}})
	}()

	return out
}

func errorEvent(err error) StreamEvent {
	return StreamEvent{Type: "error", Data: map[string]any{
		"content": err.Error(),
		"kind":    string(errs.KindOf(err)),
	}}
}

// send delivers one event. A consumer that leaves the buffered channel
// full for the stall timeout forfeits the stream: a final backpressure
// error event is attempted and the producer gives up.
func (e *Engine) send(ctx context.Context, out chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	default:
	}
	timer := time.NewTimer(e.stallTimeout)
	defer timer.Stop()
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-timer.C:
		e.logger.Warn("stream consumer stalled, terminating", "timeout", e.stallTimeout)
		// The terminal event gets one more stall window to land; a
		// consumer that stays wedged past that just sees the close.
		grace := time.NewTimer(e.stallTimeout)
		defer grace.Stop()
		select {
		case out <- errorEvent(errs.New(errs.KindBackpressure, "stream consumer too slow")):
		case <-ctx.Done():
		case <-grace.C:
		}
		return false
	}
}

// streamDirect forwards model chunks as they arrive.
func (e *Engine) streamDirect(ctx context.Context, out chan<- StreamEvent, provider llms.LLMProvider, profile Profile, req TaskRequest) (string, error) {
	var messages []llms.Message
	if profile.Vision && req.ImageURL != "" {
		messages = []llms.Message{{
			Role: llms.RoleUser,
			Parts: []llms.ContentPart{
				{Type: "text", Text: req.Instruction},
				{Type: "image_url", ImageURL: req.ImageURL},
			},
		}}
	} else {
		messages = append(e.sessionHistory(req.SessionID), llms.Message{Role: llms.RoleUser, Content: req.Instruction})
	}

	events, err := provider.ChatStream(ctx, messages, llms.Options{System: SystemPrompt(profile.Type), Temperature: 0.7})
	if err != nil {
		return "", err
	}

	var response string
	for ev := range events {
		switch ev.Type {
		case llms.EventChunk:
			response += ev.Content
			if !e.send(ctx, out, StreamEvent{Type: "chunk", Data: map[string]any{"content": ev.Content}}) {
				if ctx.Err() != nil {
					return response, ctx.Err()
				}
				return response, errs.New(errs.KindBackpressure, "stream consumer too slow")
			}
		case llms.EventError:
			return response, ev.Err
		case llms.EventDone:
			return response, nil
		}
	}
	return response, nil
}

// AgentListing is the public catalog entry for the agents endpoint.
type AgentListing struct {
	Type         string   `json:"type"`
	Name         string   `json:"name"`
	Backend      string   `json:"backend"`
	Capabilities []string `json:"capabilities"`
	Speed        string   `json:"speed"`
	Quality      string   `json:"quality"`
	ToolFamilies []string `json:"tool_families"`
	Available    bool     `json:"available"`
}

// ListAgents returns the catalog with live availability.
func (e *Engine) ListAgents() []AgentListing {
	out := make([]AgentListing, 0, len(profiles))
	for _, p := range Profiles() {
		available := false
		if provider, err := e.providers.Get(p.Backend); err == nil {
			available = provider.Available()
		}
		families := make([]string, 0, len(p.ToolFamilies))
		for _, f := range p.ToolFamilies {
			families = append(families, string(f))
		}
		out = append(out, AgentListing{
			Type:         p.Type,
			Name:         p.Name,
			Backend:      p.Backend,
			Capabilities: p.Capabilities,
			Speed:        p.Speed,
			Quality:      p.Quality,
			ToolFamilies: families,
			Available:    available,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// String describes a task request briefly for logs.
func (r TaskRequest) String() string {
	if len(r.Instruction) > 60 {
		return fmt.Sprintf("%.60s...", r.Instruction)
	}
	return r.Instruction
}
