package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/agent"
	"github.com/arbiterhq/arbiter/errs"
	"github.com/arbiterhq/arbiter/team"
)

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Agent     string `json:"agent"`
	ImageURL  string `json:"image_url"`
}

func (r chatRequest) toTask() agent.TaskRequest {
	return agent.TaskRequest{
		Instruction: r.Message,
		SessionID:   r.SessionID,
		Agent:       r.Agent,
		ImageURL:    r.ImageURL,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_tasks": len(s.engine.ActiveTasks()),
		"time":         time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeBadRequest(w, "message is required")
		return
	}
	// Every chat lives in a session. A missing id starts a fresh one;
	// an unknown id starts a session under that id.
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	s.engine.Memory().EnsureSession(req.SessionID, req.UserID)

	result, err := s.engine.ExecuteTask(r.Context(), req.toTask())
	if err != nil {
		writeError(w, err)
		return
	}

	summary := map[string]any{}
	if sum, serr := s.engine.Memory().GetSummary(req.SessionID); serr == nil {
		summary["total_messages"] = sum.TotalMessages
		summary["agents_used"] = sum.AgentsUsed
	}
	writeJSON(w, http.StatusOK, struct {
		*agent.TaskResult
		ConversationSummary map[string]any `json:"conversation_summary"`
		Status              string         `json:"status"`
	}{result, summary, "success"})
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeBadRequest(w, "message is required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	s.engine.Memory().EnsureSession(req.SessionID, req.UserID)

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.StreamClients.Inc()
		defer s.metrics.StreamClients.Dec()
	}

	// Client disconnect cancels the task through the request context.
	events := s.engine.ExecuteTaskStreaming(r.Context(), req.toTask())
	for ev := range events {
		if err := sse.send(ev.Type, ev.Data); err != nil {
			s.logger.Info("stream client gone", "error", err)
			return
		}
	}
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Instruction string `json:"instruction"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Instruction) == "" {
		writeBadRequest(w, "instruction is required")
		return
	}
	route := s.engine.Router().Route(req.Instruction)
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_type": route.Agent,
		"classification": map[string]any{
			"complexity":     route.Classification.Complexity,
			"confidence":     route.Classification.Confidence,
			"reasoning":      route.Classification.Reasoning,
			"requires_tools": route.Classification.RequiresTools,
		},
		"strategy":       route.Strategy,
		"estimated_time": route.EstimatedTime,
		"agent_config":   route.AgentMeta,
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": s.engine.ListAgents(),
		"stats":  s.engine.Stats(),
	})
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Question    string   `json:"question"`
		Options     []string `json:"options"`
		Voters      []string `json:"voters"`
		Context     string   `json:"context"`
		UseExternal bool     `json:"use_external"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeBadRequest(w, "question is required")
		return
	}
	result, err := s.coordinator.RunVote(r.Context(), req.Question, req.Options, req.Voters, req.Context, req.UseExternal)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Task    string         `json:"task"`
		Context map[string]any `json:"context"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Task) == "" {
		writeBadRequest(w, "task is required")
		return
	}
	plan, err := s.planner.CreatePlan(r.Context(), req.Task, req.Context)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"plan_id":            plan.ID,
		"goal":               plan.Goal,
		"steps":              plan.Steps,
		"required_agents":    plan.RequiredAgents,
		"required_tools":     plan.RequiredTools,
		"expected_output":    plan.ExpectedOutput,
		"estimated_duration": plan.EstimatedTotalDurationSec,
		"risks":              plan.Risks,
		"status":             plan.Status,
	})
}

func (s *Server) handlePlanExecute(w http.ResponseWriter, r *http.Request) {
	report, err := s.executor.Execute(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleDelegate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FromAgent    string         `json:"from_agent"`
		ToAgent      string         `json:"to_agent"`
		Task         string         `json:"task"`
		Context      map[string]any `json:"context"`
		ParentTaskID string         `json:"parent_task_id"`
		Priority     string         `json:"priority"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Task) == "" {
		writeBadRequest(w, "task is required")
		return
	}
	if req.FromAgent == "" {
		req.FromAgent = "general"
	}

	var result *team.Delegation
	var err error
	if req.ToAgent == "" {
		result, err = s.coordinator.RequestHelp(r.Context(), req.FromAgent, req.Task, req.Context, req.ParentTaskID)
	} else {
		result, err = s.coordinator.Delegate(r.Context(), team.DelegateRequest{
			From:         req.FromAgent,
			To:           req.ToAgent,
			Task:         req.Task,
			Context:      req.Context,
			ParentTaskID: req.ParentTaskID,
			Priority:     req.Priority,
		})
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCollaborate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Task        string   `json:"task"`
		Agents      []string `json:"agents"`
		SessionID   string   `json:"session_id"`
		Coordinator string   `json:"coordinator"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Task) == "" {
		writeBadRequest(w, "task is required")
		return
	}
	result, err := s.coordinator.Collaborate(r.Context(), req.Task, req.Agents, req.SessionID, req.Coordinator)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleSandboxExecute runs a code snippet through the sandbox runner.
// Not an isolation boundary beyond the project root, the interpreter
// dispatch, and the dangerous-command filter.
func (s *Server) handleSandboxExecute(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code     string `json:"code"`
		Language string `json:"language"`
		Timeout  int    `json:"timeout"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeBadRequest(w, "code is required")
		return
	}
	if req.Language == "" {
		req.Language = "python"
	}

	output, err := s.sandbox.Run(r.Context(), req.Language, req.Code, time.Duration(req.Timeout)*time.Second)
	if err != nil {
		kind := errs.KindOf(err)
		if kind == errs.KindValidation || kind == errs.KindRefused {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"output":  output,
			"error":   err.Error(),
			"status":  "error",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"output":  output,
		"status":  "completed",
	})
}

func queryDays(r *http.Request) int {
	days, err := strconv.Atoi(r.URL.Query().Get("days"))
	if err != nil || days <= 0 {
		return 7
	}
	return days
}

func (s *Server) handleAgentMetrics(w http.ResponseWriter, r *http.Request) {
	if s.evaluator == nil {
		writeBadRequest(w, "telemetry is disabled")
		return
	}
	m, err := s.evaluator.GetAgentMetrics(chi.URLParam(r, "agent"), queryDays(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleMetricsReport(w http.ResponseWriter, r *http.Request) {
	if s.evaluator == nil {
		writeBadRequest(w, "telemetry is disabled")
		return
	}
	report, err := s.evaluator.Report(queryDays(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"report": report})
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	// Body is optional for session creation.
	_ = decodeBody(r, &req)
	id := s.engine.Memory().CreateSession(req.UserID)
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id})
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": s.engine.Memory().ListSavedSessions(),
	})
}

func (s *Server) handleSessionSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.Memory().GetSummary(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	history, err := s.engine.Memory().History(chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": chi.URLParam(r, "id"),
		"messages":   history,
	})
}

func (s *Server) handleSessionSave(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	_ = decodeBody(r, &req)
	id := chi.URLParam(r, "id")
	if err := s.engine.Memory().SaveSession(id, req.Name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id, "status": "saved"})
}
