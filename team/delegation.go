// Package team implements agent-to-agent work: delegation, coordinated
// collaboration, and multi-agent voting.
package team

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/logger"
)

// Generator produces a plain completion from a named agent. Satisfied
// by the engine.
type Generator interface {
	Generate(ctx context.Context, agentType, prompt string) (string, error)
}

// Inter-agent message types.
const (
	MessageRequest  = "request"
	MessageResponse = "response"
	MessageQuery    = "query"
	MessageResult   = "result"
	MessageError    = "error"
)

// Delegation priorities.
const (
	PriorityHigh   = "high"
	PriorityNormal = "normal"
	PriorityLow    = "low"
)

// Message is one inter-agent exchange inside a delegation record.
// ResponseTo names the message id being answered.
type Message struct {
	ID               string    `json:"id"`
	Type             string    `json:"type"`
	From             string    `json:"from"`
	To               string    `json:"to"`
	Content          string    `json:"content"`
	Priority         string    `json:"priority"`
	RequiresResponse bool      `json:"requires_response"`
	ResponseTo       string    `json:"response_to,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Delegation records one handoff and its outcome.
type Delegation struct {
	ID           string         `json:"id"`
	From         string         `json:"from"`
	To           string         `json:"to"`
	Task         string         `json:"task"`
	Context      map[string]any `json:"context,omitempty"`
	Priority     string         `json:"priority"`
	ParentTaskID string         `json:"parent_task_id,omitempty"`
	Status       string         `json:"status"`
	Result       string         `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	Messages     []Message      `json:"messages"`
	CreatedAt    time.Time      `json:"created_at"`
}

// DelegateRequest describes one handoff to perform.
type DelegateRequest struct {
	From         string
	To           string
	Task         string
	Context      map[string]any
	ParentTaskID string
	Priority     string
}

// capabilities maps each agent to the task phrases it can take over.
// Help requests score candidates by word overlap with these.
var capabilities = map[string][]string{
	"coder":      {"write code", "debug code", "refactor code", "review code", "explain code", "optimize code"},
	"reasoner":   {"create plan", "analyze problem", "make decision", "evaluate options", "find solution", "explain logic"},
	"researcher": {"find information", "search documentation", "compare alternatives", "gather context", "verify facts"},
	"executor":   {"run command", "execute script", "test code", "deploy changes", "manage files"},
	"general":    {"answer question", "have conversation", "explain concept", "summarize text"},
}

// Coordinator routes work between agents.
type Coordinator struct {
	gen    Generator
	dir    string
	logger *slog.Logger

	mu      sync.RWMutex
	records map[string]*Delegation
	// activeCoordinator is set while a collaboration runs; help
	// requests with no capability match route to it first.
	activeCoordinator string
}

// NewCoordinator creates a coordinator persisting records under dir.
func NewCoordinator(gen Generator, dir string) (*Coordinator, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create delegation dir: %w", err)
	}
	return &Coordinator{
		gen:     gen,
		dir:     dir,
		logger:  logger.Get("team"),
		records: map[string]*Delegation{},
	}, nil
}

// PickHelper chooses the best agent for a task, never the requester.
// With no capability overlap the reasoner takes it, unless the reasoner
// is asking, in which case general does.
func (c *Coordinator) PickHelper(requester, task string) string {
	words := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(task)) {
		words[w] = true
	}

	best := ""
	bestScore := 0
	// Deterministic iteration: score all, then pick by score with a
	// fixed name order for ties.
	order := []string{"coder", "reasoner", "researcher", "executor", "general"}
	for _, agent := range order {
		if agent == requester {
			continue
		}
		score := 0
		for _, phrase := range capabilities[agent] {
			for _, w := range strings.Fields(phrase) {
				if words[w] {
					score++
				}
			}
		}
		if score > bestScore {
			best = agent
			bestScore = score
		}
	}
	if best == "" {
		if ac := c.currentCoordinator(); ac != "" && ac != requester {
			return ac
		}
		if requester == "reasoner" {
			return "general"
		}
		return "reasoner"
	}
	return best
}

func (c *Coordinator) currentCoordinator() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activeCoordinator
}

func (c *Coordinator) setActiveCoordinator(agent string) {
	c.mu.Lock()
	c.activeCoordinator = agent
	c.mu.Unlock()
}

// Delegate hands a task from one agent to another and records the
// exchange.
func (c *Coordinator) Delegate(ctx context.Context, req DelegateRequest) (*Delegation, error) {
	if req.Priority == "" {
		req.Priority = PriorityNormal
	}
	d := &Delegation{
		ID:           uuid.NewString(),
		From:         req.From,
		To:           req.To,
		Task:         req.Task,
		Context:      req.Context,
		Priority:     req.Priority,
		ParentTaskID: req.ParentTaskID,
		Status:       "in_progress",
		CreatedAt:    time.Now(),
	}
	request := Message{
		ID: uuid.NewString(), Type: MessageRequest,
		From: req.From, To: req.To, Content: req.Task,
		Priority: req.Priority, RequiresResponse: true,
		Timestamp: time.Now(),
	}
	d.Messages = append(d.Messages, request)

	prompt := fmt.Sprintf("Another agent (%s) has delegated this task to you:\n\n%s", req.From, req.Task)
	if len(req.Context) > 0 {
		if data, jerr := json.Marshal(req.Context); jerr == nil {
			prompt += fmt.Sprintf("\n\nContext:\n%s", data)
		}
	}
	result, err := c.gen.Generate(ctx, req.To, prompt)
	if err != nil {
		d.Status = "failed"
		d.Error = err.Error()
		d.Messages = append(d.Messages, Message{
			ID: uuid.NewString(), Type: MessageError,
			From: req.To, To: req.From, Content: err.Error(),
			Priority: req.Priority, ResponseTo: request.ID,
			Timestamp: time.Now(),
		})
	} else {
		d.Status = "completed"
		d.Result = result
		d.Messages = append(d.Messages, Message{
			ID: uuid.NewString(), Type: MessageResult,
			From: req.To, To: req.From, Content: result,
			Priority: req.Priority, ResponseTo: request.ID,
			Timestamp: time.Now(),
		})
	}

	c.mu.Lock()
	c.records[d.ID] = d
	c.mu.Unlock()
	if perr := c.persist(d); perr != nil {
		c.logger.Warn("delegation persist failed", "id", d.ID, "error", perr)
	}
	if err != nil {
		return d, err
	}
	return d, nil
}

// RequestHelp picks a helper for the requester's need and delegates.
func (c *Coordinator) RequestHelp(ctx context.Context, requester, need string, helpContext map[string]any, taskID string) (*Delegation, error) {
	helper := c.PickHelper(requester, need)
	c.logger.Info("help request routed", "from", requester, "to", helper)
	return c.Delegate(ctx, DelegateRequest{
		From: requester, To: helper, Task: need,
		Context: helpContext, ParentTaskID: taskID,
	})
}

// Record returns a delegation by id.
func (c *Coordinator) Record(id string) (*Delegation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.records[id]
	return d, ok
}

func (c *Coordinator) persist(d *Delegation) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(c.dir, fmt.Sprintf("delegation_%s.json", d.ID))
	return os.WriteFile(path, data, 0o644)
}
