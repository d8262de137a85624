package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/logger"
)

// Generator produces a plain completion from a named agent. Satisfied
// by the engine.
type Generator interface {
	Generate(ctx context.Context, agentType, prompt string) (string, error)
}

// plannerAgent creates plans; the reasoner is the dedicated planner.
const plannerAgent = "reasoner"

const planPromptTemplate = `Create a step-by-step plan for this goal: %s
%s
Respond with JSON only, in this shape:
{
  "goal": "restated goal",
  "steps": [
    {"action": "what to do", "agent": "coder|researcher|executor|reasoner|general", "tools": ["tool names needed"], "priority": "critical|high|medium|low", "estimated_duration": 30, "depends_on": []}
  ],
  "required_agents": ["agents the plan needs"],
  "required_tools": ["tools the plan needs"],
  "expected_output": "what success looks like",
  "estimated_total_duration": 60,
  "risks": ["possible problems"]
}

Durations are in seconds. depends_on lists the 1-based numbers of steps
that must finish first.`

// Planner asks an agent to decompose goals into plans.
type Planner struct {
	gen    Generator
	store  *PlanStore
	logger *slog.Logger
}

// NewPlanner creates a planner writing into store.
func NewPlanner(gen Generator, store *PlanStore) *Planner {
	return &Planner{gen: gen, store: store, logger: logger.Get("planner")}
}

// CreatePlan produces, validates, and persists a plan for a goal.
// taskContext is optional caller-supplied background injected into the
// prompt. A plan is always returned: unparseable model output degrades
// to a one-step plan executing the goal directly.
func (p *Planner) CreatePlan(ctx context.Context, goal string, taskContext map[string]any) (*Plan, error) {
	var ctxBlock string
	if len(taskContext) > 0 {
		if data, err := json.Marshal(taskContext); err == nil {
			ctxBlock = fmt.Sprintf("\nContext:\n%s\n", data)
		}
	}
	raw, err := p.gen.Generate(ctx, plannerAgent, fmt.Sprintf(planPromptTemplate, goal, ctxBlock))
	if err != nil {
		return nil, err
	}

	plan, parseErr := parsePlan(raw, goal)
	if parseErr != nil {
		p.logger.Warn("plan parse failed, using fallback plan", "error", parseErr)
		plan = fallbackPlan(goal, parseErr)
	}

	plan.ID = uuid.NewString()
	plan.Status = StatusPending
	plan.CreatedAt = time.Now()
	plan.UpdatedAt = plan.CreatedAt
	normalizeSteps(plan)

	if err := p.store.Put(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// parsePlan tries the JSON shape first, then the GOAL:/STEP N: line
// format some models produce instead.
func parsePlan(raw, goal string) (*Plan, error) {
	if plan, err := parseJSONPlan(raw, goal); err == nil {
		return plan, nil
	}
	return parseTextPlan(raw, goal)
}

type rawStep struct {
	Action            string   `json:"action"`
	Agent             string   `json:"agent"`
	Tools             []string `json:"tools"`
	Priority          string   `json:"priority"`
	EstimatedDuration int      `json:"estimated_duration"`
	DependsOn         []any    `json:"depends_on"`
}

func parseJSONPlan(raw, goal string) (*Plan, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in plan output")
	}

	var parsed struct {
		Goal              string    `json:"goal"`
		Steps             []rawStep `json:"steps"`
		RequiredAgents    []string  `json:"required_agents"`
		RequiredTools     []string  `json:"required_tools"`
		ExpectedOutput    string    `json:"expected_output"`
		EstimatedDuration int       `json:"estimated_total_duration"`
		Risks             []string  `json:"risks"`
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), &parsed); err != nil {
		return nil, fmt.Errorf("invalid plan JSON: %w", err)
	}
	if len(parsed.Steps) == 0 {
		return nil, fmt.Errorf("plan has no steps")
	}

	plan := &Plan{
		Goal:                      parsed.Goal,
		RequiredAgents:            parsed.RequiredAgents,
		RequiredTools:             parsed.RequiredTools,
		ExpectedOutput:            parsed.ExpectedOutput,
		EstimatedTotalDurationSec: parsed.EstimatedDuration,
		Risks:                     parsed.Risks,
	}
	if plan.Goal == "" {
		plan.Goal = goal
	}
	for i, rs := range parsed.Steps {
		step := PlanStep{
			ID:                   fmt.Sprintf("step_%d", i+1),
			Action:               rs.Action,
			Agent:                rs.Agent,
			ToolsRequired:        rs.Tools,
			Priority:             rs.Priority,
			EstimatedDurationSec: rs.EstimatedDuration,
			Status:               StatusPending,
		}
		for _, dep := range rs.DependsOn {
			switch v := dep.(type) {
			case float64:
				step.DependsOn = append(step.DependsOn, fmt.Sprintf("step_%d", int(v)))
			case string:
				if strings.HasPrefix(v, "step_") {
					step.DependsOn = append(step.DependsOn, v)
				} else {
					var n int
					if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
						step.DependsOn = append(step.DependsOn, fmt.Sprintf("step_%d", n))
					}
				}
			}
		}
		plan.Steps = append(plan.Steps, step)
	}
	return plan, nil
}

var stepLinePattern = regexp.MustCompile(`(?i)^STEP\s+(\d+)\s*[:.]\s*(.+)$`)

func parseTextPlan(raw, goal string) (*Plan, error) {
	plan := &Plan{Goal: goal}
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if after, ok := strings.CutPrefix(line, "GOAL:"); ok {
			plan.Goal = strings.TrimSpace(after)
			continue
		}
		if m := stepLinePattern.FindStringSubmatch(line); m != nil {
			plan.Steps = append(plan.Steps, PlanStep{
				ID:       fmt.Sprintf("step_%d", len(plan.Steps)+1),
				Action:   strings.TrimSpace(m[2]),
				Agent:    "general",
				Priority: PriorityMedium,
				Status:   StatusPending,
			})
		}
	}
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("no steps found in plan output")
	}
	return plan, nil
}

// fallbackPlan is the degenerate plan used when the model output could
// not be parsed at all: execute the goal as a single critical step.
func fallbackPlan(goal string, parseErr error) *Plan {
	return &Plan{
		Goal: goal,
		Steps: []PlanStep{{
			ID:                   "step_1",
			Action:               goal,
			Agent:                "general",
			Priority:             PriorityCritical,
			EstimatedDurationSec: defaultPlanDurationSec,
			Status:               StatusPending,
		}},
		RequiredAgents:            []string{"general"},
		ExpectedOutput:            "Task completed",
		EstimatedTotalDurationSec: defaultPlanDurationSec,
		Risks:                     []string{fmt.Sprintf("Plan parsing failed: %v", parseErr)},
	}
}

var validPriorities = map[string]bool{
	PriorityCritical: true,
	PriorityHigh:     true,
	PriorityMedium:   true,
	PriorityLow:      true,
}

// normalizeSteps fixes up fields, fills in missing estimates and
// plan-level requirements, and drops dependency back-edges so the
// source order is a valid topological order.
func normalizeSteps(plan *Plan) {
	index := make(map[string]int, len(plan.Steps))
	for i := range plan.Steps {
		index[plan.Steps[i].ID] = i
	}
	agents := map[string]bool{}
	toolSet := map[string]bool{}
	totalEstimate := 0
	for i := range plan.Steps {
		step := &plan.Steps[i]
		if step.Agent == "" {
			step.Agent = "general"
		}
		if !validPriorities[step.Priority] {
			step.Priority = PriorityMedium
		}
		if step.EstimatedDurationSec <= 0 {
			step.EstimatedDurationSec = defaultStepDurationSec
		}
		totalEstimate += step.EstimatedDurationSec
		agents[step.Agent] = true
		for _, t := range step.ToolsRequired {
			toolSet[t] = true
		}
		step.Status = StatusPending

		var deps []string
		for _, dep := range step.DependsOn {
			j, ok := index[dep]
			if !ok || j >= i {
				// Unknown or forward/self references would deadlock the
				// sequential executor; drop them.
				continue
			}
			deps = append(deps, dep)
		}
		step.DependsOn = deps
	}

	if len(plan.RequiredAgents) == 0 {
		for a := range agents {
			plan.RequiredAgents = append(plan.RequiredAgents, a)
		}
		sort.Strings(plan.RequiredAgents)
	}
	if len(plan.RequiredTools) == 0 && len(toolSet) > 0 {
		for t := range toolSet {
			plan.RequiredTools = append(plan.RequiredTools, t)
		}
		sort.Strings(plan.RequiredTools)
	}
	if plan.EstimatedTotalDurationSec <= 0 {
		plan.EstimatedTotalDurationSec = totalEstimate
	}
	if plan.ExpectedOutput == "" {
		plan.ExpectedOutput = "Task completed"
	}
}
