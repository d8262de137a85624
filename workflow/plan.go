// Package workflow turns goals into multi-step plans and executes them
// across agents, honoring step dependencies and priorities.
package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/arbiterhq/arbiter/errs"
)

// Step priorities.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
	PriorityLow      = "low"
)

// Step and plan statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusSkipped    = "skipped"
)

// Default duration estimates (seconds) when the model omits them.
const (
	defaultStepDurationSec = 30
	defaultPlanDurationSec = 60
)

// PlanStep is one unit of a plan. DependsOn names earlier step ids.
// EstimatedDurationSec is the model's estimate; the executor bounds each
// step at twice that. DurationSec is the measured wall time.
type PlanStep struct {
	ID                   string   `json:"id"`
	Action               string   `json:"action"`
	Agent                string   `json:"agent"`
	ToolsRequired        []string `json:"tools_required"`
	Priority             string   `json:"priority"`
	DependsOn            []string `json:"depends_on"`
	EstimatedDurationSec int      `json:"estimated_duration"`
	Status               string   `json:"status"`
	Result               string   `json:"result,omitempty"`
	Error                string   `json:"error,omitempty"`
	StatusNote           string   `json:"status_note,omitempty"`
	DurationSec          float64  `json:"duration_sec,omitempty"`
}

// Plan is an ordered list of steps toward a goal.
type Plan struct {
	ID                        string     `json:"id"`
	Goal                      string     `json:"goal"`
	Steps                     []PlanStep `json:"steps"`
	RequiredAgents            []string   `json:"required_agents"`
	RequiredTools             []string   `json:"required_tools"`
	ExpectedOutput            string     `json:"expected_output"`
	EstimatedTotalDurationSec int        `json:"estimated_total_duration"`
	Risks                     []string   `json:"risks,omitempty"`
	Status                    string     `json:"status"`
	CreatedAt                 time.Time  `json:"created_at"`
	UpdatedAt                 time.Time  `json:"updated_at"`
}

// StepByID returns a pointer into the plan's step slice.
func (p *Plan) StepByID(id string) *PlanStep {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// StatusCounts tallies steps by status.
func (p *Plan) StatusCounts() map[string]int {
	counts := map[string]int{}
	for _, s := range p.Steps {
		counts[s.Status]++
	}
	return counts
}

// PlanStore keeps plans in memory and mirrors them to disk as
// plan_<id>.json files.
type PlanStore struct {
	mu    sync.RWMutex
	plans map[string]*Plan
	dir   string
}

// NewPlanStore opens a store rooted at dir.
func NewPlanStore(dir string) (*PlanStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create plan dir: %w", err)
	}
	return &PlanStore{plans: map[string]*Plan{}, dir: dir}, nil
}

// Put stores a plan and persists it.
func (s *PlanStore) Put(plan *Plan) error {
	s.mu.Lock()
	s.plans[plan.ID] = plan
	s.mu.Unlock()
	return s.persist(plan)
}

// Get returns a plan by id.
func (s *PlanStore) Get(id string) (*Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan, ok := s.plans[id]
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "plan not found: %s", id)
	}
	return plan, nil
}

func (s *PlanStore) persist(plan *Plan) error {
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, fmt.Sprintf("plan_%s.json", plan.ID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to persist plan: %w", err)
	}
	return nil
}
