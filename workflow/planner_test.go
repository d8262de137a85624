package workflow

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGen returns a canned completion regardless of agent.
type fakeGen struct {
	output string
	err    error
}

func (f *fakeGen) Generate(ctx context.Context, agentType, prompt string) (string, error) {
	return f.output, f.err
}

// recordingGen keeps the last prompt it saw.
type recordingGen struct {
	output string
	prompt string
}

func (r *recordingGen) Generate(ctx context.Context, agentType, prompt string) (string, error) {
	r.prompt = prompt
	return r.output, nil
}

func newTestPlanner(t *testing.T, output string) (*Planner, *PlanStore) {
	t.Helper()
	store, err := NewPlanStore(t.TempDir())
	require.NoError(t, err)
	return NewPlanner(&fakeGen{output: output}, store), store
}

func TestCreatePlanFromJSON(t *testing.T) {
	p, store := newTestPlanner(t, `Here is the plan:
{
  "goal": "build a todo app",
  "steps": [
    {"action": "design the schema", "agent": "reasoner", "tools": [], "priority": "critical", "estimated_duration": 45, "depends_on": []},
    {"action": "write the code", "agent": "coder", "tools": ["write_file"], "priority": "high", "estimated_duration": 90, "depends_on": [1]},
    {"action": "test it", "agent": "executor", "tools": ["run_command"], "priority": "medium", "depends_on": [2]}
  ],
  "required_agents": ["reasoner", "coder", "executor"],
  "required_tools": ["write_file", "run_command"],
  "expected_output": "A working todo app",
  "estimated_total_duration": 180,
  "risks": ["scope creep"]
}`)

	plan, err := p.CreatePlan(context.Background(), "build a todo app", nil)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 3)
	assert.GreaterOrEqual(t, len(plan.Steps), 2)
	assert.Equal(t, "build a todo app", plan.Goal)
	assert.Equal(t, "step_1", plan.Steps[0].ID)
	assert.Equal(t, []string{"step_1"}, plan.Steps[1].DependsOn)
	assert.Equal(t, []string{"step_2"}, plan.Steps[2].DependsOn)
	assert.Equal(t, StatusPending, plan.Status)
	assert.Equal(t, []string{"scope creep"}, plan.Risks)

	assert.Equal(t, []string{"write_file"}, plan.Steps[1].ToolsRequired)
	assert.Equal(t, 90, plan.Steps[1].EstimatedDurationSec)
	// A step without an estimate gets the default.
	assert.Equal(t, defaultStepDurationSec, plan.Steps[2].EstimatedDurationSec)
	assert.Equal(t, []string{"reasoner", "coder", "executor"}, plan.RequiredAgents)
	assert.Equal(t, []string{"write_file", "run_command"}, plan.RequiredTools)
	assert.Equal(t, "A working todo app", plan.ExpectedOutput)
	assert.Equal(t, 180, plan.EstimatedTotalDurationSec)

	// The plan is persisted as plan_<id>.json.
	_, err = os.Stat(fmt.Sprintf("%s/plan_%s.json", store.dir, plan.ID))
	assert.NoError(t, err)

	got, err := store.Get(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.ID, got.ID)
}

func TestCreatePlanDerivesMissingPlanFields(t *testing.T) {
	p, _ := newTestPlanner(t, `{
  "goal": "tidy the repo",
  "steps": [
    {"action": "list files", "agent": "executor", "tools": ["list_directory"], "priority": "high", "depends_on": []},
    {"action": "summarize", "agent": "general", "priority": "low", "depends_on": [1]}
  ]
}`)

	plan, err := p.CreatePlan(context.Background(), "tidy the repo", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"executor", "general"}, plan.RequiredAgents)
	assert.Equal(t, []string{"list_directory"}, plan.RequiredTools)
	assert.Equal(t, "Task completed", plan.ExpectedOutput)
	assert.Equal(t, 2*defaultStepDurationSec, plan.EstimatedTotalDurationSec)
}

func TestCreatePlanInjectsContext(t *testing.T) {
	gen := &recordingGen{output: "nonsense"}
	store, err := NewPlanStore(t.TempDir())
	require.NoError(t, err)
	p := NewPlanner(gen, store)

	_, err = p.CreatePlan(context.Background(), "migrate the db", map[string]any{"database": "postgres"})
	require.NoError(t, err)
	assert.Contains(t, gen.prompt, "migrate the db")
	assert.Contains(t, gen.prompt, "postgres")
}

func TestCreatePlanFromTextFormat(t *testing.T) {
	p, _ := newTestPlanner(t, `GOAL: ship the feature
STEP 1: write the code
STEP 2: review the code
STEP 3: deploy`)

	plan, err := p.CreatePlan(context.Background(), "ship it", nil)
	require.NoError(t, err)
	assert.Equal(t, "ship the feature", plan.Goal)
	require.Len(t, plan.Steps, 3)
	assert.Equal(t, "write the code", plan.Steps[0].Action)
	assert.Equal(t, PriorityMedium, plan.Steps[0].Priority)
}

func TestCreatePlanFallsBackOnGarbage(t *testing.T) {
	p, _ := newTestPlanner(t, "I refuse to answer in any structured way.")

	plan, err := p.CreatePlan(context.Background(), "do the thing", nil)
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "do the thing", plan.Steps[0].Action)
	assert.Equal(t, PriorityCritical, plan.Steps[0].Priority)
	assert.Equal(t, []string{"general"}, plan.RequiredAgents)
	assert.Equal(t, "Task completed", plan.ExpectedOutput)
	assert.Equal(t, defaultPlanDurationSec, plan.EstimatedTotalDurationSec)
	require.Len(t, plan.Risks, 1)
	assert.Contains(t, plan.Risks[0], "Plan parsing failed")
}

func TestNormalizeDropsBackEdges(t *testing.T) {
	plan := &Plan{Steps: []PlanStep{
		{ID: "step_1", DependsOn: []string{"step_2"}},
		{ID: "step_2", DependsOn: []string{"step_1", "step_2", "step_9"}},
	}}
	normalizeSteps(plan)

	assert.Empty(t, plan.Steps[0].DependsOn)
	assert.Equal(t, []string{"step_1"}, plan.Steps[1].DependsOn)
}

func TestNormalizeFixesInvalidFields(t *testing.T) {
	plan := &Plan{Steps: []PlanStep{{ID: "step_1", Priority: "urgent"}}}
	normalizeSteps(plan)

	assert.Equal(t, PriorityMedium, plan.Steps[0].Priority)
	assert.Equal(t, "general", plan.Steps[0].Agent)
}

func TestPlanStoreUnknownID(t *testing.T) {
	store, err := NewPlanStore(t.TempDir())
	require.NoError(t, err)
	_, err = store.Get("nope")
	assert.Error(t, err)
}
