package workflow

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storedPlan(t *testing.T, steps []PlanStep) (*PlanStore, *Plan) {
	t.Helper()
	store, err := NewPlanStore(t.TempDir())
	require.NoError(t, err)
	plan := &Plan{ID: "p1", Goal: "test goal", Steps: steps, Status: StatusPending}
	require.NoError(t, store.Put(plan))
	return store, plan
}

func TestExecutorRunsStepsInOrder(t *testing.T) {
	store, _ := storedPlan(t, []PlanStep{
		{ID: "step_1", Action: "first", Agent: "coder", Priority: PriorityHigh, Status: StatusPending},
		{ID: "step_2", Action: "second", Agent: "executor", Priority: PriorityMedium, DependsOn: []string{"step_1"}, Status: StatusPending},
	})

	var ran []string
	exec := NewExecutor(store, func(ctx context.Context, agentType, instruction string) (string, error) {
		ran = append(ran, agentType)
		return "ok: " + agentType, nil
	})

	report, err := exec.Execute(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, []string{"coder", "executor"}, ran)
	assert.Equal(t, StatusCompleted, report.Status)
	assert.True(t, report.Success)
	assert.Equal(t, 2, report.StepsCompleted)
	assert.Equal(t, 2, report.Counts[StatusCompleted])
	assert.Equal(t, "ok: coder", report.Steps[0].Result)
}

func TestExecutorAppliesStepTimeBudget(t *testing.T) {
	store, _ := storedPlan(t, []PlanStep{
		{ID: "step_1", Action: "bounded", Agent: "coder", Priority: PriorityMedium, EstimatedDurationSec: 40, Status: StatusPending},
	})

	var deadline time.Time
	var hasDeadline bool
	exec := NewExecutor(store, func(ctx context.Context, agentType, instruction string) (string, error) {
		deadline, hasDeadline = ctx.Deadline()
		return "ok", nil
	})

	start := time.Now()
	report, err := exec.Execute(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, report.Success)

	// The step runs under twice its declared estimate.
	require.True(t, hasDeadline)
	assert.InDelta(t, 80, deadline.Sub(start).Seconds(), 5)
}

func TestExecutorFailsStepPastItsBudget(t *testing.T) {
	store, _ := storedPlan(t, []PlanStep{
		{ID: "step_1", Action: "stalls", Agent: "coder", Priority: PriorityMedium, EstimatedDurationSec: 1, Status: StatusPending},
	})

	exec := NewExecutor(store, func(ctx context.Context, agentType, instruction string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	report, err := exec.Execute(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, report.Steps[0].Status)
	assert.Contains(t, report.Steps[0].Error, "time budget")
	assert.Equal(t, 0, report.StepsCompleted)
}

func TestExecutorPassesEarlierResults(t *testing.T) {
	store, _ := storedPlan(t, []PlanStep{
		{ID: "step_1", Action: "gather data", Agent: "researcher", Priority: PriorityHigh, Status: StatusPending},
		{ID: "step_2", Action: "summarize", Agent: "general", Priority: PriorityMedium, DependsOn: []string{"step_1"}, Status: StatusPending},
	})

	var secondInstruction string
	exec := NewExecutor(store, func(ctx context.Context, agentType, instruction string) (string, error) {
		if agentType == "general" {
			secondInstruction = instruction
		}
		return "data from " + agentType, nil
	})

	_, err := exec.Execute(context.Background(), "p1")
	require.NoError(t, err)
	assert.Contains(t, secondInstruction, "test goal")
	assert.Contains(t, secondInstruction, "data from researcher")
	assert.Contains(t, secondInstruction, "step_1")
}

func TestExecutorSkipsWhenDependencyFailed(t *testing.T) {
	store, _ := storedPlan(t, []PlanStep{
		{ID: "step_1", Action: "will fail", Agent: "coder", Priority: PriorityHigh, Status: StatusPending},
		{ID: "step_2", Action: "needs step_1", Agent: "executor", Priority: PriorityMedium, DependsOn: []string{"step_1"}, Status: StatusPending},
		{ID: "step_3", Action: "independent", Agent: "general", Priority: PriorityLow, Status: StatusPending},
	})

	exec := NewExecutor(store, func(ctx context.Context, agentType, instruction string) (string, error) {
		if agentType == "coder" {
			return "", fmt.Errorf("boom")
		}
		return "ok", nil
	})

	report, err := exec.Execute(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, report.Steps[0].Status)
	assert.Equal(t, StatusSkipped, report.Steps[1].Status)
	assert.Equal(t, "Dependencies not met", report.Steps[1].StatusNote)
	assert.Equal(t, StatusCompleted, report.Steps[2].Status)
	// A non-critical failure does not fail the plan.
	assert.Equal(t, StatusCompleted, report.Status)
}

func TestExecutorAbortsOnCriticalFailure(t *testing.T) {
	store, _ := storedPlan(t, []PlanStep{
		{ID: "step_1", Action: "critical work", Agent: "coder", Priority: PriorityCritical, Status: StatusPending},
		{ID: "step_2", Action: "never runs", Agent: "general", Priority: PriorityLow, Status: StatusPending},
	})

	calls := 0
	exec := NewExecutor(store, func(ctx context.Context, agentType, instruction string) (string, error) {
		calls++
		return "", fmt.Errorf("fatal")
	})

	report, err := exec.Execute(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, StatusFailed, report.Status)
	assert.False(t, report.Success)
	assert.Equal(t, StatusFailed, report.Steps[0].Status)
	assert.Equal(t, StatusPending, report.Steps[1].Status)
}

func TestExecutorFirstStepHasNoContextBlock(t *testing.T) {
	store, _ := storedPlan(t, []PlanStep{
		{ID: "step_1", Action: "start", Agent: "general", Priority: PriorityMedium, Status: StatusPending},
	})

	var instruction string
	exec := NewExecutor(store, func(ctx context.Context, agentType, got string) (string, error) {
		instruction = got
		return "ok", nil
	})

	_, err := exec.Execute(context.Background(), "p1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(instruction, "Goal: test goal"))
	assert.NotContains(t, instruction, "previous_results")
}
