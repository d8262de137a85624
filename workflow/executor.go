package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/arbiterhq/arbiter/logger"
	"github.com/arbiterhq/arbiter/telemetry"
)

// StepRunner executes one plan step on a named agent.
type StepRunner func(ctx context.Context, agentType, instruction string) (string, error)

// stepContext is the execution context injected into each step's
// instruction so later steps can build on earlier results.
type stepContext struct {
	PlanGoal        string       `json:"plan_goal"`
	CurrentStep     string       `json:"current_step"`
	PreviousResults []stepResult `json:"previous_results"`
}

type stepResult struct {
	StepID string `json:"step_id"`
	Action string `json:"action"`
	Result string `json:"result"`
}

// ExecutionReport summarizes one plan run.
type ExecutionReport struct {
	PlanID         string         `json:"plan_id"`
	Status         string         `json:"status"`
	Success        bool           `json:"success"`
	StepsCompleted int            `json:"steps_completed"`
	Counts         map[string]int `json:"step_counts"`
	DurationMS     float64        `json:"duration_ms"`
	Steps          []PlanStep     `json:"steps"`
}

// Executor runs plans step by step in source order. A step runs only
// when all of its dependencies completed; otherwise it is skipped. A
// failed critical step fails the whole plan and aborts.
type Executor struct {
	store  *PlanStore
	run    StepRunner
	logger *slog.Logger
}

// NewExecutor creates an executor over the plan store.
func NewExecutor(store *PlanStore, run StepRunner) *Executor {
	return &Executor{store: store, run: run, logger: logger.Get("workflow")}
}

// Execute runs the identified plan to completion or abort.
func (e *Executor) Execute(ctx context.Context, planID string) (*ExecutionReport, error) {
	plan, err := e.store.Get(planID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	plan.Status = StatusInProgress
	var previous []stepResult
	aborted := false

	for i := range plan.Steps {
		step := &plan.Steps[i]
		if aborted {
			break
		}
		if err := ctx.Err(); err != nil {
			plan.Status = StatusFailed
			aborted = true
			break
		}

		if !e.depsMet(plan, step) {
			step.Status = StatusSkipped
			step.StatusNote = "Dependencies not met"
			e.logger.Info("step skipped", "plan", plan.ID, "step", step.ID)
			continue
		}

		step.Status = StatusInProgress
		stepStart := time.Now()
		stepCtx, span := telemetry.Tracer("workflow").Start(ctx, "plan.step")
		span.SetAttributes(
			attribute.String("plan.id", plan.ID),
			attribute.String("step.id", step.ID),
			attribute.String("step.agent", step.Agent),
		)
		// The declared estimate is advisory; allow twice that before
		// cutting the step off.
		stepCtx, cancel := context.WithTimeout(stepCtx, stepDeadline(step))
		result, runErr := e.run(stepCtx, step.Agent, e.stepInstruction(plan, step, previous))
		if runErr != nil {
			if stepCtx.Err() == context.DeadlineExceeded {
				runErr = fmt.Errorf("step exceeded its time budget of %s: %w", stepDeadline(step), runErr)
			}
			span.SetStatus(codes.Error, runErr.Error())
		}
		cancel()
		span.End()
		step.DurationSec = time.Since(stepStart).Seconds()

		if runErr != nil {
			step.Status = StatusFailed
			step.Error = runErr.Error()
			e.logger.Warn("step failed", "plan", plan.ID, "step", step.ID, "error", runErr)
			if step.Priority == PriorityCritical {
				plan.Status = StatusFailed
				aborted = true
			}
			continue
		}

		step.Status = StatusCompleted
		step.Result = result
		previous = append(previous, stepResult{StepID: step.ID, Action: step.Action, Result: result})
	}

	if !aborted {
		plan.Status = StatusCompleted
	}
	plan.UpdatedAt = time.Now()
	if err := e.store.Put(plan); err != nil {
		e.logger.Warn("plan persist failed", "plan", plan.ID, "error", err)
	}

	counts := plan.StatusCounts()
	return &ExecutionReport{
		PlanID:         plan.ID,
		Status:         plan.Status,
		Success:        plan.Status == StatusCompleted,
		StepsCompleted: counts[StatusCompleted],
		Counts:         counts,
		DurationMS:     float64(time.Since(start).Milliseconds()),
		Steps:          plan.Steps,
	}, nil
}

// stepDeadline is the hard cap for one step: twice the declared estimate.
func stepDeadline(step *PlanStep) time.Duration {
	est := step.EstimatedDurationSec
	if est <= 0 {
		est = defaultStepDurationSec
	}
	return 2 * time.Duration(est) * time.Second
}

func (e *Executor) depsMet(plan *Plan, step *PlanStep) bool {
	for _, dep := range step.DependsOn {
		ds := plan.StepByID(dep)
		if ds == nil || ds.Status != StatusCompleted {
			return false
		}
	}
	return true
}

func (e *Executor) stepInstruction(plan *Plan, step *PlanStep, previous []stepResult) string {
	if len(previous) == 0 {
		return fmt.Sprintf("Goal: %s\n\nYour task: %s", plan.Goal, step.Action)
	}
	sc := stepContext{
		PlanGoal:        plan.Goal,
		CurrentStep:     step.Action,
		PreviousResults: previous,
	}
	ctxJSON, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Sprintf("Goal: %s\n\nYour task: %s", plan.Goal, step.Action)
	}
	return fmt.Sprintf("Goal: %s\n\nYour task: %s\n\nContext from earlier steps:\n%s",
		plan.Goal, step.Action, ctxJSON)
}
