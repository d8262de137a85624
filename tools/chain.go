package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Chain step types.
type ChainStepType string

const (
	StepToolCall  ChainStepType = "tool_call"
	StepCondition ChainStepType = "condition"
	StepLoop      ChainStepType = "loop"
	StepTransform ChainStepType = "transform"
	StepAggregate ChainStepType = "aggregate"
)

// Chain and step statuses.
const (
	ChainPending    = "pending"
	ChainInProgress = "in_progress"
	ChainCompleted  = "completed"
	ChainFailed     = "failed"
)

// ChainStep is one instruction in a tool chain. Parameters may reference
// shared variables as "$name"; condition branches carry their sub-steps in
// Parameters under true_steps / false_steps.
type ChainStep struct {
	ID         string         `json:"id"`
	Type       ChainStepType  `json:"type"`
	Tool       string         `json:"tool,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Condition  string         `json:"condition,omitempty"`
	Transform  string         `json:"transform,omitempty"`
	SaveAs     string         `json:"save_as,omitempty"`
	Status     string         `json:"status"`
	Result     any            `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// ToolChain is a declarative program over the tool registry.
type ToolChain struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Steps       []*ChainStep   `json:"steps"`
	Variables   map[string]any `json:"variables"`
	Status      string         `json:"status"`
}

// NewToolChain creates a chain with initial variables.
func NewToolChain(name, description string, steps []*ChainStep, variables map[string]any) *ToolChain {
	if variables == nil {
		variables = map[string]any{}
	}
	for _, s := range steps {
		if s.ID == "" {
			s.ID = uuid.NewString()[:8]
		}
		s.Status = ChainPending
	}
	return &ToolChain{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Steps:       steps,
		Variables:   variables,
		Status:      ChainPending,
	}
}

// ChainExecutor runs tool chains against a registry and persists finished
// chains as JSON.
type ChainExecutor struct {
	registry *Registry
	dir      string
}

// NewChainExecutor creates an executor. dir may be empty to disable
// persistence.
func NewChainExecutor(reg *Registry, dir string) *ChainExecutor {
	return &ChainExecutor{registry: reg, dir: dir}
}

// Execute runs every step in order. The first failing step marks the chain
// failed and stops execution.
func (e *ChainExecutor) Execute(ctx context.Context, chain *ToolChain) error {
	chain.Status = ChainInProgress
	err := e.runSteps(ctx, chain, chain.Steps)
	if err != nil {
		chain.Status = ChainFailed
	} else {
		chain.Status = ChainCompleted
	}
	e.persist(chain)
	return err
}

func (e *ChainExecutor) runSteps(ctx context.Context, chain *ToolChain, steps []*ChainStep) error {
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			step.Status = ChainFailed
			step.Error = "cancelled"
			return fmt.Errorf("chain cancelled: %w", err)
		}
		step.Status = ChainInProgress
		if err := e.runStep(ctx, chain, step); err != nil {
			step.Status = ChainFailed
			step.Error = err.Error()
			return fmt.Errorf("step %s failed: %w", step.ID, err)
		}
		step.Status = ChainCompleted
	}
	return nil
}

func (e *ChainExecutor) runStep(ctx context.Context, chain *ToolChain, step *ChainStep) error {
	switch step.Type {
	case StepToolCall:
		return e.runToolCall(ctx, chain, step)
	case StepTransform:
		return e.runTransform(chain, step)
	case StepCondition:
		return e.runCondition(ctx, chain, step)
	case StepAggregate:
		return e.runAggregate(chain, step)
	case StepLoop:
		return e.runLoop(ctx, chain, step)
	default:
		return fmt.Errorf("unknown step type: %s", step.Type)
	}
}

func (e *ChainExecutor) runToolCall(ctx context.Context, chain *ToolChain, step *ChainStep) error {
	args, _ := SubstituteVariables(step.Parameters, chain.Variables).(map[string]any)
	result := e.registry.Execute(ctx, step.Tool, args)
	if !result.Success {
		return fmt.Errorf("%s: %s", step.Tool, result.Error)
	}
	value := result.Value
	if value == nil {
		value = result.Content
	}
	step.Result = value
	if step.SaveAs != "" {
		chain.Variables[step.SaveAs] = value
	}
	return nil
}

func (e *ChainExecutor) runTransform(chain *ToolChain, step *ChainStep) error {
	params, _ := SubstituteVariables(step.Parameters, chain.Variables).(map[string]any)
	input := params["input"]
	out, err := applyTransform(step.Transform, input, params)
	if err != nil {
		return err
	}
	step.Result = out
	if step.SaveAs != "" {
		chain.Variables[step.SaveAs] = out
	}
	return nil
}

func applyTransform(name string, input any, params map[string]any) (any, error) {
	switch name {
	case "to_json":
		data, err := json.Marshal(input)
		if err != nil {
			return nil, fmt.Errorf("to_json: %w", err)
		}
		return string(data), nil
	case "from_json":
		s, ok := input.(string)
		if !ok {
			return nil, fmt.Errorf("from_json: input is not a string")
		}
		var out any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, fmt.Errorf("from_json: %w", err)
		}
		return out, nil
	case "to_list":
		return toList(input), nil
	case "count":
		return countOf(input), nil
	case "first":
		list := toList(input)
		if len(list) == 0 {
			return nil, fmt.Errorf("first: empty input")
		}
		return list[0], nil
	case "last":
		list := toList(input)
		if len(list) == 0 {
			return nil, fmt.Errorf("last: empty input")
		}
		return list[len(list)-1], nil
	case "join":
		sep := ", "
		if s, ok := params["separator"].(string); ok {
			sep = s
		}
		items := toList(input)
		parts := make([]string, len(items))
		for i, it := range items {
			parts[i] = fmt.Sprintf("%v", it)
		}
		return strings.Join(parts, sep), nil
	case "split":
		sep := ","
		if s, ok := params["separator"].(string); ok {
			sep = s
		}
		s, ok := input.(string)
		if !ok {
			return nil, fmt.Errorf("split: input is not a string")
		}
		parts := strings.Split(s, sep)
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = strings.TrimSpace(p)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown transform: %s", name)
	}
}

func toList(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	default:
		return []any{v}
	}
}

func countOf(v any) int {
	switch t := v.(type) {
	case nil:
		return 0
	case []any:
		return len(t)
	case []string:
		return len(t)
	case map[string]any:
		return len(t)
	case string:
		return len(t)
	default:
		return 1
	}
}

func (e *ChainExecutor) runCondition(ctx context.Context, chain *ToolChain, step *ChainStep) error {
	verdict, err := EvaluateCondition(step.Condition, chain.Variables)
	if err != nil {
		return err
	}
	step.Result = verdict
	branch := "false_steps"
	if verdict {
		branch = "true_steps"
	}
	raw, ok := step.Parameters[branch]
	if !ok {
		return nil
	}
	sub, err := decodeSteps(raw)
	if err != nil {
		return fmt.Errorf("condition branch %s: %w", branch, err)
	}
	return e.runSteps(ctx, chain, sub)
}

func (e *ChainExecutor) runLoop(ctx context.Context, chain *ToolChain, step *ChainStep) error {
	items := toList(SubstituteVariables(step.Parameters["items"], chain.Variables))
	sub, err := decodeSteps(step.Parameters["steps"])
	if err != nil {
		return fmt.Errorf("loop steps: %w", err)
	}
	var results []any
	for _, item := range items {
		chain.Variables["item"] = item
		// Each iteration gets fresh copies so statuses do not leak.
		iteration := cloneSteps(sub)
		if err := e.runSteps(ctx, chain, iteration); err != nil {
			return err
		}
		if len(iteration) > 0 {
			results = append(results, iteration[len(iteration)-1].Result)
		}
	}
	delete(chain.Variables, "item")
	step.Result = results
	if step.SaveAs != "" {
		chain.Variables[step.SaveAs] = results
	}
	return nil
}

func (e *ChainExecutor) runAggregate(chain *ToolChain, step *ChainStep) error {
	params, _ := SubstituteVariables(step.Parameters, chain.Variables).(map[string]any)
	inputs := toList(params["inputs"])
	op, _ := params["operation"].(string)
	var out any
	switch op {
	case "collect", "":
		out = inputs
	case "concat":
		var sb strings.Builder
		for _, in := range inputs {
			fmt.Fprintf(&sb, "%v", in)
		}
		out = sb.String()
	case "merge":
		merged := map[string]any{}
		for _, in := range inputs {
			if m, ok := in.(map[string]any); ok {
				for k, v := range m {
					merged[k] = v
				}
			}
		}
		out = merged
	default:
		return fmt.Errorf("unknown aggregate operation: %s", op)
	}
	step.Result = out
	if step.SaveAs != "" {
		chain.Variables[step.SaveAs] = out
	}
	return nil
}

func decodeSteps(raw any) ([]*ChainStep, error) {
	if raw == nil {
		return nil, nil
	}
	if steps, ok := raw.([]*ChainStep); ok {
		return steps, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var steps []*ChainStep
	if err := json.Unmarshal(data, &steps); err != nil {
		return nil, err
	}
	return steps, nil
}

func cloneSteps(steps []*ChainStep) []*ChainStep {
	out := make([]*ChainStep, len(steps))
	for i, s := range steps {
		c := *s
		c.Status = ChainPending
		c.Result = nil
		c.Error = ""
		out[i] = &c
	}
	return out
}

// SubstituteVariables replaces "$name" strings with the matching variable
// value, recursing through maps and slices. Unknown references are left
// untouched, which makes substitution idempotent for resolved values.
func SubstituteVariables(v any, vars map[string]any) any {
	switch t := v.(type) {
	case string:
		if strings.HasPrefix(t, "$") {
			if val, ok := vars[t[1:]]; ok {
				return val
			}
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			// Branch steps are programs, not data; they are substituted
			// when their own steps run.
			if k == "true_steps" || k == "false_steps" || k == "steps" {
				out[k] = val
				continue
			}
			out[k] = SubstituteVariables(val, vars)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = SubstituteVariables(val, vars)
		}
		return out
	default:
		return v
	}
}

// EvaluateCondition evaluates a simple binary or existence expression over
// the chain variables, e.g. "$count > 3" or "$result exists".
func EvaluateCondition(expr string, vars map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, fmt.Errorf("empty condition")
	}
	if strings.HasSuffix(expr, " exists") {
		name := strings.TrimSpace(strings.TrimSuffix(expr, " exists"))
		name = strings.TrimPrefix(name, "$")
		_, ok := vars[name]
		return ok, nil
	}
	for _, op := range []string{"==", "!=", ">=", "<=", ">", "<"} {
		idx := strings.Index(expr, op)
		if idx < 0 {
			continue
		}
		left := resolveOperand(strings.TrimSpace(expr[:idx]), vars)
		right := resolveOperand(strings.TrimSpace(expr[idx+len(op):]), vars)
		return compare(left, right, op)
	}
	return false, fmt.Errorf("unsupported condition: %s", expr)
}

func resolveOperand(s string, vars map[string]any) any {
	if strings.HasPrefix(s, "$") {
		if v, ok := vars[s[1:]]; ok {
			return v
		}
		return nil
	}
	// JSON decode best effort; bare words fall back to unquoted strings.
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return strings.Trim(s, `"'`)
}

func compare(left, right any, op string) (bool, error) {
	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if lok && rok {
		switch op {
		case "==":
			return lf == rf, nil
		case "!=":
			return lf != rf, nil
		case ">":
			return lf > rf, nil
		case "<":
			return lf < rf, nil
		case ">=":
			return lf >= rf, nil
		case "<=":
			return lf <= rf, nil
		}
	}
	ls := fmt.Sprintf("%v", left)
	rs := fmt.Sprintf("%v", right)
	switch op {
	case "==":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	case ">":
		return ls > rs, nil
	case "<":
		return ls < rs, nil
	case ">=":
		return ls >= rs, nil
	case "<=":
		return ls <= rs, nil
	}
	return false, fmt.Errorf("unsupported operator: %s", op)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func (e *ChainExecutor) persist(chain *ToolChain) {
	if e.dir == "" {
		return
	}
	dir := filepath.Join(e.dir, "chains")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	data, err := json.MarshalIndent(chain, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(dir, "chain_"+chain.ID+".json"), data, 0o644)
}

// FindTodosChain builds the canonical example chain: glob Python files,
// grep them for a pattern, count the matches.
func FindTodosChain(projectRoot, searchPattern string) *ToolChain {
	steps := []*ChainStep{
		{
			ID:         "glob",
			Type:       StepToolCall,
			Tool:       "glob_files",
			Parameters: map[string]any{"pattern": "*.py", "path": "$project_root"},
			SaveAs:     "python_files",
		},
		{
			ID:         "grep",
			Type:       StepToolCall,
			Tool:       "grep_search",
			Parameters: map[string]any{"pattern": "$search_pattern", "files": "$python_files"},
			SaveAs:     "todo_matches",
		},
		{
			ID:         "count",
			Type:       StepTransform,
			Transform:  "count",
			Parameters: map[string]any{"input": "$todo_matches"},
			SaveAs:     "todo_count",
		},
	}
	return NewToolChain("find_todos", "Count TODO markers in Python files", steps, map[string]any{
		"project_root":   projectRoot,
		"search_pattern": searchPattern,
	})
}
