package team

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// defaultCoordinator plans and synthesizes collaborations unless the
// caller names another agent.
const defaultCoordinator = "reasoner"

// Contribution is one agent's part of a collaboration.
type Contribution struct {
	Agent   string `json:"agent"`
	Subtask string `json:"subtask"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Collaboration is the full record of a coordinated multi-agent task.
type Collaboration struct {
	Task          string         `json:"task"`
	Agents        []string       `json:"agents"`
	SessionID     string         `json:"session_id,omitempty"`
	Coordinator   string         `json:"coordinator"`
	Plan          string         `json:"plan"`
	Contributions []Contribution `json:"contributions"`
	Synthesis     string         `json:"synthesis"`
	DurationSec   float64        `json:"duration_sec"`
}

// Collaborate runs a task across several agents: the coordinator drafts
// a division of work, each agent contributes in order seeing earlier
// results, and the coordinator synthesizes a final answer. While the
// collaboration runs, help requests without a capability match route to
// the coordinator.
func (c *Coordinator) Collaborate(ctx context.Context, task string, agents []string, sessionID, coordinator string) (*Collaboration, error) {
	if len(agents) < 2 {
		agents = []string{"coder", "researcher"}
	}
	if coordinator == "" {
		coordinator = defaultCoordinator
	}
	c.setActiveCoordinator(coordinator)
	defer c.setActiveCoordinator("")
	start := time.Now()

	plan, err := c.gen.Generate(ctx, coordinator, fmt.Sprintf(
		"You are coordinating agents %s on this task:\n\n%s\n\n"+
			"Write a short plan dividing the work between them.",
		strings.Join(agents, ", "), task))
	if err != nil {
		return nil, fmt.Errorf("coordinator planning failed: %w", err)
	}

	collab := &Collaboration{Task: task, Agents: agents, SessionID: sessionID, Coordinator: coordinator, Plan: plan}

	var previous []string
	for _, agent := range agents {
		prompt := fmt.Sprintf("Your part in this collaboration: %s\n\nCoordinator's plan: %s", task, plan)
		if len(previous) > 0 {
			prompt += "\n\nResults from other agents so far:\n" + strings.Join(previous, "\n---\n")
		}

		contrib := Contribution{Agent: agent, Subtask: task}
		result, err := c.gen.Generate(ctx, agent, prompt)
		if err != nil {
			contrib.Error = err.Error()
			c.logger.Warn("collaboration contribution failed", "agent", agent, "error", err)
		} else {
			contrib.Result = result
			previous = append(previous, fmt.Sprintf("[%s]\n%s", agent, result))
		}
		collab.Contributions = append(collab.Contributions, contrib)
	}

	synthesis, err := c.gen.Generate(ctx, coordinator, fmt.Sprintf(
		"Task: %s\n\nAgent contributions:\n%s\n\n"+
			"Synthesize these into one final answer.",
		task, strings.Join(previous, "\n---\n")))
	if err != nil {
		return nil, fmt.Errorf("synthesis failed: %w", err)
	}
	collab.Synthesis = synthesis
	collab.DurationSec = time.Since(start).Seconds()
	return collab, nil
}
