// Package routing classifies free-text instructions onto the agent
// capability space and picks an execution strategy. The keyword table is
// data-driven: a YAML file can replace the built-in table without code
// changes, and a watched file is hot-reloaded.
package routing

import (
	_ "embed"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed keywords.yaml
var defaultKeywords []byte

// Task complexity tiers.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// Execution strategies.
const (
	StrategySingleAgent = "single_agent"
	StrategyMultiAgent  = "multi_agent"
)

// AgentGeneral is the zero-score default agent.
const AgentGeneral = "general"

// agentEntry is one agent's vocabulary in the keyword table.
type agentEntry struct {
	Weight        float64  `yaml:"weight"`
	RequiresTools bool     `yaml:"requires_tools"`
	Keywords      []string `yaml:"keywords"`
}

// keywordTable is the on-disk table shape.
type keywordTable struct {
	Agents      map[string]agentEntry `yaml:"agents"`
	Connectives []string              `yaml:"connectives"`
	TieOrder    []string              `yaml:"tie_order"`
}

// Classification is the classifier output for one instruction.
type Classification struct {
	AgentType     string     `json:"agent_type"`
	Complexity    Complexity `json:"complexity"`
	Confidence    float64    `json:"confidence"`
	Reasoning     string     `json:"reasoning"`
	RequiresTools bool       `json:"requires_tools"`
	WordCount     int        `json:"word_count"`
	HasMultiSteps bool       `json:"has_multi_steps"`
}

// Classifier scores instructions against per-agent keyword vocabularies.
// Same input always yields the same output for a given table.
type Classifier struct {
	mu    sync.RWMutex
	table keywordTable
}

// NewClassifier builds a classifier from the built-in keyword table.
func NewClassifier() *Classifier {
	c := &Classifier{}
	// The embedded table is validated at build time by tests; a parse
	// failure here is a programming error.
	if err := c.loadBytes(defaultKeywords); err != nil {
		panic(fmt.Sprintf("builtin keyword table invalid: %v", err))
	}
	return c
}

// LoadFile replaces the keyword table from a YAML file.
func (c *Classifier) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read keyword table: %w", err)
	}
	return c.loadBytes(data)
}

func (c *Classifier) loadBytes(data []byte) error {
	var table keywordTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return fmt.Errorf("failed to parse keyword table: %w", err)
	}
	if len(table.Agents) == 0 {
		return fmt.Errorf("keyword table has no agents")
	}
	if len(table.TieOrder) == 0 {
		return fmt.Errorf("keyword table has no tie_order")
	}
	for name, entry := range table.Agents {
		if entry.Weight == 0 {
			entry.Weight = 1.0
			table.Agents[name] = entry
		}
	}
	c.mu.Lock()
	c.table = table
	c.mu.Unlock()
	return nil
}

// Classify scores an instruction and returns the winning agent, the
// complexity tier, and a normalized confidence.
func (c *Classifier) Classify(instruction string) Classification {
	c.mu.RLock()
	table := c.table
	c.mu.RUnlock()

	lower := strings.ToLower(instruction)

	scores := make(map[string]float64, len(table.Agents)+1)
	for name, entry := range table.Agents {
		hits := 0
		for _, kw := range entry.Keywords {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		scores[name] = float64(hits) * entry.Weight
	}
	scores[AgentGeneral] = 0

	// Winner by score; ties break by declared order.
	best := AgentGeneral
	bestScore := 0.0
	for _, name := range table.TieOrder {
		score, ok := scores[name]
		if !ok {
			continue
		}
		if score > bestScore {
			best = name
			bestScore = score
		}
	}

	var confidence float64
	var reasoning string
	if bestScore > 0 {
		confidence = math.Min(bestScore/3.0, 1.0)
		reasoning = fmt.Sprintf("Matched %s keywords (score: %.1f)", best, bestScore)
	} else {
		best = AgentGeneral
		confidence = 0.5
		reasoning = "No keyword matches, defaulting to general"
	}

	wordCount := len(strings.Fields(instruction))
	multiStep := false
	for _, conn := range table.Connectives {
		if strings.Contains(lower, conn) {
			multiStep = true
			break
		}
	}

	var complexity Complexity
	switch {
	case wordCount < 10 && !multiStep:
		complexity = ComplexitySimple
	case wordCount < 30 && !multiStep:
		complexity = ComplexityMedium
	default:
		complexity = ComplexityComplex
	}

	requiresTools := false
	if entry, ok := table.Agents[best]; ok {
		requiresTools = entry.RequiresTools
	}

	return Classification{
		AgentType:     best,
		Complexity:    complexity,
		Confidence:    confidence,
		Reasoning:     reasoning,
		RequiresTools: requiresTools,
		WordCount:     wordCount,
		HasMultiSteps: multiStep,
	}
}
