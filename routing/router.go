package routing

// AgentMeta is the slice of an agent profile the router needs for the
// routing response. Provided by the engine at construction to keep this
// package free of profile knowledge.
type AgentMeta struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	Speed        string   `json:"speed"`
}

// timeEstimates maps agent speed tiers to human-readable estimates.
var timeEstimates = map[string]string{
	"fast":      "2-5 seconds",
	"medium":    "5-15 seconds",
	"slow":      "10-30 seconds",
	"very_slow": "30-120 seconds",
}

// Routing is a full routing decision.
type Routing struct {
	Agent          string         `json:"agent"`
	Classification Classification `json:"classification"`
	Strategy       string         `json:"strategy"`
	EstimatedTime  string         `json:"estimated_time"`
	AgentMeta      AgentMeta      `json:"agent_config"`
}

// Router combines the classifier with agent metadata.
type Router struct {
	classifier *Classifier
	meta       map[string]AgentMeta
}

// NewRouter creates a router over the given classifier and agent metadata.
func NewRouter(classifier *Classifier, meta map[string]AgentMeta) *Router {
	return &Router{classifier: classifier, meta: meta}
}

// Classifier exposes the underlying classifier for table reloads.
func (r *Router) Classifier() *Classifier {
	return r.classifier
}

// Route classifies the instruction and picks a strategy: multi_agent for
// complex tasks, single_agent otherwise.
func (r *Router) Route(instruction string) Routing {
	classification := r.classifier.Classify(instruction)

	strategy := StrategySingleAgent
	if classification.Complexity == ComplexityComplex {
		strategy = StrategyMultiAgent
	}

	meta := r.meta[classification.AgentType]
	estimate, ok := timeEstimates[meta.Speed]
	if !ok {
		estimate = "unknown"
	}

	return Routing{
		Agent:          classification.AgentType,
		Classification: classification,
		Strategy:       strategy,
		EstimatedTime:  estimate,
		AgentMeta:      meta,
	}
}
