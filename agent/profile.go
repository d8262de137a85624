// Package agent defines the agent catalog and the execution engine that
// runs tasks against backends, with tool loops and fallback chains.
package agent

import (
	"github.com/arbiterhq/arbiter/routing"
	"github.com/arbiterhq/arbiter/tools"
)

// Agent type identifiers. These are also the routing classifier's labels.
const (
	TypeCoder       = "coder"
	TypeReasoner    = "reasoner"
	TypeResearcher  = "researcher"
	TypeExecutor    = "executor"
	TypeGeneral     = "general"
	TypeConsultant  = "consultant"
	TypeSecurity    = "security"
	TypeVisionLocal = "vision_local"
	TypeVisionCloud = "vision_cloud"
)

// Profile declares one agent: its backend, tool surface, and metadata.
type Profile struct {
	Type         string
	Name         string
	Backend      string
	Capabilities []string
	Speed        string
	Quality      string
	ToolFamilies []tools.Family
	NativeTools  bool
	Vision       bool
}

// fallbacks maps an agent to its substitute when the primary backend is
// unavailable, with the marker recorded in tools_used.
var fallbacks = map[string]struct {
	Agent  string
	Marker string
}{
	TypeVisionCloud: {TypeVisionLocal, "fallback_to_local_vision"},
	TypeConsultant:  {TypeReasoner, "fallback_to_reasoner"},
}

// profiles is the built-in agent catalog.
var profiles = map[string]Profile{
	TypeCoder: {
		Type:         TypeCoder,
		Name:         "Code Specialist",
		Backend:      "local",
		Capabilities: []string{"write code", "debug", "refactor", "explain code"},
		Speed:        "medium",
		Quality:      "high",
		ToolFamilies: []tools.Family{tools.FamilyCode, tools.FamilyFile, tools.FamilyMemory},
	},
	TypeReasoner: {
		Type:         TypeReasoner,
		Name:         "Reasoning Specialist",
		Backend:      "local",
		Capabilities: []string{"planning", "analysis", "decision making"},
		Speed:        "medium",
		Quality:      "high",
		ToolFamilies: []tools.Family{tools.FamilyMemory},
	},
	TypeResearcher: {
		Type:         TypeResearcher,
		Name:         "Research Specialist",
		Backend:      "local",
		Capabilities: []string{"web search", "documentation lookup", "fact finding"},
		Speed:        "medium",
		Quality:      "medium",
		ToolFamilies: []tools.Family{tools.FamilyWeb, tools.FamilyOSINT, tools.FamilyFile, tools.FamilyMemory},
	},
	TypeExecutor: {
		Type:         TypeExecutor,
		Name:         "Task Executor",
		Backend:      "local",
		Capabilities: []string{"run commands", "file operations", "system tasks"},
		Speed:        "fast",
		Quality:      "medium",
		ToolFamilies: []tools.Family{tools.FamilySystem, tools.FamilyFile, tools.FamilyMemory},
	},
	TypeGeneral: {
		Type:         TypeGeneral,
		Name:         "General Assistant",
		Backend:      "ollama",
		Capabilities: []string{"conversation", "questions", "summaries"},
		Speed:        "fast",
		Quality:      "medium",
		ToolFamilies: []tools.Family{tools.FamilyMemory},
	},
	TypeConsultant: {
		Type:         TypeConsultant,
		Name:         "Expert Consultant",
		Backend:      "anthropic",
		Capabilities: []string{"deep analysis", "expert advice", "complex decisions"},
		Speed:        "slow",
		Quality:      "highest",
		ToolFamilies: []tools.Family{tools.FamilyCode, tools.FamilyFile, tools.FamilySystem, tools.FamilyWeb, tools.FamilyOSINT, tools.FamilyMemory},
		NativeTools:  true,
	},
	TypeSecurity: {
		Type:         TypeSecurity,
		Name:         "Security Specialist",
		Backend:      "local",
		Capabilities: []string{"security analysis", "vulnerability assessment", "osint"},
		Speed:        "medium",
		Quality:      "high",
		ToolFamilies: []tools.Family{tools.FamilyOSINT, tools.FamilyWeb, tools.FamilySystem, tools.FamilyFile, tools.FamilyCode, tools.FamilyMemory},
	},
	TypeVisionLocal: {
		Type:         TypeVisionLocal,
		Name:         "Local Vision",
		Backend:      "vision_local",
		Capabilities: []string{"image analysis", "ocr", "ui description"},
		Speed:        "slow",
		Quality:      "medium",
		ToolFamilies: []tools.Family{tools.FamilyFile, tools.FamilyWeb, tools.FamilyMemory},
		Vision:       true,
	},
	TypeVisionCloud: {
		Type:         TypeVisionCloud,
		Name:         "Cloud Vision",
		Backend:      "vision_cloud",
		Capabilities: []string{"image analysis", "detailed descriptions"},
		Speed:        "very_slow",
		Quality:      "high",
		Vision:       true,
	},
}

// ProfileFor returns the profile for an agent type, defaulting to general.
func ProfileFor(agentType string) Profile {
	if p, ok := profiles[agentType]; ok {
		return p
	}
	return profiles[TypeGeneral]
}

// Profiles returns the full catalog.
func Profiles() map[string]Profile {
	out := make(map[string]Profile, len(profiles))
	for k, v := range profiles {
		out[k] = v
	}
	return out
}

// RoutingMeta builds the metadata map the router embeds in responses.
func RoutingMeta() map[string]routing.AgentMeta {
	out := make(map[string]routing.AgentMeta, len(profiles))
	for name, p := range profiles {
		out[name] = routing.AgentMeta{
			Name:         p.Name,
			Capabilities: p.Capabilities,
			Speed:        p.Speed,
		}
	}
	return out
}
