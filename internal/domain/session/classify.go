package session

import "strings"

// AgentClass is the display category for a spawned agent.
type AgentClass string

const (
	ClassEngineer     AgentClass = "engineer"
	ClassReviewer     AgentClass = "reviewer"
	ClassTester       AgentClass = "tester"
	ClassDebugger     AgentClass = "debugger"
	ClassResearcher   AgentClass = "researcher"
	ClassPlanner      AgentClass = "planner"
	ClassDocumenter   AgentClass = "documenter"
	ClassOrchestrator AgentClass = "orchestrator"
	ClassGeneric      AgentClass = "agent"
)

// classRule maps a name substring to a category. Rules are evaluated in
// order; the first match wins.
type classRule struct {
	substr string
	class  AgentClass
}

// classRules is ordered from most to least specific so that e.g.
// "test-engineer" classifies as tester, not engineer.
var classRules = []classRule{
	{"orchestrat", ClassOrchestrator},
	{"review", ClassReviewer},
	{"test", ClassTester},
	{"qa", ClassTester},
	{"debug", ClassDebugger},
	{"fix", ClassDebugger},
	{"research", ClassResearcher},
	{"search", ClassResearcher},
	{"explore", ClassResearcher},
	{"plan", ClassPlanner},
	{"architect", ClassPlanner},
	{"doc", ClassDocumenter},
	{"writer", ClassDocumenter},
	{"engineer", ClassEngineer},
	{"coder", ClassEngineer},
	{"implement", ClassEngineer},
	{"build", ClassEngineer},
}

// ClassifyAgent maps an agent display name to its category using the
// ordered rule table. Unknown names classify as the generic category.
func ClassifyAgent(name string) AgentClass {
	lower := strings.ToLower(name)
	for _, r := range classRules {
		if strings.Contains(lower, r.substr) {
			return r.class
		}
	}
	return ClassGeneric
}

// ParseDelegationType normalizes a free-form delegation hint from an
// event payload. Unrecognized values default to sequential, the most
// conservative interpretation.
func ParseDelegationType(s string) DelegationType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "parallel", "concurrent":
		return DelegationParallel
	case "isolated", "sandbox":
		return DelegationIsolated
	default:
		return DelegationSequential
	}
}
