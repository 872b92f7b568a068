package session_test

import (
	"testing"

	"github.com/Strob0t/TraceForge/internal/domain/session"
)

func TestStatusTerminal(t *testing.T) {
	cases := []struct {
		status   session.Status
		terminal bool
	}{
		{session.StatusActive, false},
		{session.StatusCompleted, true},
		{session.StatusFailed, true},
		{session.StatusTimeout, true},
		{session.StatusCancelled, true},
	}
	for _, tc := range cases {
		if got := tc.status.Terminal(); got != tc.terminal {
			t.Errorf("Terminal(%s) = %v, want %v", tc.status, got, tc.terminal)
		}
	}
}

func TestChildPath(t *testing.T) {
	cases := []struct {
		name       string
		parentPath string
		parentID   string
		childID    string
		want       string
	}{
		{"root parent", "", "A", "B", "A.B"},
		{"nested parent", "A.B", "B", "C", "A.B.C"},
		{"deep chain", "A.B.C", "C", "D", "A.B.C.D"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := session.ChildPath(tc.parentPath, tc.parentID, tc.childID)
			if got != tc.want {
				t.Errorf("ChildPath(%q, %q, %q) = %q, want %q",
					tc.parentPath, tc.parentID, tc.childID, got, tc.want)
			}
		})
	}
}

func TestClassifyAgent(t *testing.T) {
	cases := []struct {
		name string
		want session.AgentClass
	}{
		{"code-reviewer", session.ClassReviewer},
		{"test-engineer", session.ClassTester},
		{"debugger", session.ClassDebugger},
		{"deep-research", session.ClassResearcher},
		{"task-planner", session.ClassPlanner},
		{"doc-writer", session.ClassDocumenter},
		{"backend-engineer", session.ClassEngineer},
		{"wave-orchestrator", session.ClassOrchestrator},
		{"mystery", session.ClassGeneric},
		{"", session.ClassGeneric},
	}
	for _, tc := range cases {
		if got := session.ClassifyAgent(tc.name); got != tc.want {
			t.Errorf("ClassifyAgent(%q) = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestParseDelegationType(t *testing.T) {
	cases := []struct {
		in   string
		want session.DelegationType
	}{
		{"parallel", session.DelegationParallel},
		{"Concurrent", session.DelegationParallel},
		{"isolated", session.DelegationIsolated},
		{"sequential", session.DelegationSequential},
		{"", session.DelegationSequential},
		{"whatever", session.DelegationSequential},
	}
	for _, tc := range cases {
		if got := session.ParseDelegationType(tc.in); got != tc.want {
			t.Errorf("ParseDelegationType(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestParseCompositeID(t *testing.T) {
	const parent = "a3f2b8c1-4d5e-6f70-8192-a3b4c5d6e7f8"

	cases := []struct {
		name   string
		id     string
		parent string
		ok     bool
	}{
		{"valid composite", parent + "_2_1721851200000", parent, true},
		{"single segment", parent, "", false},
		{"two segments", parent + "_2", "", false},
		{"four segments", parent + "_2_3_4", "", false},
		{"non-uuid prefix", "not-a-uuid_2_1721851200000", "", false},
		{"alpha sequence", parent + "_abc_1721851200000", "", false},
		{"alpha timestamp", parent + "_2_late", "", false},
		{"empty sequence", parent + "__1721851200000", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := session.ParseCompositeID(tc.id)
			if ok != tc.ok || got != tc.parent {
				t.Errorf("ParseCompositeID(%q) = (%q, %v), want (%q, %v)",
					tc.id, got, ok, tc.parent, tc.ok)
			}
		})
	}
}
