// Package session defines the Session aggregate and the relationship
// edges that form the spawn hierarchy between sessions.
package session

import (
	"time"
)

// SessionType classifies how a session came to exist.
type SessionType string

const (
	TypeMain         SessionType = "main"
	TypeSubagent     SessionType = "subagent"
	TypeWave         SessionType = "wave"
	TypeContinuation SessionType = "continuation"
	TypeIsolated     SessionType = "isolated"
)

// Status is the session lifecycle state. Transitions are monotonic:
// active may move to any terminal state, terminal states never revert.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Session is the mutable aggregate for one execution context: a main
// agent run or a spawned subagent. Created lazily on the first event
// that references its id.
type Session struct {
	SessionID       string            `json:"session_id"`
	SourceApp       string            `json:"source_app"`
	SessionType     SessionType       `json:"session_type"`
	ParentSessionID string            `json:"parent_session_id,omitempty"`
	StartTime       int64             `json:"start_time"`
	EndTime         int64             `json:"end_time,omitempty"`
	DurationMS      int64             `json:"duration_ms,omitempty"`
	Status          Status            `json:"status"`
	AgentCount      int               `json:"agent_count"`
	TotalTokens     int64             `json:"total_tokens"`
	Metadata        map[string]string `json:"session_metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// RelationshipType classifies an edge between two sessions.
type RelationshipType string

const (
	RelParentChild  RelationshipType = "parent/child"
	RelSibling      RelationshipType = "sibling"
	RelContinuation RelationshipType = "continuation"
	RelWaveMember   RelationshipType = "wave_member"
)

// SpawnReason records why the child session was created.
type SpawnReason string

const (
	SpawnSubagentDelegation SpawnReason = "subagent_delegation"
	SpawnWaveOrchestration  SpawnReason = "wave_orchestration"
	SpawnTaskTool           SpawnReason = "task_tool"
	SpawnContinuation       SpawnReason = "continuation"
	SpawnManual             SpawnReason = "manual"
)

// DelegationType records how the parent delegates work to the child.
type DelegationType string

const (
	DelegationParallel   DelegationType = "parallel"
	DelegationSequential DelegationType = "sequential"
	DelegationIsolated   DelegationType = "isolated"
)

// Relationship is a directed parent→child edge in the spawn graph.
// DepthLevel is parent depth + 1 (≥1); SessionPath is the dot-joined
// ancestor chain ending in the child id.
type Relationship struct {
	ParentSessionID string           `json:"parent_session_id"`
	ChildSessionID  string           `json:"child_session_id"`
	Type            RelationshipType `json:"relationship_type"`
	SpawnReason     SpawnReason      `json:"spawn_reason"`
	DelegationType  DelegationType   `json:"delegation_type"`
	SpawnMetadata   string           `json:"spawn_metadata,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	DepthLevel      int              `json:"depth_level"`
	SessionPath     string           `json:"session_path"`
}

// TreeNode is one session plus its resolved children, produced by an
// iterative walk over the parent-pointer index.
type TreeNode struct {
	Session  *Session    `json:"session"`
	Children []*TreeNode `json:"children,omitempty"`
}

// ChildPath extends a parent's materialized path with the child id.
// An empty parent path means the parent is a root.
func ChildPath(parentPath, parentID, childID string) string {
	if parentPath == "" {
		return parentID + "." + childID
	}
	return parentPath + "." + childID
}
