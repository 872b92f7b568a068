// Package service contains application services: the dual-write
// coordinator, the session relationship engine and the background
// sweepers around them.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Strob0t/TraceForge/internal/domain"
	"github.com/Strob0t/TraceForge/internal/domain/event"
	"github.com/Strob0t/TraceForge/internal/domain/session"
	"github.com/Strob0t/TraceForge/internal/port/broadcast"
	"github.com/Strob0t/TraceForge/internal/port/database"
)

// Notification is a relationship-state change to broadcast once the
// enclosing transaction commits.
type Notification struct {
	Type string
	Data any
}

// SpawnNotice is the payload of a session_spawn broadcast.
type SpawnNotice struct {
	ParentSessionID string                 `json:"parent_session_id"`
	ChildSessionID  string                 `json:"child_session_id"`
	AgentName       string                 `json:"agent_name"`
	AgentClass      session.AgentClass     `json:"agent_class"`
	DelegationType  session.DelegationType `json:"delegation_type"`
	DepthLevel      int                    `json:"depth_level"`
	SessionPath     string                 `json:"session_path"`
}

// CompletionNotice is the payload of child_session_completed,
// session_failed and session_timeout broadcasts.
type CompletionNotice struct {
	SessionID       string         `json:"session_id"`
	ParentSessionID string         `json:"parent_session_id,omitempty"`
	Status          session.Status `json:"status"`
	EndTime         int64          `json:"end_time"`
	DurationMS      int64          `json:"duration_ms,omitempty"`
}

// AgentStatusNotice is the payload of an agent_status_update
// broadcast, emitted when a subagent becomes active or reaches a
// terminal status.
type AgentStatusNotice struct {
	SessionID  string             `json:"session_id"`
	AgentName  string             `json:"agent_name"`
	AgentClass session.AgentClass `json:"agent_class"`
	Status     session.Status     `json:"status"`
}

// RelationshipEngine consumes each persisted event synchronously in the
// ingestion path, maintains session rows and materializes parent/child
// edges with depth and path. It runs inside the ingest transaction so
// relationship state is visible before broadcast.
type RelationshipEngine struct {
	store database.Store
}

// NewRelationshipEngine creates an engine over the given store.
func NewRelationshipEngine(store database.Store) *RelationshipEngine {
	return &RelationshipEngine{store: store}
}

// Process applies one persisted event to session and relationship
// state, returning the notifications to broadcast after commit.
func (e *RelationshipEngine) Process(ctx context.Context, ev *event.HookEvent) ([]Notification, error) {
	if err := e.ensureSession(ctx, ev); err != nil {
		return nil, err
	}

	switch ev.Type {
	case event.TypeSubagentStart:
		return e.handleSubagentStart(ctx, ev)
	case event.TypeSubagentStop:
		return e.handleSubagentStop(ctx, ev)
	case event.TypeUserPromptSubmit:
		return nil, e.handlePromptSubmit(ctx, ev)
	case event.TypePostToolUse, event.TypeStop:
		if err := e.accumulateTokens(ctx, ev); err != nil {
			return nil, err
		}
		if ev.Type == event.TypeStop {
			return e.handleStop(ctx, ev)
		}
	}
	return nil, nil
}

// ensureSession lazily creates the session row on the first event that
// references it. A present parent id makes the session a subagent; a
// wave id makes it a wave member.
func (e *RelationshipEngine) ensureSession(ctx context.Context, ev *event.HookEvent) error {
	typ := session.TypeMain
	switch {
	case ev.WaveID != "":
		typ = session.TypeWave
	case ev.ParentSessionID != "":
		typ = session.TypeSubagent
	}

	return e.store.UpsertSession(ctx, &session.Session{
		SessionID:       ev.SessionID,
		SourceApp:       ev.SourceApp,
		SessionType:     typ,
		ParentSessionID: ev.ParentSessionID,
		StartTime:       ev.Timestamp,
	})
}

func (e *RelationshipEngine) handleSubagentStart(ctx context.Context, ev *event.HookEvent) ([]Notification, error) {
	agentName := ev.PayloadField("agent_name")
	if agentName == "" {
		agentName = ev.PayloadField("task_description")
	}
	if agentName == "" {
		agentName = "subagent"
	}
	class := session.ClassifyAgent(agentName)
	delegation := session.ParseDelegationType(ev.PayloadField("delegation_type"))

	if err := e.store.SetSessionMetadata(ctx, ev.SessionID, "agent_name", agentName); err != nil {
		return nil, err
	}
	if err := e.store.SetSessionMetadata(ctx, ev.SessionID, "agent_class", string(class)); err != nil {
		return nil, err
	}

	notes := []Notification{{
		Type: broadcast.TypeAgentStatusUpdate,
		Data: AgentStatusNotice{
			SessionID:  ev.SessionID,
			AgentName:  agentName,
			AgentClass: class,
			Status:     session.StatusActive,
		},
	}}

	if ev.ParentSessionID == "" {
		return notes, nil
	}

	reason := session.SpawnSubagentDelegation
	relType := session.RelParentChild
	if ev.WaveID != "" {
		reason = session.SpawnWaveOrchestration
		relType = session.RelWaveMember
	}
	if ev.PayloadField("spawn_method") == "task_tool" {
		reason = session.SpawnTaskTool
	}

	rel, err := e.link(ctx, ev.ParentSessionID, ev.SessionID, relType, reason, delegation, time.UnixMilli(ev.Timestamp))
	if err != nil {
		return nil, err
	}
	if rel == nil {
		// Edge already existed; nothing new to announce.
		return notes, nil
	}

	return append(notes, Notification{
		Type: broadcast.TypeSessionSpawn,
		Data: SpawnNotice{
			ParentSessionID: rel.ParentSessionID,
			ChildSessionID:  rel.ChildSessionID,
			AgentName:       agentName,
			AgentClass:      class,
			DelegationType:  delegation,
			DepthLevel:      rel.DepthLevel,
			SessionPath:     rel.SessionPath,
		},
	}), nil
}

func (e *RelationshipEngine) handleSubagentStop(ctx context.Context, ev *event.HookEvent) ([]Notification, error) {
	status := session.StatusCompleted
	msgType := broadcast.TypeChildSessionCompleted
	if ev.PayloadIndicatesError() {
		status = session.StatusFailed
		msgType = broadcast.TypeSessionFailed
	}

	endTime := ev.Timestamp
	if err := e.store.UpdateSessionStatus(ctx, ev.SessionID, status, endTime); err != nil {
		// A duplicate stop for an already-terminal session is not an
		// ingestion failure.
		if !errors.Is(err, domain.ErrConflict) {
			return nil, err
		}
	}

	parentID := ev.ParentSessionID
	if _, err := e.store.RelationshipByChild(ctx, ev.SessionID); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		// No edge was recorded at spawn. Try the composite session id
		// convention; on any doubt leave the session unparented.
		if parentID == "" {
			parentID, _ = session.ParseCompositeID(ev.SessionID)
		}
		if parentID != "" {
			stopAt := time.UnixMilli(ev.Timestamp)
			if err := e.ensureParentSession(ctx, parentID, ev); err != nil {
				return nil, err
			}
			if _, err := e.link(ctx, parentID, ev.SessionID, session.RelParentChild,
				session.SpawnSubagentDelegation, session.DelegationSequential, stopAt); err != nil {
				return nil, err
			}
		}
	} else if parentID == "" {
		rel, err := e.store.RelationshipByChild(ctx, ev.SessionID)
		if err == nil {
			parentID = rel.ParentSessionID
		}
	}

	if err := e.store.CompleteRelationship(ctx, ev.SessionID, time.UnixMilli(endTime)); err != nil {
		return nil, err
	}

	sess, err := e.store.GetSession(ctx, ev.SessionID)
	if err != nil {
		return nil, err
	}

	return []Notification{
		{
			Type: msgType,
			Data: CompletionNotice{
				SessionID:       ev.SessionID,
				ParentSessionID: parentID,
				Status:          sess.Status,
				EndTime:         sess.EndTime,
				DurationMS:      sess.DurationMS,
			},
		},
		{
			Type: broadcast.TypeAgentStatusUpdate,
			Data: AgentStatusNotice{
				SessionID:  ev.SessionID,
				AgentName:  sess.Metadata["agent_name"],
				AgentClass: session.AgentClass(sess.Metadata["agent_class"]),
				Status:     sess.Status,
			},
		},
	}, nil
}

func (e *RelationshipEngine) handleStop(ctx context.Context, ev *event.HookEvent) ([]Notification, error) {
	err := e.store.UpdateSessionStatus(ctx, ev.SessionID, session.StatusCompleted, ev.Timestamp)
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		return nil, err
	}
	return nil, nil
}

func (e *RelationshipEngine) handlePromptSubmit(ctx context.Context, ev *event.HookEvent) error {
	prompt := ev.PayloadField("prompt")
	if prompt == "" {
		prompt = ev.PayloadField("prompt_text")
	}
	if prompt == "" {
		return nil
	}
	// Used later for display naming on the dashboard.
	return e.store.SetSessionMetadata(ctx, ev.SessionID, "prompt", prompt)
}

func (e *RelationshipEngine) accumulateTokens(ctx context.Context, ev *event.HookEvent) error {
	tokens := ev.PayloadInt("total_tokens")
	if tokens == 0 {
		tokens = ev.PayloadInt("tokens_used")
	}
	if tokens == 0 {
		return nil
	}
	err := e.store.AddSessionTokens(ctx, ev.SessionID, tokens)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

// ensureParentSession creates the parent row recovered from a composite
// session id. Nothing else is known about it, so it starts as a main
// session at the child's timestamp.
func (e *RelationshipEngine) ensureParentSession(ctx context.Context, parentID string, ev *event.HookEvent) error {
	return e.store.UpsertSession(ctx, &session.Session{
		SessionID:   parentID,
		SourceApp:   ev.SourceApp,
		SessionType: session.TypeMain,
		StartTime:   ev.Timestamp,
	})
}

// link creates the parent→child edge with depth and materialized path
// derived from the parent's own edge, and bumps the parent's
// agent-count. Returns nil without error when the edge already exists.
func (e *RelationshipEngine) link(ctx context.Context, parentID, childID string,
	relType session.RelationshipType, reason session.SpawnReason,
	delegation session.DelegationType, at time.Time) (*session.Relationship, error) {

	depth := 1
	path := session.ChildPath("", parentID, childID)
	if parentRel, err := e.store.RelationshipByChild(ctx, parentID); err == nil {
		depth = parentRel.DepthLevel + 1
		path = session.ChildPath(parentRel.SessionPath, parentID, childID)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	rel := &session.Relationship{
		ParentSessionID: parentID,
		ChildSessionID:  childID,
		Type:            relType,
		SpawnReason:     reason,
		DelegationType:  delegation,
		CreatedAt:       at,
		DepthLevel:      depth,
		SessionPath:     path,
	}
	if err := e.store.CreateRelationship(ctx, rel); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, nil
		}
		if errors.Is(err, domain.ErrValidation) {
			slog.Warn("rejected self-relationship", "session_id", childID)
			return nil, nil
		}
		return nil, err
	}

	if err := e.store.IncrementAgentCount(ctx, parentID); err != nil {
		return nil, fmt.Errorf("link %s->%s: %w", parentID, childID, err)
	}
	return rel, nil
}
