// Package database defines the durable store port (interface).
package database

import (
	"context"
	"time"

	"github.com/Strob0t/TraceForge/internal/domain/event"
	"github.com/Strob0t/TraceForge/internal/domain/session"
)

// FilterOptions holds the distinct values dashboards use to build
// event filters.
type FilterOptions struct {
	SourceApps []string `json:"source_apps"`
	SessionIDs []string `json:"session_ids"`
	EventTypes []string `json:"hook_event_types"`
}

// Store is the port interface for the durable store: the sole source of
// truth for events, sessions and relationships. It must survive cache
// outages; every write here is synchronous and transactional.
type Store interface {
	// InsertEvent persists a new event, assigning its id (and timestamp
	// when unset). The event is immutable after insert.
	InsertEvent(ctx context.Context, ev *event.HookEvent) error

	// RecentEvents returns the most recent events ordered oldest-first,
	// capped at limit.
	RecentEvents(ctx context.Context, limit int) ([]event.HookEvent, error)

	// EventsBySession returns all events for one session ordered by
	// timestamp, then id.
	EventsBySession(ctx context.Context, sessionID string) ([]event.HookEvent, error)

	// FilterOptions returns distinct source apps, session ids and event
	// types present in the store.
	FilterOptions(ctx context.Context) (*FilterOptions, error)

	// Sessions
	GetSession(ctx context.Context, id string) (*session.Session, error)
	UpsertSession(ctx context.Context, s *session.Session) error
	UpdateSessionStatus(ctx context.Context, id string, status session.Status, endTime int64) error
	IncrementAgentCount(ctx context.Context, id string) error
	AddSessionTokens(ctx context.Context, id string, tokens int64) error
	SetSessionMetadata(ctx context.Context, id, key, value string) error
	ActiveSessionsIdleSince(ctx context.Context, cutoff time.Time) ([]session.Session, error)

	// Relationships
	CreateRelationship(ctx context.Context, rel *session.Relationship) error
	CompleteRelationship(ctx context.Context, childID string, at time.Time) error
	GetRelationship(ctx context.Context, parentID, childID string) (*session.Relationship, error)
	RelationshipByChild(ctx context.Context, childID string) (*session.Relationship, error)
	RelationshipsByParent(ctx context.Context, parentID string) ([]session.Relationship, error)
	SessionChildren(ctx context.Context, parentID string) ([]session.Session, error)
	SessionTree(ctx context.Context, rootID string) (*session.TreeNode, error)
}
