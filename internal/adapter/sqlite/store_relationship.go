package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Strob0t/TraceForge/internal/domain"
	"github.com/Strob0t/TraceForge/internal/domain/session"
)

const relationshipColumns = `parent_session_id, child_session_id, relationship_type, spawn_reason,
	delegation_type, spawn_metadata, created_at, completed_at, depth_level, session_path`

// CreateRelationship inserts a parent→child edge. Self-edges are
// rejected with domain.ErrValidation; a duplicate (parent, child) pair
// is rejected with domain.ErrConflict.
func (s *Store) CreateRelationship(ctx context.Context, rel *session.Relationship) error {
	if rel.ParentSessionID == rel.ChildSessionID {
		return fmt.Errorf("relationship %s->%s: self-relationship: %w",
			rel.ParentSessionID, rel.ChildSessionID, domain.ErrValidation)
	}
	if rel.DepthLevel < 1 {
		rel.DepthLevel = 1
	}
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = time.Now()
	}

	var completed sql.NullInt64
	if rel.CompletedAt != nil {
		completed = sql.NullInt64{Int64: rel.CompletedAt.UnixMilli(), Valid: true}
	}

	_, err := s.q(ctx).ExecContext(ctx,
		`INSERT INTO session_relationships (parent_session_id, child_session_id, relationship_type,
		                                    spawn_reason, delegation_type, spawn_metadata,
		                                    created_at, completed_at, depth_level, session_path)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rel.ParentSessionID, rel.ChildSessionID, string(rel.Type), string(rel.SpawnReason),
		string(rel.DelegationType), nullString(rel.SpawnMetadata),
		rel.CreatedAt.UnixMilli(), completed, rel.DepthLevel, rel.SessionPath)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("relationship %s->%s: %w",
				rel.ParentSessionID, rel.ChildSessionID, domain.ErrConflict)
		}
		return fmt.Errorf("create relationship %s->%s: %w",
			rel.ParentSessionID, rel.ChildSessionID, err)
	}
	return nil
}

// CompleteRelationship stamps completed_at on the edge ending at
// childID. Missing edges are not an error: a stop may arrive for a
// session whose spawn was never linked.
func (s *Store) CompleteRelationship(ctx context.Context, childID string, at time.Time) error {
	_, err := s.q(ctx).ExecContext(ctx,
		`UPDATE session_relationships SET completed_at = ? WHERE child_session_id = ? AND completed_at IS NULL`,
		at.UnixMilli(), childID)
	if err != nil {
		return fmt.Errorf("complete relationship %s: %w", childID, err)
	}
	return nil
}

// GetRelationship returns the edge between parentID and childID.
func (s *Store) GetRelationship(ctx context.Context, parentID, childID string) (*session.Relationship, error) {
	row := s.q(ctx).QueryRowContext(ctx,
		`SELECT `+relationshipColumns+` FROM session_relationships
		 WHERE parent_session_id = ? AND child_session_id = ?`, parentID, childID)
	rel, err := scanRelationship(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("relationship %s->%s: %w", parentID, childID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("relationship %s->%s: %w", parentID, childID, err)
	}
	return rel, nil
}

// RelationshipByChild returns the edge ending at childID, if any.
// A child has at most one parent edge.
func (s *Store) RelationshipByChild(ctx context.Context, childID string) (*session.Relationship, error) {
	row := s.q(ctx).QueryRowContext(ctx,
		`SELECT `+relationshipColumns+` FROM session_relationships WHERE child_session_id = ?`, childID)
	rel, err := scanRelationship(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("relationship by child %s: %w", childID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("relationship by child %s: %w", childID, err)
	}
	return rel, nil
}

// RelationshipsByParent returns all edges starting at parentID in
// creation order.
func (s *Store) RelationshipsByParent(ctx context.Context, parentID string) ([]session.Relationship, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT `+relationshipColumns+` FROM session_relationships
		 WHERE parent_session_id = ? ORDER BY created_at, child_session_id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("relationships by parent %s: %w", parentID, err)
	}
	defer rows.Close()

	var rels []session.Relationship
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("relationships by parent %s: %w", parentID, err)
		}
		rels = append(rels, *rel)
	}
	return rels, rows.Err()
}

// SessionChildren returns the direct child sessions of parentID.
func (s *Store) SessionChildren(ctx context.Context, parentID string) ([]session.Session, error) {
	rows, err := s.q(ctx).QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE session_id IN (SELECT child_session_id FROM session_relationships WHERE parent_session_id = ?)
		 ORDER BY start_time, session_id`, parentID)
	if err != nil {
		return nil, fmt.Errorf("session children %s: %w", parentID, err)
	}
	defer rows.Close()

	var children []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("session children %s: %w", parentID, err)
		}
		children = append(children, *sess)
	}
	return children, rows.Err()
}

// SessionTree materializes the spawn hierarchy rooted at rootID using
// an iterative walk with an explicit stack over the parent-pointer
// index; no recursive SQL, no recursion-depth concerns.
func (s *Store) SessionTree(ctx context.Context, rootID string) (*session.TreeNode, error) {
	rootSess, err := s.GetSession(ctx, rootID)
	if err != nil {
		return nil, err
	}

	root := &session.TreeNode{Session: rootSess}
	stack := []*session.TreeNode{root}
	seen := map[string]bool{rootID: true}

	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		children, err := s.SessionChildren(ctx, node.Session.SessionID)
		if err != nil {
			return nil, err
		}
		for i := range children {
			child := children[i]
			if seen[child.SessionID] {
				// The depth invariant forbids cycles; skip the edge.
				continue
			}
			seen[child.SessionID] = true
			childNode := &session.TreeNode{Session: &child}
			node.Children = append(node.Children, childNode)
			stack = append(stack, childNode)
		}
	}

	return root, nil
}

func scanRelationship(row scanner) (*session.Relationship, error) {
	var (
		rel         session.Relationship
		meta        sql.NullString
		createdMS   int64
		completedMS sql.NullInt64
	)
	if err := row.Scan(&rel.ParentSessionID, &rel.ChildSessionID, (*string)(&rel.Type),
		(*string)(&rel.SpawnReason), (*string)(&rel.DelegationType), &meta,
		&createdMS, &completedMS, &rel.DepthLevel, &rel.SessionPath); err != nil {
		return nil, err
	}
	rel.SpawnMetadata = meta.String
	rel.CreatedAt = time.UnixMilli(createdMS)
	if completedMS.Valid {
		t := time.UnixMilli(completedMS.Int64)
		rel.CompletedAt = &t
	}
	return &rel, nil
}

// isUniqueViolation detects SQLite unique-constraint failures without
// depending on driver-specific error types.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
