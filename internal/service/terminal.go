package service

import (
	"context"
	"time"

	"github.com/Strob0t/TraceForge/internal/port/database"
)

// AgentStatus is one active agent in a terminal status snapshot.
type AgentStatus struct {
	SessionID  string `json:"session_id"`
	SourceApp  string `json:"source_app"`
	AgentName  string `json:"agent_name,omitempty"`
	AgentClass string `json:"agent_class,omitempty"`
	Type       string `json:"session_type"`
	StartTime  int64  `json:"start_time"`
	Tokens     int64  `json:"total_tokens"`
}

// TerminalStatus is the reply to a get_terminal_status request.
type TerminalStatus struct {
	ActiveAgents []AgentStatus `json:"active_agents"`
	Timestamp    int64         `json:"timestamp"`
}

// TerminalStatusService answers status requests from stream clients
// with a snapshot of every session still running.
type TerminalStatusService struct {
	store database.Store
}

func NewTerminalStatusService(store database.Store) *TerminalStatusService {
	return &TerminalStatusService{store: store}
}

// Snapshot lists all currently active sessions, newest first is not
// guaranteed; callers treat the list as unordered.
func (t *TerminalStatusService) Snapshot(ctx context.Context) (*TerminalStatus, error) {
	now := time.Now()
	// A cutoff strictly in the future lists every active session, even
	// ones updated within the current millisecond.
	active, err := t.store.ActiveSessionsIdleSince(ctx, now.Add(time.Second))
	if err != nil {
		return nil, err
	}

	status := &TerminalStatus{
		ActiveAgents: make([]AgentStatus, 0, len(active)),
		Timestamp:    now.UnixMilli(),
	}
	for i := range active {
		s := &active[i]
		status.ActiveAgents = append(status.ActiveAgents, AgentStatus{
			SessionID:  s.SessionID,
			SourceApp:  s.SourceApp,
			AgentName:  s.Metadata["agent_name"],
			AgentClass: s.Metadata["agent_class"],
			Type:       string(s.SessionType),
			StartTime:  s.StartTime,
			Tokens:     s.TotalTokens,
		})
	}
	return status, nil
}
