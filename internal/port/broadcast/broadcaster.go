// Package broadcast defines the port for pushing live updates to
// connected dashboard clients.
package broadcast

import "context"

// Message types on the server→client envelope.
const (
	TypeInitial               = "initial"
	TypeEvent                 = "event"
	TypeSessionSpawn          = "session_spawn"
	TypeChildSessionCompleted = "child_session_completed"
	TypeSessionFailed         = "session_failed"
	TypeSessionTimeout        = "session_timeout"
	TypeTerminalStatus        = "terminal_status"
	TypeAgentStatusUpdate     = "agent_status_update"
	TypePong                  = "pong"

	// hook_status_update frames originate from dashboard-side tooling;
	// the server only defines the envelope type.
	TypeHookStatusUpdate = "hook_status_update"
)

// Broadcaster fans a typed message out to every open subscriber.
// Delivery is best-effort and at-least-once per subscriber; a failing
// or slow subscriber never blocks the ingestion path.
type Broadcaster interface {
	Broadcast(ctx context.Context, msgType string, data any)
}
