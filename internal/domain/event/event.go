// Package event defines the HookEvent domain entity: one immutable
// lifecycle occurrence reported by an agent runtime.
package event

import (
	"encoding/json"
	"strings"
	"time"
)

// Type identifies the kind of hook event.
type Type string

const (
	TypeSessionStart     Type = "SessionStart"
	TypeUserPromptSubmit Type = "UserPromptSubmit"
	TypePreToolUse       Type = "PreToolUse"
	TypePostToolUse      Type = "PostToolUse"
	TypeSubagentStart    Type = "SubagentStart"
	TypeSubagentStop     Type = "SubagentStop"
	TypeNotification     Type = "Notification"
	TypeStop             Type = "Stop"
	TypePreCompact       Type = "PreCompact"
)

// Known reports whether t is one of the recognized hook event types.
func (t Type) Known() bool {
	switch t {
	case TypeSessionStart, TypeUserPromptSubmit, TypePreToolUse, TypePostToolUse,
		TypeSubagentStart, TypeSubagentStop, TypeNotification, TypeStop, TypePreCompact:
		return true
	}
	return false
}

// HookEvent represents a single immutable event in a session's lifecycle.
// Timestamps are millisecond epoch and are not guaranteed monotonic across
// delivery; consumers sort.
type HookEvent struct {
	ID                int64           `json:"id"`
	SourceApp         string          `json:"source_app"`
	SessionID         string          `json:"session_id"`
	Type              Type            `json:"hook_event_type"`
	Payload           json.RawMessage `json:"payload"`
	Chat              json.RawMessage `json:"chat,omitempty"`
	Summary           string          `json:"summary,omitempty"`
	Timestamp         int64           `json:"timestamp"`
	ParentSessionID   string          `json:"parent_session_id,omitempty"`
	SessionDepth      int             `json:"session_depth"`
	WaveID            string          `json:"wave_id,omitempty"`
	DelegationContext string          `json:"delegation_context,omitempty"`
	CorrelationID     string          `json:"correlation_id,omitempty"`
}

// Time returns the event timestamp as a time.Time.
func (e *HookEvent) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// PayloadField extracts a top-level string field from the payload.
// Returns "" when the payload is absent, malformed, or the field is not
// a string.
func (e *HookEvent) PayloadField(name string) string {
	if len(e.Payload) == 0 {
		return ""
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return ""
	}
	raw, ok := m[name]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// PayloadInt extracts a top-level numeric field from the payload,
// truncating to int64. Returns 0 when absent or non-numeric.
func (e *HookEvent) PayloadInt(name string) int64 {
	if len(e.Payload) == 0 {
		return 0
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return 0
	}
	raw, ok := m[name]
	if !ok {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0
	}
	return int64(f)
}

// PayloadIndicatesError reports whether the payload carries an error
// indicator: a truthy "error"/"is_error" flag or a non-empty error string.
func (e *HookEvent) PayloadIndicatesError() bool {
	if len(e.Payload) == 0 {
		return false
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return false
	}
	for _, key := range []string{"error", "is_error", "error_message"} {
		raw, ok := m[key]
		if !ok {
			continue
		}
		var b bool
		if err := json.Unmarshal(raw, &b); err == nil {
			if b {
				return true
			}
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && strings.TrimSpace(s) != "" {
			return true
		}
	}
	if raw, ok := m["status"]; ok {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && strings.EqualFold(s, "failed") {
			return true
		}
	}
	return false
}
