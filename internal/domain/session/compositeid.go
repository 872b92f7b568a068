package session

import "strings"

// Producers that spawn subagents without reporting a parent id often
// derive the child session id from the parent's:
//
//	{parent_uuid}_{sequence}_{timestamp}
//
// ParseCompositeID recovers the parent id from that convention. It is a
// structural heuristic, not a producer contract, so validation is
// strict: the first segment must look like a UUID and the remaining
// segments must be purely numeric. On any doubt it reports ok=false and
// the session stays unparented — a false edge is worse than a missing
// one.
func ParseCompositeID(id string) (parent string, ok bool) {
	parts := strings.Split(id, "_")
	if len(parts) != 3 {
		return "", false
	}
	if !looksLikeUUID(parts[0]) {
		return "", false
	}
	if !allDigits(parts[1]) || !allDigits(parts[2]) {
		return "", false
	}
	return parts[0], true
}

// looksLikeUUID checks the 8-4-4-4-12 hex layout without allocating.
func looksLikeUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	for i := range len(s) {
		c := s[i]
		if i == 8 || i == 13 || i == 18 || i == 23 {
			if c != '-' {
				return false
			}
			continue
		}
		if !isHex(c) {
			return false
		}
	}
	return true
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := range len(s) {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
