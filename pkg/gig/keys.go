package gig

import "strings"

const dataKeyPrefix = "gig:"

// DataKey is the canonical cache key of a gig snapshot, e.g. "gig:42".
func DataKey(gigID string) string {
	return dataKeyPrefix + gigID
}

// IDFromDataKey reverses DataKey.
func IDFromDataKey(key string) (string, bool) {
	id, ok := strings.CutPrefix(key, dataKeyPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// NormalizeID accepts either a bare gig id ("42") or a data key ("gig:42").
func NormalizeID(resourceID string) string {
	if id, ok := IDFromDataKey(resourceID); ok {
		return id
	}
	return strings.TrimSpace(resourceID)
}
