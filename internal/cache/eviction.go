package cache

import (
	"sort"
	"time"
)

// SelectEvictions picks the entries to drop so that at most capacity remain.
// Entries are ranked by (AccessCount, Timestamp) ascending: least used first,
// oldest first among equals. The URI breaks any remaining tie so the result
// is deterministic.
func SelectEvictions(entries Metadata, capacity int) []string {
	if len(entries) <= capacity {
		return nil
	}

	candidates := make([]Entry, 0, len(entries))
	for uri, e := range entries {
		e.URI = uri
		candidates = append(candidates, e)
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.AccessCount != b.AccessCount {
			return a.AccessCount < b.AccessCount
		}
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		return a.URI < b.URI
	})

	excess := len(candidates) - capacity
	selected := make([]string, 0, excess)
	for _, e := range candidates[:excess] {
		selected = append(selected, e.URI)
	}
	return selected
}

// SelectExpired returns every entry older than ttl at now, sorted by URI.
func SelectExpired(entries Metadata, now time.Time, ttl time.Duration) []string {
	nowMs := now.UnixMilli()
	ttlMs := ttl.Milliseconds()

	var expired []string
	for uri, e := range entries {
		if nowMs-e.Timestamp > ttlMs {
			expired = append(expired, uri)
		}
	}
	sort.Strings(expired)
	return expired
}

// isFresh reports whether e is within ttl at now.
func isFresh(e Entry, now time.Time, ttl time.Duration) bool {
	return now.UnixMilli()-e.Timestamp <= ttl.Milliseconds()
}
