package util

import (
	"regexp"
	"strings"
)

var whitespace = regexp.MustCompile(`\s+`)

// SplitTags splits a space-joined booru tag string into clean tags.
func SplitTags(s string) []string {
	s = strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
	if s == "" {
		return nil
	}
	return strings.Split(s, " ")
}

// JoinTags joins tags into a query string, skipping empties.
func JoinTags(tags []string) string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t != "" {
			out = append(out, t)
		}
	}
	return strings.Join(out, " ")
}

// IsMetaTerm reports whether a query term is "free": rating, filetype, and
// ordering terms do not count against a backend's search-tag budget.
func IsMetaTerm(t string) bool {
	for _, p := range []string{"rating:", "filetype:", "-filetype:", "status:"} {
		if strings.HasPrefix(t, p) {
			return true
		}
	}
	return false
}

// CountExpensiveTags counts the terms of a query string that consume the
// backend's tag budget.
func CountExpensiveTags(tags string) int {
	n := 0
	for _, t := range SplitTags(tags) {
		if !IsMetaTerm(t) {
			n++
		}
	}
	return n
}

// StringSet builds a membership set from a slice.
func StringSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		if s != "" {
			set[s] = struct{}{}
		}
	}
	return set
}
