package util

import (
	"net/url"
	"slices"
	"strings"
)

// SafeTruncate safely truncates a string to maxLen characters without panicking.
// Returns the original string if it's shorter than maxLen, otherwise returns
// the first maxLen characters. This prevents index out of bounds errors when
// logging sensitive data like handles, where only a prefix should be shown.
//
// If maxLen is negative, it's treated as 0 and returns an empty string.
//
// Example:
//
//	SafeTruncate("very-long-handle-abc123", 8) // Returns: "very-lon"
//	SafeTruncate("short", 10)                   // Returns: "short"
//	SafeTruncate("test", -1)                    // Returns: ""
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// ParseSpaceDelimited splits a space-delimited parameter such as scope or response_type
// into a sorted set of distinct values. Empty input yields nil.
//
// Example:
//
//	ParseSpaceDelimited("token  code token") // Returns: []string{"code", "token"}
func ParseSpaceDelimited(s string) []string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	slices.Sort(fields)
	return slices.Compact(fields)
}

// JoinSpaceDelimited is the inverse of ParseSpaceDelimited.
func JoinSpaceDelimited(values []string) string {
	return strings.Join(values, " ")
}

// Dedupe returns values with duplicates removed, keeping first occurrences in order.
func Dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// IsAbsoluteURI reports whether s parses as an absolute URI with a scheme.
// Values with an empty-but-present authority ("https:///path") are rejected.
func IsAbsoluteURI(s string) bool {
	if s == "" || strings.TrimSpace(s) != s {
		return false
	}
	u, err := url.Parse(s)
	if err != nil || !u.IsAbs() {
		return false
	}
	if strings.HasPrefix(s[len(u.Scheme)+1:], "//") && u.Host == "" {
		return false
	}
	return true
}
