package agent

import "strings"

func normalizedCapabilities(s string) string {
	return strings.ToLower(s)
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(haystack, strings.ToLower(strings.TrimSpace(needle)))
}
